package ascoltatore

import (
	"context"
	"reflect"
	"strings"
	"sync"

	"github.com/rs/xid"
)

// registration pairs a handler with the xid handle used to look it up for
// Unsubscribe without requiring Handler values to be comparable map keys.
type registration struct {
	id      xid.ID
	filter  string
	handler Handler
}

// Memory is a minimal in-process Ascoltatore. It is a reference/test
// double, not a production topic-tree engine (spec §1 Non-goals): matching
// is a linear scan over registered filters, adequate for unit and
// integration tests but not for broker-scale fan-out.
type Memory struct {
	mu   sync.RWMutex
	regs []*registration
}

// NewMemory returns an empty in-memory fabric.
func NewMemory() *Memory {
	return &Memory{}
}

var _ Ascoltatore = (*Memory)(nil)

func (m *Memory) Subscribe(_ context.Context, filter string, handler Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs = append(m.regs, &registration{id: xid.New(), filter: filter, handler: handler})
	return nil
}

func (m *Memory) Unsubscribe(_ context.Context, filter string, handler Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.regs[:0]
	for _, r := range m.regs {
		if r.filter == filter && sameHandler(r.handler, handler) {
			continue
		}
		kept = append(kept, r)
	}
	m.regs = kept
	return nil
}

func (m *Memory) Publish(ctx context.Context, topic string, payload []byte, opts Options) error {
	m.mu.RLock()
	matched := make([]*registration, 0, len(m.regs))
	for _, r := range m.regs {
		if MatchTopic(r.filter, topic) {
			matched = append(matched, r)
		}
	}
	m.mu.RUnlock()

	for _, r := range matched {
		qos := 0
		r.handler(ctx, topic, payload, opts, r.filter, qos)
	}
	return nil
}

// sameHandler compares handlers by pointer identity via reflection-free
// function value comparison is not possible in Go for arbitrary closures,
// so callers are expected to pass back the exact Handler value obtained
// from their own registration bookkeeping (the session's subscription map
// retains it for precisely this reason, per spec §9).
func sameHandler(a, b Handler) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

// MatchTopic reports whether topic matches the MQTT wildcard filter.
// '+' matches exactly one level; '#' matches the remainder of the topic
// (including zero levels) and must be the final filter segment. Exported
// so other packages needing the same matching semantics (e.g. retained
// message lookup in persistence/memstore) do not have to reimplement it.
func MatchTopic(filter, topic string) bool {
	// MQTT-4.7.2-1: a filter starting with a wildcard never matches a
	// topic starting with '$' (the reserved namespace for broker-internal
	// topics like $SYS).
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}

	filterLevels := strings.Split(filter, "/")
	topicLevels := strings.Split(topic, "/")

	for i, fl := range filterLevels {
		if fl == "#" {
			return true // matches everything remaining, including zero levels
		}
		if i >= len(topicLevels) {
			return false // filter has more levels than topic and didn't end in '#'
		}
		if fl != "+" && fl != topicLevels[i] {
			return false
		}
	}
	return len(filterLevels) == len(topicLevels)
}
