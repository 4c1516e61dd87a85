// Package session implements the per-client MQTT session state machine:
// the core of this module (spec §2, component G, "Session State Machine").
// It accepts decoded packets from a transport.Transport, authenticates and
// authorizes the peer through a session.Server, manages subscriptions and
// inflight QoS-1 delivery, enforces keepalive, and coordinates teardown
// with the surrounding broker.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gonzalop/broker/ascoltatore"
	"github.com/gonzalop/broker/packet"
	"github.com/gonzalop/broker/topic"
	"github.com/gonzalop/broker/transport"
)

// Handler is the fabric-facing callback type a Session registers for each
// subscription (spec §4.F). It is an alias of ascoltatore.Handler so
// callers never need to import both packages just to pass one around.
type Handler = ascoltatore.Handler

// state is the Session's lifecycle state (spec §4.G).
type state int32

const (
	awaitingConnect state = iota
	active
	closingState
	closedState
)

func (s state) String() string {
	switch s {
	case awaitingConnect:
		return "awaiting_connect"
	case active:
		return "active"
	case closingState:
		return "closing"
	case closedState:
		return "closed"
	default:
		return "unknown"
	}
}

// subscription is a Subscription Map entry (spec §2 component C).
type subscription struct {
	qos     packet.QoS
	handler Handler
}

// Session is one client's live connection state (spec §3 "Client
// session"). All fields guarded by mu are mutated only while holding it;
// this stands in for the single-threaded cooperative execution context
// spec §5 describes, since a Go session may be resumed concurrently by its
// own read loop, the keepalive timer, and forwarder callbacks invoked by
// the pub/sub fabric from another goroutine.
type Session struct {
	server    Server
	transport transport.Transport
	logger    *slog.Logger

	// connID is a per-CONNECT-attempt correlation id, distinct from the
	// MQTT client id, so overlapping reconnect attempts for the same
	// client id are distinguishable in logs (see SPEC_FULL.md domain
	// stack: google/uuid).
	connID uuid.UUID

	mu    sync.Mutex
	state state

	id        string
	clean     bool
	keepalive uint16 // seconds, as received in CONNECT
	will      *packet.Will

	subscriptions map[string]subscription
	inflight      map[uint16]*packet.Publish
	inflightCount int
	nextID        uint16
	lastDedupID   int64 // sentinel below all real (non-negative) dedup ids

	closed  bool
	closing bool

	keepaliveTimer *time.Timer

	closeOnce sync.Once
	closeDone chan struct{}
	closeWhy  *CloseReason
}

// New creates a Session bound to tr, ready to have Run called on it. The
// session is not registered with server until CONNECT succeeds.
func New(server Server, tr transport.Transport) *Session {
	return &Session{
		server:        server,
		transport:     tr,
		logger:        server.Logger(),
		connID:        uuid.New(),
		state:         awaitingConnect,
		subscriptions: make(map[string]subscription),
		inflight:      make(map[uint16]*packet.Publish),
		lastDedupID:   -1,
		closeDone:     make(chan struct{}),
	}
}

// ID returns the client identifier assigned on CONNECT; empty before then.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Clean reports the clean-session flag from CONNECT.
func (s *Session) Clean() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clean
}

// Subscriptions returns a snapshot of the current subscription set, for
// persistence on close (spec §4.H).
func (s *Session) Subscriptions() map[string]packet.QoS {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]packet.QoS, len(s.subscriptions))
	for t, sub := range s.subscriptions {
		out[t] = sub.qos
	}
	return out
}

// Will returns the last-will message registered on CONNECT, or nil.
func (s *Session) Will() *packet.Will {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.will
}

// Run drives the session: it reads packets from the transport and
// dispatches them until the session closes or ctx is cancelled. Run
// returns once the session has fully closed.
func (s *Session) Run(ctx context.Context) error {
	for {
		pkt, err := s.transport.ReadPacket(ctx)
		if err != nil {
			if s.isClosed() {
				return nil
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				s.Close(abnormal(err))
				return err
			}
			// Transport error without a prior DISCONNECT: abnormal close,
			// will delivered (spec §4.G).
			s.Close(abnormal(fmt.Errorf("transport read: %w", err)))
			return nil
		}

		s.resetKeepalive()

		if err := s.dispatch(ctx, pkt); err != nil {
			s.logger.Debug("dispatch error", "conn_id", s.connID, "error", err)
		}

		if s.isClosed() {
			return nil
		}
	}
}

func (s *Session) dispatch(ctx context.Context, pkt any) error {
	switch p := pkt.(type) {
	case *packet.Connect:
		return s.handleConnect(ctx, p)
	case *packet.Subscribe:
		return s.handleSubscribe(ctx, p)
	case *packet.Unsubscribe:
		return s.handleUnsubscribe(ctx, p)
	case *packet.Publish:
		return s.handlePublish(ctx, p)
	case *packet.PubAck:
		return s.handlePuback(ctx, p)
	case *packet.PingReq:
		return s.handlePingreq(ctx, p)
	case *packet.Disconnect:
		return s.handleDisconnect(ctx, p)
	default:
		return fmt.Errorf("unexpected packet type %T", pkt)
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) isClosedOrClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || s.closing
}

// write writes pkt to the transport unless the session has already closed
// (spec invariant 4: "Once closed, no further writes to the transport are
// attempted").
func (s *Session) write(ctx context.Context, pkt any) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.transport.WritePacket(ctx, pkt)
}

func (s *Session) normalizeWill(w *packet.Will) *packet.Will {
	if w == nil {
		return nil
	}
	cp := *w
	cp.Topic = topic.Normalize(cp.Topic)
	return &cp
}
