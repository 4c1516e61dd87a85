// Package broker is the Server Adapter (spec §2 component I, §4.I): the
// concrete implementation of session.Server that wires a session.Session to
// the pub/sub fabric, the persistence backend, and pluggable authorization,
// the way the teacher's Client wires client.go to its transport and
// auth_handler.go.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gonzalop/broker/ascoltatore"
	"github.com/gonzalop/broker/packet"
	"github.com/gonzalop/broker/persistence"
	"github.com/gonzalop/broker/session"
	"github.com/gonzalop/broker/transport"
)

// Broker owns the client table and the shared fabric/store every session
// dispatches through. One Broker typically backs one listener; nothing here
// is tied to a specific transport.
type Broker struct {
	opts *options

	mu      sync.Mutex
	clients map[string]*session.Session

	offlineID atomic.Uint32
}

// New builds a Broker from opts. An ascoltatore.Ascoltatore and a
// persistence.Store are required; every other concern has a sane default
// (permissive authorization, an inflight bound of 20 per session unless
// WithMaxInflightMessages says otherwise, a discard logger).
func New(opts ...Option) (*Broker, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.fabric == nil {
		return nil, ErrMissingAscoltatore
	}
	if o.store == nil {
		return nil, ErrMissingPersistence
	}
	return &Broker{
		opts:    o,
		clients: make(map[string]*session.Session),
	}, nil
}

// NewSession creates a Session bound to tr and this Broker. The caller is
// responsible for calling Run on the returned Session.
func (b *Broker) NewSession(tr transport.Transport) *session.Session {
	return session.New(b, tr)
}

// Client returns the currently registered session for id, if any.
func (b *Broker) Client(id string) (*session.Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.clients[id]
	return s, ok
}

var _ session.Server = (*Broker)(nil)

// Authenticate delegates to the configured Authenticator. A plain
// allow=false denial passes straight through (the session layer sends
// CONNACK NotAuthorized and closes gracefully); an error from the
// Authenticator itself is wrapped in an AuthError so callers can recover
// which client id and operation it came from via errors.As.
func (b *Broker) Authenticate(ctx context.Context, _ *session.Session, clientID, username string, password []byte) (bool, error) {
	allow, err := b.opts.authn.Authenticate(ctx, clientID, username, password)
	if err != nil {
		return false, &AuthError{ClientID: clientID, Operation: "authenticate", Err: err}
	}
	return allow, nil
}

func (b *Broker) AuthorizePublish(ctx context.Context, s *session.Session, topic string, payload []byte) (bool, error) {
	allow, err := b.opts.pubAuthz.AuthorizePublish(ctx, s.ID(), topic, payload)
	if err != nil {
		return false, &AuthError{ClientID: s.ID(), Operation: "publish " + topic, Err: err}
	}
	return allow, nil
}

func (b *Broker) AuthorizeSubscribe(ctx context.Context, s *session.Session, topic string) (bool, error) {
	allow, err := b.opts.subAuthz.AuthorizeSubscribe(ctx, s.ID(), topic)
	if err != nil {
		return false, &AuthError{ClientID: s.ID(), Operation: "subscribe " + topic, Err: err}
	}
	return allow, nil
}

// Publish fans pkt out across the pub/sub fabric, stamping a fresh dedup id
// so every matching Forwarder across every subscribed session accepts
// exactly one delivery (spec §4.B, §4.F), then queues it for any persisted
// subscriber that isn't currently registered with the fabric (spec §2
// "offline queues", §4.I `forwardOfflinePackets`'s write-side counterpart).
func (b *Broker) Publish(ctx context.Context, _ *session.Session, pkt *packet.Publish) error {
	if pkt.Retain {
		if err := b.opts.store.StoreRetained(pkt); err != nil {
			return fmt.Errorf("store retained: %w", err)
		}
	}
	opts := ascoltatore.Options{DedupID: b.opts.dedup.Next()}
	if err := b.opts.fabric.Publish(ctx, pkt.Topic, pkt.Payload, opts); err != nil {
		return err
	}
	return b.queueOffline(ctx, pkt)
}

// queueOffline finds every client the store holds persisted subscriptions
// for but that isn't currently live, and appends one copy of pkt to its
// offline queue if any of its filters matches, however many do.
func (b *Broker) queueOffline(ctx context.Context, pkt *packet.Publish) error {
	clients, err := b.opts.store.Clients()
	if err != nil {
		return fmt.Errorf("list clients: %w", err)
	}
	for _, clientID := range clients {
		b.mu.Lock()
		_, live := b.clients[clientID]
		b.mu.Unlock()
		if live {
			continue
		}

		subs, err := b.opts.store.LoadSubscriptions(clientID)
		if err != nil {
			return fmt.Errorf("load subscriptions for %q: %w", clientID, err)
		}
		for _, sub := range subs {
			if !ascoltatore.MatchTopic(sub.Topic, pkt.Topic) {
				continue
			}
			qos := pkt.QoS
			if sub.QoS < qos {
				qos = sub.QoS
			}
			queued := *pkt
			queued.QoS = qos
			op := persistence.OfflinePacket{OriginalID: b.nextOfflineID(), Publish: &queued}
			if err := b.opts.store.QueueOffline(clientID, op); err != nil {
				return fmt.Errorf("queue offline for %q: %w", clientID, err)
			}
			break // one queued copy per client, regardless of overlapping filters
		}
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, filter string, handler ascoltatore.Handler) error {
	return b.opts.fabric.Subscribe(ctx, filter, handler)
}

func (b *Broker) Unsubscribe(ctx context.Context, filter string, handler ascoltatore.Handler) error {
	return b.opts.fabric.Unsubscribe(ctx, filter, handler)
}

func (b *Broker) RestoreSubscriptions(ctx context.Context, s *session.Session) ([]persistence.StoredSubscription, error) {
	return b.opts.store.LoadSubscriptions(s.ID())
}

func (b *Broker) ForwardRetained(ctx context.Context, s *session.Session, filter string) error {
	retained, err := b.opts.store.MatchRetained(filter)
	if err != nil {
		return fmt.Errorf("match retained: %w", err)
	}
	for _, pub := range retained {
		s.Deliver(ctx, pub.Topic, pub.Payload, ascoltatore.Options{DedupID: b.opts.dedup.Next()}, filter, pub.QoS)
	}
	return nil
}

func (b *Broker) ForwardOfflinePackets(ctx context.Context, s *session.Session) error {
	queued, err := b.opts.store.ReplayOffline(s.ID())
	if err != nil {
		return fmt.Errorf("replay offline: %w", err)
	}
	for _, op := range queued {
		opts := ascoltatore.Options{DedupID: b.opts.dedup.Next(), Offline: true, OriginalID: op.OriginalID}
		s.Deliver(ctx, op.Publish.Topic, op.Publish.Payload, opts, op.Publish.Topic, op.Publish.QoS)
	}
	return nil
}

func (b *Broker) UpdateOfflinePacket(ctx context.Context, s *session.Session, opts ascoltatore.Options, newID uint16) error {
	return b.opts.store.UpdateOfflinePacket(s.ID(), opts.OriginalID, newID)
}

func (b *Broker) DeleteOfflinePacket(ctx context.Context, s *session.Session, messageID uint16) error {
	return b.opts.store.DeleteOfflinePacket(s.ID(), messageID)
}

// PersistClient saves a non-clean session's subscriptions and will on
// close, so a later reconnect with the same client id can resume them
// (spec §4.H).
func (b *Broker) PersistClient(ctx context.Context, s *session.Session) error {
	subs := s.Subscriptions()
	stored := make([]persistence.StoredSubscription, 0, len(subs))
	for topic, qos := range subs {
		stored = append(stored, persistence.StoredSubscription{Topic: topic, QoS: qos})
	}
	if err := b.opts.store.SaveSubscriptions(s.ID(), stored); err != nil {
		return fmt.Errorf("save subscriptions: %w", err)
	}
	if will := s.Will(); will != nil {
		if err := b.opts.store.SaveWill(s.ID(), will); err != nil {
			return fmt.Errorf("save will: %w", err)
		}
	}
	return nil
}

// ClearClientState purges everything PersistClient would otherwise have
// saved, so a clean=true close leaves no trace for a later reconnect to
// pick up (spec invariant 5).
func (b *Broker) ClearClientState(ctx context.Context, s *session.Session) error {
	if err := b.opts.store.ClearSubscriptions(s.ID()); err != nil {
		return fmt.Errorf("clear subscriptions: %w", err)
	}
	if err := b.opts.store.ClearWill(s.ID()); err != nil {
		return fmt.Errorf("clear will: %w", err)
	}
	if err := b.opts.store.ClearOffline(s.ID()); err != nil {
		return fmt.Errorf("clear offline queue: %w", err)
	}
	return nil
}

func (b *Broker) NextDedupID() uint64 {
	return b.opts.dedup.Next()
}

// nextOfflineID assigns the queue-local id an offline packet is stored
// under, distinct from the dedup id space and from any session's own
// MessageID space (a session is not live while its packets queue). Zero is
// skipped the same way Session.nextID skips it for live QoS-1 ids.
func (b *Broker) nextOfflineID() uint16 {
	for {
		id := uint16(b.offlineID.Add(1))
		if id != 0 {
			return id
		}
	}
}

func (b *Broker) Register(s *session.Session) (*session.Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	previous, existed := b.clients[s.ID()]
	b.clients[s.ID()] = s
	return previous, existed
}

func (b *Broker) Unregister(s *session.Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if current, ok := b.clients[s.ID()]; ok && current == s {
		delete(b.clients, s.ID())
	}
}

func (b *Broker) MaxInflightMessages() int {
	return b.opts.maxInflight
}

func (b *Broker) Logger() *slog.Logger {
	return b.opts.logger
}

func (b *Broker) OnClientConnected(s *session.Session) {
	b.opts.logger.Info("client connected", "client_id", s.ID())
}

func (b *Broker) OnClientDisconnected(s *session.Session, err error) {
	b.opts.logger.Info("client disconnected", "client_id", s.ID(), "reason", err)
}

func (b *Broker) OnSubscribed(s *session.Session, topic string) {
	b.opts.logger.Debug("client subscribed", "client_id", s.ID(), "topic", topic)
}

func (b *Broker) OnUnsubscribed(s *session.Session, topic string) {
	b.opts.logger.Debug("client unsubscribed", "client_id", s.ID(), "topic", topic)
}
