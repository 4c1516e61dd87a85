package session

import (
	"context"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gonzalop/broker/ascoltatore"
	"github.com/gonzalop/broker/packet"
	"github.com/gonzalop/broker/persistence"
	"github.com/gonzalop/broker/transport"
)

// fakeServer is a minimal, in-test implementation of Server: a tiny
// ascoltatore + memstore combined in one place, so session package tests
// don't need to import the broker package (which itself imports session).
type fakeServer struct {
	mu       sync.Mutex
	clients  map[string]*Session
	regs     map[string][]Handler // filter -> registered handlers
	dedup    atomic.Uint64
	logger   *slog.Logger
	maxIn    int
	denyAuth bool
	denySub  bool
	denyPub  bool

	stored   map[string][]persistence.StoredSubscription
	retained map[string][]*packet.Publish
	offline  map[string][]persistence.OfflinePacket

	muEvents sync.Mutex
	events   []string
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		clients:  make(map[string]*Session),
		regs:     make(map[string][]Handler),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		maxIn:    3,
		stored:   make(map[string][]persistence.StoredSubscription),
		retained: make(map[string][]*packet.Publish),
		offline:  make(map[string][]persistence.OfflinePacket),
	}
}

func (f *fakeServer) record(event string) {
	f.muEvents.Lock()
	f.events = append(f.events, event)
	f.muEvents.Unlock()
}

func sameHandler(a, b Handler) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

func (f *fakeServer) Authenticate(ctx context.Context, s *Session, clientID, username string, password []byte) (bool, error) {
	return !f.denyAuth, nil
}

func (f *fakeServer) AuthorizePublish(ctx context.Context, s *Session, topic string, payload []byte) (bool, error) {
	return !f.denyPub, nil
}

func (f *fakeServer) AuthorizeSubscribe(ctx context.Context, s *Session, topic string) (bool, error) {
	return !f.denySub, nil
}

func (f *fakeServer) Publish(ctx context.Context, s *Session, pkt *packet.Publish) error {
	opts := ascoltatore.Options{DedupID: f.dedup.Add(1)}

	f.mu.Lock()
	var matched []Handler
	for filter, handlers := range f.regs {
		if ascoltatore.MatchTopic(filter, pkt.Topic) {
			matched = append(matched, handlers...)
		}
	}
	f.mu.Unlock()

	for _, h := range matched {
		h(ctx, pkt.Topic, pkt.Payload, opts, pkt.Topic, 0)
	}
	return nil
}

func (f *fakeServer) Subscribe(ctx context.Context, filter string, handler Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[filter] = append(f.regs[filter], handler)
	return nil
}

func (f *fakeServer) Unsubscribe(ctx context.Context, filter string, handler Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing := f.regs[filter]
	out := existing[:0]
	for _, h := range existing {
		if !sameHandler(h, handler) {
			out = append(out, h)
		}
	}
	f.regs[filter] = out
	return nil
}

func (f *fakeServer) RestoreSubscriptions(ctx context.Context, s *Session) ([]persistence.StoredSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stored[s.ID()], nil
}

func (f *fakeServer) ForwardRetained(ctx context.Context, s *Session, filter string) error {
	f.mu.Lock()
	retained := f.retained[filter]
	f.mu.Unlock()
	for _, pub := range retained {
		s.Deliver(ctx, pub.Topic, pub.Payload, ascoltatore.Options{DedupID: f.dedup.Add(1)}, filter, pub.QoS)
	}
	return nil
}

func (f *fakeServer) ForwardOfflinePackets(ctx context.Context, s *Session) error {
	f.mu.Lock()
	queued := f.offline[s.ID()]
	f.offline[s.ID()] = nil
	f.mu.Unlock()
	for _, op := range queued {
		opts := ascoltatore.Options{DedupID: f.dedup.Add(1), Offline: true, OriginalID: op.OriginalID}
		s.Deliver(ctx, op.Publish.Topic, op.Publish.Payload, opts, op.Publish.Topic, op.Publish.QoS)
	}
	return nil
}

func (f *fakeServer) UpdateOfflinePacket(ctx context.Context, s *Session, opts ascoltatore.Options, newID uint16) error {
	return nil
}

func (f *fakeServer) DeleteOfflinePacket(ctx context.Context, s *Session, messageID uint16) error {
	return nil
}

func (f *fakeServer) PersistClient(ctx context.Context, s *Session) error {
	subs := s.Subscriptions()
	stored := make([]persistence.StoredSubscription, 0, len(subs))
	for t, qos := range subs {
		stored = append(stored, persistence.StoredSubscription{Topic: t, QoS: qos})
	}
	f.mu.Lock()
	f.stored[s.ID()] = stored
	f.mu.Unlock()
	return nil
}

func (f *fakeServer) ClearClientState(ctx context.Context, s *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.stored, s.ID())
	delete(f.offline, s.ID())
	return nil
}

func (f *fakeServer) NextDedupID() uint64 { return f.dedup.Add(1) }

func (f *fakeServer) Register(s *Session) (*Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, existed := f.clients[s.ID()]
	f.clients[s.ID()] = s
	return prev, existed
}

func (f *fakeServer) Unregister(s *Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.clients[s.ID()]; ok && cur == s {
		delete(f.clients, s.ID())
	}
}

func (f *fakeServer) MaxInflightMessages() int { return f.maxIn }
func (f *fakeServer) Logger() *slog.Logger     { return f.logger }

func (f *fakeServer) OnClientConnected(s *Session)               { f.record("connected:" + s.ID()) }
func (f *fakeServer) OnClientDisconnected(s *Session, err error) { f.record("disconnected:" + s.ID()) }
func (f *fakeServer) OnSubscribed(s *Session, topic string)      { f.record("subscribed:" + topic) }
func (f *fakeServer) OnUnsubscribed(s *Session, topic string)    { f.record("unsubscribed:" + topic) }

var _ Server = (*fakeServer)(nil)

func connectSession(t *testing.T, ctx context.Context, srv *fakeServer, clientID string, clean bool, will *packet.Will) (*Session, *transport.Pipe) {
	s, clientSide, _ := connectSessionPipe(t, ctx, srv, clientID, clean, will)
	return s, clientSide
}

func connectSessionPipe(t *testing.T, ctx context.Context, srv *fakeServer, clientID string, clean bool, will *packet.Will) (*Session, *transport.Pipe, *transport.Pipe) {
	t.Helper()
	serverSide, clientSide := transport.NewPipe(8)
	s := New(srv, serverSide)
	go s.Run(ctx)

	clientSide.Send(&packet.Connect{ClientID: clientID, Clean: clean, Will: will, KeepAlive: 0})
	reply, err := clientSide.Recv(ctx)
	if err != nil {
		t.Fatalf("recv connack: %v", err)
	}
	ack, ok := reply.(*packet.ConnAck)
	if !ok {
		t.Fatalf("expected ConnAck, got %T", reply)
	}
	if ack.ReturnCode != packet.ConnAckAccepted {
		t.Fatalf("connect refused: code %d", ack.ReturnCode)
	}
	return s, clientSide, serverSide
}

func TestHappyPathSubscribeAndPublish(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()

	_, sub := connectSession(t, ctx, srv, "subscriber", true, nil)
	sub.Send(&packet.Subscribe{MessageID: 1, Topics: []string{"demo/+"}, QoS: []packet.QoS{packet.AtMostOnce}})
	reply, err := sub.Recv(ctx)
	if err != nil {
		t.Fatalf("recv suback: %v", err)
	}
	suback, ok := reply.(*packet.SubAck)
	if !ok || len(suback.Granted) != 1 {
		t.Fatalf("unexpected suback: %+v", reply)
	}

	_, pub := connectSession(t, ctx, srv, "publisher", true, nil)
	pub.Send(&packet.Publish{Topic: "demo/x", Payload: []byte("hi"), QoS: packet.AtMostOnce})

	delivered, err := sub.Recv(ctx)
	if err != nil {
		t.Fatalf("recv publish: %v", err)
	}
	p, ok := delivered.(*packet.Publish)
	if !ok || p.Topic != "demo/x" || string(p.Payload) != "hi" {
		t.Fatalf("unexpected delivery: %+v", delivered)
	}
}

func TestOverlappingSubscriptionsDedupToOneDelivery(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()

	_, sub := connectSession(t, ctx, srv, "subscriber", true, nil)
	sub.Send(&packet.Subscribe{
		MessageID: 1,
		Topics:    []string{"a/#", "a/b"},
		QoS:       []packet.QoS{packet.AtMostOnce, packet.AtMostOnce},
	})
	if _, err := sub.Recv(ctx); err != nil {
		t.Fatalf("recv suback: %v", err)
	}

	_, pub := connectSession(t, ctx, srv, "publisher", true, nil)
	pub.Send(&packet.Publish{Topic: "a/b", Payload: []byte("once"), QoS: packet.AtMostOnce})

	if _, err := sub.Recv(ctx); err != nil {
		t.Fatalf("expected exactly one delivery: %v", err)
	}

	recvCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := sub.Recv(recvCtx); err == nil {
		t.Fatal("expected no second delivery (dedup across overlapping subscriptions failed)")
	}
}

func TestConnectDeniedWritesConnAckAndCloses(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	srv.denyAuth = true

	serverSide, clientSide := transport.NewPipe(8)
	s := New(srv, serverSide)
	go s.Run(ctx)

	clientSide.Send(&packet.Connect{ClientID: "denied"})
	reply, err := clientSide.Recv(ctx)
	if err != nil {
		t.Fatalf("recv connack: %v", err)
	}
	ack, ok := reply.(*packet.ConnAck)
	if !ok || ack.ReturnCode != packet.ConnAckNotAuthorized {
		t.Fatalf("expected not-authorized connack, got %+v", reply)
	}

	select {
	case <-s.closeDone:
	case <-time.After(time.Second):
		t.Fatal("session did not close after denied CONNECT")
	}
}

func TestDuplicateClientIDTakesOverPrevious(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()

	first, _ := connectSession(t, ctx, srv, "dup", true, nil)

	serverSide, clientSide := transport.NewPipe(8)
	second := New(srv, serverSide)
	go second.Run(ctx)
	clientSide.Send(&packet.Connect{ClientID: "dup", Clean: true})
	if _, err := clientSide.Recv(ctx); err != nil {
		t.Fatalf("second connect: %v", err)
	}

	select {
	case <-first.closeDone:
	case <-time.After(time.Second):
		t.Fatal("first session was not closed by takeover")
	}

	srv.mu.Lock()
	cur, ok := srv.clients["dup"]
	srv.mu.Unlock()
	if !ok || cur != second {
		t.Fatalf("client table does not reflect takeover")
	}
}

func TestDisconnectIsGracefulNoWill(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()

	will := &packet.Will{Topic: "status/graceful", Payload: []byte("offline"), QoS: packet.AtMostOnce}

	_, watcher := connectSession(t, ctx, srv, "watcher", true, nil)
	watcher.Send(&packet.Subscribe{MessageID: 1, Topics: []string{will.Topic}, QoS: []packet.QoS{packet.AtMostOnce}})
	if _, err := watcher.Recv(ctx); err != nil {
		t.Fatalf("recv suback: %v", err)
	}

	s, client := connectSession(t, ctx, srv, "graceful", true, will)
	client.Send(&packet.Disconnect{})

	select {
	case <-s.closeDone:
	case <-time.After(time.Second):
		t.Fatal("session did not close after DISCONNECT")
	}

	deliverCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := watcher.Recv(deliverCtx); err == nil {
		t.Fatal("will must not be published on a graceful DISCONNECT")
	}
}

func TestQoS1PublishRoundTripAcksAndClearsInflight(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()

	s, sub := connectSession(t, ctx, srv, "subscriber", true, nil)
	sub.Send(&packet.Subscribe{MessageID: 1, Topics: []string{"a/b"}, QoS: []packet.QoS{packet.AtLeastOnce}})
	if _, err := sub.Recv(ctx); err != nil {
		t.Fatalf("recv suback: %v", err)
	}

	_, pub := connectSession(t, ctx, srv, "publisher", true, nil)
	pub.Send(&packet.Publish{Topic: "a/b", Payload: []byte("hi"), QoS: packet.AtLeastOnce})

	delivered, err := sub.Recv(ctx)
	if err != nil {
		t.Fatalf("recv publish: %v", err)
	}
	p, ok := delivered.(*packet.Publish)
	if !ok || p.QoS != packet.AtLeastOnce || p.MessageID == 0 {
		t.Fatalf("unexpected delivery: %+v", delivered)
	}

	s.mu.Lock()
	count := s.inflightCount
	s.mu.Unlock()
	if count != 1 {
		t.Fatalf("inflightCount = %d, want 1 before PUBACK", count)
	}

	sub.Send(&packet.PubAck{MessageID: p.MessageID})
	time.Sleep(50 * time.Millisecond) // let the dispatch loop process the PUBACK

	s.mu.Lock()
	count = s.inflightCount
	_, stillInflight := s.inflight[p.MessageID]
	s.mu.Unlock()
	if count != 0 || stillInflight {
		t.Fatalf("inflight not cleared after PUBACK: count=%d, stillInflight=%v", count, stillInflight)
	}
}

func TestBackpressureClosesOnTooManyInflight(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	srv.maxIn = 2

	s, sub := connectSession(t, ctx, srv, "subscriber", true, nil)
	sub.Send(&packet.Subscribe{MessageID: 1, Topics: []string{"a/b"}, QoS: []packet.QoS{packet.AtLeastOnce}})
	if _, err := sub.Recv(ctx); err != nil {
		t.Fatalf("recv suback: %v", err)
	}

	_, pub := connectSession(t, ctx, srv, "publisher", true, nil)
	for i := 0; i < 3; i++ {
		pub.Send(&packet.Publish{Topic: "a/b", Payload: []byte("x"), QoS: packet.AtLeastOnce})
	}

	select {
	case <-s.closeDone:
	case <-time.After(time.Second):
		t.Fatal("session did not close after exceeding MaxInflightMessages")
	}
}

func TestAbnormalCloseDeliversWill(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()

	will := &packet.Will{Topic: "status/abnormal", Payload: []byte("offline"), QoS: packet.AtMostOnce}

	// A second client subscribes to the will topic so delivery is observable.
	_, watcher := connectSession(t, ctx, srv, "watcher", true, nil)
	watcher.Send(&packet.Subscribe{MessageID: 1, Topics: []string{"status/abnormal"}, QoS: []packet.QoS{packet.AtMostOnce}})
	if _, err := watcher.Recv(ctx); err != nil {
		t.Fatalf("recv suback: %v", err)
	}

	s, _, serverSide := connectSessionPipe(t, ctx, srv, "dies", true, will)

	// Abnormal close: the underlying transport is severed without a
	// DISCONNECT ever being sent, the way a dropped TCP connection would
	// surface as a read error on the server side.
	serverSide.Close()

	select {
	case <-s.closeDone:
	case <-time.After(time.Second):
		t.Fatal("session did not close after transport error")
	}

	deliverCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	delivered, err := watcher.Recv(deliverCtx)
	if err != nil {
		t.Fatalf("expected will delivery, got error: %v", err)
	}
	pub, ok := delivered.(*packet.Publish)
	if !ok || pub.Topic != will.Topic {
		t.Fatalf("unexpected delivery: %+v", delivered)
	}
}
