package session

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/gonzalop/broker/packet"
)

// Close is the Close Coordinator (spec §4.H): it tears a session down
// exactly once, however many goroutines call it concurrently (the read
// loop on transport error, the keepalive timer, a takeover by a new
// CONNECT, or a handler closing on an authorization failure).
func (s *Session) Close(reason *CloseReason) {
	s.closeOnce.Do(func() {
		s.closeLocked(reason)
	})
}

func (s *Session) closeLocked(reason *CloseReason) {
	ctx := context.Background()

	s.mu.Lock()
	s.closing = true
	s.state = closingState
	clean := s.clean
	will := s.will
	subs := make(map[string]subscription, len(s.subscriptions))
	for f, sub := range s.subscriptions {
		subs[f] = sub
	}
	s.stopKeepaliveLocked()
	s.mu.Unlock()

	s.closeWhy = reason

	// Unsubscribe everything in parallel (spec §4.H, mirroring UNSUBSCRIBE's
	// own fan-out style).
	g, gctx := errgroup.WithContext(ctx)
	for filter, sub := range subs {
		filter, sub := filter, sub
		g.Go(func() error {
			return s.server.Unsubscribe(gctx, filter, sub.handler)
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn("error unsubscribing during close", "client_id", s.ID(), "error", err)
	}

	if !clean {
		if err := s.server.PersistClient(ctx, s); err != nil {
			s.logger.Warn("failed to persist client on close", "client_id", s.ID(), "error", err)
		}
	} else {
		if err := s.server.ClearClientState(ctx, s); err != nil {
			s.logger.Warn("failed to clear client state on close", "client_id", s.ID(), "error", err)
		}
	}

	s.mu.Lock()
	s.closed = true
	s.state = closedState
	s.mu.Unlock()

	if err := s.transport.Close(); err != nil {
		s.logger.Debug("error closing transport", "client_id", s.ID(), "error", err)
	}

	s.server.Unregister(s)
	s.server.OnClientDisconnected(s, reason.Err)

	close(s.closeDone)

	// Will delivery is deferred by one scheduler tick (spec §4.H, §9):
	// giving Unregister's effects (and this Close call's own return) a
	// chance to land before the will re-enters the fabric.
	if reason.Abnormal && will != nil {
		go s.deliverWill(will)
	}
}

func (s *Session) deliverWill(w *packet.Will) {
	ctx := context.Background()
	pub := &packet.Publish{
		Topic:   w.Topic,
		Payload: w.Payload,
		QoS:     w.QoS,
		Retain:  w.Retain,
	}
	if err := s.server.Publish(ctx, s, pub); err != nil {
		s.logger.Warn("failed to deliver will", "client_id", s.ID(), "error", err)
	}
}
