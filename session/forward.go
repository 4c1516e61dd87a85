package session

import (
	"context"
	"fmt"

	"github.com/gonzalop/broker/ascoltatore"
	"github.com/gonzalop/broker/packet"
	"github.com/gonzalop/broker/topic"
)

// Deliver runs a single message through the Forwarder path on behalf of the
// Server, for retained-message and offline-queue replay (spec §4.G SUBSCRIBE
// and CONNECT), which originate outside the pub/sub fabric's own Publish
// call and so have no Handler invocation to piggyback on.
func (s *Session) Deliver(ctx context.Context, publishedTopic string, payload []byte, opts ascoltatore.Options, subTopic string, qos packet.QoS) {
	s.forward(ctx, publishedTopic, payload, opts, subTopic, qos)
}

// forward is the Forwarder (spec §4.F): the callback a Session hands the
// pub/sub fabric for every live subscription. It applies the gates in spec
// order, then writes a PUBLISH to the peer. A message replayed from the
// offline queue has its persisted entry rewritten to the new message id
// first, and is then written the same way.
func (s *Session) forward(ctx context.Context, publishedTopic string, payload []byte, opts ascoltatore.Options, subTopic string, qos packet.QoS) {
	if s.isClosedOrClosing() {
		return
	}

	// Dedup across overlapping subscriptions (spec §4.F, invariant 3): the
	// Server stamps one dedup id per Publish call, shared by every
	// matching subscription's Forwarder invocation. An un-stamped
	// delivery (DedupID zero) is accepted unconditionally and assigned a
	// fresh id first, per spec §9's open question.
	dedupID := int64(opts.DedupID)
	if dedupID == 0 {
		dedupID = int64(s.server.NextDedupID())
	}

	s.mu.Lock()
	if dedupID <= s.lastDedupID {
		s.mu.Unlock()
		return
	}

	if qos == packet.AtLeastOnce && s.inflightCount >= s.server.MaxInflightMessages() {
		s.mu.Unlock()
		s.Close(abnormal(ErrTooManyInflight))
		return
	}

	if topic.SysWildcardExcluded(publishedTopic, subTopic) {
		s.mu.Unlock()
		return
	}

	s.lastDedupID = dedupID

	pub := &packet.Publish{
		Topic:   publishedTopic,
		Payload: payload,
		QoS:     qos,
		Retain:  false,
	}

	if qos == packet.AtLeastOnce {
		s.nextID++
		if s.nextID == 0 {
			s.nextID = 1
		}
		pub.MessageID = s.nextID
		s.inflight[pub.MessageID] = pub
		s.inflightCount++
	}
	s.mu.Unlock()

	if opts.Offline {
		// The packet was queued under a different id while this client was
		// disconnected; rewrite it to the fresh one just assigned before
		// actually delivering it, so a later PUBACK/DeleteOfflinePacket
		// correlates correctly.
		if err := s.server.UpdateOfflinePacket(ctx, s, opts, pub.MessageID); err != nil {
			s.logger.Warn("failed to update offline packet", "client_id", s.ID(), "error", err)
		}
	}

	if err := s.write(ctx, pub); err != nil {
		s.Close(abnormal(fmt.Errorf("forward publish: %w", err)))
	}
}
