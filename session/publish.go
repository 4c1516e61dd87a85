package session

import (
	"context"
	"fmt"

	"github.com/gonzalop/broker/packet"
	"github.com/gonzalop/broker/topic"
)

// handlePublish implements spec §4.G PUBLISH: authorize, forward to the
// fabric, then acknowledge QoS 1.
func (s *Session) handlePublish(ctx context.Context, p *packet.Publish) error {
	p.Topic = topic.Normalize(p.Topic)

	allow, err := s.server.AuthorizePublish(ctx, s, p.Topic, p.Payload)
	if err != nil || !allow {
		if err == nil {
			err = ErrNotAuthorized
		}
		s.Close(graceful(fmt.Errorf("publish %q: %w", p.Topic, err)))
		return err
	}

	if err := s.server.Publish(ctx, s, p); err != nil {
		s.Close(abnormal(fmt.Errorf("publish %q: %w", p.Topic, err)))
		return err
	}

	if p.QoS != packet.AtLeastOnce {
		return nil
	}

	if s.isClosedOrClosing() {
		return nil
	}
	return s.write(ctx, &packet.PubAck{MessageID: p.MessageID})
}

// handlePuback implements spec §4.F: clears the inflight slot that was
// holding backpressure open. An id with no matching inflight entry is
// logged and otherwise ignored, since the peer may have acked twice or
// acked after a takeover cleared the table.
func (s *Session) handlePuback(ctx context.Context, p *packet.PubAck) error {
	s.mu.Lock()
	_, ok := s.inflight[p.MessageID]
	if ok {
		delete(s.inflight, p.MessageID)
		s.inflightCount--
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("puback for unknown message id", "client_id", s.ID(), "message_id", p.MessageID)
		return nil
	}

	if err := s.server.DeleteOfflinePacket(ctx, s, p.MessageID); err != nil {
		s.logger.Warn("failed to delete offline packet", "client_id", s.ID(), "error", err)
	}
	return nil
}

// handlePingreq implements spec §4.E: reply with PINGRESP. The keepalive
// watchdog is already reset by Run before dispatch.
func (s *Session) handlePingreq(ctx context.Context, _ *packet.PingReq) error {
	return s.write(ctx, &packet.PingResp{})
}

// handleDisconnect implements spec §4.G DISCONNECT: a graceful close, so
// the will (if any) is never delivered.
func (s *Session) handleDisconnect(_ context.Context, _ *packet.Disconnect) error {
	s.Close(graceful(ErrDisconnected))
	return nil
}
