package session

import (
	"context"
	"fmt"

	"github.com/gonzalop/broker/packet"
	"github.com/gonzalop/broker/topic"
)

// handleConnect implements spec §4.G CONNECT: authenticate, take over any
// existing session under the same id, restore subscriptions, send
// CONNACK, emit clientConnected, then replay offline packets. Each step is
// a plain blocking call rather than a callback pyramid — spec §9's
// "re-architect as a sequence of awaited steps" is simply how Go already
// expresses synchronous sequencing.
func (s *Session) handleConnect(ctx context.Context, p *packet.Connect) error {
	allow, err := s.server.Authenticate(ctx, s, p.ClientID, p.Username, p.Password)
	if err != nil {
		s.logger.Error("authentication error", "client_id", p.ClientID, "conn_id", s.connID, "error", err)
		s.Close(abnormal(fmt.Errorf("authenticate: %w", err)))
		return err
	}
	if !allow {
		s.logger.Debug("authentication denied", "client_id", p.ClientID, "conn_id", s.connID)
		_ = s.write(ctx, &packet.ConnAck{ReturnCode: packet.ConnAckNotAuthorized})
		s.Close(graceful(ErrNotAuthorized))
		return nil
	}

	s.mu.Lock()
	s.id = p.ClientID
	s.clean = p.Clean
	s.keepalive = p.KeepAlive
	s.will = s.normalizeWill(p.Will)
	s.armKeepaliveLocked()
	s.mu.Unlock()

	// Takeover is a prerequisite of CONNACK, not concurrent with it
	// (spec §9, invariant 6, invariant 2, scenario S4).
	if previous, existed := s.server.Register(s); existed && previous != nil {
		previous.Close(abnormal(ErrTakenOver))
		<-previous.closeDone
	}

	var sessionPresent bool
	if !s.clean {
		restored, err := s.server.RestoreSubscriptions(ctx, s)
		if err != nil {
			s.logger.Warn("failed to restore subscriptions", "client_id", s.id, "error", err)
		}
		if len(restored) > 0 {
			sessionPresent = true
		}
		s.mu.Lock()
		for _, r := range restored {
			filter := topic.Normalize(r.Topic)
			s.subscriptions[filter] = subscription{qos: r.QoS, handler: s.makeHandler(filter, r.QoS)}
		}
		subsToRegister := make(map[string]subscription, len(s.subscriptions))
		for f, sub := range s.subscriptions {
			subsToRegister[f] = sub
		}
		s.mu.Unlock()

		for filter, sub := range subsToRegister {
			if err := s.server.Subscribe(ctx, filter, sub.handler); err != nil {
				s.logger.Warn("failed to re-register restored subscription", "client_id", s.id, "topic", filter, "error", err)
			}
		}
	}

	if err := s.write(ctx, &packet.ConnAck{ReturnCode: packet.ConnAckAccepted, SessionPresent: sessionPresent}); err != nil {
		s.Close(abnormal(fmt.Errorf("write connack: %w", err)))
		return err
	}

	s.mu.Lock()
	s.state = active
	s.mu.Unlock()

	s.server.OnClientConnected(s)

	if err := s.server.ForwardOfflinePackets(ctx, s); err != nil {
		s.logger.Warn("failed to replay offline packets", "client_id", s.id, "error", err)
	}

	return nil
}
