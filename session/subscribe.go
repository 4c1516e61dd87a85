package session

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/gonzalop/broker/ascoltatore"
	"github.com/gonzalop/broker/packet"
	"github.com/gonzalop/broker/topic"
)

// makeHandler returns the per-subscription closure registered with the
// pub/sub fabric: it binds subTopic and qos at registration time (spec §9
// "Closures capturing per-subscription state") and delegates to the
// session's own Forwarder. The Subscription Map retains this exact value
// so UNSUBSCRIBE can deregister it later.
func (s *Session) makeHandler(subTopic string, qos packet.QoS) Handler {
	return func(ctx context.Context, publishedTopic string, payload []byte, opts ascoltatore.Options, _ string, _ int) {
		s.forward(ctx, publishedTopic, payload, opts, subTopic, qos)
	}
}

// handleSubscribe implements spec §4.G SUBSCRIBE.
func (s *Session) handleSubscribe(ctx context.Context, p *packet.Subscribe) error {
	filters := make([]string, len(p.Topics))
	for i, t := range p.Topics {
		filters[i] = topic.Normalize(t)
	}

	granted := make([]packet.QoS, len(filters))
	var toAuthorize []string

	s.mu.Lock()
	for i, filter := range filters {
		requested := p.QoS[i]
		if requested > packet.AtLeastOnce {
			requested = packet.AtLeastOnce // QoS 2 downgraded to 1 (spec §4.G)
		}
		granted[i] = requested

		if existing, ok := s.subscriptions[filter]; ok {
			existing.qos = requested
			s.subscriptions[filter] = existing
			continue // already subscribed: not re-authorized, not re-registered
		}
		toAuthorize = append(toAuthorize, filter)
	}
	s.mu.Unlock()

	// qosByFilter lets the registration loop below look up the granted
	// QoS by filter, since toAuthorize holds filters rather than request
	// indices; a filter repeated in one request takes its last granted QoS.
	qosByFilter := make(map[string]packet.QoS, len(filters))
	for i, filter := range filters {
		qosByFilter[filter] = granted[i]
	}

	for _, filter := range toAuthorize {
		allow, err := s.server.AuthorizeSubscribe(ctx, s, filter)
		if err != nil || !allow {
			// "fail the whole SUBSCRIBE (treat as not-authorized and close)"
			if err == nil {
				err = ErrNotAuthorized
			}
			s.Close(graceful(fmt.Errorf("subscribe %q: %w", filter, err)))
			return err
		}
	}

	for _, filter := range toAuthorize {
		qos := qosByFilter[filter]
		handler := s.makeHandler(filter, qos)

		if err := s.server.Subscribe(ctx, filter, handler); err != nil {
			s.Close(abnormal(fmt.Errorf("register subscription %q: %w", filter, err)))
			return err
		}

		s.mu.Lock()
		s.subscriptions[filter] = subscription{qos: qos, handler: handler}
		s.mu.Unlock()
	}

	for _, filter := range filters {
		if err := s.server.ForwardRetained(ctx, s, filter); err != nil {
			s.logger.Warn("failed to forward retained messages", "client_id", s.ID(), "topic", filter, "error", err)
		}
		s.server.OnSubscribed(s, filter)
	}

	if s.isClosedOrClosing() {
		return nil
	}

	return s.write(ctx, &packet.SubAck{MessageID: p.MessageID, Granted: granted})
}

// handleUnsubscribe implements spec §4.G UNSUBSCRIBE: fabric
// deregistration fans out in parallel (spec §5 "for each filter in
// parallel"), using golang.org/x/sync/errgroup the way a Go program
// expresses the source's Promise.all-style fan-out.
func (s *Session) handleUnsubscribe(ctx context.Context, p *packet.Unsubscribe) error {
	filters := make([]string, len(p.Topics))
	for i, t := range p.Topics {
		filters[i] = topic.Normalize(t)
	}

	results := make([]string, len(filters))

	g, gctx := errgroup.WithContext(ctx)
	for i, filter := range filters {
		i, filter := i, filter
		g.Go(func() error {
			s.mu.Lock()
			sub, ok := s.subscriptions[filter]
			s.mu.Unlock()

			handler := sub.handler
			if !ok {
				// "falling back to the default forward if none"
				handler = s.makeHandler(filter, packet.AtMostOnce)
			}

			if err := s.server.Unsubscribe(gctx, filter, handler); err != nil {
				return fmt.Errorf("unsubscribe %q: %w", filter, err)
			}
			results[i] = filter
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.Close(abnormal(fmt.Errorf("%w: %v", ErrUnsubscribeFailed, err)))
		return err
	}

	s.mu.Lock()
	removeFromPersistence := !(s.closing && !s.clean)
	if removeFromPersistence {
		for _, filter := range results {
			delete(s.subscriptions, filter)
		}
	}
	s.mu.Unlock()

	if removeFromPersistence {
		for _, filter := range results {
			s.server.OnUnsubscribed(s, filter)
		}
	}

	// "on success: UNSUBACK" always sent on this path (spec §9 open
	// question: unsubscribe errors close before reaching here instead).
	return s.write(ctx, &packet.UnsubAck{MessageID: p.MessageID})
}
