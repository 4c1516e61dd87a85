package session

import (
	"context"
	"log/slog"

	"github.com/gonzalop/broker/ascoltatore"
	"github.com/gonzalop/broker/packet"
	"github.com/gonzalop/broker/persistence"
)

// Server is the narrow surface a Session consumes from the surrounding
// broker (spec §4.I "Server Adapter — required interface"). A concrete
// broker implements this interface once and hands a Session its own
// reference on construction; Session never reaches past this interface
// into broker internals.
type Server interface {
	// Authenticate validates CONNECT credentials. allow=false with err=nil
	// means the peer is denied (CONNACK 5); err!=nil means authentication
	// itself failed (transport ended, no CONNACK). clientID is taken from
	// the CONNECT packet directly since s.ID() is not yet set at this
	// point in the handshake.
	Authenticate(ctx context.Context, s *Session, clientID, username string, password []byte) (allow bool, err error)

	// AuthorizePublish gates a PUBLISH. Denial and error are both treated
	// as "close without notification" by the caller (spec §4.G PUBLISH).
	AuthorizePublish(ctx context.Context, s *Session, topic string, payload []byte) (allow bool, err error)

	// AuthorizeSubscribe gates a single SUBSCRIBE topic.
	AuthorizeSubscribe(ctx context.Context, s *Session, topic string) (allow bool, err error)

	// Publish fans pkt out across the pub/sub fabric on behalf of s. The
	// Server stamps the fan-out's ascoltatore.Options with a dedup id.
	Publish(ctx context.Context, s *Session, pkt *packet.Publish) error

	// Subscribe registers handler with the pub/sub fabric for filter.
	Subscribe(ctx context.Context, filter string, handler ascoltatore.Handler) error

	// Unsubscribe removes a previously registered handler.
	Unsubscribe(ctx context.Context, filter string, handler ascoltatore.Handler) error

	// RestoreSubscriptions returns the persisted subscription set for a
	// non-clean session reconnecting (spec §4.G CONNECT).
	RestoreSubscriptions(ctx context.Context, s *Session) ([]persistence.StoredSubscription, error)

	// ForwardRetained dispatches retained messages matching filter to s,
	// through the normal Forwarder path (spec §4.G SUBSCRIBE).
	ForwardRetained(ctx context.Context, s *Session, filter string) error

	// ForwardOfflinePackets replays s's queued offline packets, through
	// the normal Forwarder path, after CONNACK (spec §4.G).
	ForwardOfflinePackets(ctx context.Context, s *Session) error

	// UpdateOfflinePacket rewrites an in-flight offline packet's id once a
	// fresh outbound id has been assigned (spec §4.F).
	UpdateOfflinePacket(ctx context.Context, s *Session, opts ascoltatore.Options, newID uint16) error

	// DeleteOfflinePacket removes a queued offline packet once acked
	// (spec §4.G PUBACK).
	DeleteOfflinePacket(ctx context.Context, s *Session, messageID uint16) error

	// PersistClient saves a non-clean session's subscriptions/identity on
	// close (spec §4.H).
	PersistClient(ctx context.Context, s *Session) error

	// ClearClientState purges any persisted subscriptions, will, and
	// offline queue for s's client id. Called on close when clean=true, so
	// a later reconnect finds no stale state (spec §4.H, invariant 5).
	ClearClientState(ctx context.Context, s *Session) error

	// NextDedupID returns the next value of the process-wide monotone
	// dedup id source (spec §4.B).
	NextDedupID() uint64

	// Register records s as the live session for its client id, returning
	// the previous session registered under that id, if any (for
	// takeover handling per spec §4.G CONNECT).
	Register(s *Session) (previous *Session, existed bool)

	// Unregister removes s from the client table, but only if s is still
	// the currently registered session for its id (a takeover may already
	// have replaced it).
	Unregister(s *Session)

	// MaxInflightMessages returns the configured backpressure bound
	// (spec §4.F, invariant 2).
	MaxInflightMessages() int

	// Logger returns the logger sessions should use.
	Logger() *slog.Logger

	// OnClientConnected/OnClientDisconnected/OnSubscribed/OnUnsubscribed
	// are the Server-level events spec §4.I requires. Implementations may
	// be called with a nil error.
	OnClientConnected(s *Session)
	OnClientDisconnected(s *Session, err error)
	OnSubscribed(s *Session, topic string)
	OnUnsubscribed(s *Session, topic string)
}
