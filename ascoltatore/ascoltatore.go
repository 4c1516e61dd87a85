// Package ascoltatore defines the pub/sub fabric the session core drives:
// the topic-matching broadcast bus named after the Italian word for
// "listener" (the terminology spec.md itself borrows). Production topic-tree
// matching is out of this module's scope (spec §1 Non-goals); the
// interface here is the narrow surface a session consumes, plus a minimal
// in-memory reference implementation used by this repository's own tests.
package ascoltatore

import "context"

// Options carries metadata the fabric attaches to a delivery, most
// importantly the dedup id a Forwarder uses to suppress duplicate delivery
// across overlapping subscriptions (spec §4.F).
type Options struct {
	// DedupID is the broker-assigned monotone token stamped onto a publish.
	// A zero value means "absent" (see the open question in spec §9: an
	// un-stamped delivery must be accepted and must assign one before
	// recording lastDedupID).
	DedupID uint64

	// Offline marks a delivery replayed from an offline queue rather than
	// a live publish.
	Offline bool

	// OriginalID is the message id the offline packet was queued under,
	// valid only when Offline is true. A Forwarder replaying it assigns a
	// fresh outbound id and reports the old/new pair back to the Server
	// so persistence can be rewritten in place.
	OriginalID uint16
}

// Handler is invoked by the fabric for each publish matching a
// registration. subTopic is the filter the handler was registered under,
// distinct from topic when the registration used wildcards.
type Handler func(ctx context.Context, topic string, payload []byte, opts Options, subTopic string, qos int)

// Ascoltatore is the pub/sub fabric's interface-only surface (spec §4.I).
// Implementations must serialize their own handler registry: sessions call
// Subscribe/Unsubscribe concurrently with each other, and Publish may be
// invoked concurrently with registry changes.
type Ascoltatore interface {
	// Subscribe registers handler to be invoked for every future Publish
	// whose topic matches filter.
	Subscribe(ctx context.Context, filter string, handler Handler) error

	// Unsubscribe removes a previously registered handler. Implementations
	// should treat unsubscribing an unregistered handler as a no-op rather
	// than an error, mirroring spec §4.G's "fall back to the default
	// forward if none" allowance.
	Unsubscribe(ctx context.Context, filter string, handler Handler) error

	// Publish fans payload out to every handler registered on a filter
	// matching topic.
	Publish(ctx context.Context, topic string, payload []byte, opts Options) error
}
