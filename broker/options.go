package broker

import (
	"io"
	"log/slog"

	"github.com/gonzalop/broker/ascoltatore"
	"github.com/gonzalop/broker/persistence"
)

// defaultMaxInflightMessages bounds QoS 1 backpressure when no
// WithMaxInflightMessages option is given (spec §4.F, invariant 2).
const defaultMaxInflightMessages = 20

// Option configures a Broker, mirroring the teacher's own
// Option func(*clientOptions) pattern (options.go/options_limits.go).
type Option func(*options)

type options struct {
	maxInflight int
	logger      *slog.Logger
	authn       Authenticator
	pubAuthz    PublishAuthorizer
	subAuthz    SubscribeAuthorizer
	fabric      ascoltatore.Ascoltatore
	store       persistence.Store
	dedup       *DedupSource
}

func defaultOptions() *options {
	return &options{
		maxInflight: defaultMaxInflightMessages,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		authn:       AllowAllAuthenticator{},
		pubAuthz:    AllowAllPublishAuthorizer{},
		subAuthz:    AllowAllSubscribeAuthorizer{},
		dedup:       NewDedupSource(),
	}
}

// WithMaxInflightMessages sets the per-session QoS 1 backpressure bound.
func WithMaxInflightMessages(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxInflight = n
		}
	}
}

// WithLogger sets the structured logger used by the broker and every
// session it creates.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithAuthenticator overrides CONNECT credential validation.
func WithAuthenticator(a Authenticator) Option {
	return func(o *options) { o.authn = a }
}

// WithPublishAuthorizer overrides PUBLISH authorization.
func WithPublishAuthorizer(a PublishAuthorizer) Option {
	return func(o *options) { o.pubAuthz = a }
}

// WithSubscribeAuthorizer overrides SUBSCRIBE authorization.
func WithSubscribeAuthorizer(a SubscribeAuthorizer) Option {
	return func(o *options) { o.subAuthz = a }
}

// WithAscoltatore sets the pub/sub fabric the broker fans PUBLISH out
// through. Required: New returns an error without one.
func WithAscoltatore(a ascoltatore.Ascoltatore) Option {
	return func(o *options) { o.fabric = a }
}

// WithPersistence sets the backing store for retained messages, offline
// queues, wills, and non-clean session restoration. Required: New returns
// an error without one.
func WithPersistence(s persistence.Store) Option {
	return func(o *options) { o.store = s }
}

// WithDedupSource overrides the broker's dedup id counter, mainly useful
// for tests that need a deterministic or shared sequence across Brokers.
func WithDedupSource(d *DedupSource) Option {
	return func(o *options) {
		if d != nil {
			o.dedup = d
		}
	}
}
