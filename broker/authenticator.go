package broker

import "context"

// Authenticator validates CONNECT credentials (spec §4.I). Implementations
// are pluggable the way the teacher's client plugs in auth via
// auth_handler.go.
type Authenticator interface {
	Authenticate(ctx context.Context, clientID, username string, password []byte) (bool, error)
}

// PublishAuthorizer gates a PUBLISH by topic and payload.
type PublishAuthorizer interface {
	AuthorizePublish(ctx context.Context, clientID, topic string, payload []byte) (bool, error)
}

// SubscribeAuthorizer gates a single SUBSCRIBE filter.
type SubscribeAuthorizer interface {
	AuthorizeSubscribe(ctx context.Context, clientID, filter string) (bool, error)
}

// AllowAllAuthenticator accepts every CONNECT; the default when no
// Authenticator is configured.
type AllowAllAuthenticator struct{}

func (AllowAllAuthenticator) Authenticate(context.Context, string, string, []byte) (bool, error) {
	return true, nil
}

// AllowAllPublishAuthorizer accepts every PUBLISH; the default when no
// PublishAuthorizer is configured.
type AllowAllPublishAuthorizer struct{}

func (AllowAllPublishAuthorizer) AuthorizePublish(context.Context, string, string, []byte) (bool, error) {
	return true, nil
}

// AllowAllSubscribeAuthorizer accepts every SUBSCRIBE; the default when no
// SubscribeAuthorizer is configured.
type AllowAllSubscribeAuthorizer struct{}

func (AllowAllSubscribeAuthorizer) AuthorizeSubscribe(context.Context, string, string) (bool, error) {
	return true, nil
}
