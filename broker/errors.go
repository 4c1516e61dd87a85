package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingAscoltatore is returned by New when no pub/sub fabric was
	// configured via WithAscoltatore.
	ErrMissingAscoltatore = errors.New("broker: no ascoltatore configured")

	// ErrMissingPersistence is returned by New when no Store was configured
	// via WithPersistence.
	ErrMissingPersistence = errors.New("broker: no persistence store configured")
)

// AuthError wraps an error returned by an Authenticator/PublishAuthorizer/
// SubscribeAuthorizer with the client id and operation that triggered it
// (a plain allow=false denial is not wrapped),
// mirroring the teacher's MqttError/ReasonCode pairing (errors.go) for
// reason-code-like matching via errors.Is/As.
type AuthError struct {
	ClientID  string
	Operation string
	Err       error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("broker: %s denied for client %q: %s", e.Operation, e.ClientID, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}
