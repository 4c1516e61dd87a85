package session

import (
	"errors"
	"fmt"
)

// Sentinel errors returned or wrapped by session operations.
var (
	// ErrNotAuthorized is returned internally when an authorize* callback
	// denies a request; it never reaches the peer as a packet, only as a
	// close reason and a log line (spec §7).
	ErrNotAuthorized = errors.New("not authorized")

	// ErrTooManyInflight is the close reason when inflightCounter would
	// exceed the configured bound (spec §4.F, invariant 2).
	ErrTooManyInflight = errors.New("too many inflight")

	// ErrKeepaliveTimeout is the close reason when the keepalive watchdog
	// fires (spec §4.E).
	ErrKeepaliveTimeout = errors.New("keepalive timeout")

	// ErrUnsubscribeFailed is the close reason when the pub/sub fabric
	// fails to unregister a handler (spec §4.G UNSUBSCRIBE).
	ErrUnsubscribeFailed = errors.New("unsubscribe failed")

	// ErrSessionClosed is returned by Session writes attempted after the
	// session has reached the closed state.
	ErrSessionClosed = errors.New("session closed")

	// ErrTakenOver is the close reason given to a session displaced by a
	// later CONNECT using the same client id (spec §4.G, invariant 6).
	ErrTakenOver = errors.New("session taken over by new connection")

	// ErrDisconnected is the (non-)reason used for a graceful DISCONNECT;
	// unlike the other reasons it never triggers will delivery.
	ErrDisconnected = errors.New("client disconnected")
)

// CloseReason wraps the error that caused a session to close along with
// whether that close counts as "abnormal" for the purpose of will
// delivery (spec §4.G, §7).
type CloseReason struct {
	Err      error
	Abnormal bool
}

func (r *CloseReason) Error() string {
	if r.Err == nil {
		return "session closed"
	}
	return fmt.Sprintf("session closed: %s", r.Err.Error())
}

func (r *CloseReason) Unwrap() error {
	return r.Err
}

func graceful(err error) *CloseReason {
	return &CloseReason{Err: err, Abnormal: false}
}

func abnormal(err error) *CloseReason {
	return &CloseReason{Err: err, Abnormal: true}
}
