// Package transport defines the narrow surface the session core needs
// from a connection: a stream of decoded packets in, and decoded packets
// out. The actual TCP/TLS/WebSocket listener and MQTT wire codec are out
// of this module's scope (spec §1 Non-goals); this package fixes only the
// interface plus an in-process test double used by this repository's own
// tests.
package transport

import (
	"context"
	"io"
)

// Transport is what a session reads packets from and writes packets to.
// Implementations decode/encode the MQTT wire format; the session core
// only ever sees the types in package packet.
type Transport interface {
	// ReadPacket blocks until the next decoded packet arrives, ctx is
	// cancelled, or the connection ends (io.EOF).
	ReadPacket(ctx context.Context) (any, error)

	// WritePacket encodes and sends pkt. No write may be attempted once
	// Close has been called (spec invariant 4).
	WritePacket(ctx context.Context, pkt any) error

	// Close ends the transport stream. Close is idempotent.
	Close() error
}

// ErrClosed is returned by ReadPacket/WritePacket after Close.
var ErrClosed = io.ErrClosedPipe
