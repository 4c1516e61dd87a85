package transport

import (
	"context"
	"sync"
)

// Pipe is an in-process Transport test double: packets written by one end
// are read from the other. It stands in for the TCP/TLS/WebSocket listener
// this module does not implement, so a *session.Session can be driven
// end-to-end in tests without a real socket.
type Pipe struct {
	in  chan any
	out chan any

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPipe returns two connected Pipes: packets sent with a.Send are
// delivered to b.ReadPacket, and vice versa.
func NewPipe(buffer int) (a, b *Pipe) {
	ab := make(chan any, buffer)
	ba := make(chan any, buffer)
	a = &Pipe{in: ba, out: ab, closed: make(chan struct{})}
	b = &Pipe{in: ab, out: ba, closed: make(chan struct{})}
	return a, b
}

var _ Transport = (*Pipe)(nil)

// Send injects a packet as if it had arrived from the wire; used by tests
// to drive the session side of the pipe.
func (p *Pipe) Send(pkt any) {
	select {
	case p.out <- pkt:
	case <-p.closed:
	}
}

func (p *Pipe) ReadPacket(ctx context.Context) (any, error) {
	select {
	case pkt, ok := <-p.in:
		if !ok {
			return nil, ErrClosed
		}
		return pkt, nil
	case <-p.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pipe) WritePacket(ctx context.Context, pkt any) error {
	select {
	case p.out <- pkt:
		return nil
	case <-p.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipe) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

// Recv reads the next packet written to this end by the peer's
// WritePacket, for use by tests asserting on what the session sent.
func (p *Pipe) Recv(ctx context.Context) (any, error) {
	select {
	case pkt, ok := <-p.in:
		if !ok {
			return nil, ErrClosed
		}
		return pkt, nil
	case <-p.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
