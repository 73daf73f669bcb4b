package ppe

import (
	"context"
	"errors"

	"github.com/ereOn/pylar/pkg/wire"
)

// ErrTransportClosed is returned by a Transport once it will never produce
// or accept another frame.
var ErrTransportClosed = errors.New("ppe: transport closed")

// Transport is the minimal duplex multipart-message channel an Engine runs
// over: something that "delivers ordered multipart messages between named
// peers within one logical connection and signals connection loss", per
// spec section 1. internal/zmqtransport provides ROUTER/DEALER-backed
// implementations; MemoryTransport below backs the test suite.
type Transport interface {
	ReadFrames(ctx context.Context) (wire.Frames, error)
	WriteFrames(ctx context.Context, frames wire.Frames) error
}

// MemoryTransport is an in-process Transport backed by a pair of channels,
// used throughout this repository's tests in place of a real ZeroMQ socket
// pair -- the same role an in-process node pair plays in gyre_test.go.
type MemoryTransport struct {
	in     <-chan wire.Frames
	out    chan<- wire.Frames
	closed chan struct{}
}

// NewMemoryPipe returns two MemoryTransport endpoints wired to each other:
// frames written on one are read from the other.
func NewMemoryPipe(buffer int) (a, b *MemoryTransport) {
	ab := make(chan wire.Frames, buffer)
	ba := make(chan wire.Frames, buffer)
	closed := make(chan struct{})

	a = &MemoryTransport{in: ba, out: ab, closed: closed}
	b = &MemoryTransport{in: ab, out: ba, closed: closed}

	return a, b
}

func (t *MemoryTransport) ReadFrames(ctx context.Context) (wire.Frames, error) {
	select {
	case frames, ok := <-t.in:
		if !ok {
			return nil, ErrTransportClosed
		}
		return frames, nil
	case <-t.closed:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *MemoryTransport) WriteFrames(ctx context.Context, frames wire.Frames) error {
	select {
	case t.out <- frames.Clone():
		return nil
	case <-t.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close signals connection loss to both ends of the pipe.
func (t *MemoryTransport) Close() {
	select {
	case <-t.closed:
	default:
		close(t.closed)
	}
}
