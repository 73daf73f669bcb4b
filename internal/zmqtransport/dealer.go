package zmqtransport

import (
	"context"
	"sync"

	zmq "github.com/pebbe/zmq4"

	"github.com/ereOn/pylar/pkg/ppe"
	"github.com/ereOn/pylar/pkg/wire"
)

// Dealer is the client-side counterpart to Router: a single DEALER socket
// connected to one broker endpoint, implementing ppe.Transport directly
// since there is exactly one logical connection per Dealer. Grounded on
// zeromq-gyre/peer.go's connect (DEALER socket, SetIdentity, SetSndtimeo,
// Connect).
type Dealer struct {
	socket *zmq.Socket
	poller *zmq.Poller

	mu       sync.Mutex
	sendOnce sync.Once

	closed chan struct{}
}

// NewDealer connects a DEALER socket identified by identity to endpoint.
// identity should be stable across reconnects if the broker is expected to
// recognize a returning client by its ROUTER-visible identity frame.
func NewDealer(endpoint string, identity []byte) (*Dealer, error) {
	socket, err := zmq.NewSocket(zmq.DEALER)
	if err != nil {
		return nil, err
	}

	if len(identity) > 0 {
		if err := socket.SetIdentity(string(identity)); err != nil {
			socket.Close()
			return nil, err
		}
	}

	if err := socket.Connect(endpoint); err != nil {
		socket.Close()
		return nil, err
	}

	poller := zmq.NewPoller()
	poller.Add(socket, zmq.POLLIN)

	return &Dealer{
		socket: socket,
		poller: poller,
		closed: make(chan struct{}),
	}, nil
}

// ReadFrames blocks until a multipart message arrives, ctx is cancelled,
// or the dealer is closed. The pkg/ppe.Engine driving a *Dealer calls
// ReadFrames from its receive loop while other goroutines call WriteFrames,
// so the mutex below serializes every use of the socket between them.
func (d *Dealer) ReadFrames(ctx context.Context) (wire.Frames, error) {
	for {
		select {
		case <-d.closed:
			return nil, ErrRouterClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		d.mu.Lock()
		sockets, err := d.poller.Poll(pollTimeout)
		if err != nil {
			d.mu.Unlock()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if len(sockets) == 0 {
			d.mu.Unlock()
			continue
		}

		frames, err := d.socket.RecvMessageBytes(0)
		d.mu.Unlock()
		if err != nil {
			continue
		}

		return wire.Frames(frames), nil
	}
}

func (d *Dealer) WriteFrames(ctx context.Context, frames wire.Frames) error {
	select {
	case <-d.closed:
		return ErrRouterClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	parts := make([]interface{}, 0, len(frames))
	for _, f := range frames {
		parts = append(parts, f)
	}

	d.mu.Lock()
	_, err := d.socket.SendMessage(parts...)
	d.mu.Unlock()

	return err
}

// Close shuts down the dealer's socket. Safe to call more than once.
func (d *Dealer) Close() {
	d.sendOnce.Do(func() {
		close(d.closed)
		d.mu.Lock()
		d.socket.Close()
		d.mu.Unlock()
	})
}
