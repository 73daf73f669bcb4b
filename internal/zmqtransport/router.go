// Package zmqtransport adapts ZeroMQ ROUTER/DEALER sockets to pkg/ppe's
// Transport interface, the dealer/router pattern spec section 1 calls for.
//
// Grounded on zeromq-gyre/node.go's ROUTER inbox and poller-driven
// inboxHandler, and zeromq-gyre/peer.go's DEALER mailbox, generalized here
// from one peer-to-peer link to the broker's many-connections-over-one-
// socket topology.
package zmqtransport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/ereOn/pylar/pkg/ppe"
	"github.com/ereOn/pylar/pkg/wire"
)

// pollTimeout bounds how long Router.Run's poll blocks before it next
// checks ctx and drains queued sendJobs. zmq4's Poller can only wait on
// zmq sockets, not Go channels, so a pending outbound write may sit for up
// to this long if it arrives mid-poll; kept short to bound that latency
// rather than solved properly with an inproc wakeup socket, since the
// engine, broker and client tests all run over MemoryTransport and this is
// the only place the tradeoff shows up.
const pollTimeout = 20 * time.Millisecond

// ErrRouterClosed is returned by any Router-backed transport once Run has
// returned.
var ErrRouterClosed = errors.New("zmqtransport: router closed")

// NewConnectionFunc is called once per never-before-seen router identity,
// with a Transport the caller should hand to a fresh pkg/ppe.Engine (via
// pkg/broker.Broker.Accept).
type NewConnectionFunc func(identity []byte, transport ppe.Transport)

type sendJob struct {
	identity string
	frames   wire.Frames
	done     chan error
}

// Router binds one or more ROUTER endpoints and demultiplexes inbound
// frames by their leading identity frame into one connTransport per
// connection. zmq4 sockets are not safe for concurrent use, so Run is the
// only goroutine that ever touches the underlying socket; every
// connTransport write is a job posted to a channel Run drains.
type Router struct {
	socket *zmq.Socket
	poller *zmq.Poller

	mu    sync.Mutex
	conns map[string]*connTransport

	onNew NewConnectionFunc

	sendJobs chan sendJob
	closed   chan struct{}
	once     sync.Once
}

// NewRouter binds socket to every endpoint and returns a Router ready to
// Run. onNew fires, from Run's own goroutine, the first time a frame
// arrives from a previously unseen identity.
func NewRouter(endpoints []string, onNew NewConnectionFunc) (*Router, error) {
	socket, err := zmq.NewSocket(zmq.ROUTER)
	if err != nil {
		return nil, err
	}

	if err := socket.SetRouterMandatory(1); err != nil {
		socket.Close()
		return nil, err
	}

	for _, endpoint := range endpoints {
		if err := socket.Bind(endpoint); err != nil {
			socket.Close()
			return nil, fmt.Errorf("zmqtransport: bind %s: %w", endpoint, err)
		}
	}

	poller := zmq.NewPoller()
	poller.Add(socket, zmq.POLLIN)

	return &Router{
		socket:   socket,
		poller:   poller,
		conns:    make(map[string]*connTransport),
		onNew:    onNew,
		sendJobs: make(chan sendJob),
		closed:   make(chan struct{}),
	}, nil
}

// Run drives the ROUTER socket until ctx is cancelled: it polls for
// inbound frames, demultiplexes them to the right connTransport (spawning
// a new one via onNew on first sight of an identity), and drains pending
// outbound sendJobs. It blocks; callers run it in its own goroutine.
func (r *Router) Run(ctx context.Context) error {
	defer r.once.Do(func() {
		close(r.closed)
		r.socket.Close()
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-r.sendJobs:
			job.done <- r.send(job.identity, job.frames)
		default:
		}

		sockets, err := r.poller.Poll(pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		for _, polled := range sockets {
			if polled.Socket != r.socket {
				continue
			}

			frames, err := r.socket.RecvMessageBytes(0)
			if err != nil || len(frames) < 2 {
				continue
			}

			r.dispatch(frames[0], frames[1:])
		}
	}
}

func (r *Router) dispatch(identity []byte, frames wire.Frames) {
	key := string(identity)

	r.mu.Lock()
	conn, ok := r.conns[key]
	if !ok {
		conn = newConnTransport(r, key)
		r.conns[key] = conn
	}
	r.mu.Unlock()

	if !ok {
		r.onNew(identity, conn)
	}

	conn.deliver(frames)
}

func (r *Router) send(identity string, frames wire.Frames) error {
	parts := make([]interface{}, 0, 1+len(frames))
	parts = append(parts, identity)
	for _, f := range frames {
		parts = append(parts, f)
	}

	_, err := r.socket.SendMessage(parts...)
	return err
}

// Forget drops the connTransport registered for identity, e.g. once
// pkg/broker.Broker.Disconnect has torn the connection down, so a later
// reconnection under the same identity starts from a clean slate.
func (r *Router) Forget(identity []byte) {
	r.mu.Lock()
	delete(r.conns, string(identity))
	r.mu.Unlock()
}

// connTransport is the ppe.Transport given to one connection's engine. All
// of its writes are funnelled back into Router.Run via sendJobs; its reads
// are served from an in-process channel Router.dispatch feeds.
type connTransport struct {
	router   *Router
	identity string

	in     chan wire.Frames
	closed chan struct{}
	once   sync.Once
}

func newConnTransport(router *Router, identity string) *connTransport {
	return &connTransport{
		router:   router,
		identity: identity,
		in:       make(chan wire.Frames, 64),
		closed:   make(chan struct{}),
	}
}

func (c *connTransport) deliver(frames wire.Frames) {
	select {
	case c.in <- frames:
	case <-c.closed:
	}
}

func (c *connTransport) ReadFrames(ctx context.Context) (wire.Frames, error) {
	select {
	case frames := <-c.in:
		return frames, nil
	case <-c.closed:
		return nil, ErrRouterClosed
	case <-c.router.closed:
		return nil, ErrRouterClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *connTransport) WriteFrames(ctx context.Context, frames wire.Frames) error {
	job := sendJob{identity: c.identity, frames: frames.Clone(), done: make(chan error, 1)}

	select {
	case c.router.sendJobs <- job:
	case <-c.closed:
		return ErrRouterClosed
	case <-c.router.closed:
		return ErrRouterClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *connTransport) Close() {
	c.once.Do(func() { close(c.closed) })
}
