// Package ppe implements the peer protocol engine: the framed
// request/response/notification multiplexer used identically on the
// broker's connection state and the client's session, per spec section 4.1.
package ppe

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ereOn/pylar/pkg/wire"
)

// State is the engine's lifecycle position, per spec section 4.1:
// OPEN -> CLOSING -> CLOSED.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by Request/Notify once the engine has entered
// CLOSING or CLOSED, and delivered to every request still awaiting a reply
// at that moment.
var ErrClosed = errors.New("ppe: engine closed")

const defaultPingInterval = 3 * time.Second

// Owner supplies the request/notification handlers an Engine dispatches
// into, one fresh goroutine per inbound message, per spec section 4.1.
type Owner interface {
	// OnRequest handles one inbound request and returns the frames that
	// become the 200 response. Returning a *wire.CallError sends an error
	// response with that code; any other error becomes a 500 "Internal
	// error."; ctx is cancelled if the engine closes before a response was
	// produced, in which case the caller sends 408 "Request timed out." on
	// the caller's behalf and the return value (if any) is discarded.
	OnRequest(ctx context.Context, payload wire.Frames) (wire.Frames, error)

	// OnNotification handles one inbound notification. A panic raised by it
	// is logged and swallowed by the engine.
	OnNotification(ctx context.Context, payload wire.Frames)
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithPingInterval overrides the default 3s heartbeat interval.
func WithPingInterval(d time.Duration) Option {
	return func(e *Engine) { e.pingInterval = d }
}

// WithLogger attaches a structured logger; defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithActivityHook registers a callback invoked once for every frame the
// engine reads off its transport, including pings -- used by pkg/broker to
// reset a connection's dying timer on any traffic at all, not just
// requests and notifications.
func WithActivityHook(fn func()) Option {
	return func(e *Engine) { e.onActivity = fn }
}

// Engine is one side of a peer connection: it multiplexes requests,
// responses and notifications over a Transport and tracks outstanding
// request ids.
type Engine struct {
	transport Transport
	owner     Owner
	logger    *slog.Logger

	pingInterval time.Duration
	correlator   *correlator
	onActivity   func()

	writeMu sync.Mutex

	stateMu sync.Mutex
	state   State
	cancel  context.CancelFunc

	wg sync.WaitGroup
}

// New builds an engine ready to Run.
func New(transport Transport, owner Owner, opts ...Option) *Engine {
	e := &Engine{
		transport:    transport,
		owner:        owner,
		logger:       slog.Default(),
		pingInterval: defaultPingInterval,
		correlator:   newCorrelator(),
		state:        StateOpen,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// State reports the engine's current lifecycle state.
func (e *Engine) State() State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

// Run drives the engine's receive and heartbeat loops until ctx is
// cancelled, the transport reports connection loss, or Close is called.
// It returns the error that ended the receive loop. Run blocks; callers
// typically invoke it in its own goroutine.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	e.stateMu.Lock()
	e.cancel = cancel
	e.stateMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.heartbeatLoop(runCtx)
	}()

	err := e.receiveLoop(runCtx)

	e.enterClosing()
	cancel()
	e.wg.Wait()
	e.setState(StateClosed)

	return err
}

// Close transitions the engine to CLOSING (if not already past it),
// cancelling every pending outbound request and refusing new ones. It does
// not wait for Run to return; callers that need that should let Run's
// return value (driven by the transport reporting closure) signal it, or
// close the underlying Transport themselves.
func (e *Engine) Close() {
	e.enterClosing()

	e.stateMu.Lock()
	cancel := e.cancel
	e.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (e *Engine) enterClosing() {
	e.stateMu.Lock()
	if e.state == StateOpen {
		e.state = StateClosing
	}
	e.stateMu.Unlock()

	e.correlator.cancelAll(ErrClosed)
}

func (e *Engine) setState(s State) {
	e.stateMu.Lock()
	e.state = s
	e.stateMu.Unlock()
}

// Request sends a request and blocks for the matching response. On a 200
// response it returns the reply payload; on any other code it returns a
// *wire.CallError.
func (e *Engine) Request(ctx context.Context, payload wire.Frames) (wire.Frames, error) {
	if e.State() != StateOpen {
		return nil, ErrClosed
	}

	id := e.correlator.newID()
	resultCh := e.correlator.register(id)

	if err := e.writeFrames(ctx, wire.BuildRequest(id, payload)); err != nil {
		e.correlator.forget(id)
		return nil, err
	}

	select {
	case <-ctx.Done():
		e.correlator.forget(id)
		return nil, ctx.Err()
	case r := <-resultCh:
		if r.err != nil {
			return nil, r.err
		}
		return r.frames, nil
	}
}

// Notify sends a fire-and-forget notification. It is still assigned a fresh
// id purely for logging/correlation on the wire, per spec section 4.1.
func (e *Engine) Notify(ctx context.Context, payload wire.Frames) error {
	if e.State() != StateOpen {
		return ErrClosed
	}

	id := e.correlator.newID()
	return e.writeFrames(ctx, wire.BuildNotification(id, payload))
}

func (e *Engine) writeFrames(ctx context.Context, frames wire.Frames) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.transport.WriteFrames(ctx, frames)
}

func (e *Engine) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(e.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			id := e.correlator.newID()
			if err := e.writeFrames(ctx, wire.BuildPing(id)); err != nil {
				return
			}
		}
	}
}

func (e *Engine) receiveLoop(ctx context.Context) error {
	for {
		frames, err := e.transport.ReadFrames(ctx)
		if err != nil {
			return err
		}

		if len(frames) < 2 {
			continue
		}

		if e.onActivity != nil {
			e.onActivity()
		}

		kind := wire.Kind(frames[0])
		id := string(frames[1])
		payload := frames[2:]

		switch kind {
		case wire.KindRequest:
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.handleRequest(ctx, id, payload.Clone())
			}()
		case wire.KindResponse:
			e.handleResponse(id, payload.Clone())
		case wire.KindNotification:
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.handleNotification(ctx, payload.Clone())
			}()
		case wire.KindPing:
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				_ = e.writeFrames(ctx, wire.BuildPong(id))
			}()
		case wire.KindPong:
			// No semantics at this layer.
		}
	}
}

func (e *Engine) handleRequest(ctx context.Context, id string, payload wire.Frames) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		frames wire.Frames
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		frames, err := e.owner.OnRequest(reqCtx, payload)
		done <- outcome{frames, err}
	}()

	select {
	case <-ctx.Done():
		_ = e.writeFrames(context.Background(), wire.BuildErrorResponse(
			id, wire.CodeRequestTimedOut, "Request timed out.",
		))
	case o := <-done:
		e.respond(id, o.frames, o.err)
	}
}

func (e *Engine) respond(id string, frames wire.Frames, err error) {
	if err == nil {
		_ = e.writeFrames(context.Background(), wire.BuildResponse(id, frames))
		return
	}

	var callErr *wire.CallError
	if errors.As(err, &callErr) {
		_ = e.writeFrames(context.Background(), wire.BuildErrorResponse(id, callErr.Code, callErr.Message))
		return
	}

	e.logger.Error("unhandled error while processing request", "request_id", id, "error", err)
	_ = e.writeFrames(context.Background(), wire.BuildErrorResponse(id, wire.CodeInternalError, "Internal error."))
}

func (e *Engine) handleNotification(ctx context.Context, payload wire.Frames) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("unhandled panic while processing notification", "panic", r)
		}
	}()

	e.owner.OnNotification(ctx, payload)
}

func (e *Engine) handleResponse(id string, frames wire.Frames) {
	if len(frames) < 1 {
		e.correlator.resolve(id, nil, wire.NewCallError(0, "The received reply is invalid."))
		return
	}

	code, err := strconv.Atoi(string(frames[0]))
	if err != nil {
		e.correlator.resolve(id, nil, wire.NewCallError(0, "The received reply is invalid."))
		return
	}

	if code == 200 {
		e.correlator.resolve(id, frames[1:], nil)
		return
	}

	message := ""
	if len(frames) > 1 {
		message = string(frames[1])
	}
	e.correlator.resolve(id, nil, wire.NewCallError(code, message))
}
