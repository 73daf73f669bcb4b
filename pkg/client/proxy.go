// Package client implements the peer-side counterpart to pkg/broker: a
// session multiplexing one or more domain registrations (proxies) over a
// single connection to the broker.
package client

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ereOn/pylar/pkg/wire"
)

const (
	registrationTimeout = 5 * time.Second
	minRetryDelay       = 1 * time.Second
	maxRetryDelay       = 60 * time.Second
	retryFactor         = 1.5
)

// CommandHandler answers one request addressed to a registered domain.
type CommandHandler func(ctx context.Context, sourceDomain, sourceToken string, args wire.Frames) (wire.Frames, error)

// Proxy is one domain registration owned by a Session: it holds the
// credentials used to (re-)register, the token issued on success, and the
// table of command handlers that answer requests addressed to Domain.
// Grounded on client_proxy.py's ClientProxy (registration state machine)
// merged with client.py's per-command dispatch table (_command_handlers),
// since this spec gives one session several registered domains rather than
// one ClientProxy class per domain subclass.
type Proxy struct {
	session     *Session
	Domain      string
	credentials []byte
	logger      *slog.Logger

	mu             sync.Mutex
	registered     bool
	token          string
	unregisteredCh chan struct{}
	handlers       map[string]CommandHandler
}

func newProxy(session *Session, domain string, credentials []byte, logger *slog.Logger) *Proxy {
	ch := make(chan struct{})
	close(ch) // starts UNREGISTERED.

	return &Proxy{
		session:        session,
		Domain:         domain,
		credentials:    credentials,
		logger:         logger,
		unregisteredCh: ch,
		handlers:       make(map[string]CommandHandler),
	}
}

// Handle installs the handler that answers requests naming command. It is
// safe to call before or after the proxy becomes registered.
func (p *Proxy) Handle(command string, handler CommandHandler) {
	p.mu.Lock()
	p.handlers[command] = handler
	p.mu.Unlock()
}

// Token returns the current registration token, or "" either if
// unregistered or if registered with the empty token every service
// registration gets (spec section 3). Check Registered, not Token, to tell
// those two apart.
func (p *Proxy) Token() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

// Registered reports whether the proxy is currently registered with the
// broker. This is tracked as its own boolean rather than inferred from
// Token() != "", since every service registration legitimately carries the
// empty token (spec section 3, E2E scenario 1) and must still count as
// registered.
func (p *Proxy) Registered() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.registered
}

// setRegistered records a successful registration, with token possibly
// empty (services always get the empty token).
func (p *Proxy) setRegistered(token string) {
	p.mu.Lock()
	wasRegistered := p.registered
	p.registered = true
	p.token = token
	if !wasRegistered {
		p.logger.Info("client is now registered", "domain", p.Domain)
		p.unregisteredCh = make(chan struct{})
	}
	p.mu.Unlock()
}

// clearRegistration forces the proxy back to UNREGISTERED, e.g. after a
// missed heartbeat or an explicit Unregister call.
func (p *Proxy) clearRegistration() {
	p.mu.Lock()
	wasRegistered := p.registered
	p.registered = false
	p.token = ""
	if wasRegistered {
		p.logger.Info("client is no longer registered", "domain", p.Domain)
		close(p.unregisteredCh)
	}
	p.mu.Unlock()
}

func (p *Proxy) waitUnregistered(ctx context.Context) error {
	p.mu.Lock()
	ch := p.unregisteredCh
	p.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnRequest dispatches one inbound request to the handler registered for
// command, or a 404 if none was installed. Grounded on
// client_proxy.py's ClientProxy.on_request.
func (p *Proxy) OnRequest(ctx context.Context, sourceDomain, sourceToken, command string, args wire.Frames) (wire.Frames, error) {
	p.mu.Lock()
	handler := p.handlers[command]
	p.mu.Unlock()

	if handler == nil {
		return nil, wire.NewCallError(wire.CodeNotFound, "Unknown command.")
	}

	return handler(ctx, sourceDomain, sourceToken, args)
}

// registerLoop retries registration with the broker until ctx is done,
// backing off exponentially between failed attempts. Grounded line for
// line on client_proxy.py's __register_loop.
func (p *Proxy) registerLoop(ctx context.Context) {
	delay := minRetryDelay

	for {
		if err := p.waitUnregistered(ctx); err != nil {
			return
		}

		p.session.mu.Lock()
		current := p.session.proxies[p.Domain]
		p.session.mu.Unlock()
		if current != p {
			// Session.Unregister removed this proxy: stop re-registering it.
			return
		}

		p.logger.Debug("registration in progress", "domain", p.Domain)

		regCtx, cancel := context.WithTimeout(ctx, registrationTimeout)
		token, err := p.session.register(regCtx, p.Domain, p.credentials)
		cancel()

		if err == nil {
			p.setRegistered(token)
			delay = minRetryDelay
			continue
		}

		if ctx.Err() != nil {
			return
		}

		p.logger.Warn("registration failed, retrying", "domain", p.Domain, "error", err, "delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		delay = time.Duration(math.Min(float64(maxRetryDelay), math.Ceil(float64(delay)*retryFactor)))
	}
}
