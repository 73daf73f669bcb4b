// Package broker implements the Pylar broker: the process that accepts
// connections from services and clients, keeps the domain registry and
// connection table described in spec sections 3 and 9, and forwards
// requests and notifications between peers.
package broker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/ereOn/pylar/pkg/domain"
	"github.com/ereOn/pylar/pkg/ppe"
	"github.com/ereOn/pylar/pkg/wire"
)

// Broker owns the domain registry and the connection table: the two pieces
// of shared mutable state spec section 9's redesign note calls out as
// needing either a single owning goroutine or fine-grained locking. Every
// read or write of those two structures here is funnelled through the
// actor goroutine started by Run, via actorCall/actorGo. Forwarding a
// request or notification to another connection is deliberately NOT done
// from inside the actor: it is slow, blocking network I/O, and serializing
// it through the actor would defeat the "forwarding must not be serialized"
// requirement. Instead, the actor is only ever asked for the (*Connection,
// ok) pair to forward to, and the forwarding call itself happens in the
// caller's own goroutine (one per inbound request/notification, supplied
// by pkg/ppe's engine).
//
// Grounded on broker.py's Broker class and on the actor/mailbox pattern
// zeromq-gyre/node.go uses for its own inbound command loop.
type Broker struct {
	// UID identifies this broker process and is returned, unchanged, by
	// every ping response for the process's lifetime. broker.py instead
	// returns a fresh uuid4 per Connection; spec section 3 is explicit
	// that the broker's id is "constant for the broker's process
	// lifetime" so a client can detect a broker restart behind the same
	// endpoint, which only a process-scoped id (not a connection-scoped
	// one) can do. See DESIGN.md for the full rationale.
	UID string

	logger       *slog.Logger
	sharedSecret []byte
	connTimeout  time.Duration

	registry    *registry
	connections map[string]*Connection

	tasks  chan func()
	closed chan struct{}
	once   sync.Once
}

// New builds a broker. sharedSecret authenticates service registrations
// (spec section 6); connTimeout is the silent-death deadline applied to
// every connection (spec section 3).
func New(sharedSecret []byte, connTimeout time.Duration, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}

	return &Broker{
		UID:          generateUID(),
		logger:       logger,
		sharedSecret: append([]byte(nil), sharedSecret...),
		connTimeout:  connTimeout,
		registry:     newRegistry(logger),
		connections:  make(map[string]*Connection),
		tasks:        make(chan func()),
		closed:       make(chan struct{}),
	}
}

func generateUID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is not something a broker can recover
		// from; a degraded, predictable id would silently defeat the
		// restart-detection guarantee ping promises callers.
		panic("broker: failed to generate process id: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// Run drives the broker's actor goroutine until ctx is cancelled. It
// blocks; callers run it in its own goroutine.
func (b *Broker) Run(ctx context.Context) {
	defer b.once.Do(func() { close(b.closed) })

	for {
		select {
		case <-ctx.Done():
			return
		case task := <-b.tasks:
			task()
		}
	}
}

// actorCall runs fn on the actor goroutine and waits for it to finish. Use
// it for anything that reads or writes the registry or connection table.
func (b *Broker) actorCall(fn func()) {
	done := make(chan struct{})

	select {
	case b.tasks <- func() { fn(); close(done) }:
	case <-b.closed:
		return
	}

	select {
	case <-done:
	case <-b.closed:
	}
}

// actorGo schedules fn on the actor goroutine without waiting for it, used
// for teardown bookkeeping triggered from timers or transport-loss
// callbacks that must not block their caller.
func (b *Broker) actorGo(fn func()) {
	select {
	case b.tasks <- fn:
	case <-b.closed:
	}
}

// Accept registers a newly connected peer under identity and returns its
// Connection, ready to have its engine driven by the caller (typically
// internal/zmqtransport's router wrapper).
func (b *Broker) Accept(identity []byte, transport ppe.Transport, opts ...ppe.Option) *Connection {
	key := hex.EncodeToString(identity)

	var conn *Connection
	owner := &connectionOwner{broker: b, key: key}
	conn = newConnection(identity, transport, owner, b.connTimeout, func() { b.expire(key) }, opts...)

	b.actorCall(func() {
		b.connections[key] = conn
	})

	return conn
}

// Disconnect tears down the connection registered under identity, removing
// it from every domain it served. Safe to call even if the connection was
// already removed (e.g. by expire).
func (b *Broker) Disconnect(identity []byte) {
	b.remove(hex.EncodeToString(identity), "connection closed")
}

func (b *Broker) expire(key string) {
	b.remove(key, "connection timed out")
}

func (b *Broker) remove(key, reason string) {
	b.actorGo(func() {
		conn, ok := b.connections[key]
		if !ok {
			return
		}

		delete(b.connections, key)
		domains := b.registry.removeConnection(conn)
		b.logger.Info(reason, "connection", conn.String(), "domains", domains)
		conn.Close()
	})
}

func (b *Broker) lookupConnection(key string) (*Connection, bool) {
	var conn *Connection
	var ok bool
	b.actorCall(func() { conn, ok = b.connections[key] })
	return conn, ok
}

func (b *Broker) lookupToken(conn *Connection, dom string) (string, bool) {
	var token string
	var ok bool
	b.actorCall(func() { token, ok = conn.domains[dom] })
	return token, ok
}

func (b *Broker) lookupNext(dom string) (*Connection, bool) {
	var conn *Connection
	var ok bool
	b.actorCall(func() { conn, ok = b.registry.next(dom) })
	return conn, ok
}

func (b *Broker) hasDomain(dom string) bool {
	var ok bool
	b.actorCall(func() { ok = b.registry.has(dom) })
	return ok
}

// resolveTarget finds where targetDomain should be forwarded: a directly
// registered connection if one exists locally, otherwise the service/link
// bridge if one is registered, per spec section 4.6's link-bridging rule.
func (b *Broker) resolveTarget(targetDomain string) (forwardTarget, bool) {
	if conn, ok := b.lookupNext(targetDomain); ok {
		return conn, true
	}

	if linkConn, ok := b.lookupNext(domain.LinkDomain); ok {
		return linkTarget{conn: linkConn, realTarget: targetDomain}, true
	}

	return nil, false
}

// connectionOwner adapts one Connection's inbound traffic into Broker
// dispatch calls. It is addressed by the hex-encoded identity rather than
// holding a *Connection directly, since the Connection itself is only ever
// read or written through the broker's actor.
type connectionOwner struct {
	broker *Broker
	key    string
}

func (o *connectionOwner) OnRequest(ctx context.Context, payload wire.Frames) (wire.Frames, error) {
	return o.broker.dispatchRequest(ctx, o.key, payload)
}

func (o *connectionOwner) OnNotification(ctx context.Context, payload wire.Frames) {
	o.broker.dispatchNotification(ctx, o.key, payload)
}

// dispatchRequest handles one inbound request command, per spec section
// 4.3's command vocabulary: ping, register, unregister, request, query,
// transmit. Grounded on broker.py's Broker.__process_request.
func (b *Broker) dispatchRequest(ctx context.Context, key string, payload wire.Frames) (wire.Frames, error) {
	conn, ok := b.lookupConnection(key)
	if !ok {
		return nil, wire.ErrInternalError
	}

	if len(payload) < 1 {
		return nil, wire.ErrBadRequest
	}

	command := string(payload[0])
	rest := payload[1:]

	if command == "ping" {
		return wire.Frames{[]byte(b.UID)}, nil
	}

	if len(rest) < 1 {
		return nil, wire.ErrBadRequest
	}
	sourceDomain := string(rest[0])
	rest = rest[1:]

	switch command {
	case "register":
		return b.handleRegister(ctx, conn, sourceDomain, rest)
	case "unregister":
		return b.handleUnregister(conn, sourceDomain, rest)
	case "request":
		return b.handleForward(ctx, conn, sourceDomain, rest)
	case "query":
		return b.handleQuery(conn, sourceDomain, rest)
	case "transmit":
		return b.handleTransmit(ctx, conn, sourceDomain, rest)
	default:
		return nil, wire.ErrBadRequest
	}
}

// handleRegister authenticates domain and, on success, adds conn to the
// registry under it, returning the token subsequent forwarded requests
// will present on conn's behalf.
func (b *Broker) handleRegister(ctx context.Context, conn *Connection, dom string, rest wire.Frames) (wire.Frames, error) {
	if len(rest) < 1 {
		return nil, wire.ErrBadRequest
	}
	credentials := rest[0]

	token, err := b.authenticate(ctx, dom, credentials)
	if err != nil {
		return nil, err
	}

	b.actorCall(func() {
		if _, already := conn.domains[dom]; already {
			// Re-registering the same (connection, domain) pair must not
			// insert a second copy of conn into the round-robin deque --
			// tokens change on re-registration, per spec section 4.4.
			b.registry.unregister(conn, dom)
		}
		conn.domains[dom] = token
		b.registry.register(conn, dom)
	})

	return wire.Frames{[]byte(token)}, nil
}

func (b *Broker) handleUnregister(conn *Connection, dom string, _ wire.Frames) (wire.Frames, error) {
	b.actorCall(func() {
		delete(conn.domains, dom)
		b.registry.unregister(conn, dom)
	})

	return wire.Frames{}, nil
}

// handleForward forwards a request issued by a connection already
// registered under sourceDomain to targetDomain, per spec section 4.6.
func (b *Broker) handleForward(ctx context.Context, conn *Connection, sourceDomain string, rest wire.Frames) (wire.Frames, error) {
	if len(rest) < 1 {
		return nil, wire.ErrBadRequest
	}
	targetDomain := string(rest[0])
	args := rest[1:]

	token, ok := b.lookupToken(conn, sourceDomain)
	if !ok {
		return nil, wire.ErrNotRegistered
	}

	target, ok := b.resolveTarget(targetDomain)
	if !ok {
		return nil, wire.NoSuchDomain(targetDomain)
	}

	return target.Request(ctx, targetDomain, sourceDomain, token, args)
}

func (b *Broker) handleQuery(conn *Connection, sourceDomain string, rest wire.Frames) (wire.Frames, error) {
	if _, ok := b.lookupToken(conn, sourceDomain); !ok {
		return nil, wire.ErrNotRegistered
	}

	if len(rest) < 1 {
		return nil, wire.ErrBadRequest
	}
	targetDomain := string(rest[0])

	if !b.hasDomain(targetDomain) {
		return nil, wire.NoSuchDomain(targetDomain)
	}

	return wire.Frames{}, nil
}

// handleTransmit is only meaningful for a connection registered as
// service/link: it forwards a request while impersonating an arbitrary
// (xDomain, xToken) pair supplied by the caller, rather than conn's own
// registered domain and token, so a remote broker's bridge can relay a
// request on behalf of one of ITS own connections. Grounded on
// broker.py's LinkConnection.__transmit_request.
func (b *Broker) handleTransmit(ctx context.Context, conn *Connection, sourceDomain string, rest wire.Frames) (wire.Frames, error) {
	if sourceDomain != domain.LinkDomain {
		return nil, wire.ErrBadRequest
	}
	if _, ok := b.lookupToken(conn, sourceDomain); !ok {
		return nil, wire.ErrNotRegistered
	}
	if len(rest) < 3 {
		return nil, wire.ErrBadRequest
	}

	targetDomain := string(rest[0])
	xDomain := string(rest[1])
	xToken := string(rest[2])
	args := rest[3:]

	// Transmit resolves locally only: a link bridge forwarding to
	// another link bridge would loop the request across brokers
	// forever instead of reaching a real destination.
	target, ok := b.lookupNext(targetDomain)
	if !ok {
		return nil, wire.NoSuchDomain(targetDomain)
	}

	return target.Request(ctx, targetDomain, xDomain, xToken, args)
}

// dispatchNotification handles one inbound notification, shaped as
// [type, source-domain, target-domain, args...], or, when type is
// "transmit", [type, service/link, target-domain, real-type, x-domain,
// x-token, args...] impersonating the link bridge's remote caller.
// Grounded on broker.py's Broker.__process_notification.
func (b *Broker) dispatchNotification(ctx context.Context, key string, payload wire.Frames) {
	conn, ok := b.lookupConnection(key)
	if !ok {
		return
	}

	if len(payload) < 3 {
		return
	}

	typ := string(payload[0])
	sourceDomain := string(payload[1])
	targetDomain := string(payload[2])
	args := payload[3:]

	if typ == "transmit" {
		if sourceDomain != domain.LinkDomain {
			return
		}
		if len(args) < 3 {
			return
		}

		realType := string(args[0])
		xDomain := string(args[1])
		xToken := string(args[2])
		rest := args[3:]

		target, ok := b.lookupNext(targetDomain)
		if !ok {
			return
		}

		_ = target.Notify(ctx, targetDomain, xDomain, xToken, realType, rest)
		return
	}

	token, ok := b.lookupToken(conn, sourceDomain)
	if !ok {
		return
	}

	target, ok := b.resolveTarget(targetDomain)
	if !ok {
		return
	}

	_ = target.Notify(ctx, targetDomain, sourceDomain, token, typ, args)
}

// authenticate verifies credentials presented for dom. Service domains
// authenticate directly against the broker's shared secret (spec section
// 6) and always get back the empty token -- spec section 3 is explicit
// that service registrations carry "empty bytes" rather than a minted
// token. Every other domain is authenticated by forwarding the credentials
// to service/authentication, the pluggable authentication service,
// mirroring broker.py's delegation to security.py for non-service callers;
// that service mints whatever token it sees fit and the broker hands it
// back verbatim.
func (b *Broker) authenticate(ctx context.Context, dom string, credentials []byte) (string, error) {
	if domain.IsService(dom) {
		if err := verifyServiceCredentials(b.sharedSecret, dom, credentials); err != nil {
			return "", wire.ErrInvalidSharedSecret
		}
		return "", nil
	}

	target, ok := b.lookupNext(domain.AuthenticationDomain)
	if !ok {
		return "", wire.ErrAuthServiceUnavailable
	}

	reply, err := target.Request(ctx, domain.AuthenticationDomain, dom, "", wire.Frames{[]byte("authenticate"), credentials})
	if err != nil {
		return "", err
	}
	if len(reply) < 1 {
		return "", wire.ErrInternalError
	}

	return string(reply[0]), nil
}
