package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ereOn/pylar/pkg/domain"
	"github.com/ereOn/pylar/pkg/ppe"
	"github.com/ereOn/pylar/pkg/wire"
)

const (
	defaultPingInterval = 5 * time.Second
	defaultPingTimeout  = 5 * time.Second
)

// NotificationHandler processes one inbound notification not claimed by
// any locally registered proxy's own handling.
type NotificationHandler func(ctx context.Context, typ string, args wire.Frames)

// Session is one connection to a broker, multiplexing any number of
// registered domains (Proxy values) over a single peer protocol engine.
// Grounded on client.py's Client: the ping loop that implicitly
// unregisters every proxy on a missed pong, the per-domain command
// dispatch table, and the describe/method_call RPC helpers -- merged with
// this spec's explicit allowance for several proxies sharing one session
// (client.py instead models one proxy per subclassed Client).
type Session struct {
	engine *ppe.Engine
	logger *slog.Logger

	pingInterval time.Duration
	pingTimeout  time.Duration

	mu              sync.Mutex
	proxies         map[string]*Proxy
	notifyHandler   NotificationHandler
	runCtx          context.Context
	lastBrokerUID   string
	haveBrokerUID   bool
	onBrokerRestart func(previous, current string)

	wg sync.WaitGroup
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithPingTiming overrides the default 5s/5s ping interval and timeout.
func WithPingTiming(interval, timeout time.Duration) Option {
	return func(s *Session) {
		s.pingInterval = interval
		s.pingTimeout = timeout
	}
}

// WithNotificationHandler installs the handler for notifications that
// carry no locally-registered target domain of their own.
func WithNotificationHandler(h NotificationHandler) Option {
	return func(s *Session) { s.notifyHandler = h }
}

// WithBrokerRestartHandler installs a callback fired when a ping reply
// carries a broker id different from the one last observed, signalling the
// broker process behind the endpoint restarted (spec section 3/8).
func WithBrokerRestartHandler(h func(previous, current string)) Option {
	return func(s *Session) { s.onBrokerRestart = h }
}

// NewSession builds a session over transport, ready to Run.
func NewSession(transport ppe.Transport, logger *slog.Logger, opts ...Option) *Session {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		logger:       logger,
		pingInterval: defaultPingInterval,
		pingTimeout:  defaultPingTimeout,
		proxies:      make(map[string]*Proxy),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.engine = ppe.New(transport, s, ppe.WithLogger(logger))

	return s
}

// Register adds a new domain registration and, once Run has started,
// immediately launches its registration retry loop.
func (s *Session) Register(dom string, credentials []byte) *Proxy {
	p := newProxy(s, dom, credentials, s.logger)

	s.mu.Lock()
	s.proxies[dom] = p
	ctx := s.runCtx
	s.mu.Unlock()

	if ctx != nil {
		s.startProxyLoop(ctx, p)
	}

	return p
}

// Unregister tells the broker to drop dom and stops answering requests for
// it locally.
func (s *Session) Unregister(ctx context.Context, dom string) error {
	s.mu.Lock()
	p, ok := s.proxies[dom]
	delete(s.proxies, dom)
	s.mu.Unlock()

	if !ok {
		return nil
	}

	p.clearRegistration()

	if err := s.unregister(ctx, dom); err != nil {
		return err
	}

	s.logger.Info("client is no longer registered", "domain", dom)
	return nil
}

func (s *Session) startProxyLoop(ctx context.Context, p *Proxy) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		p.registerLoop(ctx)
	}()
}

// Run drives the session's engine and ping loop until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	proxies := make([]*Proxy, 0, len(s.proxies))
	for _, p := range s.proxies {
		proxies = append(proxies, p)
	}
	s.mu.Unlock()

	for _, p := range proxies {
		s.startProxyLoop(ctx, p)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pingLoop(ctx)
	}()

	err := s.engine.Run(ctx)
	s.wg.Wait()

	return err
}

// pingLoop pings the broker every pingInterval while at least one proxy is
// registered, and clears every proxy's token (forcing re-registration) if
// the broker fails to answer within pingTimeout. Grounded on client.py's
// __ping_loop.
func (s *Session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			hasRegistrations := len(s.proxies) > 0
			s.mu.Unlock()

			if !hasRegistrations {
				continue
			}

			s.ping(ctx)
		}
	}
}

func (s *Session) ping(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, s.pingTimeout)
	reply, err := s.engine.Request(pingCtx, wire.Frames{[]byte("ping")})
	cancel()

	if err != nil {
		s.logger.Warn("broker did not reply to ping in time, clearing registrations", "error", err)

		s.mu.Lock()
		for _, p := range s.proxies {
			p.clearRegistration()
		}
		s.mu.Unlock()
		return
	}

	if len(reply) < 1 {
		return
	}
	s.observeBrokerUID(string(reply[0]))
}

func (s *Session) observeBrokerUID(uid string) {
	s.mu.Lock()
	previous, had := s.lastBrokerUID, s.haveBrokerUID
	s.lastBrokerUID, s.haveBrokerUID = uid, true
	handler := s.onBrokerRestart
	s.mu.Unlock()

	if had && previous != uid {
		s.logger.Warn("broker restarted, clearing registrations", "previous", previous, "current", uid)

		s.mu.Lock()
		for _, p := range s.proxies {
			p.clearRegistration()
		}
		s.mu.Unlock()

		if handler != nil {
			handler(previous, uid)
		}
	}
}

func (s *Session) register(ctx context.Context, dom string, credentials []byte) (string, error) {
	reply, err := s.engine.Request(ctx, wire.Frames{[]byte("register"), []byte(dom), credentials})
	if err != nil {
		return "", err
	}
	if len(reply) < 1 {
		return "", wire.ErrInternalError
	}
	return string(reply[0]), nil
}

func (s *Session) unregister(ctx context.Context, dom string) error {
	_, err := s.engine.Request(ctx, wire.Frames{[]byte("unregister"), []byte(dom)})
	return err
}

// Request sends a request as fromDomain to targetDomain, where args[0] is
// the application-level command and args[1:] its arguments. If
// targetDomain is itself registered (and currently Registered) on this same
// session, the call is dispatched directly to that Proxy's handler without
// a network round trip through the broker -- the local short-circuit
// described in SPEC_FULL.md section C, absent from client.py, which never
// considers two proxies colocated in the same process.
func (s *Session) Request(ctx context.Context, fromDomain, targetDomain string, args wire.Frames) (wire.Frames, error) {
	if len(args) < 1 {
		return nil, wire.ErrBadRequest
	}

	s.mu.Lock()
	target, hasTarget := s.proxies[targetDomain]
	source, hasSource := s.proxies[fromDomain]
	s.mu.Unlock()

	if hasTarget && target.Registered() {
		sourceToken := ""
		if hasSource {
			sourceToken = source.Token()
		}
		return target.OnRequest(ctx, fromDomain, sourceToken, string(args[0]), args[1:])
	}

	frames := make(wire.Frames, 0, 3+len(args))
	frames = append(frames, []byte("request"), []byte(fromDomain), []byte(targetDomain))
	frames = append(frames, args...)

	return s.engine.Request(ctx, frames)
}

// Notify sends a fire-and-forget notification as fromDomain to
// targetDomain, always through the broker: unlike Request, a notification
// carries no reply a local short-circuit could usefully skip waiting for,
// and routing it the same way the broker would keeps delivery order
// consistent with requests sent to the same target.
func (s *Session) Notify(ctx context.Context, fromDomain, targetDomain, typ string, args wire.Frames) error {
	frames := make(wire.Frames, 0, 3+len(args))
	frames = append(frames, []byte(typ), []byte(fromDomain), []byte(targetDomain))
	frames = append(frames, args...)

	return s.engine.Notify(ctx, frames)
}

// Describe sends a describe request, as fromDomain, to the rpc
// introspection service (service/rpc) and decodes its JSON reply.
// Grounded on client.py's describe.
func (s *Session) Describe(ctx context.Context, fromDomain string) (any, error) {
	reply, err := s.Request(ctx, fromDomain, domain.RPCDomain, wire.Frames{[]byte("describe")})
	if err != nil {
		return nil, err
	}
	if len(reply) < 1 {
		return nil, wire.ErrInternalError
	}

	var result any
	if err := json.Unmarshal(reply[0], &result); err != nil {
		return nil, err
	}
	return result, nil
}

// MethodCall invokes method on targetDomain with JSON-encoded args and
// kwargs, decoding the JSON-encoded result. Grounded on client.py's
// method_call; json.dumps/json.loads there become encoding/json here, per
// SPEC_FULL.md section C.
func (s *Session) MethodCall(ctx context.Context, fromDomain, targetDomain, method string, args []any, kwargs map[string]any) (any, error) {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	kwargsJSON, err := json.Marshal(kwargs)
	if err != nil {
		return nil, err
	}

	reply, err := s.Request(ctx, fromDomain, targetDomain, wire.Frames{
		[]byte("method_call"), []byte(method), argsJSON, kwargsJSON,
	})
	if err != nil {
		return nil, err
	}
	if len(reply) < 1 {
		return nil, wire.ErrInternalError
	}

	var result any
	if err := json.Unmarshal(reply[0], &result); err != nil {
		return nil, err
	}
	return result, nil
}

// OnRequest implements ppe.Owner: it is invoked for every request the
// broker forwards to this session, routing it to the addressed proxy.
// Grounded on client.py's _on_request.
func (s *Session) OnRequest(ctx context.Context, payload wire.Frames) (wire.Frames, error) {
	if len(payload) < 4 {
		return nil, wire.ErrBadRequest
	}

	dom := string(payload[0])
	sourceDomain := string(payload[1])
	sourceToken := string(payload[2])
	command := string(payload[3])
	args := payload[4:]

	s.mu.Lock()
	p, ok := s.proxies[dom]
	s.mu.Unlock()

	if !ok {
		return nil, wire.NewCallError(wire.CodeNotFound, "Client not found.")
	}

	return p.OnRequest(ctx, sourceDomain, sourceToken, command, args)
}

// OnNotification implements ppe.Owner. Grounded on client.py's
// _on_notification/on_notification.
func (s *Session) OnNotification(ctx context.Context, payload wire.Frames) {
	// payload: target, source, token, type, args... (see
	// pkg/broker.Connection.Notify).
	if len(payload) < 4 {
		return
	}

	typ := string(payload[3])
	args := payload[4:]

	s.mu.Lock()
	handler := s.notifyHandler
	s.mu.Unlock()

	if handler != nil {
		handler(ctx, typ, args)
		return
	}

	s.logger.Warn("received unhandled notification", "type", typ)
}
