package broker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ereOn/pylar/pkg/domain"
	"github.com/ereOn/pylar/pkg/ppe"
	"github.com/ereOn/pylar/pkg/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// funcOwner adapts plain functions into a ppe.Owner, used to stand in for
// the remote side (service or client) of a connection under test.
type funcOwner struct {
	onRequest func(ctx context.Context, payload wire.Frames) (wire.Frames, error)
	onNotify  func(payload wire.Frames)
}

func (o *funcOwner) OnRequest(ctx context.Context, payload wire.Frames) (wire.Frames, error) {
	if o.onRequest == nil {
		return wire.Frames{}, nil
	}
	return o.onRequest(ctx, payload)
}

func (o *funcOwner) OnNotification(_ context.Context, payload wire.Frames) {
	if o.onNotify != nil {
		o.onNotify(payload)
	}
}

const testSecret = "integration-test-secret"

func newTestBroker(t *testing.T, timeout time.Duration) (*Broker, context.Context) {
	t.Helper()
	b := New([]byte(testSecret), timeout, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go b.Run(ctx)

	return b, ctx
}

// connectPeer wires a fresh identity into b and returns the peer-side
// engine representing the remote service or client, already running.
func connectPeer(t *testing.T, ctx context.Context, b *Broker, identity string, owner ppe.Owner) *ppe.Engine {
	t.Helper()

	ta, tb := ppe.NewMemoryPipe(16)
	conn := b.Accept([]byte(identity), ta, ppe.WithPingInterval(time.Hour))
	go conn.Engine().Run(ctx)

	peer := ppe.New(tb, owner, ppe.WithPingInterval(time.Hour))
	go peer.Run(ctx)

	return peer
}

func registerService(t *testing.T, ctx context.Context, peer *ppe.Engine, serviceDomain string) string {
	t.Helper()

	credentials, err := GenerateServiceCredentials([]byte(testSecret), []byte("salt"), serviceDomain)
	if err != nil {
		t.Fatalf("GenerateServiceCredentials: %v", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	reply, err := peer.Request(reqCtx, wire.Frames{[]byte("register"), []byte(serviceDomain), credentials})
	if err != nil {
		t.Fatalf("register %s: %v", serviceDomain, err)
	}
	if len(reply) != 1 {
		t.Fatalf("register %s: expected a token, got %v", serviceDomain, reply)
	}

	return string(reply[0])
}

func TestRegisterAndForwardRequest(t *testing.T) {
	b, ctx := newTestBroker(t, time.Minute)

	echo := &funcOwner{
		onRequest: func(_ context.Context, payload wire.Frames) (wire.Frames, error) {
			// payload: target, source, token, args...
			return payload[3:], nil
		},
	}
	servicePeer := connectPeer(t, ctx, b, "service-conn", echo)
	registerService(t, ctx, servicePeer, domain.Service("greeter"))

	clientPeer := connectPeer(t, ctx, b, "client-conn", &funcOwner{})
	registerService(t, ctx, clientPeer, domain.Service("caller"))

	reqCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	reply, err := clientPeer.Request(reqCtx, wire.Frames{
		[]byte("request"), []byte(domain.Service("caller")), []byte(domain.Service("greeter")), []byte("hello"),
	})
	if err != nil {
		t.Fatalf("forwarded request: %v", err)
	}
	if len(reply) != 1 || string(reply[0]) != "hello" {
		t.Fatalf("unexpected reply: %v", reply)
	}
}

func TestRequestToUnknownDomainReturns404(t *testing.T) {
	b, ctx := newTestBroker(t, time.Minute)

	clientPeer := connectPeer(t, ctx, b, "client-conn", &funcOwner{})
	registerService(t, ctx, clientPeer, domain.Service("caller"))

	reqCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	_, err := clientPeer.Request(reqCtx, wire.Frames{
		[]byte("request"), []byte(domain.Service("caller")), []byte(domain.Service("nobody")),
	})
	callErr, ok := err.(*wire.CallError)
	if !ok {
		t.Fatalf("expected *wire.CallError, got %v", err)
	}
	if callErr.Code != wire.CodeNotFound {
		t.Fatalf("expected 404, got %d", callErr.Code)
	}
}

func TestRegisterWithWrongSecretReturns401(t *testing.T) {
	b, ctx := newTestBroker(t, time.Minute)

	servicePeer := connectPeer(t, ctx, b, "service-conn", &funcOwner{})

	badCredentials, err := GenerateServiceCredentials([]byte("wrong-secret"), []byte("salt"), domain.Service("greeter"))
	if err != nil {
		t.Fatalf("GenerateServiceCredentials: %v", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	_, err = servicePeer.Request(reqCtx, wire.Frames{[]byte("register"), []byte(domain.Service("greeter")), badCredentials})
	callErr, ok := err.(*wire.CallError)
	if !ok {
		t.Fatalf("expected *wire.CallError, got %v", err)
	}
	if callErr.Code != wire.CodeUnauthorized {
		t.Fatalf("expected 401, got %d", callErr.Code)
	}
}

func TestUserRegistrationWithoutAuthServiceReturns503(t *testing.T) {
	b, ctx := newTestBroker(t, time.Minute)

	peer := connectPeer(t, ctx, b, "user-conn", &funcOwner{})

	reqCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	_, err := peer.Request(reqCtx, wire.Frames{[]byte("register"), []byte(domain.User("alice")), []byte("whatever")})
	callErr, ok := err.(*wire.CallError)
	if !ok {
		t.Fatalf("expected *wire.CallError, got %v", err)
	}
	if callErr.Code != wire.CodeServiceUnavailable {
		t.Fatalf("expected 503, got %d", callErr.Code)
	}
}

func TestQueryCommand(t *testing.T) {
	b, ctx := newTestBroker(t, time.Minute)

	servicePeer := connectPeer(t, ctx, b, "service-conn", &funcOwner{})
	registerService(t, ctx, servicePeer, domain.Service("greeter"))

	clientPeer := connectPeer(t, ctx, b, "client-conn", &funcOwner{})
	registerService(t, ctx, clientPeer, domain.Service("caller"))

	reqCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	if _, err := clientPeer.Request(reqCtx, wire.Frames{
		[]byte("query"), []byte(domain.Service("caller")), []byte(domain.Service("greeter")),
	}); err != nil {
		t.Fatalf("query existing domain: %v", err)
	}

	_, err := clientPeer.Request(reqCtx, wire.Frames{
		[]byte("query"), []byte(domain.Service("caller")), []byte(domain.Service("nobody")),
	})
	callErr, ok := err.(*wire.CallError)
	if !ok {
		t.Fatalf("expected *wire.CallError, got %v", err)
	}
	if callErr.Code != wire.CodeNotFound {
		t.Fatalf("expected 404, got %d", callErr.Code)
	}
}

func TestLinkBridgeForwardsUnknownDomain(t *testing.T) {
	b, ctx := newTestBroker(t, time.Minute)

	linkPeer := connectPeer(t, ctx, b, "link-conn", &funcOwner{
		onRequest: func(_ context.Context, payload wire.Frames) (wire.Frames, error) {
			// payload: target(service/link), source, token, "dispatch", real-target, args...
			if len(payload) < 5 || string(payload[3]) != "dispatch" {
				return nil, wire.NewCallError(wire.CodeBadRequest, "unexpected bridge payload")
			}
			if string(payload[4]) != "service/remote-svc" {
				return nil, wire.NewCallError(wire.CodeBadRequest, "unexpected bridge target")
			}
			return payload[5:], nil
		},
	})
	registerService(t, ctx, linkPeer, domain.LinkDomain)

	clientPeer := connectPeer(t, ctx, b, "client-conn", &funcOwner{})
	registerService(t, ctx, clientPeer, domain.Service("caller"))

	reqCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	reply, err := clientPeer.Request(reqCtx, wire.Frames{
		[]byte("request"), []byte(domain.Service("caller")), []byte("service/remote-svc"), []byte("payload"),
	})
	if err != nil {
		t.Fatalf("link-bridged request: %v", err)
	}
	if len(reply) != 1 || string(reply[0]) != "payload" {
		t.Fatalf("unexpected bridged reply: %v", reply)
	}
}

func TestRoundRobinFairness(t *testing.T) {
	b, ctx := newTestBroker(t, time.Minute)

	serve := func(label string) *funcOwner {
		return &funcOwner{
			onRequest: func(_ context.Context, payload wire.Frames) (wire.Frames, error) {
				return wire.Frames{[]byte(label)}, nil
			},
		}
	}

	peerA := connectPeer(t, ctx, b, "svc-a", serve("a"))
	registerService(t, ctx, peerA, domain.Service("worker"))
	peerB := connectPeer(t, ctx, b, "svc-b", serve("b"))
	registerService(t, ctx, peerB, domain.Service("worker"))

	clientPeer := connectPeer(t, ctx, b, "client-conn", &funcOwner{})
	registerService(t, ctx, clientPeer, domain.Service("caller"))

	var labels []string
	for i := 0; i < 4; i++ {
		reqCtx, cancel := context.WithTimeout(ctx, time.Second)
		reply, err := clientPeer.Request(reqCtx, wire.Frames{
			[]byte("request"), []byte(domain.Service("caller")), []byte(domain.Service("worker")),
		})
		cancel()
		if err != nil {
			t.Fatalf("forwarded request %d: %v", i, err)
		}
		labels = append(labels, string(reply[0]))
	}

	if labels[0] == labels[1] && labels[1] == labels[2] && labels[2] == labels[3] {
		t.Fatalf("expected round-robin fan-out across both workers, got %v", labels)
	}
}

func TestPingReturnsStableBrokerUID(t *testing.T) {
	b, ctx := newTestBroker(t, time.Minute)

	peer := connectPeer(t, ctx, b, "any-conn", &funcOwner{})

	reqCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	first, err := peer.Request(reqCtx, wire.Frames{[]byte("ping")})
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	second, err := peer.Request(reqCtx, wire.Frames{[]byte("ping")})
	if err != nil {
		t.Fatalf("ping: %v", err)
	}

	if len(first) != 1 || len(second) != 1 || string(first[0]) != string(second[0]) {
		t.Fatalf("expected a stable broker id, got %v then %v", first, second)
	}
	if string(first[0]) != b.UID {
		t.Fatalf("expected ping to return Broker.UID %q, got %q", b.UID, first[0])
	}
}

func TestServiceRegistrationReturnsEmptyToken(t *testing.T) {
	b, ctx := newTestBroker(t, time.Minute)

	servicePeer := connectPeer(t, ctx, b, "service-conn", &funcOwner{})
	token := registerService(t, ctx, servicePeer, domain.Service("greeter"))

	if token != "" {
		t.Fatalf("expected a service registration to get the empty token, got %q", token)
	}
}

func TestAuthenticationDelegationSucceeds(t *testing.T) {
	b, ctx := newTestBroker(t, time.Minute)

	var observedPayload wire.Frames
	authPeer := connectPeer(t, ctx, b, "auth-conn", &funcOwner{
		onRequest: func(_ context.Context, payload wire.Frames) (wire.Frames, error) {
			observedPayload = payload.Clone()
			return wire.Frames{[]byte("minted-token")}, nil
		},
	})
	registerService(t, ctx, authPeer, domain.AuthenticationDomain)

	userPeer := connectPeer(t, ctx, b, "user-conn", &funcOwner{})

	reqCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	reply, err := userPeer.Request(reqCtx, wire.Frames{
		[]byte("register"), []byte(domain.User("alice")), []byte("alice-credentials"),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(reply) != 1 || string(reply[0]) != "minted-token" {
		t.Fatalf("expected the auth service's token to be returned verbatim, got %v", reply)
	}

	// payload: target(service/authentication), source, token, command, credentials.
	if len(observedPayload) != 5 {
		t.Fatalf("expected 5 frames, got %d: %v", len(observedPayload), observedPayload)
	}
	if string(observedPayload[0]) != domain.AuthenticationDomain {
		t.Fatalf("expected target %q, got %q", domain.AuthenticationDomain, observedPayload[0])
	}
	if string(observedPayload[1]) != domain.User("alice") {
		t.Fatalf("expected source %q, got %q", domain.User("alice"), observedPayload[1])
	}
	if string(observedPayload[3]) != "authenticate" {
		t.Fatalf("expected command frame %q, got %q", "authenticate", observedPayload[3])
	}
	if string(observedPayload[4]) != "alice-credentials" {
		t.Fatalf("expected credentials frame %q, got %q", "alice-credentials", observedPayload[4])
	}
}

func TestQueryFromUnregisteredConnectionReturns412(t *testing.T) {
	b, ctx := newTestBroker(t, time.Minute)

	servicePeer := connectPeer(t, ctx, b, "service-conn", &funcOwner{})
	registerService(t, ctx, servicePeer, domain.Service("greeter"))

	unregisteredPeer := connectPeer(t, ctx, b, "unregistered-conn", &funcOwner{})

	reqCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	_, err := unregisteredPeer.Request(reqCtx, wire.Frames{
		[]byte("query"), []byte(domain.Service("caller")), []byte(domain.Service("greeter")),
	})
	callErr, ok := err.(*wire.CallError)
	if !ok {
		t.Fatalf("expected *wire.CallError, got %v", err)
	}
	if callErr.Code != wire.CodeNotRegistered {
		t.Fatalf("expected 412, got %d", callErr.Code)
	}
}

func TestReRegisterDoesNotDuplicateRoundRobinEntry(t *testing.T) {
	b, ctx := newTestBroker(t, time.Minute)

	servicePeer := connectPeer(t, ctx, b, "service-conn", &funcOwner{
		onRequest: func(_ context.Context, payload wire.Frames) (wire.Frames, error) {
			return payload[3:], nil
		},
	})
	registerService(t, ctx, servicePeer, domain.Service("greeter"))
	registerService(t, ctx, servicePeer, domain.Service("greeter"))

	clientPeer := connectPeer(t, ctx, b, "client-conn", &funcOwner{})
	registerService(t, ctx, clientPeer, domain.Service("caller"))

	for i := 0; i < 2; i++ {
		reqCtx, cancel := context.WithTimeout(ctx, time.Second)
		_, err := clientPeer.Request(reqCtx, wire.Frames{
			[]byte("request"), []byte(domain.Service("caller")), []byte(domain.Service("greeter")), []byte("hi"),
		})
		cancel()
		if err != nil {
			t.Fatalf("forwarded request %d: %v", i, err)
		}
	}

	b.actorCall(func() {
		list := b.registry.byDomain[domain.Service("greeter")]
		if len(list) != 1 {
			t.Fatalf("expected exactly one registry entry after re-registration, got %d", len(list))
		}
	})
}

func TestSilentConnectionIsReaped(t *testing.T) {
	b, ctx := newTestBroker(t, 60*time.Millisecond)

	servicePeer := connectPeer(t, ctx, b, "service-conn", &funcOwner{})
	registerService(t, ctx, servicePeer, domain.Service("flaky"))

	clientPeer := connectPeer(t, ctx, b, "client-conn", &funcOwner{})
	registerService(t, ctx, clientPeer, domain.Service("caller"))

	// Keep the client connection alive with its own traffic while
	// servicePeer goes silent and its dying timer expires.
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		_, _ = clientPeer.Request(pingCtx, wire.Frames{[]byte("ping")})
		cancel()
		time.Sleep(20 * time.Millisecond)
	}

	reqCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	_, err := clientPeer.Request(reqCtx, wire.Frames{
		[]byte("request"), []byte(domain.Service("caller")), []byte(domain.Service("flaky")),
	})
	callErr, ok := err.(*wire.CallError)
	if !ok {
		t.Fatalf("expected *wire.CallError, got %v", err)
	}
	if callErr.Code != wire.CodeNotFound {
		t.Fatalf("expected the reaped service's domain to be gone (404), got %d", callErr.Code)
	}
}
