package broker

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/ereOn/pylar/pkg/ppe"
	"github.com/ereOn/pylar/pkg/wire"
)

// Connection is one broker-held object per (transport, remote-identity)
// pair, per spec section 4.2. Its domains table is only ever read or
// written from the broker's actor goroutine (see broker.go); the dying
// timer is reset directly from the engine's own receive loop on every
// inbound frame (including pings), since it has its own internal
// synchronization and does not need actor exclusivity.
type Connection struct {
	Identity []byte
	engine   *ppe.Engine

	// domains maps a registered domain to the token issued for it. Owned
	// exclusively by the broker actor.
	domains map[string]string

	dying *deadlineTimer

	closeOnce sync.Once
}

func newConnection(identity []byte, transport ppe.Transport, owner ppe.Owner, timeout time.Duration, onExpire func(), opts ...ppe.Option) *Connection {
	c := &Connection{
		Identity: append([]byte(nil), identity...),
		domains:  make(map[string]string),
	}
	c.dying = startDeadlineTimer(timeout, onExpire)

	opts = append(opts, ppe.WithActivityHook(c.Refresh))
	c.engine = ppe.New(transport, owner, opts...)

	return c
}

// String renders the connection's identity as a hex string for logging,
// mirroring Connection.__str__ in broker.py (hexlify(self.identity)).
func (c *Connection) String() string {
	return hex.EncodeToString(c.Identity)
}

// Refresh resets the connection's dying timer. Called on every inbound
// frame, per spec section 4.2's refresh rule.
func (c *Connection) Refresh() {
	c.dying.reset()
}

// Engine exposes the connection's peer protocol engine for transport wiring
// and for outbound forwarding calls made by the broker.
func (c *Connection) Engine() *ppe.Engine {
	return c.engine
}

// Close tears down the connection's dying timer and engine. Safe to call
// more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.dying.stop()
		c.engine.Close()
	})
}

// Request sends a forwarded request to this connection: "target-domain,
// source-domain, source-token, args..." per spec section 4.1's wire shape
// and broker.py's Connection.request.
func (c *Connection) Request(ctx context.Context, targetDomain, sourceDomain, sourceToken string, args wire.Frames) (wire.Frames, error) {
	payload := make(wire.Frames, 0, 3+len(args))
	payload = append(payload, []byte(targetDomain), []byte(sourceDomain), []byte(sourceToken))
	payload = append(payload, args...)

	return c.engine.Request(ctx, payload)
}

// Notify sends a forwarded notification, identical in shape to Request but
// carrying an extra notification-type frame and expecting no reply.
func (c *Connection) Notify(ctx context.Context, targetDomain, sourceDomain, sourceToken, typ string, args wire.Frames) error {
	payload := make(wire.Frames, 0, 4+len(args))
	payload = append(payload, []byte(targetDomain), []byte(sourceDomain), []byte(sourceToken), []byte(typ))
	payload = append(payload, args...)

	return c.engine.Notify(ctx, payload)
}

// deadlineTimer is a resettable one-shot timer running on its own goroutine,
// used for each connection's 10s dying timer (spec section 3). Modeled on
// azmq's AsyncTimeout (broker.py) and on the reset-on-activity idiom of
// zeromq-gyre/peer.go's refresh()/evasiveAt/expiredAt, adapted here to a
// single deadline instead of a two-stage evasive/expired pair because spec
// section 5 only calls for one dying timeout, not the gossip liveness
// ladder gyre's groups need.
type deadlineTimer struct {
	resetCh chan struct{}
	stopCh  chan struct{}
}

func startDeadlineTimer(timeout time.Duration, onExpire func()) *deadlineTimer {
	d := &deadlineTimer{
		resetCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}

	go func() {
		t := time.NewTimer(timeout)
		defer t.Stop()

		for {
			select {
			case <-d.stopCh:
				return
			case <-d.resetCh:
				if !t.Stop() {
					select {
					case <-t.C:
					default:
					}
				}
				t.Reset(timeout)
			case <-t.C:
				onExpire()
				return
			}
		}
	}()

	return d
}

func (d *deadlineTimer) reset() {
	select {
	case d.resetCh <- struct{}{}:
	default:
		// A reset is already pending; coalescing is fine, the timer will
		// still be extended from "now" once it is processed.
	}
}

func (d *deadlineTimer) stop() {
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
}
