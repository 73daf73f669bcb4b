package broker

import (
	"context"

	"github.com/ereOn/pylar/pkg/domain"
	"github.com/ereOn/pylar/pkg/wire"
)

// forwardTarget is anything a request or notification can be forwarded to:
// either a directly registered *Connection, or a linkTarget bridging to a
// domain this broker does not serve locally.
type forwardTarget interface {
	Request(ctx context.Context, targetDomain, sourceDomain, sourceToken string, args wire.Frames) (wire.Frames, error)
	Notify(ctx context.Context, targetDomain, sourceDomain, sourceToken, typ string, args wire.Frames) error
}

// linkTarget forwards through the connection registered as service/link,
// rewriting the call into the "dispatch" envelope (used for both requests
// and notifications; a notification carries its real type after it) the
// remote side's own link bridge expects, so it can re-issue the call
// against its own local registry under realTarget. Generalizes
// broker.py's LinkConnection, which subclassed Connection purely to
// override request()/notify() with this rewriting.
type linkTarget struct {
	conn       *Connection
	realTarget string
}

func (l linkTarget) Request(ctx context.Context, _, sourceDomain, sourceToken string, args wire.Frames) (wire.Frames, error) {
	rewritten := make(wire.Frames, 0, 1+len(args))
	rewritten = append(rewritten, []byte(l.realTarget))
	rewritten = append(rewritten, args...)

	return l.conn.Request(ctx, domain.LinkDomain, sourceDomain, sourceToken, append(wire.Frames{[]byte("dispatch")}, rewritten...))
}

func (l linkTarget) Notify(ctx context.Context, _, sourceDomain, sourceToken, typ string, args wire.Frames) error {
	rewritten := make(wire.Frames, 0, 1+len(args))
	rewritten = append(rewritten, []byte(l.realTarget))
	rewritten = append(rewritten, args...)

	return l.conn.Notify(ctx, domain.LinkDomain, sourceDomain, sourceToken, "dispatch", append(wire.Frames{[]byte(typ)}, rewritten...))
}
