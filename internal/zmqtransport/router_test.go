package zmqtransport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ereOn/pylar/pkg/ppe"
	"github.com/ereOn/pylar/pkg/wire"
)

// dynamicEndpoint picks a loopback TCP port in the private/dynamic range,
// the same pool zeromq-gyre/node.go cycles through for its ROUTER bind.
func dynamicEndpoint() string {
	return fmt.Sprintf("tcp://127.0.0.1:%d", 0xc000+time.Now().Nanosecond()%0x3000)
}

func TestRouterDealerRoundTrip(t *testing.T) {
	endpoint := dynamicEndpoint()

	connected := make(chan ppe.Transport, 1)
	router, err := NewRouter([]string{endpoint}, func(identity []byte, transport ppe.Transport) {
		connected <- transport
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go router.Run(ctx)

	dealer, err := NewDealer(endpoint, []byte("test-client"))
	if err != nil {
		t.Fatalf("NewDealer: %v", err)
	}
	defer dealer.Close()

	if err := dealer.WriteFrames(ctx, wire.Frames{[]byte("hello")}); err != nil {
		t.Fatalf("WriteFrames: %v", err)
	}

	var serverSide ppe.Transport
	select {
	case serverSide = <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("router never observed the new connection")
	}

	readCtx, readCancel := context.WithTimeout(ctx, time.Second)
	defer readCancel()

	frames, err := serverSide.ReadFrames(readCtx)
	if err != nil {
		t.Fatalf("ReadFrames: %v", err)
	}
	if len(frames) != 1 || string(frames[0]) != "hello" {
		t.Fatalf("unexpected frames: %v", frames)
	}

	if err := serverSide.WriteFrames(ctx, wire.Frames{[]byte("world")}); err != nil {
		t.Fatalf("WriteFrames reply: %v", err)
	}

	replyCtx, replyCancel := context.WithTimeout(ctx, time.Second)
	defer replyCancel()

	reply, err := dealer.ReadFrames(replyCtx)
	if err != nil {
		t.Fatalf("ReadFrames reply: %v", err)
	}
	if len(reply) != 1 || string(reply[0]) != "world" {
		t.Fatalf("unexpected reply frames: %v", reply)
	}
}
