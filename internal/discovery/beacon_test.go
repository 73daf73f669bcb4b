package discovery

import (
	"context"
	"testing"
	"time"
)

func TestBeaconPublishAndListen(t *testing.T) {
	port := 17873

	publisher, err := New(port, "")
	if err != nil {
		t.Fatalf("New (publisher): %v", err)
	}
	defer publisher.Close()
	publisher.SetInterval(20 * time.Millisecond)

	listener, err := New(port, "")
	if err != nil {
		t.Fatalf("New (listener): %v", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener.Listen(ctx, "listener-uid")
	publisher.Publish(ctx, "broker-1", "tcp://127.0.0.1:9000")

	select {
	case sighting := <-listener.Sightings():
		if sighting.BrokerUID != "broker-1" {
			t.Fatalf("expected brokerUID broker-1, got %q", sighting.BrokerUID)
		}
		if sighting.Endpoint != "tcp://127.0.0.1:9000" {
			t.Fatalf("expected endpoint tcp://127.0.0.1:9000, got %q", sighting.Endpoint)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a sighting but got nothing")
	}
}

func TestBeaconNoEchoDropsOwnAnnouncements(t *testing.T) {
	port := 17874

	b, err := New(port, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()
	b.SetInterval(20 * time.Millisecond)
	b.NoEcho()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b.Listen(ctx, "self-uid")
	b.Publish(ctx, "self-uid", "tcp://127.0.0.1:9001")

	select {
	case sighting := <-b.Sightings():
		t.Fatalf("expected no-echo to drop self sightings, got %+v", sighting)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	packet := encode("broker-uid", "tcp://10.0.0.1:5555")

	uid, endpoint, ok := decode(packet)
	if !ok {
		t.Fatal("decode failed on a well-formed packet")
	}
	if uid != "broker-uid" || endpoint != "tcp://10.0.0.1:5555" {
		t.Fatalf("unexpected decode result: uid=%q endpoint=%q", uid, endpoint)
	}
}

func TestDecodeRejectsForeignMagic(t *testing.T) {
	if _, _, ok := decode([]byte("ZRE1garbage")); ok {
		t.Fatal("expected decode to reject a non-pylar magic prefix")
	}
}
