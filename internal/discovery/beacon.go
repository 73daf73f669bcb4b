// Package discovery implements UDP multicast broker discovery: a beacon
// announcing a broker's identity and ROUTER endpoint to the local network,
// and a listener collecting sightings of other brokers doing the same.
//
// Grounded on zeromq-gyre/beacon/beacon.go's publish/subscribe/no-echo
// shape and its one-interval re-announce loop, narrowed to IPv4 only (the
// teacher also speaks IPv6; this package drops that half, see DESIGN.md)
// and built on golang.org/x/net/ipv4 rather than the teacher's long-dead
// code.google.com/p/go.net/ipv4 import path.
package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
)

const (
	// DefaultPort is the UDP port brokers announce themselves on, distinct
	// from zre's 5670 so a pylar beacon never gets mistaken for one.
	DefaultPort = 7873

	// DefaultGroup is the multicast group brokers join by default.
	DefaultGroup = "224.0.0.251"

	magic      = "PYLB"
	maxPacket  = 512
	defaultTTL = 1
)

// Sighting is one decoded beacon observed on the wire.
type Sighting struct {
	BrokerUID string
	Endpoint  string
	Addr      net.Addr
}

// Beacon joins a multicast group to publish this broker's presence and
// collect sightings of others. Publish and Listen may both be used on the
// same Beacon, matching the teacher's single-socket publish/subscribe
// design.
type Beacon struct {
	conn  *ipv4.PacketConn
	group *net.UDPAddr

	interval time.Duration
	noEcho   bool

	sightings chan Sighting

	wg     sync.WaitGroup
	once   sync.Once
	closed chan struct{}
}

// New binds a UDP socket to group:port (DefaultPort if zero), shareable with
// other Beacons on the same host, and joins group
// (DefaultGroup if empty) on every up, multicast-capable interface it can
// find. It returns an error only if no interface could join the group.
func New(port int, group string) (*Beacon, error) {
	if port == 0 {
		port = DefaultPort
	}
	if group == "" {
		group = DefaultGroup
	}

	groupIP := net.ParseIP(group).To4()
	if groupIP == nil {
		return nil, fmt.Errorf("discovery: %q is not an IPv4 multicast address", group)
	}

	// Binding to the multicast group address (rather than the wildcard)
	// makes the net package set SO_REUSEADDR, so several brokers on one host
	// can share the discovery port.
	pc, err := net.ListenPacket("udp4", fmt.Sprintf("%s:%d", groupIP, port))
	if err != nil {
		return nil, fmt.Errorf("discovery: listen: %w", err)
	}

	conn := ipv4.NewPacketConn(pc)
	groupAddr := &net.UDPAddr{IP: groupIP, Port: port}

	ifaces, err := net.Interfaces()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("discovery: listing interfaces: %w", err)
	}

	joined := false
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := conn.JoinGroup(&iface, groupAddr); err == nil {
			joined = true
		}
	}
	if !joined {
		conn.Close()
		return nil, errors.New("discovery: no usable multicast-capable interface")
	}

	_ = conn.SetMulticastTTL(defaultTTL)
	_ = conn.SetMulticastLoopback(true)

	return &Beacon{
		conn:      conn,
		group:     groupAddr,
		interval:  time.Second,
		sightings: make(chan Sighting, 32),
		closed:    make(chan struct{}),
	}, nil
}

// SetInterval overrides the default one-second re-announce interval.
func (b *Beacon) SetInterval(d time.Duration) *Beacon {
	b.interval = d
	return b
}

// NoEcho drops sightings whose brokerUID matches the one Listen was called
// with, so a broker never reports itself as a sibling.
func (b *Beacon) NoEcho() *Beacon {
	b.noEcho = true
	return b
}

// Publish re-announces (brokerUID, endpoint) on the multicast group every
// interval until ctx is cancelled or the Beacon is closed.
func (b *Beacon) Publish(ctx context.Context, brokerUID, endpoint string) {
	payload := encode(brokerUID, endpoint)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()

		for {
			if _, err := b.conn.WriteTo(payload, nil, b.group); err != nil {
				select {
				case <-b.closed:
					return
				default:
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-b.closed:
				return
			case <-ticker.C:
			}
		}
	}()
}

// Listen reads beacons from the multicast group until ctx is cancelled or
// the Beacon is closed, decoding well-formed ones onto Sightings. ownUID is
// only consulted when NoEcho has been set.
func (b *Beacon) Listen(ctx context.Context, ownUID string) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(b.sightings)

		buf := make([]byte, maxPacket)

		for {
			select {
			case <-ctx.Done():
				return
			case <-b.closed:
				return
			default:
			}

			b.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
			n, _, addr, err := b.conn.ReadFrom(buf)
			if err != nil {
				continue
			}

			uid, endpoint, ok := decode(buf[:n])
			if !ok {
				continue
			}
			if b.noEcho && uid == ownUID {
				continue
			}

			select {
			case b.sightings <- Sighting{BrokerUID: uid, Endpoint: endpoint, Addr: addr}:
			case <-b.closed:
				return
			default:
				// Sightings is a best-effort channel; a slow consumer drops
				// stale sightings rather than blocking the read loop.
			}
		}
	}()
}

// Sightings returns the channel decoded sibling announcements arrive on. It
// is closed once Listen's goroutine returns.
func (b *Beacon) Sightings() <-chan Sighting {
	return b.sightings
}

// Close stops any running Publish/Listen goroutines and releases the
// socket. Safe to call more than once.
func (b *Beacon) Close() {
	b.once.Do(func() {
		close(b.closed)
		b.conn.Close()
	})
	b.wg.Wait()
}

// encode lays out a beacon packet as magic(4) || uidLen(1) || uid ||
// endpoint, the simplest framing that lets decode recover both
// variable-length fields unambiguously.
func encode(uid, endpoint string) []byte {
	buf := make([]byte, 0, len(magic)+1+len(uid)+len(endpoint))
	buf = append(buf, magic...)
	buf = append(buf, byte(len(uid)))
	buf = append(buf, uid...)
	buf = append(buf, endpoint...)
	return buf
}

func decode(data []byte) (uid, endpoint string, ok bool) {
	if len(data) < len(magic)+1 || !bytes.Equal(data[:len(magic)], []byte(magic)) {
		return "", "", false
	}

	uidLen := int(data[len(magic)])
	rest := data[len(magic)+1:]
	if len(rest) < uidLen {
		return "", "", false
	}

	return string(rest[:uidLen]), string(rest[uidLen:]), true
}
