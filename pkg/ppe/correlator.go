package ppe

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ereOn/pylar/pkg/wire"
)

type pendingResult struct {
	frames wire.Frames
	err    error
}

// correlator tracks outstanding requests for one engine direction, keyed by
// a fresh ASCII-decimal id per generic_client.py's request_id_generator. A
// response naming an id that is not (or no longer) pending is silently
// dropped, per spec section 4.1.
type correlator struct {
	mu      sync.Mutex
	pending map[string]chan pendingResult
	nextID  uint64
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[string]chan pendingResult)}
}

func (c *correlator) newID() string {
	return strconv.FormatUint(atomic.AddUint64(&c.nextID, 1)-1, 10)
}

func (c *correlator) register(id string) chan pendingResult {
	ch := make(chan pendingResult, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

// forget removes id without resolving it, used when a request could not be
// sent or its waiter already gave up.
func (c *correlator) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// resolve delivers a result to id's waiter, if it is still pending. Setting
// a result twice is a programming error in the original; here, since a
// channel can only be delivered to once and we remove the entry under the
// same lock, a duplicate resolve for the same id is simply a no-op drop.
func (c *correlator) resolve(id string, frames wire.Frames, err error) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return
	}

	ch <- pendingResult{frames: frames, err: err}
}

// cancelAll fails every pending request with err, used when the engine
// enters CLOSING.
func (c *correlator) cancelAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan pendingResult)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- pendingResult{err: err}
	}
}
