// Package transport matches responses arriving on a connection back to the requests that caused them.
//
// Every request carries a caller-generated requestId. The Correlator keeps the caller's callback
// under that id until the matching response arrives, the connection goes away, or the request ages
// past its timeout. Responses may arrive in any order:
//
//	Send(id=a) ──┐                       ┌── Resolve(b) → callback b
//	Send(id=b) ──┼──→ companion ──→ read ┼── Resolve(a) → callback a
//	Send(id=c) ──┘                       └── (disconnect) → c dropped
package transport

import (
	"errors"
	"sync"
	"time"
)

// ErrRequestTimeout is passed to a callback whose request was evicted by Sweep.
var ErrRequestTimeout = errors.New("transport: request timed out")

// Callback receives the raw response payload, or a nil payload and an error.
// It is invoked at most once per registration.
type Callback func(payload []byte, err error)

type pending struct {
	callback  Callback
	createdAt time.Time
}

// Correlator owns the mapping from outstanding requestId to its callback.
//
// It is shared by sender goroutines (Register), the connection's read goroutine (Resolve) and the
// timeout sweeper (Sweep), so the map is guarded by a mutex. Callbacks always run outside the lock.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pending
	ttl     time.Duration    // 0 disables expiry
	now     func() time.Time // overridable for tests
}

// NewCorrelator creates a correlator whose Sweep evicts requests older than ttl.
func NewCorrelator(ttl time.Duration) *Correlator {
	return &Correlator{
		pending: make(map[string]*pending),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Register stores cb under requestId. A duplicate id replaces the earlier entry.
func (c *Correlator) Register(requestID string, cb Callback) {
	c.mu.Lock()
	c.pending[requestID] = &pending{callback: cb, createdAt: c.now()}
	c.mu.Unlock()
}

// Resolve removes the entry for requestId and hands payload to its callback.
// It returns false for unknown, late or duplicate responses, which are dropped.
func (c *Correlator) Resolve(requestID string, payload []byte) bool {
	c.mu.Lock()
	p, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	if p.callback != nil {
		p.callback(payload, nil)
	}
	return true
}

// Forget removes an entry without invoking its callback. It reports whether the entry existed.
// Used when a frame for the request could not be written.
func (c *Correlator) Forget(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[requestID]
	delete(c.pending, requestID)
	return ok
}

// ClearAll drops every pending entry at once without invoking callbacks and returns how many there were.
// Requests in flight at that moment stay unanswered forever; nothing is re-sent.
func (c *Correlator) ClearAll() int {
	c.mu.Lock()
	n := len(c.pending)
	c.pending = make(map[string]*pending)
	c.mu.Unlock()
	return n
}

// Sweep evicts every entry registered more than ttl before now and invokes its callback with
// ErrRequestTimeout. It returns the evicted ids.
func (c *Correlator) Sweep(now time.Time) []string {
	if c.ttl <= 0 {
		return nil
	}

	var expired []string
	var callbacks []Callback

	c.mu.Lock()
	for id, p := range c.pending {
		if now.Sub(p.createdAt) >= c.ttl {
			expired = append(expired, id)
			callbacks = append(callbacks, p.callback)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	for _, cb := range callbacks {
		if cb != nil {
			cb(nil, ErrRequestTimeout)
		}
	}
	return expired
}

// Len returns the number of outstanding requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// TTL returns the configured request timeout.
func (c *Correlator) TTL() time.Duration {
	return c.ttl
}
