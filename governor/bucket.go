// Package governor implements the bandwidth-shaping token bucket shared
// across all transfers of one direction. It is structured as a
// mutex-guarded accrual counter refilled by a background goroutine on a
// ticker, applied here to a byte budget rather than a fixed-size credit.
package governor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slsk-go/slsk/slskerr"
)

// ErrClosed is returned by Get once the bucket has been closed.
var ErrClosed = errors.New("governor: token bucket is closed")

const refillInterval = 100 * time.Millisecond

// TokenBucket yields byte grants at a configurable rate. A non-positive
// rate means unbounded: Get always grants the full request immediately.
type TokenBucket struct {
	mu        sync.Mutex
	cond      *sync.Cond
	rate      float64 // bytes per second; <= 0 means unbounded
	capacity  float64 // maximum burst, one second of rate
	available float64
	closed    bool
	stop      chan struct{}
}

// New creates a TokenBucket at the given rate (bytes/sec), starting full.
func New(ratePerSecond float64) *TokenBucket {
	tb := &TokenBucket{
		rate:     ratePerSecond,
		capacity: ratePerSecond,
		stop:     make(chan struct{}),
	}
	tb.cond = sync.NewCond(&tb.mu)
	if ratePerSecond > 0 {
		tb.available = ratePerSecond
	}
	go tb.refillLoop()
	return tb
}

func (tb *TokenBucket) refillLoop() {
	ticker := time.NewTicker(refillInterval)
	defer ticker.Stop()

	for {
		select {
		case <-tb.stop:
			return
		case <-ticker.C:
			tb.mu.Lock()
			if tb.rate > 0 {
				tb.available += tb.rate * refillInterval.Seconds()
				if tb.available > tb.capacity {
					tb.available = tb.capacity
				}
			}
			tb.cond.Broadcast()
			tb.mu.Unlock()
		}
	}
}

// Get blocks until at least one byte of budget is available (or the bucket
// is unbounded, or ctx is cancelled, or the bucket is closed), then grants
// min(n, available). The caller must Return any unused portion.
func (tb *TokenBucket) Get(ctx context.Context, n uint64) (uint64, error) {
	if n == 0 {
		return 0, nil
	}

	tb.mu.Lock()
	if tb.rate <= 0 {
		tb.mu.Unlock()
		return n, nil
	}

	// Wake the condvar if ctx is cancelled while we're waiting on it.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			tb.mu.Lock()
			tb.cond.Broadcast()
			tb.mu.Unlock()
		case <-done:
		}
	}()

	for tb.available < 1 && ctx.Err() == nil && !tb.closed {
		tb.cond.Wait()
	}

	if tb.closed {
		tb.mu.Unlock()
		return 0, ErrClosed
	}
	if ctx.Err() != nil {
		tb.mu.Unlock()
		return 0, &slskerr.CancelledError{}
	}

	grant := n
	if float64(grant) > tb.available {
		grant = uint64(tb.available)
	}
	tb.available -= float64(grant)
	tb.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "TokenBucket.Get",
		"requested": n,
		"granted":   grant,
	}).Debug("bandwidth grant issued")

	return grant, nil
}

// Return credits unused bytes back to the bucket.
func (tb *TokenBucket) Return(n uint64) {
	if n == 0 {
		return
	}
	tb.mu.Lock()
	tb.available += float64(n)
	if tb.rate > 0 && tb.available > tb.capacity {
		tb.available = tb.capacity
	}
	tb.cond.Broadcast()
	tb.mu.Unlock()
}

// UpdateRate changes the bucket's rate (and burst capacity) at any time.
func (tb *TokenBucket) UpdateRate(bytesPerSecond float64) {
	tb.mu.Lock()
	tb.rate = bytesPerSecond
	tb.capacity = bytesPerSecond
	if bytesPerSecond > 0 && tb.available > tb.capacity {
		tb.available = tb.capacity
	}
	tb.cond.Broadcast()
	tb.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "TokenBucket.UpdateRate",
		"rate":     bytesPerSecond,
	}).Info("bandwidth rate updated")
}

// Close stops the refill loop and wakes any blocked Get calls with
// ErrClosed.
func (tb *TokenBucket) Close() {
	tb.mu.Lock()
	if tb.closed {
		tb.mu.Unlock()
		return
	}
	tb.closed = true
	tb.mu.Unlock()

	close(tb.stop)

	tb.mu.Lock()
	tb.cond.Broadcast()
	tb.mu.Unlock()
}
