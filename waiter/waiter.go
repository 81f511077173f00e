// Package waiter implements the WaitKey-keyed rendezvous registry that
// pairs an outgoing request with an asynchronously-arriving protocol
// message. It is a mutex-guarded map of in-flight correlation keys, each
// backed by a one-shot channel: a key hosts at most one outstanding wait,
// fulfilled exactly once by Complete, Throw, a timeout, or a cancelled
// context.
package waiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/slsk-go/slsk/slskerr"
)

// WaitKey identifies a pending rendezvous. Code names the message kind
// (e.g. "TransferResponse"); Key disambiguates instances of that kind
// (e.g. "username\x00token"). Both fields are plain strings so WaitKey
// stays comparable and usable as a map key.
type WaitKey struct {
	Code string
	Key  string
}

func (k WaitKey) String() string {
	return fmt.Sprintf("%s(%s)", k.Code, k.Key)
}

// NewKey builds a WaitKey from a message code and an ordered list of
// correlation parts (username, token, filename, ...).
func NewKey(code string, parts ...any) WaitKey {
	key := ""
	for i, p := range parts {
		if i > 0 {
			key += "\x00"
		}
		key += fmt.Sprint(p)
	}
	return WaitKey{Code: code, Key: key}
}

type result struct {
	value any
	err   error
}

type pendingWait struct {
	resultCh chan result
	once     sync.Once
}

// Waiter is safe for concurrent use.
type Waiter struct {
	mu      sync.Mutex
	pending map[WaitKey]*pendingWait
}

// New creates an empty Waiter.
func New() *Waiter {
	return &Waiter{pending: make(map[WaitKey]*pendingWait)}
}

func (w *Waiter) register(key WaitKey) (*pendingWait, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.pending[key]; exists {
		return nil, fmt.Errorf("waiter: key %s already has a pending wait", key)
	}

	pw := &pendingWait{resultCh: make(chan result, 1)}
	w.pending[key] = pw
	return pw, nil
}

func (w *Waiter) remove(key WaitKey, pw *pendingWait) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cur, ok := w.pending[key]; ok && cur == pw {
		delete(w.pending, key)
	}
}

// Wait registers a one-shot rendezvous for key and blocks until Complete,
// Throw, timeout (when timeout > 0), or ctx cancellation. Use
// WaitIndefinitely to skip the timeout.
func Wait[T any](ctx context.Context, w *Waiter, key WaitKey, timeout time.Duration) (T, error) {
	var zero T

	pw, err := w.register(key)
	if err != nil {
		return zero, err
	}

	correlationID := uuid.NewString()
	logrus.WithFields(logrus.Fields{
		"function":       "waiter.Wait",
		"key":            key.String(),
		"correlation_id": correlationID,
		"timeout":        timeout,
	}).Debug("wait registered")

	var timerCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerCh = timer.C
	}

	select {
	case res := <-pw.resultCh:
		w.remove(key, pw)
		if res.err != nil {
			logrus.WithFields(logrus.Fields{
				"function":       "waiter.Wait",
				"key":            key.String(),
				"correlation_id": correlationID,
				"error":          res.err.Error(),
			}).Debug("wait thrown")
			return zero, res.err
		}
		v, ok := res.value.(T)
		if !ok {
			return zero, fmt.Errorf("waiter: value for key %s has unexpected type %T", key, res.value)
		}
		logrus.WithFields(logrus.Fields{
			"function":       "waiter.Wait",
			"key":            key.String(),
			"correlation_id": correlationID,
		}).Debug("wait completed")
		return v, nil

	case <-timerCh:
		w.remove(key, pw)
		logrus.WithFields(logrus.Fields{
			"function":       "waiter.Wait",
			"key":            key.String(),
			"correlation_id": correlationID,
		}).Debug("wait timed out")
		return zero, &slskerr.TimeoutError{Operation: key.Code}

	case <-ctx.Done():
		w.remove(key, pw)
		logrus.WithFields(logrus.Fields{
			"function":       "waiter.Wait",
			"key":            key.String(),
			"correlation_id": correlationID,
		}).Debug("wait cancelled")
		return zero, &slskerr.CancelledError{}
	}
}

// WaitIndefinitely is Wait without a timeout.
func WaitIndefinitely[T any](ctx context.Context, w *Waiter, key WaitKey) (T, error) {
	return Wait[T](ctx, w, key, 0)
}

// Complete delivers value to the single waiter registered under key. If no
// waiter is registered, the completion is dropped silently: spurious
// completions are expected and harmless.
func (w *Waiter) Complete(key WaitKey, value any) {
	w.TryComplete(key, value)
}

// TryComplete is Complete, reporting whether a waiter was actually
// registered under key. Callers that must tell "this fulfilled a wait the
// local side already registered" apart from "nobody was waiting, so this
// must be unsolicited" (e.g. distinguishing a peer's follow-up
// TransferRequest for a download we initiated from a genuinely new inbound
// request) use the return value to branch; Complete itself is for callers
// that only care about delivery.
func (w *Waiter) TryComplete(key WaitKey, value any) bool {
	w.mu.Lock()
	pw, ok := w.pending[key]
	if ok {
		delete(w.pending, key)
	}
	w.mu.Unlock()

	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "waiter.Complete",
			"key":      key.String(),
		}).Debug("spurious completion dropped, no pending wait")
		return false
	}

	pw.once.Do(func() {
		pw.resultCh <- result{value: value}
	})
	return true
}

// Throw fails the waiter registered under key with err. Spurious throws
// (no waiter registered) are dropped silently.
func (w *Waiter) Throw(key WaitKey, err error) {
	w.mu.Lock()
	pw, ok := w.pending[key]
	if ok {
		delete(w.pending, key)
	}
	w.mu.Unlock()

	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "waiter.Throw",
			"key":      key.String(),
		}).Debug("spurious throw dropped, no pending wait")
		return
	}

	pw.once.Do(func() {
		pw.resultCh <- result{err: err}
	})
}
