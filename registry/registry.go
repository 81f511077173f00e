// Package registry tracks active transfers process-wide by token and by
// uniqueness key, enforcing the no-duplicate invariants a transfer core
// depends on: token uniqueness spans both directions, while the unique key
// only conflicts within matching (direction, username, filename), so the
// two indexes are kept independent rather than folded into one map.
package registry

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/slsk-go/slsk/xfer"
)

// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	byToken  map[uint32]*xfer.Transfer
	byUnique map[string]*xfer.Transfer
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byToken:  make(map[uint32]*xfer.Transfer),
		byUnique: make(map[string]*xfer.Transfer),
	}
}

// TokenExists reports whether token is already tracked.
func (r *Registry) TokenExists(token uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byToken[token]
	return ok
}

// Insert admits t into both indexes. It checks the unique key first; on
// collision it returns a *DuplicateUniqueKeyError without touching either
// index. If the unique key is free but the token is already taken — in
// this Registry, or in another direction's Registry via one of
// otherTokenExists — nothing is inserted and a *DuplicateTokenError is
// returned. Both indexes are written only once both checks pass.
//
// otherTokenExists lets a caller wire in the sibling registry's TokenExists
// (download passes upload's, upload passes download's) so token uniqueness
// is enforced across both directions. Each fn is consulted before either
// index is touched, so no lock is ever held across a call into another
// Registry's mutex.
func (r *Registry) Insert(t *xfer.Transfer, otherTokenExists ...ExistsFunc) error {
	for _, fn := range otherTokenExists {
		if fn != nil && fn(t.Token) {
			logrus.WithFields(logrus.Fields{
				"function": "Registry.Insert",
				"token":    t.Token,
			}).Warn("duplicate token rejected (other direction)")
			return &DuplicateTokenError{Token: t.Token}
		}
	}

	key := t.UniqueKey()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byUnique[key]; exists {
		logrus.WithFields(logrus.Fields{
			"function":   "Registry.Insert",
			"unique_key": key,
		}).Warn("duplicate transfer rejected")
		return &DuplicateUniqueKeyError{Username: t.Username, Filename: t.Filename}
	}

	if _, exists := r.byToken[t.Token]; exists {
		logrus.WithFields(logrus.Fields{
			"function": "Registry.Insert",
			"token":    t.Token,
		}).Warn("duplicate token rejected")
		return &DuplicateTokenError{Token: t.Token}
	}

	r.byUnique[key] = t
	r.byToken[t.Token] = t

	logrus.WithFields(logrus.Fields{
		"function":   "Registry.Insert",
		"token":      t.Token,
		"unique_key": key,
	}).Info("transfer registered")

	return nil
}

// Release removes t from both indexes. Safe to call more than once; only
// the first call has effect, so multiple cleanup code paths can race to
// call it without double-releasing.
func (r *Registry) Release(t *xfer.Transfer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := t.UniqueKey()
	delete(r.byUnique, key)
	delete(r.byToken, t.Token)

	logrus.WithFields(logrus.Fields{
		"function":   "Registry.Release",
		"token":      t.Token,
		"unique_key": key,
	}).Info("transfer released")
}

// ByToken returns the transfer registered under token, if any.
func (r *Registry) ByToken(token uint32) (*xfer.Transfer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byToken[token]
	return t, ok
}

// DuplicateTokenError reports that a caller-supplied token is already in use.
type DuplicateTokenError struct {
	Token uint32
}

func (e *DuplicateTokenError) Error() string {
	return fmt.Sprintf("token %d already in use", e.Token)
}

// DuplicateUniqueKeyError reports a duplicate active/queued transfer.
type DuplicateUniqueKeyError struct {
	Username string
	Filename string
}

func (e *DuplicateUniqueKeyError) Error() string {
	return fmt.Sprintf("An active or queued download of %s from %s is already in progress", e.Filename, e.Username)
}
