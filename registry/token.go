package registry

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// ExistsFunc reports whether a candidate token is already tracked by some
// registry. TokenAllocator consults every supplied ExistsFunc so a token
// chosen for a download can never collide with an in-flight upload and
// vice versa: at most one active Transfer may hold a given token across
// both directions.
type ExistsFunc func(token uint32) bool

// TokenAllocator hands out locally-chosen 32-bit transfer tokens from a
// monotonic counter, skipping any value already present in one of the
// registries it was built with. The counter's starting point is derived
// from secure randomness rather than zero, so a remote peer cannot predict
// the next token this process will choose (it only ever learns tokens for
// transfers it participates in).
type TokenAllocator struct {
	mu      sync.Mutex
	counter uint32
	exists  []ExistsFunc
}

// NewTokenAllocator seeds the counter from crypto/rand via blake2b and
// returns an allocator that treats token as unavailable if any of exists
// reports true for it.
func NewTokenAllocator(exists ...ExistsFunc) (*TokenAllocator, error) {
	var seedInput [32]byte
	if _, err := rand.Read(seedInput[:]); err != nil {
		return nil, err
	}

	digest := blake2b.Sum256(seedInput[:])
	seed := binary.LittleEndian.Uint32(digest[:4])

	return &TokenAllocator{counter: seed, exists: exists}, nil
}

// Next returns the next available token, skipping any value currently
// tracked by one of the allocator's registries.
func (a *TokenAllocator) Next() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	for {
		a.counter++
		candidate := a.counter
		if candidate == 0 {
			continue
		}
		if !a.isTaken(candidate) {
			return candidate
		}
	}
}

func (a *TokenAllocator) isTaken(candidate uint32) bool {
	for _, fn := range a.exists {
		if fn(candidate) {
			return true
		}
	}
	return false
}
