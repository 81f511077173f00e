package registry

import (
	"testing"

	"github.com/slsk-go/slsk/xfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTransfer(username, filename string, token uint32) *xfer.Transfer {
	return xfer.New(xfer.Download, username, filename, nil, 0, token)
}

func TestInsertAndByToken(t *testing.T) {
	r := New()
	tr := newTransfer("alice", "song.flac", 1)

	require.NoError(t, r.Insert(tr))

	got, ok := r.ByToken(1)
	assert.True(t, ok)
	assert.Same(t, tr, got)
}

func TestInsertRejectsDuplicateUniqueKey(t *testing.T) {
	r := New()
	first := newTransfer("alice", "song.flac", 1)
	second := newTransfer("alice", "song.flac", 2)

	require.NoError(t, r.Insert(first))

	err := r.Insert(second)
	var dupKeyErr *DuplicateUniqueKeyError
	assert.ErrorAs(t, err, &dupKeyErr)

	// The token index must not have been touched by the rejected insert.
	assert.False(t, r.TokenExists(2))
}

func TestInsertRejectsDuplicateTokenAndRollsBackUniqueKey(t *testing.T) {
	r := New()
	first := newTransfer("alice", "song.flac", 1)
	second := newTransfer("bob", "other.flac", 1)

	require.NoError(t, r.Insert(first))

	err := r.Insert(second)
	var dupTokenErr *DuplicateTokenError
	assert.ErrorAs(t, err, &dupTokenErr)

	// second's unique key must have been rolled back, not left dangling.
	third := newTransfer("bob", "other.flac", 2)
	assert.NoError(t, r.Insert(third))
}

func TestReleaseIsIdempotent(t *testing.T) {
	r := New()
	tr := newTransfer("alice", "song.flac", 1)
	require.NoError(t, r.Insert(tr))

	r.Release(tr)
	r.Release(tr)

	assert.False(t, r.TokenExists(1))
	_, ok := r.ByToken(1)
	assert.False(t, ok)
}

func TestInsertRejectsTokenHeldByOtherRegistry(t *testing.T) {
	uploads := New()
	downloads := New()

	uploaded := xfer.New(xfer.Upload, "alice", "song.flac", nil, 0, 9)
	require.NoError(t, uploads.Insert(uploaded))

	downloaded := newTransfer("bob", "other.flac", 9)
	err := downloads.Insert(downloaded, uploads.TokenExists)
	var dupTokenErr *DuplicateTokenError
	assert.ErrorAs(t, err, &dupTokenErr)

	// The rejected insert must not have left the unique key dangling in
	// the download registry either.
	assert.False(t, downloads.TokenExists(9))
	again := xfer.New(xfer.Download, "bob", "other.flac", nil, 0, 10)
	assert.NoError(t, downloads.Insert(again, uploads.TokenExists))
}

func TestTokenExists(t *testing.T) {
	r := New()
	assert.False(t, r.TokenExists(5))

	tr := newTransfer("alice", "song.flac", 5)
	require.NoError(t, r.Insert(tr))

	assert.True(t, r.TokenExists(5))
}
