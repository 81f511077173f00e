package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextNeverReturnsZero(t *testing.T) {
	a, err := NewTokenAllocator()
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		assert.NotEqual(t, uint32(0), a.Next())
	}
}

func TestNextSkipsTakenTokens(t *testing.T) {
	taken := make(map[uint32]bool)
	exists := func(token uint32) bool { return taken[token] }

	a, err := NewTokenAllocator(exists)
	require.NoError(t, err)

	first := a.Next()
	taken[first+1] = true

	second := a.Next()
	assert.NotEqual(t, first+1, second)
}

func TestNextConsultsAllExistsFuncs(t *testing.T) {
	var downloadTaken, uploadTaken map[uint32]bool
	downloadTaken = map[uint32]bool{}
	uploadTaken = map[uint32]bool{}

	a, err := NewTokenAllocator(
		func(tok uint32) bool { return downloadTaken[tok] },
		func(tok uint32) bool { return uploadTaken[tok] },
	)
	require.NoError(t, err)

	first := a.Next()
	uploadTaken[first+1] = true

	second := a.Next()
	assert.NotEqual(t, first+1, second)
}
