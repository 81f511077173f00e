package governor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnboundedBucketGrantsImmediately(t *testing.T) {
	tb := New(0)
	defer tb.Close()

	n, err := tb.Get(context.Background(), 1<<20)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20), n)
}

func TestBoundedBucketCapsGrantToAvailable(t *testing.T) {
	tb := New(100)
	defer tb.Close()

	n, err := tb.Get(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), n)

	n, err = tb.Get(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), n)
}

func TestReturnCreditsBackBudget(t *testing.T) {
	tb := New(100)
	defer tb.Close()

	n, err := tb.Get(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), n)

	tb.Return(40)

	n, err = tb.Get(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), n)
}

func TestGetBlocksUntilRefill(t *testing.T) {
	tb := New(1000)
	defer tb.Close()

	_, err := tb.Get(context.Background(), 1000)
	require.NoError(t, err)

	start := time.Now()
	n, err := tb.Get(context.Background(), 10)
	require.NoError(t, err)
	assert.Greater(t, n, uint64(0))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestGetReturnsOnContextCancellation(t *testing.T) {
	tb := New(1)
	defer tb.Close()

	_, err := tb.Get(context.Background(), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = tb.Get(ctx, 100)
	assert.Error(t, err)
}

func TestGetReturnsErrClosedAfterClose(t *testing.T) {
	tb := New(1)
	tb.Close()

	_, err := tb.Get(context.Background(), 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestUpdateRateChangesCapacity(t *testing.T) {
	tb := New(10)
	defer tb.Close()

	tb.UpdateRate(1000)

	n, err := tb.Get(context.Background(), 1000)
	require.NoError(t, err)
	assert.LessOrEqual(t, n, uint64(1000))
}
