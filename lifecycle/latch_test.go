package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatch_SignalOnce(t *testing.T) {
	l := NewLatch("started")
	assert.Equal(t, "started", l.Name())
	assert.False(t, l.IsSet())
	_, set := l.Value()
	assert.False(t, set)

	assert.True(t, l.Signal(false))
	assert.False(t, l.Signal(true), "later signals are ignored")

	ok, set := l.Value()
	assert.True(t, set)
	assert.False(t, ok)
	assert.True(t, l.IsSet())
}

func TestLatch_WaitersSeeSameValue(t *testing.T) {
	l := NewLatch("provisioned")

	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := l.Wait(context.Background())
			assert.NoError(t, err)
			results[i] = ok
		}(i)
	}

	l.Signal(true)
	wg.Wait()
	for _, ok := range results {
		assert.True(t, ok)
	}

	ok, err := l.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, ok, "late waiters return at once")
}

func TestLatch_WaitContext(t *testing.T) {
	l := NewLatch("stopped")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	ok, err := l.Wait(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
