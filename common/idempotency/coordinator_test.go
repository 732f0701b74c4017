package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/runloop/common/logger"
)

func newCoordinator() *Coordinator {
	return New(NewMemoryStore(), time.Hour, logger.New("error", "text"))
}

func TestDo_ReplayReturnsPersistedResult(t *testing.T) {
	c := newCoordinator()
	ctx := context.Background()
	calls := 0

	work := func(ctx context.Context) (map[string]any, error) {
		calls++
		return map[string]any{"status": "done", "calls": float64(calls)}, nil
	}

	first, err := c.Do(ctx, "execute:run_1:key_a", work)
	require.NoError(t, err)
	second, err := c.Do(ctx, "execute:run_1:key_a", work)
	require.NoError(t, err)

	assert.Equal(t, 1, calls, "replay must not rerun the work")
	assert.Equal(t, first, second)
}

func TestDo_DistinctKeysRunSeparately(t *testing.T) {
	c := newCoordinator()
	ctx := context.Background()
	calls := 0

	work := func(ctx context.Context) (map[string]any, error) {
		calls++
		return map[string]any{"n": calls}, nil
	}

	_, err := c.Do(ctx, "key_a", work)
	require.NoError(t, err)
	_, err = c.Do(ctx, "key_b", work)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_ConcurrentCallersJoinOneCall(t *testing.T) {
	c := newCoordinator()
	ctx := context.Background()

	var calls int32
	release := make(chan struct{})
	work := func(ctx context.Context) (map[string]any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return map[string]any{"ok": true}, nil
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]map[string]any, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := c.Do(ctx, "shared", work)
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}

	// Give all callers time to pile onto the in-flight call
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, r := range results {
		assert.Equal(t, map[string]any{"ok": true}, r)
	}
}

func TestDo_ErrorsAreNotPersisted(t *testing.T) {
	c := newCoordinator()
	ctx := context.Background()
	calls := 0

	failing := func(ctx context.Context) (map[string]any, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("transient")
		}
		return map[string]any{"recovered": true}, nil
	}

	_, err := c.Do(ctx, "retry_me", failing)
	require.Error(t, err)

	result, err := c.Do(ctx, "retry_me", failing)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "a failed call must be retryable")
	assert.Equal(t, map[string]any{"recovered": true}, result)
}

func TestMemoryStore_SetNXIsFirstWriterWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "k", "first", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, "k", "second", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	val, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "first", val)
}
