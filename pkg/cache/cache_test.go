package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRoundTrip(t *testing.T) {
	m := NewMemory[string]()
	defer m.Close()
	ctx := context.Background()

	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Set(ctx, "k", "v", -1))
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	ok, err := m.Has(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, m.Delete(ctx, "k"))
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory[int](WithCleanupInterval(time.Hour))
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", 42, 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	// Janitor hasn't run; reads must still see the entry as gone.
	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryDefaultTTL(t *testing.T) {
	m := NewMemory[int](WithDefaultTTL(10*time.Millisecond), WithCleanupInterval(time.Hour))
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", 1, 0))
	time.Sleep(30 * time.Millisecond)
	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryClear(t *testing.T) {
	m := NewMemory[int]()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", 1, -1))
	require.NoError(t, m.Set(ctx, "b", 2, -1))
	require.NoError(t, m.Clear(ctx))

	_, err := m.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCloseIdempotent(t *testing.T) {
	m := NewMemory[int]()
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestGetOrSetComputesOnce(t *testing.T) {
	m := NewMemory[string]()
	defer m.Close()
	ctx := context.Background()

	var calls atomic.Int64
	fn := func(context.Context) (string, time.Duration, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return "computed", -1, nil
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := GetOrSet(ctx, m, "stampede", fn)
			assert.NoError(t, err)
			assert.Equal(t, "computed", got)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())

	// Second call hits the cache, no recompute.
	_, err := GetOrSet(ctx, m, "stampede", fn)
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())
}

func TestGetOrSetPropagatesError(t *testing.T) {
	m := NewMemory[string]()
	defer m.Close()

	boom := errors.New("boom")
	_, err := GetOrSet(context.Background(), m, "err-key", func(context.Context) (string, time.Duration, error) {
		return "", 0, boom
	})
	assert.ErrorIs(t, err, boom)

	// Errors are not cached.
	ok, _ := m.Has(context.Background(), "err-key")
	assert.False(t, ok)
}
