package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_MinDelayEnforced(t *testing.T) {
	r := NewRegistry(map[string]GateConfig{
		"slow": {MinDelay: 50 * time.Millisecond},
	})

	ctx := context.Background()
	start := time.Now()
	require.NoError(t, r.Acquire(ctx, "slow"))
	require.NoError(t, r.Acquire(ctx, "slow"))
	require.NoError(t, r.Acquire(ctx, "slow"))
	elapsed := time.Since(start)

	// Three acquires need at least two full delay windows.
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
}

func TestRegistry_ZeroDelayNoWait(t *testing.T) {
	r := NewRegistry(map[string]GateConfig{
		"fast": {MinDelay: 0},
	})

	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, r.Acquire(context.Background(), "fast"))
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRegistry_ConcurrencyCapActsAsMutex(t *testing.T) {
	// min_delay=0 with cap=1 behaves like a mutex with zero wait.
	r := NewRegistry(map[string]GateConfig{
		"capped": {MinDelay: 0, MaxConcurrent: 1},
	})

	var (
		mu       sync.Mutex
		inFlight int
		maxSeen  int
		wg       sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, r.Acquire(context.Background(), "capped"))
			mu.Lock()
			inFlight++
			if inFlight > maxSeen {
				maxSeen = inFlight
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			r.Release("capped")
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestRegistry_UnknownProviderGetsDefault(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Acquire(context.Background(), "never-heard-of-it"))

	stats := r.Snapshot()
	require.Contains(t, stats, "never-heard-of-it")
	assert.Equal(t, DefaultMinDelay, stats["never-heard-of-it"].MinDelay)
}

func TestRegistry_UpdateLimits(t *testing.T) {
	r := NewRegistry(map[string]GateConfig{
		"p": {MinDelay: time.Hour},
	})

	zero := time.Duration(0)
	r.UpdateLimits("p", &zero, nil)

	// With the delay removed, back-to-back acquires are immediate.
	start := time.Now()
	require.NoError(t, r.Acquire(context.Background(), "p"))
	require.NoError(t, r.Acquire(context.Background(), "p"))
	assert.Less(t, time.Since(start), time.Second)

	maxConc := 2
	r.UpdateLimits("p", nil, &maxConc)
	assert.Equal(t, 2, r.Snapshot()["p"].MaxConcurrent)
}

func TestRegistry_AcquireCancellable(t *testing.T) {
	r := NewRegistry(map[string]GateConfig{
		"glacial": {MinDelay: time.Hour},
	})
	require.NoError(t, r.Acquire(context.Background(), "glacial"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Acquire(ctx, "glacial")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegistry_CaseInsensitiveProviders(t *testing.T) {
	r := NewRegistry(map[string]GateConfig{
		"OpenAI": {MinDelay: 123 * time.Millisecond},
	})
	stats := r.Snapshot()
	require.Contains(t, stats, "openai")

	require.NoError(t, r.Acquire(context.Background(), "OPENAI"))
	assert.Len(t, r.Snapshot(), 1, "case variants must share one gate")
}
