package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a settable clock for TTL tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func newTestDedup() (*Deduplicator, *fakeClock) {
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	d := NewDeduplicator(5*time.Second, time.Minute, discardLogger())
	d.nowFunc = clock.Now

	return d, clock
}

func TestGet_ConcurrentCallsFetchOnce(t *testing.T) {
	t.Parallel()

	d, _ := newTestDedup()

	var calls atomic.Int32

	release := make(chan struct{})
	fetch := func(context.Context) (any, error) {
		calls.Add(1)
		<-release

		return "value", nil
	}

	var wg sync.WaitGroup

	results := make([]any, 2)

	for i := range 2 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			v, err := d.Get(t.Context(), "k", fetch, 0)
			assert.NoError(t, err)
			results[i] = v
		}()
	}

	require.Eventually(t, func() bool { return d.Stats().ActiveQueries == 1 }, time.Second, time.Millisecond)
	// Let the second caller reach the in-flight fetch before releasing it.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []any{"value", "value"}, results)
}

func TestGet_ServesFromCacheWithinTTL(t *testing.T) {
	t.Parallel()

	d, clock := newTestDedup()

	var calls int

	fetch := func(context.Context) (any, error) {
		calls++
		return calls, nil
	}

	v, err := d.Get(t.Context(), "k", fetch, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	clock.Advance(4 * time.Second)

	v, err = d.Get(t.Context(), "k", fetch, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	clock.Advance(2 * time.Second)

	v, err = d.Get(t.Context(), "k", fetch, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, v, "expired entry refetched")
}

func TestGet_ErrorsAreNotCached(t *testing.T) {
	t.Parallel()

	d, _ := newTestDedup()
	boom := errors.New("boom")

	_, err := d.Get(t.Context(), "k", func(context.Context) (any, error) { return nil, boom }, 0)
	require.ErrorIs(t, err, boom)

	stats := d.Stats()
	assert.Equal(t, 0, stats.TotalQueries)
	assert.Equal(t, 0, stats.ActiveQueries)

	v, err := d.Get(t.Context(), "k", func(context.Context) (any, error) { return "ok", nil }, 0)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestInvalidate(t *testing.T) {
	t.Parallel()

	d, _ := newTestDedup()
	ctx := t.Context()

	for _, k := range []string{"items:a", "items:b", "receipts:a"} {
		_, err := d.Get(ctx, k, func(context.Context) (any, error) { return k, nil }, 0)
		require.NoError(t, err)
	}

	d.Invalidate("items:a")
	assert.Equal(t, 2, d.Stats().TotalQueries)

	d.InvalidatePrefix("items:")
	assert.Equal(t, 1, d.Stats().TotalQueries)

	d.InvalidateAll()
	assert.Equal(t, 0, d.Stats().TotalQueries)
}

func TestInvalidate_DuringFetchDropsResult(t *testing.T) {
	t.Parallel()

	d, _ := newTestDedup()

	started := make(chan struct{})
	release := make(chan struct{})

	done := make(chan struct{})

	go func() {
		defer close(done)

		_, err := d.Get(t.Context(), "k", func(context.Context) (any, error) {
			close(started)
			<-release

			return "old", nil
		}, 0)
		assert.NoError(t, err)
	}()

	<-started
	d.Invalidate("k")
	close(release)
	<-done

	assert.Equal(t, 0, d.Stats().TotalQueries)
}

func TestSweepAndStats(t *testing.T) {
	t.Parallel()

	d, clock := newTestDedup()
	ctx := t.Context()

	_, err := d.Get(ctx, "short", func(context.Context) (any, error) { return 1, nil }, time.Second)
	require.NoError(t, err)
	_, err = d.Get(ctx, "long", func(context.Context) (any, error) { return 2, nil }, time.Hour)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)

	assert.Equal(t, Stats{TotalQueries: 2, StaleQueries: 1}, d.Stats())
	assert.Equal(t, 1, d.Sweep())
	assert.Equal(t, Stats{TotalQueries: 1}, d.Stats())
}

func TestFetch_Typed(t *testing.T) {
	t.Parallel()

	d, _ := newTestDedup()

	n, err := Fetch(t.Context(), d, "n", 0, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	_, err = Fetch(t.Context(), d, "n", 0, func(context.Context) (string, error) { return "x", nil })
	assert.Error(t, err, "cached value has a different type")
}

func TestGet_CallerCancelDoesNotBlock(t *testing.T) {
	t.Parallel()

	d, _ := newTestDedup()

	release := make(chan struct{})
	defer close(release)

	go func() {
		_, _ = d.Get(context.Background(), "slow", func(context.Context) (any, error) {
			<-release
			return nil, nil
		}, 0)
	}()

	require.Eventually(t, func() bool { return d.Stats().ActiveQueries == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := d.Get(ctx, "slow", func(context.Context) (any, error) { return nil, nil }, 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestGet_JoinerSurvivesFirstCallerCancel(t *testing.T) {
	t.Parallel()

	d, _ := newTestDedup()

	var calls atomic.Int32

	release := make(chan struct{})
	fetch := func(ctx context.Context) (any, error) {
		calls.Add(1)

		select {
		case <-release:
			return "value", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	firstCtx, cancelFirst := context.WithCancel(t.Context())
	firstDone := make(chan error, 1)

	go func() {
		_, err := d.Get(firstCtx, "k", fetch, 0)
		firstDone <- err
	}()

	require.Eventually(t, func() bool { return d.Stats().ActiveQueries == 1 }, time.Second, time.Millisecond)

	joinerDone := make(chan any, 1)

	go func() {
		v, err := d.Get(t.Context(), "k", fetch, 0)
		assert.NoError(t, err)
		joinerDone <- v
	}()

	cancelFirst()
	require.ErrorIs(t, <-firstDone, context.Canceled)

	close(release)

	select {
	case v := <-joinerDone:
		assert.Equal(t, "value", v)
	case <-time.After(time.Second):
		require.FailNow(t, "joiner did not receive the shared result")
	}

	assert.Equal(t, int32(1), calls.Load())
}

func TestGet_StaleFetchKeepsNewerInflightMarker(t *testing.T) {
	t.Parallel()

	d, _ := newTestDedup()

	releaseOld := make(chan struct{})
	releaseNew := make(chan struct{})
	oldDone := make(chan struct{})
	newDone := make(chan struct{})

	go func() {
		defer close(oldDone)

		_, _ = d.Get(t.Context(), "k", func(context.Context) (any, error) {
			<-releaseOld
			return "old", nil
		}, 0)
	}()

	require.Eventually(t, func() bool { return d.Stats().ActiveQueries == 1 }, time.Second, time.Millisecond)

	// Invalidate forgets the running fetch, so the next Get starts a new one.
	d.Invalidate("k")

	var newStarted atomic.Bool

	go func() {
		defer close(newDone)

		_, _ = d.Get(t.Context(), "k", func(context.Context) (any, error) {
			newStarted.Store(true)
			<-releaseNew

			return "new", nil
		}, 0)
	}()

	require.Eventually(t, newStarted.Load, time.Second, time.Millisecond)

	close(releaseOld)
	<-oldDone

	assert.Equal(t, 1, d.Stats().ActiveQueries, "newer fetch is still in flight")

	close(releaseNew)
	<-newDone

	assert.Equal(t, 0, d.Stats().ActiveQueries)

	v, err := d.Get(t.Context(), "k", func(context.Context) (any, error) { return "refetched", nil }, 0)
	require.NoError(t, err)
	assert.Equal(t, "new", v)
}
