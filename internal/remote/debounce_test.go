package remote

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/tillsync/internal/record"
)

type commitRecorder struct {
	mu      sync.Mutex
	commits []Snapshot
}

func (c *commitRecorder) commit(_ context.Context, s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.commits = append(c.commits, s)
}

func (c *commitRecorder) counts() []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]int, len(c.commits))
	for i, s := range c.commits {
		out[i] = len(s.Documents)
	}

	return out
}

func snapshotOf(n int) Snapshot {
	docs := make([]record.Doc, n)
	for i := range docs {
		docs[i] = record.Doc{"id": string(rune('a' + i))}
	}

	return Snapshot{Documents: docs}
}

func startDebouncer(t *testing.T, opts DebounceOptions, base int, start time.Time) (*debouncer, *commitRecorder) {
	t.Helper()

	rec := &commitRecorder{}
	d := newDebouncer(opts, rec.commit, testLogger(t))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})

	go func() {
		defer close(done)
		d.run(ctx, base, start)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return d, rec
}

func TestDebouncer_BurstCoalescesIntoOneCommit(t *testing.T) {
	d, rec := startDebouncer(t, DebounceOptions{}, 0, time.Now())
	ctx := t.Context()

	d.submit(ctx, snapshotOf(1))
	time.Sleep(100 * time.Millisecond)
	d.submit(ctx, snapshotOf(2))
	time.Sleep(100 * time.Millisecond)
	d.submit(ctx, snapshotOf(3))

	require.Eventually(t, func() bool { return len(rec.counts()) == 1 }, 3*time.Second, 10*time.Millisecond)

	time.Sleep(DefaultBatchDelay + 200*time.Millisecond)
	assert.Equal(t, []int{3}, rec.counts(), "only the final snapshot of the burst is committed")
}

func TestDebouncer_DropsDuplicateCount(t *testing.T) {
	opts := DebounceOptions{
		DuplicateWindow: 200 * time.Millisecond,
		BatchWindow:     300 * time.Millisecond,
		BatchDelay:      50 * time.Millisecond,
	}

	d, rec := startDebouncer(t, opts, 0, time.Now().Add(-time.Hour))
	ctx := t.Context()

	d.submit(ctx, snapshotOf(2))
	require.Eventually(t, func() bool { return len(rec.counts()) == 1 }, time.Second, 5*time.Millisecond)

	d.submit(ctx, snapshotOf(2))
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, []int{2}, rec.counts())
}

func TestDebouncer_FirstSnapshotIsNeverDropped(t *testing.T) {
	d, rec := startDebouncer(t, DebounceOptions{}, 4, time.Now())

	d.submit(t.Context(), snapshotOf(4))

	require.Eventually(t, func() bool { return len(rec.counts()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{4}, rec.counts())
}

func TestDebouncer_SameCountAfterWindowCommits(t *testing.T) {
	opts := DebounceOptions{
		DuplicateWindow: 30 * time.Millisecond,
		BatchWindow:     30 * time.Millisecond,
		BatchDelay:      10 * time.Millisecond,
	}

	d, rec := startDebouncer(t, opts, 0, time.Now().Add(-time.Hour))
	ctx := t.Context()

	d.submit(ctx, snapshotOf(1))
	require.Eventually(t, func() bool { return len(rec.counts()) == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	d.submit(ctx, snapshotOf(1))

	require.Eventually(t, func() bool { return len(rec.counts()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestDebouncer_CancelDiscardsPendingBatch(t *testing.T) {
	rec := &commitRecorder{}
	d := newDebouncer(DebounceOptions{BatchDelay: time.Hour}, rec.commit, testLogger(t))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})

	go func() {
		defer close(done)
		d.run(ctx, 0, time.Now())
	}()

	d.submit(ctx, snapshotOf(5))
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	assert.Empty(t, rec.counts())
}

func TestDebounceOptions_Defaults(t *testing.T) {
	o := DebounceOptions{}.withDefaults()

	assert.Equal(t, DefaultDuplicateWindow, o.DuplicateWindow)
	assert.Equal(t, DefaultBatchWindow, o.BatchWindow)
	assert.Equal(t, DefaultBatchDelay, o.BatchDelay)
	assert.Equal(t, DefaultBatchMinDelta, o.BatchMinDelta)
}
