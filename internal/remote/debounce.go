package remote

import (
	"context"
	"log/slog"
	"time"
)

// Snapshot debounce defaults.
const (
	DefaultDuplicateWindow = 500 * time.Millisecond
	DefaultBatchWindow     = time.Second
	DefaultBatchDelay      = 800 * time.Millisecond
	DefaultBatchMinDelta   = 1
)

// DebounceOptions tunes snapshot coalescing. Zero fields use the defaults.
type DebounceOptions struct {
	// DuplicateWindow drops a snapshot whose record count equals the
	// previous one when it arrives this soon after the last commit.
	DuplicateWindow time.Duration
	// BatchWindow and BatchMinDelta detect a multi-write batch: a count
	// change of at least BatchMinDelta this soon after the last commit.
	BatchWindow   time.Duration
	BatchMinDelta int
	// BatchDelay defers a batch; every further change re-arms it.
	BatchDelay time.Duration
}

func (o DebounceOptions) withDefaults() DebounceOptions {
	if o.DuplicateWindow <= 0 {
		o.DuplicateWindow = DefaultDuplicateWindow
	}

	if o.BatchWindow <= 0 {
		o.BatchWindow = DefaultBatchWindow
	}

	if o.BatchDelay <= 0 {
		o.BatchDelay = DefaultBatchDelay
	}

	if o.BatchMinDelta <= 0 {
		o.BatchMinDelta = DefaultBatchMinDelta
	}

	return o
}

// debouncer decides which snapshots of one subscription reach commit.
// All decisions and commits run on the goroutine calling run, so commits
// happen strictly in arrival order.
type debouncer struct {
	opts    DebounceOptions
	commit  func(ctx context.Context, s Snapshot)
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for testing

	in chan Snapshot
}

func newDebouncer(opts DebounceOptions, commit func(ctx context.Context, s Snapshot), logger *slog.Logger) *debouncer {
	return &debouncer{
		opts:    opts.withDefaults(),
		commit:  commit,
		logger:  logger,
		nowFunc: time.Now,
		in:      make(chan Snapshot, 16),
	}
}

// submit hands a snapshot to the loop.
func (d *debouncer) submit(ctx context.Context, s Snapshot) {
	select {
	case d.in <- s:
	case <-ctx.Done():
	}
}

// run processes snapshots until ctx is canceled. baseCount is the record
// count already visible (from hydration) and start is treated as the last
// commit, so a burst right after subscribing is coalesced too. A batch
// still deferred at cancellation is discarded.
func (d *debouncer) run(ctx context.Context, baseCount int, start time.Time) {
	timer := time.NewTimer(d.opts.BatchDelay)
	timer.Stop() // idle until a batch is deferred
	defer timer.Stop()

	var (
		lastCommit = start
		prevCount  = baseCount
		first      = true
		pending    *Snapshot
	)

	for {
		select {
		case <-ctx.Done():
			return

		case s := <-d.in:
			now := d.nowFunc()
			count := len(s.Documents)
			delta := abs(count - prevCount)
			prevCount = count
			sinceCommit := now.Sub(lastCommit)
			isFirst := first
			first = false

			if pending != nil {
				pending = &s

				if delta >= d.opts.BatchMinDelta {
					timer.Reset(d.opts.BatchDelay)
				}

				continue
			}

			switch {
			case !isFirst && delta == 0 && sinceCommit < d.opts.DuplicateWindow:
				d.logger.Debug("dropping duplicate snapshot",
					slog.Int("count", count),
					slog.Duration("since_commit", sinceCommit),
				)

			case delta >= d.opts.BatchMinDelta && sinceCommit < d.opts.BatchWindow:
				d.logger.Debug("deferring snapshot batch",
					slog.Int("count", count),
					slog.Int("delta", delta),
				)

				pending = &s
				timer.Reset(d.opts.BatchDelay)

			default:
				d.commit(ctx, s)
				lastCommit = d.nowFunc()
			}

		case <-timer.C:
			if pending == nil {
				continue
			}

			s := *pending
			pending = nil

			d.commit(ctx, s)
			lastCommit = d.nowFunc()
		}
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}

	return n
}
