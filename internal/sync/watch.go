package sync

import (
	"context"
	"log/slog"
	"time"
)

// Backoff for consecutive failed syncs in watch mode. Interval ticks are
// skipped until the backoff elapses; reconnect signals always sync.
const (
	backoffThreshold = 3
	backoffMaxCap    = 15 * time.Minute
)

// backoffSteps maps consecutive failure counts (starting at the threshold)
// to their backoff durations: 3→30s, 4→2m, 5→5m, 6+→15m.
var backoffSteps = []time.Duration{
	30 * time.Second,
	2 * time.Minute,
	5 * time.Minute,
	backoffMaxCap,
}

// backoffDuration returns the backoff for the given number of consecutive
// failed syncs. Returns 0 below backoffThreshold.
func backoffDuration(failures int) time.Duration {
	if failures < backoffThreshold {
		return 0
	}

	idx := failures - backoffThreshold
	if idx >= len(backoffSteps) {
		return backoffMaxCap
	}

	return backoffSteps[idx]
}

// Watch syncs once at start, then whenever reconnect fires and, when
// interval is positive, on every tick. Returns nil when ctx is canceled.
func (o *Orchestrator) Watch(ctx context.Context, reconnect <-chan struct{}, interval time.Duration) error {
	var tick <-chan time.Time

	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		tick = ticker.C
	}

	o.logger.Info("sync watch started", slog.Duration("interval", interval))

	var (
		failures  int
		holdUntil time.Time
	)

	syncNow := func(reason string) {
		rep, err := o.Sync(ctx)
		if err != nil || rep == nil || rep.Skipped {
			return
		}

		if rep.Failed == 0 {
			failures = 0
			holdUntil = time.Time{}

			return
		}

		failures++

		if d := backoffDuration(failures); d > 0 {
			holdUntil = o.nowFunc().Add(d)

			o.logger.Warn("repeated sync failures, backing off interval syncs",
				slog.String("trigger", reason),
				slog.Int("consecutive_failures", failures),
				slog.Duration("backoff", d),
			)
		}
	}

	syncNow("start")

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("sync watch stopped")
			return nil

		case <-reconnect:
			o.logger.Info("reconnected, syncing")
			syncNow("reconnect")

		case <-tick:
			if o.nowFunc().Before(holdUntil) {
				continue
			}

			syncNow("interval")
		}
	}
}
