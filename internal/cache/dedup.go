// Package cache holds the in-memory read deduplicator (a TTL cache in front
// of in-flight request coalescing) and the persisted snapshot cache that
// the remote adapter falls back to when its circuit breaker is open.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Default timings for the read deduplicator.
const (
	DefaultTTL           = 5 * time.Second
	DefaultSweepInterval = 30 * time.Second
)

// FetchFunc loads the value for a cache miss.
type FetchFunc func(ctx context.Context) (any, error)

type entry struct {
	data      any
	timestamp time.Time
	ttl       time.Duration
}

func (e entry) fresh(now time.Time) bool {
	return now.Sub(e.timestamp) < e.ttl
}

// Stats is a point-in-time view of the deduplicator.
type Stats struct {
	TotalQueries  int `json:"totalQueries"`
	ActiveQueries int `json:"activeQueries"`
	StaleQueries  int `json:"staleQueries"`
}

// Deduplicator coalesces concurrent reads of the same key into one fetch
// and serves repeated reads from memory until the entry's TTL elapses.
type Deduplicator struct {
	mu      sync.Mutex
	entries map[string]entry
	// inflight maps a key to the token of the fetch running for it.
	inflight  map[string]uint64
	nextToken uint64
	// epoch advances on every invalidation so a fetch that started before
	// it does not cache a result the caller already asked to discard.
	epoch uint64

	group         singleflight.Group
	ttl           time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger
	nowFunc       func() time.Time
}

// NewDeduplicator creates a Deduplicator. Non-positive durations select
// the defaults.
func NewDeduplicator(ttl, sweepInterval time.Duration, logger *slog.Logger) *Deduplicator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}

	return &Deduplicator{
		entries:       make(map[string]entry),
		inflight:      make(map[string]uint64),
		ttl:           ttl,
		sweepInterval: sweepInterval,
		logger:        logger,
		nowFunc:       time.Now,
	}
}

// Get returns the cached value for key if it is within its TTL. Otherwise
// it joins an in-flight fetch for the same key, or starts one. Successful
// results are cached for ttl (zero selects the default); failures are not
// cached and the in-flight marker is always cleared.
func (d *Deduplicator) Get(ctx context.Context, key string, fetch FetchFunc, ttl time.Duration) (any, error) {
	if ttl <= 0 {
		ttl = d.ttl
	}

	d.mu.Lock()
	if e, ok := d.entries[key]; ok && e.fresh(d.nowFunc()) {
		d.mu.Unlock()
		return e.data, nil
	}
	d.mu.Unlock()

	// The fetch is shared by every joiner, so one caller's cancellation
	// must not fail the others; each caller still stops waiting on its own
	// ctx below.
	fetchCtx := context.WithoutCancel(ctx)

	ch := d.group.DoChan(key, func() (any, error) {
		d.mu.Lock()
		d.nextToken++
		token := d.nextToken
		d.inflight[key] = token
		epoch := d.epoch
		d.mu.Unlock()

		defer func() {
			d.mu.Lock()
			if d.inflight[key] == token {
				delete(d.inflight, key)
			}
			d.mu.Unlock()
		}()

		data, err := fetch(fetchCtx)
		if err != nil {
			return nil, err
		}

		d.mu.Lock()
		if d.epoch == epoch {
			d.entries[key] = entry{data: data, timestamp: d.nowFunc(), ttl: ttl}
		}
		d.mu.Unlock()

		return data, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		return res.Val, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("cache: waiting for %s: %w", key, ctx.Err())
	}
}

// Fetch is the typed form of Get.
func Fetch[T any](ctx context.Context, d *Deduplicator, key string, ttl time.Duration,
	fetch func(ctx context.Context) (T, error),
) (T, error) {
	v, err := d.Get(ctx, key, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	}, ttl)
	if err != nil {
		var zero T
		return zero, err
	}

	t, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("cache: %s holds %T", key, v)
	}

	return t, nil
}

// Invalidate evicts one key.
func (d *Deduplicator) Invalidate(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.entries, key)
	d.group.Forget(key)
	d.epoch++
}

// InvalidatePrefix evicts every key starting with prefix. Writes to a
// collection use it to drop all cached queries over that collection.
func (d *Deduplicator) InvalidatePrefix(prefix string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for k := range d.entries {
		if strings.HasPrefix(k, prefix) {
			delete(d.entries, k)
		}
	}

	for k := range d.inflight {
		if strings.HasPrefix(k, prefix) {
			d.group.Forget(k)
		}
	}

	d.epoch++
}

// InvalidateAll evicts every entry.
func (d *Deduplicator) InvalidateAll() {
	d.mu.Lock()
	defer d.mu.Unlock()

	clear(d.entries)

	for k := range d.inflight {
		d.group.Forget(k)
	}

	d.epoch++
}

// Sweep purges entries past their TTL and returns how many it removed.
func (d *Deduplicator) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.nowFunc()
	removed := 0

	for k, e := range d.entries {
		if !e.fresh(now) {
			delete(d.entries, k)
			removed++
		}
	}

	return removed
}

// Run sweeps expired entries every sweep interval until ctx is canceled.
func (d *Deduplicator) Run(ctx context.Context) {
	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := d.Sweep(); n > 0 {
				d.logger.Debug("cache sweep", slog.Int("expired", n))
			}
		}
	}
}

// Stats reports cached, in-flight, and expired-but-unswept entry counts.
func (d *Deduplicator) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.nowFunc()
	s := Stats{TotalQueries: len(d.entries), ActiveQueries: len(d.inflight)}

	for _, e := range d.entries {
		if !e.fresh(now) {
			s.StaleQueries++
		}
	}

	return s
}
