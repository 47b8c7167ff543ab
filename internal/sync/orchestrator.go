// Package sync replays pending optimistic updates against the remote store.
// The Orchestrator is the only component that drains the queue; it runs on
// demand, on reconnect signals, and on an optional interval.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/tillsync/internal/optimistic"
	"github.com/tonimelisma/tillsync/internal/record"
)

// DefaultReplayWorkers bounds how many documents replay concurrently.
const DefaultReplayWorkers = 4

// Queue is the optimistic update queue as seen by the orchestrator.
type Queue interface {
	PendingByDocument() [][]*optimistic.Update
	Commit(ctx context.Context, id string, confirmed *record.Record) error
	Fail(ctx context.Context, id string, cause error) error
}

// Connectivity reports whether the remote store is reachable and receives
// the outcome of each sync.
type Connectivity interface {
	IsConnected() bool
	MarkSynced(at time.Time)
	MarkSyncFailed()
}

// OrchestratorConfig holds the inputs for creating an Orchestrator.
type OrchestratorConfig struct {
	Queue      Queue
	Replayer   optimistic.Replayer
	Connection Connectivity
	// Workers bounds concurrent document replays. Zero uses the default.
	Workers int
	Logger  *slog.Logger
}

// Phase identifies a progress event.
type Phase string

// Progress phases.
const (
	PhaseStarted   Phase = "started"
	PhaseReplayed  Phase = "replayed"
	PhaseCompleted Phase = "completed"
)

// Progress is delivered to sync listeners.
type Progress struct {
	Phase  Phase `json:"phase"`
	Total  int   `json:"total"`
	Done   int   `json:"done"`
	Failed int   `json:"failed"`
}

// ProgressFunc receives progress events. Calls are serialized.
type ProgressFunc func(Progress)

// Metrics accumulates sync round-trip statistics. AverageDuration is a
// plain running mean over every completed sync.
type Metrics struct {
	TotalSyncs      int           `json:"totalSyncs"`
	FailedSyncs     int           `json:"failedSyncs"`
	AverageDuration time.Duration `json:"averageDuration"`
	LastDuration    time.Duration `json:"lastDuration"`
	LastSyncAt      time.Time     `json:"lastSyncAt,omitzero"`
}

// Report summarizes one sync.
type Report struct {
	// Skipped is set when the sync did not run because the remote store
	// was unreachable.
	Skipped   bool          `json:"skipped"`
	Documents int           `json:"documents"`
	Attempted int           `json:"attempted"`
	Committed int           `json:"committed"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// Orchestrator drains the optimistic queue. Concurrent Sync calls join the
// one in progress.
type Orchestrator struct {
	cfg     OrchestratorConfig
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for testing

	group singleflight.Group

	mu        gosync.Mutex
	metrics   Metrics
	listeners map[int]ProgressFunc
	nextID    int

	emitMu gosync.Mutex
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultReplayWorkers
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		cfg:       cfg,
		logger:    logger,
		nowFunc:   time.Now,
		listeners: make(map[int]ProgressFunc),
	}
}

// AddListener registers fn for progress events and returns its remover.
func (o *Orchestrator) AddListener(fn ProgressFunc) func() {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.listeners[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.listeners, id)
		o.mu.Unlock()
	}
}

// Metrics returns a copy of the accumulated metrics.
func (o *Orchestrator) Metrics() Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.metrics
}

// Sync replays every pending update once. A call made while another is in
// progress waits for it and receives its report. Replay failures are
// recorded on the queue, not returned; the error is non-nil only when ctx
// ends the sync early.
func (o *Orchestrator) Sync(ctx context.Context) (*Report, error) {
	v, err, shared := o.group.Do("sync", func() (any, error) {
		return o.run(ctx)
	})

	if shared {
		o.logger.Debug("joined sync in progress")
	}

	rep, _ := v.(*Report)

	return rep, err
}

func (o *Orchestrator) run(ctx context.Context) (*Report, error) {
	if o.cfg.Connection != nil && !o.cfg.Connection.IsConnected() {
		o.logger.Debug("sync skipped: not connected")
		return &Report{Skipped: true}, nil
	}

	start := o.nowFunc()
	groups := o.cfg.Queue.PendingByDocument()

	rep := &Report{Documents: len(groups)}
	for _, g := range groups {
		rep.Attempted += len(g)
	}

	o.logger.Info("sync starting",
		slog.Int("documents", rep.Documents),
		slog.Int("updates", rep.Attempted),
	)

	o.emit(Progress{Phase: PhaseStarted, Total: rep.Attempted})

	var (
		countMu gosync.Mutex
		g       errgroup.Group
	)

	g.SetLimit(o.cfg.Workers)

	for _, updates := range groups {
		g.Go(func() error {
			return o.replayDocument(ctx, updates, func(committed bool) {
				countMu.Lock()
				if committed {
					rep.Committed++
				} else {
					rep.Failed++
				}
				p := Progress{Phase: PhaseReplayed, Total: rep.Attempted, Done: rep.Committed, Failed: rep.Failed}
				countMu.Unlock()

				o.emit(p)
			})
		})
	}

	runErr := g.Wait()

	rep.Duration = o.nowFunc().Sub(start)

	if runErr != nil {
		o.logger.Warn("sync interrupted",
			slog.Int("committed", rep.Committed),
			slog.Int("failed", rep.Failed),
			slog.String("error", runErr.Error()),
		)

		return rep, runErr
	}

	o.record(rep)

	o.logger.Info("sync complete",
		slog.Int("committed", rep.Committed),
		slog.Int("failed", rep.Failed),
		slog.Duration("duration", rep.Duration),
	)

	o.emit(Progress{Phase: PhaseCompleted, Total: rep.Attempted, Done: rep.Committed, Failed: rep.Failed})

	return rep, nil
}

// replayDocument sends one document's updates in submission order. The
// first failure stops the document; later updates stay pending for the
// next sync so they are never confirmed ahead of an earlier write.
func (o *Orchestrator) replayDocument(ctx context.Context, updates []*optimistic.Update, done func(committed bool)) error {
	for _, u := range updates {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, err := o.replay(ctx, u)
		if err != nil {
			// Shutdown is not the update's fault; leave it pending.
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if failErr := o.cfg.Queue.Fail(ctx, u.ID, err); failErr != nil {
				o.logger.Warn("recording replay failure",
					slog.String("update", u.ID),
					slog.String("error", failErr.Error()),
				)
			}

			done(false)

			return nil
		}

		if commitErr := o.cfg.Queue.Commit(ctx, u.ID, rec); commitErr != nil {
			if !errors.Is(commitErr, optimistic.ErrUnknownUpdate) {
				o.logger.Warn("committing replayed update",
					slog.String("update", u.ID),
					slog.String("error", commitErr.Error()),
				)
			}
		}

		done(true)
	}

	return nil
}

// replay calls the replayer with panic recovery so one bad update cannot
// take down the sync.
func (o *Orchestrator) replay(ctx context.Context, u *optimistic.Update) (rec *record.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			rec = nil
			err = fmt.Errorf("sync: panic replaying %s %s/%s: %v", u.Operation, u.Collection, u.DocumentID, r)
		}
	}()

	return o.cfg.Replayer.Replay(ctx, u)
}

func (o *Orchestrator) record(rep *Report) {
	now := o.nowFunc()

	o.mu.Lock()
	m := &o.metrics
	m.TotalSyncs++

	if rep.Failed > 0 {
		m.FailedSyncs++
	}

	n := int64(m.TotalSyncs)
	m.AverageDuration = time.Duration((int64(m.AverageDuration)*(n-1) + int64(rep.Duration)) / n)
	m.LastDuration = rep.Duration
	m.LastSyncAt = now
	o.mu.Unlock()

	if o.cfg.Connection == nil {
		return
	}

	if rep.Failed > 0 {
		o.cfg.Connection.MarkSyncFailed()
	} else {
		o.cfg.Connection.MarkSynced(now)
	}
}

func (o *Orchestrator) emit(p Progress) {
	o.mu.Lock()
	fns := make([]ProgressFunc, 0, len(o.listeners))
	for _, fn := range o.listeners {
		fns = append(fns, fn)
	}
	o.mu.Unlock()

	o.emitMu.Lock()
	defer o.emitMu.Unlock()

	for _, fn := range fns {
		fn(p)
	}
}
