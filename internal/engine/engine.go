// Package engine wires the local store, caches, breakers, optimistic queue,
// connection monitor, remote adapter, and sync orchestrator into one
// component. It is the only place those pieces are constructed; everything
// else receives them through its constructor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	gosync "sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/tillsync/internal/apperr"
	"github.com/tonimelisma/tillsync/internal/breaker"
	"github.com/tonimelisma/tillsync/internal/cache"
	"github.com/tonimelisma/tillsync/internal/config"
	"github.com/tonimelisma/tillsync/internal/conflict"
	"github.com/tonimelisma/tillsync/internal/connection"
	"github.com/tonimelisma/tillsync/internal/optimistic"
	"github.com/tonimelisma/tillsync/internal/remote"
	"github.com/tonimelisma/tillsync/internal/state"
	"github.com/tonimelisma/tillsync/internal/store"
	"github.com/tonimelisma/tillsync/internal/sync"
)

// Options holds the inputs for creating an Engine.
type Options struct {
	Config *config.Config
	Logger *slog.Logger
	// Backend overrides the HTTP client built from Config.Remote.
	Backend remote.Backend
	// Prober overrides the dial probe built from Config.Connection.
	Prober connection.Prober
}

// Engine is the offline-first record service.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	store     *store.Store
	snapshots *cache.SnapshotStore
	cache     *cache.Deduplicator
	breakers  *breaker.Registry
	state     *state.Container
	queue     *optimistic.Queue
	monitor   *connection.Monitor
	adapter   *remote.Adapter
	orch      *sync.Orchestrator

	cancel context.CancelFunc
	bg     gosync.WaitGroup

	mu   gosync.Mutex
	subs map[string]*remote.Subscription
}

// New opens the local databases and starts connection monitoring and the
// cache sweep. Call Close to release them.
func New(ctx context.Context, opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	strategy, err := conflict.ParseStrategy(cfg.Sync.ConflictStrategy)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.Store.Path, logger)
	if err != nil {
		return nil, err
	}

	snaps, err := cache.OpenSnapshots(cfg.Cache.SnapshotPath, cfg.Cache.Namespace)
	if err != nil {
		st.Close()
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		snapshots: snaps,
		state:     state.New(),
		subs:      make(map[string]*remote.Subscription),
	}

	e.cache = cache.NewDeduplicator(
		config.Duration(cfg.Cache.TTL, cache.DefaultTTL),
		config.Duration(cfg.Cache.SweepInterval, cache.DefaultSweepInterval),
		logger,
	)

	e.breakers = breaker.NewRegistry(breaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          config.Duration(cfg.Breaker.Timeout, breaker.DefaultTimeout),
		IsFailure:        isBreakerFailure,
	}, logger)

	e.queue = optimistic.NewQueue(&view{store: st, state: e.state, cache: e.cache}, logger)

	prober := opts.Prober
	if prober == nil && cfg.Connection.ProbeAddress != "" {
		prober = &connection.DialProbe{
			Address:    cfg.Connection.ProbeAddress,
			Timeout:    config.Duration(cfg.Network.ConnectTimeout, 10*time.Second),
			Transport:  connection.Transport(cfg.Connection.Transport),
			Generation: cfg.Connection.CellularGeneration,
		}
	}

	e.monitor = connection.NewMonitor(prober, connection.Options{
		ProbeInterval: config.Duration(cfg.Connection.ProbeInterval, connection.DefaultProbeInterval),
		Debounce:      config.Duration(cfg.Connection.Debounce, connection.DefaultDebounce),
		SettleDelay:   config.Duration(cfg.Connection.SettleDelay, connection.DefaultSettleDelay),
	}, logger)

	backend := opts.Backend
	if backend == nil {
		backend = newClient(cfg, logger)
	}

	e.adapter = remote.NewAdapter(remote.Deps{
		Backend:   backend,
		Store:     st,
		State:     e.state,
		Pending:   e.queue,
		Snapshots: snaps,
		Cache:     e.cache,
		Breakers:  e.breakers,
		Quality:   e.monitor,
	}, remote.Options{
		Strategy: strategy,
		Debounce: remote.DebounceOptions{
			DuplicateWindow: config.Duration(cfg.Subscription.DuplicateWindow, remote.DefaultDuplicateWindow),
			BatchWindow:     config.Duration(cfg.Subscription.BatchWindow, remote.DefaultBatchWindow),
			BatchDelay:      config.Duration(cfg.Subscription.BatchDelay, remote.DefaultBatchDelay),
			BatchMinDelta:   cfg.Subscription.BatchMinDelta,
		},
		CacheTTL: config.Duration(cfg.Cache.TTL, cache.DefaultTTL),
	}, logger)

	e.orch = sync.NewOrchestrator(sync.OrchestratorConfig{
		Queue:      e.queue,
		Replayer:   e.adapter,
		Connection: e.monitor,
		Workers:    cfg.Sync.ReplayWorkers,
		Logger:     logger,
	})

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel

	e.bg.Add(2)

	go func() {
		defer e.bg.Done()

		if err := e.monitor.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("connection monitor stopped", slog.String("error", err.Error()))
		}
	}()

	go func() {
		defer e.bg.Done()
		e.cache.Run(bgCtx)
	}()

	return e, nil
}

// newClient builds the HTTP backend. The client has no overall timeout so
// subscription streams stay open; dial and response-header timeouts bound
// individual requests instead.
func newClient(cfg *config.Config, logger *slog.Logger) *remote.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout: config.Duration(cfg.Network.ConnectTimeout, 10*time.Second),
	}).DialContext
	transport.ResponseHeaderTimeout = config.Duration(cfg.Network.DataTimeout, time.Minute)

	var token oauth2.TokenSource
	if cfg.Remote.APIToken != "" {
		token = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Remote.APIToken, TokenType: "Bearer"})
	}

	return remote.NewClient(remote.ClientOptions{
		BaseURL:           cfg.Remote.BaseURL,
		HTTPClient:        &http.Client{Transport: transport},
		Token:             token,
		RequestsPerSecond: cfg.Remote.RequestsPerSecond,
		UserAgent:         cfg.Network.UserAgent,
	}, logger)
}

// isBreakerFailure counts only transient transport and server failures
// against a breaker. Validation and domain rejections are healthy answers.
func isBreakerFailure(err error) bool {
	switch apperr.Kind(err) {
	case apperr.ErrNetwork, apperr.ErrRemoteService:
		return true
	default:
		return false
	}
}

// Start recovers unsynced rows, subscribes to the configured collections,
// and syncs on reconnect and on the configured interval until ctx is
// canceled.
func (e *Engine) Start(ctx context.Context) error {
	if n, err := e.RecoverUnsynced(ctx); err != nil {
		return err
	} else if n > 0 {
		e.logger.Info("re-queued unsynced records", slog.Int("count", n))
	}

	e.SetCollections(ctx, e.cfg.Remote.Collections)
	defer e.SetCollections(ctx, nil)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.orch.Watch(gctx, e.monitor.Reconnected(), config.Duration(e.cfg.Sync.Interval, 0))
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("engine: %w", err)
	}

	return nil
}

// SetCollections keeps one background subscription per named collection,
// starting new ones and stopping those no longer listed.
func (e *Engine) SetCollections(ctx context.Context, collections []string) {
	want := make(map[string]bool, len(collections))
	for _, c := range collections {
		want[c] = true
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for c, sub := range e.subs {
		if want[c] {
			continue
		}

		sub.Unsubscribe()
		<-sub.Done()
		delete(e.subs, c)

		e.logger.Info("subscription stopped", slog.String("collection", c))
	}

	for c := range want {
		if _, ok := e.subs[c]; ok {
			continue
		}

		collection := c
		e.subs[c] = e.adapter.Subscribe(ctx, c, e.subscriptionOptions(), nil, func(err error) {
			e.logger.Warn("subscription error",
				slog.String("collection", collection),
				slog.String("error", err.Error()),
			)
		})

		e.logger.Info("subscription started", slog.String("collection", c))
	}
}

// Collections returns the collections with a background subscription.
func (e *Engine) Collections() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]string, 0, len(e.subs))
	for c := range e.subs {
		out = append(out, c)
	}

	return out
}

func (e *Engine) subscriptionOptions() store.Options {
	var opts store.Options

	if e.cfg.Subscription.OrderBy != "" {
		opts.Sort = []store.Sort{{Field: e.cfg.Subscription.OrderBy}}
	}

	opts.Limit = e.cfg.Subscription.Limit

	return opts
}

// AwaitConnection waits up to timeout for the monitor to report the remote
// store reachable.
func (e *Engine) AwaitConnection(ctx context.Context, timeout time.Duration) bool {
	if e.monitor.IsConnected() {
		return true
	}

	changed := make(chan struct{}, 1)

	unsubscribe := e.monitor.Subscribe(func(s connection.State) {
		if s.IsConnected {
			select {
			case changed <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	if e.monitor.IsConnected() {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-changed:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Close stops background work and closes the databases.
func (e *Engine) Close() error {
	e.SetCollections(context.Background(), nil)

	e.cancel()
	e.bg.Wait()

	return errors.Join(e.snapshots.Close(), e.store.Close())
}

// Store exposes the local store for reports.
func (e *Engine) Store() *store.Store { return e.store }

// ConnectionState returns the current connection state.
func (e *Engine) ConnectionState() connection.State { return e.monitor.State() }

// SyncMetrics returns the orchestrator's accumulated metrics.
func (e *Engine) SyncMetrics() sync.Metrics { return e.orch.Metrics() }

// Pending returns the optimistic updates awaiting confirmation.
func (e *Engine) Pending() []*optimistic.Update { return e.queue.Pending() }

// Failed returns the optimistic updates the remote store refused.
func (e *Engine) Failed() []*optimistic.Update { return e.queue.Failed() }
