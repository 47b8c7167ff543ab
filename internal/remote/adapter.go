package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/tillsync/internal/apperr"
	"github.com/tonimelisma/tillsync/internal/breaker"
	"github.com/tonimelisma/tillsync/internal/cache"
	"github.com/tonimelisma/tillsync/internal/conflict"
	"github.com/tonimelisma/tillsync/internal/connection"
	"github.com/tonimelisma/tillsync/internal/optimistic"
	"github.com/tonimelisma/tillsync/internal/record"
	"github.com/tonimelisma/tillsync/internal/store"
)

// Reconnect backoff defaults for subscriptions.
const (
	DefaultReconnectBase = time.Second
	DefaultReconnectMax  = time.Minute
)

// LocalStore is the subset of the local store the adapter writes confirmed
// remote state into.
type LocalStore interface {
	Get(ctx context.Context, collection, id string) (*record.Record, error)
	List(ctx context.Context, collection string) ([]*record.Record, error)
	PutSynced(ctx context.Context, recs ...*record.Record) error
	PruneSynced(ctx context.Context, collection string, keep map[string]bool) ([]string, error)
}

// VisibleState is the caller-visible record container.
type VisibleState interface {
	Seed(collection string, recs []*record.Record)
	Set(collection string, rec *record.Record)
	Delete(collection, id string)
	List(collection string) []*record.Record
}

// PendingUpdates is the optimistic queue as seen by incoming snapshots.
type PendingUpdates interface {
	HasOutstanding(collection, id string) bool
	HasPending(collection, id string) bool
	Rebase(collection, id string, confirmed *record.Record) (*record.Record, bool)
	Submit(ctx context.Context, u *optimistic.Update) (*record.Record, error)
}

// SnapshotCache persists the last committed snapshot per collection.
type SnapshotCache interface {
	Save(collection string, recs []*record.Record) error
	Load(collection string) (*cache.Snapshot, error)
}

// QualityReporter receives connection quality measured from round trips.
type QualityReporter interface {
	SetQuality(q connection.Quality)
}

// Deps are the collaborators of an Adapter. Snapshots and Quality may be nil.
type Deps struct {
	Backend   Backend
	Store     LocalStore
	State     VisibleState
	Pending   PendingUpdates
	Snapshots SnapshotCache
	Cache     *cache.Deduplicator
	Breakers  *breaker.Registry
	Quality   QualityReporter
}

// Options tunes an Adapter.
type Options struct {
	Strategy      conflict.Strategy
	Debounce      DebounceOptions
	CacheTTL      time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// DataFunc receives the visible records of a subscription after hydration
// and after every committed snapshot.
type DataFunc func(recs []*record.Record)

// ErrorFunc receives subscription errors. The subscription keeps retrying.
type ErrorFunc func(err error)

// Adapter is the remote store as seen by the rest of the engine. Every
// remote call runs through the collection's circuit breaker.
type Adapter struct {
	deps    Deps
	opts    Options
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for testing

	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// NewAdapter creates an adapter.
func NewAdapter(deps Deps, opts Options, logger *slog.Logger) *Adapter {
	if opts.Strategy == "" {
		opts.Strategy = conflict.Merge
	}

	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = DefaultReconnectBase
	}

	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = DefaultReconnectMax
	}

	return &Adapter{
		deps:    deps,
		opts:    opts,
		logger:  logger,
		nowFunc: time.Now,
		subs:    make(map[string]map[*Subscription]struct{}),
	}
}

// Subscription is the handle of a live subscription. Once Unsubscribe is
// called no callback fires and no shared state is written on its behalf.
type Subscription struct {
	collection string
	options    store.Options
	active     atomic.Bool
	delivered  atomic.Bool
	// hydrated is set once local or cached rows have been delivered.
	hydrated atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// Collection returns the subscribed collection.
func (s *Subscription) Collection() string { return s.collection }

// Active reports whether the subscription has not been canceled.
func (s *Subscription) Active() bool { return s.active.Load() }

// Delivered reports whether a remote snapshot has been committed.
func (s *Subscription) Delivered() bool { return s.delivered.Load() }

// Unsubscribe stops the subscription. Safe to call from callbacks and more
// than once; use Done to wait for teardown.
func (s *Subscription) Unsubscribe() {
	s.active.Store(false)
	s.cancel()
}

// Done is closed when the subscription goroutines have exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Subscribe hydrates the visible state from the local copy and then streams
// remote snapshots for collection until ctx is canceled or Unsubscribe is
// called. It returns immediately.
func (a *Adapter) Subscribe(ctx context.Context, collection string, opts store.Options, onData DataFunc, onError ErrorFunc) *Subscription {
	ctx, cancel := context.WithCancel(ctx)

	sub := &Subscription{
		collection: collection,
		options:    opts,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	sub.active.Store(true)

	if onData == nil {
		onData = func([]*record.Record) {}
	}

	if onError == nil {
		onError = func(error) {}
	}

	a.track(sub)

	go func() {
		defer close(sub.done)
		defer a.untrack(sub)
		defer sub.active.Store(false)

		a.runSubscription(ctx, sub, onData, onError)
	}()

	return sub
}

// HasLiveData reports whether any active subscription on collection has
// committed a remote snapshot.
func (a *Adapter) HasLiveData(collection string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for sub := range a.subs[collection] {
		if sub.Active() && sub.Delivered() {
			return true
		}
	}

	return false
}

func (a *Adapter) track(sub *Subscription) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.subs[sub.collection] == nil {
		a.subs[sub.collection] = make(map[*Subscription]struct{})
	}

	a.subs[sub.collection][sub] = struct{}{}
}

func (a *Adapter) untrack(sub *Subscription) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.subs[sub.collection], sub)
}

func (a *Adapter) runSubscription(ctx context.Context, sub *Subscription, onData DataFunc, onError ErrorFunc) {
	count := a.hydrate(ctx, sub, onData, onError)

	deb := newDebouncer(a.opts.Debounce, func(ctx context.Context, s Snapshot) {
		a.commitSnapshot(ctx, sub, s, onData, onError)
	}, a.logger.With(slog.String("collection", sub.collection)))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		deb.run(gctx, count, a.nowFunc())
		return nil
	})

	g.Go(func() error {
		a.streamLoop(gctx, sub, deb, onData, onError)
		return nil
	})

	_ = g.Wait()

	a.logger.Debug("subscription stopped", slog.String("collection", sub.collection))
}

// hydrate seeds the visible state from the local store, or from the cached
// snapshot when the store has nothing, and reports it to the subscriber.
// Returns the number of records delivered.
func (a *Adapter) hydrate(ctx context.Context, sub *Subscription, onData DataFunc, onError ErrorFunc) int {
	recs, err := a.deps.Store.List(ctx, sub.collection)
	if err != nil {
		if sub.Active() {
			onError(err)
		}

		return 0
	}

	if len(recs) == 0 && a.deps.Snapshots != nil {
		if snap, err := a.deps.Snapshots.Load(sub.collection); err == nil {
			recs = snap.Records
		}
	}

	if !sub.Active() {
		return 0
	}

	if len(recs) > 0 {
		a.deps.State.Seed(sub.collection, recs)
		sub.hydrated.Store(true)
	}

	visible := store.Apply(a.deps.State.List(sub.collection), sub.options)
	onData(visible)

	return len(visible)
}

// streamLoop keeps a stream open, reconnecting with backoff. While the
// breaker is open the cached snapshot is served if nothing live has been
// delivered yet.
func (a *Adapter) streamLoop(ctx context.Context, sub *Subscription, deb *debouncer, onData DataFunc, onError ErrorFunc) {
	b := a.deps.Breakers.Get(sub.collection)
	attempt := 0

	for ctx.Err() == nil {
		stream, err := breaker.Execute(ctx, b, func(ctx context.Context) (Stream, error) {
			return a.deps.Backend.Subscribe(ctx, sub.collection, sub.options)
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			wait := jitteredBackoff(a.opts.ReconnectBase, a.opts.ReconnectMax, attempt)

			var openErr *breaker.OpenError
			if errors.As(err, &openErr) {
				a.serveCached(sub, onData)
				wait = max(time.Until(openErr.RetryAt), a.opts.ReconnectBase)
			} else if sub.Active() {
				onError(err)
			}

			a.logger.Warn("subscription connect failed",
				slog.String("collection", sub.collection),
				slog.String("error", err.Error()),
				slog.Duration("retry_in", wait),
			)

			attempt++

			if sleepErr := timeSleep(ctx, wait); sleepErr != nil {
				return
			}

			continue
		}

		attempt = 0
		err = readStream(ctx, stream, deb)
		_ = stream.Close()

		if ctx.Err() != nil {
			return
		}

		if err != nil && !errors.Is(err, io.EOF) && sub.Active() {
			onError(err)
		}

		a.logger.Info("subscription stream ended, reconnecting",
			slog.String("collection", sub.collection),
		)

		if sleepErr := timeSleep(ctx, a.opts.ReconnectBase); sleepErr != nil {
			return
		}
	}
}

func readStream(ctx context.Context, stream Stream, deb *debouncer) error {
	for {
		snap, err := stream.Next(ctx)
		if err != nil {
			return err
		}

		deb.submit(ctx, snap)
	}
}

// serveCached delivers the persisted snapshot once to a subscription that
// has shown nothing yet. Cached rows go through the visible state and never
// replace a row already shown or one with queued updates.
func (a *Adapter) serveCached(sub *Subscription, onData DataFunc) {
	if sub.Delivered() || sub.hydrated.Load() || a.deps.Snapshots == nil {
		return
	}

	snap, err := a.deps.Snapshots.Load(sub.collection)
	if err != nil || len(snap.Records) == 0 || !sub.Active() {
		return
	}

	shown := make(map[string]bool)
	for _, r := range a.deps.State.List(sub.collection) {
		shown[r.ID] = true
	}

	for _, r := range snap.Records {
		if shown[r.ID] || a.deps.Pending.HasOutstanding(sub.collection, r.ID) {
			continue
		}

		a.deps.State.Set(sub.collection, r)
	}

	sub.hydrated.Store(true)

	a.logger.Info("serving cached snapshot while circuit is open",
		slog.String("collection", sub.collection),
		slog.Time("saved_at", snap.SavedAt),
	)

	onData(store.Apply(a.deps.State.List(sub.collection), sub.options))
}

// commitSnapshot writes an accepted snapshot downstream.
func (a *Adapter) commitSnapshot(ctx context.Context, sub *Subscription, s Snapshot, onData DataFunc, onError ErrorFunc) {
	if !sub.Active() {
		return
	}

	if !s.SentAt.IsZero() {
		a.reportLatency(a.nowFunc().Sub(s.SentAt))
	}

	recs := toRecords(sub.collection, s.Documents)

	if _, err := a.reconcile(ctx, sub.collection, recs, sub.options.Unbounded()); err != nil {
		if sub.Active() {
			onError(err)
		}

		return
	}

	if !sub.Active() {
		return
	}

	a.saveSnapshot(sub.collection, recs, sub.options)

	if a.deps.Cache != nil {
		a.deps.Cache.InvalidatePrefix(cachePrefix(sub.collection))
	}

	sub.delivered.Store(true)

	a.logger.Debug("snapshot committed",
		slog.String("collection", sub.collection),
		slog.Int("count", len(recs)),
	)

	onData(store.Apply(a.deps.State.List(sub.collection), sub.options))
}

// saveSnapshot persists recs as the collection snapshot. Only an unbounded
// query holds the whole collection; a limited or filtered result is never
// saved over it.
func (a *Adapter) saveSnapshot(collection string, recs []*record.Record, opts store.Options) {
	if a.deps.Snapshots == nil || !opts.Unbounded() {
		return
	}

	if err := a.deps.Snapshots.Save(collection, recs); err != nil {
		a.logger.Warn("saving snapshot cache failed",
			slog.String("collection", collection),
			slog.String("error", err.Error()),
		)
	}
}

// reconcile writes confirmed remote records into the local store and the
// visible state. Documents with outstanding optimistic updates keep those
// effects on top of the new server copy; the store takes the server copy
// only once every such update has failed. An unsynced local row without
// outstanding updates is resolved against the server copy; a resolution
// that differs from the server is queued as an update. When prune is set
// the records are the complete collection and synced rows missing from it
// are deleted. Returns the visible form of recs.
func (a *Adapter) reconcile(ctx context.Context, collection string, recs []*record.Record, prune bool) ([]*record.Record, error) {
	visible := make([]*record.Record, 0, len(recs))
	synced := make([]*record.Record, 0, len(recs))

	// baseOnly are server copies of documents whose updates have all
	// failed. Nothing will replay them, so the store takes the server copy
	// while the visible state keeps the queue's view.
	var baseOnly []*record.Record

	var requeue []*optimistic.Update

	for _, r := range recs {
		if v, ok := a.deps.Pending.Rebase(collection, r.ID, r); ok {
			if v == nil {
				a.deps.State.Delete(collection, r.ID)
			} else {
				a.deps.State.Set(collection, v)
				visible = append(visible, v)
			}

			if !a.deps.Pending.HasPending(collection, r.ID) {
				baseOnly = append(baseOnly, r)
			}

			continue
		}

		local, err := a.deps.Store.Get(ctx, collection, r.ID)

		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return nil, err
		case !local.IsSynced:
			if u := a.resolve(collection, r, local); u != nil {
				requeue = append(requeue, u)
			}
		}

		synced = append(synced, r)
	}

	if err := a.deps.Store.PutSynced(ctx, append(synced, baseOnly...)...); err != nil {
		return nil, err
	}

	for _, r := range synced {
		a.deps.State.Set(collection, r)
	}

	resolvedIDs := make(map[string]*record.Record, len(requeue))

	for _, u := range requeue {
		v, err := a.deps.Pending.Submit(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("remote: queueing resolution for %s/%s: %w", collection, u.DocumentID, err)
		}

		resolvedIDs[u.DocumentID] = v
	}

	for _, r := range synced {
		if v, ok := resolvedIDs[r.ID]; ok {
			visible = append(visible, v)
			continue
		}

		visible = append(visible, r)
	}

	if prune {
		if err := a.prune(ctx, collection, recs); err != nil {
			return nil, err
		}
	}

	return visible, nil
}

func (a *Adapter) prune(ctx context.Context, collection string, recs []*record.Record) error {
	keep := make(map[string]bool, len(recs))
	for _, r := range recs {
		keep[r.ID] = true
	}

	deleted, err := a.deps.Store.PruneSynced(ctx, collection, keep)
	if err != nil {
		return err
	}

	for _, id := range deleted {
		if !a.deps.Pending.HasOutstanding(collection, id) {
			a.deps.State.Delete(collection, id)
		}
	}

	return nil
}

// resolve reconciles a server record with an unsynced local row and
// returns the update that pushes the resolution, or nil when the server
// copy already is the resolution.
func (a *Adapter) resolve(collection string, server, local *record.Record) *optimistic.Update {
	sd, ld := server.ToDoc(), local.ToDoc()

	if conflict.HasConflict(sd, ld) {
		a.logger.Info("concurrent edit detected",
			slog.String("collection", collection),
			slog.String("id", server.ID),
			slog.String("strategy", string(a.opts.Strategy)),
		)
	}

	resolved := conflict.ResolveCollection(collection, sd, ld, a.opts.Strategy)
	if conflict.Equal(resolved, sd) {
		return nil
	}

	changed := record.Fields{}

	for k, v := range resolved {
		if k == record.KeyID || k == record.KeyCreatedAt || k == record.KeyUpdatedAt {
			continue
		}

		if cur, ok := sd[k]; !ok || !conflict.Equal(record.Doc{k: cur}, record.Doc{k: v}) {
			changed[k] = v
		}
	}

	if len(changed) == 0 {
		return nil
	}

	return &optimistic.Update{
		Collection: collection,
		DocumentID: server.ID,
		Operation:  optimistic.OpUpdate,
		Data:       changed,
	}
}

// Fetch is the one-shot read used when no subscription has delivered data.
// Concurrent identical fetches share one request and results are cached
// for the configured TTL. When the breaker is open the cached snapshot is
// served instead; without one the rejection is returned.
func (a *Adapter) Fetch(ctx context.Context, collection string, opts store.Options) ([]*record.Record, error) {
	fetch := func(ctx context.Context) ([]*record.Record, error) {
		return breaker.ExecuteWithFallback(ctx, a.deps.Breakers.Get(collection),
			func(ctx context.Context) ([]*record.Record, error) {
				return a.fetchRemote(ctx, collection, opts)
			},
			func(_ context.Context, err error) ([]*record.Record, error) {
				return a.cachedFallback(collection, opts, err)
			},
		)
	}

	var (
		recs []*record.Record
		err  error
	)

	if a.deps.Cache != nil {
		recs, err = cache.Fetch(ctx, a.deps.Cache, cacheKey(collection, opts), a.opts.CacheTTL, fetch)
	} else {
		recs, err = fetch(ctx)
	}

	if err != nil {
		return nil, err
	}

	out := make([]*record.Record, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}

	return out, nil
}

func (a *Adapter) fetchRemote(ctx context.Context, collection string, opts store.Options) ([]*record.Record, error) {
	start := a.nowFunc()

	docs, err := a.deps.Backend.Fetch(ctx, collection, opts)
	if err != nil {
		return nil, err
	}

	a.reportLatency(a.nowFunc().Sub(start))

	recs := toRecords(collection, docs)

	visible, err := a.reconcile(ctx, collection, recs, opts.Unbounded())
	if err != nil {
		return nil, err
	}

	a.saveSnapshot(collection, recs, opts)

	return store.Apply(visible, opts), nil
}

func (a *Adapter) cachedFallback(collection string, opts store.Options, cause error) ([]*record.Record, error) {
	if a.deps.Snapshots == nil {
		return nil, cause
	}

	snap, err := a.deps.Snapshots.Load(collection)
	if err != nil {
		return nil, cause
	}

	a.logger.Info("serving cached snapshot while circuit is open",
		slog.String("collection", collection),
		slog.Time("saved_at", snap.SavedAt),
	)

	return store.Apply(snap.Records, opts), nil
}

// Replay sends one optimistic update to the remote store and returns the
// confirmed record. A replayed create the server already holds becomes an
// update; deleting a document the server no longer holds succeeds.
func (a *Adapter) Replay(ctx context.Context, u *optimistic.Update) (*record.Record, error) {
	start := a.nowFunc()

	rec, err := breaker.Execute(ctx, a.deps.Breakers.Get(u.Collection), func(ctx context.Context) (*record.Record, error) {
		return a.replay(ctx, u)
	})
	if err != nil {
		return nil, err
	}

	a.reportLatency(a.nowFunc().Sub(start))

	if a.deps.Cache != nil {
		a.deps.Cache.InvalidatePrefix(cachePrefix(u.Collection))
	}

	return rec, nil
}

func (a *Adapter) replay(ctx context.Context, u *optimistic.Update) (*record.Record, error) {
	switch u.Operation {
	case optimistic.OpCreate:
		doc := record.Doc{}
		for k, v := range u.Data {
			doc[k] = v
		}

		doc[record.KeyID] = u.DocumentID

		d, err := a.deps.Backend.Create(ctx, u.Collection, doc)
		if errors.Is(err, apperr.ErrAlreadyExists) {
			d, err = a.deps.Backend.Update(ctx, u.Collection, u.DocumentID, u.Data)
		}

		if err != nil {
			return nil, err
		}

		return a.confirmed(u, d), nil

	case optimistic.OpUpdate:
		d, err := a.deps.Backend.Update(ctx, u.Collection, u.DocumentID, u.Data)
		if err != nil {
			return nil, err
		}

		return a.confirmed(u, d), nil

	case optimistic.OpDelete:
		err := a.deps.Backend.Delete(ctx, u.Collection, u.DocumentID)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}

		return nil, nil

	default:
		return nil, apperr.Validationf("unsupported operation %s", u.Operation)
	}
}

func (a *Adapter) confirmed(u *optimistic.Update, d record.Doc) *record.Record {
	if d == nil {
		return &record.Record{ID: u.DocumentID, Collection: u.Collection, RemoteID: u.DocumentID, IsSynced: true}
	}

	r := toRecord(u.Collection, d)
	if r.ID == "" {
		r.ID = u.DocumentID
		r.RemoteID = u.DocumentID
	}

	return r
}

func (a *Adapter) reportLatency(d time.Duration) {
	if a.deps.Quality == nil || d < 0 {
		return
	}

	a.deps.Quality.SetQuality(connection.QualityFromLatency(d))
}

func cachePrefix(collection string) string {
	return collection + ":"
}

func cacheKey(collection string, opts store.Options) string {
	data, err := json.Marshal(opts)
	if err != nil {
		data = []byte(fmt.Sprint(opts))
	}

	return cachePrefix(collection) + string(data)
}
