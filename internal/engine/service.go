package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tonimelisma/tillsync/internal/apperr"
	"github.com/tonimelisma/tillsync/internal/breaker"
	"github.com/tonimelisma/tillsync/internal/cache"
	"github.com/tonimelisma/tillsync/internal/optimistic"
	"github.com/tonimelisma/tillsync/internal/record"
	"github.com/tonimelisma/tillsync/internal/remote"
	"github.com/tonimelisma/tillsync/internal/store"
	"github.com/tonimelisma/tillsync/internal/sync"
)

// ServiceResponse is the outcome of a mutation. A refused write has been
// rolled back locally; CanRetry tells the caller whether offering a retry
// makes sense.
type ServiceResponse struct {
	Success   bool           `json:"success"`
	Record    *record.Record `json:"-"`
	Error     string         `json:"error,omitempty"`
	ErrorCode string         `json:"errorCode,omitempty"`
	CanRetry  bool           `json:"canRetry"`
}

func refused(err error) *ServiceResponse {
	return &ServiceResponse{
		Error:     err.Error(),
		ErrorCode: apperr.Code(err),
		CanRetry:  apperr.Retryable(err),
	}
}

// GetRecords returns the records of collection matching opts. Live
// subscription state is preferred, then a remote fetch, then the local
// copy when the remote store is unreachable.
func (e *Engine) GetRecords(ctx context.Context, collection string, opts store.Options) ([]*record.Record, error) {
	if e.adapter.HasLiveData(collection) {
		return store.Apply(e.state.List(collection), opts), nil
	}

	if e.monitor.IsConnected() {
		recs, err := e.adapter.Fetch(ctx, collection, opts)
		if err == nil {
			return recs, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		e.logger.Warn("remote fetch failed, reading local copy",
			slog.String("collection", collection),
			slog.String("error", err.Error()),
		)
	}

	return e.store.Query(ctx, collection, opts)
}

// CreateRecord adds a record. An empty id is replaced by a fresh UUID.
func (e *Engine) CreateRecord(ctx context.Context, collection, id string, fields record.Fields) (*ServiceResponse, error) {
	if err := record.Validate(collection, fields, false); err != nil {
		return refused(err), nil
	}

	if id == "" {
		id = uuid.NewString()
	}

	existing, err := e.current(ctx, collection, id)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		return refused(apperr.New(apperr.ErrAlreadyExists, "",
			fmt.Sprintf("%s/%s already exists", collection, id))), nil
	}

	return e.mutate(ctx, &optimistic.Update{
		Collection: collection,
		DocumentID: id,
		Operation:  optimistic.OpCreate,
		Data:       record.Normalize(fields),
	})
}

// UpdateRecord merges fields into an existing record.
func (e *Engine) UpdateRecord(ctx context.Context, collection, id string, fields record.Fields) (*ServiceResponse, error) {
	if err := record.Validate(collection, fields, true); err != nil {
		return refused(err), nil
	}

	if resp, err := e.requireExisting(ctx, collection, id); resp != nil || err != nil {
		return resp, err
	}

	return e.mutate(ctx, &optimistic.Update{
		Collection: collection,
		DocumentID: id,
		Operation:  optimistic.OpUpdate,
		Data:       record.Normalize(fields),
	})
}

// DeleteRecord removes an existing record.
func (e *Engine) DeleteRecord(ctx context.Context, collection, id string) (*ServiceResponse, error) {
	if resp, err := e.requireExisting(ctx, collection, id); resp != nil || err != nil {
		return resp, err
	}

	return e.mutate(ctx, &optimistic.Update{
		Collection: collection,
		DocumentID: id,
		Operation:  optimistic.OpDelete,
	})
}

func (e *Engine) current(ctx context.Context, collection, id string) (*record.Record, error) {
	rec, err := e.store.Get(ctx, collection, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}

	return rec, err
}

func (e *Engine) requireExisting(ctx context.Context, collection, id string) (*ServiceResponse, error) {
	rec, err := e.current(ctx, collection, id)
	if err != nil {
		return nil, err
	}

	if rec == nil {
		return refused(apperr.New(apperr.ErrNotFound, "",
			fmt.Sprintf("%s/%s does not exist", collection, id))), nil
	}

	return nil, nil
}

// mutate applies u optimistically and attempts to confirm it at once. An
// update that cannot be replayed yet (offline, or a sync already running)
// stays pending and the optimistic record is returned as a success.
func (e *Engine) mutate(ctx context.Context, u *optimistic.Update) (*ServiceResponse, error) {
	u.ID = uuid.NewString()

	visible, err := e.queue.Submit(ctx, u)
	if err != nil {
		return nil, err
	}

	if _, err := e.orch.Sync(ctx); err != nil {
		return nil, err
	}

	if got, ok := e.queue.Get(u.ID); ok && got.Status == optimistic.StatusFailed {
		return &ServiceResponse{
			Error:     got.LastError,
			ErrorCode: got.ErrorCode,
			CanRetry:  got.CanRetry,
		}, nil
	}

	if u.Operation == optimistic.OpDelete {
		return &ServiceResponse{Success: true}, nil
	}

	if rec, ok := e.state.Get(u.Collection, u.DocumentID); ok {
		visible = rec
	} else if rec, err := e.current(ctx, u.Collection, u.DocumentID); err == nil && rec != nil {
		visible = rec
	}

	return &ServiceResponse{Success: true, Record: visible}, nil
}

// Subscribe delivers the visible records of collection after hydration
// and after every committed remote snapshot. The returned function stops
// the subscription.
func (e *Engine) Subscribe(ctx context.Context, collection string, opts store.Options, onData remote.DataFunc, onError remote.ErrorFunc) func() {
	return e.adapter.Subscribe(ctx, collection, opts, onData, onError).Unsubscribe
}

// Sync replays pending updates now.
func (e *Engine) Sync(ctx context.Context) (*sync.Report, error) {
	return e.orch.Sync(ctx)
}

// AddSyncListener registers fn for sync progress and returns its remover.
func (e *Engine) AddSyncListener(fn sync.ProgressFunc) func() {
	return e.orch.AddListener(fn)
}

// GetCacheStats reports the read deduplicator's entries.
func (e *Engine) GetCacheStats() cache.Stats {
	return e.cache.Stats()
}

// ClearCache drops every cached read and persisted snapshot.
func (e *Engine) ClearCache() error {
	e.cache.InvalidateAll()
	return e.snapshots.ClearAll()
}

// GetCircuitBreakerStats returns the named breaker's stats.
func (e *Engine) GetCircuitBreakerStats(name string) (breaker.Stats, bool) {
	return e.breakers.Stats(name)
}

// CircuitBreakers returns every breaker's stats.
func (e *Engine) CircuitBreakers() []breaker.Stats {
	return e.breakers.All()
}

// ResetAllCircuitBreakers closes every breaker.
func (e *Engine) ResetAllCircuitBreakers() {
	e.breakers.ResetAll()
}

// RetryFailed replays every failed update once and returns how many the
// remote store accepted.
func (e *Engine) RetryFailed(ctx context.Context) (int, error) {
	if !e.monitor.IsConnected() {
		return 0, apperr.New(apperr.ErrNetwork, "", "remote store unreachable")
	}

	var n int

	for _, u := range e.queue.Failed() {
		err := e.queue.Retry(ctx, u.ID, e.adapter)
		if ctx.Err() != nil {
			return n, ctx.Err()
		}

		if err != nil {
			e.logger.Debug("retry refused",
				slog.String("update", u.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		n++
	}

	return n, nil
}

// ClearFailed discards failed updates and returns how many were dropped.
func (e *Engine) ClearFailed(ctx context.Context) (int, error) {
	return e.queue.ClearFailed(ctx)
}

// RecoverUnsynced re-queues local rows left unsynced by an earlier run. A
// row that never reached the remote store is recreated; one that did is
// updated with its full field set. Returns the number re-queued.
func (e *Engine) RecoverUnsynced(ctx context.Context) (int, error) {
	recs, err := e.store.Unsynced(ctx, "")
	if err != nil {
		return 0, err
	}

	var n int

	for _, r := range recs {
		if e.queue.HasOutstanding(r.Collection, r.ID) {
			continue
		}

		op := optimistic.OpUpdate
		if r.RemoteID == "" {
			op = optimistic.OpCreate
		}

		if _, err := e.queue.Submit(ctx, &optimistic.Update{
			Collection: r.Collection,
			DocumentID: r.ID,
			Operation:  op,
			Data:       r.Fields,
		}); err != nil {
			return n, fmt.Errorf("engine: re-queuing %s/%s: %w", r.Collection, r.ID, err)
		}

		n++
	}

	return n, nil
}
