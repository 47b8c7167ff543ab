package engine

import (
	"context"
	"errors"

	"github.com/tonimelisma/tillsync/internal/cache"
	"github.com/tonimelisma/tillsync/internal/record"
	"github.com/tonimelisma/tillsync/internal/state"
	"github.com/tonimelisma/tillsync/internal/store"
)

// localStore is the subset of *store.Store the engine uses for writes.
type localStore interface {
	Get(ctx context.Context, collection, id string) (*record.Record, error)
	Upsert(ctx context.Context, rec *record.Record) (*record.Record, error)
	PutSynced(ctx context.Context, recs ...*record.Record) error
	Delete(ctx context.Context, collection, id string) error
}

// view is the optimistic queue's window onto local state: the store holds
// the durable copy and the container the caller-visible one.
type view struct {
	store localStore
	state *state.Container
	cache *cache.Deduplicator
}

func (v *view) Current(ctx context.Context, collection, id string) (*record.Record, error) {
	rec, err := v.store.Get(ctx, collection, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}

	return rec, err
}

// Apply writes rec as the visible state of collection/id; nil removes it.
// Synced records keep their remote timestamps.
func (v *view) Apply(ctx context.Context, collection, id string, rec *record.Record) error {
	defer v.cache.InvalidatePrefix(collection + ":")

	if rec == nil {
		if err := v.store.Delete(ctx, collection, id); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		v.state.Delete(collection, id)

		return nil
	}

	if rec.IsSynced {
		if err := v.store.PutSynced(ctx, rec); err != nil {
			return err
		}

		v.state.Set(collection, rec)

		return nil
	}

	written, err := v.store.Upsert(ctx, rec)
	if err != nil {
		return err
	}

	v.state.Set(collection, written)

	return nil
}
