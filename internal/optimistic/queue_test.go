package optimistic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/tillsync/internal/apperr"
	"github.com/tonimelisma/tillsync/internal/record"
)

// mapView is an in-memory View recording every Apply.
type mapView struct {
	mu       sync.Mutex
	recs     map[string]*record.Record
	applies  int
	applyErr error
}

func newMapView() *mapView {
	return &mapView{recs: make(map[string]*record.Record)}
}

func (v *mapView) Current(_ context.Context, collection, id string) (*record.Record, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.recs[collection+"/"+id].Clone(), nil
}

func (v *mapView) Apply(_ context.Context, collection, id string, rec *record.Record) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.applyErr != nil {
		return v.applyErr
	}

	v.applies++

	if rec == nil {
		delete(v.recs, collection+"/"+id)
		return nil
	}

	v.recs[collection+"/"+id] = rec.Clone()

	return nil
}

func (v *mapView) get(collection, id string) *record.Record {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.recs[collection+"/"+id].Clone()
}

type replayFunc func(ctx context.Context, u *Update) (*record.Record, error)

func (f replayFunc) Replay(ctx context.Context, u *Update) (*record.Record, error) { return f(ctx, u) }

func newTestQueue() (*Queue, *mapView) {
	v := newMapView()
	q := NewQueue(v, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var tick int64

	q.nowFunc = func() time.Time {
		tick++
		return time.UnixMilli(1_700_000_000_000 + tick)
	}

	return q, v
}

func seedBase(v *mapView) {
	v.recs["items/doc"] = &record.Record{
		ID: "doc", Collection: "items", IsSynced: true,
		Fields: record.Fields{"name": "base"},
	}
}

func update(id string, fields record.Fields) *Update {
	return &Update{ID: id, Collection: "items", DocumentID: "doc", Operation: OpUpdate, Data: fields}
}

func TestSubmit_AppliesImmediately(t *testing.T) {
	t.Parallel()

	q, v := newTestQueue()
	seedBase(v)

	visible, err := q.Submit(t.Context(), update("u1", record.Fields{"name": "edited"}))
	require.NoError(t, err)
	assert.Equal(t, "edited", visible.Fields["name"])
	assert.False(t, visible.IsSynced)

	assert.Equal(t, "edited", v.get("items", "doc").Fields["name"])

	u, ok := q.Get("u1")
	require.True(t, ok)
	assert.Equal(t, StatusPending, u.Status)
	assert.Equal(t, "base", u.Original.Fields["name"], "pre-mutation snapshot")
	assert.False(t, u.Timestamp.IsZero())
	assert.True(t, q.HasOutstanding("items", "doc"))
}

func TestSubmit_AssignsID(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue()

	_, err := q.Submit(t.Context(), &Update{Collection: "items", DocumentID: "n", Operation: OpCreate, Data: record.Fields{"name": "x"}})
	require.NoError(t, err)

	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.NotEmpty(t, pending[0].ID)
}

func TestSubmit_ViewErrorForgetsUpdate(t *testing.T) {
	t.Parallel()

	q, v := newTestQueue()
	v.applyErr = errors.New("disk full")

	_, err := q.Submit(t.Context(), update("u1", record.Fields{"name": "x"}))
	require.Error(t, err)

	assert.Empty(t, q.Pending())
	assert.False(t, q.HasOutstanding("items", "doc"))
}

func TestCommit_MarksSyncedAndDropsLog(t *testing.T) {
	t.Parallel()

	q, v := newTestQueue()
	seedBase(v)
	ctx := t.Context()

	_, err := q.Submit(ctx, update("u1", record.Fields{"name": "edited"}))
	require.NoError(t, err)

	serverTime := time.UnixMilli(1_800_000_000_000)
	require.NoError(t, q.Commit(ctx, "u1", &record.Record{ID: "doc", RemoteID: "srv-1", UpdatedAt: serverTime}))

	got := v.get("items", "doc")
	assert.Equal(t, "edited", got.Fields["name"])
	assert.True(t, got.IsSynced)
	assert.Equal(t, "srv-1", got.RemoteID)
	assert.True(t, serverTime.Equal(got.UpdatedAt))

	assert.False(t, q.HasOutstanding("items", "doc"))
	_, ok := q.Get("u1")
	assert.False(t, ok)
}

func TestCommit_ExactlyOnce(t *testing.T) {
	t.Parallel()

	q, v := newTestQueue()
	seedBase(v)
	ctx := t.Context()

	_, err := q.Submit(ctx, update("u1", record.Fields{"name": "a"}))
	require.NoError(t, err)
	_, err = q.Submit(ctx, update("u2", record.Fields{"name": "b"}))
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, "u1", errors.New("offline")))
	require.ErrorIs(t, q.Commit(ctx, "u1", nil), ErrNotPending)
	require.ErrorIs(t, q.Fail(ctx, "u1", nil), ErrNotPending)
	require.ErrorIs(t, q.Commit(ctx, "missing", nil), ErrUnknownUpdate)
}

func TestFail_RollsBackCreate(t *testing.T) {
	t.Parallel()

	q, v := newTestQueue()
	ctx := t.Context()

	_, err := q.Submit(ctx, &Update{ID: "c", Collection: "items", DocumentID: "new", Operation: OpCreate, Data: record.Fields{"name": "Tea"}})
	require.NoError(t, err)
	require.NotNil(t, v.get("items", "new"))

	require.NoError(t, q.Fail(ctx, "c", errors.New("rejected")))
	assert.Nil(t, v.get("items", "new"))

	failed := q.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Attempts)
	assert.Equal(t, "rejected", failed[0].LastError)
	assert.Equal(t, "unknown", failed[0].ErrorCode)
	assert.False(t, failed[0].CanRetry)
}

func TestFail_ClassifiesCause(t *testing.T) {
	t.Parallel()

	q, v := newTestQueue()
	seedBase(v)
	ctx := t.Context()

	_, err := q.Submit(ctx, update("u", record.Fields{"stock": 1.0}))
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, "u", apperr.New(apperr.ErrNetwork, "", "offline")))

	u, ok := q.Get("u")
	require.True(t, ok)
	assert.Equal(t, "network", u.ErrorCode)
	assert.True(t, u.CanRetry)
}

func TestFail_RollsBackDelete(t *testing.T) {
	t.Parallel()

	q, v := newTestQueue()
	seedBase(v)
	ctx := t.Context()

	_, err := q.Submit(ctx, &Update{ID: "d", Collection: "items", DocumentID: "doc", Operation: OpDelete})
	require.NoError(t, err)
	assert.Nil(t, v.get("items", "doc"))

	require.NoError(t, q.Fail(ctx, "d", nil))

	restored := v.get("items", "doc")
	require.NotNil(t, restored)
	assert.Equal(t, "base", restored.Fields["name"])
	assert.True(t, restored.IsSynced)
}

func TestFail_OlderUpdateDoesNotClobberNewer(t *testing.T) {
	t.Parallel()

	q, v := newTestQueue()
	seedBase(v)
	ctx := t.Context()

	_, err := q.Submit(ctx, update("u1", record.Fields{"name": "first", "price": float64(1)}))
	require.NoError(t, err)
	_, err = q.Submit(ctx, update("u2", record.Fields{"name": "second"}))
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, "u1", nil))

	got := v.get("items", "doc")
	assert.Equal(t, "second", got.Fields["name"])
	assert.NotContains(t, got.Fields, "price")
}

func TestRetry(t *testing.T) {
	t.Parallel()

	q, v := newTestQueue()
	seedBase(v)
	ctx := t.Context()

	_, err := q.Submit(ctx, update("u1", record.Fields{"name": "edited"}))
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, "u1", errors.New("offline")))
	assert.Equal(t, "base", v.get("items", "doc").Fields["name"])

	require.ErrorIs(t, q.Retry(ctx, "missing", nil), ErrUnknownUpdate)

	var replayed *Update

	require.NoError(t, q.Retry(ctx, "u1", replayFunc(func(_ context.Context, u *Update) (*record.Record, error) {
		replayed = u
		return nil, nil
	})))

	require.NotNil(t, replayed)
	assert.Equal(t, StatusPending, replayed.Status)
	assert.Equal(t, "edited", v.get("items", "doc").Fields["name"])
	assert.True(t, v.get("items", "doc").IsSynced)
	assert.Empty(t, q.Failed())
}

func TestRetry_FailsAgain(t *testing.T) {
	t.Parallel()

	q, v := newTestQueue()
	seedBase(v)
	ctx := t.Context()

	_, err := q.Submit(ctx, update("u1", record.Fields{"name": "edited"}))
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, "u1", nil))

	boom := errors.New("still offline")
	err = q.Retry(ctx, "u1", replayFunc(func(context.Context, *Update) (*record.Record, error) { return nil, boom }))
	require.ErrorIs(t, err, boom)

	u, ok := q.Get("u1")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, u.Status)
	assert.Equal(t, 2, u.Attempts)
	assert.Equal(t, "base", v.get("items", "doc").Fields["name"])

	require.NoError(t, q.Retry(ctx, "u1", replayFunc(func(context.Context, *Update) (*record.Record, error) {
		return nil, nil
	})))
	require.ErrorIs(t, q.Retry(ctx, "u1", nil), ErrUnknownUpdate, "committed updates are gone")
}

func TestClearFailed(t *testing.T) {
	t.Parallel()

	q, v := newTestQueue()
	seedBase(v)
	ctx := t.Context()

	_, err := q.Submit(ctx, update("u1", record.Fields{"a": float64(1)}))
	require.NoError(t, err)
	_, err = q.Submit(ctx, update("u2", record.Fields{"b": float64(2)}))
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, "u1", nil))
	require.NoError(t, q.Commit(ctx, "u2", nil))
	assert.True(t, q.HasOutstanding("items", "doc"), "failed head keeps the log")

	n, err := q.ClearFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.False(t, q.HasOutstanding("items", "doc"))

	got := v.get("items", "doc")
	assert.True(t, got.IsSynced)
	assert.Equal(t, float64(2), got.Fields["b"])
	assert.NotContains(t, got.Fields, "a")
}

func TestRebase_KeepsPendingOnTop(t *testing.T) {
	t.Parallel()

	q, v := newTestQueue()
	seedBase(v)
	ctx := t.Context()

	_, ok := q.Rebase("items", "doc", nil)
	assert.False(t, ok)

	_, err := q.Submit(ctx, update("u1", record.Fields{"name": "local"}))
	require.NoError(t, err)

	server := &record.Record{ID: "doc", Collection: "items", IsSynced: true,
		Fields: record.Fields{"name": "server", "price": float64(4)}}

	visible, ok := q.Rebase("items", "doc", server)
	require.True(t, ok)
	assert.Equal(t, "local", visible.Fields["name"])
	assert.Equal(t, float64(4), visible.Fields["price"])

	require.NoError(t, q.Fail(ctx, "u1", nil))
	assert.Equal(t, "server", v.get("items", "doc").Fields["name"])
}

func TestHasPending_FailedOnlyLog(t *testing.T) {
	t.Parallel()

	q, v := newTestQueue()
	seedBase(v)
	ctx := t.Context()

	assert.False(t, q.HasPending("items", "doc"))

	_, err := q.Submit(ctx, update("u1", record.Fields{"name": "local"}))
	require.NoError(t, err)
	assert.True(t, q.HasPending("items", "doc"))

	require.NoError(t, q.Fail(ctx, "u1", nil))
	assert.True(t, q.HasOutstanding("items", "doc"))
	assert.False(t, q.HasPending("items", "doc"), "only a failed update is left")
}

func TestPendingByDocument(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue()
	ctx := t.Context()

	for _, u := range []*Update{
		{ID: "1", Collection: "items", DocumentID: "a", Operation: OpCreate},
		{ID: "2", Collection: "items", DocumentID: "b", Operation: OpCreate},
		{ID: "3", Collection: "items", DocumentID: "a", Operation: OpUpdate},
	} {
		_, err := q.Submit(ctx, u)
		require.NoError(t, err)
	}

	groups := q.PendingByDocument()
	require.Len(t, groups, 2)
	require.Len(t, groups[0], 2)
	assert.Equal(t, "1", groups[0][0].ID)
	assert.Equal(t, "3", groups[0][1].ID)
	assert.Equal(t, "2", groups[1][0].ID)
}

// Whatever order the outcomes arrive in, the visible record equals the base
// with only the committed updates applied in submission order.
func TestQueue_OutcomeOrderProperty(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(1, 2))

	for round := range 200 {
		q, v := newTestQueue()
		seedBase(v)
		ctx := t.Context()

		n := 1 + rng.IntN(6)
		ids := make([]string, n)
		data := make([]record.Fields, n)

		for i := range n {
			ids[i] = fmt.Sprintf("u%d", i)
			data[i] = record.Fields{
				"last":                 float64(i),
				fmt.Sprintf("f%d", i): true,
			}

			if rng.IntN(2) == 0 {
				data[i]["name"] = fmt.Sprintf("name-%d", i)
			}

			_, err := q.Submit(ctx, update(ids[i], data[i]))
			require.NoError(t, err)
		}

		commits := make([]bool, n)
		for i := range n {
			commits[i] = rng.IntN(2) == 0
		}

		for _, i := range rng.Perm(n) {
			if commits[i] {
				require.NoError(t, q.Commit(ctx, ids[i], nil))
			} else {
				require.NoError(t, q.Fail(ctx, ids[i], nil))
			}
		}

		want := record.Fields{"name": "base"}

		for i := range n {
			if commits[i] {
				for k, val := range data[i] {
					want[k] = val
				}
			}
		}

		got := v.get("items", "doc")
		require.NotNil(t, got)
		assert.Equal(t, want, got.Fields, "round %d commits %v", round, commits)
	}
}
