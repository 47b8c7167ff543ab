package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/tonimelisma/tillsync/internal/record"
)

func newTestSnapshots(t *testing.T, namespace string) *SnapshotStore {
	t.Helper()

	s, err := OpenSnapshots(filepath.Join(t.TempDir(), "snap.db"), namespace)
	require.NoError(t, err)

	t.Cleanup(func() { assert.NoError(t, s.Close()) })

	return s
}

func TestSnapshot_SaveLoad(t *testing.T) {
	t.Parallel()

	s := newTestSnapshots(t, "shop")
	s.nowFunc = func() time.Time { return time.UnixMilli(1_700_000_000_000) }

	updated := time.UnixMilli(1_690_000_000_000)
	recs := []*record.Record{
		{ID: "a", Collection: "items", Fields: record.Fields{"name": "Tea", "stock": float64(3)}, UpdatedAt: updated},
		{ID: "b", Collection: "items", Fields: record.Fields{"name": "Coffee"}},
	}

	require.NoError(t, s.Save("items", recs))

	snap, err := s.Load("items")
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000_000), snap.SavedAt.UnixMilli())
	require.Len(t, snap.Records, 2)
	assert.Equal(t, "a", snap.Records[0].ID)
	assert.Equal(t, "Tea", snap.Records[0].Fields["name"])
	assert.True(t, updated.Equal(snap.Records[0].UpdatedAt))
	assert.True(t, snap.Records[0].IsSynced)
}

func TestSnapshot_Miss(t *testing.T) {
	t.Parallel()

	s := newTestSnapshots(t, "shop")

	_, err := s.Load("nothing")
	require.ErrorIs(t, err, ErrNoSnapshot)
}

func TestSnapshot_UnknownVersionIsMiss(t *testing.T) {
	t.Parallel()

	s := newTestSnapshots(t, "shop")

	require.NoError(t, s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Put(snapshotKey("items"), []byte(`{"version":2,"data":[],"timestamp":1}`))
	}))

	_, err := s.Load("items")
	require.ErrorIs(t, err, ErrNoSnapshot)
}

func TestSnapshot_StoredFormat(t *testing.T) {
	t.Parallel()

	s := newTestSnapshots(t, "shop")
	require.NoError(t, s.Save("items", []*record.Record{{ID: "a"}}))

	var raw string

	require.NoError(t, s.db.View(func(tx *bbolt.Tx) error {
		raw = string(tx.Bucket([]byte("shop")).Get([]byte("collection:items")))
		return nil
	}))

	assert.Contains(t, raw, `"version":1`)
	assert.Contains(t, raw, `"data":[{"id":"a"}]`)
	assert.Contains(t, raw, `"timestamp":`)
}

func TestSnapshot_ClearAndClearAll(t *testing.T) {
	t.Parallel()

	s := newTestSnapshots(t, "shop")

	require.NoError(t, s.Save("items", nil))
	require.NoError(t, s.Save("receipts", nil))

	require.NoError(t, s.Clear("items"))
	_, err := s.Load("items")
	require.ErrorIs(t, err, ErrNoSnapshot)

	_, err = s.Load("receipts")
	require.NoError(t, err)

	require.NoError(t, s.ClearAll())
	_, err = s.Load("receipts")
	require.ErrorIs(t, err, ErrNoSnapshot)
}
