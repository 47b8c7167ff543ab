package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/tonimelisma/tillsync/internal/record"
)

// snapshotVersion is the only entry format Load accepts; entries written
// with any other version are treated as misses.
const snapshotVersion = 1

const openTimeout = time.Second

// ErrNoSnapshot is returned by Load when no usable snapshot is stored.
var ErrNoSnapshot = errors.New("cache: no snapshot")

// snapshotEntry is the persisted value format.
type snapshotEntry struct {
	Version   int          `json:"version"`
	Data      []record.Doc `json:"data"`
	Timestamp int64        `json:"timestamp"`
}

// Snapshot is the last accepted remote state of a collection.
type Snapshot struct {
	Collection string
	Records    []*record.Record
	SavedAt    time.Time
}

// SnapshotStore persists collection snapshots in a bbolt file. Each
// namespace is its own bucket; keys are "collection:<name>".
type SnapshotStore struct {
	db      *bbolt.DB
	bucket  []byte
	nowFunc func() time.Time
}

// OpenSnapshots opens (or creates) the snapshot file at path and ensures
// the namespace bucket exists.
func OpenSnapshots(path, namespace string) (*SnapshotStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("cache: opening snapshot store %s: %w", path, err)
	}

	bucket := []byte(namespace)

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: creating bucket %q: %w", namespace, err)
	}

	return &SnapshotStore{db: db, bucket: bucket, nowFunc: time.Now}, nil
}

// Close closes the underlying file.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

func snapshotKey(collection string) []byte {
	return []byte("collection:" + collection)
}

// Save replaces the stored snapshot of collection.
func (s *SnapshotStore) Save(collection string, recs []*record.Record) error {
	e := snapshotEntry{
		Version:   snapshotVersion,
		Data:      make([]record.Doc, 0, len(recs)),
		Timestamp: s.nowFunc().UnixMilli(),
	}

	for _, r := range recs {
		e.Data = append(e.Data, r.ToDoc())
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache: encoding snapshot of %s: %w", collection, err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Put(snapshotKey(collection), data)
	})
	if err != nil {
		return fmt.Errorf("cache: saving snapshot of %s: %w", collection, err)
	}

	return nil
}

// Load returns the stored snapshot of collection, or ErrNoSnapshot when
// none exists or the stored entry has an unknown version. Loaded records
// are marked synced: a snapshot only ever holds remote state.
func (s *SnapshotStore) Load(collection string) (*Snapshot, error) {
	var raw []byte

	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(s.bucket).Get(snapshotKey(collection)); v != nil {
			raw = append([]byte(nil), v...)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cache: loading snapshot of %s: %w", collection, err)
	}

	if raw == nil {
		return nil, ErrNoSnapshot
	}

	var e snapshotEntry
	if err := json.Unmarshal(raw, &e); err != nil || e.Version != snapshotVersion {
		return nil, ErrNoSnapshot
	}

	snap := &Snapshot{
		Collection: collection,
		Records:    make([]*record.Record, 0, len(e.Data)),
		SavedAt:    time.UnixMilli(e.Timestamp),
	}

	for _, d := range e.Data {
		r := record.FromDoc(collection, d)
		r.IsSynced = true
		snap.Records = append(snap.Records, r)
	}

	return snap, nil
}

// Clear removes the stored snapshot of collection.
func (s *SnapshotStore) Clear(collection string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Delete(snapshotKey(collection))
	})
	if err != nil {
		return fmt.Errorf("cache: clearing snapshot of %s: %w", collection, err)
	}

	return nil
}

// ClearAll removes every snapshot in the namespace.
func (s *SnapshotStore) ClearAll() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(s.bucket); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}

		_, err := tx.CreateBucket(s.bucket)

		return err
	})
	if err != nil {
		return fmt.Errorf("cache: clearing snapshots: %w", err)
	}

	return nil
}
