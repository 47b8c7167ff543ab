// Package remote talks to the authoritative document store. Client is the
// HTTP and WebSocket transport; Adapter layers subscriptions, snapshot
// debouncing, conflict resolution, circuit breaking, and cached fallbacks
// on top of any Backend.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tonimelisma/tillsync/internal/record"
	"github.com/tonimelisma/tillsync/internal/store"
)

// Backend is the remote document store. Documents carry caller fields plus
// id, createdAt, and updatedAt.
type Backend interface {
	Fetch(ctx context.Context, collection string, q store.Options) ([]record.Doc, error)
	Create(ctx context.Context, collection string, doc record.Doc) (record.Doc, error)
	Update(ctx context.Context, collection, id string, fields record.Fields) (record.Doc, error)
	Delete(ctx context.Context, collection, id string) error
	// Subscribe opens a snapshot stream. The first snapshot is the current
	// state of the collection.
	Subscribe(ctx context.Context, collection string, q store.Options) (Stream, error)
}

// Stream delivers snapshots until it fails or is closed. Next returns
// io.EOF after a clean close by the server.
type Stream interface {
	Next(ctx context.Context) (Snapshot, error)
	Close() error
}

// Snapshot is one point-in-time view of a remote collection.
type Snapshot struct {
	Documents []record.Doc
	// SentAt is when the server produced the snapshot; zero if unknown.
	SentAt time.Time
}

// snapshotFrame is the wire form of a Snapshot.
type snapshotFrame struct {
	Documents []record.Doc `json:"documents"`
	SentAt    int64        `json:"sentAt,omitempty"`
}

// UnmarshalJSON decodes a {documents, sentAt} frame.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var f snapshotFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("remote: decoding snapshot: %w", err)
	}

	s.Documents = f.Documents
	s.SentAt = time.Time{}

	if f.SentAt > 0 {
		s.SentAt = time.UnixMilli(f.SentAt)
	}

	return nil
}

// MarshalJSON encodes the {documents, sentAt} frame.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	f := snapshotFrame{Documents: s.Documents}
	if f.Documents == nil {
		f.Documents = []record.Doc{}
	}

	if !s.SentAt.IsZero() {
		f.SentAt = s.SentAt.UnixMilli()
	}

	return json.Marshal(f)
}

// toRecord converts a remote document into confirmed local state.
func toRecord(collection string, d record.Doc) *record.Record {
	r := record.FromDoc(collection, d)
	r.RemoteID = r.ID
	r.IsSynced = true

	return r
}

func toRecords(collection string, docs []record.Doc) []*record.Record {
	out := make([]*record.Record, 0, len(docs))
	for _, d := range docs {
		out = append(out, toRecord(collection, d))
	}

	return out
}
