package optimistic

import (
	"fmt"
	"maps"
	"time"

	"github.com/tonimelisma/tillsync/internal/record"
)

// Operation is the kind of mutation an Update carries.
type Operation int

// Mutation kinds.
const (
	OpCreate Operation = iota
	OpUpdate
	OpDelete
)

func (o Operation) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("Operation(%d)", int(o))
	}
}

// Status is where an update sits in its lifecycle.
//
//	pending -> committed
//	pending -> failed -> pending (retry)
type Status string

// Update statuses.
const (
	StatusPending   Status = "pending"
	StatusCommitted Status = "committed"
	StatusFailed    Status = "failed"
)

// Update is one local mutation awaiting remote confirmation.
type Update struct {
	ID         string
	Collection string
	DocumentID string
	Operation  Operation
	Data       record.Fields
	// Original is the visible record before this update was applied; nil
	// when the document did not exist.
	Original  *record.Record
	Timestamp time.Time

	Status    Status
	Attempts  int
	LastError string
	// ErrorCode and CanRetry classify the last failure.
	ErrorCode string
	CanRetry  bool
}

func (u *Update) clone() *Update {
	c := *u
	c.Data = maps.Clone(u.Data)
	c.Original = u.Original.Clone()

	return &c
}

// apply returns the result of applying u on top of cur. cur is not
// modified. A nil result means the document does not exist.
func (u *Update) apply(cur *record.Record) *record.Record {
	switch u.Operation {
	case OpCreate:
		r := &record.Record{
			ID:         u.DocumentID,
			Collection: u.Collection,
			Fields:     cloneFields(u.Data),
			CreatedAt:  u.Timestamp,
			UpdatedAt:  u.Timestamp,
		}

		if cur != nil {
			r.RemoteID = cur.RemoteID
			r.CreatedAt = cur.CreatedAt
		}

		return r
	case OpUpdate:
		if cur == nil {
			return nil
		}

		r := cur.Clone()
		if r.Fields == nil {
			r.Fields = record.Fields{}
		}

		for k, v := range cloneFields(u.Data) {
			r.Fields[k] = v
		}

		r.UpdatedAt = u.Timestamp
		r.IsSynced = false

		return r
	case OpDelete:
		return nil
	default:
		return cur.Clone()
	}
}

func cloneFields(f record.Fields) record.Fields {
	r := &record.Record{Fields: f}
	return r.Clone().Fields
}
