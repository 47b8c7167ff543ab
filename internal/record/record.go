// Package record defines the SyncableRecord model shared by the local store,
// the remote adapter, and the conflict resolver, plus the typed entity views
// (items, receipts) whose merge rules are business critical.
package record

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Well-known collections with typed projections and merge rules.
const (
	CollectionItems    = "items"
	CollectionReceipts = "receipts"
)

// Metadata keys present in the Doc form of a record.
const (
	KeyID        = "id"
	KeyCreatedAt = "createdAt"
	KeyUpdatedAt = "updatedAt"
)

// Fields holds the caller-supplied values of a record. Values are
// JSON-compatible: string, float64, bool, nil, []any, map[string]any.
type Fields map[string]any

// Record is a keyed document owned by the local store. Every local write
// clears IsSynced and stamps UpdatedAt; IsSynced becomes true only after a
// confirmed remote write.
type Record struct {
	ID         string
	RemoteID   string
	Collection string
	Fields     Fields
	CreatedAt  time.Time
	UpdatedAt  time.Time
	IsSynced   bool
}

// Clone returns a deep copy so callers can mutate fields without aliasing
// state held by the store or the visible-state container.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	c := *r
	c.Fields = cloneFields(r.Fields)

	return &c
}

// Doc is the map form of a record used by the conflict resolver: the
// caller fields plus id, createdAt, and updatedAt (epoch milliseconds).
type Doc map[string]any

// ToDoc returns the map form of r.
func (r *Record) ToDoc() Doc {
	d := make(Doc, len(r.Fields)+3)
	for k, v := range r.Fields {
		d[k] = cloneValue(v)
	}

	d[KeyID] = r.ID

	if !r.CreatedAt.IsZero() {
		d[KeyCreatedAt] = r.CreatedAt.UnixMilli()
	}

	if !r.UpdatedAt.IsZero() {
		d[KeyUpdatedAt] = r.UpdatedAt.UnixMilli()
	}

	return d
}

// FromDoc builds a record of the given collection from its map form.
// Timestamps accept epoch milliseconds, RFC 3339 strings, or time.Time.
func FromDoc(collection string, d Doc) *Record {
	r := &Record{Collection: collection, Fields: make(Fields, len(d))}

	for k, v := range d {
		switch k {
		case KeyID:
			if s, ok := v.(string); ok {
				r.ID = s
			}
		case KeyCreatedAt:
			if t, ok := ParseTime(v); ok {
				r.CreatedAt = t
			}
		case KeyUpdatedAt:
			if t, ok := ParseTime(v); ok {
				r.UpdatedAt = t
			}
		default:
			r.Fields[k] = cloneValue(v)
		}
	}

	return r
}

// Normalize NFC-normalizes every string value (recursively) so equal text
// entered on different platforms compares equal.
func Normalize(f Fields) Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[norm.NFC.String(k)] = normalizeValue(v)
	}

	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = normalizeValue(t[i])
		}

		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[norm.NFC.String(k)] = normalizeValue(vv)
		}

		return out
	default:
		return v
	}
}

// DecodeFields parses a JSON object into Fields.
func DecodeFields(data []byte) (Fields, error) {
	f := Fields{}
	if len(data) == 0 {
		return f, nil
	}

	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("record: decoding fields: %w", err)
	}

	return f, nil
}

// EncodeFields serializes Fields as a JSON object.
func EncodeFields(f Fields) ([]byte, error) {
	if f == nil {
		f = Fields{}
	}

	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("record: encoding fields: %w", err)
	}

	return data, nil
}

func cloneFields(f Fields) Fields {
	if f == nil {
		return nil
	}

	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}

	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}

		return out
	case map[string]any:
		out := maps.Clone(t)
		for k, vv := range out {
			out[k] = cloneValue(vv)
		}

		return out
	case Fields:
		return cloneFields(t)
	default:
		return v
	}
}
