// Package conflict reconciles a server document with a divergent client
// document. Generic collections use one of four strategies; receipts and
// items carry domain rules that protect payments and stock counts.
package conflict

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tonimelisma/tillsync/internal/record"
)

// Window is the maximum distance between two update timestamps for the
// edits to count as concurrent.
const Window = 5 * time.Second

// Strategy selects how Resolve picks between the two sides.
type Strategy string

// Supported strategies.
const (
	ServerWins Strategy = "server-wins"
	ClientWins Strategy = "client-wins"
	NewestWins Strategy = "newest-wins"
	Merge      Strategy = "merge"
)

// ParseStrategy validates a strategy name from configuration.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case ServerWins, ClientWins, NewestWins, Merge:
		return st, nil
	default:
		return "", fmt.Errorf("conflict: unknown strategy %q", s)
	}
}

// Resolve returns the reconciled document. Inputs are never mutated; the
// result is always a fresh copy.
func Resolve(server, client record.Doc, s Strategy) record.Doc {
	switch s {
	case ClientWins:
		return clone(client)
	case NewestWins:
		if newer(client, server) {
			return clone(client)
		}

		return clone(server)
	case Merge:
		return merge(server, client)
	default:
		return clone(server)
	}
}

// ResolveCollection applies the domain rule for collection, falling back to
// Resolve with s for collections that have none.
func ResolveCollection(collection string, server, client record.Doc, s Strategy) record.Doc {
	switch collection {
	case record.CollectionReceipts:
		return MergeReceipt(server, client)
	case record.CollectionItems:
		return MergeItem(server, client, s)
	default:
		return Resolve(server, client, s)
	}
}

// MergeReceipt lets a side that recorded a completed payment win outright
// when the other side did not. Otherwise the newer side wins.
func MergeReceipt(server, client record.Doc) record.Doc {
	serverPaid := record.HasPayment(server)
	clientPaid := record.HasPayment(client)

	switch {
	case serverPaid && !clientPaid:
		return clone(server)
	case clientPaid && !serverPaid:
		return clone(client)
	default:
		return Resolve(server, client, NewestWins)
	}
}

// MergeItem resolves with s and then forces the stock count to the lower
// of the two sides.
func MergeItem(server, client record.Doc, s Strategy) record.Doc {
	out := Resolve(server, client, s)

	ss, okS := record.Number(server[record.FieldStock])
	cs, okC := record.Number(client[record.FieldStock])

	if okS && okC {
		out[record.FieldStock] = min(ss, cs)
	}

	return out
}

// HasConflict reports whether both sides changed within Window of each
// other and their caller fields actually differ. Documents without both
// timestamps never conflict.
func HasConflict(server, client record.Doc) bool {
	st, okS := record.ParseTime(server[record.KeyUpdatedAt])
	ct, okC := record.ParseTime(client[record.KeyUpdatedAt])

	if !okS || !okC {
		return false
	}

	gap := st.Sub(ct)
	if gap < 0 {
		gap = -gap
	}

	if gap > Window {
		return false
	}

	return !Equal(server, client)
}

// Equal compares the non-metadata fields of two documents by their JSON
// encoding.
func Equal(a, b record.Doc) bool {
	ea, errA := json.Marshal(fieldsOnly(a))
	eb, errB := json.Marshal(fieldsOnly(b))

	if errA != nil || errB != nil {
		return false
	}

	return bytes.Equal(ea, eb)
}

// merge starts from the newer side and backfills fields that are absent or
// null there from the older side. Metadata is never taken from the older side.
func merge(server, client record.Doc) record.Doc {
	base, older := server, client
	if newer(client, server) {
		base, older = client, server
	}

	out := clone(base)

	for k, v := range older {
		if isMetadata(k) || v == nil {
			continue
		}

		if cur, ok := out[k]; !ok || cur == nil {
			out[k] = cloneValue(v)
		}
	}

	return out
}

// newer reports whether a was updated strictly after b. A missing
// timestamp sorts before any present one.
func newer(a, b record.Doc) bool {
	at, okA := record.ParseTime(a[record.KeyUpdatedAt])
	bt, okB := record.ParseTime(b[record.KeyUpdatedAt])

	switch {
	case !okA:
		return false
	case !okB:
		return true
	default:
		return at.After(bt)
	}
}

func isMetadata(k string) bool {
	return k == record.KeyID || k == record.KeyCreatedAt || k == record.KeyUpdatedAt
}

func fieldsOnly(d record.Doc) map[string]any {
	out := make(map[string]any, len(d))
	for k, v := range d {
		if !isMetadata(k) {
			out[k] = v
		}
	}

	return out
}

func clone(d record.Doc) record.Doc {
	if d == nil {
		return record.Doc{}
	}

	out := make(record.Doc, len(d))
	for k, v := range d {
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
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}

		return out
	default:
		return v
	}
}
