package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/text/cases"

	"github.com/tonimelisma/tillsync/internal/record"
)

// Op is a filter comparison operator.
type Op string

// Supported filter operators.
const (
	OpEq       Op = "eq"
	OpNe       Op = "ne"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpContains Op = "contains"
)

// Filter restricts a query to records whose Field compares true against
// Value. Field may name a caller field or one of id, createdAt, updatedAt.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Sort orders query results by one field.
type Sort struct {
	Field string
	Desc  bool
}

// Options describes a filtered, sorted, paginated query. A zero Limit
// returns every match.
type Options struct {
	Filters []Filter
	Sort    []Sort
	Limit   int
	Offset  int
}

// Unbounded reports whether o selects the whole collection: no filters
// and no limit. Only such a result can be used to infer remote deletions.
func (o Options) Unbounded() bool {
	return len(o.Filters) == 0 && o.Limit == 0 && o.Offset == 0
}

// ParseOp validates an operator name.
func ParseOp(s string) (Op, error) {
	switch op := Op(strings.ToLower(s)); op {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpContains:
		return op, nil
	default:
		return "", fmt.Errorf("store: unknown filter operator %q", s)
	}
}

// Query returns the records of collection matching opts. Filtering and
// ordering run over the decoded documents because fields are schemaless.
func (s *Store) Query(ctx context.Context, collection string, opts Options) ([]*record.Record, error) {
	all, err := s.List(ctx, collection)
	if err != nil {
		return nil, err
	}

	return Apply(all, opts), nil
}

// Apply filters, sorts, and paginates recs in memory. The remote adapter
// uses it to evaluate subscription options against cached snapshots.
func Apply(recs []*record.Record, opts Options) []*record.Record {
	fold := cases.Fold()

	out := make([]*record.Record, 0, len(recs))

	for _, r := range recs {
		doc := r.ToDoc()
		if matchesAll(doc, opts.Filters, fold) {
			out = append(out, r)
		}
	}

	if len(opts.Sort) > 0 {
		slices.SortStableFunc(out, func(a, b *record.Record) int {
			da, db := a.ToDoc(), b.ToDoc()

			for _, srt := range opts.Sort {
				c := compareValues(da[srt.Field], db[srt.Field])
				if srt.Desc {
					c = -c
				}

				if c != 0 {
					return c
				}
			}

			return 0
		})
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []*record.Record{}
		}

		out = out[opts.Offset:]
	}

	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}

	return out
}

func matchesAll(doc record.Doc, filters []Filter, fold cases.Caser) bool {
	for _, f := range filters {
		if !matches(doc[f.Field], f, fold) {
			return false
		}
	}

	return true
}

func matches(v any, f Filter, fold cases.Caser) bool {
	switch f.Op {
	case OpContains:
		hay, ok := v.(string)
		needle, ok2 := f.Value.(string)

		return ok && ok2 && strings.Contains(fold.String(hay), fold.String(needle))
	case OpEq:
		return compareValues(v, f.Value) == 0 && v != nil
	case OpNe:
		return compareValues(v, f.Value) != 0
	}

	// Ordered comparisons never match a missing field.
	if v == nil {
		return false
	}

	c := compareValues(v, f.Value)

	switch f.Op {
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	default:
		return false
	}
}

// compareValues orders JSON-compatible values: missing sorts first, then
// numbers, booleans, and strings. Numeric strings compare against numbers
// numerically so CLI filters like price>2 work.
func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}

	if na, ok := numeric(a); ok {
		if nb, ok := numeric(b); ok {
			return cmp.Compare(na, nb)
		}
	}

	if ba, ok := a.(bool); ok {
		if bb, ok := record.Bool(b); ok {
			return cmp.Compare(boolInt(ba), boolInt(bb))
		}
	}

	return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func numeric(v any) (float64, bool) {
	if n, ok := record.Number(v); ok {
		return n, true
	}

	if s, ok := v.(string); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f, true
		}
	}

	return 0, false
}
