package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/tillsync/internal/record"
)

func seedItems(t *testing.T, s *Store) {
	t.Helper()

	items := []record.Fields{
		{"name": "Green Tea", "price": 2.5, "stock": float64(12)},
		{"name": "Black Coffee", "price": 3.0, "stock": float64(2)},
		{"name": "GREEN smoothie", "price": 5.0, "stock": float64(0)},
		{"name": "Water", "price": 1.0},
	}

	for i, f := range items {
		_, err := s.Create(t.Context(), record.CollectionItems, string(rune('a'+i)), f)
		require.NoError(t, err)
	}
}

func ids(recs []*record.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}

	return out
}

func TestQuery_ContainsIsCaseFolded(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	seedItems(t, s)

	got, err := s.Query(t.Context(), record.CollectionItems, Options{
		Filters: []Filter{{Field: "name", Op: OpContains, Value: "green"}},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, ids(got))
}

func TestQuery_NumericComparisons(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	seedItems(t, s)

	tests := []struct {
		op   Op
		val  any
		want []string
	}{
		{OpGt, 2.5, []string{"b", "c"}},
		{OpGte, "2.5", []string{"a", "b", "c"}},
		{OpLt, 2.5, []string{"d"}},
		{OpLte, float64(1), []string{"d"}},
		{OpEq, 3, []string{"b"}},
		{OpNe, 3, []string{"a", "c", "d"}},
	}

	for _, tt := range tests {
		got, err := s.Query(t.Context(), record.CollectionItems, Options{
			Filters: []Filter{{Field: "price", Op: tt.op, Value: tt.val}},
		})
		require.NoError(t, err)
		assert.ElementsMatch(t, tt.want, ids(got), "%s %v", tt.op, tt.val)
	}
}

func TestQuery_MissingFieldNeverMatchesOrdered(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	seedItems(t, s)

	got, err := s.Query(t.Context(), record.CollectionItems, Options{
		Filters: []Filter{{Field: "stock", Op: OpLt, Value: 100}},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ids(got))
}

func TestQuery_SortAndPaginate(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	seedItems(t, s)

	got, err := s.Query(t.Context(), record.CollectionItems, Options{
		Sort:   []Sort{{Field: "price", Desc: true}},
		Offset: 1,
		Limit:  2,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ids(got))

	past, err := s.Query(t.Context(), record.CollectionItems, Options{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, past)
}

func TestQuery_SortByMetadata(t *testing.T) {
	t.Parallel()

	s, now := newTestStore(t)
	ctx := t.Context()

	for _, id := range []string{"x", "y", "z"} {
		_, err := s.Create(ctx, "c", id, record.Fields{})
		require.NoError(t, err)

		*now = now.Add(time.Second)
	}

	got, err := s.Query(ctx, "c", Options{Sort: []Sort{{Field: record.KeyCreatedAt, Desc: true}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "y", "x"}, ids(got))
}

func TestParseOp(t *testing.T) {
	t.Parallel()

	op, err := ParseOp("GTE")
	require.NoError(t, err)
	assert.Equal(t, OpGte, op)

	_, err = ParseOp("like")
	assert.Error(t, err)
}

func TestOptionsUnbounded(t *testing.T) {
	t.Parallel()

	assert.True(t, Options{Sort: []Sort{{Field: "name"}}}.Unbounded())
	assert.False(t, Options{Limit: 5}.Unbounded())
	assert.False(t, Options{Filters: []Filter{{Field: "a", Op: OpEq, Value: 1}}}.Unbounded())
}
