package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/tillsync/internal/engine"
	"github.com/tonimelisma/tillsync/internal/record"
	"github.com/tonimelisma/tillsync/internal/store"
)

func TestParseWhere(t *testing.T) {
	t.Parallel()

	tests := []struct {
		expr  string
		field string
		op    store.Op
		value any
	}{
		{"name=Tea", "name", store.OpEq, "Tea"},
		{"price:gt=2", "price", store.OpGt, float64(2)},
		{"stock:lte=0", "stock", store.OpLte, float64(0)},
		{"name:contains=co", "name", store.OpContains, "co"},
		{"isPaid=true", "isPaid", store.OpEq, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			t.Parallel()

			f, err := parseWhere(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.field, f.Field)
			assert.Equal(t, tt.op, f.Op)
			assert.Equal(t, tt.value, f.Value)
		})
	}
}

func TestParseWhere_Invalid(t *testing.T) {
	t.Parallel()

	for _, expr := range []string{"name", "=Tea", "price:between=1"} {
		_, err := parseWhere(expr)
		assert.Error(t, err, expr)
	}
}

func TestParseAssignments(t *testing.T) {
	t.Parallel()

	fields, err := parseAssignments([]string{"name=Tea", "price=2.5", "tags=[\"hot\"]", "note=a=b"})
	require.NoError(t, err)

	assert.Equal(t, "Tea", fields["name"])
	assert.InDelta(t, 2.5, fields["price"], 0.0001)
	assert.Equal(t, []any{"hot"}, fields["tags"])
	assert.Equal(t, "a=b", fields["note"])

	_, err = parseAssignments([]string{"oops"})
	assert.Error(t, err)
}

func TestParseValue(t *testing.T) {
	t.Parallel()

	assert.Nil(t, parseValue("null"))
	assert.Equal(t, false, parseValue("false"))
	assert.Equal(t, "01234abc", parseValue("01234abc"))
	assert.Equal(t, "two words", parseValue("two words"))
}

func TestFormatFields(t *testing.T) {
	t.Parallel()

	got := formatFields(record.Fields{"price": 2.5, "name": "Tea", "note": nil})
	assert.Equal(t, "name=Tea note=null price=2.5", got)
}

func TestResponseError(t *testing.T) {
	t.Parallel()

	assert.NoError(t, responseError(&engine.ServiceResponse{Success: true}))

	err := responseError(&engine.ServiceResponse{Error: "out of stock", ErrorCode: "stock/insufficient"})
	require.Error(t, err)
	assert.Equal(t, "out of stock [stock/insufficient]", err.Error())

	err = responseError(&engine.ServiceResponse{Error: "timeout", CanRetry: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--retry-failed")
}

// --- end-to-end against an offline store ---

func decodeRecord(t *testing.T, out string) recordJSON {
	t.Helper()

	var rec recordJSON
	require.NoError(t, json.Unmarshal([]byte(out), &rec), out)

	return rec
}

func decodeRecords(t *testing.T, out string) []recordJSON {
	t.Helper()

	var recs []recordJSON
	require.NoError(t, json.Unmarshal([]byte(out), &recs), out)

	return recs
}

func TestRecordsCLI_PutListRemove(t *testing.T) {
	cfgPath := offlineConfig(t)

	out, err := runCLI(t, cfgPath, "--json", "put", "items", "--id", "tea", "name=Tea", "price=2.5", "stock=3")
	require.NoError(t, err)

	rec := decodeRecord(t, out)
	assert.Equal(t, "tea", rec.ID)
	assert.False(t, rec.IsSynced)
	assert.Equal(t, "Tea", rec.Fields["name"])

	_, err = runCLI(t, cfgPath, "put", "items", "--id", "coffee", "name=Coffee", "price=3", "stock=10")
	require.NoError(t, err)

	// Existing id updates in place.
	out, err = runCLI(t, cfgPath, "--json", "put", "items", "--id", "tea", "price=2.75")
	require.NoError(t, err)

	rec = decodeRecord(t, out)
	assert.InDelta(t, 2.75, rec.Fields["price"], 0.0001)
	assert.Equal(t, "Tea", rec.Fields["name"])

	out, err = runCLI(t, cfgPath, "--json", "ls", "items", "--sort", "name")
	require.NoError(t, err)

	recs := decodeRecords(t, out)
	require.Len(t, recs, 2)
	assert.Equal(t, "coffee", recs[0].ID)
	assert.Equal(t, "tea", recs[1].ID)

	out, err = runCLI(t, cfgPath, "--json", "ls", "items", "--where", "price:lt=3")
	require.NoError(t, err)

	recs = decodeRecords(t, out)
	require.Len(t, recs, 1)
	assert.Equal(t, "tea", recs[0].ID)

	_, err = runCLI(t, cfgPath, "rm", "items", "tea")
	require.NoError(t, err)

	out, err = runCLI(t, cfgPath, "ls", "items")
	require.NoError(t, err)
	assert.Contains(t, out, "coffee")
	assert.NotContains(t, out, "name=Tea")
}

func TestRecordsCLI_ValidationRefused(t *testing.T) {
	cfgPath := offlineConfig(t)

	_, err := runCLI(t, cfgPath, "put", "items", "price=-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation/items")
}

func TestRecordsCLI_RemoveMissing(t *testing.T) {
	cfgPath := offlineConfig(t)

	_, err := runCLI(t, cfgPath, "rm", "items", "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_found")
}

func TestRecordsCLI_BadFilter(t *testing.T) {
	cfgPath := offlineConfig(t)

	_, err := runCLI(t, cfgPath, "ls", "items", "--where", "price:near=1")
	assert.Error(t, err)
}
