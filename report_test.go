package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/tillsync/internal/record"
)

func TestReportRange_Defaults(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

	from, to, err := reportRange("", "", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), to)
}

func TestReportRange_Explicit(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	from, to, err := reportRange("2026-03-01", "2026-04-01", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), to)

	// --from alone covers one day.
	from, to, err = reportRange("2026-03-01", "", now)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, to.Sub(from))
}

func TestReportRange_Invalid(t *testing.T) {
	t.Parallel()

	now := time.Now()

	_, _, err := reportRange("03/01/2026", "", now)
	assert.ErrorContains(t, err, "--from")

	_, _, err = reportRange("", "tomorrow", now)
	assert.ErrorContains(t, err, "--to")

	_, _, err = reportRange("2026-03-02", "2026-03-01", now)
	assert.ErrorContains(t, err, "after")
}

func TestReportCLI_Receipts(t *testing.T) {
	cfgPath := offlineConfig(t)

	_, err := runCLI(t, cfgPath, "put", "receipts", "--id", "r1",
		"receiptNumber=R-1", "subtotal=10", "tax=2", "total=12", "isPaid=true", "amountPaid=12")
	require.NoError(t, err)

	_, err = runCLI(t, cfgPath, "put", "receipts", "--id", "r2",
		"receiptNumber=R-2", "subtotal=5", "tax=1", "total=6")
	require.NoError(t, err)

	out, err := runCLI(t, cfgPath, "--json", "report", "receipts")
	require.NoError(t, err)

	var rep receiptsJSON
	require.NoError(t, json.Unmarshal([]byte(out), &rep), out)

	assert.Equal(t, 2, rep.Count)
	assert.InDelta(t, 18, rep.Total, 0.001)
	assert.InDelta(t, 3, rep.Tax, 0.001)
	assert.Equal(t, 1, rep.PaidCount)
	assert.InDelta(t, 12, rep.AmountPaid, 0.001)
}

func TestReportCLI_LowStock(t *testing.T) {
	cfgPath := offlineConfig(t)

	_, err := runCLI(t, cfgPath, "put", "items", "--id", "tea", "name=Tea", "price=2", "stock=1")
	require.NoError(t, err)

	_, err = runCLI(t, cfgPath, "put", "items", "--id", "coffee", "name=Coffee", "price=3", "stock=20")
	require.NoError(t, err)

	out, err := runCLI(t, cfgPath, "--json", "report", "low-stock", "--threshold", "5")
	require.NoError(t, err)

	var items []record.Item
	require.NoError(t, json.Unmarshal([]byte(out), &items), out)
	require.Len(t, items, 1)
	assert.Equal(t, "tea", items[0].ID)
	assert.Equal(t, int64(1), items[0].Stock)

	out, err = runCLI(t, cfgPath, "--json", "report", "low-stock", "--threshold", "0")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

func TestReportCLI_NegativeThreshold(t *testing.T) {
	cfgPath := offlineConfig(t)

	_, err := runCLI(t, cfgPath, "report", "low-stock", "--threshold", "-1")
	assert.Error(t, err)
}
