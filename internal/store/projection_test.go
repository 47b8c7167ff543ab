package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/tillsync/internal/record"
)

func receiptFields(number string, subtotal, tax float64, paid bool) record.Fields {
	return record.Fields{
		record.FieldReceiptNumber: number,
		record.FieldSubtotal:      subtotal,
		record.FieldTax:           tax,
		record.FieldTotal:         subtotal + tax,
		record.FieldIsPaid:        paid,
		record.FieldLineItems: []any{
			map[string]any{"itemId": "it-1", "name": "Tea", "quantity": float64(2), "unitPrice": subtotal / 2},
		},
	}
}

func TestReceiptsInRange(t *testing.T) {
	t.Parallel()

	s, now := newTestStore(t)
	ctx := t.Context()
	start := *now

	_, err := s.Create(ctx, record.CollectionReceipts, "r1", receiptFields("R-1", 10, 1, true))
	require.NoError(t, err)

	*now = now.Add(time.Hour)
	_, err = s.Create(ctx, record.CollectionReceipts, "r2", receiptFields("R-2", 20, 2, false))
	require.NoError(t, err)

	*now = now.Add(48 * time.Hour)
	_, err = s.Create(ctx, record.CollectionReceipts, "r3", receiptFields("R-3", 99, 9, true))
	require.NoError(t, err)

	rep, err := s.ReceiptsInRange(ctx, start, start.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Count)
	assert.InDelta(t, 30.0, rep.Subtotal, 1e-9)
	assert.InDelta(t, 3.0, rep.Tax, 1e-9)
	assert.InDelta(t, 33.0, rep.Total, 1e-9)
	assert.Equal(t, 1, rep.PaidCount)
}

func TestReceiptsInRange_Empty(t *testing.T) {
	t.Parallel()

	s, now := newTestStore(t)

	rep, err := s.ReceiptsInRange(t.Context(), *now, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Count)
	assert.Zero(t, rep.Total)
}

func TestReceiptProjection_ReplacesLineItems(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := t.Context()

	_, err := s.Create(ctx, record.CollectionReceipts, "r1", receiptFields("R-1", 10, 1, false))
	require.NoError(t, err)

	_, err = s.Update(ctx, record.CollectionReceipts, "r1", record.Fields{
		record.FieldLineItems: []any{
			map[string]any{"itemId": "a", "quantity": float64(1), "unitPrice": 4.0},
			map[string]any{"itemId": "b", "quantity": float64(2), "unitPrice": 3.0},
		},
	})
	require.NoError(t, err)

	var n int
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM receipt_line_items WHERE receipt_id = ?`, "r1").Scan(&n))
	assert.Equal(t, 2, n)

	require.NoError(t, s.Delete(ctx, record.CollectionReceipts, "r1"))
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM receipt_line_items WHERE receipt_id = ?`, "r1").Scan(&n))
	assert.Equal(t, 0, n, "line items cascade")
}

func TestLowStock(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	seedItems(t, s)

	low, err := s.LowStock(t.Context(), 2)
	require.NoError(t, err)
	require.Len(t, low, 3)
	// Water has no stock field and projects as zero.
	assert.Equal(t, int64(0), low[0].Stock)
	assert.Equal(t, "Black Coffee", low[2].Name)
	assert.Equal(t, int64(2), low[2].Stock)
}

func TestMarkSynced_UpdatesProjection(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := t.Context()

	_, err := s.Create(ctx, record.CollectionItems, "it-1", record.Fields{"name": "Tea"})
	require.NoError(t, err)
	require.NoError(t, s.MarkSynced(ctx, record.CollectionItems, "it-1", "srv-1"))

	var (
		synced   int
		remoteID string
	)

	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT is_synced, remote_id FROM items WHERE id = ?`, "it-1").Scan(&synced, &remoteID))
	assert.Equal(t, 1, synced)
	assert.Equal(t, "srv-1", remoteID)
}
