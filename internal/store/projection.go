package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/tonimelisma/tillsync/internal/record"
)

// Projection statements keep the typed tables in step with records in the
// same transaction as the record write.
const (
	sqlUpsertItem = `INSERT INTO items
		(id, remote_id, name, price, stock_count, is_synced, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 remote_id = COALESCE(excluded.remote_id, items.remote_id),
		 name = excluded.name,
		 price = excluded.price,
		 stock_count = excluded.stock_count,
		 is_synced = excluded.is_synced,
		 updated_at = excluded.updated_at`

	sqlUpsertReceipt = `INSERT INTO receipts
		(id, remote_id, receipt_number, customer_name, subtotal, tax, total,
		 status, is_paid, amount_paid, is_synced, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 remote_id = COALESCE(excluded.remote_id, receipts.remote_id),
		 receipt_number = excluded.receipt_number,
		 customer_name = excluded.customer_name,
		 subtotal = excluded.subtotal,
		 tax = excluded.tax,
		 total = excluded.total,
		 status = excluded.status,
		 is_paid = excluded.is_paid,
		 amount_paid = excluded.amount_paid,
		 is_synced = excluded.is_synced,
		 created_at = MIN(receipts.created_at, excluded.created_at),
		 updated_at = excluded.updated_at`

	sqlDeleteLineItems = `DELETE FROM receipt_line_items WHERE receipt_id = ?`

	sqlInsertLineItem = `INSERT INTO receipt_line_items
		(id, receipt_id, item_id, name, quantity, unit_price, line_total)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	sqlDeleteItem    = `DELETE FROM items WHERE id = ?`
	sqlDeleteReceipt = `DELETE FROM receipts WHERE id = ?`

	sqlMarkItemSynced = `UPDATE items SET is_synced = 1, remote_id = COALESCE(?, remote_id)
		WHERE id = ?`
	sqlMarkReceiptSynced = `UPDATE receipts SET is_synced = 1, remote_id = COALESCE(?, remote_id)
		WHERE id = ?`

	sqlReceiptReport = `SELECT COUNT(*), COALESCE(SUM(subtotal), 0), COALESCE(SUM(tax), 0),
		COALESCE(SUM(total), 0), COALESCE(SUM(is_paid), 0), COALESCE(SUM(amount_paid), 0)
		FROM receipts WHERE created_at >= ? AND created_at < ?`

	sqlLowStock = `SELECT id, name, price, stock_count FROM items
		WHERE stock_count <= ? ORDER BY stock_count, name`
)

func writeProjection(ctx context.Context, tx *sql.Tx, r *record.Record) error {
	switch r.Collection {
	case record.CollectionItems:
		it := record.ItemFrom(r)

		_, err := tx.ExecContext(ctx, sqlUpsertItem,
			r.ID, nullString(r.RemoteID), it.Name, it.Price, it.Stock,
			boolInt(r.IsSynced), r.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("store: projecting item %s: %w", r.ID, err)
		}
	case record.CollectionReceipts:
		return writeReceiptProjection(ctx, tx, r)
	}

	return nil
}

func writeReceiptProjection(ctx context.Context, tx *sql.Tx, r *record.Record) error {
	rc := record.ReceiptFrom(r)

	_, err := tx.ExecContext(ctx, sqlUpsertReceipt,
		r.ID, nullString(r.RemoteID), rc.ReceiptNumber, nullString(rc.CustomerName),
		rc.Subtotal, rc.Tax, rc.Total, nullString(rc.Status),
		boolInt(rc.IsPaid), rc.AmountPaid, boolInt(r.IsSynced),
		r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: projecting receipt %s: %w", r.ID, err)
	}

	if _, err := tx.ExecContext(ctx, sqlDeleteLineItems, r.ID); err != nil {
		return fmt.Errorf("store: clearing line items of %s: %w", r.ID, err)
	}

	for i, li := range rc.LineItems {
		_, err := tx.ExecContext(ctx, sqlInsertLineItem,
			r.ID+":"+strconv.Itoa(i), r.ID, nullString(li.ItemID), nullString(li.Name),
			li.Quantity, li.UnitPrice, li.LineTotal,
		)
		if err != nil {
			return fmt.Errorf("store: projecting line item %d of %s: %w", i, r.ID, err)
		}
	}

	return nil
}

// deleteProjection removes typed rows; line items cascade with the receipt.
func deleteProjection(ctx context.Context, tx *sql.Tx, collection, id string) error {
	var stmt string

	switch collection {
	case record.CollectionItems:
		stmt = sqlDeleteItem
	case record.CollectionReceipts:
		stmt = sqlDeleteReceipt
	default:
		return nil
	}

	if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
		return fmt.Errorf("store: deleting projection %s/%s: %w", collection, id, err)
	}

	return nil
}

func markProjectionSynced(ctx context.Context, tx *sql.Tx, collection, id, remoteID string) error {
	var stmt string

	switch collection {
	case record.CollectionItems:
		stmt = sqlMarkItemSynced
	case record.CollectionReceipts:
		stmt = sqlMarkReceiptSynced
	default:
		return nil
	}

	if _, err := tx.ExecContext(ctx, stmt, nullString(remoteID), id); err != nil {
		return fmt.Errorf("store: marking projection %s/%s synced: %w", collection, id, err)
	}

	return nil
}

// ReceiptReport aggregates the receipts created in a time range.
type ReceiptReport struct {
	From       time.Time
	To         time.Time
	Count      int
	Subtotal   float64
	Tax        float64
	Total      float64
	PaidCount  int
	AmountPaid float64
}

// ReceiptsInRange aggregates receipts with from <= createdAt < to.
func (s *Store) ReceiptsInRange(ctx context.Context, from, to time.Time) (ReceiptReport, error) {
	rep := ReceiptReport{From: from, To: to}

	err := s.db.QueryRowContext(ctx, sqlReceiptReport, from.UnixMilli(), to.UnixMilli()).Scan(
		&rep.Count, &rep.Subtotal, &rep.Tax, &rep.Total, &rep.PaidCount, &rep.AmountPaid,
	)
	if err != nil {
		return ReceiptReport{}, fmt.Errorf("store: aggregating receipts: %w", err)
	}

	return rep, nil
}

// LowStock returns items whose stock is at or below threshold, lowest first.
func (s *Store) LowStock(ctx context.Context, threshold int64) ([]record.Item, error) {
	rows, err := s.db.QueryContext(ctx, sqlLowStock, threshold)
	if err != nil {
		return nil, fmt.Errorf("store: querying low stock: %w", err)
	}
	defer rows.Close()

	var out []record.Item

	for rows.Next() {
		var it record.Item
		if err := rows.Scan(&it.ID, &it.Name, &it.Price, &it.Stock); err != nil {
			return nil, fmt.Errorf("store: scanning item: %w", err)
		}

		out = append(out, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating items: %w", err)
	}

	return out, nil
}
