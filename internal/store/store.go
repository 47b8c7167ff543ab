// Package store is the durable on-device replica: keyed records per
// collection in SQLite, with typed projections for items and receipts that
// back the pre-aggregated reports. Every local write is visible to the next
// read and marks the row unsynced; only PutSynced and MarkSynced set the
// synced flag.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/tonimelisma/tillsync/internal/record"
)

// Sentinel errors.
var (
	ErrNotFound      = errors.New("store: record not found")
	ErrAlreadyExists = errors.New("store: record already exists")
)

// SQL statements for record operations.
const (
	recordColumns = `collection, id, remote_id, fields, created_at, updated_at, is_synced`

	sqlGetRecord = `SELECT ` + recordColumns + ` FROM records WHERE collection = ? AND id = ?`

	sqlListRecords = `SELECT ` + recordColumns + ` FROM records WHERE collection = ?
		ORDER BY created_at, id`

	sqlListUnsynced = `SELECT ` + recordColumns + ` FROM records WHERE is_synced = 0
		AND (? = '' OR collection = ?) ORDER BY updated_at, id`

	sqlCountRecords = `SELECT COUNT(*) FROM records WHERE collection = ?`

	sqlInsertRecord = `INSERT INTO records (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	sqlUpsertRecord = `INSERT INTO records (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
		 remote_id = COALESCE(excluded.remote_id, records.remote_id),
		 fields = excluded.fields,
		 created_at = MIN(records.created_at, excluded.created_at),
		 updated_at = excluded.updated_at,
		 is_synced = excluded.is_synced`

	sqlDeleteRecord = `DELETE FROM records WHERE collection = ? AND id = ?`

	sqlMarkSynced = `UPDATE records SET is_synced = 1, remote_id = COALESCE(?, remote_id)
		WHERE collection = ? AND id = ?`

	sqlSyncedIDs = `SELECT id FROM records WHERE collection = ? AND is_synced = 1`

	sqlSummary = `SELECT collection, COUNT(*), SUM(CASE WHEN is_synced = 0 THEN 1 ELSE 0 END)
		FROM records GROUP BY collection ORDER BY collection`
)

// Store is the sole writer to the local database.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests
}

// Open opens the SQLite database at path, runs migrations, and returns a
// ready-to-use store. The database uses WAL mode with synchronous=FULL so a
// confirmed local write survives a crash.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database %s: %w", path, err)
	}

	// Sole-writer pattern: one connection serializes every statement.
	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("store opened", slog.String("db_path", path))

	return &Store{
		db:      db,
		logger:  logger,
		nowFunc: time.Now,
	}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new unsynced record. An empty id is replaced with a
// fresh UUID. Creating an id that already exists returns ErrAlreadyExists.
func (s *Store) Create(ctx context.Context, collection, id string, fields record.Fields) (*record.Record, error) {
	if id == "" {
		id = uuid.NewString()
	}

	now := s.nowFunc()
	rec := &record.Record{
		ID:         id,
		Collection: collection,
		Fields:     record.Normalize(fields),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getRecord(ctx, tx, collection, id); err == nil {
			return fmt.Errorf("store: creating %s/%s: %w", collection, id, ErrAlreadyExists)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		if err := execRecord(ctx, tx, sqlInsertRecord, rec); err != nil {
			return fmt.Errorf("store: creating %s/%s: %w", collection, id, err)
		}

		return writeProjection(ctx, tx, rec)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("record created", slog.String("collection", collection), slog.String("id", id))

	return rec, nil
}

// Get returns one record or ErrNotFound.
func (s *Store) Get(ctx context.Context, collection, id string) (*record.Record, error) {
	return getRecord(ctx, s.db, collection, id)
}

// Update merges fields into an existing record, stamps UpdatedAt, and marks
// it unsynced. A missing record returns ErrNotFound.
func (s *Store) Update(ctx context.Context, collection, id string, fields record.Fields) (*record.Record, error) {
	var rec *record.Record

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getRecord(ctx, tx, collection, id)
		if err != nil {
			return fmt.Errorf("store: updating %s/%s: %w", collection, id, err)
		}

		for k, v := range record.Normalize(fields) {
			existing.Fields[k] = v
		}

		existing.UpdatedAt = s.nowFunc()
		existing.IsSynced = false

		if err := execRecord(ctx, tx, sqlUpsertRecord, existing); err != nil {
			return fmt.Errorf("store: updating %s/%s: %w", collection, id, err)
		}

		rec = existing

		return writeProjection(ctx, tx, existing)
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// Delete removes a record and its projection rows. A missing record
// returns ErrNotFound; callers that treat delete-of-missing as success
// check for it with errors.Is.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlDeleteRecord, collection, id)
		if err != nil {
			return fmt.Errorf("store: deleting %s/%s: %w", collection, id, err)
		}

		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("store: deleting %s/%s: %w", collection, id, ErrNotFound)
		}

		return deleteProjection(ctx, tx, collection, id)
	})
}

// Upsert writes rec as an unsynced local change, inserting it if missing.
// UpdatedAt is stamped with the current time; an existing row keeps its
// earlier CreatedAt.
func (s *Store) Upsert(ctx context.Context, rec *record.Record) (*record.Record, error) {
	out := rec.Clone()
	out.Fields = record.Normalize(out.Fields)
	out.UpdatedAt = s.nowFunc()
	out.IsSynced = false

	if out.CreatedAt.IsZero() {
		out.CreatedAt = out.UpdatedAt
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := execRecord(ctx, tx, sqlUpsertRecord, out); err != nil {
			return fmt.Errorf("store: upserting %s/%s: %w", out.Collection, out.ID, err)
		}

		return writeProjection(ctx, tx, out)
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// PutSynced writes confirmed remote state in one transaction. Timestamps
// are kept as the remote reported them and every row is marked synced.
func (s *Store) PutSynced(ctx context.Context, recs ...*record.Record) error {
	if len(recs) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, r := range recs {
			out := r.Clone()
			out.Fields = record.Normalize(out.Fields)
			out.IsSynced = true

			if out.UpdatedAt.IsZero() {
				out.UpdatedAt = s.nowFunc()
			}

			if out.CreatedAt.IsZero() {
				out.CreatedAt = out.UpdatedAt
			}

			if err := execRecord(ctx, tx, sqlUpsertRecord, out); err != nil {
				return fmt.Errorf("store: storing synced %s/%s: %w", out.Collection, out.ID, err)
			}

			if err := writeProjection(ctx, tx, out); err != nil {
				return err
			}
		}

		return nil
	})
}

// MarkSynced flags a record as confirmed by the remote, optionally
// recording the remote id. A missing record returns ErrNotFound.
func (s *Store) MarkSynced(ctx context.Context, collection, id, remoteID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlMarkSynced, nullString(remoteID), collection, id)
		if err != nil {
			return fmt.Errorf("store: marking %s/%s synced: %w", collection, id, err)
		}

		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("store: marking %s/%s synced: %w", collection, id, ErrNotFound)
		}

		return markProjectionSynced(ctx, tx, collection, id, remoteID)
	})
}

// PruneSynced deletes the synced rows of collection whose ids are not in
// keep and returns the deleted ids. Unsynced rows are never pruned: they
// hold local changes the remote has not seen yet.
func (s *Store) PruneSynced(ctx context.Context, collection string, keep map[string]bool) ([]string, error) {
	var deleted []string

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, sqlSyncedIDs, collection)
		if err != nil {
			return fmt.Errorf("store: listing synced ids in %s: %w", collection, err)
		}

		var stale []string

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("store: scanning synced id: %w", err)
			}

			if !keep[id] {
				stale = append(stale, id)
			}
		}

		rows.Close()

		if err := rows.Err(); err != nil {
			return fmt.Errorf("store: iterating synced ids: %w", err)
		}

		for _, id := range stale {
			if _, err := tx.ExecContext(ctx, sqlDeleteRecord, collection, id); err != nil {
				return fmt.Errorf("store: pruning %s/%s: %w", collection, id, err)
			}

			if err := deleteProjection(ctx, tx, collection, id); err != nil {
				return err
			}
		}

		deleted = stale

		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(deleted) > 0 {
		s.logger.Info("pruned records deleted remotely",
			slog.String("collection", collection),
			slog.Int("count", len(deleted)),
		)
	}

	return deleted, nil
}

// List returns every record of collection ordered by creation time.
func (s *Store) List(ctx context.Context, collection string) ([]*record.Record, error) {
	rows, err := s.db.QueryContext(ctx, sqlListRecords, collection)
	if err != nil {
		return nil, fmt.Errorf("store: listing %s: %w", collection, err)
	}

	return scanRecords(rows)
}

// Unsynced returns the records with local changes the remote has not
// confirmed, oldest change first. An empty collection lists all of them.
func (s *Store) Unsynced(ctx context.Context, collection string) ([]*record.Record, error) {
	rows, err := s.db.QueryContext(ctx, sqlListUnsynced, collection, collection)
	if err != nil {
		return nil, fmt.Errorf("store: listing unsynced records: %w", err)
	}

	return scanRecords(rows)
}

// Count returns the number of records in collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, sqlCountRecords, collection).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: counting %s: %w", collection, err)
	}

	return n, nil
}

// CollectionSummary describes one collection for status output.
type CollectionSummary struct {
	Collection string
	Records    int
	Unsynced   int
}

// Summary returns record and unsynced counts for every collection.
func (s *Store) Summary(ctx context.Context) ([]CollectionSummary, error) {
	rows, err := s.db.QueryContext(ctx, sqlSummary)
	if err != nil {
		return nil, fmt.Errorf("store: summarizing collections: %w", err)
	}
	defer rows.Close()

	var out []CollectionSummary

	for rows.Next() {
		var cs CollectionSummary
		if err := rows.Scan(&cs.Collection, &cs.Records, &cs.Unsynced); err != nil {
			return nil, fmt.Errorf("store: scanning summary: %w", err)
		}

		out = append(out, cs)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating summary: %w", err)
	}

	return out, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing transaction: %w", err)
	}

	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecord(ctx context.Context, q querier, collection, id string) (*record.Record, error) {
	rec, err := scanRecord(q.QueryRowContext(ctx, sqlGetRecord, collection, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: %s/%s: %w", collection, id, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("store: reading %s/%s: %w", collection, id, err)
	}

	return rec, nil
}

func execRecord(ctx context.Context, tx *sql.Tx, stmt string, r *record.Record) error {
	data, err := record.EncodeFields(r.Fields)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, stmt,
		r.Collection, r.ID,
		nullString(r.RemoteID),
		string(data),
		r.CreatedAt.UnixMilli(),
		r.UpdatedAt.UnixMilli(),
		boolInt(r.IsSynced),
	)

	return err
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*record.Record, error) {
	var (
		r         record.Record
		remoteID  sql.NullString
		fields    string
		createdAt int64
		updatedAt int64
		synced    int
	)

	if err := row.Scan(&r.Collection, &r.ID, &remoteID, &fields, &createdAt, &updatedAt, &synced); err != nil {
		return nil, err
	}

	f, err := record.DecodeFields([]byte(fields))
	if err != nil {
		return nil, err
	}

	r.RemoteID = remoteID.String
	r.Fields = f
	r.CreatedAt = time.UnixMilli(createdAt)
	r.UpdatedAt = time.UnixMilli(updatedAt)
	r.IsSynced = synced == 1

	return &r, nil
}

func scanRecords(rows *sql.Rows) ([]*record.Record, error) {
	defer rows.Close()

	var out []*record.Record

	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning record: %w", err)
		}

		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating records: %w", err)
	}

	return out, nil
}

// ---------------------------------------------------------------------------
// Nullable helpers: empty string → NULL in SQLite.
// ---------------------------------------------------------------------------

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
