// Package sqlitestore implements the record store adapter on SQLite.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/riversync/riversync/internal/hlc"
	"github.com/riversync/riversync/internal/record"
)

// Store keeps synchronized tables in a single SQLite database. HLC values
// are stored in their zero-padded string form, so SQLite's string
// comparison matches HLC order and range scans need no decoding.
type Store struct {
	db *sql.DB
}

// Open opens or creates the record database at the given path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlitestore: db path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &Store{db: db}
	if err := store.applyPragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) applyPragmas(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS records (
	tbl TEXT NOT NULL,
	entity_key TEXT NOT NULL,
	created_hlc TEXT NOT NULL,
	modified_hlc TEXT NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	fields TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (tbl, entity_key)
)`)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_records_modified ON records(tbl, modified_hlc)")
	return err
}

const selectCols = "tbl, entity_key, created_hlc, modified_hlc, deleted, fields"

// ReadSince implements record.Store.
func (s *Store) ReadSince(ctx context.Context, table string, after hlc.Timestamp, limit int) ([]record.Record, error) {
	query := "SELECT " + selectCols + " FROM records WHERE tbl = ? AND modified_hlc > ? ORDER BY modified_hlc"
	args := []any{table, after.String()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ReadRange implements record.Store.
func (s *Store) ReadRange(ctx context.Context, table string, start, end hlc.Timestamp) ([]record.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+selectCols+" FROM records WHERE tbl = ? AND modified_hlc >= ? AND modified_hlc <= ? ORDER BY modified_hlc",
		table, start.String(), end.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Get implements record.Store.
func (s *Store) Get(ctx context.Context, table, entityKey string) (record.Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+selectCols+" FROM records WHERE tbl = ? AND entity_key = ?",
		table, entityKey)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Record{}, false, nil
	}
	if err != nil {
		return record.Record{}, false, err
	}
	return rec, true, nil
}

// MaxModified implements record.Store.
func (s *Store) MaxModified(ctx context.Context, table string) (hlc.Timestamp, bool, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(modified_hlc) FROM records WHERE tbl = ?", table).Scan(&raw)
	if err != nil {
		return hlc.Timestamp{}, false, err
	}
	if !raw.Valid {
		return hlc.Timestamp{}, false, nil
	}
	ts, err := hlc.Parse(raw.String)
	if err != nil {
		return hlc.Timestamp{}, false, fmt.Errorf("sqlitestore: corrupt modified_hlc: %w", err)
	}
	return ts, true, nil
}

// Begin implements record.Store.
func (s *Store) Begin(ctx context.Context) (record.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &storeTx{tx: tx}, nil
}

// Put writes one record in its own transaction. Convenience for local
// writers; the sync engine always batches through Begin.
func (s *Store) Put(ctx context.Context, rec record.Record) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.Apply(ctx, []record.Record{rec}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type storeTx struct {
	tx *sql.Tx
}

func (t *storeTx) Apply(ctx context.Context, records []record.Record) error {
	stmt, err := t.tx.PrepareContext(ctx, `
INSERT INTO records (tbl, entity_key, created_hlc, modified_hlc, deleted, fields)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (tbl, entity_key) DO UPDATE SET
	created_hlc = excluded.created_hlc,
	modified_hlc = excluded.modified_hlc,
	deleted = excluded.deleted,
	fields = excluded.fields`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, rec := range records {
		fields, err := json.Marshal(rec.Fields)
		if err != nil {
			return fmt.Errorf("sqlitestore: encode fields for %s/%s: %w", rec.Table, rec.EntityKey, err)
		}
		deleted := 0
		if rec.Deleted {
			deleted = 1
		}
		if _, err := stmt.ExecContext(ctx,
			rec.Table, rec.EntityKey, rec.CreatedHLC.String(), rec.ModifiedHLC.String(), deleted, string(fields)); err != nil {
			return err
		}
	}
	return nil
}

func (t *storeTx) Commit() error   { return t.tx.Commit() }
func (t *storeTx) Rollback() error { return t.tx.Rollback() }

func scanRecords(rows *sql.Rows) ([]record.Record, error) {
	var out []record.Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(scan func(...any) error) (record.Record, error) {
	var (
		rec        record.Record
		created    string
		modified   string
		deleted    int
		fieldsJSON string
	)
	if err := scan(&rec.Table, &rec.EntityKey, &created, &modified, &deleted, &fieldsJSON); err != nil {
		return record.Record{}, err
	}
	var err error
	if rec.CreatedHLC, err = hlc.Parse(created); err != nil {
		return record.Record{}, fmt.Errorf("sqlitestore: corrupt created_hlc: %w", err)
	}
	if rec.ModifiedHLC, err = hlc.Parse(modified); err != nil {
		return record.Record{}, fmt.Errorf("sqlitestore: corrupt modified_hlc: %w", err)
	}
	rec.Deleted = deleted != 0
	if fieldsJSON != "" && fieldsJSON != "null" {
		if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
			return record.Record{}, fmt.Errorf("sqlitestore: decode fields: %w", err)
		}
	}
	return rec, nil
}
