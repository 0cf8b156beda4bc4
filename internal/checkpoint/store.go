// Package checkpoint persists per-(table, peer) synchronization progress:
// the converged watermark and, for interrupted sessions, the last chunk
// boundary that was fully reconciled and committed. Both survive process
// restart; a session consults them before every comparison to decide
// whether to resume or start from the table's watermark.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/riversync/riversync/internal/hlc"
)

// ErrCorrupt reports that persisted sync state failed to decode. Fatal to
// the affected (table, peer) pairing until an operator intervenes.
var ErrCorrupt = errors.New("checkpoint: persisted sync state is corrupt")

// TableState is the durable convergence marker for one (table, peer)
// pair. Advanced only after a session's changes are committed.
type TableState struct {
	Table string
	Peer  uuid.UUID
	// NodeID is the local node the state belongs to.
	NodeID uuid.UUID
	// LastSyncHLC is the watermark below which both nodes are known to
	// have converged for this table.
	LastSyncHLC hlc.Timestamp
	// LastSyncKey optionally records a cursor to avoid rescanning
	// unchanged prefixes.
	LastSyncKey string
}

// Checkpoint marks the chunk boundary up to which an in-flight session
// has committed, so an interrupted session resumes without reprocessing.
type Checkpoint struct {
	Table        string
	Peer         uuid.UUID
	CommittedHLC hlc.Timestamp
}

// Store wraps the SQLite sync-state database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the sync-state database at the given path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("checkpoint: db path required")
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
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
)`); err != nil {
		return err
	}
	var version int
	if err = tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return err
	}
	if version < 1 {
		if err = applyV1(ctx, tx); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, "INSERT INTO schema_migrations(version, applied_at) VALUES(1, ?)",
			time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func applyV1(ctx context.Context, tx *sql.Tx) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS sync_tables (
			tbl TEXT NOT NULL,
			peer TEXT NOT NULL,
			node_id TEXT NOT NULL,
			last_sync_hlc TEXT NOT NULL,
			last_sync_key TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL,
			PRIMARY KEY (tbl, peer)
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			tbl TEXT NOT NULL,
			peer TEXT NOT NULL,
			committed_hlc TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (tbl, peer)
		)`,
	}
	for _, stmt := range ddl {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// LoadTableState returns the persisted state for (table, peer), or
// ok=false when no session has completed yet.
func (s *Store) LoadTableState(ctx context.Context, table string, peer uuid.UUID) (TableState, bool, error) {
	var (
		state   = TableState{Table: table, Peer: peer}
		nodeRaw string
		hlcRaw  string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT node_id, last_sync_hlc, last_sync_key FROM sync_tables WHERE tbl = ? AND peer = ?",
		table, peer.String()).Scan(&nodeRaw, &hlcRaw, &state.LastSyncKey)
	if errors.Is(err, sql.ErrNoRows) {
		return TableState{}, false, nil
	}
	if err != nil {
		return TableState{}, false, err
	}
	if state.NodeID, err = uuid.Parse(nodeRaw); err != nil {
		return TableState{}, false, fmt.Errorf("%w: node id %q: %v", ErrCorrupt, nodeRaw, err)
	}
	if state.LastSyncHLC, err = hlc.Parse(hlcRaw); err != nil {
		return TableState{}, false, fmt.Errorf("%w: watermark %q: %v", ErrCorrupt, hlcRaw, err)
	}
	return state, true, nil
}

// SaveTableState upserts the convergence marker for (table, peer).
func (s *Store) SaveTableState(ctx context.Context, state TableState) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sync_tables (tbl, peer, node_id, last_sync_hlc, last_sync_key, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (tbl, peer) DO UPDATE SET
	node_id = excluded.node_id,
	last_sync_hlc = excluded.last_sync_hlc,
	last_sync_key = excluded.last_sync_key,
	updated_at = excluded.updated_at`,
		state.Table, state.Peer.String(), state.NodeID.String(),
		state.LastSyncHLC.String(), state.LastSyncKey,
		time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// LoadCheckpoint returns the resume marker for (table, peer), if any.
func (s *Store) LoadCheckpoint(ctx context.Context, table string, peer uuid.UUID) (Checkpoint, bool, error) {
	var hlcRaw string
	err := s.db.QueryRowContext(ctx,
		"SELECT committed_hlc FROM checkpoints WHERE tbl = ? AND peer = ?",
		table, peer.String()).Scan(&hlcRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, err
	}
	cp := Checkpoint{Table: table, Peer: peer}
	if cp.CommittedHLC, err = hlc.Parse(hlcRaw); err != nil {
		return Checkpoint{}, false, fmt.Errorf("%w: checkpoint %q: %v", ErrCorrupt, hlcRaw, err)
	}
	return cp, true, nil
}

// SaveCheckpoint upserts the resume marker. Callers must only invoke it
// after the corresponding commit succeeded.
func (s *Store) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO checkpoints (tbl, peer, committed_hlc, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (tbl, peer) DO UPDATE SET
	committed_hlc = excluded.committed_hlc,
	updated_at = excluded.updated_at`,
		cp.Table, cp.Peer.String(), cp.CommittedHLC.String(),
		time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// ClearCheckpoint removes the resume marker after a session completes.
func (s *Store) ClearCheckpoint(ctx context.Context, table string, peer uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM checkpoints WHERE tbl = ? AND peer = ?", table, peer.String())
	return err
}
