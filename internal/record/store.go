package record

import (
	"context"

	"github.com/riversync/riversync/internal/hlc"
)

// Store is the adapter contract the engine reads synchronized tables
// through. Implementations must return records ordered by ModifiedHLC
// (ascending, total HLC order) and must never mutate data outside a
// transaction obtained from Begin.
type Store interface {
	// ReadSince returns up to limit records of table with
	// ModifiedHLC > after, in ascending ModifiedHLC order. limit <= 0
	// means no limit.
	ReadSince(ctx context.Context, table string, after hlc.Timestamp, limit int) ([]Record, error)

	// ReadRange returns records of table with start <= ModifiedHLC <= end,
	// in ascending ModifiedHLC order.
	ReadRange(ctx context.Context, table string, start, end hlc.Timestamp) ([]Record, error)

	// Get returns the current version of one record, tombstones included.
	Get(ctx context.Context, table, entityKey string) (Record, bool, error)

	// MaxModified returns the greatest ModifiedHLC present in table, or
	// ok=false for an empty table.
	MaxModified(ctx context.Context, table string) (hlc.Timestamp, bool, error)

	// Begin opens a transaction. All engine writes go through it.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one atomic unit of applied sync mutations. Either every record in
// the batch becomes durable on Commit, or none do.
type Tx interface {
	// Apply upserts the given post-state records, tombstones included.
	Apply(ctx context.Context, records []Record) error
	Commit() error
	Rollback() error
}
