package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/riversync/riversync/internal/hlc"
	"github.com/riversync/riversync/internal/record"
)

var nodeA = uuid.MustParse("11111111-1111-1111-1111-111111111111")

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func ts(wall int64, counter uint32) hlc.Timestamp {
	return hlc.Timestamp{WallMS: wall, Counter: counter, NodeID: nodeA}
}

func rec(key string, modified hlc.Timestamp) record.Record {
	return record.Record{
		Table:       "tracks",
		EntityKey:   key,
		CreatedHLC:  ts(1, 0),
		ModifiedHLC: modified,
		Fields:      map[string]string{"title": "t-" + key},
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	want := rec("k1", ts(100, 2))
	if err := store.Put(ctx, want); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := store.Get(ctx, "tracks", "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatalf("record not found")
	}
	if got.Hash() != want.Hash() {
		t.Fatalf("round trip altered record: %+v vs %+v", got, want)
	}

	_, ok, err = store.Get(ctx, "tracks", "missing")
	if err != nil {
		t.Fatalf("Get missing: %v", err)
	}
	if ok {
		t.Fatalf("expected missing record")
	}
}

func TestReadSinceOrderAndLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Insert out of HLC order; reads must come back ordered.
	for _, r := range []record.Record{
		rec("k3", ts(300, 0)),
		rec("k1", ts(100, 0)),
		rec("k2", ts(200, 0)),
	} {
		if err := store.Put(ctx, r); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	got, err := store.ReadSince(ctx, "tracks", ts(100, 0), 0)
	if err != nil {
		t.Fatalf("ReadSince: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records after watermark, got %d", len(got))
	}
	if got[0].EntityKey != "k2" || got[1].EntityKey != "k3" {
		t.Fatalf("wrong order: %s, %s", got[0].EntityKey, got[1].EntityKey)
	}

	got, err = store.ReadSince(ctx, "tracks", hlc.Zero(nodeA), 2)
	if err != nil {
		t.Fatalf("ReadSince limited: %v", err)
	}
	if len(got) != 2 || got[0].EntityKey != "k1" {
		t.Fatalf("limit not honored: %d records", len(got))
	}
}

func TestReadRangeInclusive(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for _, r := range []record.Record{
		rec("k1", ts(100, 0)),
		rec("k2", ts(200, 0)),
		rec("k3", ts(300, 0)),
	} {
		if err := store.Put(ctx, r); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	got, err := store.ReadRange(ctx, "tracks", ts(100, 0), ts(200, 0))
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected inclusive range of 2, got %d", len(got))
	}
}

func TestMaxModified(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, ok, err := store.MaxModified(ctx, "tracks")
	if err != nil {
		t.Fatalf("MaxModified empty: %v", err)
	}
	if ok {
		t.Fatalf("expected empty table")
	}

	if err := store.Put(ctx, rec("k1", ts(500, 7))); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := store.MaxModified(ctx, "tracks")
	if err != nil {
		t.Fatalf("MaxModified: %v", err)
	}
	if !ok || !got.Equal(ts(500, 7)) {
		t.Fatalf("MaxModified: got %s ok=%v", got, ok)
	}
}

func TestTxRollbackDiscardsBatch(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.Apply(ctx, []record.Record{rec("k1", ts(100, 0))}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	_, ok, err := store.Get(ctx, "tracks", "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("rolled-back record is visible")
	}
}

func TestUpsertReplacesWholeRecord(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	orig := rec("k1", ts(100, 0))
	if err := store.Put(ctx, orig); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// A conflict winner created independently elsewhere carries its own
	// CreatedHLC; adopting it must replace every column or the two sides'
	// record hashes never agree.
	winner := orig
	winner.CreatedHLC = ts(90, 0)
	winner.ModifiedHLC = ts(200, 0)
	winner.Fields = map[string]string{"title": "renamed"}
	if err := store.Put(ctx, winner); err != nil {
		t.Fatalf("Put winner: %v", err)
	}
	got, _, err := store.Get(ctx, "tracks", "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Hash() != winner.Hash() {
		t.Fatalf("stored record diverged from winner: %+v", got)
	}
}

func TestTombstoneSurvivesRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	orig := rec("k1", ts(100, 0))
	if err := store.Put(ctx, orig); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Put(ctx, orig.Tombstone(ts(150, 0))); err != nil {
		t.Fatalf("Put tombstone: %v", err)
	}
	got, ok, err := store.Get(ctx, "tracks", "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || !got.Deleted {
		t.Fatalf("tombstone not preserved: ok=%v deleted=%v", ok, got.Deleted)
	}
	if !got.ModifiedHLC.Equal(ts(150, 0)) {
		t.Fatalf("tombstone ModifiedHLC: %s", got.ModifiedHLC)
	}
}
