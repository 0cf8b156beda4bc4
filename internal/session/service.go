// Package session drives one synchronization exchange between the local
// node and one peer: calibrate, compare, resolve, commit, checkpoint.
// The Service half of the package is the local node's answering side; it
// implements the same peer contract a session consumes, so two nodes can
// be wired together in-process or across any channel that can carry the
// peer operations.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/riversync/riversync/internal/checkpoint"
	"github.com/riversync/riversync/internal/chunk"
	"github.com/riversync/riversync/internal/clock"
	"github.com/riversync/riversync/internal/compare"
	"github.com/riversync/riversync/internal/hlc"
	"github.com/riversync/riversync/internal/record"
	"github.com/riversync/riversync/internal/resolve"
)

// Service is one node's sync engine: it answers peer requests against the
// local store and hosts the write path every session commits through.
type Service struct {
	clk      *clock.Clock
	store    record.Store
	state    *checkpoint.Store
	log      *zap.Logger
	defaults *chunk.Chunker

	mu       sync.Mutex
	chunkers map[string]*chunk.Chunker
	tableMu  map[string]*sync.Mutex
}

// NewService wires a Service over the node's store and sync-state
// database. chunkOpts zero value means defaults; tables that need their
// own tuning get it via ConfigureTable.
func NewService(clk *clock.Clock, store record.Store, state *checkpoint.Store, chunkOpts chunk.Options, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		clk:      clk,
		store:    store,
		state:    state,
		log:      log,
		defaults: chunk.New(store, chunkOpts),
		chunkers: make(map[string]*chunk.Chunker),
		tableMu:  make(map[string]*sync.Mutex),
	}
}

// ConfigureTable overrides the chunk tuning for one table.
func (s *Service) ConfigureTable(table string, opts chunk.Options) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunkers[table] = chunk.New(s.store, opts)
}

func (s *Service) chunkerFor(table string) *chunk.Chunker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chunkers[table]; ok {
		return c
	}
	return s.defaults
}

// Clock returns the node's HLC clock.
func (s *Service) Clock() *clock.Clock { return s.clk }

// Store returns the node's record store.
func (s *Service) Store() record.Store { return s.store }

// lockTable returns the commit lock for table, creating it on first use.
// At most one session commits to a table at a time; concurrent sessions
// against different peers serialize their writes here.
func (s *Service) lockTable(table string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.tableMu[table]
	if !ok {
		mu = &sync.Mutex{}
		s.tableMu[table] = mu
	}
	return mu
}

// NodeID implements the peer contract.
func (s *Service) NodeID(ctx context.Context) (uuid.UUID, error) {
	return s.clk.NodeID(), nil
}

// Chunks implements the peer contract.
func (s *Service) Chunks(ctx context.Context, table string, since hlc.Timestamp) ([]chunk.Chunk, error) {
	return s.chunkerFor(table).ChunksSince(ctx, table, since)
}

// SubChunks implements the peer contract and the comparator's source
// contract.
func (s *Service) SubChunks(ctx context.Context, parent chunk.Chunk, subSize int) ([]chunk.Chunk, error) {
	return s.chunkerFor(parent.Table).Break(ctx, parent, subSize)
}

// Records implements the peer contract and the comparator's source
// contract.
func (s *Service) Records(ctx context.Context, table string, start, end hlc.Timestamp) ([]record.Record, error) {
	return s.store.ReadRange(ctx, table, start, end)
}

// Echo implements the peer contract: the calibrated wall clock in UTC
// milliseconds.
func (s *Service) Echo(ctx context.Context) (int64, error) {
	return s.clk.WallMS(), nil
}

// LastSyncHLC implements the peer contract: this node's convergence
// watermark for table against the given node.
func (s *Service) LastSyncHLC(ctx context.Context, table string, node uuid.UUID) (hlc.Timestamp, bool, error) {
	state, ok, err := s.state.LoadTableState(ctx, table, node)
	if err != nil || !ok {
		return hlc.Timestamp{}, false, err
	}
	return state.LastSyncHLC, true, nil
}

// ApplyBatch implements the peer contract: transactional last-writer-wins
// application of resolved records. Every incoming record re-runs conflict
// resolution against the current local version, so a stale or duplicate
// batch converges to the same state instead of clobbering newer writes.
// Returns the greatest ModifiedHLC observed in the batch.
func (s *Service) ApplyBatch(ctx context.Context, table string, records []record.Record) (hlc.Timestamp, error) {
	if len(records) == 0 {
		return hlc.Timestamp{}, nil
	}
	mu := s.lockTable(table)
	mu.Lock()
	defer mu.Unlock()

	var watermark hlc.Timestamp
	accepted := make([]record.Record, 0, len(records))
	for i := range records {
		rec := records[i]
		if rec.Table != table {
			return hlc.Timestamp{}, fmt.Errorf("session: batch record %s belongs to table %s, not %s",
				rec.EntityKey, rec.Table, table)
		}
		watermark = hlc.Max(watermark, rec.ModifiedHLC)

		current, ok, err := s.store.Get(ctx, table, rec.EntityKey)
		if err != nil {
			return hlc.Timestamp{}, fmt.Errorf("session: read current %s/%s: %w", table, rec.EntityKey, err)
		}
		if ok {
			res, err := resolve.Resolve(compare.Delta{
				Kind:   compare.KindDiffer,
				Table:  table,
				Key:    rec.EntityKey,
				Local:  &current,
				Remote: &rec,
			})
			if err != nil {
				return hlc.Timestamp{}, err
			}
			if !res.ApplyLocal {
				continue
			}
		}
		accepted = append(accepted, rec)
	}

	if len(accepted) > 0 {
		tx, err := s.store.Begin(ctx)
		if err != nil {
			return hlc.Timestamp{}, err
		}
		if err := tx.Apply(ctx, accepted); err != nil {
			_ = tx.Rollback()
			return hlc.Timestamp{}, fmt.Errorf("session: apply batch to %s: %w", table, err)
		}
		if err := tx.Commit(); err != nil {
			return hlc.Timestamp{}, fmt.Errorf("session: commit batch to %s: %w", table, err)
		}
	}

	// Fold the batch's causality into the local clock so the next local
	// write is ordered after everything just seen.
	if _, err := s.clk.Receive(watermark); err != nil {
		return hlc.Timestamp{}, err
	}
	s.log.Debug("applied batch",
		zap.String("table", table),
		zap.Int("offered", len(records)),
		zap.Int("accepted", len(accepted)))
	return watermark, nil
}
