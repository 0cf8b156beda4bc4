// Package transport defines the contract a sync session uses to talk to
// one peer node, and the wire message shapes exchanged over whatever
// channel the pairing subsystem established. Framing, encryption and
// peer authentication are the channel's concern, not this package's.
package transport

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/riversync/riversync/internal/chunk"
	"github.com/riversync/riversync/internal/hlc"
	"github.com/riversync/riversync/internal/record"
)

var (
	// ErrTimeout classifies a transport exchange that exceeded its
	// deadline. Retriable: the session returns to its last checkpoint.
	ErrTimeout = errors.New("transport: peer exchange timed out")
	// ErrUnknownOp reports a request op this node does not serve.
	ErrUnknownOp = errors.New("transport: unknown peer operation")
)

// Peer is one remote node as seen by a sync session. The engine's own
// Service implements the same interface, so two in-process nodes can be
// paired directly in tests.
type Peer interface {
	// NodeID returns the peer's stable node identifier.
	NodeID(ctx context.Context) (uuid.UUID, error)

	// Chunks returns the peer's chunk metadata for table, covering every
	// record with ModifiedHLC > since.
	Chunks(ctx context.Context, table string, since hlc.Timestamp) ([]chunk.Chunk, error)

	// SubChunks asks the peer to verify and break one of its chunks into
	// sub-chunks of at most subSize records.
	SubChunks(ctx context.Context, parent chunk.Chunk, subSize int) ([]chunk.Chunk, error)

	// Records returns the peer's records of table with
	// start <= ModifiedHLC <= end.
	Records(ctx context.Context, table string, start, end hlc.Timestamp) ([]record.Record, error)

	// ApplyBatch hands resolved records to the peer for transactional,
	// last-writer-wins application, and returns the peer's resulting
	// watermark for the batch.
	ApplyBatch(ctx context.Context, table string, records []record.Record) (hlc.Timestamp, error)

	// Echo returns the peer's current wall clock in UTC milliseconds.
	// Calibration round-trips are built on it.
	Echo(ctx context.Context) (int64, error)

	// LastSyncHLC returns the peer's recorded watermark for table against
	// the given node, if it has one.
	LastSyncHLC(ctx context.Context, table string, node uuid.UUID) (hlc.Timestamp, bool, error)
}

// Op names a request over the peer channel.
type Op string

const (
	OpNodeID      Op = "node_id"
	OpChunks      Op = "chunks"
	OpSubChunks   Op = "sub_chunks"
	OpRecords     Op = "records"
	OpApplyBatch  Op = "apply_batch"
	OpEcho        Op = "echo"
	OpLastSyncHLC Op = "last_sync_hlc"
)

// Request is the wire shape of one peer exchange.
type Request struct {
	Op      Op             `json:"op"`
	Table   string         `json:"table,omitempty"`
	Since   *hlc.Timestamp `json:"since,omitempty"`
	Parent  *chunk.Chunk   `json:"parent,omitempty"`
	SubSize int            `json:"sub_size,omitempty"`
	Start   *hlc.Timestamp `json:"start,omitempty"`
	End     *hlc.Timestamp `json:"end,omitempty"`
	// Batch carries snappy-compressed records for OpApplyBatch.
	Batch []byte     `json:"batch,omitempty"`
	Node  *uuid.UUID `json:"node,omitempty"`
}

// Response is the wire shape of one peer reply.
type Response struct {
	Chunks []chunk.Chunk `json:"chunks,omitempty"`
	// Batch carries snappy-compressed records for OpRecords.
	Batch   []byte         `json:"batch,omitempty"`
	Applied *hlc.Timestamp `json:"applied,omitempty"`
	WallMS  int64          `json:"wall_ms,omitempty"`
	NodeID  *uuid.UUID     `json:"node_id,omitempty"`
	Found   bool           `json:"found,omitempty"`
	Error   string         `json:"error,omitempty"`
}
