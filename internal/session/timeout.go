package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/riversync/riversync/internal/chunk"
	"github.com/riversync/riversync/internal/hlc"
	"github.com/riversync/riversync/internal/record"
	"github.com/riversync/riversync/internal/transport"
)

// timeoutPeer bounds every exchange with a deadline and maps deadline
// expiry to transport.ErrTimeout, which the classifier treats as
// retriable.
type timeoutPeer struct {
	inner   transport.Peer
	timeout time.Duration
}

func (p *timeoutPeer) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	err := fn(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: after %s", transport.ErrTimeout, p.timeout)
	}
	return err
}

func (p *timeoutPeer) NodeID(ctx context.Context) (uuid.UUID, error) {
	var id uuid.UUID
	err := p.call(ctx, func(ctx context.Context) error {
		var err error
		id, err = p.inner.NodeID(ctx)
		return err
	})
	return id, err
}

func (p *timeoutPeer) Chunks(ctx context.Context, table string, since hlc.Timestamp) ([]chunk.Chunk, error) {
	var chunks []chunk.Chunk
	err := p.call(ctx, func(ctx context.Context) error {
		var err error
		chunks, err = p.inner.Chunks(ctx, table, since)
		return err
	})
	return chunks, err
}

func (p *timeoutPeer) SubChunks(ctx context.Context, parent chunk.Chunk, subSize int) ([]chunk.Chunk, error) {
	var chunks []chunk.Chunk
	err := p.call(ctx, func(ctx context.Context) error {
		var err error
		chunks, err = p.inner.SubChunks(ctx, parent, subSize)
		return err
	})
	return chunks, err
}

func (p *timeoutPeer) Records(ctx context.Context, table string, start, end hlc.Timestamp) ([]record.Record, error) {
	var records []record.Record
	err := p.call(ctx, func(ctx context.Context) error {
		var err error
		records, err = p.inner.Records(ctx, table, start, end)
		return err
	})
	return records, err
}

func (p *timeoutPeer) ApplyBatch(ctx context.Context, table string, records []record.Record) (hlc.Timestamp, error) {
	var applied hlc.Timestamp
	err := p.call(ctx, func(ctx context.Context) error {
		var err error
		applied, err = p.inner.ApplyBatch(ctx, table, records)
		return err
	})
	return applied, err
}

func (p *timeoutPeer) Echo(ctx context.Context) (int64, error) {
	var wall int64
	err := p.call(ctx, func(ctx context.Context) error {
		var err error
		wall, err = p.inner.Echo(ctx)
		return err
	})
	return wall, err
}

func (p *timeoutPeer) LastSyncHLC(ctx context.Context, table string, node uuid.UUID) (hlc.Timestamp, bool, error) {
	var (
		ts hlc.Timestamp
		ok bool
	)
	err := p.call(ctx, func(ctx context.Context) error {
		var err error
		ts, ok, err = p.inner.LastSyncHLC(ctx, table, node)
		return err
	})
	return ts, ok, err
}
