package ws

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/riversync/riversync/internal/chunk"
	"github.com/riversync/riversync/internal/hlc"
	"github.com/riversync/riversync/internal/record"
	"github.com/riversync/riversync/internal/transport"
)

// Reconnecting is a peer that dials lazily and redials after connection
// failures. A failed exchange still fails; the next one gets a fresh
// connection. Peer-reported errors keep the connection.
type Reconnecting struct {
	url string

	mu     sync.Mutex
	client *Client
}

// NewReconnecting wraps a peer endpoint URL.
func NewReconnecting(url string) *Reconnecting {
	return &Reconnecting{url: url}
}

// Close drops the current connection, if any.
func (r *Reconnecting) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

func (r *Reconnecting) get(ctx context.Context) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}
	client, err := Dial(ctx, r.url)
	if err != nil {
		return nil, err
	}
	r.client = client
	return client, nil
}

func (r *Reconnecting) dropOnFailure(client *Client, err error) {
	if err == nil {
		return
	}
	var peerErr *PeerError
	if errors.As(err, &peerErr) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == client {
		_ = r.client.Close()
		r.client = nil
	}
}

// NodeID implements the peer contract.
func (r *Reconnecting) NodeID(ctx context.Context) (uuid.UUID, error) {
	client, err := r.get(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := client.NodeID(ctx)
	r.dropOnFailure(client, err)
	return id, err
}

// Chunks implements the peer contract.
func (r *Reconnecting) Chunks(ctx context.Context, table string, since hlc.Timestamp) ([]chunk.Chunk, error) {
	client, err := r.get(ctx)
	if err != nil {
		return nil, err
	}
	chunks, err := client.Chunks(ctx, table, since)
	r.dropOnFailure(client, err)
	return chunks, err
}

// SubChunks implements the peer contract.
func (r *Reconnecting) SubChunks(ctx context.Context, parent chunk.Chunk, subSize int) ([]chunk.Chunk, error) {
	client, err := r.get(ctx)
	if err != nil {
		return nil, err
	}
	chunks, err := client.SubChunks(ctx, parent, subSize)
	r.dropOnFailure(client, err)
	return chunks, err
}

// Records implements the peer contract.
func (r *Reconnecting) Records(ctx context.Context, table string, start, end hlc.Timestamp) ([]record.Record, error) {
	client, err := r.get(ctx)
	if err != nil {
		return nil, err
	}
	records, err := client.Records(ctx, table, start, end)
	r.dropOnFailure(client, err)
	return records, err
}

// ApplyBatch implements the peer contract.
func (r *Reconnecting) ApplyBatch(ctx context.Context, table string, records []record.Record) (hlc.Timestamp, error) {
	client, err := r.get(ctx)
	if err != nil {
		return hlc.Timestamp{}, err
	}
	applied, err := client.ApplyBatch(ctx, table, records)
	r.dropOnFailure(client, err)
	return applied, err
}

// Echo implements the peer contract.
func (r *Reconnecting) Echo(ctx context.Context) (int64, error) {
	client, err := r.get(ctx)
	if err != nil {
		return 0, err
	}
	wall, err := client.Echo(ctx)
	r.dropOnFailure(client, err)
	return wall, err
}

// LastSyncHLC implements the peer contract.
func (r *Reconnecting) LastSyncHLC(ctx context.Context, table string, node uuid.UUID) (hlc.Timestamp, bool, error) {
	client, err := r.get(ctx)
	if err != nil {
		return hlc.Timestamp{}, false, err
	}
	ts, ok, err := client.LastSyncHLC(ctx, table, node)
	r.dropOnFailure(client, err)
	return ts, ok, err
}

var _ transport.Peer = (*Reconnecting)(nil)
var _ transport.Peer = (*Client)(nil)
