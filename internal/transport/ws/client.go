package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/riversync/riversync/internal/chunk"
	"github.com/riversync/riversync/internal/hlc"
	"github.com/riversync/riversync/internal/record"
	"github.com/riversync/riversync/internal/transport"
)

// Client presents a WebSocket endpoint as a peer. Exchanges serialize on
// the single connection; a session only has one in flight anyway.
type Client struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// Dial connects to a peer endpoint (ws:// or wss:// URL).
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", url, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

// PeerError is a failure the peer reported for a well-delivered request.
// The connection itself is healthy.
type PeerError struct {
	Op  transport.Op
	Msg string
}

func (e *PeerError) Error() string { return fmt.Sprintf("ws: %s: peer: %s", e.Op, e.Msg) }

func (c *Client) roundTrip(ctx context.Context, req transport.Request) (transport.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Zero deadline clears any deadline left by a previous exchange.
	deadline, _ := ctx.Deadline()
	_ = c.conn.SetWriteDeadline(deadline)
	_ = c.conn.SetReadDeadline(deadline)
	if err := c.conn.WriteJSON(req); err != nil {
		return transport.Response{}, wrapNetErr(req.Op, err)
	}
	var resp transport.Response
	if err := c.conn.ReadJSON(&resp); err != nil {
		return transport.Response{}, wrapNetErr(req.Op, err)
	}
	if resp.Error != "" {
		return transport.Response{}, &PeerError{Op: req.Op, Msg: resp.Error}
	}
	return resp, nil
}

func wrapNetErr(op transport.Op, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s", transport.ErrTimeout, op)
	}
	return fmt.Errorf("ws: %s: %w", op, err)
}

// NodeID implements the peer contract.
func (c *Client) NodeID(ctx context.Context) (uuid.UUID, error) {
	resp, err := c.roundTrip(ctx, transport.Request{Op: transport.OpNodeID})
	if err != nil {
		return uuid.Nil, err
	}
	if resp.NodeID == nil {
		return uuid.Nil, errors.New("ws: node_id response missing id")
	}
	return *resp.NodeID, nil
}

// Chunks implements the peer contract.
func (c *Client) Chunks(ctx context.Context, table string, since hlc.Timestamp) ([]chunk.Chunk, error) {
	resp, err := c.roundTrip(ctx, transport.Request{
		Op:    transport.OpChunks,
		Table: table,
		Since: &since,
	})
	if err != nil {
		return nil, err
	}
	return resp.Chunks, nil
}

// SubChunks implements the peer contract.
func (c *Client) SubChunks(ctx context.Context, parent chunk.Chunk, subSize int) ([]chunk.Chunk, error) {
	resp, err := c.roundTrip(ctx, transport.Request{
		Op:      transport.OpSubChunks,
		Table:   parent.Table,
		Parent:  &parent,
		SubSize: subSize,
	})
	if err != nil {
		return nil, err
	}
	return resp.Chunks, nil
}

// Records implements the peer contract.
func (c *Client) Records(ctx context.Context, table string, start, end hlc.Timestamp) ([]record.Record, error) {
	resp, err := c.roundTrip(ctx, transport.Request{
		Op:    transport.OpRecords,
		Table: table,
		Start: &start,
		End:   &end,
	})
	if err != nil {
		return nil, err
	}
	return transport.DecodeBatch(resp.Batch)
}

// ApplyBatch implements the peer contract.
func (c *Client) ApplyBatch(ctx context.Context, table string, records []record.Record) (hlc.Timestamp, error) {
	batch, err := transport.EncodeBatch(records)
	if err != nil {
		return hlc.Timestamp{}, err
	}
	resp, err := c.roundTrip(ctx, transport.Request{
		Op:    transport.OpApplyBatch,
		Table: table,
		Batch: batch,
	})
	if err != nil {
		return hlc.Timestamp{}, err
	}
	if resp.Applied == nil {
		return hlc.Timestamp{}, errors.New("ws: apply_batch response missing watermark")
	}
	return *resp.Applied, nil
}

// Echo implements the peer contract.
func (c *Client) Echo(ctx context.Context) (int64, error) {
	resp, err := c.roundTrip(ctx, transport.Request{Op: transport.OpEcho})
	if err != nil {
		return 0, err
	}
	return resp.WallMS, nil
}

// LastSyncHLC implements the peer contract.
func (c *Client) LastSyncHLC(ctx context.Context, table string, node uuid.UUID) (hlc.Timestamp, bool, error) {
	resp, err := c.roundTrip(ctx, transport.Request{
		Op:    transport.OpLastSyncHLC,
		Table: table,
		Node:  &node,
	})
	if err != nil {
		return hlc.Timestamp{}, false, err
	}
	if resp.Applied == nil {
		return hlc.Timestamp{}, false, nil
	}
	return *resp.Applied, resp.Found, nil
}
