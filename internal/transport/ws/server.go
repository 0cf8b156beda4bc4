// Package ws carries the peer protocol over a WebSocket connection: the
// server side exposes a node's sync engine at an HTTP endpoint, the
// client side presents a remote endpoint as a peer.
package ws

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/riversync/riversync/internal/hlc"
	"github.com/riversync/riversync/internal/transport"
)

// Server exposes one peer over WebSocket. Requests on a connection are
// served strictly in order; sessions issue one exchange at a time.
type Server struct {
	peer     transport.Peer
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer wraps a peer (normally the node's own sync service) in an
// http.Handler.
func NewServer(peer transport.Peer, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		peer: peer,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
		},
	}
}

// ServeHTTP upgrades the connection and serves peer exchanges until the
// client disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := r.Context()
	for {
		var req transport.Request
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("peer connection dropped", zap.Error(err))
			}
			return
		}
		resp := s.dispatch(ctx, req)
		if err := conn.WriteJSON(resp); err != nil {
			s.log.Warn("write response failed", zap.String("op", string(req.Op)), zap.Error(err))
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req transport.Request) transport.Response {
	resp, err := s.serve(ctx, req)
	if err != nil {
		s.log.Warn("peer request failed", zap.String("op", string(req.Op)), zap.Error(err))
		return transport.Response{Error: err.Error()}
	}
	return resp
}

func (s *Server) serve(ctx context.Context, req transport.Request) (transport.Response, error) {
	switch req.Op {
	case transport.OpNodeID:
		id, err := s.peer.NodeID(ctx)
		if err != nil {
			return transport.Response{}, err
		}
		return transport.Response{NodeID: &id}, nil

	case transport.OpChunks:
		since := hlc.Timestamp{}
		if req.Since != nil {
			since = *req.Since
		}
		chunks, err := s.peer.Chunks(ctx, req.Table, since)
		if err != nil {
			return transport.Response{}, err
		}
		return transport.Response{Chunks: chunks}, nil

	case transport.OpSubChunks:
		chunks, err := s.peer.SubChunks(ctx, *req.Parent, req.SubSize)
		if err != nil {
			return transport.Response{}, err
		}
		return transport.Response{Chunks: chunks}, nil

	case transport.OpRecords:
		records, err := s.peer.Records(ctx, req.Table, *req.Start, *req.End)
		if err != nil {
			return transport.Response{}, err
		}
		batch, err := transport.EncodeBatch(records)
		if err != nil {
			return transport.Response{}, err
		}
		return transport.Response{Batch: batch}, nil

	case transport.OpApplyBatch:
		records, err := transport.DecodeBatch(req.Batch)
		if err != nil {
			return transport.Response{}, err
		}
		applied, err := s.peer.ApplyBatch(ctx, req.Table, records)
		if err != nil {
			return transport.Response{}, err
		}
		return transport.Response{Applied: &applied}, nil

	case transport.OpEcho:
		wall, err := s.peer.Echo(ctx)
		if err != nil {
			return transport.Response{}, err
		}
		return transport.Response{WallMS: wall}, nil

	case transport.OpLastSyncHLC:
		ts, found, err := s.peer.LastSyncHLC(ctx, req.Table, *req.Node)
		if err != nil {
			return transport.Response{}, err
		}
		return transport.Response{Applied: &ts, Found: found}, nil

	default:
		return transport.Response{}, transport.ErrUnknownOp
	}
}
