package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/riversync/riversync/internal/checkpoint"
	"github.com/riversync/riversync/internal/clock"
	"github.com/riversync/riversync/internal/compare"
	"github.com/riversync/riversync/internal/hlc"
	"github.com/riversync/riversync/internal/record"
	"github.com/riversync/riversync/internal/resolve"
	"github.com/riversync/riversync/internal/transport"
)

// Direction selects which way resolved records flow.
type Direction int

const (
	// Bidirectional applies winners to whichever side lost, both ways.
	Bidirectional Direction = iota
	// Pull only adopts remote winners locally; local records never leave.
	Pull
	// Push only offers local winners to the peer; the local store is not
	// modified.
	Push
)

func (d Direction) String() string {
	switch d {
	case Pull:
		return "pull"
	case Push:
		return "push"
	default:
		return "bidirectional"
	}
}

// State is the session's lifecycle position. Transitions are linear;
// Suspended and Failed are terminal for one run.
type State int

const (
	StateIdle State = iota
	StateCalibrating
	StateComparing
	StateResolving
	StateCommitting
	StateCheckpointing
	StateDone
	StateSuspended
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalibrating:
		return "calibrating"
	case StateComparing:
		return "comparing"
	case StateResolving:
		return "resolving"
	case StateCommitting:
		return "committing"
	case StateCheckpointing:
		return "checkpointing"
	case StateDone:
		return "done"
	case StateSuspended:
		return "suspended"
	default:
		return "failed"
	}
}

// Options configure one session run.
type Options struct {
	Table     string
	Direction Direction
	// SubSize bounds chunk breakdown granularity. Zero means the
	// chunker's minimum window.
	SubSize int
	// ExchangeTimeout bounds each individual peer exchange. Zero disables
	// the per-exchange deadline.
	ExchangeTimeout time.Duration
	// Calibrate runs clock calibration against the peer before comparing.
	// Set when the peer is the designated master.
	Calibrate bool
	// RequireCalibrated suspends the session until some other session has
	// calibrated the clock. Set on non-master pairings when a master is
	// configured, so an unreachable master stalls every table, not just
	// its own.
	RequireCalibrated bool
}

// Summary reports what one session run did.
type Summary struct {
	Regions        int
	RegionsSkipped int
	Deltas         int
	AppliedLocal   int
	AppliedRemote  int
	Watermark      hlc.Timestamp
	Resumed        bool
}

// Session reconciles one table between the local Service and one peer.
// A Session is single-use; construct a new one per run.
type Session struct {
	svc  *Service
	peer transport.Peer
	opts Options
	log  *zap.Logger

	mu    sync.Mutex
	state State
}

// New constructs a session for one table against one peer.
func New(svc *Service, peer transport.Peer, opts Options, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ExchangeTimeout > 0 {
		peer = &timeoutPeer{inner: peer, timeout: opts.ExchangeTimeout}
	}
	return &Session{svc: svc, peer: peer, opts: opts, log: log}
}

// State returns the session's current lifecycle position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run executes the session to completion. On a retriable failure it
// returns an error wrapping ErrSuspended and leaves the checkpoint in
// place; the next run resumes past everything already committed. Fatal
// failures wrap ErrFailed.
func (s *Session) Run(ctx context.Context) (Summary, error) {
	summary, err := s.run(ctx)
	if err != nil {
		err = classify(err)
		if errors.Is(err, ErrFailed) {
			s.setState(StateFailed)
		} else {
			s.setState(StateSuspended)
		}
		s.log.Warn("session stopped",
			zap.String("table", s.opts.Table),
			zap.Stringer("state", s.State()),
			zap.Error(err))
		return summary, err
	}
	s.setState(StateDone)
	return summary, nil
}

func (s *Session) run(ctx context.Context) (Summary, error) {
	var summary Summary

	s.setState(StateCalibrating)
	if s.opts.Calibrate {
		if err := s.svc.Clock().Calibrate(ctx, s.peer); err != nil {
			return summary, err
		}
	} else if s.opts.RequireCalibrated && !s.svc.Clock().Calibrated() {
		return summary, fmt.Errorf("%w: clock not yet calibrated", clock.ErrMasterUnreachable)
	}

	peerID, err := s.peer.NodeID(ctx)
	if err != nil {
		return summary, fmt.Errorf("session: peer node id: %w", err)
	}
	localID := s.svc.Clock().NodeID()
	if peerID == localID {
		return summary, fmt.Errorf("%w: refusing to sync node %s with itself", ErrFailed, localID)
	}

	since, resumed, err := s.startingWatermark(ctx, peerID)
	if err != nil {
		return summary, err
	}
	summary.Resumed = resumed

	s.setState(StateComparing)
	localChunks, err := s.svc.Chunks(ctx, s.opts.Table, since)
	if err != nil {
		return summary, fmt.Errorf("session: local chunks: %w", err)
	}
	remoteChunks, err := s.peer.Chunks(ctx, s.opts.Table, since)
	if err != nil {
		return summary, fmt.Errorf("session: remote chunks: %w", err)
	}

	regions := compare.Align(localChunks, remoteChunks)
	comparator := compare.New(s.svc, s.peer, s.opts.SubSize)
	watermark := since

	for _, region := range regions {
		// Chunk boundaries are the cooperative cancellation points:
		// everything up to the previous checkpoint is durable on both
		// sides, so stopping here loses no work.
		if err := ctx.Err(); err != nil {
			summary.Watermark = watermark
			return summary, err
		}
		summary.Regions++

		if region.Equal {
			summary.RegionsSkipped++
		} else {
			applied, deltas, err := s.reconcileRegion(ctx, comparator, region)
			if err != nil {
				summary.Watermark = watermark
				return summary, err
			}
			summary.Deltas += deltas
			summary.AppliedLocal += applied.local
			summary.AppliedRemote += applied.remote
		}

		s.setState(StateCheckpointing)
		watermark = hlc.Max(watermark, region.End)
		if err := s.svc.state.SaveCheckpoint(ctx, checkpoint.Checkpoint{
			Table:        s.opts.Table,
			Peer:         peerID,
			CommittedHLC: watermark,
		}); err != nil {
			summary.Watermark = watermark
			return summary, fmt.Errorf("session: save checkpoint: %w", err)
		}
		s.setState(StateComparing)
	}

	if err := s.svc.state.SaveTableState(ctx, checkpoint.TableState{
		Table:       s.opts.Table,
		Peer:        peerID,
		NodeID:      localID,
		LastSyncHLC: watermark,
	}); err != nil {
		return summary, fmt.Errorf("session: save table state: %w", err)
	}
	if err := s.svc.state.ClearCheckpoint(ctx, s.opts.Table, peerID); err != nil {
		return summary, fmt.Errorf("session: clear checkpoint: %w", err)
	}

	summary.Watermark = watermark
	s.log.Info("session complete",
		zap.String("table", s.opts.Table),
		zap.Stringer("peer", peerID),
		zap.Stringer("direction", s.opts.Direction),
		zap.Int("regions", summary.Regions),
		zap.Int("deltas", summary.Deltas),
		zap.Int("applied_local", summary.AppliedLocal),
		zap.Int("applied_remote", summary.AppliedRemote))
	return summary, nil
}

// startingWatermark decides where comparison begins: the lesser of the two
// sides' recorded watermarks (so neither side's unseen records are
// skipped), raised to an interrupted session's checkpoint when one exists.
func (s *Session) startingWatermark(ctx context.Context, peerID uuid.UUID) (hlc.Timestamp, bool, error) {
	var since hlc.Timestamp

	local, localOK, err := s.svc.state.LoadTableState(ctx, s.opts.Table, peerID)
	if err != nil {
		return hlc.Timestamp{}, false, err
	}
	remote, remoteOK, err := s.peer.LastSyncHLC(ctx, s.opts.Table, s.svc.Clock().NodeID())
	if err != nil {
		return hlc.Timestamp{}, false, fmt.Errorf("session: probe peer watermark: %w", err)
	}
	switch {
	case localOK && remoteOK:
		since = local.LastSyncHLC
		if remote.Before(since) {
			since = remote
		}
	case localOK:
		since = local.LastSyncHLC
	case remoteOK:
		since = remote
	}

	cp, ok, err := s.svc.state.LoadCheckpoint(ctx, s.opts.Table, peerID)
	if err != nil {
		return hlc.Timestamp{}, false, err
	}
	if ok && since.Before(cp.CommittedHLC) {
		s.log.Info("resuming interrupted session",
			zap.String("table", s.opts.Table),
			zap.Stringer("checkpoint", cp.CommittedHLC))
		return cp.CommittedHLC, true, nil
	}
	return since, false, nil
}

type appliedCounts struct {
	local  int
	remote int
}

// reconcileRegion narrows one diverging region to deltas, resolves them,
// and commits the winners to whichever sides the direction allows.
func (s *Session) reconcileRegion(ctx context.Context, comparator *compare.Comparator, region compare.Region) (appliedCounts, int, error) {
	var counts appliedCounts

	deltas, err := comparator.Diff(ctx, s.opts.Table, region.Local, region.Remote)
	if err != nil {
		return counts, 0, err
	}
	if len(deltas) == 0 {
		return counts, 0, nil
	}

	s.setState(StateResolving)
	var toLocal, toRemote []record.Record
	for _, d := range deltas {
		res, err := resolve.Resolve(d)
		if err != nil {
			return counts, 0, err
		}
		if res.Noop {
			continue
		}
		if res.ApplyLocal && s.opts.Direction != Push {
			toLocal = append(toLocal, res.Winner)
		}
		if res.ApplyRemote && s.opts.Direction != Pull {
			toRemote = append(toRemote, res.Winner)
		}
	}

	s.setState(StateCommitting)
	if len(toLocal) > 0 {
		if _, err := s.svc.ApplyBatch(ctx, s.opts.Table, toLocal); err != nil {
			return counts, 0, err
		}
		counts.local = len(toLocal)
	}
	if len(toRemote) > 0 {
		if _, err := s.peer.ApplyBatch(ctx, s.opts.Table, toRemote); err != nil {
			return counts, 0, fmt.Errorf("session: push batch: %w", err)
		}
		counts.remote = len(toRemote)
	}
	return counts, len(deltas), nil
}
