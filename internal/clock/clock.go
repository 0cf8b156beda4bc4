// Package clock owns this node's hybrid logical clock: monotonic timestamp
// generation, merging of remote timestamps, and calibration of the local
// wall clock against the designated master node.
//
// One Clock is constructed at node startup and shared by every sync
// session. The wall-clock source is injectable so tests can drive skew
// and drift scenarios deterministically.
package clock

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/riversync/riversync/internal/hlc"
)

const (
	// maxBackwardMS is the largest backward wall-clock jump the clock
	// absorbs. Anything larger needs an operator to fix the system clock.
	maxBackwardMS = 1000
	// nudgeStepMS bounds how fast the effective clock rejoins the wall
	// clock after an absorbed backward jump.
	nudgeStepMS = 100
)

var (
	// ErrClockSkew reports a backward wall-clock jump beyond what the
	// clock can absorb. Fatal to sessions until the system clock is fixed.
	ErrClockSkew = errors.New("clock: wall clock moved backward beyond recoverable skew")
	// ErrCounterExhausted reports logical-counter overflow within a single
	// millisecond. Treated as an invariant violation.
	ErrCounterExhausted = errors.New("clock: logical counter exhausted within one millisecond")
)

// Clock generates strictly increasing HLC timestamps for one node.
type Clock struct {
	mu     sync.Mutex
	source clockwork.Clock
	node   uuid.UUID
	log    *zap.Logger

	last hlc.Timestamp

	// Calibration state relative to the master node.
	offsetMS   int64
	calibrated bool
	samples    []int64

	// Backward-skew absorption state. skewDebtMS is the residue of an
	// absorbed backward jump still being amortized; lastWallMS is the
	// last raw calibrated wall reading.
	lastWallMS int64
	skewDebtMS int64
}

// New constructs a Clock for the given node backed by the real wall clock.
func New(node uuid.UUID, log *zap.Logger) *Clock {
	return NewWithSource(node, clockwork.NewRealClock(), log)
}

// NewWithSource constructs a Clock with an explicit wall-clock source.
func NewWithSource(node uuid.UUID, source clockwork.Clock, log *zap.Logger) *Clock {
	if log == nil {
		log = zap.NewNop()
	}
	return &Clock{
		source: source,
		node:   node,
		log:    log,
		last:   hlc.Zero(node),
	}
}

// NodeID returns the node identifier stamped into every emitted timestamp.
func (c *Clock) NodeID() uuid.UUID { return c.node }

// OffsetMS returns the current calibrated offset in milliseconds.
func (c *Clock) OffsetMS() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offsetMS
}

// WallMS returns the calibrated wall clock in UTC milliseconds. This is
// what the node answers calibration echoes with.
func (c *Clock) WallMS() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source.Now().UTC().UnixMilli() + c.offsetMS
}

// Calibrated reports whether at least one calibration round has succeeded.
func (c *Clock) Calibrated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calibrated
}

// physicalNow returns the effective physical component for the next
// timestamp. Callers hold c.mu.
func (c *Clock) physicalNow() (int64, error) {
	wall := c.source.Now().UTC().UnixMilli() + c.offsetMS
	if c.lastWallMS != 0 && wall < c.lastWallMS {
		back := c.lastWallMS - wall
		if back+c.skewDebtMS > maxBackwardMS {
			return 0, ErrClockSkew
		}
		// Absorb the jump: keep emitting from the pre-jump frame and
		// amortize the difference below.
		c.skewDebtMS += back
		c.log.Warn("absorbed backward wall-clock jump",
			zap.Int64("jump_ms", back),
			zap.Int64("debt_ms", c.skewDebtMS))
	}
	c.lastWallMS = wall
	if c.skewDebtMS > 0 {
		step := int64(nudgeStepMS)
		if c.skewDebtMS < step {
			step = c.skewDebtMS
		}
		c.skewDebtMS -= step
	}
	eff := wall + c.skewDebtMS
	// Never let the effective clock regress; the logical counter orders
	// events sharing a millisecond.
	if eff < c.last.WallMS {
		eff = c.last.WallMS
	}
	return eff, nil
}

// Now returns the next timestamp for this node, strictly greater than
// every timestamp previously returned.
func (c *Clock) Now() (hlc.Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	eff, err := c.physicalNow()
	if err != nil {
		return hlc.Timestamp{}, err
	}
	next := hlc.Timestamp{WallMS: eff, NodeID: c.node}
	if eff == c.last.WallMS {
		if c.last.Counter == ^uint32(0) {
			return hlc.Timestamp{}, ErrCounterExhausted
		}
		next.Counter = c.last.Counter + 1
	}
	c.last = next
	return next, nil
}

// Receive merges a remote timestamp into local state and returns the
// resulting local timestamp, which is strictly greater than both the
// remote value and every timestamp this node previously emitted.
func (c *Clock) Receive(remote hlc.Timestamp) (hlc.Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	eff, err := c.physicalNow()
	if err != nil {
		return hlc.Timestamp{}, err
	}

	next := hlc.Timestamp{NodeID: c.node}
	switch {
	case eff > c.last.WallMS && eff > remote.WallMS:
		next.WallMS = eff
	case c.last.WallMS == remote.WallMS:
		next.WallMS = c.last.WallMS
		next.Counter = maxU32(c.last.Counter, remote.Counter)
		if next.Counter == ^uint32(0) {
			return hlc.Timestamp{}, ErrCounterExhausted
		}
		next.Counter++
	case c.last.WallMS > remote.WallMS:
		next.WallMS = c.last.WallMS
		if c.last.Counter == ^uint32(0) {
			return hlc.Timestamp{}, ErrCounterExhausted
		}
		next.Counter = c.last.Counter + 1
	default:
		next.WallMS = remote.WallMS
		if remote.Counter == ^uint32(0) {
			return hlc.Timestamp{}, ErrCounterExhausted
		}
		next.Counter = remote.Counter + 1
	}
	c.last = next
	return next, nil
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
