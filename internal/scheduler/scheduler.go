// Package scheduler keeps a node's tables synchronized in the background:
// one loop per (peer, table) pairing, bounded session concurrency, and
// exponential backoff when a pairing keeps getting suspended.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/riversync/riversync/internal/session"
	"github.com/riversync/riversync/internal/transport"
)

// TableJob is one table's sync policy against a peer.
type TableJob struct {
	Table     string
	Direction session.Direction
	SubSize   int
}

// Target is one peer and the tables synchronized with it.
type Target struct {
	// Name identifies the peer in logs.
	Name string
	Peer transport.Peer
	// Master marks the peer as the clock-calibration master; sessions
	// against it calibrate first.
	Master bool
	Tables []TableJob
}

// Options tune the scheduler.
type Options struct {
	// Interval between successful sessions of one pairing.
	Interval time.Duration
	// MaxConcurrent bounds sessions running at once across all pairings.
	MaxConcurrent int64
	// BackoffBase is the first retry delay after a suspension; it doubles
	// per consecutive suspension up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// ExchangeTimeout is passed through to sessions.
	ExchangeTimeout time.Duration
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		Interval:        30 * time.Second,
		MaxConcurrent:   4,
		BackoffBase:     time.Second,
		BackoffMax:      5 * time.Minute,
		ExchangeTimeout: 15 * time.Second,
	}
}

func (o Options) normalized() Options {
	def := DefaultOptions()
	if o.Interval <= 0 {
		o.Interval = def.Interval
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = def.MaxConcurrent
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = def.BackoffBase
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = def.BackoffMax
	}
	return o
}

// Scheduler drives sessions for one node.
type Scheduler struct {
	svc       *session.Service
	targets   []Target
	hasMaster bool
	opts      Options
	log       *zap.Logger
	timer     clockwork.Clock
	sem       *semaphore.Weighted
}

// New constructs a Scheduler over the node's sync service and its peer
// targets.
func New(svc *session.Service, targets []Target, opts Options, log *zap.Logger) *Scheduler {
	opts = opts.normalized()
	if log == nil {
		log = zap.NewNop()
	}
	hasMaster := false
	for _, t := range targets {
		if t.Master {
			hasMaster = true
		}
	}
	return &Scheduler{
		svc:       svc,
		targets:   targets,
		hasMaster: hasMaster,
		opts:      opts,
		log:       log,
		timer:     clockwork.NewRealClock(),
		sem:       semaphore.NewWeighted(opts.MaxConcurrent),
	}
}

// Run blocks, synchronizing every pairing until ctx is cancelled. A
// pairing that fails fatally stops; the rest keep running.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, target := range s.targets {
		for _, job := range target.Tables {
			target, job := target, job
			g.Go(func() error {
				s.runPairing(ctx, target, job)
				return nil
			})
		}
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// runPairing loops one (peer, table) pairing: session, wait, session.
// Suspensions back off exponentially and reset on the next success.
func (s *Scheduler) runPairing(ctx context.Context, target Target, job TableJob) {
	log := s.log.With(zap.String("peer", target.Name), zap.String("table", job.Table))
	suspensions := 0
	for {
		err := s.RunOnce(ctx, target, job)
		switch {
		case err == nil:
			suspensions = 0
		case errors.Is(err, context.Canceled):
			return
		case errors.Is(err, session.ErrSuspended):
			suspensions++
			delay := backoff(s.opts.BackoffBase, s.opts.BackoffMax, suspensions)
			log.Warn("session suspended, backing off",
				zap.Int("consecutive", suspensions),
				zap.Duration("delay", delay),
				zap.Error(err))
			if !s.sleep(ctx, delay) {
				return
			}
			continue
		default:
			log.Error("pairing stopped on fatal failure", zap.Error(err))
			return
		}
		if !s.sleep(ctx, s.opts.Interval) {
			return
		}
	}
}

// RunOnce executes a single session for the pairing, respecting the
// concurrency bound.
func (s *Scheduler) RunOnce(ctx context.Context, target Target, job TableJob) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	sess := session.New(s.svc, target.Peer, session.Options{
		Table:           job.Table,
		Direction:       job.Direction,
		SubSize:         job.SubSize,
		ExchangeTimeout: s.opts.ExchangeTimeout,
		Calibrate:       target.Master,
		// When a master is configured, no other pairing syncs until the
		// clock has been calibrated against it at least once.
		RequireCalibrated: s.hasMaster && !target.Master,
	}, s.log.Named("session"))
	_, err := sess.Run(ctx)
	return err
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.timer.After(d):
		return true
	}
}

// backoff returns the delay for the nth consecutive suspension.
func backoff(base, max time.Duration, n int) time.Duration {
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
