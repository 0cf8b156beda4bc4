package session

import (
	"context"
	"errors"

	"github.com/riversync/riversync/internal/checkpoint"
	"github.com/riversync/riversync/internal/clock"
)

// ErrSuspended wraps a retriable failure: the session stopped at its last
// checkpoint and a later run will resume from there.
var ErrSuspended = errors.New("session: suspended, will resume from checkpoint")

// ErrFailed wraps a fatal failure: retrying cannot help until an operator
// fixes the underlying condition.
var ErrFailed = errors.New("session: failed")

// fatal conditions cannot be cured by retrying. Everything else (peer
// timeouts, transient I/O, data mutating mid-session, cancellation) is
// retriable because the next run restarts from durable state.
var fatal = []error{
	clock.ErrClockSkew,
	clock.ErrCounterExhausted,
	checkpoint.ErrCorrupt,
}

// IsFatal reports whether err cannot be cured by retrying the session.
func IsFatal(err error) bool {
	for _, f := range fatal {
		if errors.Is(err, f) {
			return true
		}
	}
	return false
}

// classify wraps err with the session outcome sentinel it maps to.
// Context cancellation passes through untouched so callers shutting down
// do not mistake their own cancel for a sync failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, ErrFailed) || errors.Is(err, ErrSuspended) {
		return err
	}
	if IsFatal(err) {
		return errors.Join(ErrFailed, err)
	}
	return errors.Join(ErrSuspended, err)
}
