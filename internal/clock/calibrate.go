package clock

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

const (
	// driftThresholdMS triggers the emergency recalibration protocol when
	// a freshly measured offset diverges this far from the current one.
	driftThresholdMS = 500
	// initialSamples is the round-trip count for a routine calibration.
	initialSamples = 5
	// emergencySamples is the round-trip count for the emergency protocol.
	emergencySamples = 10
	// emergencySpreadMaxMS bounds the sample spread (max-min) the
	// emergency protocol accepts before adopting a large offset change.
	emergencySpreadMaxMS = 200
)

var (
	// ErrMasterUnreachable reports that no calibration sample could be
	// collected from the master node. Recoverable: sessions suspend and
	// retry, they do not abort.
	ErrMasterUnreachable = errors.New("clock: calibration master unreachable")
	// ErrCalibrationUnstable reports that the emergency protocol measured
	// a large offset change but the samples were too noisy to trust.
	ErrCalibrationUnstable = errors.New("clock: calibration samples too dispersed to accept offset change")
)

// EchoPeer is the round-trip primitive calibration needs from the master
// node: request its current wall clock and return it, in UTC milliseconds.
type EchoPeer interface {
	Echo(ctx context.Context) (int64, error)
}

// Calibrate measures this node's offset against the master using
// Cristian's method and installs the median of the sampled offsets.
//
// A routine round takes initialSamples round trips. If the fresh offset
// differs from the installed one by more than driftThresholdMS, the
// emergency protocol re-measures with emergencySamples round trips and
// accepts the change only when the sample spread stays below
// emergencySpreadMaxMS.
func (c *Clock) Calibrate(ctx context.Context, master EchoPeer) error {
	offsets, err := c.sampleOffsets(ctx, master, initialSamples)
	if err != nil {
		return err
	}
	fresh := median(offsets)

	c.mu.Lock()
	current := c.offsetMS
	calibrated := c.calibrated
	c.mu.Unlock()

	if calibrated && absInt64(fresh-current) > driftThresholdMS {
		c.log.Warn("offset drift beyond threshold, running emergency calibration",
			zap.Int64("current_ms", current),
			zap.Int64("fresh_ms", fresh))
		offsets, err = c.sampleOffsets(ctx, master, emergencySamples)
		if err != nil {
			return err
		}
		if spread(offsets) > emergencySpreadMaxMS {
			return fmt.Errorf("%w: spread %dms over %d samples",
				ErrCalibrationUnstable, spread(offsets), len(offsets))
		}
		fresh = median(offsets)
	}

	c.mu.Lock()
	c.offsetMS = fresh
	c.calibrated = true
	c.samples = offsets
	c.mu.Unlock()

	c.log.Info("clock calibrated",
		zap.Int64("offset_ms", fresh),
		zap.Int("samples", len(offsets)))
	return nil
}

// sampleOffsets collects up to n offset samples. Individual exchange
// failures are tolerated; only a fully failed round is an error.
func (c *Clock) sampleOffsets(ctx context.Context, master EchoPeer, n int) ([]int64, error) {
	offsets := make([]int64, 0, n)
	var lastErr error
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMasterUnreachable, err)
		}
		t1 := c.source.Now().UTC()
		remote, err := master.Echo(ctx)
		if err != nil {
			lastErr = err
			c.log.Debug("calibration sample failed", zap.Int("sample", i), zap.Error(err))
			continue
		}
		rtt := c.source.Now().UTC().Sub(t1).Milliseconds()
		// Cristian's method: the master's reading corresponds to the
		// midpoint of the round trip.
		offsets = append(offsets, remote-(t1.UnixMilli()+rtt/2))
	}
	if len(offsets) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrMasterUnreachable, lastErr)
		}
		return nil, ErrMasterUnreachable
	}
	return offsets, nil
}

func median(values []int64) int64 {
	sorted := append([]int64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[(len(sorted)-1)/2]
}

func spread(values []int64) int64 {
	if len(values) == 0 {
		return 0
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return hi - lo
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
