package clock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/riversync/riversync/internal/hlc"
)

var (
	nodeA = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	nodeB = uuid.MustParse("22222222-2222-2222-2222-222222222222")
)

var testBase = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// skewSource wraps a fake clock with a settable offset so tests can move
// the observed wall clock backward, which clockwork alone cannot do.
type skewSource struct {
	clockwork.Clock
	mu     sync.Mutex
	offset time.Duration
}

func newSkewSource() *skewSource {
	return &skewSource{Clock: clockwork.NewFakeClockAt(testBase)}
}

func (s *skewSource) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Clock.Now().Add(s.offset)
}

func (s *skewSource) setOffset(d time.Duration) {
	s.mu.Lock()
	s.offset = d
	s.mu.Unlock()
}

func TestNowStrictlyIncreases(t *testing.T) {
	c := NewWithSource(nodeA, clockwork.NewFakeClockAt(testBase), nil)
	var prev hlc.Timestamp
	for i := 0; i < 100; i++ {
		ts, err := c.Now()
		if err != nil {
			t.Fatalf("Now: %v", err)
		}
		if !ts.After(prev) {
			t.Fatalf("timestamp %d not increasing: %s then %s", i, prev, ts)
		}
		prev = ts
	}
	if prev.Counter == 0 {
		t.Fatalf("expected counter to disambiguate a frozen wall clock")
	}
}

func TestReceiveExceedsBothInputs(t *testing.T) {
	source := clockwork.NewFakeClockAt(testBase)
	c := NewWithSource(nodeA, source, nil)
	local, err := c.Now()
	if err != nil {
		t.Fatalf("Now: %v", err)
	}

	cases := []struct {
		name   string
		remote hlc.Timestamp
	}{
		{name: "remote far ahead", remote: hlc.Timestamp{WallMS: testBase.UnixMilli() + 60_000, Counter: 7, NodeID: nodeB}},
		{name: "remote behind", remote: hlc.Timestamp{WallMS: testBase.UnixMilli() - 60_000, NodeID: nodeB}},
		{name: "remote equal wall", remote: hlc.Timestamp{WallMS: local.WallMS, Counter: 99, NodeID: nodeB}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := c.last
			got, err := c.Receive(tc.remote)
			if err != nil {
				t.Fatalf("Receive: %v", err)
			}
			if !got.After(before) {
				t.Fatalf("result %s not after local %s", got, before)
			}
			if !got.After(tc.remote) {
				t.Fatalf("result %s not after remote %s", got, tc.remote)
			}
			if got.NodeID != nodeA {
				t.Fatalf("result carries wrong node id %s", got.NodeID)
			}
		})
	}
}

func TestBackwardJumpAbsorbed(t *testing.T) {
	source := newSkewSource()
	c := NewWithSource(nodeA, source, nil)

	prev, err := c.Now()
	if err != nil {
		t.Fatalf("Now: %v", err)
	}

	source.setOffset(-300 * time.Millisecond)
	for i := 0; i < 10; i++ {
		ts, err := c.Now()
		if err != nil {
			t.Fatalf("Now after jump (tick %d): %v", i, err)
		}
		if !ts.After(prev) {
			t.Fatalf("emitted timestamp regressed after backward jump: %s then %s", prev, ts)
		}
		prev = ts
	}
}

func TestBackwardJumpBeyondLimitFails(t *testing.T) {
	source := newSkewSource()
	c := NewWithSource(nodeA, source, nil)
	if _, err := c.Now(); err != nil {
		t.Fatalf("Now: %v", err)
	}

	source.setOffset(-1500 * time.Millisecond)
	if _, err := c.Now(); !errors.Is(err, ErrClockSkew) {
		t.Fatalf("expected ErrClockSkew, got %v", err)
	}
}

// fixedEcho answers calibration echoes from the same fake clock shifted by
// a constant, optionally failing every call.
type fixedEcho struct {
	source clockwork.Clock
	shift  time.Duration
	fail   error
	calls  int
}

func (e *fixedEcho) Echo(ctx context.Context) (int64, error) {
	e.calls++
	if e.fail != nil {
		return 0, e.fail
	}
	return e.source.Now().Add(e.shift).UTC().UnixMilli(), nil
}

func TestCalibrateMedianOffset(t *testing.T) {
	source := clockwork.NewFakeClockAt(testBase)
	c := NewWithSource(nodeA, source, nil)
	echo := &fixedEcho{source: source, shift: 10 * time.Second}

	if err := c.Calibrate(context.Background(), echo); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if !c.Calibrated() {
		t.Fatalf("clock not marked calibrated")
	}
	if got := c.OffsetMS(); got != 10_000 {
		t.Fatalf("offset: got %dms want 10000ms", got)
	}
	if echo.calls != initialSamples {
		t.Fatalf("expected %d samples, took %d", initialSamples, echo.calls)
	}
}

func TestCalibrateEmergencyOnDrift(t *testing.T) {
	source := clockwork.NewFakeClockAt(testBase)
	c := NewWithSource(nodeA, source, nil)

	echo := &fixedEcho{source: source, shift: 10 * time.Second}
	if err := c.Calibrate(context.Background(), echo); err != nil {
		t.Fatalf("initial Calibrate: %v", err)
	}

	// A full second of drift crosses the 500ms threshold and must run the
	// longer emergency round before being adopted.
	echo2 := &fixedEcho{source: source, shift: 11 * time.Second}
	if err := c.Calibrate(context.Background(), echo2); err != nil {
		t.Fatalf("emergency Calibrate: %v", err)
	}
	if got := c.OffsetMS(); got != 11_000 {
		t.Fatalf("offset after emergency: got %dms want 11000ms", got)
	}
	if echo2.calls != initialSamples+emergencySamples {
		t.Fatalf("expected %d samples, took %d", initialSamples+emergencySamples, echo2.calls)
	}
}

// jitterEcho returns wildly varying readings to trip the spread check.
type jitterEcho struct {
	source clockwork.Clock
	calls  int
}

func (e *jitterEcho) Echo(ctx context.Context) (int64, error) {
	e.calls++
	shift := 11 * time.Second
	if e.calls%2 == 0 {
		shift += time.Second
	}
	return e.source.Now().Add(shift).UTC().UnixMilli(), nil
}

func TestCalibrateRejectsUnstableEmergency(t *testing.T) {
	source := clockwork.NewFakeClockAt(testBase)
	c := NewWithSource(nodeA, source, nil)

	if err := c.Calibrate(context.Background(), &fixedEcho{source: source, shift: 10 * time.Second}); err != nil {
		t.Fatalf("initial Calibrate: %v", err)
	}
	err := c.Calibrate(context.Background(), &jitterEcho{source: source})
	if !errors.Is(err, ErrCalibrationUnstable) {
		t.Fatalf("expected ErrCalibrationUnstable, got %v", err)
	}
	if got := c.OffsetMS(); got != 10_000 {
		t.Fatalf("unstable round must not change offset: got %dms", got)
	}
}

func TestCalibrateMasterUnreachable(t *testing.T) {
	source := clockwork.NewFakeClockAt(testBase)
	c := NewWithSource(nodeA, source, nil)
	echo := &fixedEcho{source: source, fail: errors.New("connection refused")}

	err := c.Calibrate(context.Background(), echo)
	if !errors.Is(err, ErrMasterUnreachable) {
		t.Fatalf("expected ErrMasterUnreachable, got %v", err)
	}
	if c.Calibrated() {
		t.Fatalf("failed calibration must not mark the clock calibrated")
	}
}
