package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/riversync/riversync/internal/checkpoint"
	"github.com/riversync/riversync/internal/chunk"
	"github.com/riversync/riversync/internal/clock"
	"github.com/riversync/riversync/internal/hlc"
	"github.com/riversync/riversync/internal/record"
	"github.com/riversync/riversync/internal/session"
	"github.com/riversync/riversync/internal/store/sqlitestore"
	"github.com/riversync/riversync/internal/transport"
)

var (
	nodeA = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	nodeB = uuid.MustParse("22222222-2222-2222-2222-222222222222")
)

func newService(t *testing.T, node uuid.UUID) (*session.Service, *sqlitestore.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlitestore.Open(filepath.Join(dir, "records.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	state, err := checkpoint.Open(filepath.Join(dir, "sync.db"))
	if err != nil {
		t.Fatalf("open sync state: %v", err)
	}
	t.Cleanup(func() { state.Close() })
	svc := session.NewService(clock.New(node, nil), store, state, chunk.Options{MinSize: 4}, nil)
	return svc, store
}

func TestBackoffDoublesToMax(t *testing.T) {
	base, max := time.Second, 8*time.Second
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 8 * time.Second,
	}
	for i, w := range want {
		if got := backoff(base, max, i+1); got != w {
			t.Fatalf("backoff(%d) = %s, want %s", i+1, got, w)
		}
	}
}

func TestRunOnceConverges(t *testing.T) {
	a, aStore := newService(t, nodeA)
	b, bStore := newService(t, nodeB)
	ctx := context.Background()

	ts := hlc.Timestamp{WallMS: 1000, NodeID: nodeB}
	if err := bStore.Put(ctx, record.Record{
		Table:       "tracks",
		EntityKey:   "k1",
		CreatedHLC:  ts,
		ModifiedHLC: ts,
		Fields:      map[string]string{"title": "x"},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	target := Target{Name: "b", Peer: b, Tables: []TableJob{{Table: "tracks"}}}
	sched := New(a, []Target{target}, Options{}, nil)
	if err := sched.RunOnce(ctx, target, target.Tables[0]); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if _, ok, err := aStore.Get(ctx, "tracks", "k1"); err != nil || !ok {
		t.Fatalf("record not pulled (ok=%v err=%v)", ok, err)
	}
}

// downPeer refuses every exchange.
type downPeer struct {
	transport.Peer
}

func (downPeer) NodeID(ctx context.Context) (uuid.UUID, error) {
	return uuid.Nil, errors.New("connection refused")
}

func TestRunOnceReportsSuspension(t *testing.T) {
	a, _ := newService(t, nodeA)
	target := Target{Name: "down", Peer: downPeer{}, Tables: []TableJob{{Table: "tracks"}}}
	sched := New(a, []Target{target}, Options{}, nil)

	err := sched.RunOnce(context.Background(), target, target.Tables[0])
	if !errors.Is(err, session.ErrSuspended) {
		t.Fatalf("expected suspension, got %v", err)
	}
}

func TestNonMasterPairingsWaitForCalibration(t *testing.T) {
	a, _ := newService(t, nodeA)
	b, _ := newService(t, nodeB)
	ctx := context.Background()

	master := Target{Name: "master", Peer: downPeer{}, Master: true, Tables: []TableJob{{Table: "tracks"}}}
	other := Target{Name: "b", Peer: b, Tables: []TableJob{{Table: "tracks"}}}
	sched := New(a, []Target{master, other}, Options{}, nil)

	// With the master unreachable and the clock never calibrated, every
	// other pairing must suspend rather than sync on an uncalibrated clock.
	err := sched.RunOnce(ctx, other, other.Tables[0])
	if !errors.Is(err, session.ErrSuspended) {
		t.Fatalf("expected suspension, got %v", err)
	}
	if !errors.Is(err, clock.ErrMasterUnreachable) {
		t.Fatalf("suspension not attributed to calibration: %v", err)
	}

	// Once calibration has succeeded, the pairing proceeds.
	if err := a.Clock().Calibrate(ctx, b); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if err := sched.RunOnce(ctx, other, other.Tables[0]); err != nil {
		t.Fatalf("RunOnce after calibration: %v", err)
	}
}

func TestRunLoopsUntilCancelled(t *testing.T) {
	a, aStore := newService(t, nodeA)
	b, bStore := newService(t, nodeB)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ts := hlc.Timestamp{WallMS: 1000, NodeID: nodeB}
	if err := bStore.Put(ctx, record.Record{
		Table: "tracks", EntityKey: "k1",
		CreatedHLC: ts, ModifiedHLC: ts,
		Fields: map[string]string{"title": "x"},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	sched := New(a, []Target{{
		Name: "b", Peer: b,
		Tables: []TableJob{{Table: "tracks"}},
	}}, Options{Interval: 10 * time.Millisecond}, nil)
	done := make(chan error, 1)
	go func() {
		done <- sched.Run(ctx)
	}()

	// The first cycle lands quickly; cancel as soon as it is visible.
	for {
		if _, ok, _ := aStore.Get(context.Background(), "tracks", "k1"); ok {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatalf("scheduler never synced")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run returned %v", err)
	}
}
