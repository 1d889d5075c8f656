package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"logarchive/internal/models"
	"logarchive/internal/retention"
)

type fakeLedgers struct {
	mu      sync.Mutex
	created []time.Time
	err     error
}

func (f *fakeLedgers) CreateDailyLedger(_ context.Context, day time.Time) (models.Ledger, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return models.Ledger{}, false, f.err
	}
	f.created = append(f.created, day)
	return models.Ledger{Day: day}, true, nil
}

func (f *fakeLedgers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type fakeProcessor struct {
	mu    sync.Mutex
	hours []int
}

func (f *fakeProcessor) ProcessHour(_ context.Context, _ time.Time, hour int, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hours = append(f.hours, hour)
	return nil
}

type fakeCleaner struct {
	mu         sync.Mutex
	dbSweeps   int
	fileSweeps int
}

func (f *fakeCleaner) CleanupDatabase(context.Context, time.Time, int) (retention.DatabaseReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dbSweeps++
	return retention.DatabaseReport{}, nil
}

func (f *fakeCleaner) CleanupStorage(context.Context, time.Time, int) (retention.StorageReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fileSweeps++
	return retention.StorageReport{}, nil
}

func (f *fakeCleaner) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dbSweeps, f.fileSweeps
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestStartRunsDailyTickImmediately(t *testing.T) {
	ledgers := &fakeLedgers{}
	h := New(ledgers, &fakeProcessor{}, &fakeCleaner{}, Options{}, nil)

	h.Start(context.Background())
	defer h.Stop()

	waitFor(t, func() bool { return ledgers.count() >= 1 })
	waitFor(t, func() bool { return !h.Status().LastDailyTick.IsZero() })
}

func TestStartIsIdempotent(t *testing.T) {
	ledgers := &fakeLedgers{}
	h := New(ledgers, &fakeProcessor{}, &fakeCleaner{}, Options{}, nil)

	h.Start(context.Background())
	h.Start(context.Background())
	defer h.Stop()

	waitFor(t, func() bool { return ledgers.count() >= 1 })
	// A short settle window; a double-started handle would fire the
	// immediate daily tick twice.
	time.Sleep(50 * time.Millisecond)
	if got := ledgers.count(); got != 1 {
		t.Fatalf("expected a single startup tick, got %d", got)
	}
}

func TestStopDrainsLoops(t *testing.T) {
	h := New(&fakeLedgers{}, &fakeProcessor{}, &fakeCleaner{}, Options{}, nil)

	h.Start(context.Background())
	h.Stop()

	if h.Status().Running {
		t.Fatal("handle still marked running after Stop")
	}
	// Stopping twice must not panic or block.
	h.Stop()
}

func TestSweepLoopFiresBothSweeps(t *testing.T) {
	cleaner := &fakeCleaner{}
	h := New(&fakeLedgers{}, &fakeProcessor{}, cleaner, Options{
		DBCleanupEvery:   20 * time.Millisecond,
		FileCleanupEvery: 30 * time.Millisecond,
	}, nil)

	h.Start(context.Background())
	defer h.Stop()

	waitFor(t, func() bool {
		db, files := cleaner.counts()
		return db >= 1 && files >= 1
	})
	waitFor(t, func() bool { return !h.Status().LastDBSweep.IsZero() && !h.Status().LastFileSweep.IsZero() })
}

func TestTickErrorDoesNotStopHandle(t *testing.T) {
	ledgers := &fakeLedgers{err: errors.New("database offline")}
	cleaner := &fakeCleaner{}
	h := New(ledgers, &fakeProcessor{}, cleaner, Options{
		DBCleanupEvery: 20 * time.Millisecond,
	}, nil)

	h.Start(context.Background())
	defer h.Stop()

	// The failing daily tick must not take the sweep loop down with it.
	waitFor(t, func() bool { db, _ := cleaner.counts(); return db >= 2 })
	if !h.Status().Running {
		t.Fatal("handle stopped after a tick error")
	}
}
