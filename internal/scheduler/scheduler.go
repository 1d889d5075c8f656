// Package scheduler owns the timers that drive ledger creation, hourly
// batch processing, and the retention sweeps. The Handle is explicit state
// owned by main; there is no process-wide timer registry.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"logarchive/internal/models"
	"logarchive/internal/retention"
	"logarchive/internal/store"
)

// LedgerCreator creates the daily processing plan.
type LedgerCreator interface {
	CreateDailyLedger(ctx context.Context, day time.Time) (models.Ledger, bool, error)
}

// HourProcessor archives one hour slot.
type HourProcessor interface {
	ProcessHour(ctx context.Context, day time.Time, hour int, force bool) error
}

// Cleaner runs the retention sweeps.
type Cleaner interface {
	CleanupDatabase(ctx context.Context, now time.Time, retentionDays int) (retention.DatabaseReport, error)
	CleanupStorage(ctx context.Context, now time.Time, retentionDays int) (retention.StorageReport, error)
}

// Options configures the handle's cadence and retention windows.
type Options struct {
	DBRetentionDays   int
	FileRetentionDays int
	DBCleanupEvery    time.Duration
	FileCleanupEvery  time.Duration
}

// Status is a snapshot of the handle for operators.
type Status struct {
	Running        bool      `json:"running"`
	LastDailyTick  time.Time `json:"last_daily_tick"`
	LastHourlyTick time.Time `json:"last_hourly_tick"`
	LastDBSweep    time.Time `json:"last_db_sweep"`
	LastFileSweep  time.Time `json:"last_file_sweep"`
}

// Handle runs the timer loops. Start it once; Stop blocks until the loops exit.
type Handle struct {
	ledgers   LedgerCreator
	processor HourProcessor
	cleaner   Cleaner
	opts      Options
	log       *slog.Logger

	mu     sync.Mutex
	status Status
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a stopped handle.
func New(ledgers LedgerCreator, processor HourProcessor, cleaner Cleaner, opts Options, log *slog.Logger) *Handle {
	if log == nil {
		log = slog.Default()
	}
	if opts.DBCleanupEvery <= 0 {
		opts.DBCleanupEvery = 24 * time.Hour
	}
	if opts.FileCleanupEvery <= 0 {
		opts.FileCleanupEvery = 7 * 24 * time.Hour
	}
	return &Handle{
		ledgers:   ledgers,
		processor: processor,
		cleaner:   cleaner,
		opts:      opts,
		log:       log,
	}
}

// Start launches the timer loops. Calling Start on a running handle is a no-op.
func (h *Handle) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.Running {
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)
	h.status.Running = true

	h.wg.Add(2)
	go h.hourLoop(ctx)
	go h.sweepLoop(ctx)
}

// Stop cancels the loops and waits for them to drain.
func (h *Handle) Stop() {
	h.mu.Lock()
	if !h.status.Running {
		h.mu.Unlock()
		return
	}
	h.status.Running = false
	cancel := h.cancel
	h.mu.Unlock()

	cancel()
	h.wg.Wait()
}

// Status returns a snapshot of the handle.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// hourLoop fires on every hour boundary: it makes sure today's ledger
// exists, then archives the hour that just ended. The first iteration also
// runs the daily tick immediately so a freshly started daemon has a ledger.
func (h *Handle) hourLoop(ctx context.Context) {
	defer h.wg.Done()

	h.runTick(ctx, "daily", h.dailyTick)

	for {
		now := time.Now().UTC()
		next := now.Truncate(time.Hour).Add(time.Hour)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case fired := <-timer.C:
			if fired.UTC().Hour() == 0 {
				h.runTick(ctx, "daily", h.dailyTick)
			}
			h.runTick(ctx, "hourly", h.hourlyTick)
		}
	}
}

// sweepLoop runs the retention sweeps on their independent cadences.
func (h *Handle) sweepLoop(ctx context.Context) {
	defer h.wg.Done()

	dbTicker := time.NewTicker(h.opts.DBCleanupEvery)
	defer dbTicker.Stop()
	fileTicker := time.NewTicker(h.opts.FileCleanupEvery)
	defer fileTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-dbTicker.C:
			h.runTick(ctx, "db_sweep", h.dbSweepTick)
		case <-fileTicker.C:
			h.runTick(ctx, "file_sweep", h.fileSweepTick)
		}
	}
}

// runTick isolates one tick: a panic or error is logged and the daemon lives on.
func (h *Handle) runTick(ctx context.Context, name string, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("tick panicked", "tick", name, "panic", r)
		}
	}()
	if err := fn(ctx); err != nil {
		h.log.Error("tick failed", "tick", name, "error", err)
	}
}

func (h *Handle) dailyTick(ctx context.Context) error {
	day := store.DayOf(time.Now())
	_, created, err := h.ledgers.CreateDailyLedger(ctx, day)
	if err != nil {
		return err
	}
	h.mark(func(s *Status) { s.LastDailyTick = time.Now().UTC() })
	h.log.Info("daily ledger ensured", "day", day.Format("2006-01-02"), "created", created)
	return nil
}

func (h *Handle) hourlyTick(ctx context.Context) error {
	prev := time.Now().UTC().Truncate(time.Hour).Add(-time.Hour)
	day := store.DayOf(prev)
	if _, _, err := h.ledgers.CreateDailyLedger(ctx, day); err != nil {
		return err
	}
	err := h.processor.ProcessHour(ctx, day, prev.Hour(), false)
	h.mark(func(s *Status) { s.LastHourlyTick = time.Now().UTC() })
	return err
}

func (h *Handle) dbSweepTick(ctx context.Context) error {
	_, err := h.cleaner.CleanupDatabase(ctx, time.Now(), h.opts.DBRetentionDays)
	h.mark(func(s *Status) { s.LastDBSweep = time.Now().UTC() })
	return err
}

func (h *Handle) fileSweepTick(ctx context.Context) error {
	_, err := h.cleaner.CleanupStorage(ctx, time.Now(), h.opts.FileRetentionDays)
	h.mark(func(s *Status) { s.LastFileSweep = time.Now().UTC() })
	return err
}

func (h *Handle) mark(apply func(*Status)) {
	h.mu.Lock()
	apply(&h.status)
	h.mu.Unlock()
}
