// Package batch turns one hour of raw log records into one uploaded,
// masked, optionally compressed archive file, and tracks the attempt in the
// daily ledger.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"time"

	"logarchive/internal/archive"
	"logarchive/internal/config"
	"logarchive/internal/lock"
	"logarchive/internal/mask"
	"logarchive/internal/models"
	"logarchive/internal/storage"
	"logarchive/internal/store"
	"logarchive/internal/telemetry"
)

// ErrSlotExhausted marks a slot that burned through its retries; it stays
// failed until an operator forces a reprocess.
var ErrSlotExhausted = errors.New("hour slot exhausted retries")

// ErrSlotBusy means another writer holds the slot lease right now.
var ErrSlotBusy = errors.New("hour slot is being processed elsewhere")

// Store is the slice of the persistence layer the processor needs.
type Store interface {
	GetSlot(ctx context.Context, day time.Time, hour int) (models.HourSlot, error)
	UpdateSlot(ctx context.Context, day time.Time, hour int, m store.SlotMutation) error
	RecomputeOverallStatus(ctx context.Context, day time.Time) (string, error)
	FindLogRecordsInRange(ctx context.Context, source string, from, to time.Time, candidates []string) ([]models.LogRecord, error)
}

// Processor drives the hourly batch pipeline.
type Processor struct {
	store    Store
	blob     storage.Blob
	masker   *mask.Masker
	locks    *lock.SlotLock
	log      *slog.Logger
	pathCfg  archive.PathConfig
	codecCfg archive.CodecConfig

	sources        []string
	tsFields       []string
	maskingEnabled bool
	maxRetries     int
	backoffInitial time.Duration
	backoffMax     time.Duration
	uploadTimeout  time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs a processor. locks may be nil when single-instance
// deployments don't need cross-process slot serialization.
func New(cfg config.Config, st Store, blob storage.Blob, masker *mask.Masker, locks *lock.SlotLock, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		store:          st,
		blob:           blob,
		masker:         masker,
		locks:          locks,
		log:            log,
		pathCfg:        archive.PathConfigFrom(cfg),
		codecCfg:       archive.CodecConfigFrom(cfg),
		sources:        []string{models.SourceAPI, models.SourceApp, models.SourceJob},
		tsFields:       cfg.TimestampFields,
		maskingEnabled: cfg.MaskingEnabled,
		maxRetries:     cfg.MaxRetries,
		backoffInitial: cfg.BackoffInitial,
		backoffMax:     cfg.BackoffMax,
		uploadTimeout:  cfg.UploadTimeout,
		sleep:          sleepCtx,
	}
}

// ProcessHour archives the window [day+hour, day+hour+1). Re-running an
// already successful slot without force is a no-op; a slot that exhausted
// its retries is only reprocessed when forced, which resets the count.
func (p *Processor) ProcessHour(ctx context.Context, day time.Time, hour int, force bool) error {
	if hour < 0 || hour > 23 {
		return fmt.Errorf("hour %d out of range", hour)
	}
	day = store.DayOf(day)

	if p.locks != nil {
		lease, err := p.locks.Acquire(ctx, day, hour)
		if err != nil {
			return err
		}
		if lease == nil {
			return fmt.Errorf("slot %02d on %s: %w", hour, day.Format("2006-01-02"), ErrSlotBusy)
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				p.log.Warn("release slot lease", "error", err)
			}
		}()
	}

	slot, err := p.store.GetSlot(ctx, day, hour)
	if err != nil {
		return err
	}

	switch {
	case slot.Status == models.SlotSuccess && !force:
		p.log.Debug("slot already archived", "day", day.Format("2006-01-02"), "hour", hour)
		return nil
	case slot.Status == models.SlotFailed && slot.Retries >= p.maxRetries && !force:
		return fmt.Errorf("slot %02d on %s: %w", hour, day.Format("2006-01-02"), ErrSlotExhausted)
	}

	retries := slot.Retries
	if force {
		retries = 0
	}

	if err := p.store.UpdateSlot(ctx, day, hour, store.SlotMutation{
		Status:  ptr(models.SlotProcessing),
		Retries: &retries,
	}); err != nil {
		return err
	}
	telemetry.SlotsInFlight.Inc()
	defer telemetry.SlotsInFlight.Dec()

	for {
		path, count, size, err := p.attempt(ctx, day, hour)
		if err == nil {
			if err := p.store.UpdateSlot(ctx, day, hour, store.SlotMutation{
				Status:      ptr(models.SlotSuccess),
				FilePath:    &path,
				RecordCount: &count,
			}); err != nil {
				return err
			}
			telemetry.BatchesSucceeded.Inc()
			telemetry.BytesUploaded.Add(float64(size))
			if _, err := p.store.RecomputeOverallStatus(ctx, day); err != nil {
				p.log.Warn("recompute overall status", "error", err)
			}
			p.log.Info("hour batch archived",
				"day", day.Format("2006-01-02"), "hour", hour, "path", path, "records", count)
			return nil
		}

		retries++
		telemetry.BatchesFailed.Inc()
		p.log.Warn("hour batch attempt failed",
			"day", day.Format("2006-01-02"), "hour", hour, "retries", retries, "error", err)
		if uerr := p.store.UpdateSlot(ctx, day, hour, store.SlotMutation{Retries: &retries}); uerr != nil {
			return uerr
		}

		if retries >= p.maxRetries {
			if uerr := p.store.UpdateSlot(ctx, day, hour, store.SlotMutation{
				Status: ptr(models.SlotFailed),
			}); uerr != nil {
				return uerr
			}
			telemetry.SlotsExhausted.Inc()
			if _, rerr := p.store.RecomputeOverallStatus(ctx, day); rerr != nil {
				p.log.Warn("recompute overall status", "error", rerr)
			}
			return fmt.Errorf("slot %02d on %s after %d retries: %w: %w",
				hour, day.Format("2006-01-02"), retries, ErrSlotExhausted, err)
		}

		if serr := p.sleep(ctx, backoffWithJitter(p.backoffInitial, p.backoffMax, retries)); serr != nil {
			return serr
		}
	}
}

// attempt runs one full query → mask → encode → upload pass.
func (p *Processor) attempt(ctx context.Context, day time.Time, hour int) (string, int, int, error) {
	from := day.Add(time.Duration(hour) * time.Hour)
	to := from.Add(time.Hour)

	var records []models.LogRecord
	for _, source := range p.sources {
		recs, err := p.store.FindLogRecordsInRange(ctx, source, from, to, p.tsFields)
		if err != nil {
			return "", 0, 0, fmt.Errorf("query %s records: %w", source, err)
		}
		records = append(records, recs...)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].RecordedAt.Before(records[j].RecordedAt) })

	if p.maskingEnabled && p.masker != nil {
		for i := range records {
			records[i].Payload = p.masker.Mask(records[i].Payload)
		}
	}

	name := fmt.Sprintf("logs-%s-%02d", day.Format("2006-01-02"), hour)
	body, ext, contentType, err := archive.Encode(records, name, p.codecCfg)
	if err != nil {
		return "", 0, 0, err
	}

	path := archive.ComputePath(day, hour, "logs", models.SlotSuccess, p.pathCfg) + ext

	putCtx := ctx
	if p.uploadTimeout > 0 {
		var cancel context.CancelFunc
		putCtx, cancel = context.WithTimeout(ctx, p.uploadTimeout)
		defer cancel()
	}
	if err := p.blob.Put(putCtx, path, body, contentType); err != nil {
		return "", 0, 0, fmt.Errorf("upload batch: %w", err)
	}

	return path, len(records), len(body), nil
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func ptr[T any](v T) *T { return &v }
