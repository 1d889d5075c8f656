// Package retention bounds storage growth: database rows and archive files
// are deleted past their configured lifetimes, on independent schedules.
package retention

import (
	"context"
	"log/slog"
	"time"

	"logarchive/internal/models"
	"logarchive/internal/storage"
	"logarchive/internal/telemetry"
)

// Store is the slice of the persistence layer the sweeps need.
type Store interface {
	DeleteLogRecordsBefore(ctx context.Context, source string, cutoff time.Time) (int64, error)
	CountLogRecordsBefore(ctx context.Context, source string, cutoff time.Time) (int64, error)
	DeleteLedgersBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountLedgersBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DatabaseReport totals one database sweep.
type DatabaseReport struct {
	DeletedAPILogs int64 `json:"deleted_api_logs"`
	DeletedAppLogs int64 `json:"deleted_app_logs"`
	DeletedJobLogs int64 `json:"deleted_job_logs"`
	DeletedLedgers int64 `json:"deleted_ledgers"`
	DryRun         bool  `json:"dry_run,omitempty"`
}

// StorageReport totals one storage sweep. Failed lists objects whose delete
// failed; they stay in place for the next sweep.
type StorageReport struct {
	DeletedFiles int64    `json:"deleted_files"`
	DeletedBytes int64    `json:"deleted_bytes"`
	Failed       []string `json:"failed,omitempty"`
	DryRun       bool     `json:"dry_run,omitempty"`
}

// Engine runs the two-tier retention sweeps.
type Engine struct {
	store      Store
	blob       storage.Blob
	rootPrefix string
	log        *slog.Logger
}

// New constructs the engine around the store and blob backend.
func New(st Store, blob storage.Blob, rootPrefix string, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: st, blob: blob, rootPrefix: rootPrefix, log: log}
}

// CleanupDatabase deletes log records and whole ledgers strictly older than
// now minus retentionDays. A failure in one collection is logged and the
// sweep moves on to the next.
func (e *Engine) CleanupDatabase(ctx context.Context, now time.Time, retentionDays int) (DatabaseReport, error) {
	cutoff := now.UTC().AddDate(0, 0, -retentionDays)
	report := DatabaseReport{}

	counts := map[string]*int64{
		models.SourceAPI: &report.DeletedAPILogs,
		models.SourceApp: &report.DeletedAppLogs,
		models.SourceJob: &report.DeletedJobLogs,
	}
	for _, source := range []string{models.SourceAPI, models.SourceApp, models.SourceJob} {
		n, err := e.store.DeleteLogRecordsBefore(ctx, source, cutoff)
		if err != nil {
			e.log.Error("retention: delete log records", "source", source, "error", err)
			continue
		}
		*counts[source] = n
	}

	n, err := e.store.DeleteLedgersBefore(ctx, cutoff)
	if err != nil {
		e.log.Error("retention: delete ledgers", "error", err)
	} else {
		report.DeletedLedgers = n
	}

	total := report.DeletedAPILogs + report.DeletedAppLogs + report.DeletedJobLogs + report.DeletedLedgers
	telemetry.RecordsDeleted.Add(float64(total))
	e.log.Info("database retention sweep done",
		"cutoff", cutoff.Format(time.RFC3339), "deleted", total)
	return report, nil
}

// CleanupStorage deletes archive objects last modified before now minus
// retentionDays. A single failed delete is recorded and skipped; the sweep
// never aborts on one bad object.
func (e *Engine) CleanupStorage(ctx context.Context, now time.Time, retentionDays int) (StorageReport, error) {
	cutoff := now.UTC().AddDate(0, 0, -retentionDays)
	report := StorageReport{}

	objects, err := e.blob.List(ctx, e.rootPrefix)
	if err != nil {
		return report, err
	}
	for _, obj := range objects {
		if !obj.LastModified.Before(cutoff) {
			continue
		}
		if err := e.blob.Delete(ctx, obj.Path); err != nil {
			e.log.Error("retention: delete object", "path", obj.Path, "error", err)
			report.Failed = append(report.Failed, obj.Path)
			continue
		}
		report.DeletedFiles++
		report.DeletedBytes += obj.Size
	}

	telemetry.FilesDeleted.Add(float64(report.DeletedFiles))
	e.log.Info("storage retention sweep done",
		"cutoff", cutoff.Format(time.RFC3339),
		"deleted_files", report.DeletedFiles,
		"deleted_bytes", report.DeletedBytes,
		"failed", len(report.Failed))
	return report, nil
}

// ApplyStorageLifecycle pushes tier-transition rules to backends that
// support them. Reapplying the same policy is idempotent.
func (e *Engine) ApplyStorageLifecycle(ctx context.Context, transitions []storage.LifecycleTransition) error {
	lc, ok := e.blob.(storage.Lifecycler)
	if !ok {
		return storage.ErrUnsupported
	}
	return lc.ApplyLifecycle(ctx, e.rootPrefix, transitions)
}

// ManualOptions selects what a manual cleanup touches.
type ManualOptions struct {
	Database bool `json:"database"`
	Storage  bool `json:"storage"`
	DryRun   bool `json:"dry_run"`
}

// ManualReport is returned from RunManualCleanup.
type ManualReport struct {
	Database *DatabaseReport `json:"database,omitempty"`
	Storage  *StorageReport  `json:"storage,omitempty"`
}

// RunManualCleanup runs the selected sweeps on demand. With DryRun the
// report shows what would be deleted and nothing is mutated.
func (e *Engine) RunManualCleanup(ctx context.Context, now time.Time, dbRetentionDays, fileRetentionDays int, opts ManualOptions) (ManualReport, error) {
	report := ManualReport{}

	if opts.Database {
		if opts.DryRun {
			db, err := e.previewDatabase(ctx, now, dbRetentionDays)
			if err != nil {
				return report, err
			}
			report.Database = &db
		} else {
			db, err := e.CleanupDatabase(ctx, now, dbRetentionDays)
			if err != nil {
				return report, err
			}
			report.Database = &db
		}
	}

	if opts.Storage {
		if opts.DryRun {
			st, err := e.previewStorage(ctx, now, fileRetentionDays)
			if err != nil {
				return report, err
			}
			report.Storage = &st
		} else {
			st, err := e.CleanupStorage(ctx, now, fileRetentionDays)
			if err != nil {
				return report, err
			}
			report.Storage = &st
		}
	}

	return report, nil
}

func (e *Engine) previewDatabase(ctx context.Context, now time.Time, retentionDays int) (DatabaseReport, error) {
	cutoff := now.UTC().AddDate(0, 0, -retentionDays)
	report := DatabaseReport{DryRun: true}

	counts := map[string]*int64{
		models.SourceAPI: &report.DeletedAPILogs,
		models.SourceApp: &report.DeletedAppLogs,
		models.SourceJob: &report.DeletedJobLogs,
	}
	for _, source := range []string{models.SourceAPI, models.SourceApp, models.SourceJob} {
		n, err := e.store.CountLogRecordsBefore(ctx, source, cutoff)
		if err != nil {
			e.log.Error("retention: count log records", "source", source, "error", err)
			continue
		}
		*counts[source] = n
	}
	n, err := e.store.CountLedgersBefore(ctx, cutoff)
	if err != nil {
		e.log.Error("retention: count ledgers", "error", err)
	} else {
		report.DeletedLedgers = n
	}
	return report, nil
}

func (e *Engine) previewStorage(ctx context.Context, now time.Time, retentionDays int) (StorageReport, error) {
	cutoff := now.UTC().AddDate(0, 0, -retentionDays)
	report := StorageReport{DryRun: true}

	objects, err := e.blob.List(ctx, e.rootPrefix)
	if err != nil {
		return report, err
	}
	for _, obj := range objects {
		if obj.LastModified.Before(cutoff) {
			report.DeletedFiles++
			report.DeletedBytes += obj.Size
		}
	}
	return report, nil
}
