package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"logarchive/internal/models"
)

// ErrNotFound is returned when a ledger or slot does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// DayOf truncates t to its UTC calendar date.
func DayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// CreateDailyLedger inserts the ledger row and its 24 pending hour slots.
// Creating the same day twice is a no-op; the existing ledger is returned
// unchanged along with created=false.
func (s *Store) CreateDailyLedger(ctx context.Context, day time.Time) (models.Ledger, bool, error) {
	day = DayOf(day)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ledger{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, `
		INSERT INTO ledgers (day, overall_status)
		VALUES ($1, $2)
		ON CONFLICT (day) DO NOTHING
	`, day, models.LedgerPending)
	if err != nil {
		return models.Ledger{}, false, fmt.Errorf("insert ledger: %w", err)
	}

	created := tag.RowsAffected() > 0
	if created {
		for hour := 0; hour < 24; hour++ {
			if _, err := tx.Exec(ctx, `
				INSERT INTO hour_slots (day, hour, hour_range, status, retries)
				VALUES ($1, $2, $3, $4, 0)
				ON CONFLICT (day, hour) DO NOTHING
			`, day, hour, models.HourRangeLabel(hour), models.SlotPending); err != nil {
				return models.Ledger{}, false, fmt.Errorf("insert slot %d: %w", hour, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Ledger{}, false, fmt.Errorf("commit: %w", err)
	}

	ledger, err := s.GetLedger(ctx, day)
	if err != nil {
		return models.Ledger{}, false, err
	}
	return ledger, created, nil
}

// GetLedger fetches a ledger and its slots ordered by hour.
func (s *Store) GetLedger(ctx context.Context, day time.Time) (models.Ledger, error) {
	day = DayOf(day)

	var ledger models.Ledger
	err := s.pool.QueryRow(ctx, `
		SELECT day, overall_status, created_at, updated_at
		FROM ledgers WHERE day = $1
	`, day).Scan(&ledger.Day, &ledger.OverallStatus, &ledger.CreatedAt, &ledger.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Ledger{}, fmt.Errorf("ledger %s: %w", day.Format("2006-01-02"), ErrNotFound)
	}
	if err != nil {
		return models.Ledger{}, fmt.Errorf("scan ledger: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT hour, hour_range, status, retries, file_path, record_count, updated_at
		FROM hour_slots WHERE day = $1 ORDER BY hour
	`, day)
	if err != nil {
		return models.Ledger{}, fmt.Errorf("query slots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var slot models.HourSlot
		if err := rows.Scan(&slot.Hour, &slot.HourRange, &slot.Status, &slot.Retries, &slot.FilePath, &slot.RecordCount, &slot.UpdatedAt); err != nil {
			return models.Ledger{}, fmt.Errorf("scan slot: %w", err)
		}
		ledger.Slots = append(ledger.Slots, slot)
	}
	if err := rows.Err(); err != nil {
		return models.Ledger{}, fmt.Errorf("iterate slots: %w", err)
	}
	return ledger, nil
}

// GetSlot fetches one hour slot.
func (s *Store) GetSlot(ctx context.Context, day time.Time, hour int) (models.HourSlot, error) {
	var slot models.HourSlot
	err := s.pool.QueryRow(ctx, `
		SELECT hour, hour_range, status, retries, file_path, record_count, updated_at
		FROM hour_slots WHERE day = $1 AND hour = $2
	`, DayOf(day), hour).Scan(&slot.Hour, &slot.HourRange, &slot.Status, &slot.Retries, &slot.FilePath, &slot.RecordCount, &slot.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.HourSlot{}, fmt.Errorf("slot %d: %w", hour, ErrNotFound)
	}
	if err != nil {
		return models.HourSlot{}, fmt.Errorf("scan slot: %w", err)
	}
	return slot, nil
}

// SlotMutation applies only the fields that are set; each mutation touches a
// single slot row so concurrent updates to sibling slots never clobber each other.
type SlotMutation struct {
	Status      *string
	Retries     *int
	FilePath    *string
	RecordCount *int
}

// UpdateSlot mutates exactly one hour slot.
func (s *Store) UpdateSlot(ctx context.Context, day time.Time, hour int, m SlotMutation) error {
	sets := []string{"updated_at = NOW()"}
	args := []any{DayOf(day), hour}
	n := 3
	add := func(col string, v any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, n))
		args = append(args, v)
		n++
	}
	if m.Status != nil {
		add("status", *m.Status)
	}
	if m.Retries != nil {
		add("retries", *m.Retries)
	}
	if m.FilePath != nil {
		add("file_path", *m.FilePath)
	}
	if m.RecordCount != nil {
		add("record_count", *m.RecordCount)
	}

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE hour_slots SET %s WHERE day = $1 AND hour = $2
	`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return fmt.Errorf("update slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("slot %d on %s: %w", hour, DayOf(day).Format("2006-01-02"), ErrNotFound)
	}
	return nil
}

// RecomputeOverallStatus re-derives the ledger roll-up from its slots.
func (s *Store) RecomputeOverallStatus(ctx context.Context, day time.Time) (string, error) {
	ledger, err := s.GetLedger(ctx, day)
	if err != nil {
		return "", err
	}
	status := models.RollUp(ledger.Slots)
	if _, err := s.pool.Exec(ctx, `
		UPDATE ledgers SET overall_status = $2, updated_at = NOW() WHERE day = $1
	`, DayOf(day), status); err != nil {
		return "", fmt.Errorf("update overall status: %w", err)
	}
	return status, nil
}

// InsertLogRecord stores one captured log entry.
func (s *Store) InsertLogRecord(ctx context.Context, rec models.LogRecord) (models.LogRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	if rec.Payload == nil {
		rec.Payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(rec.Payload)
	if err != nil {
		return models.LogRecord{}, fmt.Errorf("marshal payload: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO log_records (id, source, payload, recorded_at)
		VALUES ($1, $2, $3, $4)
	`, rec.ID, rec.Source, payloadJSON, rec.RecordedAt); err != nil {
		return models.LogRecord{}, fmt.Errorf("insert log record: %w", err)
	}
	return rec, nil
}

// FindLogRecordsInRange returns records whose timestamp falls in [from, to).
// Candidate payload fields are tried in order and OR-combined with the indexed
// recorded_at column, so pre-existing payloads with their own timestamp field
// names still match. Payload timestamps are compared as RFC 3339 text, which
// orders correctly and never fails on non-timestamp values.
func (s *Store) FindLogRecordsInRange(ctx context.Context, source string, from, to time.Time, candidates []string) ([]models.LogRecord, error) {
	conds := []string{"(recorded_at >= $2 AND recorded_at < $3)"}
	args := []any{source, from, to,
		payloadTimeBound(from), payloadTimeBound(to)}
	n := 6
	for _, field := range candidates {
		conds = append(conds, fmt.Sprintf("(payload->>$%d::text >= $4 AND payload->>$%d::text < $5)", n, n))
		args = append(args, field)
		n++
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, source, payload, recorded_at
		FROM log_records
		WHERE source = $1 AND (%s)
		ORDER BY recorded_at
	`, strings.Join(conds, " OR ")), args...)
	if err != nil {
		return nil, fmt.Errorf("query log records: %w", err)
	}
	defer rows.Close()

	var out []models.LogRecord
	for rows.Next() {
		var rec models.LogRecord
		var payloadJSON []byte
		if err := rows.Scan(&rec.ID, &rec.Source, &payloadJSON, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan log record: %w", err)
		}
		if err := json.Unmarshal(payloadJSON, &rec.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log records: %w", err)
	}
	return out, nil
}

// payloadTimeBound formats a window bound for lexicographic comparison with
// RFC 3339 payload timestamps. The zone designator is dropped: with a "Z"
// suffix a fractional timestamp right on the bound ("...T14:00:00.5Z") would
// sort below "...T14:00:00Z" and fall out of the window.
func payloadTimeBound(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05")
}

// DeleteLogRecordsBefore removes records of one source strictly older than cutoff.
func (s *Store) DeleteLogRecordsBefore(ctx context.Context, source string, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM log_records WHERE source = $1 AND recorded_at < $2
	`, source, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete log records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountLogRecordsBefore counts what DeleteLogRecordsBefore would remove.
func (s *Store) CountLogRecordsBefore(ctx context.Context, source string, cutoff time.Time) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM log_records WHERE source = $1 AND recorded_at < $2
	`, source, cutoff).Scan(&n); err != nil {
		return 0, fmt.Errorf("count log records: %w", err)
	}
	return n, nil
}

// DeleteLedgersBefore removes whole ledgers (slots cascade) older than cutoff.
func (s *Store) DeleteLedgersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM ledgers WHERE day < $1
	`, DayOf(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete ledgers: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountLedgersBefore counts what DeleteLedgersBefore would remove.
func (s *Store) CountLedgersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM ledgers WHERE day < $1
	`, DayOf(cutoff)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledgers: %w", err)
	}
	return n, nil
}
