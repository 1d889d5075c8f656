package models

import (
	"fmt"
	"time"
)

// HourSlot statuses persisted in Postgres.
const (
	SlotPending    = "pending"
	SlotProcessing = "processing"
	SlotSuccess    = "success"
	SlotFailed     = "failed"
)

// Ledger roll-up statuses.
const (
	LedgerPending    = "pending"
	LedgerProcessing = "processing"
	LedgerCompleted  = "completed"
	LedgerFailed     = "failed"
)

// Log record sources, one per ingest channel.
const (
	SourceAPI = "api"
	SourceApp = "app"
	SourceJob = "job"
)

// HourSlot tracks the batch-processing state of one hour of one day.
type HourSlot struct {
	Hour        int       `json:"hour"`
	HourRange   string    `json:"hour_range"`
	Status      string    `json:"status"`
	Retries     int       `json:"retries"`
	FilePath    string    `json:"file_path,omitempty"`
	RecordCount int       `json:"record_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Ledger is the daily processing plan: one row per calendar day plus 24 hour slots.
type Ledger struct {
	Day           time.Time  `json:"day"`
	OverallStatus string     `json:"overall_status"`
	Slots         []HourSlot `json:"slots"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// LogRecord is a single captured log entry with a free-form payload.
type LogRecord struct {
	ID         string         `json:"id"`
	Source     string         `json:"source"`
	Payload    map[string]any `json:"payload"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// HourRangeLabel formats the immutable slot label, "00-01" through "23-24".
func HourRangeLabel(hour int) string {
	return fmt.Sprintf("%02d-%02d", hour, hour+1)
}

// ValidSource reports whether s names a known log collection.
func ValidSource(s string) bool {
	switch s {
	case SourceAPI, SourceApp, SourceJob:
		return true
	}
	return false
}

// RollUp derives the ledger status from its slots: completed only when every
// slot succeeded, failed as soon as any slot is terminally failed.
func RollUp(slots []HourSlot) string {
	allSuccess := len(slots) > 0
	anyActive := false
	for _, s := range slots {
		switch s.Status {
		case SlotFailed:
			return LedgerFailed
		case SlotSuccess:
			anyActive = true
		case SlotProcessing:
			anyActive = true
			allSuccess = false
		default:
			allSuccess = false
		}
	}
	if allSuccess {
		return LedgerCompleted
	}
	if anyActive {
		return LedgerProcessing
	}
	return LedgerPending
}
