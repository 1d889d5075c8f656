package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RecordsIngested   = prometheus.NewCounter(prometheus.CounterOpts{Name: "logarchive_records_ingested_total", Help: "Log records accepted by the ingest API"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "logarchive_rate_limit_rejects_total", Help: "Ingest requests rejected by the rate limiter"})
	BatchesSucceeded  = prometheus.NewCounter(prometheus.CounterOpts{Name: "logarchive_batches_succeeded_total", Help: "Hour batches uploaded successfully"})
	BatchesFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "logarchive_batches_failed_total", Help: "Hour batch attempts that failed and may retry"})
	SlotsExhausted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "logarchive_slots_exhausted_total", Help: "Hour slots that exhausted retries and went terminal"})
	BytesUploaded     = prometheus.NewCounter(prometheus.CounterOpts{Name: "logarchive_bytes_uploaded_total", Help: "Archive bytes written to blob storage"})
	RecordsDeleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "logarchive_retention_records_deleted_total", Help: "Database rows removed by retention sweeps"})
	FilesDeleted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "logarchive_retention_files_deleted_total", Help: "Archive objects removed by retention sweeps"})
	SlotsInFlight     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "logarchive_slots_inflight", Help: "Hour slots currently processing"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RecordsIngested,
			RateLimitRejects,
			BatchesSucceeded,
			BatchesFailed,
			SlotsExhausted,
			BytesUploaded,
			RecordsDeleted,
			FilesDeleted,
			SlotsInFlight,
		)
	})
	return promhttp.Handler()
}
