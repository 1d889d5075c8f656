package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"logarchive/internal/batch"
	"logarchive/internal/config"
	"logarchive/internal/models"
	"logarchive/internal/ratelimit"
	"logarchive/internal/retention"
	"logarchive/internal/storage"
	"logarchive/internal/store"
	"logarchive/internal/telemetry"
)

// Ledgers is the slice of the store the API needs.
type Ledgers interface {
	CreateDailyLedger(ctx context.Context, day time.Time) (models.Ledger, bool, error)
	GetLedger(ctx context.Context, day time.Time) (models.Ledger, error)
	InsertLogRecord(ctx context.Context, rec models.LogRecord) (models.LogRecord, error)
}

// Processor archives one hour slot on demand.
type Processor interface {
	ProcessHour(ctx context.Context, day time.Time, hour int, force bool) error
}

// Cleaner runs manual retention operations.
type Cleaner interface {
	RunManualCleanup(ctx context.Context, now time.Time, dbRetentionDays, fileRetentionDays int, opts retention.ManualOptions) (retention.ManualReport, error)
	ApplyStorageLifecycle(ctx context.Context, transitions []storage.LifecycleTransition) error
}

// Server wires HTTP handlers for ingest and operations.
type Server struct {
	cfg       config.Config
	store     Ledgers
	processor Processor
	cleaner   Cleaner
	blob      storage.Blob
	limiter   *ratelimit.TokenBucket
	log       *slog.Logger
}

// New constructs the API server.
func New(cfg config.Config, st Ledgers, processor Processor, cleaner Cleaner, blob storage.Blob, limiter *ratelimit.TokenBucket, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		store:     st,
		processor: processor,
		cleaner:   cleaner,
		blob:      blob,
		limiter:   limiter,
		log:       log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/logs", s.handleIngest)
	r.Get("/ledgers/{date}", s.handleGetLedger)
	r.Post("/ledgers/{date}", s.handleCreateLedger)
	r.Post("/ledgers/{date}/hours/{hour}/process", s.handleProcessHour)
	r.Post("/cleanup", s.handleCleanup)
	r.Post("/lifecycle", s.handleLifecycle)
	r.Get("/archives", s.handleListArchives)
	r.Get("/archives/url", s.handleArchiveURL)
	return r
}

type ingestRequest struct {
	Source     string         `json:"source"`
	Payload    map[string]any `json:"payload"`
	RecordedAt *time.Time     `json:"recorded_at"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if !models.ValidSource(req.Source) {
		http.Error(w, "source must be one of api, app, job", http.StatusBadRequest)
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}

	if s.limiter != nil {
		key := ratelimit.ServiceKey(r.Header.Get("X-Service-Name"))
		allowed, _, err := s.limiter.Allow(r.Context(), key)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	rec := models.LogRecord{Source: req.Source, Payload: req.Payload}
	if req.RecordedAt != nil {
		rec.RecordedAt = req.RecordedAt.UTC()
	}
	rec, err := s.store.InsertLogRecord(r.Context(), rec)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.RecordsIngested.Inc()
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleGetLedger(w http.ResponseWriter, r *http.Request) {
	day, err := parseDate(chi.URLParam(r, "date"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ledger, err := s.store.GetLedger(r.Context(), day)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ledger)
}

// handleCreateLedger backfills a ledger for a past (or current) day.
func (s *Server) handleCreateLedger(w http.ResponseWriter, r *http.Request) {
	day, err := parseDate(chi.URLParam(r, "date"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ledger, created, err := s.store.CreateDailyLedger(r.Context(), day)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, ledger)
}

func (s *Server) handleProcessHour(w http.ResponseWriter, r *http.Request) {
	day, err := parseDate(chi.URLParam(r, "date"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	hour, err := strconv.Atoi(chi.URLParam(r, "hour"))
	if err != nil || hour < 0 || hour > 23 {
		http.Error(w, "hour must be 0..23", http.StatusBadRequest)
		return
	}
	force := r.URL.Query().Get("force") == "true"

	if err := s.processor.ProcessHour(r.Context(), day, hour, force); err != nil {
		switch {
		case errors.Is(err, batch.ErrSlotBusy):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, batch.ErrSlotExhausted):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		case errors.Is(err, store.ErrNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var opts retention.ManualOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if !opts.Database && !opts.Storage {
		http.Error(w, "select at least one of database, storage", http.StatusBadRequest)
		return
	}
	report, err := s.cleaner.RunManualCleanup(r.Context(), time.Now(), s.cfg.DBRetentionDays, s.cfg.FileRetentionDays, opts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type lifecycleRequest struct {
	Transitions []storage.LifecycleTransition `json:"transitions"`
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	var req lifecycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Transitions) == 0 {
		http.Error(w, "transitions are required", http.StatusBadRequest)
		return
	}
	if err := s.cleaner.ApplyStorageLifecycle(r.Context(), req.Transitions); err != nil {
		if errors.Is(err, storage.ErrUnsupported) {
			http.Error(w, err.Error(), http.StatusNotImplemented)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

func (s *Server) handleListArchives(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		prefix = s.cfg.RootPrefix
	}
	objects, err := s.blob.List(r.Context(), prefix)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"objects": objects})
}

func (s *Server) handleArchiveURL(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}
	ttl := 15 * time.Minute
	if v := r.URL.Query().Get("ttl_seconds"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			http.Error(w, "ttl_seconds must be a positive integer", http.StatusBadRequest)
			return
		}
		ttl = time.Duration(secs) * time.Second
	}
	url, err := s.blob.SignedURL(r.Context(), path, ttl)
	if err != nil {
		if errors.Is(err, storage.ErrUnsupported) {
			http.Error(w, err.Error(), http.StatusNotImplemented)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": url, "expires_in": int(ttl.Seconds())})
}

func parseDate(v string) (time.Time, error) {
	day, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("date must be YYYY-MM-DD: %w", err)
	}
	return day.UTC(), nil
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
