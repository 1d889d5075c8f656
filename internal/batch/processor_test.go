package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"logarchive/internal/config"
	"logarchive/internal/lock"
	"logarchive/internal/mask"
	"logarchive/internal/models"
	"logarchive/internal/storage"
	"logarchive/internal/store"
)

type fakeStore struct {
	mu      sync.Mutex
	slots   map[string]*models.HourSlot
	records map[string][]models.LogRecord
	overall string
}

func newFakeStore(day time.Time) *fakeStore {
	fs := &fakeStore{
		slots:   map[string]*models.HourSlot{},
		records: map[string][]models.LogRecord{},
	}
	for hour := 0; hour < 24; hour++ {
		fs.slots[slotID(day, hour)] = &models.HourSlot{
			Hour:      hour,
			HourRange: models.HourRangeLabel(hour),
			Status:    models.SlotPending,
		}
	}
	return fs
}

func slotID(day time.Time, hour int) string {
	return fmt.Sprintf("%s:%02d", day.UTC().Format("2006-01-02"), hour)
}

func (f *fakeStore) GetSlot(_ context.Context, day time.Time, hour int) (models.HourSlot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	slot, ok := f.slots[slotID(day, hour)]
	if !ok {
		return models.HourSlot{}, store.ErrNotFound
	}
	return *slot, nil
}

func (f *fakeStore) UpdateSlot(_ context.Context, day time.Time, hour int, m store.SlotMutation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	slot, ok := f.slots[slotID(day, hour)]
	if !ok {
		return store.ErrNotFound
	}
	if m.Status != nil {
		slot.Status = *m.Status
	}
	if m.Retries != nil {
		slot.Retries = *m.Retries
	}
	if m.FilePath != nil {
		slot.FilePath = *m.FilePath
	}
	if m.RecordCount != nil {
		slot.RecordCount = *m.RecordCount
	}
	return nil
}

func (f *fakeStore) RecomputeOverallStatus(_ context.Context, day time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var slots []models.HourSlot
	for hour := 0; hour < 24; hour++ {
		if s, ok := f.slots[slotID(day, hour)]; ok {
			slots = append(slots, *s)
		}
	}
	f.overall = models.RollUp(slots)
	return f.overall, nil
}

func (f *fakeStore) FindLogRecordsInRange(_ context.Context, source string, from, to time.Time, _ []string) ([]models.LogRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.LogRecord
	for _, rec := range f.records[source] {
		if !rec.RecordedAt.Before(from) && rec.RecordedAt.Before(to) {
			out = append(out, rec)
		}
	}
	return out, nil
}

type fakeBlob struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failPuts int
	puts     int
}

func newFakeBlob() *fakeBlob {
	return &fakeBlob{objects: map[string][]byte{}}
}

func (f *fakeBlob) Put(_ context.Context, path string, body []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.failPuts > 0 {
		f.failPuts--
		return errors.New("injected upload failure")
	}
	f.objects[path] = body
	return nil
}

func (f *fakeBlob) Delete(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, path)
	return nil
}

func (f *fakeBlob) List(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.ObjectInfo
	for path, body := range f.objects {
		if strings.HasPrefix(path, prefix) {
			out = append(out, storage.ObjectInfo{Path: path, Size: int64(len(body))})
		}
	}
	return out, nil
}

func (f *fakeBlob) SignedURL(context.Context, string, time.Duration) (string, error) {
	return "", storage.ErrUnsupported
}

func testConfig() config.Config {
	return config.Config{
		RootPrefix:         "logs",
		FolderGranularity:  config.GranularityDaily,
		SubFolderByHour:    true,
		CompressionEnabled: false,
		MaskingEnabled:     true,
		MaskedFields:       []string{"password"},
		MaskChar:           "*",
		TimestampFields:    []string{"timestamp"},
		MaxRetries:         3,
		BackoffInitial:     time.Millisecond,
		BackoffMax:         5 * time.Millisecond,
		UploadTimeout:      time.Second,
	}
}

func newTestProcessor(t *testing.T, cfg config.Config, fs *fakeStore, blob *fakeBlob) *Processor {
	t.Helper()
	masker, err := mask.New(cfg)
	if err != nil {
		t.Fatalf("new masker: %v", err)
	}
	return New(cfg, fs, blob, masker, nil, nil)
}

func TestProcessHourSuccessMasksRecords(t *testing.T) {
	day := time.Date(2025, 9, 4, 0, 0, 0, 0, time.UTC)
	fs := newFakeStore(day)
	for i := 0; i < 3; i++ {
		fs.records[models.SourceAPI] = append(fs.records[models.SourceAPI], models.LogRecord{
			ID:         fmt.Sprintf("r%d", i),
			Source:     models.SourceAPI,
			Payload:    map[string]any{"password": "hunter2", "path": "/login"},
			RecordedAt: day.Add(14*time.Hour + time.Duration(i)*time.Minute),
		})
	}
	blob := newFakeBlob()
	p := newTestProcessor(t, testConfig(), fs, blob)

	if err := p.ProcessHour(context.Background(), day, 14, false); err != nil {
		t.Fatalf("process hour: %v", err)
	}

	slot, _ := fs.GetSlot(context.Background(), day, 14)
	if slot.Status != models.SlotSuccess {
		t.Fatalf("expected success, got %s", slot.Status)
	}
	if slot.FilePath == "" {
		t.Fatal("expected file path recorded")
	}
	if slot.RecordCount != 3 {
		t.Fatalf("expected 3 records, got %d", slot.RecordCount)
	}

	body, ok := blob.objects[slot.FilePath]
	if !ok {
		t.Fatalf("uploaded object missing at %s", slot.FilePath)
	}
	if strings.Contains(string(body), "hunter2") {
		t.Fatal("password leaked into archive")
	}
	if !strings.Contains(string(body), "/login") {
		t.Fatal("archive missing record content")
	}
}

func TestProcessHourZeroRecordsStillSucceeds(t *testing.T) {
	day := time.Date(2025, 9, 4, 0, 0, 0, 0, time.UTC)
	fs := newFakeStore(day)
	blob := newFakeBlob()
	p := newTestProcessor(t, testConfig(), fs, blob)

	if err := p.ProcessHour(context.Background(), day, 3, false); err != nil {
		t.Fatalf("process hour: %v", err)
	}
	slot, _ := fs.GetSlot(context.Background(), day, 3)
	if slot.Status != models.SlotSuccess {
		t.Fatalf("expected success on empty window, got %s", slot.Status)
	}
	if slot.RecordCount != 0 {
		t.Fatalf("expected zero records, got %d", slot.RecordCount)
	}
	if blob.puts != 1 {
		t.Fatalf("expected one upload, got %d", blob.puts)
	}
}

func TestProcessHourIdempotentWithoutForce(t *testing.T) {
	day := time.Date(2025, 9, 4, 0, 0, 0, 0, time.UTC)
	fs := newFakeStore(day)
	blob := newFakeBlob()
	p := newTestProcessor(t, testConfig(), fs, blob)

	if err := p.ProcessHour(context.Background(), day, 8, false); err != nil {
		t.Fatalf("first run: %v", err)
	}
	slot, _ := fs.GetSlot(context.Background(), day, 8)
	firstPath := slot.FilePath

	if err := p.ProcessHour(context.Background(), day, 8, false); err != nil {
		t.Fatalf("second run: %v", err)
	}
	slot, _ = fs.GetSlot(context.Background(), day, 8)
	if slot.FilePath != firstPath {
		t.Fatalf("file path changed on reprocess: %s vs %s", firstPath, slot.FilePath)
	}
	if blob.puts != 1 {
		t.Fatalf("expected no second upload, got %d puts", blob.puts)
	}

	// An explicit force runs the pipeline again.
	if err := p.ProcessHour(context.Background(), day, 8, true); err != nil {
		t.Fatalf("forced run: %v", err)
	}
	if blob.puts != 2 {
		t.Fatalf("expected forced upload, got %d puts", blob.puts)
	}
}

func TestProcessHourExhaustsRetries(t *testing.T) {
	day := time.Date(2025, 9, 4, 0, 0, 0, 0, time.UTC)
	fs := newFakeStore(day)
	blob := newFakeBlob()
	blob.failPuts = 100
	p := newTestProcessor(t, testConfig(), fs, blob)

	err := p.ProcessHour(context.Background(), day, 5, false)
	if !errors.Is(err, ErrSlotExhausted) {
		t.Fatalf("expected ErrSlotExhausted, got %v", err)
	}

	slot, _ := fs.GetSlot(context.Background(), day, 5)
	if slot.Status != models.SlotFailed {
		t.Fatalf("expected failed, got %s", slot.Status)
	}
	if slot.Retries != 3 {
		t.Fatalf("expected retries=3, got %d", slot.Retries)
	}
	if fs.overall != models.LedgerFailed {
		t.Fatalf("expected ledger roll-up failed, got %s", fs.overall)
	}

	// A terminal slot is not retried again without force.
	blob.puts = 0
	err = p.ProcessHour(context.Background(), day, 5, false)
	if !errors.Is(err, ErrSlotExhausted) {
		t.Fatalf("expected ErrSlotExhausted on terminal slot, got %v", err)
	}
	if blob.puts != 0 {
		t.Fatalf("terminal slot was retried: %d puts", blob.puts)
	}
}

func TestProcessHourRecoversAfterTransientFailure(t *testing.T) {
	day := time.Date(2025, 9, 4, 0, 0, 0, 0, time.UTC)
	fs := newFakeStore(day)
	blob := newFakeBlob()
	blob.failPuts = 2
	p := newTestProcessor(t, testConfig(), fs, blob)

	if err := p.ProcessHour(context.Background(), day, 10, false); err != nil {
		t.Fatalf("expected recovery within retry budget: %v", err)
	}
	slot, _ := fs.GetSlot(context.Background(), day, 10)
	if slot.Status != models.SlotSuccess {
		t.Fatalf("expected success after transient failures, got %s", slot.Status)
	}
	if slot.Retries != 2 {
		t.Fatalf("expected 2 recorded retries, got %d", slot.Retries)
	}
}

func TestProcessHourSlotLockBlocksSecondWriter(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locks := lock.NewSlotLock(client, time.Minute)

	day := time.Date(2025, 9, 4, 0, 0, 0, 0, time.UTC)
	fs := newFakeStore(day)
	cfg := testConfig()
	masker, err := mask.New(cfg)
	if err != nil {
		t.Fatalf("new masker: %v", err)
	}
	p := New(cfg, fs, newFakeBlob(), masker, locks, nil)

	lease, err := locks.Acquire(context.Background(), day, 6)
	if err != nil || lease == nil {
		t.Fatalf("pre-acquire lease: lease=%v err=%v", lease, err)
	}

	if err := p.ProcessHour(context.Background(), day, 6, false); !errors.Is(err, ErrSlotBusy) {
		t.Fatalf("expected ErrSlotBusy, got %v", err)
	}

	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := p.ProcessHour(context.Background(), day, 6, false); err != nil {
		t.Fatalf("expected processing after release: %v", err)
	}
}

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}
}
