package runner

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"stock_warehouse/models"
	"stock_warehouse/services/backends"
	"stock_warehouse/services/calendar"
	"stock_warehouse/services/datafetcher"
	"stock_warehouse/services/runlock"
	"stock_warehouse/services/staleness"
	"stock_warehouse/services/syncer"
	"stock_warehouse/services/updater"
	"stock_warehouse/services/warehouse"
)

type stubFetcher struct {
	bars []datafetcher.DailyBar
}

func (f *stubFetcher) Fetch(context.Context, string, models.Market, time.Time, time.Time) ([]datafetcher.DailyBar, error) {
	return f.bars, nil
}

type memBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func (b *memBackend) Name() string { return "supabase" }

func (b *memBackend) Revision(body []byte) string { return backends.ContentRevision(body) }

func (b *memBackend) Head(_ context.Context, path string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	body, ok := b.objects[path]
	if !ok {
		return "", nil
	}
	return backends.ContentRevision(body), nil
}

func (b *memBackend) Get(_ context.Context, path string) (*backends.Object, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	body, ok := b.objects[path]
	if !ok {
		return nil, nil
	}
	return &backends.Object{Path: path, Body: body}, nil
}

func (b *memBackend) Put(_ context.Context, path string, body []byte, _ string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.puts++
	b.objects[path] = body
	return backends.ContentRevision(body), nil
}

func newTestRunner(t *testing.T) (*Runner, *memBackend) {
	t.Helper()
	dir := t.TempDir()
	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, "warehouse.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := models.MigrateWarehouseModels(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store := warehouse.NewStore(db)

	if _, _, err := store.ReconcileSymbols(context.Background(), models.MarketTW, []models.Symbol{
		{SymbolID: "2330.TW", Name: "台積電"},
	}); err != nil {
		t.Fatalf("failed to seed symbols: %v", err)
	}

	cal, err := calendar.NewMarketCalendar()
	if err != nil {
		t.Fatalf("calendar init failed: %v", err)
	}
	day := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
	fetcher := &stubFetcher{bars: []datafetcher.DailyBar{{
		Date:   day,
		Open:   decimal.NewFromInt(1400),
		High:   decimal.NewFromInt(1420),
		Low:    decimal.NewFromInt(1395),
		Close:  decimal.NewFromInt(1415),
		Volume: 30_000_000,
	}}}
	orchestrator := updater.NewOrchestrator(store, fetcher, nil, staleness.NewPolicy(cal), updater.Options{
		Concurrency:      2,
		MaxRetries:       1,
		FullHistoryStart: time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	backend := &memBackend{objects: map[string][]byte{}}
	reconciler := syncer.NewReconciler(store, nil, 2)

	r := New(store, orchestrator, reconciler, []backends.RemoteBackend{backend}, nil,
		filepath.Join(dir, "warehouse.lock"))
	return r, backend
}

func TestRunPipeline(t *testing.T) {
	r, backend := newTestRunner(t)

	summary, err := r.Run(context.Background(), models.MarketTW)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.Update == nil || summary.Update.Fetched != 1 {
		t.Fatalf("update stats missing or wrong: %+v", summary.Update)
	}
	if summary.Sync == nil {
		t.Fatal("sync report missing")
	}
	outcome, ok := summary.Sync.Outcome("supabase")
	if !ok || outcome.State != models.BackendSucceeded {
		t.Fatalf("backend outcome = %+v", outcome)
	}
	if len(backend.objects) != 1 {
		t.Fatalf("backend holds %d objects, want 1", len(backend.objects))
	}
	if got := r.LastSummary(); got != summary {
		t.Error("LastSummary should return the finished run")
	}

	// A second run on the same closed session is a full no-op.
	summary, err = r.Run(context.Background(), models.MarketTW)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if summary.Update.Fetched != 0 || summary.Update.Skipped != 1 {
		t.Errorf("second run fetched=%d skipped=%d, want 0/1",
			summary.Update.Fetched, summary.Update.Skipped)
	}
	if backend.puts != 1 {
		t.Errorf("second run must not write, puts = %d", backend.puts)
	}
}

func TestRunLockConflict(t *testing.T) {
	r, _ := newTestRunner(t)

	lock, err := runlock.Acquire(r.lockPath)
	if err != nil {
		t.Fatalf("failed to pre-take lock: %v", err)
	}
	defer lock.Release()

	if _, err := r.Run(context.Background(), models.MarketTW); err != runlock.ErrRunConflict {
		t.Fatalf("got %v, want ErrRunConflict", err)
	}
}
