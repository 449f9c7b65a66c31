package updater

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stock_warehouse/models"
	"stock_warehouse/services/calendar"
	"stock_warehouse/services/datafetcher"
	"stock_warehouse/services/staleness"
)

type memStore struct {
	mu       sync.Mutex
	symbols  []models.Symbol
	fetched  map[string]time.Time
	latest   map[string]time.Time
	written  map[string][]models.StockPrice
	touched  map[string]time.Time
	lastSync map[string]string
}

func newMemStore(symbols ...models.Symbol) *memStore {
	return &memStore{
		symbols:  symbols,
		fetched:  map[string]time.Time{},
		latest:   map[string]time.Time{},
		written:  map[string][]models.StockPrice{},
		touched:  map[string]time.Time{},
		lastSync: map[string]string{},
	}
}

func (s *memStore) ActiveSymbols(market models.Market) ([]models.Symbol, error) {
	var out []models.Symbol
	for _, sym := range s.symbols {
		if sym.Market == market && sym.Active {
			out = append(out, sym)
		}
	}
	return out, nil
}

func (s *memStore) ReconcileSymbols(_ context.Context, market models.Market, fresh []models.Symbol) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	known := map[string]bool{}
	for _, sym := range s.symbols {
		known[sym.SymbolID] = true
	}
	added := 0
	for _, sym := range fresh {
		if !known[sym.SymbolID] {
			sym.Market = market
			sym.Active = true
			s.symbols = append(s.symbols, sym)
			added++
		}
	}
	return added, 0, nil
}

func (s *memStore) LastFetchedTimes(models.Market) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.fetched))
	for k, v := range s.fetched {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) LatestBarDate(symbolID string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.latest[symbolID]
	return t, ok, nil
}

func (s *memStore) WriteSeries(_ context.Context, symbolID string, _ models.Market, prices []models.StockPrice, fetchedAt time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written[symbolID] = append(s.written[symbolID], prices...)
	s.fetched[symbolID] = fetchedAt
	return len(prices), nil
}

func (s *memStore) TouchFetched(_ context.Context, symbolID string, _ models.Market, fetchedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched[symbolID] = fetchedAt
	s.fetched[symbolID] = fetchedAt
	return nil
}

// scriptedFetcher returns canned bars or errors and records ranges.
type scriptedFetcher struct {
	mu     sync.Mutex
	bars   map[string][]datafetcher.DailyBar
	errs   map[string]error
	ranges map[string][2]time.Time
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		bars:   map[string][]datafetcher.DailyBar{},
		errs:   map[string]error{},
		ranges: map[string][2]time.Time{},
	}
}

func (f *scriptedFetcher) Fetch(_ context.Context, symbolID string, _ models.Market, from, to time.Time) ([]datafetcher.DailyBar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ranges[symbolID] = [2]time.Time{from, to}
	if err, ok := f.errs[symbolID]; ok {
		return nil, err
	}
	return f.bars[symbolID], nil
}

type scriptedLister struct {
	symbols []models.Symbol
	err     error
}

func (l *scriptedLister) ListSymbols(context.Context, models.Market) ([]models.Symbol, error) {
	return l.symbols, l.err
}

func dayBar(date time.Time) datafetcher.DailyBar {
	return datafetcher.DailyBar{
		Date:   date,
		Open:   decimal.NewFromInt(100),
		High:   decimal.NewFromInt(102),
		Low:    decimal.NewFromInt(99),
		Close:  decimal.NewFromInt(101),
		Volume: 5000,
	}
}

func twSymbol(id string) models.Symbol {
	return models.Symbol{SymbolID: id, Market: models.MarketTW, Name: id, Active: true}
}

func newTestOrchestrator(t *testing.T, store Store, fetcher datafetcher.PriceFetcher, lister datafetcher.SymbolLister, now time.Time) *Orchestrator {
	t.Helper()
	cal, err := calendar.NewMarketCalendar()
	if err != nil {
		t.Fatalf("calendar init failed: %v", err)
	}
	o := NewOrchestrator(store, fetcher, lister, staleness.NewPolicy(cal), Options{
		Concurrency:      2,
		MaxRetries:       1,
		FullHistoryStart: time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	o.now = func() time.Time { return now }
	return o
}

// Thursday 2026-08-27 14:00 Taipei: TW session closed at 13:30.
var twAfterClose = time.Date(2026, 8, 27, 6, 0, 0, 0, time.UTC)

func TestRunUpdateFetchesStaleSkipsFresh(t *testing.T) {
	store := newMemStore(twSymbol("2330.TW"), twSymbol("2317.TW"))
	// 2317 was fetched after today's close; 2330 never.
	store.fetched["2317.TW"] = twAfterClose.Add(-10 * time.Minute)
	fetcher := newScriptedFetcher()
	fetcher.bars["2330.TW"] = []datafetcher.DailyBar{
		dayBar(time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)),
		dayBar(time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)),
	}
	o := newTestOrchestrator(t, store, fetcher, nil, twAfterClose)

	cs, stats, err := o.RunUpdate(context.Background(), models.MarketTW)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if stats.Fetched != 1 || stats.Skipped != 1 || stats.Failed != 0 {
		t.Fatalf("got fetched=%d skipped=%d failed=%d, want 1/1/0",
			stats.Fetched, stats.Skipped, stats.Failed)
	}
	if len(cs.Items) != 1 || cs.Items[0].SymbolID != "2330.TW" {
		t.Fatalf("change-set should carry only 2330.TW, got %+v", cs.Items)
	}
	if cs.Items[0].Rows != 2 {
		t.Errorf("got rows=%d, want 2", cs.Items[0].Rows)
	}
	if _, ok := fetcher.ranges["2317.TW"]; ok {
		t.Error("fresh symbol must not be fetched")
	}
}

func TestRunUpdateColdStartRange(t *testing.T) {
	store := newMemStore(twSymbol("2330.TW"), twSymbol("2454.TW"))
	store.latest["2454.TW"] = time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	fetcher := newScriptedFetcher()
	o := newTestOrchestrator(t, store, fetcher, nil, twAfterClose)

	if _, _, err := o.RunUpdate(context.Background(), models.MarketTW); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	cold := fetcher.ranges["2330.TW"]
	if !cold[0].Equal(time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("cold start should begin at full-history start, got %v", cold[0])
	}
	incr := fetcher.ranges["2454.TW"]
	if !incr[0].Equal(time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("incremental fetch should begin the day after the latest bar, got %v", incr[0])
	}
}

func TestRunUpdateFailureIsolation(t *testing.T) {
	store := newMemStore(twSymbol("2330.TW"), twSymbol("9999.TW"), twSymbol("2317.TW"))
	fetcher := newScriptedFetcher()
	bars := []datafetcher.DailyBar{dayBar(time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC))}
	fetcher.bars["2330.TW"] = bars
	fetcher.bars["2317.TW"] = bars
	fetcher.errs["9999.TW"] = &datafetcher.FetchError{
		SymbolID: "9999.TW", Kind: datafetcher.FailureNotFound, Err: errors.New("no data"),
	}
	o := newTestOrchestrator(t, store, fetcher, nil, twAfterClose)

	cs, stats, err := o.RunUpdate(context.Background(), models.MarketTW)
	if err != nil {
		t.Fatalf("partial failure must not fail the run: %v", err)
	}
	if stats.Fetched != 2 || stats.Failed != 1 {
		t.Fatalf("got fetched=%d failed=%d, want 2/1", stats.Fetched, stats.Failed)
	}
	if len(stats.FailList) != 1 || stats.FailList[0] != "9999.TW" {
		t.Errorf("fail list = %v, want [9999.TW]", stats.FailList)
	}
	if len(cs.Items) != 2 {
		t.Errorf("change-set should have 2 items, got %d", len(cs.Items))
	}
}

func TestRunUpdateAllFailed(t *testing.T) {
	store := newMemStore(twSymbol("2330.TW"))
	fetcher := newScriptedFetcher()
	fetcher.errs["2330.TW"] = &datafetcher.FetchError{
		SymbolID: "2330.TW", Kind: datafetcher.FailureNotFound, Err: errors.New("no data"),
	}
	o := newTestOrchestrator(t, store, fetcher, nil, twAfterClose)

	_, stats, err := o.RunUpdate(context.Background(), models.MarketTW)
	if err == nil {
		t.Fatal("expected error when every fetch fails")
	}
	if stats.Failed != 1 {
		t.Errorf("failed = %d, want 1", stats.Failed)
	}
}

func TestRunUpdateListingFallback(t *testing.T) {
	store := newMemStore(twSymbol("2330.TW"))
	fetcher := newScriptedFetcher()
	fetcher.bars["2330.TW"] = []datafetcher.DailyBar{dayBar(time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC))}
	lister := &scriptedLister{err: errors.New("exchange endpoint down")}
	o := newTestOrchestrator(t, store, fetcher, lister, twAfterClose)

	_, stats, err := o.RunUpdate(context.Background(), models.MarketTW)
	if err != nil {
		t.Fatalf("listing failure must not abort the run: %v", err)
	}
	if stats.Fetched != 1 {
		t.Errorf("fetched = %d, want 1 (stored set)", stats.Fetched)
	}
	if stats.NewSymbols != 0 {
		t.Errorf("new symbols = %d, want 0", stats.NewSymbols)
	}
}

func TestRunUpdateListingAddsSymbols(t *testing.T) {
	store := newMemStore(twSymbol("2330.TW"))
	fetcher := newScriptedFetcher()
	bars := []datafetcher.DailyBar{dayBar(time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC))}
	fetcher.bars["2330.TW"] = bars
	fetcher.bars["2454.TW"] = bars
	lister := &scriptedLister{symbols: []models.Symbol{twSymbol("2330.TW"), twSymbol("2454.TW")}}
	o := newTestOrchestrator(t, store, fetcher, lister, twAfterClose)

	cs, stats, err := o.RunUpdate(context.Background(), models.MarketTW)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if stats.NewSymbols != 1 {
		t.Errorf("new symbols = %d, want 1", stats.NewSymbols)
	}
	if len(cs.Items) != 2 {
		t.Errorf("new symbol should be fetched in the same run, got %d items", len(cs.Items))
	}
}

func TestRunUpdateEmptyFetchTouchesOnly(t *testing.T) {
	store := newMemStore(twSymbol("2330.TW"))
	fetcher := newScriptedFetcher() // returns no bars
	o := newTestOrchestrator(t, store, fetcher, nil, twAfterClose)

	cs, stats, err := o.RunUpdate(context.Background(), models.MarketTW)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !cs.Empty() {
		t.Error("no rows written, change-set must be empty")
	}
	if stats.Fetched != 1 {
		t.Errorf("fetched = %d, want 1", stats.Fetched)
	}
	if _, ok := store.touched["2330.TW"]; !ok {
		t.Error("empty fetch should still refresh the fetch time")
	}
}
