// Package updater drives one market's update run: refresh the symbol
// list, decide staleness per symbol, fetch what is due with bounded
// concurrency, and commit each symbol's rows independently.
package updater

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"stock_warehouse/models"
	"stock_warehouse/services/datafetcher"
	"stock_warehouse/services/staleness"
)

// Store is the slice of the warehouse the orchestrator writes through.
type Store interface {
	ActiveSymbols(market models.Market) ([]models.Symbol, error)
	ReconcileSymbols(ctx context.Context, market models.Market, fresh []models.Symbol) (added, deactivated int, err error)
	LastFetchedTimes(market models.Market) (map[string]time.Time, error)
	LatestBarDate(symbolID string) (time.Time, bool, error)
	WriteSeries(ctx context.Context, symbolID string, market models.Market, prices []models.StockPrice, fetchedAt time.Time) (int, error)
	TouchFetched(ctx context.Context, symbolID string, market models.Market, fetchedAt time.Time) error
}

// Options tunes one orchestrator instance.
type Options struct {
	Concurrency      int
	MaxRetries       int
	FullHistoryStart time.Time
}

// Orchestrator coordinates update runs. Safe for use from one run at a
// time; the runner serialises runs behind the run lock.
type Orchestrator struct {
	store   Store
	fetcher datafetcher.PriceFetcher
	lister  datafetcher.SymbolLister
	policy  *staleness.Policy
	opts    Options

	// now is replaceable in tests.
	now func() time.Time
}

func NewOrchestrator(store Store, fetcher datafetcher.PriceFetcher, lister datafetcher.SymbolLister, policy *staleness.Policy, opts Options) *Orchestrator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	return &Orchestrator{
		store:   store,
		fetcher: fetcher,
		lister:  lister,
		policy:  policy,
		opts:    opts,
		now:     time.Now,
	}
}

// RunUpdate executes one update run for a market. The returned
// change-set lists only symbols whose rows actually changed; the stats
// cover every symbol considered. Individual fetch failures do not abort
// the run.
func (o *Orchestrator) RunUpdate(ctx context.Context, market models.Market) (*models.ChangeSet, *models.UpdateStats, error) {
	stats := &models.UpdateStats{Market: market, StartedAt: o.now().UTC()}
	cs := &models.ChangeSet{
		RunID:     uuid.NewString(),
		Market:    market,
		CreatedAt: stats.StartedAt,
	}

	o.refreshListing(ctx, market, stats)

	symbols, err := o.store.ActiveSymbols(market)
	if err != nil {
		return nil, stats, err
	}
	stats.Total = len(symbols)
	if stats.Total == 0 {
		return cs, stats, fmt.Errorf("update %s: no symbols available (listing unreachable and store empty)", market)
	}

	lastFetched, err := o.store.LastFetchedTimes(market)
	if err != nil {
		return nil, stats, err
	}

	now := o.now()
	var due []models.Symbol
	for _, sym := range symbols {
		if o.policy.ShouldFetch(market, now, lastFetched[sym.SymbolID]) {
			due = append(due, sym)
		} else {
			stats.Skipped++
		}
	}
	log.Printf("[UPDATE] %s: %d symbols, %d due, %d fresh", market, stats.Total, len(due), stats.Skipped)

	var (
		mu       sync.Mutex
		failures []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)
	for _, sym := range due {
		sym := sym
		g.Go(func() error {
			item, err := o.updateSymbol(gctx, sym, now)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, sym.SymbolID)
				log.Printf("[UPDATE] %s: %v", market, err)
				return nil
			}
			stats.Fetched++
			if item != nil {
				cs.Items = append(cs.Items, *item)
			}
			return nil
		})
	}
	g.Wait()

	sort.Strings(failures)
	stats.Failed = len(failures)
	stats.FailList = failures
	sort.Slice(cs.Items, func(i, j int) bool { return cs.Items[i].SymbolID < cs.Items[j].SymbolID })
	stats.FinishedAt = o.now().UTC()

	if len(due) > 0 && stats.Failed == len(due) {
		return cs, stats, fmt.Errorf("update %s: all %d fetches failed", market, len(due))
	}
	return cs, stats, nil
}

// refreshListing pulls the exchange's current instrument list and
// reconciles it into the store. A listing failure is not fatal: the run
// proceeds over the stored symbol set.
func (o *Orchestrator) refreshListing(ctx context.Context, market models.Market, stats *models.UpdateStats) {
	if o.lister == nil {
		return
	}
	fresh, err := o.lister.ListSymbols(ctx, market)
	if err != nil {
		log.Printf("[UPDATE] %s: symbol listing unavailable, using stored set: %v", market, err)
		return
	}
	if len(fresh) == 0 {
		log.Printf("[UPDATE] %s: symbol listing came back empty, using stored set", market)
		return
	}
	added, deactivated, err := o.store.ReconcileSymbols(ctx, market, fresh)
	if err != nil {
		log.Printf("[UPDATE] %s: symbol reconcile failed: %v", market, err)
		return
	}
	stats.NewSymbols = added
	stats.Deactivated = deactivated
	if added > 0 || deactivated > 0 {
		log.Printf("[UPDATE] %s: listing reconciled (+%d new, -%d delisted)", market, added, deactivated)
	}
}

// updateSymbol fetches one symbol's missing range and commits it. It
// returns a change item when rows were written, nil when the symbol was
// already complete.
func (o *Orchestrator) updateSymbol(ctx context.Context, sym models.Symbol, now time.Time) (*models.ChangeItem, error) {
	from := o.opts.FullHistoryStart
	if latest, ok, err := o.store.LatestBarDate(sym.SymbolID); err != nil {
		return nil, err
	} else if ok {
		from = latest.AddDate(0, 0, 1)
	}

	if from.After(now) {
		// Series already covers today; just refresh the fetch time.
		if err := o.store.TouchFetched(ctx, sym.SymbolID, sym.Market, now); err != nil {
			return nil, err
		}
		return nil, nil
	}

	bars, err := o.fetchWithRetry(ctx, sym, from, now)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		if err := o.store.TouchFetched(ctx, sym.SymbolID, sym.Market, now); err != nil {
			return nil, err
		}
		return nil, nil
	}

	prices := make([]models.StockPrice, 0, len(bars))
	for _, b := range bars {
		prices = append(prices, models.StockPrice{
			SymbolID: sym.SymbolID,
			Market:   sym.Market,
			Date:     b.Date,
			Open:     b.Open,
			High:     b.High,
			Low:      b.Low,
			Close:    b.Close,
			Volume:   b.Volume,
		})
	}
	rows, err := o.store.WriteSeries(ctx, sym.SymbolID, sym.Market, prices, now)
	if err != nil {
		return nil, err
	}
	return &models.ChangeItem{
		SymbolID: sym.SymbolID,
		Market:   sym.Market,
		From:     bars[0].Date,
		To:       bars[len(bars)-1].Date,
		Rows:     rows,
	}, nil
}

// fetchWithRetry retries transient and rate-limited failures with
// exponential backoff. Not-found symbols fail immediately: retrying a
// symbol the provider does not know is pointless.
func (o *Orchestrator) fetchWithRetry(ctx context.Context, sym models.Symbol, from, to time.Time) ([]datafetcher.DailyBar, error) {
	var bars []datafetcher.DailyBar
	operation := func() error {
		var err error
		bars, err = o.fetcher.Fetch(ctx, sym.SymbolID, sym.Market, from, to)
		if err != nil {
			if datafetcher.FailureKindOf(err) == datafetcher.FailureNotFound {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(o.opts.MaxRetries)), ctx)
	notify := func(err error, next time.Duration) {
		log.Printf("[UPDATE] %s retrying in %s: %v", sym.SymbolID, next.Round(time.Millisecond), err)
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return bars, nil
}
