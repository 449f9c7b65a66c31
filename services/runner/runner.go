// Package runner executes the full pipeline for one market: take the
// run lock, update the local store, replicate the change-set, compact,
// and report. Every run produces a RunSummary, even when it fails.
package runner

import (
	"context"
	"log"
	"sync"
	"time"

	"stock_warehouse/models"
	"stock_warehouse/services/backends"
	"stock_warehouse/services/notifier"
	"stock_warehouse/services/runlock"
	"stock_warehouse/services/syncer"
	"stock_warehouse/services/updater"
	"stock_warehouse/services/warehouse"
)

// Runner owns the per-market pipeline. The run lock serialises runs
// across markets and across processes sharing the same database.
type Runner struct {
	store      *warehouse.Store
	updater    *updater.Orchestrator
	reconciler *syncer.Reconciler
	targets    []backends.RemoteBackend
	notify     *notifier.Notifier
	lockPath   string

	mu          sync.Mutex
	lastSummary *models.RunSummary
}

func New(store *warehouse.Store, upd *updater.Orchestrator, rec *syncer.Reconciler, targets []backends.RemoteBackend, notify *notifier.Notifier, lockPath string) *Runner {
	return &Runner{
		store:      store,
		updater:    upd,
		reconciler: rec,
		targets:    targets,
		notify:     notify,
		lockPath:   lockPath,
	}
}

// Run executes one update+sync run for the market. It returns
// runlock.ErrRunConflict without side effects when a run is already in
// progress.
func (r *Runner) Run(ctx context.Context, market models.Market) (*models.RunSummary, error) {
	lock, err := runlock.Acquire(r.lockPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Printf("[RUN] %v", err)
		}
	}()

	summary := &models.RunSummary{
		Market:    market,
		StartedAt: time.Now().UTC(),
	}
	log.Printf("[RUN] %s run starting", market)

	cs, stats, err := r.updater.RunUpdate(ctx, market)
	summary.Update = stats
	if cs != nil {
		summary.RunID = cs.RunID
	}
	if err != nil {
		summary.Error = err.Error()
		r.finish(ctx, summary)
		return summary, err
	}

	if !cs.Empty() {
		summary.Sync = r.reconciler.Sync(ctx, cs, r.targets)
		if err := r.store.Vacuum(); err != nil {
			log.Printf("[RUN] %s: %v", market, err)
		}
	} else {
		log.Printf("[RUN] %s: no changes, sync skipped", market)
	}

	r.finish(ctx, summary)
	return summary, nil
}

func (r *Runner) finish(ctx context.Context, summary *models.RunSummary) {
	summary.FinishedAt = time.Now().UTC()
	r.mu.Lock()
	r.lastSummary = summary
	r.mu.Unlock()

	log.Printf("[RUN] %s run finished in %s", summary.Market,
		summary.FinishedAt.Sub(summary.StartedAt).Round(time.Second))
	if r.notify != nil {
		r.notify.Notify(ctx, summary)
	}
}

// LastSummary returns the most recent run's summary, or nil before the
// first run completes.
func (r *Runner) LastSummary() *models.RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSummary
}
