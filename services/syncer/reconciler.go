// Package syncer replicates change-sets from the local store to the
// remote backends. The local store is authoritative: remote drift is
// audited and overwritten, never merged back.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"stock_warehouse/models"
	"stock_warehouse/services/backends"
)

// SeriesSource is the slice of the warehouse store the reconciler needs.
type SeriesSource interface {
	Series(symbolID string) ([]models.StockPrice, error)
	Checkpoint(backend, symbolID string) (string, error)
	AdvanceCheckpoint(ctx context.Context, backend, symbolID, revision string) error
}

// AuditSink archives conflict snapshots for operator review.
type AuditSink interface {
	RecordConflict(ctx context.Context, audit models.ConflictAudit) error
}

// revisioner is implemented by backends whose revisions are computable
// from content alone.
type revisioner interface {
	Revision(body []byte) string
}

// Reconciler pushes one change-set to every backend. Backends proceed
// concurrently and independently; per-symbol checkpoints advance only
// after the backend confirms the write.
type Reconciler struct {
	store      SeriesSource
	audit      AuditSink
	maxRetries uint64
}

func NewReconciler(store SeriesSource, audit AuditSink, maxRetries int) *Reconciler {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Reconciler{store: store, audit: audit, maxRetries: uint64(maxRetries)}
}

// SeriesPath is the canonical object path for one symbol's series.
func SeriesPath(market models.Market, symbolID string) string {
	return fmt.Sprintf("series/%s/%s.json", market, symbolID)
}

type seriesBar struct {
	Date   string `json:"date"`
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume int64  `json:"volume"`
}

type seriesDocument struct {
	Symbol string      `json:"symbol"`
	Market string      `json:"market"`
	Bars   []seriesBar `json:"bars"`
}

// EncodeSeries renders a symbol's full series as the replicated JSON
// object. The encoding is deterministic: identical rows always produce
// identical bytes, which is what makes content revisions meaningful.
func EncodeSeries(symbolID string, market models.Market, prices []models.StockPrice) ([]byte, error) {
	doc := seriesDocument{
		Symbol: symbolID,
		Market: string(market),
		Bars:   make([]seriesBar, 0, len(prices)),
	}
	for _, p := range prices {
		doc.Bars = append(doc.Bars, seriesBar{
			Date:   p.Date.Format("2006-01-02"),
			Open:   p.Open.String(),
			High:   p.High.String(),
			Low:    p.Low.String(),
			Close:  p.Close.String(),
			Volume: p.Volume,
		})
	}
	return json.Marshal(doc)
}

// Sync replicates the change-set to all targets and returns the report.
// A nil or empty change-set yields an empty successful report.
func (r *Reconciler) Sync(ctx context.Context, cs *models.ChangeSet, targets []backends.RemoteBackend) *models.SyncReport {
	report := &models.SyncReport{
		StartedAt: time.Now().UTC(),
	}
	if cs != nil {
		report.RunID = cs.RunID
		report.Market = cs.Market
	}
	if cs.Empty() || len(targets) == 0 {
		report.FinishedAt = time.Now().UTC()
		for _, t := range targets {
			report.Backends = append(report.Backends, models.BackendOutcome{
				Backend: t.Name(), State: models.BackendSucceeded,
			})
		}
		return report
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		outcomes = make([]models.BackendOutcome, len(targets))
	)
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target backends.RemoteBackend) {
			defer wg.Done()
			outcome, statuses := r.syncBackend(ctx, cs, target)
			mu.Lock()
			outcomes[i] = outcome
			report.Symbols = append(report.Symbols, statuses...)
			mu.Unlock()
		}(i, target)
	}
	wg.Wait()

	report.Backends = outcomes
	report.FinishedAt = time.Now().UTC()
	return report
}

func (r *Reconciler) syncBackend(ctx context.Context, cs *models.ChangeSet, target backends.RemoteBackend) (models.BackendOutcome, []models.SymbolSyncStatus) {
	name := target.Name()
	outcome := models.BackendOutcome{Backend: name, State: models.BackendAttempting}
	statuses := make([]models.SymbolSyncStatus, 0, len(cs.Items))

	var (
		halted    error
		anyFailed bool
	)
	for _, item := range cs.Items {
		status := models.SymbolSyncStatus{SymbolID: item.SymbolID, Backend: name}
		if halted != nil {
			status.Error = fmt.Sprintf("backend halted: %v", halted)
			statuses = append(statuses, status)
			continue
		}

		conflict, err := r.syncItem(ctx, target, item)
		status.Conflict = conflict
		if conflict {
			outcome.Conflicts++
		}
		if err != nil {
			status.Error = err.Error()
			anyFailed = true
			log.Printf("[SYNC] %s: %s failed: %v", name, item.SymbolID, err)
			if !backends.Retryable(err) {
				halted = err
				outcome.Error = err.Error()
			}
		} else {
			status.Synced = true
			outcome.Synced++
		}
		statuses = append(statuses, status)
	}

	switch {
	case halted != nil:
		outcome.State = models.BackendDegraded
	case anyFailed:
		outcome.State = models.BackendFailed
	default:
		outcome.State = models.BackendSucceeded
	}
	log.Printf("[SYNC] %s: %s (%d/%d synced, %d conflicts)",
		name, outcome.State, outcome.Synced, len(cs.Items), outcome.Conflicts)
	return outcome, statuses
}

// syncItem pushes one symbol's series to one backend, retrying
// transient failures with exponential backoff. It reports whether a
// conflict was observed along the way.
func (r *Reconciler) syncItem(ctx context.Context, target backends.RemoteBackend, item models.ChangeItem) (bool, error) {
	name := target.Name()
	path := SeriesPath(item.Market, item.SymbolID)

	prices, err := r.store.Series(item.SymbolID)
	if err != nil {
		return false, err
	}
	payload, err := EncodeSeries(item.SymbolID, item.Market, prices)
	if err != nil {
		return false, err
	}

	checkpoint, err := r.store.Checkpoint(name, item.SymbolID)
	if err != nil {
		return false, err
	}

	var desired string
	if rc, ok := target.(revisioner); ok {
		desired = rc.Revision(payload)
	}
	// Fast path: the backend already confirmed this exact content.
	if desired != "" && desired == checkpoint {
		return false, nil
	}

	var (
		confirmed   string
		sawConflict bool
	)
	operation := func() error {
		head, err := target.Head(ctx, path)
		if err != nil {
			if !backends.Retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}

		// Remote already holds the content (e.g. a crash after the
		// write but before the checkpoint advanced).
		if desired != "" && head == desired {
			confirmed = desired
			return nil
		}

		// Remote moved past what we last confirmed. Snapshot it, then
		// overwrite: the local store wins.
		if head != "" && head != checkpoint {
			sawConflict = true
			r.auditConflict(ctx, target, path, item.SymbolID, checkpoint, head)
		}

		// Conditional on the head observed above: a remote edit racing
		// in after it fails as Conflict and this operation re-runs,
		// re-reading the head and auditing the new state.
		rev, err := target.Put(ctx, path, payload, head)
		if err != nil {
			if !backends.Retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		confirmed = rev
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), r.maxRetries), ctx)
	notify := func(err error, next time.Duration) {
		log.Printf("[SYNC] %s: %s retrying in %s: %v", name, item.SymbolID, next.Round(time.Millisecond), err)
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return sawConflict, err
	}

	if err := r.store.AdvanceCheckpoint(ctx, name, item.SymbolID, confirmed); err != nil {
		return sawConflict, err
	}
	return sawConflict, nil
}

func (r *Reconciler) auditConflict(ctx context.Context, target backends.RemoteBackend, path, symbolID, checkpoint, head string) {
	if r.audit == nil {
		return
	}
	audit := models.ConflictAudit{
		Backend:          target.Name(),
		Path:             path,
		SymbolID:         symbolID,
		ExpectedRevision: checkpoint,
		RemoteRevision:   head,
		ObservedAt:       time.Now().UTC(),
	}
	if obj, err := target.Get(ctx, path); err == nil && obj != nil {
		audit.RemoteSnapshot = obj.Body
	}
	if err := r.audit.RecordConflict(ctx, audit); err != nil {
		log.Printf("[SYNC] %s: conflict audit for %s not archived: %v", target.Name(), symbolID, err)
	}
}
