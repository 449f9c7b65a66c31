// Package warehouse is the data-access layer over the local SQLite
// store. The store is the single source of truth for current data;
// remote backends are replicas.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stock_warehouse/models"
)

// Store wraps the warehouse database. Writes are serialised through a
// single mutex: concurrent fetch workers funnel through one writer at a
// time while committed rows stay readable.
type Store struct {
	db      *gorm.DB
	writeMu sync.Mutex
}

// NewStore creates a store over an opened warehouse database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Symbols returns every symbol known for the market, active or not.
func (s *Store) Symbols(market models.Market) ([]models.Symbol, error) {
	var symbols []models.Symbol
	if err := s.db.Where("market = ?", market).Order("symbol_id").Find(&symbols).Error; err != nil {
		return nil, fmt.Errorf("failed to load symbols for %s: %w", market, err)
	}
	return symbols, nil
}

// ActiveSymbols returns the market's symbols still flagged active.
func (s *Store) ActiveSymbols(market models.Market) ([]models.Symbol, error) {
	var symbols []models.Symbol
	if err := s.db.Where("market = ? AND active = ?", market, true).Order("symbol_id").Find(&symbols).Error; err != nil {
		return nil, fmt.Errorf("failed to load active symbols for %s: %w", market, err)
	}
	return symbols, nil
}

// ReconcileSymbols applies a fresh exchange listing to the stored
// symbol set: new entries are created, existing ones refreshed and
// reactivated, and symbols missing from the listing are soft-deactivated.
// History rows are never deleted.
func (s *Store) ReconcileSymbols(ctx context.Context, market models.Market, fresh []models.Symbol) (added, deactivated int, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []models.Symbol
		if err := tx.Where("market = ?", market).Find(&existing).Error; err != nil {
			return err
		}
		known := make(map[string]models.Symbol, len(existing))
		for _, sym := range existing {
			known[sym.SymbolID] = sym
		}

		listed := make(map[string]bool, len(fresh))
		for _, sym := range fresh {
			listed[sym.SymbolID] = true
			prev, ok := known[sym.SymbolID]
			if !ok {
				sym.Market = market
				sym.Active = true
				if err := tx.Create(&sym).Error; err != nil {
					return fmt.Errorf("failed to create symbol %s: %w", sym.SymbolID, err)
				}
				added++
				continue
			}
			if prev.Name != sym.Name || prev.Sector != sym.Sector || !prev.Active {
				updates := map[string]interface{}{
					"name":   sym.Name,
					"sector": sym.Sector,
					"active": true,
				}
				if err := tx.Model(&models.Symbol{}).Where("id = ?", prev.ID).Updates(updates).Error; err != nil {
					return fmt.Errorf("failed to update symbol %s: %w", sym.SymbolID, err)
				}
			}
		}

		// Delisted: keep the row and its history, drop the flag.
		var missing []string
		for id, sym := range known {
			if sym.Active && !listed[id] {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			if err := tx.Model(&models.Symbol{}).Where("symbol_id IN ?", missing).
				Update("active", false).Error; err != nil {
				return fmt.Errorf("failed to deactivate delisted symbols: %w", err)
			}
			deactivated = len(missing)
		}

		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return added, deactivated, nil
}

// LastFetchedTimes returns the per-symbol last-fetch timestamps for a
// market. Symbols never fetched are absent from the map.
func (s *Store) LastFetchedTimes(market models.Market) (map[string]time.Time, error) {
	var rows []models.SyncMetadata
	if err := s.db.Where("market = ?", market).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load sync metadata for %s: %w", market, err)
	}
	out := make(map[string]time.Time, len(rows))
	for _, row := range rows {
		out[row.SymbolID] = row.LastFetchedAt
	}
	return out, nil
}

// LatestBarDate returns the most recent stored bar date for a symbol,
// or ok=false when the series is empty.
func (s *Store) LatestBarDate(symbolID string) (time.Time, bool, error) {
	var bar models.StockPrice
	err := s.db.Where("symbol_id = ?", symbolID).Order("date DESC").First(&bar).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to load latest bar for %s: %w", symbolID, err)
	}
	return bar.Date, true, nil
}

// WriteSeries commits one symbol's fetched bars in a single transaction
// and records the fetch time. Duplicate (symbol, date) rows are
// replaced, matching the provider's adjusted values. The commit is
// independent per symbol: a later symbol's failure cannot roll it back.
func (s *Store) WriteSeries(ctx context.Context, symbolID string, market models.Market, prices []models.StockPrice, fetchedAt time.Time) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(prices) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "symbol_id"}, {Name: "date"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"open", "high", "low", "close", "volume", "updated_at",
				}),
			}).CreateInBatches(prices, 200).Error; err != nil {
				return fmt.Errorf("failed to write series for %s: %w", symbolID, err)
			}
		}
		return upsertFetchTime(tx, symbolID, market, fetchedAt)
	})
	if err != nil {
		return 0, err
	}
	return len(prices), nil
}

// TouchFetched records a successful fetch that produced no new rows.
func (s *Store) TouchFetched(ctx context.Context, symbolID string, market models.Market, fetchedAt time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return upsertFetchTime(s.db.WithContext(ctx), symbolID, market, fetchedAt)
}

func upsertFetchTime(tx *gorm.DB, symbolID string, market models.Market, fetchedAt time.Time) error {
	meta := models.SyncMetadata{
		SymbolID:      symbolID,
		Market:        market,
		LastFetchedAt: fetchedAt,
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_fetched_at", "updated_at"}),
	}).Create(&meta).Error; err != nil {
		return fmt.Errorf("failed to record fetch time for %s: %w", symbolID, err)
	}
	return nil
}

// Series returns a symbol's full stored series in date order.
func (s *Store) Series(symbolID string) ([]models.StockPrice, error) {
	var prices []models.StockPrice
	if err := s.db.Where("symbol_id = ?", symbolID).Order("date").Find(&prices).Error; err != nil {
		return nil, fmt.Errorf("failed to load series for %s: %w", symbolID, err)
	}
	return prices, nil
}

// Checkpoint returns the last confirmed remote revision for a symbol on
// a backend, or "" when the symbol was never synced there.
func (s *Store) Checkpoint(backend, symbolID string) (string, error) {
	var cp models.SyncCheckpoint
	err := s.db.Where("backend = ? AND symbol_id = ?", backend, symbolID).First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load checkpoint %s/%s: %w", backend, symbolID, err)
	}
	return cp.Revision, nil
}

// AdvanceCheckpoint records a backend-confirmed revision. Callers must
// only invoke this after the backend acknowledged the write; the
// happens-after ordering is what makes a crash recoverable.
func (s *Store) AdvanceCheckpoint(ctx context.Context, backend, symbolID, revision string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cp := models.SyncCheckpoint{
		Backend:  backend,
		SymbolID: symbolID,
		Revision: revision,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "backend"}, {Name: "symbol_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"revision", "updated_at"}),
	}).Create(&cp).Error; err != nil {
		return fmt.Errorf("failed to advance checkpoint %s/%s: %w", backend, symbolID, err)
	}
	return nil
}

// Vacuum compacts the database file after runs that changed data.
func (s *Store) Vacuum() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.db.Exec("VACUUM").Error; err != nil {
		return fmt.Errorf("vacuum failed: %w", err)
	}
	return nil
}
