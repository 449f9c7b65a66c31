package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Symbol represents one tradable instrument in the warehouse.
// Symbols are never hard-deleted: delisted instruments are kept with
// Active=false so historical price rows stay referentially intact.
type Symbol struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	SymbolID  string    `gorm:"uniqueIndex;not null" json:"symbol_id"` // exchange-qualified, e.g. 2330.TW, AAPL, 0700.HK
	Market    Market    `gorm:"index;not null" json:"market"`          // TW, US, HK
	Name      string    `json:"name"`
	Sector    string    `json:"sector"`
	Active    bool      `gorm:"index;default:true" json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StockPrice represents one daily OHLCV bar for a symbol.
// (SymbolID, Date) is unique. Date coverage per symbol is contiguous:
// a gap triggers a backfill fetch, never a sentinel row.
type StockPrice struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	SymbolID  string          `gorm:"uniqueIndex:idx_symbol_date;not null" json:"symbol_id"`
	Market    Market          `gorm:"index" json:"market"`
	Date      time.Time       `gorm:"uniqueIndex:idx_symbol_date;not null" json:"date"`
	Open      decimal.Decimal `gorm:"type:decimal(15,4)" json:"open"`
	High      decimal.Decimal `gorm:"type:decimal(15,4)" json:"high"`
	Low       decimal.Decimal `gorm:"type:decimal(15,4)" json:"low"`
	Close     decimal.Decimal `gorm:"type:decimal(15,4)" json:"close"`
	Volume    int64           `json:"volume"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// MigrateWarehouseModels runs database migrations for the warehouse tables.
func MigrateWarehouseModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&Symbol{},
		&StockPrice{},
		&SyncMetadata{},
		&SyncCheckpoint{},
	)
}
