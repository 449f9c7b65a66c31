package models

import "time"

// SyncMetadata tracks per-symbol fetch freshness. LastFetchedAt is the
// wall-clock moment the upstream provider last served this symbol; the
// staleness policy compares it against market session bounds.
type SyncMetadata struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	SymbolID      string    `gorm:"uniqueIndex;not null" json:"symbol_id"`
	Market        Market    `gorm:"index" json:"market"`
	LastFetchedAt time.Time `json:"last_fetched_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SyncCheckpoint records the last remote revision a backend confirmed
// for one symbol's series object. A row is written only after the
// backend acknowledged the write; a crash before that leaves the old
// row in place and the next run re-syncs (at-least-once delivery).
type SyncCheckpoint struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Backend   string    `gorm:"uniqueIndex:idx_backend_symbol;not null" json:"backend"`
	SymbolID  string    `gorm:"uniqueIndex:idx_backend_symbol;not null" json:"symbol_id"`
	Revision  string    `gorm:"not null" json:"revision"` // opaque backend token (content hash / blob sha)
	UpdatedAt time.Time `json:"updated_at"`
}

// ConflictAudit captures the remote state observed when a backend's head
// had moved beyond our recorded checkpoint. The local store stays
// authoritative; the snapshot is archived for operator review only.
type ConflictAudit struct {
	Backend          string    `json:"backend" bson:"backend"`
	Path             string    `json:"path" bson:"path"`
	SymbolID         string    `json:"symbol_id" bson:"symbol_id"`
	ExpectedRevision string    `json:"expected_revision" bson:"expected_revision"`
	RemoteRevision   string    `json:"remote_revision" bson:"remote_revision"`
	RemoteSnapshot   []byte    `json:"remote_snapshot,omitempty" bson:"remote_snapshot,omitempty"`
	ObservedAt       time.Time `json:"observed_at" bson:"observed_at"`
}
