package models

import "time"

// ChangeItem records one symbol actually modified by an update run,
// with the date range of rows written.
type ChangeItem struct {
	SymbolID string    `json:"symbol_id"`
	Market   Market    `json:"market"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	Rows     int       `json:"rows"`
}

// ChangeSet is the immutable batch of modifications produced by one
// update run. It is owned by the run that created it and consumed
// exactly once by the sync reconciler; it is never persisted.
type ChangeSet struct {
	RunID     string       `json:"run_id"`
	Market    Market       `json:"market"`
	CreatedAt time.Time    `json:"created_at"`
	Items     []ChangeItem `json:"items"`
}

// Empty reports whether the run modified nothing (idempotent no-op run).
func (cs *ChangeSet) Empty() bool {
	return cs == nil || len(cs.Items) == 0
}
