package models

import "time"

// BackendState is the per-backend sync outcome for one run.
// PENDING -> ATTEMPTING -> {SUCCEEDED | DEGRADED | FAILED}; there is no
// transition out of a terminal state within a run.
type BackendState string

const (
	BackendPending    BackendState = "PENDING"
	BackendAttempting BackendState = "ATTEMPTING"
	BackendSucceeded  BackendState = "SUCCEEDED"
	BackendDegraded   BackendState = "DEGRADED" // non-retryable failure (quota/auth), operator action needed
	BackendFailed     BackendState = "FAILED"   // transient failures exhausted the retry budget
)

// Terminal reports whether s is one of the three end states.
func (s BackendState) Terminal() bool {
	return s == BackendSucceeded || s == BackendDegraded || s == BackendFailed
}

// SymbolSyncStatus records the outcome of syncing one change item to one backend.
type SymbolSyncStatus struct {
	SymbolID string `json:"symbol_id"`
	Backend  string `json:"backend"`
	Synced   bool   `json:"synced"`
	Conflict bool   `json:"conflict"` // remote head had moved; local overwrote after audit
	Error    string `json:"error,omitempty"`
}

// BackendOutcome summarises one backend's run.
type BackendOutcome struct {
	Backend   string       `json:"backend"`
	State     BackendState `json:"state"`
	Synced    int          `json:"synced"`
	Conflicts int          `json:"conflicts"`
	Error     string       `json:"error,omitempty"`
}

// SyncReport is the result of pushing one change-set to all backends.
type SyncReport struct {
	RunID      string             `json:"run_id"`
	Market     Market             `json:"market"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Backends   []BackendOutcome   `json:"backends"`
	Symbols    []SymbolSyncStatus `json:"symbols,omitempty"`
}

// Outcome returns the recorded outcome for the named backend, if any.
func (r *SyncReport) Outcome(backend string) (BackendOutcome, bool) {
	for _, b := range r.Backends {
		if b.Backend == backend {
			return b, true
		}
	}
	return BackendOutcome{}, false
}

// UpdateStats counts what the orchestrator did for one market run.
type UpdateStats struct {
	Market      Market    `json:"market"`
	Total       int       `json:"total"`
	Fetched     int       `json:"fetched"`
	Skipped     int       `json:"skipped"` // fresh per staleness policy
	Failed      int       `json:"failed"`
	FailList    []string  `json:"fail_list,omitempty"`
	NewSymbols  int       `json:"new_symbols"`
	Deactivated int       `json:"deactivated"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// RunSummary is the user-visible result of one full update+sync run.
// Every run terminates with one of these, even on failure.
type RunSummary struct {
	RunID      string       `json:"run_id"`
	Market     Market       `json:"market"`
	Update     *UpdateStats `json:"update,omitempty"`
	Sync       *SyncReport  `json:"sync,omitempty"`
	Error      string       `json:"error,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}
