// Package staleness decides whether a cached symbol is due for a
// re-fetch. The decision is based on market session boundaries, not raw
// wall-clock age, so repeated runs on a closed market stay no-ops.
package staleness

import (
	"time"

	"stock_warehouse/models"
	"stock_warehouse/services/calendar"
)

// Policy is a pure decision function over supplied metadata. It performs
// no network or database calls.
type Policy struct {
	cal calendar.Calendar
}

// NewPolicy builds a policy over the given market calendar.
func NewPolicy(cal calendar.Calendar) *Policy {
	return &Policy{cal: cal}
}

// ShouldFetch reports whether the symbol's cached series is stale at
// instant now, given when it was last fetched (zero = never).
//
// Rules:
//   - never fetched: always fetch, regardless of calendar state
//   - non-trading day: never fetch (the cache cannot have fallen behind)
//   - session in progress: stale if the last fetch predates this
//     session's open
//   - market closed: fresh if fetched at or after the most recent
//     session close, stale otherwise
func (p *Policy) ShouldFetch(market models.Market, now, lastFetchedAt time.Time) bool {
	if lastFetchedAt.IsZero() {
		return true
	}

	if !p.cal.IsTradingDay(market, now) {
		return false
	}

	open, close := p.cal.SessionBounds(market, now)
	if !now.Before(open) && now.Before(close) {
		// Active session: anything fetched before today's open has
		// missed at least one session's worth of data.
		return lastFetchedAt.Before(open)
	}

	prevClose := calendar.PreviousClose(p.cal, market, now)
	if prevClose.IsZero() {
		return true
	}
	return lastFetchedAt.Before(prevClose)
}
