package calendar

import (
	"fmt"
	"time"

	"stock_warehouse/models"
)

// Calendar answers trading-day and session-bound questions per market.
// The staleness policy depends on it instead of wall-clock age.
type Calendar interface {
	IsTradingDay(market models.Market, date time.Time) bool
	SessionBounds(market models.Market, date time.Time) (open, close time.Time)
	Location(market models.Market) *time.Location
}

type session struct {
	openHour, openMin   int
	closeHour, closeMin int
}

type monthDay struct {
	month time.Month
	day   int
}

// MarketCalendar is a fixed-rule calendar: weekends plus a per-market
// list of fixed-date holidays. Session bounds are the regular cash
// session; lunch breaks are not modelled.
type MarketCalendar struct {
	locations map[models.Market]*time.Location
	sessions  map[models.Market]session
	holidays  map[models.Market]map[monthDay]bool
}

// NewMarketCalendar loads the market time zones and builds the calendar.
func NewMarketCalendar() (*MarketCalendar, error) {
	zones := map[models.Market]string{
		models.MarketTW: "Asia/Taipei",
		models.MarketUS: "America/New_York",
		models.MarketHK: "Asia/Hong_Kong",
	}

	locations := make(map[models.Market]*time.Location, len(zones))
	for market, name := range zones {
		loc, err := time.LoadLocation(name)
		if err != nil {
			return nil, fmt.Errorf("failed to load time zone %s: %w", name, err)
		}
		locations[market] = loc
	}

	return &MarketCalendar{
		locations: locations,
		sessions: map[models.Market]session{
			models.MarketTW: {9, 0, 13, 30},
			models.MarketUS: {9, 30, 16, 0},
			models.MarketHK: {9, 30, 16, 0},
		},
		holidays: map[models.Market]map[monthDay]bool{
			models.MarketTW: {
				{time.January, 1}:   true, // New Year
				{time.February, 28}: true, // Peace Memorial Day
				{time.April, 4}:     true, // Children's Day
				{time.May, 1}:       true, // Labour Day
				{time.October, 10}:  true, // National Day
			},
			models.MarketUS: {
				{time.January, 1}:   true, // New Year
				{time.June, 19}:     true, // Juneteenth
				{time.July, 4}:      true, // Independence Day
				{time.December, 25}: true, // Christmas
			},
			models.MarketHK: {
				{time.January, 1}:   true, // New Year
				{time.July, 1}:      true, // HKSAR Establishment Day
				{time.October, 1}:   true, // National Day
				{time.December, 25}: true, // Christmas
			},
		},
	}, nil
}

// Location returns the market's local time zone.
func (c *MarketCalendar) Location(market models.Market) *time.Location {
	return c.locations[market]
}

// IsTradingDay reports whether the market trades on the calendar day
// containing date (evaluated in the market's local zone).
func (c *MarketCalendar) IsTradingDay(market models.Market, date time.Time) bool {
	local := date.In(c.locations[market])
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}
	return !c.holidays[market][monthDay{local.Month(), local.Day()}]
}

// SessionBounds returns the open and close instants of the market's
// regular session on the calendar day containing date. The bounds are
// returned even for non-trading days; callers gate on IsTradingDay.
func (c *MarketCalendar) SessionBounds(market models.Market, date time.Time) (time.Time, time.Time) {
	loc := c.locations[market]
	local := date.In(loc)
	s := c.sessions[market]
	open := time.Date(local.Year(), local.Month(), local.Day(), s.openHour, s.openMin, 0, 0, loc)
	close := time.Date(local.Year(), local.Month(), local.Day(), s.closeHour, s.closeMin, 0, 0, loc)
	return open, close
}

// PreviousClose returns the close instant of the most recent session
// that ended at or before now. It walks back day by day, skipping
// non-trading days.
func PreviousClose(c Calendar, market models.Market, now time.Time) time.Time {
	day := now
	for i := 0; i < 370; i++ {
		if c.IsTradingDay(market, day) {
			_, close := c.SessionBounds(market, day)
			if !close.After(now) {
				return close
			}
		}
		day = day.AddDate(0, 0, -1)
	}
	// No session found within a year; treat everything as stale.
	return time.Time{}
}
