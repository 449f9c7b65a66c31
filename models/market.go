package models

import "fmt"

// Market identifies one of the supported exchanges.
type Market string

const (
	MarketTW Market = "TW" // Taiwan Stock Exchange / TPEx
	MarketUS Market = "US" // NYSE / Nasdaq
	MarketHK Market = "HK" // Hong Kong Exchange
)

// AllMarkets lists every supported market in processing order.
var AllMarkets = []Market{MarketTW, MarketUS, MarketHK}

// ParseMarket converts a user-supplied market code (case-insensitive)
// into a Market value.
func ParseMarket(s string) (Market, error) {
	switch s {
	case "tw", "TW", "Tw":
		return MarketTW, nil
	case "us", "US", "Us":
		return MarketUS, nil
	case "hk", "HK", "Hk":
		return MarketHK, nil
	}
	return "", fmt.Errorf("unknown market %q (expected tw, us or hk)", s)
}

// Valid reports whether m is one of the supported markets.
func (m Market) Valid() bool {
	return m == MarketTW || m == MarketUS || m == MarketHK
}

func (m Market) String() string {
	return string(m)
}
