package datafetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"stock_warehouse/models"
)

// FailureKind classifies an upstream fetch failure.
type FailureKind int

const (
	FailureTransient FailureKind = iota // network error, 5xx, parse problems
	FailureRateLimited
	FailureNotFound
)

func (k FailureKind) String() string {
	switch k {
	case FailureRateLimited:
		return "rate_limited"
	case FailureNotFound:
		return "not_found"
	default:
		return "transient"
	}
}

// FetchError wraps an upstream failure for one symbol with its class.
type FetchError struct {
	SymbolID string
	Kind     FailureKind
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.SymbolID, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// FailureKindOf extracts the failure class from err, defaulting to transient.
func FailureKindOf(err error) FailureKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return FailureTransient
}

// DailyBar is one day of OHLCV data as returned by the provider.
type DailyBar struct {
	Date   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume int64
}

// PriceFetcher retrieves daily bars for one symbol over a date range.
type PriceFetcher interface {
	Fetch(ctx context.Context, symbolID string, market models.Market, from, to time.Time) ([]DailyBar, error)
}

// SymbolLister retrieves the current instrument list for a market.
type SymbolLister interface {
	ListSymbols(ctx context.Context, market models.Market) ([]models.Symbol, error)
}

const chartAPIURL = "https://query1.finance.yahoo.com/v8/finance/chart"

// ChartFetcher fetches daily bars from the Yahoo Finance chart API.
// Calls are spaced with a randomised delay so bulk runs do not trip the
// provider's IP blocking.
type ChartFetcher struct {
	httpClient *http.Client
	delayMin   time.Duration
	delayMax   time.Duration
	baseURL    string
}

// NewChartFetcher creates a fetcher with the given inter-call delay window.
func NewChartFetcher(delayMin, delayMax time.Duration) *ChartFetcher {
	return &ChartFetcher{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		delayMin:   delayMin,
		delayMax:   delayMax,
		baseURL:    chartAPIURL,
	}
}

// chartResponse is the subset of the chart API payload we consume.
type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []float64 `json:"open"`
					High   []float64 `json:"high"`
					Low    []float64 `json:"low"`
					Close  []float64 `json:"close"`
					Volume []int64   `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Fetch retrieves daily bars for [from, to]. Bars with no trade data
// (null quote entries) are skipped.
func (f *ChartFetcher) Fetch(ctx context.Context, symbolID string, market models.Market, from, to time.Time) ([]DailyBar, error) {
	f.sleep(ctx)

	url := fmt.Sprintf("%s/%s?period1=%d&period2=%d&interval=1d&events=history",
		f.baseURL, symbolID, from.Unix(), to.Add(24*time.Hour).Unix())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{SymbolID: symbolID, Kind: FailureTransient, Err: err}
	}
	req.Header.Set("User-Agent", browserUserAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{SymbolID: symbolID, Kind: FailureTransient, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{SymbolID: symbolID, Kind: FailureTransient, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &FetchError{SymbolID: symbolID, Kind: FailureRateLimited,
			Err: fmt.Errorf("provider returned 429")}
	case resp.StatusCode == http.StatusNotFound:
		return nil, &FetchError{SymbolID: symbolID, Kind: FailureNotFound,
			Err: fmt.Errorf("symbol unknown to provider")}
	case resp.StatusCode >= 400:
		return nil, &FetchError{SymbolID: symbolID, Kind: FailureTransient,
			Err: fmt.Errorf("provider returned %d: %s", resp.StatusCode, truncate(body, 200))}
	}

	var parsed chartResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &FetchError{SymbolID: symbolID, Kind: FailureTransient,
			Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	if parsed.Chart.Error != nil {
		kind := FailureTransient
		if parsed.Chart.Error.Code == "Not Found" {
			kind = FailureNotFound
		}
		return nil, &FetchError{SymbolID: symbolID, Kind: kind,
			Err: fmt.Errorf("%s: %s", parsed.Chart.Error.Code, parsed.Chart.Error.Description)}
	}
	if len(parsed.Chart.Result) == 0 || len(parsed.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, nil
	}

	result := parsed.Chart.Result[0]
	quote := result.Indicators.Quote[0]

	// Flaky provider responses truncate individual quote arrays; only
	// indices covered by every array are usable.
	n := len(result.Timestamp)
	for _, l := range []int{len(quote.Open), len(quote.High), len(quote.Low), len(quote.Close), len(quote.Volume)} {
		if l < n {
			n = l
		}
	}

	bars := make([]DailyBar, 0, n)
	for i, ts := range result.Timestamp {
		if i >= n || quote.Close[i] == 0 {
			continue
		}
		day := time.Unix(ts, 0).UTC().Truncate(24 * time.Hour)
		if day.Before(from.Truncate(24*time.Hour)) || day.After(to) {
			continue
		}
		bars = append(bars, DailyBar{
			Date:   day,
			Open:   decimal.NewFromFloat(quote.Open[i]),
			High:   decimal.NewFromFloat(quote.High[i]),
			Low:    decimal.NewFromFloat(quote.Low[i]),
			Close:  decimal.NewFromFloat(quote.Close[i]),
			Volume: quote.Volume[i],
		})
	}

	return bars, nil
}

// sleep waits a randomised interval between provider calls.
func (f *ChartFetcher) sleep(ctx context.Context) {
	if f.delayMax <= 0 {
		return
	}
	d := f.delayMin
	if f.delayMax > f.delayMin {
		d += time.Duration(rand.Int63n(int64(f.delayMax - f.delayMin)))
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
