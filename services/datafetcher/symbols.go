package datafetcher

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"stock_warehouse/models"
)

// Symbol list endpoints per market.
const (
	twseListURL       = "https://openapi.twse.com.tw/v1/opendata/t187ap03_L"
	nasdaqScreenerURL = "https://api.nasdaq.com/api/screener/stocks?tableonly=true&limit=15000&download=true"
	hkexListURL       = "https://www.hkex.com.hk/eng/services/trading/securities/securitieslists/ListOfSecurities.csv"
)

// derivative name patterns excluded from the US list
var usExcludePattern = regexp.MustCompile(`(?i)Warrant|Right|Preferred|Unit|ETF|Index|Index-linked`)

// HTTPSymbolLister fetches instrument lists from the exchanges' public
// endpoints: TWSE company registry (TW), the Nasdaq screener (US) and
// the HKEX securities list (HK).
type HTTPSymbolLister struct {
	httpClient *http.Client
	hkListURL  string
	twListURL  string
	usListURL  string
}

// NewHTTPSymbolLister creates a lister using the default exchange endpoints.
func NewHTTPSymbolLister() *HTTPSymbolLister {
	return &HTTPSymbolLister{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		hkListURL:  hkexListURL,
		twListURL:  twseListURL,
		usListURL:  nasdaqScreenerURL,
	}
}

// ListSymbols returns the current instrument list for market.
func (l *HTTPSymbolLister) ListSymbols(ctx context.Context, market models.Market) ([]models.Symbol, error) {
	switch market {
	case models.MarketTW:
		return l.listTW(ctx)
	case models.MarketUS:
		return l.listUS(ctx)
	case models.MarketHK:
		return l.listHK(ctx)
	}
	return nil, fmt.Errorf("unsupported market %s", market)
}

func (l *HTTPSymbolLister) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("list endpoint returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// twListEntry is one row of the TWSE listed-company registry.
type twListEntry struct {
	Code     string `json:"公司代號"`
	Name     string `json:"公司簡稱"`
	Industry string `json:"產業別"`
}

// listTW loads the TWSE registry and qualifies codes with the .TW suffix.
func (l *HTTPSymbolLister) listTW(ctx context.Context) ([]models.Symbol, error) {
	body, err := l.get(ctx, l.twListURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch TWSE list: %w", err)
	}

	var entries []twListEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse TWSE list: %w", err)
	}

	symbols := make([]models.Symbol, 0, len(entries))
	for _, e := range entries {
		code := strings.TrimSpace(e.Code)
		if len(code) < 4 || !isAlnum(code) {
			continue
		}
		symbols = append(symbols, models.Symbol{
			SymbolID: code + ".TW",
			Market:   models.MarketTW,
			Name:     strings.TrimSpace(e.Name),
			Sector:   strings.TrimSpace(e.Industry),
			Active:   true,
		})
	}
	return dedupe(symbols), nil
}

// nasdaqScreenerResponse is the subset of the screener payload we consume.
type nasdaqScreenerResponse struct {
	Data struct {
		Rows []struct {
			Symbol   string `json:"symbol"`
			Name     string `json:"name"`
			Sector   string `json:"sector"`
			Exchange string `json:"exchange"`
		} `json:"rows"`
	} `json:"data"`
}

// listUS loads the Nasdaq screener and drops derivative instruments
// (warrants, rights, preferred shares, units, ETFs).
func (l *HTTPSymbolLister) listUS(ctx context.Context) ([]models.Symbol, error) {
	body, err := l.get(ctx, l.usListURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch Nasdaq screener: %w", err)
	}

	var parsed nasdaqScreenerResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse Nasdaq screener: %w", err)
	}

	symbols := make([]models.Symbol, 0, len(parsed.Data.Rows))
	for _, row := range parsed.Data.Rows {
		symbol := strings.ToUpper(strings.TrimSpace(row.Symbol))
		if symbol == "" || !isAlnum(symbol) {
			continue
		}
		// Symbols longer than 4 chars ending in R/W/U are rights,
		// warrants and units even when the name does not say so.
		if len(symbol) > 4 && strings.ContainsAny(symbol[len(symbol)-1:], "RWU") {
			continue
		}
		name := strings.TrimSpace(row.Name)
		if usExcludePattern.MatchString(name) {
			continue
		}
		sector := strings.TrimSpace(row.Sector)
		if sector == "" || strings.EqualFold(sector, "n/a") {
			sector = "Unknown"
		}
		symbols = append(symbols, models.Symbol{
			SymbolID: symbol,
			Market:   models.MarketUS,
			Name:     name,
			Sector:   sector,
			Active:   true,
		})
	}
	return dedupe(symbols), nil
}

// listHK loads the HKEX securities CSV (code,name rows) and qualifies
// codes with the .HK suffix. HKEX publishes 5-digit codes; Yahoo wants
// the leading zero stripped to 4 digits.
func (l *HTTPSymbolLister) listHK(ctx context.Context) ([]models.Symbol, error) {
	body, err := l.get(ctx, l.hkListURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch HKEX list: %w", err)
	}

	reader := csv.NewReader(strings.NewReader(string(body)))
	reader.FieldsPerRecord = -1

	var symbols []models.Symbol
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse HKEX list: %w", err)
		}
		if len(record) < 2 {
			continue
		}
		code := normalizeHKCode(record[0])
		if code == "" {
			continue
		}
		symbols = append(symbols, models.Symbol{
			SymbolID: code + ".HK",
			Market:   models.MarketHK,
			Name:     strings.TrimSpace(record[1]),
			Active:   true,
		})
	}
	return dedupe(symbols), nil
}

// normalizeHKCode reduces an HKEX stock code to the 4-digit form Yahoo
// accepts, or returns "" for non-numeric rows (headers, notes).
func normalizeHKCode(raw string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)
	if digits == "" || len(digits) > 5 {
		return ""
	}
	if len(digits) == 5 && digits[0] == '0' {
		digits = digits[1:]
	}
	for len(digits) < 4 {
		digits = "0" + digits
	}
	return digits
}

func isAlnum(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return false
		}
	}
	return s != ""
}

// dedupe drops repeated symbol IDs, keeping first occurrence.
func dedupe(in []models.Symbol) []models.Symbol {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if seen[s.SymbolID] {
			continue
		}
		seen[s.SymbolID] = true
		out = append(out, s)
	}
	return out
}
