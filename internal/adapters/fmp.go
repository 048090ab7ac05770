package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const fmpDefaultBaseURL = "https://financialmodelingprep.com/api/v3"

// FMPConfig holds configuration for the Financial Modeling Prep adapter
type FMPConfig struct {
	APIKey         string
	BaseURL        string
	TimeoutSeconds int
	// BurstPerSecond smooths bursts of chunk calls; the per-minute ceiling
	// itself is enforced by the upstream client.
	BurstPerSecond float64
}

// FMPAdapter implements Provider against an FMP style REST API: comma-joined
// symbol lists in the path, API key as a query parameter.
type FMPAdapter struct {
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	now         func() time.Time
}

// NewFMPAdapter creates a new FMP adapter
func NewFMPAdapter(config FMPConfig) (*FMPAdapter, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("FMP API key is required")
	}

	if config.BaseURL == "" {
		config.BaseURL = fmpDefaultBaseURL
	}
	if config.TimeoutSeconds <= 0 {
		config.TimeoutSeconds = 10
	}
	if config.BurstPerSecond <= 0 {
		config.BurstPerSecond = 10
	}

	return &FMPAdapter{
		apiKey:  config.APIKey,
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: time.Duration(config.TimeoutSeconds) * time.Second,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(config.BurstPerSecond), int(config.BurstPerSecond)),
		now:         time.Now,
	}, nil
}

func (f *FMPAdapter) Name() string { return "fmp" }

// BatchQuotes fetches every symbol in one call. Symbols the provider does not
// know are absent from the result rather than failing the batch.
func (f *FMPAdapter) BatchQuotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	if len(symbols) == 0 {
		return map[string]Quote{}, nil
	}
	label := strings.Join(symbols, ",")
	escaped := make([]string, len(symbols))
	for i, s := range symbols {
		escaped[i] = url.PathEscape(s)
	}

	body, err := f.get(ctx, "/quote/"+strings.Join(escaped, ","), nil, label)
	if err != nil {
		return nil, err
	}

	var raws []map[string]any
	if err := decodeNumbers(body, &raws); err != nil {
		return nil, NewMalformedError(label, err)
	}

	now := f.now().UTC()
	quotes := make(map[string]Quote, len(raws))
	for _, raw := range raws {
		q := NormalizeQuote(raw, f.Name(), now)
		if q.Symbol == "" {
			continue
		}
		quotes[q.Symbol] = q
	}
	return quotes, nil
}

// Movers fetches the gainers, losers or most-active list
func (f *FMPAdapter) Movers(ctx context.Context, kind MoverKind) ([]Mover, error) {
	body, err := f.get(ctx, "/stock_market/"+string(kind), nil, string(kind))
	if err != nil {
		return nil, err
	}

	var raws []map[string]any
	if err := decodeNumbers(body, &raws); err != nil {
		return nil, NewMalformedError(string(kind), err)
	}

	movers := make([]Mover, 0, len(raws))
	for _, raw := range raws {
		movers = append(movers, Mover{
			Symbol:        NormalizeSymbol(Text(raw["symbol"])),
			Name:          Text(raw["name"]),
			Price:         Number(raw["price"]),
			Change:        Number(raw["change"]),
			ChangePercent: Number(raw["changesPercentage"]),
		})
	}
	return movers, nil
}

// History fetches daily bars between from and to, inclusive
func (f *FMPAdapter) History(ctx context.Context, symbol string, from, to time.Time) ([]HistoricalBar, error) {
	params := url.Values{}
	if !from.IsZero() {
		params.Set("from", from.Format("2006-01-02"))
	}
	if !to.IsZero() {
		params.Set("to", to.Format("2006-01-02"))
	}

	body, err := f.get(ctx, "/historical-price-full/"+url.PathEscape(symbol), params, symbol)
	if err != nil {
		return nil, err
	}

	var response struct {
		Symbol     string           `json:"symbol"`
		Historical []map[string]any `json:"historical"`
	}
	if err := decodeNumbers(body, &response); err != nil {
		return nil, NewMalformedError(symbol, err)
	}
	if response.Symbol == "" && len(response.Historical) == 0 {
		return nil, NewBadSymbolError(symbol, "no historical data returned")
	}

	bars := make([]HistoricalBar, 0, len(response.Historical))
	for _, raw := range response.Historical {
		bars = append(bars, HistoricalBar{
			Date:   Text(raw["date"]),
			Open:   Number(raw["open"]),
			High:   Number(raw["high"]),
			Low:    Number(raw["low"]),
			Close:  Number(raw["close"]),
			Volume: Integer(raw["volume"]),
		})
	}
	return bars, nil
}

// News fetches recent articles; an empty symbol list means general market news
func (f *FMPAdapter) News(ctx context.Context, symbols []string, limit int) ([]NewsItem, error) {
	params := url.Values{}
	if len(symbols) > 0 {
		params.Set("tickers", strings.Join(symbols, ","))
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	label := strings.Join(symbols, ",")

	body, err := f.get(ctx, "/stock_news", params, label)
	if err != nil {
		return nil, err
	}

	var raws []map[string]any
	if err := decodeNumbers(body, &raws); err != nil {
		return nil, NewMalformedError(label, err)
	}

	items := make([]NewsItem, 0, len(raws))
	for _, raw := range raws {
		published, _ := time.Parse("2006-01-02 15:04:05", Text(raw["publishedDate"]))
		items = append(items, NewsItem{
			Symbol:      NormalizeSymbol(Text(raw["symbol"])),
			PublishedAt: published,
			Title:       Text(raw["title"]),
			Text:        Text(raw["text"]),
			URL:         Text(raw["url"]),
			Site:        Text(raw["site"]),
			Image:       Text(raw["image"]),
		})
	}
	return items, nil
}

// Profile fetches company profile data
func (f *FMPAdapter) Profile(ctx context.Context, symbol string) (*Profile, error) {
	body, err := f.get(ctx, "/profile/"+url.PathEscape(symbol), nil, symbol)
	if err != nil {
		return nil, err
	}

	var raws []map[string]any
	if err := decodeNumbers(body, &raws); err != nil {
		return nil, NewMalformedError(symbol, err)
	}
	if len(raws) == 0 {
		return nil, NewBadSymbolError(symbol, "no profile returned")
	}

	raw := raws[0]
	return &Profile{
		Symbol:      NormalizeSymbol(Text(raw["symbol"])),
		CompanyName: Text(raw["companyName"]),
		Exchange:    Text(raw["exchangeShortName"]),
		Industry:    Text(raw["industry"]),
		Sector:      Text(raw["sector"]),
		Country:     Text(raw["country"]),
		Website:     Text(raw["website"]),
		Description: Text(raw["description"]),
		CEO:         Text(raw["ceo"]),
		MarketCap:   Number(raw["mktCap"]),
		Image:       Text(raw["image"]),
	}, nil
}

// HealthCheck performs a single-symbol quote round trip
func (f *FMPAdapter) HealthCheck(ctx context.Context) error {
	quotes, err := f.BatchQuotes(ctx, []string{"AAPL"})
	if err != nil {
		return fmt.Errorf("FMP health check failed: %w", err)
	}
	if len(quotes) == 0 {
		return fmt.Errorf("FMP health check returned no data")
	}
	return nil
}

// Close performs cleanup
func (f *FMPAdapter) Close() error {
	f.httpClient.CloseIdleConnections()
	return nil
}

// get performs one GET and classifies failures into the QuoteError taxonomy
func (f *FMPAdapter) get(ctx context.Context, path string, params url.Values, label string) ([]byte, error) {
	if err := f.rateLimiter.Wait(ctx); err != nil {
		return nil, NewNetworkError(label, "burst limiter wait cancelled", err)
	}

	if params == nil {
		params = url.Values{}
	}
	params.Set("apikey", f.apiKey)
	requestURL := f.baseURL + path + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, NewNetworkError(label, "failed to create request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, NewNetworkError(label, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewNetworkError(label, "failed to read response", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, NewRateLimitError(label, "API rate limit exceeded")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, NewHTTPStatusError(label, resp.StatusCode, truncate(string(body), 200))
	}

	if err := providerError(body, label); err != nil {
		return nil, err
	}
	return body, nil
}

// providerError detects FMP's error object, returned with HTTP 200
func providerError(body []byte, label string) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	var payload struct {
		ErrorMessage string `json:"Error Message"`
		Information  string `json:"Information"`
	}
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return NewMalformedError(label, err)
	}
	switch {
	case payload.ErrorMessage != "" && strings.Contains(strings.ToLower(payload.ErrorMessage), "limit"):
		return NewRateLimitError(label, payload.ErrorMessage)
	case payload.ErrorMessage != "":
		return NewProviderError(label, payload.ErrorMessage, nil)
	case payload.Information != "":
		return NewRateLimitError(label, payload.Information)
	}
	return nil
}

func decodeNumbers(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
