package adapters

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockProvider serves deterministic data and records every call. Tests can
// inject failures, per-symbol gaps and latency.
type MockProvider struct {
	mu       sync.Mutex
	quotes   map[string]Quote
	profiles map[string]Profile
	failWith error
	failNext int
	latency  time.Duration
	calls    []MockCall
	now      func() time.Time
}

// MockCall records one provider invocation
type MockCall struct {
	Method  string
	Symbols []string
}

// NewMockProvider creates a mock with a small fixed universe
func NewMockProvider() *MockProvider {
	m := &MockProvider{
		quotes:   map[string]Quote{},
		profiles: map[string]Profile{},
		now:      time.Now,
	}
	for _, q := range []Quote{
		{Symbol: "AAPL", Name: "Apple Inc.", Price: 206.80, Change: 1.25, ChangePercent: 0.61, Volume: 12500000, High: 207.5, Low: 204.9, Open: 205.1, PreviousClose: 205.55},
		{Symbol: "MSFT", Name: "Microsoft Corporation", Price: 445.10, Change: -2.40, ChangePercent: -0.54, Volume: 8200000, High: 448.0, Low: 444.2, Open: 447.3, PreviousClose: 447.5},
		{Symbol: "NVDA", Name: "NVIDIA Corporation", Price: 450.00, Change: 9.10, ChangePercent: 2.06, Volume: 31000000, High: 452.7, Low: 440.3, Open: 441.0, PreviousClose: 440.9},
		{Symbol: "SPY", Name: "SPDR S&P 500 ETF", Price: 545.20, Change: 0.80, ChangePercent: 0.15, Volume: 41000000, High: 546.0, Low: 542.8, Open: 543.9, PreviousClose: 544.4},
		{Symbol: "BTC", Name: "Bitcoin", Price: 67250.00, Change: -310.0, ChangePercent: -0.46, Volume: 21000, High: 68100, Low: 66900, Open: 67560, PreviousClose: 67560},
	} {
		q.Source = "mock"
		m.quotes[q.Symbol] = q
		m.profiles[q.Symbol] = Profile{Symbol: q.Symbol, CompanyName: q.Name, Exchange: "NASDAQ", Country: "US"}
	}
	return m
}

func (m *MockProvider) Name() string { return "mock" }

// SetQuote adds or replaces a quote
func (m *MockProvider) SetQuote(q Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q.Source == "" {
		q.Source = "mock"
	}
	m.quotes[q.Symbol] = q
}

// RemoveQuote makes the symbol unknown to the provider
func (m *MockProvider) RemoveQuote(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.quotes, symbol)
	delete(m.profiles, symbol)
}

// FailWith makes every call return err until cleared with nil
func (m *MockProvider) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
	m.failNext = 0
}

// FailNext makes the next n calls return err
func (m *MockProvider) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
	m.failNext = n
}

// SetLatency delays every call
func (m *MockProvider) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// Calls returns a copy of the recorded calls
func (m *MockProvider) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount counts recorded calls for one method
func (m *MockProvider) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// begin records the call, applies latency and returns any injected failure
func (m *MockProvider) begin(ctx context.Context, method string, symbols []string) error {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Method: method, Symbols: append([]string(nil), symbols...)})
	latency := m.latency
	err := m.failWith
	if m.failNext > 0 {
		m.failNext--
		if m.failNext == 0 {
			m.failWith = nil
		}
	}
	m.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return NewNetworkError(fmt.Sprint(symbols), "request cancelled", ctx.Err())
		}
	}
	return err
}

func (m *MockProvider) BatchQuotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	if err := m.begin(ctx, "BatchQuotes", symbols); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	out := make(map[string]Quote, len(symbols))
	for _, s := range symbols {
		if q, ok := m.quotes[s]; ok {
			q.Timestamp = now
			out[s] = q
		}
	}
	return out, nil
}

func (m *MockProvider) Movers(ctx context.Context, kind MoverKind) ([]Mover, error) {
	if err := m.begin(ctx, "Movers", []string{string(kind)}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	movers := make([]Mover, 0, len(m.quotes))
	for _, q := range m.quotes {
		movers = append(movers, Mover{Symbol: q.Symbol, Name: q.Name, Price: q.Price, Change: q.Change, ChangePercent: q.ChangePercent})
	}
	volume := make(map[string]int64, len(m.quotes))
	for _, q := range m.quotes {
		volume[q.Symbol] = q.Volume
	}
	m.mu.Unlock()

	switch kind {
	case MoversGainers:
		sort.Slice(movers, func(i, j int) bool { return movers[i].ChangePercent > movers[j].ChangePercent })
	case MoversLosers:
		sort.Slice(movers, func(i, j int) bool { return movers[i].ChangePercent < movers[j].ChangePercent })
	default:
		sort.Slice(movers, func(i, j int) bool { return volume[movers[i].Symbol] > volume[movers[j].Symbol] })
	}
	return movers, nil
}

func (m *MockProvider) History(ctx context.Context, symbol string, from, to time.Time) ([]HistoricalBar, error) {
	if err := m.begin(ctx, "History", []string{symbol}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	q, ok := m.quotes[symbol]
	m.mu.Unlock()
	if !ok {
		return nil, NewBadSymbolError(symbol, "unknown symbol")
	}
	if to.IsZero() {
		to = m.now()
	}
	if from.IsZero() {
		from = to.AddDate(0, 0, -5)
	}
	var bars []HistoricalBar
	for d, i := to, 0; !d.Before(from); d, i = d.AddDate(0, 0, -1), i+1 {
		px := q.Price - float64(i)
		bars = append(bars, HistoricalBar{Date: d.Format("2006-01-02"), Open: px, High: px + 1, Low: px - 1, Close: px, Volume: q.Volume})
	}
	return bars, nil
}

func (m *MockProvider) News(ctx context.Context, symbols []string, limit int) ([]NewsItem, error) {
	if err := m.begin(ctx, "News", symbols); err != nil {
		return nil, err
	}
	now := m.now().UTC()
	var items []NewsItem
	for _, s := range symbols {
		items = append(items, NewsItem{Symbol: s, PublishedAt: now, Title: s + " trades in line with market", Site: "mock"})
	}
	if len(symbols) == 0 {
		items = append(items, NewsItem{PublishedAt: now, Title: "Markets steady ahead of data", Site: "mock"})
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *MockProvider) Profile(ctx context.Context, symbol string) (*Profile, error) {
	if err := m.begin(ctx, "Profile", []string{symbol}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[symbol]
	if !ok {
		return nil, NewBadSymbolError(symbol, "unknown symbol")
	}
	return &p, nil
}

func (m *MockProvider) HealthCheck(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failWith
}

func (m *MockProvider) Close() error { return nil }
