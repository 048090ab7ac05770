package upstream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/Rajchodisetti/marketcache/internal/adapters"
	"github.com/Rajchodisetti/marketcache/internal/config"
	"github.com/Rajchodisetti/marketcache/internal/observ"
)

// Options configures a Client. Zero values take defaults.
type Options struct {
	RequestsPerMinute int
	MaxSymbolsPerCall int
	BatchDelay        time.Duration
	QuoteCacheSize    int
	ChunkConcurrency  int
	Clock             clockwork.Clock
}

// OptionsFromConfig maps the upstream config section onto Options.
func OptionsFromConfig(cfg config.Upstream) Options {
	return Options{
		RequestsPerMinute: cfg.RequestsPerMinute,
		MaxSymbolsPerCall: cfg.MaxSymbolsPerCall,
		BatchDelay:        cfg.BatchDelay(),
		QuoteCacheSize:    cfg.QuoteCacheSize,
		ChunkConcurrency:  cfg.ChunkConcurrency,
	}
}

func (o *Options) applyDefaults() {
	if o.RequestsPerMinute <= 0 {
		o.RequestsPerMinute = 250
	}
	if o.MaxSymbolsPerCall <= 0 {
		o.MaxSymbolsPerCall = 50
	}
	if o.BatchDelay <= 0 {
		o.BatchDelay = 100 * time.Millisecond
	}
	if o.ChunkConcurrency <= 0 {
		o.ChunkConcurrency = 4
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
}

// Stats summarizes client activity
type Stats struct {
	Calls      int64           `json:"calls"`
	Errors     int64           `json:"errors"`
	BadSymbols int64           `json:"bad_symbols"`
	RateWindow RateWindowStats `json:"rate_window"`
	QuoteCache CacheMetrics    `json:"quote_cache"`
	Provider   string          `json:"provider"`
}

// Client is the only path to the upstream provider. Every call goes through
// the rate window; quote requests additionally go through the short-TTL
// cache and the batch window.
type Client struct {
	provider adapters.Provider
	clock    clockwork.Clock
	window   *RateWindow
	cache    *quoteCache
	batch    *batcher
	health   *adapters.ProviderHealth

	maxPerCall  int
	concurrency int

	calls      atomic.Int64
	errors     atomic.Int64
	badSymbols atomic.Int64
}

func New(provider adapters.Provider, opts Options) *Client {
	opts.applyDefaults()
	c := &Client{
		provider:    provider,
		clock:       opts.Clock,
		window:      NewRateWindow(opts.RequestsPerMinute, opts.Clock),
		cache:       newQuoteCache(opts.QuoteCacheSize, opts.Clock),
		health:      adapters.NewProviderHealth(provider.Name()),
		maxPerCall:  opts.MaxSymbolsPerCall,
		concurrency: opts.ChunkConcurrency,
	}
	c.batch = newBatcher(opts.Clock, opts.BatchDelay, c.fetchChunks)
	return c
}

// GetQuote returns one quote. An unknown symbol is a bad_symbol error.
func (c *Client) GetQuote(ctx context.Context, symbol string) (adapters.Quote, error) {
	symbol = adapters.NormalizeSymbol(symbol)
	if err := adapters.ValidateSymbol(symbol); err != nil {
		return adapters.Quote{}, adapters.NewBadSymbolError(symbol, err.Error())
	}

	quotes, err := c.GetBatchQuotes(ctx, []string{symbol})
	if err != nil {
		return adapters.Quote{}, err
	}
	q, ok := quotes[symbol]
	if !ok {
		return adapters.Quote{}, adapters.NewBadSymbolError(symbol, "no quote returned")
	}
	return q, nil
}

// GetBatchQuotes returns quotes for every symbol the provider knows. Cached
// symbols are answered immediately; the rest join the current batch window.
// Invalid symbols are dropped.
func (c *Client) GetBatchQuotes(ctx context.Context, symbols []string) (map[string]adapters.Quote, error) {
	return c.batchQuotes(ctx, symbols, true)
}

// RefreshQuotes is GetBatchQuotes without the quote cache read. Symbols still
// share batch windows and in-flight calls with other callers.
func (c *Client) RefreshQuotes(ctx context.Context, symbols []string) (map[string]adapters.Quote, error) {
	return c.batchQuotes(ctx, symbols, false)
}

func (c *Client) batchQuotes(ctx context.Context, symbols []string, useCache bool) (map[string]adapters.Quote, error) {
	out := make(map[string]adapters.Quote, len(symbols))
	var missing []string
	for _, s := range adapters.NormalizeSymbols(symbols) {
		if err := adapters.ValidateSymbol(s); err != nil {
			observ.Warn("upstream_symbol_rejected", map[string]any{"symbol": s, "error": err})
			continue
		}
		if useCache {
			if q, ok := c.cache.get(s); ok {
				out[s] = q
				continue
			}
		}
		missing = append(missing, s)
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := c.batch.request(ctx, missing)
	if err != nil {
		return nil, err
	}
	for s, q := range fetched {
		out[s] = q
	}
	return out, nil
}

// fetchChunks splits symbols into provider-sized chunks and fetches them
// concurrently. Chunks fail independently.
func (c *Client) fetchChunks(ctx context.Context, symbols []string) batchOutcome {
	outcome := batchOutcome{
		quotes: make(map[string]adapters.Quote, len(symbols)),
		failed: make(map[string]error),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, chunk := range chunk(symbols, c.maxPerCall) {
		g.Go(func() error {
			var quotes map[string]adapters.Quote
			err := c.call(gctx, "quote", func(ctx context.Context) error {
				var err error
				quotes, err = c.provider.BatchQuotes(ctx, chunk)
				return err
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				for _, s := range chunk {
					outcome.failed[s] = err
				}
				observ.Warn("upstream_chunk_failed", map[string]any{"symbols": len(chunk), "error": err})
				return nil
			}
			for _, s := range chunk {
				q, ok := quotes[s]
				if !ok {
					c.badSymbols.Add(1)
					observ.IncCounter("upstream_bad_symbols_total", nil)
					continue
				}
				c.cache.set(q)
				outcome.quotes[s] = q
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcome
}

func chunk(symbols []string, size int) [][]string {
	var chunks [][]string
	for start := 0; start < len(symbols); start += size {
		end := min(start+size, len(symbols))
		chunks = append(chunks, symbols[start:end])
	}
	return chunks
}

// call runs one upstream request under the rate window and records its
// outcome. It never retries.
func (c *Client) call(ctx context.Context, endpoint string, fn func(context.Context) error) error {
	if _, err := c.window.Acquire(ctx); err != nil {
		return fmt.Errorf("rate window: %w", err)
	}

	start := time.Now()
	c.calls.Add(1)
	observ.IncCounter("upstream_requests_total", map[string]string{"endpoint": endpoint})

	err := fn(ctx)
	observ.RecordDuration("upstream_request", time.Since(start), map[string]string{"endpoint": endpoint})
	if err != nil {
		c.errors.Add(1)
		c.health.RecordError(err)
		observ.IncCounter("upstream_errors_total", map[string]string{
			"endpoint": endpoint,
			"type":     adapters.ErrorType(err),
		})
		return err
	}
	c.health.RecordSuccess(time.Since(start))
	return nil
}

// Movers fetches one movers list
func (c *Client) Movers(ctx context.Context, kind adapters.MoverKind) ([]adapters.Mover, error) {
	var out []adapters.Mover
	err := c.call(ctx, "movers", func(ctx context.Context) error {
		var err error
		out, err = c.provider.Movers(ctx, kind)
		return err
	})
	return out, err
}

func (c *Client) History(ctx context.Context, symbol string, from, to time.Time) ([]adapters.HistoricalBar, error) {
	var out []adapters.HistoricalBar
	err := c.call(ctx, "historical", func(ctx context.Context) error {
		var err error
		out, err = c.provider.History(ctx, symbol, from, to)
		return err
	})
	return out, err
}

func (c *Client) News(ctx context.Context, symbols []string, limit int) ([]adapters.NewsItem, error) {
	var out []adapters.NewsItem
	err := c.call(ctx, "news", func(ctx context.Context) error {
		var err error
		out, err = c.provider.News(ctx, symbols, limit)
		return err
	})
	return out, err
}

func (c *Client) Profile(ctx context.Context, symbol string) (*adapters.Profile, error) {
	var out *adapters.Profile
	err := c.call(ctx, "profile", func(ctx context.Context) error {
		var err error
		out, err = c.provider.Profile(ctx, symbol)
		return err
	})
	return out, err
}

func (c *Client) Stats() Stats {
	return Stats{
		Calls:      c.calls.Load(),
		Errors:     c.errors.Load(),
		BadSymbols: c.badSymbols.Load(),
		RateWindow: c.window.Stats(),
		QuoteCache: c.cache.snapshot(),
		Provider:   c.provider.Name(),
	}
}

// Health exposes the provider health tracker
func (c *Client) Health() adapters.ProviderHealthSnapshot {
	return c.health.Snapshot()
}

// Close rejects queued callers and closes the provider.
func (c *Client) Close() error {
	c.batch.close()
	return c.provider.Close()
}
