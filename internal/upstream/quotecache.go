package upstream

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jonboulle/clockwork"

	"github.com/Rajchodisetti/marketcache/internal/adapters"
	"github.com/Rajchodisetti/marketcache/internal/market"
	"github.com/Rajchodisetti/marketcache/internal/observ"
)

// cachedQuote is a quote with its cache lifetime
type cachedQuote struct {
	Quote     adapters.Quote
	CachedAt  time.Time
	ExpiresAt time.Time
}

// CacheMetrics tracks quote cache performance
type CacheMetrics struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
}

// quoteCache holds recent upstream quotes so repeat requests inside the
// realtime TTL never reach the network.
type quoteCache struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	quotes  *simplelru.LRU[string, cachedQuote]
	metrics CacheMetrics
}

func newQuoteCache(size int, clock clockwork.Clock) *quoteCache {
	if size <= 0 {
		size = 2000
	}
	lru, _ := simplelru.NewLRU[string, cachedQuote](size, nil)
	return &quoteCache{clock: clock, quotes: lru}
}

func (qc *quoteCache) get(symbol string) (adapters.Quote, bool) {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	cached, ok := qc.quotes.Get(symbol)
	if ok && qc.clock.Now().Before(cached.ExpiresAt) {
		qc.metrics.Hits++
		observ.IncCounter("upstream_quote_cache_hits_total", nil)
		return cached.Quote, true
	}
	if ok {
		qc.quotes.Remove(symbol)
	}
	qc.metrics.Misses++
	observ.IncCounter("upstream_quote_cache_misses_total", nil)
	return adapters.Quote{}, false
}

// set stores q with the TTL in force right now.
func (qc *quoteCache) set(q adapters.Quote) {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	now := qc.clock.Now()
	if evicted := qc.quotes.Add(q.Symbol, cachedQuote{
		Quote:     q,
		CachedAt:  now,
		ExpiresAt: now.Add(market.RealtimeTTL(now)),
	}); evicted {
		qc.metrics.Evictions++
	}
}

func (qc *quoteCache) snapshot() CacheMetrics {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	m := qc.metrics
	m.Size = qc.quotes.Len()
	return m
}
