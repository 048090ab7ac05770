package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/marketcache/internal/adapters"
	"github.com/Rajchodisetti/marketcache/internal/config"
	"github.com/Rajchodisetti/marketcache/internal/observ"
)

// ErrThrottled means the key was requested too recently and nothing is
// cached to serve instead.
var ErrThrottled = errors.New("mirror: request throttled")

// Fetcher loads quotes from the server-side cache
type Fetcher interface {
	FetchQuotes(ctx context.Context, symbols []string) (map[string]adapters.Quote, error)
}

// Options configures a Cache
type Options struct {
	Freshness   time.Duration
	MinInterval time.Duration
	MaxEntries  int
	Clock       clockwork.Clock
}

func OptionsFromConfig(cfg config.Mirror) Options {
	return Options{
		Freshness:   cfg.Freshness(),
		MinInterval: cfg.MinInterval(),
		MaxEntries:  cfg.MaxEntries,
	}
}

// Stats is a snapshot of mirror counters
type Stats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Throttled int64 `json:"throttled"`
	Fetches   int64 `json:"fetches"`
	Shared    int64 `json:"shared"`
}

// slot is one key's state. It exists from the first request on so the
// per-key limiter survives failed fetches.
type slot struct {
	quote     adapters.Quote
	fetchedAt time.Time
	has       bool
	limiter   *rate.Limiter
}

// Cache is the session-side mirror of server quotes: one bounded map, a
// short freshness window, a per-key minimum request interval and coalesced
// fetches. Pair symbols share their base token's entry.
type Cache struct {
	mu          sync.Mutex
	clock       clockwork.Clock
	fetcher     Fetcher
	slots       *simplelru.LRU[string, *slot]
	freshness   time.Duration
	minInterval time.Duration
	inflight    map[string]struct{}
	subs        map[string]map[uint64]func(adapters.Quote)
	nextSub     uint64
	stats       Stats
	group       singleflight.Group
}

func New(fetcher Fetcher, opts Options) *Cache {
	if opts.Freshness <= 0 {
		opts.Freshness = 30 * time.Second
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = 5 * time.Second
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 500
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	slots, _ := simplelru.NewLRU[string, *slot](opts.MaxEntries, nil)
	return &Cache{
		clock:       opts.Clock,
		fetcher:     fetcher,
		slots:       slots,
		freshness:   opts.Freshness,
		minInterval: opts.MinInterval,
		inflight:    make(map[string]struct{}),
		subs:        make(map[string]map[uint64]func(adapters.Quote)),
	}
}

// Key maps a symbol to its cache key; BTC/USD and BTC share one entry.
func Key(symbol string) string {
	return adapters.BaseSymbol(symbol)
}

// Get returns a fresh quote, fetching it when needed. Inside the minimum
// interval a stale copy is served instead of a new request.
func (c *Cache) Get(ctx context.Context, symbol string) (adapters.Quote, error) {
	key := Key(symbol)
	if key == "" {
		return adapters.Quote{}, adapters.NewBadSymbolError(symbol, "empty symbol")
	}

	c.mu.Lock()
	now := c.clock.Now()
	s, ok := c.slots.Get(key)
	if !ok {
		s = &slot{limiter: rate.NewLimiter(rate.Every(c.minInterval), 1)}
		c.slots.Add(key, s)
	}
	if s.has && now.Sub(s.fetchedAt) < c.freshness {
		c.stats.Hits++
		q := s.quote
		c.mu.Unlock()
		return q, nil
	}
	c.stats.Misses++

	// Only the caller that would start a new request is throttled; a
	// concurrent caller joins the in-flight one below.
	if s.limiter.TokensAt(now) < 1 && !c.inFlightLocked(key) {
		c.stats.Throttled++
		q, has := s.quote, s.has
		c.mu.Unlock()
		observ.IncCounter("mirror_throttled_total", nil)
		if has {
			return q, nil
		}
		return adapters.Quote{}, ErrThrottled
	}
	c.mu.Unlock()

	v, err, shared := c.group.Do(key, func() (any, error) {
		return c.fetch(context.WithoutCancel(ctx), key)
	})
	if shared {
		c.mu.Lock()
		c.stats.Shared++
		c.mu.Unlock()
	}
	if err != nil {
		return adapters.Quote{}, err
	}
	return v.(adapters.Quote), nil
}

func (c *Cache) inFlightLocked(key string) bool {
	_, ok := c.inflight[key]
	return ok
}

func (c *Cache) fetch(ctx context.Context, key string) (any, error) {
	c.mu.Lock()
	now := c.clock.Now()
	s, ok := c.slots.Get(key)
	if !ok {
		s = &slot{limiter: rate.NewLimiter(rate.Every(c.minInterval), 1)}
		c.slots.Add(key, s)
	}
	if s.has && now.Sub(s.fetchedAt) < c.freshness {
		q := s.quote
		c.mu.Unlock()
		return q, nil
	}
	s.limiter.AllowN(now, 1)
	c.inflight[key] = struct{}{}
	c.stats.Fetches++
	c.mu.Unlock()

	quotes, err := c.fetcher.FetchQuotes(ctx, []string{key})

	c.mu.Lock()
	delete(c.inflight, key)
	if err == nil {
		q, found := quotes[key]
		if !found {
			err = adapters.NewBadSymbolError(key, "not returned by server")
		} else {
			s.quote, s.fetchedAt, s.has = q, c.clock.Now(), true
			c.slots.Add(key, s)
		}
	}
	var callbacks []func(adapters.Quote)
	if err == nil {
		for _, cb := range c.subs[key] {
			callbacks = append(callbacks, cb)
		}
	}
	q := s.quote
	c.mu.Unlock()

	if err != nil {
		observ.IncCounter("mirror_fetch_errors_total", nil)
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}
	for _, cb := range callbacks {
		notify(key, cb, q)
	}
	return q, nil
}

func notify(key string, cb func(adapters.Quote), q adapters.Quote) {
	defer func() {
		if r := recover(); r != nil {
			observ.Warn("mirror_callback_panic", map[string]any{"symbol": key, "panic": fmt.Sprint(r)})
		}
	}()
	cb(q)
}

// GetMany fetches symbols concurrently; each symbol still coalesces with
// any other caller asking for it.
func (c *Cache) GetMany(ctx context.Context, symbols []string) (map[string]adapters.Quote, error) {
	var mu sync.Mutex
	out := make(map[string]adapters.Quote, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	for _, sym := range adapters.NormalizeSymbols(symbols) {
		g.Go(func() error {
			q, err := c.Get(gctx, sym)
			if err != nil {
				return err
			}
			mu.Lock()
			out[sym] = q
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

// Subscribe registers cb for every fetch that resolves symbol's key and
// returns a function that removes it.
func (c *Cache) Subscribe(symbol string, cb func(adapters.Quote)) func() {
	key := Key(symbol)

	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	if c.subs[key] == nil {
		c.subs[key] = make(map[uint64]func(adapters.Quote))
	}
	c.subs[key][id] = cb
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs[key], id)
		if len(c.subs[key]) == 0 {
			delete(c.subs, key)
		}
	}
}

// Invalidate marks symbol's quote as no longer fresh. The old quote is kept
// to serve while the request interval holds off a refetch.
func (c *Cache) Invalidate(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots.Peek(Key(symbol)); ok {
		s.fetchedAt = time.Time{}
	}
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	st.Entries = c.slots.Len()
	return st
}
