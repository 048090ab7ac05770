package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Rajchodisetti/marketcache/internal/adapters"
	"github.com/Rajchodisetti/marketcache/internal/broadcast"
	"github.com/Rajchodisetti/marketcache/internal/config"
	"github.com/Rajchodisetti/marketcache/internal/cooldown"
	"github.com/Rajchodisetti/marketcache/internal/observ"
	"github.com/Rajchodisetti/marketcache/internal/store"
	"github.com/Rajchodisetti/marketcache/internal/subscription"
	"github.com/Rajchodisetti/marketcache/internal/upstream"
)

const refreshSubscriberID = "engine-refresh"

type options struct {
	clock      clockwork.Clock
	backend    store.Backend
	hasBackend bool
}

// Option customizes engine construction
type Option func(*options)

// WithClock injects the clock every component reads.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithBackend replaces the configured permanent-tier backend; nil keeps the
// permanent tier in memory.
func WithBackend(b store.Backend) Option {
	return func(o *options) { o.backend, o.hasBackend = b, true }
}

// Engine is the process's single market data service. It owns every cache
// and the upstream client and is passed to whatever serves requests.
type Engine struct {
	clock    clockwork.Clock
	store    *store.Store
	client   *upstream.Client
	cooldown *cooldown.Cache
	sync     *broadcast.Broadcaster
	registry *subscription.Registry

	mu         sync.Mutex
	refreshing bool

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// Stats aggregates component counters
type Stats struct {
	Store           store.Stats    `json:"store"`
	Upstream        upstream.Stats `json:"upstream"`
	Cooldown        cooldown.Stats `json:"cooldown"`
	Subscriptions   int            `json:"subscriptions"`
	TrackedSymbols  int            `json:"tracked_symbols"`
	SyncSubscribers int            `json:"sync_subscribers"`
	NextTickSeconds int            `json:"next_tick_seconds"`
}

// New builds every component from cfg around provider.
func New(ctx context.Context, cfg config.Root, provider adapters.Provider, opts ...Option) (*Engine, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}

	backend := o.backend
	if !o.hasBackend {
		var err error
		backend, err = store.NewBackend(ctx, cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("store backend: %w", err)
		}
	}

	storeOpts := store.OptionsFromConfig(cfg.Store, backend)
	storeOpts.Clock = o.clock
	st, err := store.New(ctx, storeOpts)
	if err != nil {
		return nil, fmt.Errorf("tiered store: %w", err)
	}

	upOpts := upstream.OptionsFromConfig(cfg.Upstream)
	upOpts.Clock = o.clock

	cdOpts := cooldown.OptionsFromConfig(cfg.Cooldown)
	cdOpts.Clock = o.clock

	e := &Engine{
		clock:    o.clock,
		store:    st,
		client:   upstream.New(provider, upOpts),
		cooldown: cooldown.New(cdOpts),
		sync:     broadcast.New(o.clock),
	}

	subOpts := subscription.OptionsFromConfig(cfg.Subscriptions)
	subOpts.Clock = o.clock
	subOpts.Refresh = e.refreshQuotes
	e.registry = subscription.New(e.fetchQuotes, subOpts)
	e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))

	observ.Log("engine_started", map[string]any{
		"provider":             provider.Name(),
		"requests_per_minute":  cfg.Upstream.RequestsPerMinute,
		"max_symbols_per_call": cfg.Upstream.MaxSymbolsPerCall,
		"store_backend":        cfg.Store.Backend,
	})
	return e, nil
}

func quoteKey(symbol string) string { return "quote:" + symbol }

// GetQuote returns one quote through the tiered store. When the upstream
// fetch fails the last known quote is served as stale.
func (e *Engine) GetQuote(ctx context.Context, symbol string) Result[adapters.Quote] {
	symbol = adapters.NormalizeSymbol(symbol)
	if err := adapters.ValidateSymbol(symbol); err != nil {
		return missing[adapters.Quote](adapters.NewBadSymbolError(symbol, err.Error()))
	}

	key := quoteKey(symbol)
	v, err := e.store.GetOrFetch(ctx, key, store.Realtime, func(ctx context.Context) (any, error) {
		q, err := e.client.GetQuote(ctx, symbol)
		if err != nil {
			return nil, err
		}
		e.cooldown.Set(key, q, cooldown.CategoryQuote)
		return q, nil
	})
	if err == nil {
		q, convErr := store.As[adapters.Quote](v)
		if convErr != nil {
			return missing[adapters.Quote](convErr)
		}
		return fresh(q)
	}

	if q, asOf, ok := e.lastKnownQuote(key); ok && !adapters.IsNotFound(err) {
		e.noteStale("quote", key, err)
		return stale(q, asOf)
	}
	return missing[adapters.Quote](err)
}

func (e *Engine) lastKnownQuote(key string) (adapters.Quote, time.Time, bool) {
	v, asOf, ok := e.cooldown.GetStale(key)
	if !ok {
		return adapters.Quote{}, time.Time{}, false
	}
	q, err := store.As[adapters.Quote](v)
	if err != nil {
		return adapters.Quote{}, time.Time{}, false
	}
	return q, asOf, true
}

// GetBatchQuotes answers cached symbols from the store and batches the rest
// upstream. Unknown symbols are left out of the map. If the upstream batch
// fails and every missing symbol has a last known quote, the result is
// stale; otherwise it is missing.
func (e *Engine) GetBatchQuotes(ctx context.Context, symbols []string) Result[map[string]adapters.Quote] {
	return e.batchQuotes(ctx, symbols, false)
}

// batchQuotes backs GetBatchQuotes. With refresh set every symbol goes
// upstream regardless of what the store or the quote cache holds.
func (e *Engine) batchQuotes(ctx context.Context, symbols []string, refresh bool) Result[map[string]adapters.Quote] {
	out := make(map[string]adapters.Quote, len(symbols))
	var need []string
	for _, s := range adapters.NormalizeSymbols(symbols) {
		if adapters.ValidateSymbol(s) != nil {
			continue
		}
		if !refresh {
			if v, ok := e.store.Get(quoteKey(s)); ok {
				if q, err := store.As[adapters.Quote](v); err == nil {
					out[s] = q
					continue
				}
			}
		}
		need = append(need, s)
	}
	if len(need) == 0 {
		return fresh(out)
	}

	fetch := e.client.GetBatchQuotes
	if refresh {
		fetch = e.client.RefreshQuotes
	}
	fetched, err := fetch(ctx, need)
	if err == nil {
		for s, q := range fetched {
			e.store.Set(quoteKey(s), q, store.Realtime)
			e.cooldown.Set(quoteKey(s), q, cooldown.CategoryQuote)
			out[s] = q
		}
		return fresh(out)
	}

	var oldest time.Time
	for _, s := range need {
		q, asOf, ok := e.lastKnownQuote(quoteKey(s))
		if !ok {
			return missing[map[string]adapters.Quote](err)
		}
		out[s] = q
		if oldest.IsZero() || asOf.Before(oldest) {
			oldest = asOf
		}
	}
	e.noteStale("quote", strings.Join(need, ","), err)
	return stale(out, oldest)
}

// GetOrFetch exposes the tiered store's coalescing primitive for arbitrary
// keys.
func (e *Engine) GetOrFetch(ctx context.Context, key string, tier store.Tier, fetch func(context.Context) (any, error), opts ...store.SetOption) (any, error) {
	return e.store.GetOrFetch(ctx, key, tier, fetch, opts...)
}

// CachedEndpoint reads a value straight from the cooldown cache without
// fetching. Keys follow the "category:signature" form used by the fetchers.
func (e *Engine) CachedEndpoint(key string) (any, bool) {
	return e.cooldown.Get(key)
}

// StoreEndpoint seeds the cooldown cache, e.g. from a response obtained
// elsewhere.
func (e *Engine) StoreEndpoint(key string, value any, category cooldown.Category) {
	e.cooldown.Set(key, value, category)
}

// Movers returns a movers list through the cooldown cache.
func (e *Engine) Movers(ctx context.Context, kind adapters.MoverKind) Result[[]adapters.Mover] {
	key := "movers:" + string(kind)
	return fetchThrough[[]adapters.Mover](ctx, e, key, cooldown.CategoryMovers, func(ctx context.Context) (any, error) {
		return e.client.Movers(ctx, kind)
	})
}

// History returns daily bars through the cooldown cache.
func (e *Engine) History(ctx context.Context, symbol string, from, to time.Time) Result[[]adapters.HistoricalBar] {
	symbol = adapters.NormalizeSymbol(symbol)
	if err := adapters.ValidateSymbol(symbol); err != nil {
		return missing[[]adapters.HistoricalBar](adapters.NewBadSymbolError(symbol, err.Error()))
	}
	key := fmt.Sprintf("historical:%s:%s:%s", symbol, dateKey(from), dateKey(to))
	return fetchThrough[[]adapters.HistoricalBar](ctx, e, key, cooldown.CategoryHistorical, func(ctx context.Context) (any, error) {
		return e.client.History(ctx, symbol, from, to)
	})
}

func dateKey(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02")
}

// News returns recent articles for symbols, or general news when empty.
func (e *Engine) News(ctx context.Context, symbols []string, limit int) Result[[]adapters.NewsItem] {
	symbols = adapters.NormalizeSymbols(symbols)
	sorted := append([]string(nil), symbols...)
	sort.Strings(sorted)
	key := fmt.Sprintf("news:%s:%d", strings.Join(sorted, ","), limit)
	return fetchThrough[[]adapters.NewsItem](ctx, e, key, cooldown.CategoryNews, func(ctx context.Context) (any, error) {
		return e.client.News(ctx, symbols, limit)
	})
}

// Profile returns a company profile. Successful profiles are also written to
// the permanent tier, which serves as the fallback across restarts.
func (e *Engine) Profile(ctx context.Context, symbol string) Result[*adapters.Profile] {
	symbol = adapters.NormalizeSymbol(symbol)
	if err := adapters.ValidateSymbol(symbol); err != nil {
		return missing[*adapters.Profile](adapters.NewBadSymbolError(symbol, err.Error()))
	}
	key := "profile:" + symbol

	res := fetchThrough[*adapters.Profile](ctx, e, key, cooldown.CategoryProfile, func(ctx context.Context) (any, error) {
		p, err := e.client.Profile(ctx, symbol)
		if err != nil {
			return nil, err
		}
		e.store.Set(key, p, store.Permanent)
		return p, nil
	})
	if res.OK() || adapters.IsNotFound(res.Err) {
		return res
	}

	if v, ok := e.store.Get(key); ok {
		if p, err := store.As[*adapters.Profile](v); err == nil {
			e.noteStale("profile", key, res.Err)
			return stale(p, time.Time{})
		}
	}
	return res
}

// fetchThrough runs fetch via the cooldown cache and converts the value.
func fetchThrough[T any](ctx context.Context, e *Engine, key string, cat cooldown.Category, fetch func(context.Context) (any, error)) Result[T] {
	v, isStale, err := e.cooldown.Fetch(ctx, key, cat, fetch)
	if err != nil {
		return missing[T](err)
	}
	out, err := store.As[T](v)
	if err != nil {
		return missing[T](err)
	}
	if isStale {
		_, asOf, _ := e.cooldown.GetStale(key)
		return stale(out, asOf)
	}
	return fresh(out)
}

func (e *Engine) noteStale(kind, key string, cause error) {
	observ.Warn("engine_stale_served", map[string]any{"kind": kind, "key": key, "error": cause})
}

// Subscribe registers symbols for a connection and starts the minute refresh
// if it is not running.
func (e *Engine) Subscribe(ctx context.Context, ownerID, connectionID string, symbols []string) []string {
	added := e.registry.Subscribe(ctx, ownerID, connectionID, symbols)
	e.syncRefresh()
	return added
}

// Unsubscribe removes symbols, or all of them, for a connection. The minute
// refresh stops when nothing is subscribed.
func (e *Engine) Unsubscribe(connectionID string, symbols ...string) {
	e.registry.Unsubscribe(connectionID, symbols...)
	e.syncRefresh()
}

// Touch marks a connection as active.
func (e *Engine) Touch(connectionID string) {
	e.registry.Touch(connectionID)
}

// Events streams registry events for a transport to forward.
func (e *Engine) Events() <-chan subscription.Event {
	return e.registry.Events()
}

// ConnectionSymbols lists what a connection is subscribed to.
func (e *Engine) ConnectionSymbols(connectionID string) []string {
	return e.registry.ConnectionSymbols(connectionID)
}

// syncRefresh matches the tick subscription to the registry. The count is
// read under e.mu so racing subscribe and unsubscribe calls settle on the
// last state.
func (e *Engine) syncRefresh() {
	e.mu.Lock()
	defer e.mu.Unlock()
	want := e.registry.Count() > 0
	if want == e.refreshing {
		return
	}
	e.refreshing = want
	if want {
		e.sync.Subscribe(refreshSubscriberID, e.onTick)
	} else {
		e.sync.Unsubscribe(refreshSubscriberID)
	}
}

// onTick runs on the broadcaster goroutine, so the refresh is handed off.
func (e *Engine) onTick(tick time.Time) {
	if e.registry.Count() == 0 {
		e.syncRefresh()
		return
	}
	go func() {
		start := e.clock.Now()
		if err := e.registry.Refresh(e.ctx); err != nil {
			return
		}
		observ.RecordDuration("engine_tick_refresh", e.clock.Since(start), nil)
	}()
}

// fetchQuotes backs the registry's initial fetch on subscribe.
func (e *Engine) fetchQuotes(ctx context.Context, symbols []string) (map[string]adapters.Quote, error) {
	res := e.GetBatchQuotes(ctx, symbols)
	if !res.OK() {
		return nil, res.Err
	}
	return res.Value, nil
}

// refreshQuotes backs the tick refresh. It always goes upstream and writes
// the results through to the store.
func (e *Engine) refreshQuotes(ctx context.Context, symbols []string) (map[string]adapters.Quote, error) {
	res := e.batchQuotes(ctx, symbols, true)
	if !res.OK() {
		return nil, res.Err
	}
	return res.Value, nil
}

// SubscribeTicks registers cb on the shared minute tick and returns its id.
func (e *Engine) SubscribeTicks(id string, cb broadcast.Callback) string {
	return e.sync.Subscribe(id, cb)
}

func (e *Engine) UnsubscribeTicks(id string) {
	e.sync.Unsubscribe(id)
}

// SecondsUntilNextTick is the countdown to the next shared refresh.
func (e *Engine) SecondsUntilNextTick() int {
	return e.sync.SecondsUntilNextTick()
}

func (e *Engine) Stats() Stats {
	return Stats{
		Store:           e.store.Stats(),
		Upstream:        e.client.Stats(),
		Cooldown:        e.cooldown.Stats(),
		Subscriptions:   e.registry.Count(),
		TrackedSymbols:  len(e.registry.Symbols()),
		SyncSubscribers: e.sync.SubscriberCount(),
		NextTickSeconds: e.sync.SecondsUntilNextTick(),
	}
}

// Close stops timers and sweepers, flushes the permanent tier and closes the
// provider.
func (e *Engine) Close() error {
	var err error
	e.once.Do(func() {
		e.cancel()
		e.sync.Stop()
		e.registry.Close()
		e.cooldown.Close()
		err = errors.Join(e.client.Close(), e.store.Close())
		observ.Log("engine_stopped", map[string]any{"error": err})
	})
	return err
}
