package cooldown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Rajchodisetti/marketcache/internal/config"
	"github.com/Rajchodisetti/marketcache/internal/observ"
)

var (
	// ErrNoData means a fetch failed and nothing, not even a stale copy, is cached.
	ErrNoData = errors.New("cooldown: no data")
	// ErrCleared is delivered to waiters whose pending request was cleared.
	ErrCleared = errors.New("cooldown: pending request cleared")
)

// Category selects a fixed cooldown for non-batchable endpoints.
type Category string

const (
	CategoryQuote      Category = "quote"
	CategoryMovers     Category = "movers"
	CategoryHistorical Category = "historical"
	CategoryNews       Category = "news"
	CategoryProfile    Category = "profile"
)

// Cooldown returns the category's fixed lifetime.
func (c Category) Cooldown() time.Duration {
	switch c {
	case CategoryQuote:
		return time.Minute
	case CategoryMovers:
		return time.Hour
	case CategoryHistorical:
		return 5 * time.Minute
	case CategoryNews:
		return 15 * time.Minute
	case CategoryProfile:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

type entry struct {
	value     any
	category  Category
	storedAt  time.Time
	expiresAt time.Time
}

// Pending is one outstanding fetch. Waiters block on Wait until it is
// resolved, rejected or cleared.
type Pending struct {
	done  chan struct{}
	value any
	err   error
}

// Wait blocks until the request settles or ctx ends.
func (p *Pending) Wait(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Options configures a Cache
type Options struct {
	SweepInterval time.Duration // negative disables the sweeper
	SweepGrace    time.Duration
	Clock         clockwork.Clock
}

func OptionsFromConfig(cfg config.Cooldown) Options {
	return Options{SweepInterval: cfg.SweepInterval(), SweepGrace: cfg.SweepGrace()}
}

// Stats is a snapshot of cache counters
type Stats struct {
	Entries     int   `json:"entries"`
	Pending     int   `json:"pending"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	StaleServed int64 `json:"stale_served"`
	Swept       int64 `json:"swept"`
}

// Cache is the endpoint cooldown cache. Unlike the tiered store its pending
// registry is explicit so handlers can check, fetch and settle in separate
// steps.
type Cache struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	entries map[string]*entry
	pending map[string]*Pending
	grace   time.Duration
	stats   Stats

	stop      chan struct{}
	stopOnce  sync.Once
	sweepDone chan struct{}
}

func New(opts Options) *Cache {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = 10 * time.Minute
	}
	if opts.SweepGrace <= 0 {
		opts.SweepGrace = time.Hour
	}

	c := &Cache{
		clock:     opts.Clock,
		entries:   make(map[string]*entry),
		pending:   make(map[string]*Pending),
		grace:     opts.SweepGrace,
		stop:      make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		go c.sweepLoop(opts.SweepInterval)
	} else {
		close(c.sweepDone)
	}
	return c
}

// Get returns a value still inside its cooldown.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !c.clock.Now().Before(e.expiresAt) {
		c.stats.Misses++
		observ.IncCounter("cooldown_misses_total", nil)
		return nil, false
	}
	c.stats.Hits++
	observ.IncCounter("cooldown_hits_total", map[string]string{"category": string(e.category)})
	return e.value, true
}

// GetStale returns the last stored value regardless of expiry, with the
// time it was stored.
func (c *Cache) GetStale(key string) (any, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, time.Time{}, false
	}
	return e.value, e.storedAt, true
}

// Set stores value with the category's cooldown.
func (c *Cache) Set(key string, value any, category Category) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	c.entries[key] = &entry{
		value:     value,
		category:  category,
		storedAt:  now,
		expiresAt: now.Add(category.Cooldown()),
	}
}

// IsPending reports whether a fetch for key is outstanding.
func (c *Cache) IsPending(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[key]
	return ok
}

// AddPending returns the pending request for key, creating it if needed.
func (c *Cache) AddPending(key string) *Pending {
	p, _ := c.Begin(key)
	return p
}

// Begin is the atomic check-then-add. leader is true for the caller that
// created the request and so owns resolving it.
func (c *Cache) Begin(key string) (p *Pending, leader bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pending[key]; ok {
		return p, false
	}
	p = &Pending{done: make(chan struct{})}
	c.pending[key] = p
	return p, true
}

// ResolvePending settles every waiter with value and removes the request.
func (c *Cache) ResolvePending(key string, value any) {
	c.settle(key, value, nil)
}

// RejectPending settles every waiter with err and removes the request.
func (c *Cache) RejectPending(key string, err error) {
	c.settle(key, nil, err)
}

// ClearPending drops the request; its waiters receive ErrCleared.
func (c *Cache) ClearPending(key string) {
	c.settle(key, nil, ErrCleared)
}

func (c *Cache) settle(key string, value any, err error) {
	c.mu.Lock()
	p, ok := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()
	if !ok {
		return
	}
	p.value, p.err = value, err
	close(p.done)
}

// Fetch serves key from cache or runs fetch once for all concurrent callers.
// When the fetch fails and an expired copy exists it is returned with
// stale set. With no copy at all the error wraps both ErrNoData and the
// fetch error.
func (c *Cache) Fetch(ctx context.Context, key string, category Category, fetch func(context.Context) (any, error)) (value any, stale bool, err error) {
	if v, ok := c.Get(key); ok {
		return v, false, nil
	}

	p, leader := c.Begin(key)
	if leader {
		go c.run(context.WithoutCancel(ctx), key, category, fetch)
	}

	v, err := p.Wait(ctx)
	if err == nil {
		return v, false, nil
	}
	if sv, storedAt, ok := c.GetStale(key); ok {
		c.mu.Lock()
		c.stats.StaleServed++
		c.mu.Unlock()
		observ.IncCounter("stale_served_total", map[string]string{"category": string(category)})
		observ.Warn("cooldown_stale_served", map[string]any{
			"key":    key,
			"age_ms": c.clock.Since(storedAt).Milliseconds(),
			"error":  err,
		})
		return sv, true, nil
	}
	return nil, false, fmt.Errorf("%w for %s: %w", ErrNoData, key, err)
}

func (c *Cache) run(ctx context.Context, key string, category Category, fetch func(context.Context) (any, error)) {
	v, err := safeFetch(ctx, fetch)
	if err != nil {
		c.RejectPending(key, err)
		return
	}
	c.Set(key, v, category)
	c.ResolvePending(key, v)
}

func safeFetch(ctx context.Context, fetch func(context.Context) (any, error)) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch panicked: %v", r)
		}
	}()
	return fetch(ctx)
}

// Sweep removes entries that expired more than the grace period ago.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	removed := 0
	for k, e := range c.entries {
		if now.Sub(e.expiresAt) > c.grace {
			delete(c.entries, k)
			removed++
		}
	}
	c.stats.Swept += int64(removed)
	if removed > 0 {
		observ.Log("cooldown_swept", map[string]any{"removed": removed, "remaining": len(c.entries)})
	}
	return removed
}

func (c *Cache) sweepLoop(interval time.Duration) {
	defer close(c.sweepDone)
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			c.Sweep()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	st.Entries = len(c.entries)
	st.Pending = len(c.pending)
	return st
}

// Close stops the sweeper.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.sweepDone
}
