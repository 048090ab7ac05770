package store

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jonboulle/clockwork"

	"github.com/Rajchodisetti/marketcache/internal/observ"
)

// Options configures a Store. Zero values take the defaults below.
type Options struct {
	MaxItems      int
	Backend       Backend // nil keeps Permanent entries in memory only
	FlushDelay    time.Duration
	SweepInterval time.Duration // negative disables the background sweeper
	SweepGrace    time.Duration
	Clock         clockwork.Clock
}

func (o *Options) applyDefaults() {
	if o.MaxItems <= 0 {
		o.MaxItems = 5000
	}
	if o.FlushDelay <= 0 {
		o.FlushDelay = time.Second
	}
	if o.SweepInterval == 0 {
		o.SweepInterval = 10 * time.Minute
	}
	if o.SweepGrace <= 0 {
		o.SweepGrace = time.Hour
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
}

// Stats is a point-in-time view of store counters.
type Stats struct {
	Hits           int64 `json:"hits"`
	Misses         int64 `json:"misses"`
	Fetches        int64 `json:"fetches"`
	Evictions      int64 `json:"evictions"`
	Swept          int64 `json:"swept"`
	PermanentItems int   `json:"permanent_items"`
	BoundedItems   int   `json:"bounded_items"`
	Pending        int   `json:"pending"`
}

// Store is the tiered cache. Permanent entries sit in an unbounded map
// mirrored to the backend; every other tier shares one LRU-bounded map.
// All maps and the flight table are guarded by mu.
type Store struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	permanent map[string]*Entry
	bounded   *simplelru.LRU[string, *Entry]
	flights   map[string]*flight
	stats     Stats
	closed    bool

	writer *writer
	grace  time.Duration
	stop   chan struct{}
	wg     sync.WaitGroup
}

// New builds a Store, loading every persisted entry from the backend.
// Backend load failures are logged and the store starts empty.
func New(ctx context.Context, opts Options) (*Store, error) {
	opts.applyDefaults()

	bounded, err := simplelru.NewLRU[string, *Entry](opts.MaxItems, nil)
	if err != nil {
		return nil, fmt.Errorf("create bounded map: %w", err)
	}

	s := &Store{
		clock:     opts.Clock,
		permanent: make(map[string]*Entry),
		bounded:   bounded,
		flights:   make(map[string]*flight),
		grace:     opts.SweepGrace,
		stop:      make(chan struct{}),
	}

	if opts.Backend != nil {
		s.load(ctx, opts.Backend)
		s.writer = newWriter(opts.Backend, opts.Clock, opts.FlushDelay)
	}

	if opts.SweepInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop(opts.SweepInterval)
	}
	return s, nil
}

func (s *Store) load(ctx context.Context, backend Backend) {
	start := time.Now()
	entries, err := backend.LoadAll(ctx)
	if err != nil {
		observ.Warn("tiered_store_load_failed", map[string]any{"error": err})
		observ.IncCounter("tiered_store_io_errors_total", map[string]string{"op": "load"})
		return
	}
	now := s.clock.Now()
	for _, e := range entries {
		if e.expired(now) {
			continue
		}
		e.Tier = Permanent
		s.permanent[e.Key] = e
	}
	observ.Log("tiered_store_loaded", map[string]any{
		"entries":     len(s.permanent),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	observ.SetGauge("tiered_store_permanent_items", float64(len(s.permanent)), nil)
}

// Get returns the value for key, checking the permanent map before the
// bounded one. Expired entries are removed and reported as missing.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key)
}

func (s *Store) getLocked(key string) (any, bool) {
	now := s.clock.Now()

	if e, ok := s.permanent[key]; ok {
		if e.expired(now) {
			delete(s.permanent, key)
			s.queueDelete(key)
		} else {
			return s.hit(e), true
		}
	}

	if e, ok := s.bounded.Get(key); ok {
		if !e.expired(now) {
			return s.hit(e), true
		}
		s.bounded.Remove(key)
	}

	s.stats.Misses++
	observ.IncCounter("tiered_store_misses_total", nil)
	return nil, false
}

func (s *Store) hit(e *Entry) any {
	e.HitCount++
	s.stats.Hits++
	observ.IncCounter("tiered_store_hits_total", map[string]string{"tier": e.Tier.String()})
	return e.Value
}

// Set stores value under key. The expiry is computed now from the tier, or
// from WithTTL when given.
func (s *Store) Set(key string, value any, tier Tier, opts ...SetOption) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, value, tier, applySetOptions(opts))
}

func (s *Store) setLocked(key string, value any, tier Tier, o setOptions) {
	now := s.clock.Now()
	e := &Entry{Key: key, Value: value, Tier: tier, CreatedAt: now}

	ttl := o.ttl
	if ttl <= 0 {
		ttl = tier.TTL(now)
	}
	if ttl > 0 {
		at := now.Add(ttl)
		e.ExpiresAt = &at
	}

	if tier == Permanent {
		s.bounded.Remove(key)
		s.permanent[key] = e
		s.queueSave(e)
		return
	}

	if _, ok := s.permanent[key]; ok {
		delete(s.permanent, key)
		s.queueDelete(key)
	}
	if evicted := s.bounded.Add(key, e); evicted {
		s.stats.Evictions++
		observ.IncCounter("tiered_store_evictions_total", nil)
	}
}

// GetOrFetch returns the cached value for key or runs fetch to produce it.
// Concurrent callers for the same key share one fetch and its outcome.
// The fetch is not cancelled when a caller's ctx is; a caller whose ctx ends
// stops waiting, and the fetch still settles for everyone else.
func (s *Store) GetOrFetch(ctx context.Context, key string, tier Tier, fetch func(context.Context) (any, error), opts ...SetOption) (any, error) {
	s.mu.Lock()
	if v, ok := s.getLocked(key); ok {
		s.mu.Unlock()
		return v, nil
	}

	f, inFlight := s.flights[key]
	if !inFlight {
		f = newFlight()
		s.flights[key] = f
		s.stats.Fetches++
		go s.runFlight(context.WithoutCancel(ctx), key, f, tier, fetch, applySetOptions(opts))
	} else {
		observ.IncCounter("tiered_store_coalesced_total", nil)
	}
	s.mu.Unlock()

	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Store) runFlight(ctx context.Context, key string, f *flight, tier Tier, fetch func(context.Context) (any, error), o setOptions) {
	value, err := safeFetch(ctx, fetch)

	s.mu.Lock()
	if err == nil {
		s.setLocked(key, value, tier, o)
	} else {
		observ.IncCounter("tiered_store_fetch_errors_total", nil)
	}
	f.value, f.err = value, err
	f.state = flightSettled
	delete(s.flights, key)
	s.mu.Unlock()

	close(f.done)
}

func safeFetch(ctx context.Context, fetch func(context.Context) (any, error)) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch panicked: %v", r)
		}
	}()
	return fetch(ctx)
}

// Pending reports whether a fetch for key is in flight.
func (s *Store) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.flights[key]
	return ok
}

// Invalidate removes key from both maps and from the backend.
func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidateLocked(key)
}

func (s *Store) invalidateLocked(key string) {
	if _, ok := s.permanent[key]; ok {
		delete(s.permanent, key)
		s.queueDelete(key)
	}
	s.bounded.Remove(key)
}

// InvalidatePattern removes every key matching re and returns the count.
func (s *Store) InvalidatePattern(re *regexp.Regexp) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for k := range s.permanent {
		if re.MatchString(k) {
			keys = append(keys, k)
		}
	}
	for _, k := range s.bounded.Keys() {
		if re.MatchString(k) {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		s.invalidateLocked(k)
	}
	if len(keys) > 0 {
		observ.Log("tiered_store_invalidated", map[string]any{"pattern": re.String(), "keys": len(keys)})
	}
	return len(keys)
}

// Sweep drops bounded entries that expired more than the grace period ago.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	removed := 0
	for _, k := range s.bounded.Keys() {
		e, ok := s.bounded.Peek(k)
		if ok && e.expiredFor(now, s.grace) {
			s.bounded.Remove(k)
			removed++
		}
	}
	s.stats.Swept += int64(removed)
	observ.SetGauge("tiered_store_bounded_items", float64(s.bounded.Len()), nil)
	if removed > 0 {
		observ.Log("tiered_store_swept", map[string]any{"removed": removed, "remaining": s.bounded.Len()})
	}
	return removed
}

func (s *Store) sweepLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			s.Sweep()
		case <-s.stop:
			return
		}
	}
}

// Stats returns a copy of the counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.PermanentItems = len(s.permanent)
	st.BoundedItems = s.bounded.Len()
	st.Pending = len(s.flights)
	return st
}

// Flush writes queued permanent changes to the backend and waits for it.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.writer == nil || s.closed {
		s.mu.Unlock()
		return nil
	}
	reply := s.writer.requestFlush()
	s.mu.Unlock()

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the sweeper, flushes pending writes and closes the backend.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()

	if s.writer != nil {
		return s.writer.close()
	}
	return nil
}

// queueSave and queueDelete expect s.mu to be held.
func (s *Store) queueSave(e *Entry) {
	if s.writer == nil || s.closed {
		return
	}
	s.writer.enqueue(writeOp{key: e.Key, entry: e.clone()})
}

func (s *Store) queueDelete(key string) {
	if s.writer == nil || s.closed {
		return
	}
	s.writer.enqueue(writeOp{key: key})
}
