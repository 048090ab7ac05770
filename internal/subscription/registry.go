package subscription

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Rajchodisetti/marketcache/internal/adapters"
	"github.com/Rajchodisetti/marketcache/internal/config"
	"github.com/Rajchodisetti/marketcache/internal/observ"
)

// EventType names what a registry event carries
type EventType string

const (
	// EventInitialData carries first values for symbols a connection just added
	EventInitialData EventType = "initial_data"
	// EventUpdate carries a refreshed quote for one symbol
	EventUpdate EventType = "update"
	// EventSymbolRemoved means no connection tracks the symbol anymore
	EventSymbolRemoved EventType = "symbol_removed"
	// EventFetchFailed reports a failed initial fetch to its connection
	EventFetchFailed EventType = "fetch_failed"
)

// Event is emitted for a transport to forward. ConnectionIDs lists the
// interested connections at emit time.
type Event struct {
	Type          EventType                 `json:"type"`
	ConnectionIDs []string                  `json:"-"`
	Symbol        string                    `json:"symbol,omitempty"`
	Quotes        map[string]adapters.Quote `json:"quotes,omitempty"`
	Error         string                    `json:"error,omitempty"`
	At            time.Time                 `json:"at"`
}

// Fetcher loads quotes for symbols
type Fetcher func(ctx context.Context, symbols []string) (map[string]adapters.Quote, error)

// Subscription is one connection's interest set
type Subscription struct {
	ConnectionID   string
	OwnerID        string
	Symbols        map[string]struct{}
	LastActivityAt time.Time
}

// Options configures a Registry
type Options struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration // negative disables the sweeper
	EventBuffer   int
	Clock         clockwork.Clock
	// Refresh serves Registry.Refresh. Defaults to the subscribe fetcher.
	Refresh Fetcher
}

func OptionsFromConfig(cfg config.Subscriptions) Options {
	return Options{
		IdleTimeout:   cfg.IdleTimeout(),
		SweepInterval: cfg.SweepInterval(),
		EventBuffer:   cfg.EventBuffer,
	}
}

// Registry tracks which connections want which symbols, with a reverse
// index from symbol to connection ids. It knows nothing about transport.
type Registry struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	fetch    Fetcher
	refresh  Fetcher
	subs     map[string]*Subscription
	bySymbol map[string]map[string]struct{}
	idle     time.Duration
	closed   bool

	events  chan Event
	dropped int64

	inflight  sync.WaitGroup
	stop      chan struct{}
	stopOnce  sync.Once
	sweepDone chan struct{}
}

func New(fetch Fetcher, opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 10 * time.Minute
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = 5 * time.Minute
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 1024
	}
	if opts.Refresh == nil {
		opts.Refresh = fetch
	}

	r := &Registry{
		clock:     opts.Clock,
		fetch:     fetch,
		refresh:   opts.Refresh,
		subs:      make(map[string]*Subscription),
		bySymbol:  make(map[string]map[string]struct{}),
		idle:      opts.IdleTimeout,
		events:    make(chan Event, opts.EventBuffer),
		stop:      make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		go r.sweepLoop(opts.SweepInterval)
	} else {
		close(r.sweepDone)
	}
	return r
}

// Events is closed by Close.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// Subscribe merges symbols into the connection's subscription, creating it
// if needed, and fetches initial values for the symbols that are new to the
// connection. It returns those new symbols.
func (r *Registry) Subscribe(ctx context.Context, ownerID, connectionID string, symbols []string) []string {
	var added []string

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	sub, ok := r.subs[connectionID]
	if !ok {
		sub = &Subscription{ConnectionID: connectionID, OwnerID: ownerID, Symbols: make(map[string]struct{})}
	}
	for _, s := range adapters.NormalizeSymbols(symbols) {
		if adapters.ValidateSymbol(s) != nil {
			continue
		}
		if _, have := sub.Symbols[s]; have {
			continue
		}
		sub.Symbols[s] = struct{}{}
		conns, tracked := r.bySymbol[s]
		if !tracked {
			conns = make(map[string]struct{})
			r.bySymbol[s] = conns
		}
		conns[connectionID] = struct{}{}
		added = append(added, s)
	}
	sub.LastActivityAt = r.clock.Now()
	if len(sub.Symbols) > 0 {
		r.subs[connectionID] = sub
	}
	if len(added) > 0 {
		r.inflight.Add(1)
	}
	r.gaugesLocked()
	r.mu.Unlock()

	if len(added) == 0 {
		return nil
	}

	observ.Log("subscription_added", map[string]any{
		"connection": connectionID,
		"owner":      ownerID,
		"symbols":    added,
	})
	go r.initialFetch(context.WithoutCancel(ctx), connectionID, added)
	return added
}

func (r *Registry) initialFetch(ctx context.Context, connectionID string, symbols []string) {
	defer r.inflight.Done()

	quotes, err := r.fetch(ctx, symbols)
	if err != nil {
		observ.Warn("subscription_initial_fetch_failed", map[string]any{"connection": connectionID, "error": err})
		r.emit(Event{Type: EventFetchFailed, ConnectionIDs: []string{connectionID}, Error: err.Error(), At: r.clock.Now()})
		return
	}
	r.emit(Event{Type: EventInitialData, ConnectionIDs: []string{connectionID}, Quotes: quotes, At: r.clock.Now()})
}

// Unsubscribe removes the given symbols, or all of them when none are given.
// A subscription left empty is deleted.
func (r *Registry) Unsubscribe(connectionID string, symbols ...string) {
	r.mu.Lock()
	removed := r.unsubscribeLocked(connectionID, symbols)
	r.mu.Unlock()

	for _, s := range removed {
		r.emit(Event{Type: EventSymbolRemoved, Symbol: s, At: r.clock.Now()})
	}
}

// unsubscribeLocked returns symbols that no connection tracks anymore.
func (r *Registry) unsubscribeLocked(connectionID string, symbols []string) []string {
	sub, ok := r.subs[connectionID]
	if !ok {
		return nil
	}
	if len(symbols) == 0 {
		for s := range sub.Symbols {
			symbols = append(symbols, s)
		}
	} else {
		symbols = adapters.NormalizeSymbols(symbols)
	}

	var untracked []string
	for _, s := range symbols {
		if _, have := sub.Symbols[s]; !have {
			continue
		}
		delete(sub.Symbols, s)
		conns := r.bySymbol[s]
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(r.bySymbol, s)
			untracked = append(untracked, s)
		}
	}
	sub.LastActivityAt = r.clock.Now()
	if len(sub.Symbols) == 0 {
		delete(r.subs, connectionID)
	}
	r.gaugesLocked()
	return untracked
}

// Touch records activity on a connection.
func (r *Registry) Touch(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[connectionID]; ok {
		sub.LastActivityAt = r.clock.Now()
	}
}

// Refresh fetches every tracked symbol once and emits one update per symbol.
func (r *Registry) Refresh(ctx context.Context) error {
	symbols := r.Symbols()
	if len(symbols) == 0 {
		return nil
	}

	quotes, err := r.refresh(ctx, symbols)
	if err != nil {
		observ.Warn("subscription_refresh_failed", map[string]any{"symbols": len(symbols), "error": err})
		return err
	}

	now := r.clock.Now()
	for _, s := range symbols {
		q, ok := quotes[s]
		if !ok {
			continue
		}
		conns := r.connectionsFor(s)
		if len(conns) == 0 {
			continue
		}
		r.emit(Event{
			Type:          EventUpdate,
			ConnectionIDs: conns,
			Symbol:        s,
			Quotes:        map[string]adapters.Quote{s: q},
			At:            now,
		})
	}
	observ.IncCounter("subscription_refresh_total", nil)
	return nil
}

func (r *Registry) connectionsFor(symbol string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.bySymbol[symbol]
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Sweep drops subscriptions idle longer than the timeout and returns how
// many were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	now := r.clock.Now()
	var stale []string
	for id, sub := range r.subs {
		if now.Sub(sub.LastActivityAt) > r.idle {
			stale = append(stale, id)
		}
	}
	var untracked []string
	for _, id := range stale {
		untracked = append(untracked, r.unsubscribeLocked(id, nil)...)
	}
	r.mu.Unlock()

	for _, s := range untracked {
		r.emit(Event{Type: EventSymbolRemoved, Symbol: s, At: now})
	}
	if len(stale) > 0 {
		observ.Log("subscription_idle_swept", map[string]any{"connections": len(stale), "symbols_untracked": len(untracked)})
		observ.IncCounterBy("subscription_idle_swept_total", nil, int64(len(stale)))
	}
	return len(stale)
}

func (r *Registry) sweepLoop(interval time.Duration) {
	defer close(r.sweepDone)
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			r.Sweep()
		case <-r.stop:
			return
		}
	}
}

// emit never blocks; events are dropped when the buffer is full.
func (r *Registry) emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.events <- ev:
	default:
		r.dropped++
		observ.IncCounter("subscription_events_dropped_total", map[string]string{"type": string(ev.Type)})
	}
}

// Symbols returns every tracked symbol, sorted.
func (r *Registry) Symbols() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.bySymbol))
	for s := range r.bySymbol {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ConnectionSymbols returns one connection's symbols, sorted.
func (r *Registry) ConnectionSymbols(connectionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[connectionID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(sub.Symbols))
	for s := range sub.Symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of live subscriptions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Dropped returns how many events were discarded on a full buffer.
func (r *Registry) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Registry) gaugesLocked() {
	observ.SetGauge("subscription_connections", float64(len(r.subs)), nil)
	observ.SetGauge("subscription_symbols", float64(len(r.bySymbol)), nil)
}

// Close stops the sweeper, waits for initial fetches and closes Events.
// Events raised after Close are discarded.
func (r *Registry) Close() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()

		close(r.stop)
		<-r.sweepDone
		r.inflight.Wait()
		close(r.events)
	})
}
