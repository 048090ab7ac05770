package upstream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Rajchodisetti/marketcache/internal/adapters"
	"github.com/Rajchodisetti/marketcache/internal/observ"
)

// ErrClosed is returned to callers still queued when the client closes.
var ErrClosed = errors.New("upstream: client closed")

// pendingFlush is one batch: first an open window collecting symbols, then
// an upstream call in flight, then a settled outcome.
type pendingFlush struct {
	symbols []string
	seen    map[string]struct{}
	waiters int
	done    chan struct{}
	outcome batchOutcome
	err     error
}

func newPendingFlush() *pendingFlush {
	return &pendingFlush{seen: make(map[string]struct{}), done: make(chan struct{})}
}

func (f *pendingFlush) add(symbol string) {
	if _, dup := f.seen[symbol]; dup {
		return
	}
	f.seen[symbol] = struct{}{}
	f.symbols = append(f.symbols, symbol)
}

// batchOutcome is the merged result of one flush. failed maps a symbol to
// the error of the chunk that carried it.
type batchOutcome struct {
	quotes map[string]adapters.Quote
	failed map[string]error
}

// batcher collects symbol requests for delay after the first one arrives,
// then hands the deduplicated union to flush in a single pass. A symbol whose
// flush is already in flight is not queued again; later callers wait on that
// flush instead.
type batcher struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	delay    time.Duration
	window   *pendingFlush
	inflight map[string]*pendingFlush
	timer    clockwork.Timer
	closed   bool
	flush    func(ctx context.Context, symbols []string) batchOutcome
}

func newBatcher(clock clockwork.Clock, delay time.Duration, flush func(context.Context, []string) batchOutcome) *batcher {
	return &batcher{clock: clock, delay: delay, flush: flush, inflight: make(map[string]*pendingFlush)}
}

// request queues symbols and waits for every flush that carries them.
// Leaving early on ctx does not remove the symbols from the window.
func (b *batcher) request(ctx context.Context, symbols []string) (map[string]adapters.Quote, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	parts := make(map[*pendingFlush][]string)
	var order []*pendingFlush
	for _, s := range symbols {
		f, ok := b.inflight[s]
		if !ok {
			if b.window == nil {
				b.window = newPendingFlush()
				b.timer = b.clock.AfterFunc(b.delay, b.fire)
			}
			f = b.window
			f.add(s)
		}
		if _, seen := parts[f]; !seen {
			order = append(order, f)
		}
		parts[f] = append(parts[f], s)
	}
	if w := b.window; w != nil {
		if _, joined := parts[w]; joined {
			w.waiters++
		}
	}
	b.mu.Unlock()

	out := make(map[string]adapters.Quote, len(symbols))
	for _, f := range order {
		select {
		case <-f.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if f.err != nil {
			return nil, f.err
		}
		quotes, err := f.outcome.resolve(parts[f])
		if err != nil {
			return nil, err
		}
		for s, q := range quotes {
			out[s] = q
		}
	}
	return out, nil
}

// queued reports how many callers wait on the open window
func (b *batcher) queued() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.window == nil {
		return 0
	}
	return b.window.waiters
}

// inFlight reports how many symbols have an upstream call running
func (b *batcher) inFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inflight)
}

func (b *batcher) fire() {
	b.mu.Lock()
	f := b.window
	b.window = nil
	b.timer = nil
	if f == nil || b.closed {
		b.mu.Unlock()
		return
	}
	for _, s := range f.symbols {
		b.inflight[s] = f
	}
	b.mu.Unlock()

	observ.Log("upstream_batch_flushed", map[string]any{
		"waiters": f.waiters,
		"symbols": len(f.symbols),
	})
	observ.Observe("upstream_batch_symbols", float64(len(f.symbols)), nil)

	f.outcome = b.flush(context.Background(), f.symbols)

	b.mu.Lock()
	for _, s := range f.symbols {
		if b.inflight[s] == f {
			delete(b.inflight, s)
		}
	}
	b.mu.Unlock()
	close(f.done)
}

// resolve builds one caller's view. Any failed chunk touching the caller's
// symbols rejects the whole request; symbols absent from a successful chunk
// are simply missing.
func (o batchOutcome) resolve(symbols []string) (map[string]adapters.Quote, error) {
	out := make(map[string]adapters.Quote, len(symbols))
	for _, s := range symbols {
		if err, ok := o.failed[s]; ok {
			return nil, err
		}
		if q, ok := o.quotes[s]; ok {
			out[s] = q
		}
	}
	return out, nil
}

// close rejects callers waiting on the open window. Flushes already in
// flight still settle.
func (b *batcher) close() {
	b.mu.Lock()
	f := b.window
	b.window = nil
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	if f != nil {
		f.err = ErrClosed
		close(f.done)
	}
}
