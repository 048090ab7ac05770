package upstream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/marketcache/internal/adapters"
)

// Tuesday 10:00 New York time, regular session.
var sessionOpen = time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC)

type result struct {
	quotes map[string]adapters.Quote
	err    error
}

// failingProvider fails any BatchQuotes call that includes a listed symbol.
type failingProvider struct {
	*adapters.MockProvider
	fail map[string]error
}

func (p *failingProvider) BatchQuotes(ctx context.Context, symbols []string) (map[string]adapters.Quote, error) {
	quotes, err := p.MockProvider.BatchQuotes(ctx, symbols)
	for _, s := range symbols {
		if ferr, ok := p.fail[s]; ok {
			return nil, ferr
		}
	}
	return quotes, err
}

// gatedProvider holds every BatchQuotes call until release is closed.
type gatedProvider struct {
	*adapters.MockProvider
	release chan struct{}
}

func (p *gatedProvider) BatchQuotes(ctx context.Context, symbols []string) (map[string]adapters.Quote, error) {
	select {
	case <-p.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return p.MockProvider.BatchQuotes(ctx, symbols)
}

func newTestClient(t *testing.T, provider adapters.Provider, opts Options) (*Client, *clockwork.FakeClock) {
	t.Helper()
	fc := clockwork.NewFakeClockAt(sessionOpen)
	opts.Clock = fc
	c := New(provider, opts)
	t.Cleanup(func() { _ = c.Close() })
	return c, fc
}

func batchAsync(c *Client, symbols ...string) <-chan result {
	ch := make(chan result, 1)
	go func() {
		q, err := c.GetBatchQuotes(context.Background(), symbols)
		ch <- result{q, err}
	}()
	return ch
}

func TestClient_BatchDedupAcrossCallers(t *testing.T) {
	mock := adapters.NewMockProvider()
	c, fc := newTestClient(t, mock, Options{})

	first := batchAsync(c, "AAPL", "MSFT")
	second := batchAsync(c, "AAPL")
	require.Eventually(t, func() bool { return c.batch.queued() == 2 }, time.Second, time.Millisecond)

	fc.Advance(100 * time.Millisecond)
	r1, r2 := <-first, <-second

	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.Len(t, r1.quotes, 2)
	assert.Len(t, r2.quotes, 1)
	assert.Equal(t, r1.quotes["AAPL"], r2.quotes["AAPL"])

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.ElementsMatch(t, []string{"AAPL", "MSFT"}, calls[0].Symbols)
}

func TestClient_DuplicateSymbolsInOneRequest(t *testing.T) {
	mock := adapters.NewMockProvider()
	c, fc := newTestClient(t, mock, Options{})

	res := batchAsync(c, "AAPL", "MSFT", "aapl")
	require.Eventually(t, func() bool { return c.batch.queued() == 1 }, time.Second, time.Millisecond)
	fc.Advance(100 * time.Millisecond)

	r := <-res
	require.NoError(t, r.err)
	assert.Len(t, r.quotes, 2)
	assert.Equal(t, []string{"AAPL", "MSFT"}, mock.Calls()[0].Symbols)
}

func TestClient_CachedQuotesSkipNetwork(t *testing.T) {
	mock := adapters.NewMockProvider()
	c, fc := newTestClient(t, mock, Options{})

	res := batchAsync(c, "AAPL")
	require.Eventually(t, func() bool { return c.batch.queued() == 1 }, time.Second, time.Millisecond)
	fc.Advance(100 * time.Millisecond)
	require.NoError(t, (<-res).err)

	q, err := c.GetQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", q.Symbol)
	assert.Equal(t, 1, mock.CallCount("BatchQuotes"))
	assert.Equal(t, int64(1), c.Stats().QuoteCache.Hits)

	fc.Advance(61 * time.Second)
	res = batchAsync(c, "AAPL")
	require.Eventually(t, func() bool { return c.batch.queued() == 1 }, time.Second, time.Millisecond)
	fc.Advance(100 * time.Millisecond)
	require.NoError(t, (<-res).err)
	assert.Equal(t, 2, mock.CallCount("BatchQuotes"), "expired quote is fetched again")
}

func TestClient_InFlightSymbolsAreNotRequeued(t *testing.T) {
	mock := adapters.NewMockProvider()
	gated := &gatedProvider{MockProvider: mock, release: make(chan struct{})}
	c, fc := newTestClient(t, gated, Options{})

	first := batchAsync(c, "AAPL")
	require.Eventually(t, func() bool { return c.batch.queued() == 1 }, time.Second, time.Millisecond)
	fc.Advance(100 * time.Millisecond)
	require.Eventually(t, func() bool { return c.batch.inFlight() == 1 }, time.Second, time.Millisecond)

	// AAPL rides the running call, only MSFT opens a new window.
	second := batchAsync(c, "AAPL", "MSFT")
	require.Eventually(t, func() bool { return c.batch.queued() == 1 }, time.Second, time.Millisecond)
	fc.Advance(100 * time.Millisecond)
	require.Eventually(t, func() bool { return c.batch.inFlight() == 2 }, time.Second, time.Millisecond)

	close(gated.release)
	r1, r2 := <-first, <-second
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.Equal(t, r1.quotes["AAPL"], r2.quotes["AAPL"])
	assert.Contains(t, r2.quotes, "MSFT")

	var requested []string
	for _, call := range mock.Calls() {
		requested = append(requested, call.Symbols...)
	}
	assert.ElementsMatch(t, []string{"AAPL", "MSFT"}, requested)
	assert.Equal(t, 0, c.batch.inFlight())
}

func TestClient_RefreshQuotesSkipsCache(t *testing.T) {
	mock := adapters.NewMockProvider()
	c, fc := newTestClient(t, mock, Options{})

	res := batchAsync(c, "AAPL")
	require.Eventually(t, func() bool { return c.batch.queued() == 1 }, time.Second, time.Millisecond)
	fc.Advance(100 * time.Millisecond)
	require.NoError(t, (<-res).err)

	ch := make(chan result, 1)
	go func() {
		q, err := c.RefreshQuotes(context.Background(), []string{"AAPL"})
		ch <- result{q, err}
	}()
	require.Eventually(t, func() bool { return c.batch.queued() == 1 }, time.Second, time.Millisecond)
	fc.Advance(100 * time.Millisecond)
	r := <-ch
	require.NoError(t, r.err)
	assert.Contains(t, r.quotes, "AAPL")
	assert.Equal(t, 2, mock.CallCount("BatchQuotes"))
}

func TestClient_Chunking(t *testing.T) {
	mock := adapters.NewMockProvider()
	c, fc := newTestClient(t, mock, Options{MaxSymbolsPerCall: 2})

	res := batchAsync(c, "AAPL", "MSFT", "NVDA", "SPY", "BTC")
	require.Eventually(t, func() bool { return c.batch.queued() == 1 }, time.Second, time.Millisecond)
	fc.Advance(100 * time.Millisecond)

	r := <-res
	require.NoError(t, r.err)
	assert.Len(t, r.quotes, 5)

	calls := mock.Calls()
	require.Len(t, calls, 3)
	var all []string
	for _, call := range calls {
		assert.LessOrEqual(t, len(call.Symbols), 2)
		all = append(all, call.Symbols...)
	}
	assert.ElementsMatch(t, []string{"AAPL", "MSFT", "NVDA", "SPY", "BTC"}, all)
}

func TestClient_PartialChunkFailure(t *testing.T) {
	boom := adapters.NewHTTPStatusError("MSFT", 502, "bad gateway")
	provider := &failingProvider{MockProvider: adapters.NewMockProvider(), fail: map[string]error{"MSFT": boom}}
	c, fc := newTestClient(t, provider, Options{MaxSymbolsPerCall: 1})

	onlyGood := batchAsync(c, "AAPL")
	touchesBad := batchAsync(c, "MSFT", "NVDA")
	overlap := batchAsync(c, "NVDA")
	require.Eventually(t, func() bool { return c.batch.queued() == 3 }, time.Second, time.Millisecond)
	fc.Advance(100 * time.Millisecond)

	r := <-onlyGood
	require.NoError(t, r.err)
	assert.Contains(t, r.quotes, "AAPL")

	r = <-touchesBad
	require.Error(t, r.err)
	assert.Equal(t, adapters.ErrTypeHTTPStatus, adapters.ErrorType(r.err))

	r = <-overlap
	require.NoError(t, r.err)
	assert.Contains(t, r.quotes, "NVDA")

	assert.Equal(t, int64(1), c.Stats().Errors)
}

func TestClient_UnknownSymbol(t *testing.T) {
	mock := adapters.NewMockProvider()
	c, fc := newTestClient(t, mock, Options{})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.GetQuote(context.Background(), "ZZZZ")
		errCh <- err
	}()
	require.Eventually(t, func() bool { return c.batch.queued() == 1 }, time.Second, time.Millisecond)
	fc.Advance(100 * time.Millisecond)

	err := <-errCh
	assert.True(t, adapters.IsNotFound(err))
	assert.Equal(t, int64(1), c.Stats().BadSymbols)

	_, err = c.GetQuote(context.Background(), "NOT A SYMBOL")
	assert.True(t, adapters.IsNotFound(err))
}

func TestClient_RateCeilingWaitsForWindow(t *testing.T) {
	mock := adapters.NewMockProvider()
	c, fc := newTestClient(t, mock, Options{RequestsPerMinute: 2})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 3; i++ {
			_, err := c.Movers(context.Background(), adapters.MoversGainers)
			assert.NoError(t, err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	assert.Equal(t, 2, mock.CallCount("Movers"), "third call waits at the ceiling")

	fc.Advance(time.Minute)
	wg.Wait()

	assert.Equal(t, 3, mock.CallCount("Movers"))
	st := c.Stats().RateWindow
	assert.Equal(t, int64(1), st.Waits)
	assert.Equal(t, 1, st.Used)
}

func TestRateWindow_FixedMinuteBoundary(t *testing.T) {
	fc := clockwork.NewFakeClockAt(sessionOpen.Add(50 * time.Second))
	w := NewRateWindow(1, fc)
	ctx := context.Background()

	_, err := w.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, sessionOpen.Add(time.Minute), w.Stats().ResetAt)

	done := make(chan time.Duration, 1)
	go func() {
		waited, _ := w.Acquire(ctx)
		done <- waited
	}()

	bctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, fc.BlockUntilContext(bctx, 1))
	fc.Advance(10 * time.Second)

	assert.Equal(t, 10*time.Second, <-done, "waits only until the wall-clock minute, not a full minute")
}

func TestRateWindow_ContextCancelled(t *testing.T) {
	fc := clockwork.NewFakeClockAt(sessionOpen)
	w := NewRateWindow(1, fc)
	_, err := w.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = w.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_CloseRejectsQueued(t *testing.T) {
	mock := adapters.NewMockProvider()
	fc := clockwork.NewFakeClockAt(sessionOpen)
	c := New(mock, Options{Clock: fc})

	res := batchAsync(c, "AAPL")
	require.Eventually(t, func() bool { return c.batch.queued() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, c.Close())

	assert.ErrorIs(t, (<-res).err, ErrClosed)
	assert.Equal(t, 0, mock.CallCount("BatchQuotes"))
}
