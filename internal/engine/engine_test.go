package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/marketcache/internal/adapters"
	"github.com/Rajchodisetti/marketcache/internal/config"
	"github.com/Rajchodisetti/marketcache/internal/cooldown"
	"github.com/Rajchodisetti/marketcache/internal/store"
	"github.com/Rajchodisetti/marketcache/internal/subscription"
)

// Tuesday 10:00 New York time, regular session.
var sessionOpen = time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC)

func testConfig() config.Root {
	cfg := config.Default()
	cfg.Store.Backend = "none"
	cfg.Upstream.BatchDelayMs = 1
	return cfg
}

func newTestEngine(t *testing.T, provider adapters.Provider, opts ...Option) (*Engine, *clockwork.FakeClock) {
	t.Helper()
	fc := clockwork.NewFakeClockAt(sessionOpen)
	opts = append([]Option{WithClock(fc)}, opts...)
	e, err := New(context.Background(), testConfig(), provider, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, fc
}

// await runs fn in the background and nudges the fake clock until it
// returns, which lets the batch window timer fire.
func await[T any](t *testing.T, fc *clockwork.FakeClock, fn func() T) T {
	t.Helper()
	ch := make(chan T, 1)
	go func() { ch <- fn() }()
	var out T
	require.Eventually(t, func() bool {
		select {
		case out = <-ch:
			return true
		default:
			fc.Advance(time.Millisecond)
			return false
		}
	}, 2*time.Second, 2*time.Millisecond)
	return out
}

func quote(t *testing.T, e *Engine, fc *clockwork.FakeClock, symbol string) Result[adapters.Quote] {
	return await(t, fc, func() Result[adapters.Quote] {
		return e.GetQuote(context.Background(), symbol)
	})
}

func TestEngine_QuoteServedFromStore(t *testing.T) {
	mock := adapters.NewMockProvider()
	e, fc := newTestEngine(t, mock)

	first := quote(t, e, fc, "aapl")
	require.Equal(t, StateFresh, first.State)
	assert.Equal(t, "AAPL", first.Value.Symbol)
	assert.InDelta(t, 206.80, first.Value.Price, 0.001)

	second := e.GetQuote(context.Background(), "AAPL")
	require.Equal(t, StateFresh, second.State)
	assert.Equal(t, first.Value.Price, second.Value.Price)
	assert.Equal(t, 1, mock.CallCount("BatchQuotes"))

	st := e.Stats()
	assert.EqualValues(t, 1, st.Store.Hits)
}

func TestEngine_QuoteRejectsInvalidSymbol(t *testing.T) {
	mock := adapters.NewMockProvider()
	e, _ := newTestEngine(t, mock)

	res := e.GetQuote(context.Background(), "not a symbol!")
	assert.Equal(t, StateMissing, res.State)
	assert.True(t, adapters.IsNotFound(res.Err))
	assert.Zero(t, mock.CallCount("BatchQuotes"))
}

func TestEngine_QuoteUnknownSymbolIsMissing(t *testing.T) {
	mock := adapters.NewMockProvider()
	e, fc := newTestEngine(t, mock)

	res := quote(t, e, fc, "ZZZZ")
	assert.Equal(t, StateMissing, res.State)
	assert.False(t, res.OK())
	assert.True(t, adapters.IsNotFound(res.Err))
}

func TestEngine_QuoteFallsBackToLastKnown(t *testing.T) {
	mock := adapters.NewMockProvider()
	e, fc := newTestEngine(t, mock)

	first := quote(t, e, fc, "MSFT")
	require.Equal(t, StateFresh, first.State)

	fc.Advance(2 * time.Minute)
	mock.FailWith(adapters.NewNetworkError("MSFT", "connection reset", errors.New("reset")))

	res := quote(t, e, fc, "MSFT")
	require.Equal(t, StateStale, res.State)
	assert.Equal(t, first.Value.Price, res.Value.Price)
	assert.Equal(t, sessionOpen, res.AsOf.UTC().Truncate(time.Second))
}

func TestEngine_BatchMixesCachedAndFetched(t *testing.T) {
	mock := adapters.NewMockProvider()
	e, fc := newTestEngine(t, mock)

	require.Equal(t, StateFresh, quote(t, e, fc, "AAPL").State)

	res := await(t, fc, func() Result[map[string]adapters.Quote] {
		return e.GetBatchQuotes(context.Background(), []string{"AAPL", "nvda", "ZZZZ", "NVDA"})
	})
	require.Equal(t, StateFresh, res.State)
	assert.Len(t, res.Value, 2)
	assert.Contains(t, res.Value, "AAPL")
	assert.Contains(t, res.Value, "NVDA")

	calls := mock.Calls()
	require.Len(t, calls, 2)
	assert.ElementsMatch(t, []string{"NVDA", "ZZZZ"}, calls[1].Symbols)
}

func TestEngine_BatchWithoutFallbackIsMissing(t *testing.T) {
	mock := adapters.NewMockProvider()
	mock.FailWith(adapters.NewHTTPStatusError("", 503, "unavailable"))
	e, fc := newTestEngine(t, mock)

	res := await(t, fc, func() Result[map[string]adapters.Quote] {
		return e.GetBatchQuotes(context.Background(), []string{"AAPL", "SPY"})
	})
	assert.Equal(t, StateMissing, res.State)
	assert.Error(t, res.Err)
}

func TestEngine_MoversStaleAfterCooldown(t *testing.T) {
	mock := adapters.NewMockProvider()
	e, fc := newTestEngine(t, mock)
	ctx := context.Background()

	res := e.Movers(ctx, adapters.MoversGainers)
	require.Equal(t, StateFresh, res.State)
	require.NotEmpty(t, res.Value)
	assert.Equal(t, "NVDA", res.Value[0].Symbol)

	again := e.Movers(ctx, adapters.MoversGainers)
	assert.Equal(t, StateFresh, again.State)
	assert.Equal(t, 1, mock.CallCount("Movers"))

	fc.Advance(2 * time.Hour)
	mock.FailWith(adapters.NewRateLimitError("", "limit reached"))

	stale := e.Movers(ctx, adapters.MoversGainers)
	require.Equal(t, StateStale, stale.State)
	assert.Equal(t, res.Value, stale.Value)
	assert.Equal(t, 2, mock.CallCount("Movers"))
}

func TestEngine_MoversWithoutDataIsMissing(t *testing.T) {
	mock := adapters.NewMockProvider()
	mock.FailWith(adapters.NewRateLimitError("", "limit reached"))
	e, _ := newTestEngine(t, mock)

	res := e.Movers(context.Background(), adapters.MoversLosers)
	require.Equal(t, StateMissing, res.State)
	assert.ErrorIs(t, res.Err, cooldown.ErrNoData)
	assert.Equal(t, "rate_limit", adapters.ErrorType(res.Err))
}

func TestEngine_HistoryAndNewsAreCached(t *testing.T) {
	mock := adapters.NewMockProvider()
	e, _ := newTestEngine(t, mock)
	ctx := context.Background()
	from := sessionOpen.AddDate(0, 0, -10)

	h := e.History(ctx, "aapl", from, sessionOpen)
	require.Equal(t, StateFresh, h.State)
	require.NotEmpty(t, h.Value)
	e.History(ctx, "AAPL", from, sessionOpen)
	assert.Equal(t, 1, mock.CallCount("History"))

	n := e.News(ctx, []string{"MSFT", "AAPL"}, 5)
	require.Equal(t, StateFresh, n.State)
	e.News(ctx, []string{"aapl", "msft"}, 5)
	assert.Equal(t, 1, mock.CallCount("News"))
}

func TestEngine_ProfileFallsBackToPermanentTier(t *testing.T) {
	dir := t.TempDir()
	backend := store.NewFileBackend(dir)

	mock := adapters.NewMockProvider()
	e, _ := newTestEngine(t, mock, WithBackend(backend))
	res := e.Profile(context.Background(), "AAPL")
	require.Equal(t, StateFresh, res.State)
	require.NotNil(t, res.Value)
	assert.Equal(t, "Apple Inc.", res.Value.CompanyName)
	require.NoError(t, e.Close())

	failing := adapters.NewMockProvider()
	failing.FailWith(adapters.NewNetworkError("AAPL", "dial tcp", errors.New("refused")))
	restarted, _ := newTestEngine(t, failing, WithBackend(store.NewFileBackend(dir)))

	res = restarted.Profile(context.Background(), "AAPL")
	require.Equal(t, StateStale, res.State)
	require.NotNil(t, res.Value)
	assert.Equal(t, "Apple Inc.", res.Value.CompanyName)
}

func TestEngine_ProfileUnknownSymbol(t *testing.T) {
	e, _ := newTestEngine(t, adapters.NewMockProvider())

	res := e.Profile(context.Background(), "QQQQ")
	assert.Equal(t, StateMissing, res.State)
	assert.True(t, adapters.IsNotFound(res.Err))
}

func nextEvent(t *testing.T, e *Engine, fc *clockwork.FakeClock) subscription.Event {
	t.Helper()
	var ev subscription.Event
	require.Eventually(t, func() bool {
		select {
		case ev = <-e.Events():
			return true
		default:
			fc.Advance(time.Millisecond)
			return false
		}
	}, 2*time.Second, 2*time.Millisecond)
	return ev
}

func TestEngine_SubscriptionRefreshesOnTick(t *testing.T) {
	mock := adapters.NewMockProvider()
	e, fc := newTestEngine(t, mock)

	added := e.Subscribe(context.Background(), "user-1", "conn-1", []string{"aapl"})
	assert.Equal(t, []string{"AAPL"}, added)

	ev := nextEvent(t, e, fc)
	assert.Equal(t, subscription.EventInitialData, ev.Type)
	assert.Equal(t, []string{"conn-1"}, ev.ConnectionIDs)
	assert.Contains(t, ev.Quotes, "AAPL")
	assert.Equal(t, 1, e.Stats().SyncSubscribers)

	fc.Advance(time.Minute)
	ev = nextEvent(t, e, fc)
	assert.Equal(t, subscription.EventUpdate, ev.Type)
	assert.Equal(t, "AAPL", ev.Symbol)
	assert.Equal(t, []string{"conn-1"}, ev.ConnectionIDs)

	e.Unsubscribe("conn-1")
	assert.Zero(t, e.Stats().SyncSubscribers)
	assert.Zero(t, e.Stats().Subscriptions)
}

func TestEngine_TickRefreshBypassesFreshStore(t *testing.T) {
	mock := adapters.NewMockProvider()
	e, fc := newTestEngine(t, mock)
	e.store.Set(quoteKey("AAPL"), adapters.Quote{Symbol: "AAPL", Price: 1}, store.Realtime, store.WithTTL(time.Hour))

	e.Subscribe(context.Background(), "user-1", "conn-1", []string{"AAPL"})
	ev := nextEvent(t, e, fc)
	require.Equal(t, subscription.EventInitialData, ev.Type)
	assert.InDelta(t, 1, ev.Quotes["AAPL"].Price, 0.001)
	assert.Zero(t, mock.CallCount("BatchQuotes"))

	fc.Advance(time.Minute)
	ev = nextEvent(t, e, fc)
	require.Equal(t, subscription.EventUpdate, ev.Type)
	assert.InDelta(t, 206.80, ev.Quotes["AAPL"].Price, 0.001)
	assert.Equal(t, 1, mock.CallCount("BatchQuotes"))

	res := e.GetQuote(context.Background(), "AAPL")
	require.Equal(t, StateFresh, res.State)
	assert.InDelta(t, 206.80, res.Value.Price, 0.001, "tick result is written through")
}

func TestEngine_ConcurrentSubscribeKeepsRefreshInStep(t *testing.T) {
	mock := adapters.NewMockProvider()
	e, _ := newTestEngine(t, mock)
	e.store.Set(quoteKey("AAPL"), adapters.Quote{Symbol: "AAPL", Price: 1}, store.Realtime, store.WithTTL(time.Hour))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := fmt.Sprintf("conn-%d", i)
			for j := 0; j < 50; j++ {
				e.Subscribe(ctx, "user", conn, []string{"AAPL"})
				e.Unsubscribe(conn)
			}
		}(i)
	}
	wg.Wait()

	st := e.Stats()
	assert.Zero(t, st.Subscriptions)
	assert.Zero(t, st.SyncSubscribers)

	e.Subscribe(ctx, "user", "conn-last", []string{"AAPL"})
	assert.Equal(t, 1, e.Stats().SyncSubscribers)
	assert.Zero(t, mock.CallCount("BatchQuotes"))
}

func TestEngine_CloseIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, adapters.NewMockProvider())
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
}

func TestEngine_EndpointGetSet(t *testing.T) {
	mock := adapters.NewMockProvider()
	e, _ := newTestEngine(t, mock)

	_, ok := e.CachedEndpoint("movers:gainers")
	assert.False(t, ok)

	seeded := []adapters.Mover{{Symbol: "SPY", ChangePercent: 1.5}}
	e.StoreEndpoint("movers:gainers", seeded, cooldown.CategoryMovers)

	v, ok := e.CachedEndpoint("movers:gainers")
	require.True(t, ok)
	assert.Equal(t, seeded, v)

	res := e.Movers(context.Background(), adapters.MoversGainers)
	require.Equal(t, StateFresh, res.State)
	assert.Equal(t, seeded, res.Value)
	assert.Zero(t, mock.CallCount("Movers"))
}
