package adapters

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/marketcache/internal/config"
)

func TestMockProvider_RecordsCalls(t *testing.T) {
	m := NewMockProvider()
	ctx := context.Background()

	quotes, err := m.BatchQuotes(ctx, []string{"AAPL", "ZZZZ"})
	require.NoError(t, err)
	assert.Len(t, quotes, 1)
	assert.Equal(t, "mock", quotes["AAPL"].Source)

	_, err = m.Profile(ctx, "ZZZZ")
	assert.True(t, IsNotFound(err))

	calls := m.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, MockCall{Method: "BatchQuotes", Symbols: []string{"AAPL", "ZZZZ"}}, calls[0])
	assert.Equal(t, 1, m.CallCount("Profile"))
}

func TestMockProvider_FailNext(t *testing.T) {
	m := NewMockProvider()
	ctx := context.Background()
	boom := NewNetworkError("AAPL", "down", errors.New("boom"))

	m.FailNext(1, boom)
	_, err := m.BatchQuotes(ctx, []string{"AAPL"})
	assert.ErrorIs(t, err, boom)

	_, err = m.BatchQuotes(ctx, []string{"AAPL"})
	assert.NoError(t, err)
}

func TestMockProvider_LatencyHonorsContext(t *testing.T) {
	m := NewMockProvider()
	m.SetLatency(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := m.BatchQuotes(ctx, []string{"AAPL"})
	require.Error(t, err)
	assert.Equal(t, ErrTypeNetwork, ErrorType(err))
}

func TestMockProvider_MoversOrdering(t *testing.T) {
	m := NewMockProvider()
	gainers, err := m.Movers(context.Background(), MoversGainers)
	require.NoError(t, err)
	require.NotEmpty(t, gainers)
	assert.Equal(t, "NVDA", gainers[0].Symbol)

	losers, err := m.Movers(context.Background(), MoversLosers)
	require.NoError(t, err)
	assert.Equal(t, "MSFT", losers[0].Symbol)
}

func TestNewProvider(t *testing.T) {
	t.Run("mock", func(t *testing.T) {
		t.Setenv("QUOTES", "")
		p, err := NewProvider(config.Upstream{Provider: "mock"})
		require.NoError(t, err)
		assert.Equal(t, "mock", p.Name())
	})

	t.Run("fmp_without_key_falls_back", func(t *testing.T) {
		t.Setenv("QUOTES", "")
		t.Setenv("TEST_FMP_KEY", "")
		p, err := NewProvider(config.Upstream{Provider: "fmp", APIKeyEnv: "TEST_FMP_KEY"})
		require.NoError(t, err)
		assert.Equal(t, "mock", p.Name())
	})

	t.Run("fmp_with_key", func(t *testing.T) {
		t.Setenv("QUOTES", "")
		t.Setenv("TEST_FMP_KEY", "abc")
		p, err := NewProvider(config.Upstream{Provider: "fmp", APIKeyEnv: "TEST_FMP_KEY"})
		require.NoError(t, err)
		assert.Equal(t, "fmp", p.Name())
	})

	t.Run("env_override", func(t *testing.T) {
		t.Setenv("QUOTES", "mock")
		t.Setenv("TEST_FMP_KEY", "abc")
		p, err := NewProvider(config.Upstream{Provider: "fmp", APIKeyEnv: "TEST_FMP_KEY"})
		require.NoError(t, err)
		assert.Equal(t, "mock", p.Name())
	})
}

func TestProviderHealth_Transitions(t *testing.T) {
	h := NewProviderHealth("test-health")
	assert.Equal(t, ProviderStatusHealthy, h.Status())

	h.RecordError(NewBadSymbolError("ZZZZ", "unknown"))
	assert.Equal(t, 0, h.Snapshot().ConsecutiveErrors)

	netErr := NewNetworkError("AAPL", "down", nil)
	h.RecordError(netErr)
	h.RecordError(netErr)
	assert.Equal(t, ProviderStatusDegraded, h.Status())

	for i := 0; i < 3; i++ {
		h.RecordError(netErr)
	}
	assert.Equal(t, ProviderStatusFailed, h.Status())
	assert.Equal(t, ErrTypeNetwork, h.Snapshot().LastErrorType)

	h.RecordSuccess(5 * time.Millisecond)
	assert.Equal(t, ProviderStatusHealthy, h.Status())
	assert.Equal(t, int64(1), h.Snapshot().Successes)
}
