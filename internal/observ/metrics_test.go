package observ

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAreLabelOrderIndependent(t *testing.T) {
	Reset()
	IncCounter("cache_hits_total", map[string]string{"tier": "daily", "kind": "quote"})
	IncCounter("cache_hits_total", map[string]string{"kind": "quote", "tier": "daily"})
	IncCounterBy("cache_hits_total", map[string]string{"tier": "hourly"}, 3)

	reg.mu.Lock()
	series := len(reg.counters["cache_hits_total"])
	reg.mu.Unlock()

	assert.Equal(t, 2, series)
	assert.Equal(t, int64(5), CounterValue("cache_hits_total"))
}

func TestHistogramIsBounded(t *testing.T) {
	Reset()
	for i := 0; i < maxSamples+10; i++ {
		Observe("latency_ms", float64(i), nil)
	}
	reg.mu.Lock()
	samples := reg.hist["latency_ms"][""]
	reg.mu.Unlock()

	require.Len(t, samples, maxSamples)
	assert.Equal(t, float64(10), samples[0])
}

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name       string
		setup      func()
		wantStatus string
		wantCode   int
	}{
		{
			name:       "healthy by default",
			setup:      func() {},
			wantStatus: "healthy",
			wantCode:   http.StatusOK,
		},
		{
			name: "degraded provider",
			setup: func() {
				SetGauge("provider_status", 1, map[string]string{"provider": "fmp"})
			},
			wantStatus: "degraded",
			wantCode:   http.StatusPartialContent,
		},
		{
			name: "excessive upstream errors",
			setup: func() {
				IncCounterBy("upstream_requests_total", nil, 200)
				IncCounterBy("upstream_errors_total", nil, 50)
			},
			wantStatus: "failed",
			wantCode:   http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Reset()
			tt.setup()

			rec := httptest.NewRecorder()
			HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			var body HealthStatus
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantStatus, body.Status)
		})
	}
}

func TestLogWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	prev := SetOutput(&buf)
	defer SetOutput(prev)

	Warn("tiered_store_load_skipped", map[string]any{"file": "x.json", "error": assert.AnError})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "tiered_store_load_skipped", line["event"])
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, assert.AnError.Error(), line["error"])
	assert.NotEmpty(t, line["ts"])
}
