package observ

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type registry struct {
	mu       sync.Mutex
	counters map[string]map[string]int64   // name -> labelsKey -> count
	gauges   map[string]map[string]float64 // name -> labelsKey -> value
	hist     map[string]map[string][]float64
}

// maxSamples bounds each histogram series; older samples are dropped.
const maxSamples = 1024

var reg = newRegistry()

func newRegistry() *registry {
	return &registry{
		counters: map[string]map[string]int64{},
		gauges:   map[string]map[string]float64{},
		hist:     map[string]map[string][]float64{},
	}
}

// canonicalize label map so key order is stable
func canonLabels(lbl map[string]string) string {
	if len(lbl) == 0 {
		return ""
	}
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(lbl[k])
	}
	return b.String()
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1)
}

func IncCounterBy(name string, labels map[string]string, value int64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.counters[name]
	if !ok {
		m = map[string]int64{}
		reg.counters[name] = m
	}
	m[canonLabels(labels)] += value
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.gauges[name]
	if !ok {
		m = map[string]float64{}
		reg.gauges[name] = m
	}
	m[canonLabels(labels)] = value
}

func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.hist[name]
	if !ok {
		m = map[string][]float64{}
		reg.hist[name] = m
	}
	k := canonLabels(labels)
	samples := append(m[k], value)
	if len(samples) > maxSamples {
		samples = samples[len(samples)-maxSamples:]
	}
	m[k] = samples
}

// RecordDuration records a duration metric in milliseconds
func RecordDuration(name string, duration time.Duration, labels map[string]string) {
	Observe(name+"_ms", float64(duration.Milliseconds()), labels)
}

// CounterValue sums a counter across every label set.
func CounterValue(name string) int64 {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	var total int64
	for _, v := range reg.counters[name] {
		total += v
	}
	return total
}

// CounterValueFor returns the counter for an exact label set.
func CounterValueFor(name string, labels map[string]string) int64 {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.counters[name][canonLabels(labels)]
}

// GaugeValue returns the gauge for an exact label set.
func GaugeValue(name string, labels map[string]string) (float64, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	v, ok := reg.gauges[name][canonLabels(labels)]
	return v, ok
}

// Reset clears every series. Tests only.
func Reset() {
	fresh := newRegistry()
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.counters = fresh.counters
	reg.gauges = fresh.gauges
	reg.hist = fresh.hist
}

// Basic JSON dump for quick checks (not Prometheus format on purpose)
func Handler() http.Handler {
	type dump struct {
		Counters map[string]map[string]int64     `json:"counters"`
		Gauges   map[string]map[string]float64   `json:"gauges"`
		Hist     map[string]map[string][]float64 `json:"histograms"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(dump{Counters: reg.counters, Gauges: reg.gauges, Hist: reg.hist})
	})
}

// HealthStatus summarizes cache and upstream health
type HealthStatus struct {
	Status    string        `json:"status"` // "healthy", "degraded", "failed"
	Timestamp string        `json:"timestamp"`
	Uptime    string        `json:"uptime"`
	Version   string        `json:"version"`
	Metrics   HealthMetrics `json:"metrics"`
}

// HealthMetrics holds the numbers the status is derived from
type HealthMetrics struct {
	CacheHitRate      float64 `json:"cache_hit_rate"`
	UpstreamCalls     int64   `json:"upstream_calls"`
	UpstreamErrors    int64   `json:"upstream_errors"`
	UpstreamErrorRate float64 `json:"upstream_error_rate"`
	RateLimitWaits    int64   `json:"rate_limit_waits"`
	StaleServed       int64   `json:"stale_served"`
	ProviderStatus    float64 `json:"provider_status"` // 0 failed, 1 degraded, 2 healthy
}

var (
	startTime = time.Now()
	version   = "dev" // Set via build flags
)

// SetVersion sets the version string for health reports
func SetVersion(v string) {
	version = v
}

// HealthHandler reports derived health; 503 when failed, 206 when degraded.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		metrics := calculateHealthMetrics()
		reg.mu.Unlock()

		health := HealthStatus{
			Status:    overallStatus(metrics),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Uptime:    time.Since(startTime).String(),
			Version:   version,
			Metrics:   metrics,
		}

		statusCode := http.StatusOK
		switch health.Status {
		case "degraded":
			statusCode = http.StatusPartialContent
		case "failed":
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(health)
	})
}

func sumCounter(name string) int64 {
	var total int64
	for _, v := range reg.counters[name] {
		total += v
	}
	return total
}

// calculateHealthMetrics expects reg.mu to be held.
func calculateHealthMetrics() HealthMetrics {
	m := HealthMetrics{ProviderStatus: 2}

	hits := sumCounter("tiered_store_hits_total")
	misses := sumCounter("tiered_store_misses_total")
	if hits+misses > 0 {
		m.CacheHitRate = float64(hits) / float64(hits+misses)
	}

	m.UpstreamCalls = sumCounter("upstream_requests_total")
	m.UpstreamErrors = sumCounter("upstream_errors_total")
	if m.UpstreamCalls > 0 {
		m.UpstreamErrorRate = float64(m.UpstreamErrors) / float64(m.UpstreamCalls)
	}
	m.RateLimitWaits = sumCounter("upstream_rate_limit_waits_total")
	m.StaleServed = sumCounter("stale_served_total")

	for _, status := range reg.gauges["provider_status"] {
		if status < m.ProviderStatus {
			m.ProviderStatus = status
		}
	}
	return m
}

func overallStatus(m HealthMetrics) string {
	switch {
	case m.ProviderStatus == 0:
		return "failed"
	case m.UpstreamCalls > 100 && m.UpstreamErrorRate > 0.1:
		return "failed"
	case m.ProviderStatus == 1:
		return "degraded"
	default:
		return "healthy"
	}
}

// Simple liveness handler
func Health() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
