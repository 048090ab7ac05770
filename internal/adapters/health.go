package adapters

import (
	"sync"
	"time"

	"github.com/Rajchodisetti/marketcache/internal/observ"
)

// ProviderStatus represents the health state of a data provider
type ProviderStatus string

const (
	ProviderStatusHealthy  ProviderStatus = "healthy"
	ProviderStatusDegraded ProviderStatus = "degraded"
	ProviderStatusFailed   ProviderStatus = "failed"
)

// ProviderHealth tracks upstream reliability from call outcomes
type ProviderHealth struct {
	mu                sync.RWMutex
	name              string
	status            ProviderStatus
	lastSuccessful    time.Time
	lastError         time.Time
	lastErrorType     string
	errorCount        int64
	successCount      int64
	consecutiveErrors int

	degradeAfter int
	failAfter    int
}

// ProviderHealthSnapshot is a copy of the tracked state
type ProviderHealthSnapshot struct {
	Name              string         `json:"name"`
	Status            ProviderStatus `json:"status"`
	LastSuccessful    time.Time      `json:"last_successful"`
	LastError         time.Time      `json:"last_error"`
	LastErrorType     string         `json:"last_error_type,omitempty"`
	Successes         int64          `json:"successes"`
	Errors            int64          `json:"errors"`
	ConsecutiveErrors int            `json:"consecutive_errors"`
}

// NewProviderHealth creates a new provider health monitor
func NewProviderHealth(name string) *ProviderHealth {
	ph := &ProviderHealth{
		name:         name,
		status:       ProviderStatusHealthy,
		degradeAfter: 2,
		failAfter:    5,
	}
	observ.SetGauge("provider_status", ph.statusToFloat(), map[string]string{"provider": name})
	return ph
}

// RecordSuccess records a successful upstream call
func (ph *ProviderHealth) RecordSuccess(latency time.Duration) {
	ph.mu.Lock()
	defer ph.mu.Unlock()

	ph.lastSuccessful = time.Now()
	ph.successCount++
	ph.consecutiveErrors = 0

	if ph.status != ProviderStatusHealthy {
		ph.transition(ProviderStatusHealthy)
	}

	observ.RecordDuration("provider_latency", latency, map[string]string{"provider": ph.name})
	observ.IncCounter("provider_operations_total", map[string]string{
		"provider": ph.name,
		"result":   "success",
	})
}

// RecordError records a failed upstream call. Unknown-symbol errors are the
// caller's fault and do not count against the provider.
func (ph *ProviderHealth) RecordError(err error) {
	if IsNotFound(err) {
		return
	}

	ph.mu.Lock()
	defer ph.mu.Unlock()

	ph.lastError = time.Now()
	ph.lastErrorType = ErrorType(err)
	ph.errorCount++
	ph.consecutiveErrors++

	switch {
	case ph.consecutiveErrors >= ph.failAfter:
		ph.transition(ProviderStatusFailed)
	case ph.consecutiveErrors >= ph.degradeAfter:
		ph.transition(ProviderStatusDegraded)
	}

	observ.IncCounter("provider_operations_total", map[string]string{
		"provider": ph.name,
		"result":   "error",
	})
}

// Status returns the current status
func (ph *ProviderHealth) Status() ProviderStatus {
	ph.mu.RLock()
	defer ph.mu.RUnlock()
	return ph.status
}

// Snapshot returns a copy of the tracked counters
func (ph *ProviderHealth) Snapshot() ProviderHealthSnapshot {
	ph.mu.RLock()
	defer ph.mu.RUnlock()
	return ProviderHealthSnapshot{
		Name:              ph.name,
		Status:            ph.status,
		LastSuccessful:    ph.lastSuccessful,
		LastError:         ph.lastError,
		LastErrorType:     ph.lastErrorType,
		Successes:         ph.successCount,
		Errors:            ph.errorCount,
		ConsecutiveErrors: ph.consecutiveErrors,
	}
}

// transition expects ph.mu to be held
func (ph *ProviderHealth) transition(to ProviderStatus) {
	if ph.status == to {
		return
	}
	from := ph.status
	ph.status = to

	observ.Log("provider_status_changed", map[string]any{
		"provider":           ph.name,
		"from":               string(from),
		"to":                 string(to),
		"consecutive_errors": ph.consecutiveErrors,
	})
	observ.IncCounter("provider_status_change_total", map[string]string{
		"provider": ph.name,
		"from":     string(from),
		"to":       string(to),
	})
	observ.SetGauge("provider_status", ph.statusToFloat(), map[string]string{"provider": ph.name})
}

func (ph *ProviderHealth) statusToFloat() float64 {
	switch ph.status {
	case ProviderStatusHealthy:
		return 2
	case ProviderStatusDegraded:
		return 1
	default:
		return 0
	}
}
