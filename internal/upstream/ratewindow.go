package upstream

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Rajchodisetti/marketcache/internal/observ"
)

// RateWindow caps upstream calls per wall-clock minute. The counter resets
// at each minute boundary regardless of when calls were made. A caller over
// the ceiling waits for the reset instead of failing.
type RateWindow struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	limit   int
	count   int
	resetAt time.Time
	waits   int64
}

// RateWindowStats is a snapshot of window usage
type RateWindowStats struct {
	Limit   int       `json:"limit"`
	Used    int       `json:"used"`
	ResetAt time.Time `json:"reset_at"`
	Waits   int64     `json:"waits"`
}

func NewRateWindow(limit int, clock clockwork.Clock) *RateWindow {
	if limit <= 0 {
		limit = 250
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RateWindow{limit: limit, clock: clock}
}

// Acquire takes one slot, blocking until the window resets if none is left.
// It returns how long the caller waited.
func (w *RateWindow) Acquire(ctx context.Context) (time.Duration, error) {
	var waited time.Duration
	for {
		w.mu.Lock()
		now := w.clock.Now()
		w.rollLocked(now)
		if w.count < w.limit {
			w.count++
			used := w.count
			w.mu.Unlock()
			observ.SetGauge("upstream_rate_window_used", float64(used), nil)
			return waited, nil
		}
		wait := w.resetAt.Sub(now)
		w.waits++
		w.mu.Unlock()

		observ.IncCounter("upstream_rate_limit_waits_total", nil)
		observ.Log("upstream_rate_limit_wait", map[string]any{"wait_ms": wait.Milliseconds(), "limit": w.limit})

		timer := w.clock.NewTimer(wait)
		select {
		case <-timer.Chan():
			waited += wait
		case <-ctx.Done():
			timer.Stop()
			return waited, ctx.Err()
		}
	}
}

// rollLocked starts a new window once the boundary has passed.
func (w *RateWindow) rollLocked(now time.Time) {
	if now.Before(w.resetAt) {
		return
	}
	w.count = 0
	w.resetAt = now.Truncate(time.Minute).Add(time.Minute)
}

func (w *RateWindow) Stats() RateWindowStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rollLocked(w.clock.Now())
	return RateWindowStats{Limit: w.limit, Used: w.count, ResetAt: w.resetAt, Waits: w.waits}
}
