package store

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Rajchodisetti/marketcache/internal/observ"
)

// writeOp is a queued backend change. A nil entry deletes the key. An op
// with flushed set carries no change; it asks for everything queued before
// it to be written, with the result sent on flushed.
type writeOp struct {
	key     string
	entry   *Entry
	flushed chan error
}

// writer is the only goroutine that touches the backend. It coalesces ops
// per key and flushes once no op has arrived for delay.
type writer struct {
	backend Backend
	clock   clockwork.Clock
	delay   time.Duration

	ops      chan writeOp
	done     chan struct{}
	closeErr error

	queued atomic.Int64
}

func newWriter(backend Backend, clock clockwork.Clock, delay time.Duration) *writer {
	w := &writer{
		backend: backend,
		clock:   clock,
		delay:   delay,
		ops:     make(chan writeOp, 256),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *writer) enqueue(op writeOp) {
	w.ops <- op
}

func (w *writer) run() {
	defer close(w.done)

	pending := make(map[string]*Entry)
	var timer clockwork.Timer
	var fire <-chan time.Time

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, fire = nil, nil
		}
	}

	for {
		select {
		case op, ok := <-w.ops:
			if !ok {
				stopTimer()
				w.closeErr = w.write(pending)
				if err := w.backend.Close(); err != nil && w.closeErr == nil {
					w.closeErr = err
				}
				return
			}
			if op.flushed != nil {
				stopTimer()
				op.flushed <- w.write(pending)
				pending = make(map[string]*Entry)
				continue
			}
			pending[op.key] = op.entry
			w.queued.Store(int64(len(pending)))
			stopTimer()
			timer = w.clock.NewTimer(w.delay)
			fire = timer.Chan()

		case <-fire:
			timer, fire = nil, nil
			_ = w.write(pending)
			pending = make(map[string]*Entry)
		}
	}
}

// write applies a batch. Failures are logged and the batch is dropped; the
// in-memory copy stays authoritative.
func (w *writer) write(pending map[string]*Entry) error {
	defer w.queued.Store(0)
	if len(pending) == 0 {
		return nil
	}

	var saves []*Entry
	var deletes []string
	for key, e := range pending {
		if e == nil {
			deletes = append(deletes, key)
		} else {
			saves = append(saves, e)
		}
	}

	ctx := context.Background()
	start := time.Now()
	var firstErr error
	if len(saves) > 0 {
		if err := w.backend.Save(ctx, saves); err != nil {
			firstErr = err
			observ.Warn("tiered_store_save_failed", map[string]any{"entries": len(saves), "error": err})
			observ.IncCounter("tiered_store_io_errors_total", map[string]string{"op": "save"})
		}
	}
	if len(deletes) > 0 {
		if err := w.backend.Delete(ctx, deletes); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			observ.Warn("tiered_store_delete_failed", map[string]any{"keys": len(deletes), "error": err})
			observ.IncCounter("tiered_store_io_errors_total", map[string]string{"op": "delete"})
		}
	}

	observ.RecordDuration("tiered_store_flush", time.Since(start), nil)
	observ.IncCounterBy("tiered_store_persisted_total", nil, int64(len(saves)))
	return firstErr
}

// requestFlush queues a flush behind every op already sent. The caller must
// not race it with close.
func (w *writer) requestFlush() <-chan error {
	reply := make(chan error, 1)
	w.ops <- writeOp{flushed: reply}
	return reply
}

func (w *writer) close() error {
	close(w.ops)
	<-w.done
	return w.closeErr
}
