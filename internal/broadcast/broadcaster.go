package broadcast

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/Rajchodisetti/marketcache/internal/observ"
)

// Callback receives the minute boundary a tick was scheduled for.
// Callbacks run one after another on the broadcaster's goroutine and should
// hand long work off.
type Callback func(tick time.Time)

// State is the scheduler's lifecycle phase
type State int

const (
	Idle    State = iota // no subscribers, no timer
	Armed                // waiting for the first minute boundary
	Running              // ticking every minute
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type subscriber struct {
	cb    Callback
	order uint64
}

// Broadcaster fires one process-wide tick at every wall-clock minute
// boundary while it has subscribers. It holds no timer while idle.
type Broadcaster struct {
	mu    sync.Mutex
	clock clockwork.Clock
	subs  map[string]subscriber
	seq   uint64
	state State
	timer clockwork.Timer
	next  time.Time
	// gen invalidates a timer that fired after it was stopped.
	gen uint64
}

func New(clock clockwork.Clock) *Broadcaster {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Broadcaster{clock: clock, subs: make(map[string]subscriber)}
}

// Subscribe registers cb under id, generating an id when empty, and returns
// the id. The first subscriber arms the timer for the next minute boundary.
func (b *Broadcaster) Subscribe(id string, cb Callback) string {
	if id == "" {
		id = uuid.NewString()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	b.subs[id] = subscriber{cb: cb, order: b.seq}
	observ.SetGauge("sync_subscribers", float64(len(b.subs)), nil)

	if b.state == Idle {
		b.armLocked(nextBoundary(b.clock.Now()))
		b.state = Armed
		observ.Log("sync_armed", map[string]any{"next_tick": b.next.Format(time.RFC3339)})
	}
	return id
}

// Unsubscribe removes id. Removing the last subscriber stops the timer.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[id]; !ok {
		return
	}
	delete(b.subs, id)
	observ.SetGauge("sync_subscribers", float64(len(b.subs)), nil)

	if len(b.subs) == 0 {
		b.teardownLocked()
		observ.Log("sync_idle", nil)
	}
}

func (b *Broadcaster) armLocked(at time.Time) {
	b.next = at
	gen := b.gen
	b.timer = b.clock.AfterFunc(at.Sub(b.clock.Now()), func() { b.fire(gen) })
}

func (b *Broadcaster) teardownLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
	b.state = Idle
	b.next = time.Time{}
}

func (b *Broadcaster) fire(gen uint64) {
	b.mu.Lock()
	if gen != b.gen || b.state == Idle {
		b.mu.Unlock()
		return
	}
	tick := b.next
	callbacks := b.snapshotLocked()

	now := b.clock.Now()
	next := nextBoundary(now)
	if next.Sub(now) < time.Second {
		next = next.Add(time.Minute)
	}
	b.armLocked(next)
	b.state = Running
	b.mu.Unlock()

	observ.IncCounter("sync_ticks_total", nil)
	observ.Log("sync_tick", map[string]any{"tick": tick.Format(time.RFC3339), "subscribers": len(callbacks)})

	for _, s := range callbacks {
		invoke(s.id, s.cb, tick)
	}
}

type namedCallback struct {
	id string
	cb Callback
}

// snapshotLocked returns callbacks in subscription order
func (b *Broadcaster) snapshotLocked() []namedCallback {
	ids := make([]string, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return b.subs[ids[i]].order < b.subs[ids[j]].order })

	out := make([]namedCallback, len(ids))
	for i, id := range ids {
		out[i] = namedCallback{id: id, cb: b.subs[id].cb}
	}
	return out
}

func invoke(id string, cb Callback, tick time.Time) {
	defer func() {
		if r := recover(); r != nil {
			observ.Warn("sync_callback_panic", map[string]any{"subscriber": id, "panic": fmt.Sprint(r)})
			observ.IncCounter("sync_callback_panics_total", nil)
		}
	}()
	cb(tick)
}

// nextBoundary is the first whole minute strictly after t.
func nextBoundary(t time.Time) time.Time {
	return t.Truncate(time.Minute).Add(time.Minute)
}

// SecondsUntilNextTick rounds up, so it reads 60 right after a tick.
func (b *Broadcaster) SecondsUntilNextTick() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	next := b.next
	if b.state == Idle || !next.After(now) {
		next = nextBoundary(now)
	}
	return int(math.Ceil(next.Sub(now).Seconds()))
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stop drops every subscriber and the timer.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string]subscriber)
	b.teardownLocked()
	observ.SetGauge("sync_subscribers", 0, nil)
}
