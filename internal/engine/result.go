package engine

import "time"

// State distinguishes a fresh answer from a fallback and from no answer.
type State string

const (
	StateFresh   State = "fresh"
	StateStale   State = "stale"
	StateMissing State = "missing"
)

// Result carries a value with its freshness. Err is set only when State is
// StateMissing; a stale result is a success.
type Result[T any] struct {
	Value T
	State State
	Err   error
	// AsOf is when a stale value was stored; zero for fresh results.
	AsOf time.Time
}

func fresh[T any](v T) Result[T] {
	return Result[T]{Value: v, State: StateFresh}
}

func stale[T any](v T, asOf time.Time) Result[T] {
	return Result[T]{Value: v, State: StateStale, AsOf: asOf}
}

func missing[T any](err error) Result[T] {
	return Result[T]{State: StateMissing, Err: err}
}

// OK reports whether the result holds a value, fresh or stale.
func (r Result[T]) OK() bool {
	return r.State != StateMissing
}
