package store

type flightState int

const (
	flightFetching flightState = iota
	flightSettled
)

// flight is the in-progress fetch for one key. It lives in Store.flights
// only while fetching; absence from the map is the idle state. value and
// err are written once, before done is closed.
type flight struct {
	state flightState
	done  chan struct{}
	value any
	err   error
}

func newFlight() *flight {
	return &flight{state: flightFetching, done: make(chan struct{})}
}
