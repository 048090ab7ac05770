package market

import (
	"time"
)

// Session represents the US equities session a wall-clock instant falls in.
type Session string

const (
	SessionPremarket  Session = "PRE"
	SessionRegular    Session = "RTH"
	SessionPostmarket Session = "POST"
	SessionClosed     Session = "CLOSED"
)

// Realtime freshness windows. The short one applies while the regular
// session is open.
const (
	RealtimeTTLOpen   = 60 * time.Second
	RealtimeTTLClosed = 5 * time.Minute
)

var eastern = loadEastern()

// loadEastern returns the NYSE timezone. Hosts without tzdata fall back to a
// fixed EST offset, which is off by one hour during daylight saving time.
func loadEastern() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("EST", -5*60*60)
	}
	return loc
}

// SessionAt classifies t against the NYSE calendar. Exchange holidays are not
// modeled; a holiday weekday reads as a normal trading day.
func SessionAt(t time.Time) Session {
	et := t.In(eastern)

	weekday := et.Weekday()
	if weekday == time.Saturday || weekday == time.Sunday {
		return SessionClosed
	}

	timeInMinutes := et.Hour()*60 + et.Minute()

	premarketStart := 4 * 60 // 4:00 AM ET
	marketOpen := 9*60 + 30  // 9:30 AM ET
	marketClose := 16 * 60   // 4:00 PM ET
	postmarketEnd := 20 * 60 // 8:00 PM ET

	switch {
	case timeInMinutes >= premarketStart && timeInMinutes < marketOpen:
		return SessionPremarket
	case timeInMinutes >= marketOpen && timeInMinutes < marketClose:
		return SessionRegular
	case timeInMinutes >= marketClose && timeInMinutes < postmarketEnd:
		return SessionPostmarket
	default:
		return SessionClosed
	}
}

// IsTradingHours reports whether the regular session is open at t.
func IsTradingHours(t time.Time) bool {
	return SessionAt(t) == SessionRegular
}

// RealtimeTTL is the single freshness policy for real-time quote data. Both
// the tiered store and the upstream quote cache call it at write time.
func RealtimeTTL(now time.Time) time.Duration {
	if IsTradingHours(now) {
		return RealtimeTTLOpen
	}
	return RealtimeTTLClosed
}
