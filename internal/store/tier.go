package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/Rajchodisetti/marketcache/internal/market"
)

// Tier is a freshness class. Permanent entries never expire and are
// persisted; the rest live in the bounded in-memory map.
type Tier int

const (
	Permanent Tier = iota
	Daily
	Hourly
	Frequent
	Realtime
)

var tierNames = [...]string{"permanent", "daily", "hourly", "frequent", "realtime"}

func (t Tier) String() string {
	if t < Permanent || t > Realtime {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

// TTL returns the lifetime of an entry written at now. Zero means no expiry.
// Realtime depends on the trading session and is recomputed on every write.
func (t Tier) TTL(now time.Time) time.Duration {
	switch t {
	case Daily:
		return 24 * time.Hour
	case Hourly:
		return time.Hour
	case Frequent:
		return 5 * time.Minute
	case Realtime:
		return market.RealtimeTTL(now)
	default:
		return 0
	}
}

// ParseTier accepts the lower-case tier name.
func ParseTier(s string) (Tier, error) {
	for i, name := range tierNames {
		if strings.EqualFold(s, name) {
			return Tier(i), nil
		}
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
