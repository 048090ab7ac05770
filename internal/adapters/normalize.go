package adapters

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Number converts a loosely typed provider value to a finite float64.
// Missing, null, unparseable, NaN and infinite values all become zero.
func Number(v any) float64 {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(n), "%"), 64)
		if err != nil {
			return 0
		}
		f = parsed
	default:
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// Integer is Number truncated to int64.
func Integer(v any) int64 {
	return int64(Number(v))
}

// Text returns v as a string, or "" for non-strings.
func Text(v any) string {
	s, _ := v.(string)
	return s
}

// NormalizeQuote maps a raw provider quote object onto Quote. fallback is used
// when the provider omits the timestamp.
func NormalizeQuote(raw map[string]any, source string, fallback time.Time) Quote {
	q := Quote{
		Symbol:        NormalizeSymbol(Text(raw["symbol"])),
		Name:          Text(raw["name"]),
		Price:         Number(raw["price"]),
		Change:        Number(raw["change"]),
		ChangePercent: Number(raw["changesPercentage"]),
		Volume:        Integer(raw["volume"]),
		High:          Number(raw["dayHigh"]),
		Low:           Number(raw["dayLow"]),
		Open:          Number(raw["open"]),
		PreviousClose: Number(raw["previousClose"]),
		Timestamp:     fallback,
		Source:        source,
	}
	if ts := Integer(raw["timestamp"]); ts > 0 {
		q.Timestamp = time.Unix(ts, 0).UTC()
	}
	return q
}
