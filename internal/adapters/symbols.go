package adapters

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	exchangePrefixes = []string{"NYSE:", "NASDAQ:", "NMS:", "AMEX:"}
	validSymbol      = regexp.MustCompile(`^[A-Z0-9.^=-]+(/[A-Z0-9]+)?$`)
)

// NormalizeSymbol uppercases, trims and strips exchange prefixes
func NormalizeSymbol(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for _, prefix := range exchangePrefixes {
		if strings.HasPrefix(symbol, prefix) {
			symbol = strings.TrimPrefix(symbol, prefix)
			break
		}
	}
	return symbol
}

// ValidateSymbol checks a normalized symbol's shape.
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return fmt.Errorf("empty symbol")
	}
	if len(symbol) > 16 {
		return fmt.Errorf("symbol too long: %s", symbol)
	}
	if !validSymbol.MatchString(symbol) {
		return fmt.Errorf("invalid symbol format: %s", symbol)
	}
	return nil
}

// BaseSymbol maps a slash-delimited pair (BTC/USD) to its base token (BTC).
// Other symbols are returned normalized.
func BaseSymbol(symbol string) string {
	symbol = NormalizeSymbol(symbol)
	if base, _, ok := strings.Cut(symbol, "/"); ok && base != "" {
		return base
	}
	return symbol
}

// NormalizeSymbols normalizes, drops empties and de-duplicates while keeping
// first-seen order.
func NormalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = NormalizeSymbol(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
