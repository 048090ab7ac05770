package adapters

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNumber(t *testing.T) {
	tests := []struct {
		in   any
		want float64
	}{
		{12.5, 12.5},
		{float32(2), 2},
		{7, 7},
		{int64(9), 9},
		{json.Number("101.25"), 101.25},
		{json.Number("nope"), 0},
		{"1.75%", 1.75},
		{" 3 ", 3},
		{"abc", 0},
		{nil, 0},
		{true, 0},
		{math.NaN(), 0},
		{math.Inf(1), 0},
		{"NaN", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Number(tt.in), "input %#v", tt.in)
	}
}

func TestNormalizeQuote(t *testing.T) {
	fallback := time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC)

	t.Run("full_payload", func(t *testing.T) {
		raw := map[string]any{
			"symbol":            "aapl",
			"name":              "Apple Inc.",
			"price":             json.Number("189.3"),
			"change":            json.Number("-1.2"),
			"changesPercentage": json.Number("-0.63"),
			"volume":            json.Number("52000000"),
			"dayHigh":           json.Number("191"),
			"dayLow":            json.Number("188.1"),
			"open":              json.Number("190.5"),
			"previousClose":     json.Number("190.5"),
			"timestamp":         json.Number("1709650800"),
		}
		q := NormalizeQuote(raw, "fmp", fallback)

		assert.Equal(t, "AAPL", q.Symbol)
		assert.Equal(t, "Apple Inc.", q.Name)
		assert.Equal(t, 189.3, q.Price)
		assert.Equal(t, -1.2, q.Change)
		assert.Equal(t, -0.63, q.ChangePercent)
		assert.Equal(t, int64(52000000), q.Volume)
		assert.Equal(t, 191.0, q.High)
		assert.Equal(t, 188.1, q.Low)
		assert.Equal(t, time.Unix(1709650800, 0).UTC(), q.Timestamp)
		assert.Equal(t, "fmp", q.Source)
	})

	t.Run("missing_fields_default_to_zero", func(t *testing.T) {
		q := NormalizeQuote(map[string]any{"symbol": "XYZ", "price": nil}, "fmp", fallback)

		assert.Equal(t, "XYZ", q.Symbol)
		assert.Zero(t, q.Price)
		assert.Zero(t, q.Volume)
		assert.Zero(t, q.PreviousClose)
		assert.Equal(t, fallback, q.Timestamp)
	})
}

func TestSymbols(t *testing.T) {
	assert.Equal(t, "AAPL", NormalizeSymbol(" nasdaq:aapl "))
	assert.Equal(t, "BRK.B", NormalizeSymbol("NYSE:BRK.B"))

	assert.NoError(t, ValidateSymbol("BRK.B"))
	assert.NoError(t, ValidateSymbol("^GSPC"))
	assert.NoError(t, ValidateSymbol("BTC/USD"))
	assert.Error(t, ValidateSymbol(""))
	assert.Error(t, ValidateSymbol("AA PL"))
	assert.Error(t, ValidateSymbol("ABCDEFGHIJKLMNOPQ"))

	assert.Equal(t, "BTC", BaseSymbol("btc/usd"))
	assert.Equal(t, "AAPL", BaseSymbol("AAPL"))

	assert.Equal(t, []string{"AAPL", "MSFT"}, NormalizeSymbols([]string{"aapl", "MSFT", " AAPL", ""}))
}
