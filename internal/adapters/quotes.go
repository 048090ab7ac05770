package adapters

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Provider is the upstream market data boundary. Implementations make
// exactly one upstream HTTP call per method invocation.
type Provider interface {
	Name() string
	BatchQuotes(ctx context.Context, symbols []string) (map[string]Quote, error)
	Movers(ctx context.Context, kind MoverKind) ([]Mover, error)
	History(ctx context.Context, symbol string, from, to time.Time) ([]HistoricalBar, error)
	News(ctx context.Context, symbols []string, limit int) ([]NewsItem, error)
	Profile(ctx context.Context, symbol string) (*Profile, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// Quote represents normalized market data from any provider. Numeric fields
// are never NaN; missing provider values read as zero.
type Quote struct {
	Symbol        string    `json:"symbol"`
	Name          string    `json:"name,omitempty"`
	Price         float64   `json:"price"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"change_percent"`
	Volume        int64     `json:"volume"`
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	Open          float64   `json:"open"`
	PreviousClose float64   `json:"previous_close"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source"`
}

// MoverKind selects a market movers list
type MoverKind string

const (
	MoversGainers MoverKind = "gainers"
	MoversLosers  MoverKind = "losers"
	MoversActive  MoverKind = "actives"
)

// ParseMoverKind validates a movers list name
func ParseMoverKind(s string) (MoverKind, error) {
	switch k := MoverKind(s); k {
	case MoversGainers, MoversLosers, MoversActive:
		return k, nil
	}
	return "", fmt.Errorf("unknown movers kind %q", s)
}

type Mover struct {
	Symbol        string  `json:"symbol"`
	Name          string  `json:"name"`
	Price         float64 `json:"price"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"change_percent"`
}

type HistoricalBar struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

type NewsItem struct {
	Symbol      string    `json:"symbol"`
	PublishedAt time.Time `json:"published_at"`
	Title       string    `json:"title"`
	Text        string    `json:"text"`
	URL         string    `json:"url"`
	Site        string    `json:"site"`
	Image       string    `json:"image,omitempty"`
}

type Profile struct {
	Symbol      string  `json:"symbol"`
	CompanyName string  `json:"company_name"`
	Exchange    string  `json:"exchange"`
	Industry    string  `json:"industry"`
	Sector      string  `json:"sector"`
	Country     string  `json:"country"`
	Website     string  `json:"website"`
	Description string  `json:"description"`
	CEO         string  `json:"ceo"`
	MarketCap   float64 `json:"market_cap"`
	Image       string  `json:"image,omitempty"`
}

// Error types. Transport failures (network, http_status, malformed) are
// distinct from semantic ones the provider reports.
const (
	ErrTypeNetwork    = "network"
	ErrTypeHTTPStatus = "http_status"
	ErrTypeMalformed  = "malformed"
	ErrTypeProvider   = "provider_error"
	ErrTypeBadSymbol  = "bad_symbol"
	ErrTypeRateLimit  = "rate_limit"
)

// QuoteError represents different types of upstream fetch errors
type QuoteError struct {
	Type       string
	Symbol     string
	Message    string
	StatusCode int
	Cause      error
}

func (e *QuoteError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error for %s: %s (%v)", e.Type, e.Symbol, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error for %s: %s", e.Type, e.Symbol, e.Message)
}

func (e *QuoteError) Unwrap() error { return e.Cause }

// Common error constructors
func NewNetworkError(symbol, message string, cause error) *QuoteError {
	return &QuoteError{Type: ErrTypeNetwork, Symbol: symbol, Message: message, Cause: cause}
}

func NewHTTPStatusError(symbol string, status int, body string) *QuoteError {
	return &QuoteError{
		Type:       ErrTypeHTTPStatus,
		Symbol:     symbol,
		StatusCode: status,
		Message:    fmt.Sprintf("HTTP %d: %s", status, body),
	}
}

func NewMalformedError(symbol string, cause error) *QuoteError {
	return &QuoteError{Type: ErrTypeMalformed, Symbol: symbol, Message: "failed to parse response", Cause: cause}
}

func NewRateLimitError(symbol, message string) *QuoteError {
	return &QuoteError{Type: ErrTypeRateLimit, Symbol: symbol, Message: message}
}

func NewProviderError(symbol, message string, cause error) *QuoteError {
	return &QuoteError{Type: ErrTypeProvider, Symbol: symbol, Message: message, Cause: cause}
}

func NewBadSymbolError(symbol, message string) *QuoteError {
	return &QuoteError{Type: ErrTypeBadSymbol, Symbol: symbol, Message: message}
}

// ErrorType returns the QuoteError type anywhere in err's chain, or "".
func ErrorType(err error) string {
	var qe *QuoteError
	if errors.As(err, &qe) {
		return qe.Type
	}
	return ""
}

// IsNotFound reports a provider-side unknown symbol. Callers should not retry.
func IsNotFound(err error) bool {
	return ErrorType(err) == ErrTypeBadSymbol
}

// IsRetryable reports errors a later attempt may clear: transport failures,
// 5xx and provider throttling.
func IsRetryable(err error) bool {
	var qe *QuoteError
	if !errors.As(err, &qe) {
		return false
	}
	switch qe.Type {
	case ErrTypeNetwork, ErrTypeRateLimit:
		return true
	case ErrTypeHTTPStatus:
		return qe.StatusCode >= 500
	default:
		return false
	}
}
