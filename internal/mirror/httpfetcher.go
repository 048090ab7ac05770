package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Rajchodisetti/marketcache/internal/adapters"
)

// HTTPFetcher reads quotes from a quote server's /api/quotes route.
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
}

func NewHTTPFetcher(baseURL string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type quotesResponse struct {
	State  string                    `json:"state"`
	Quotes map[string]adapters.Quote `json:"quotes"`
	Error  string                    `json:"error"`
}

func (f *HTTPFetcher) FetchQuotes(ctx context.Context, symbols []string) (map[string]adapters.Quote, error) {
	label := strings.Join(symbols, ",")
	u := f.baseURL + "/api/quotes?" + url.Values{"symbols": {label}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, adapters.NewNetworkError(label, "failed to create request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, adapters.NewNetworkError(label, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, adapters.NewNetworkError(label, "failed to read response", err)
	}

	var out quotesResponse
	if jsonErr := json.Unmarshal(body, &out); jsonErr != nil {
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, adapters.NewHTTPStatusError(label, resp.StatusCode, string(body))
		}
		return nil, adapters.NewMalformedError(label, jsonErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := out.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, adapters.NewHTTPStatusError(label, resp.StatusCode, msg)
	}
	if out.Quotes == nil {
		return nil, adapters.NewMalformedError(label, fmt.Errorf("response has no quotes"))
	}
	return out.Quotes, nil
}
