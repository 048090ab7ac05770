package adapters

import (
	"os"
	"strings"

	"github.com/Rajchodisetti/marketcache/internal/config"
	"github.com/Rajchodisetti/marketcache/internal/observ"
)

// NewProvider creates the configured upstream provider. The QUOTES env var
// overrides the configured choice; a real provider without an API key falls
// back to the mock.
func NewProvider(cfg config.Upstream) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if env := os.Getenv("QUOTES"); env != "" {
		name = strings.ToLower(strings.TrimSpace(env))
		observ.Log("provider_env_override", map[string]any{"provider": name})
	}

	switch name {
	case "mock", "":
		observ.Log("provider_created", map[string]any{"provider": "mock"})
		return NewMockProvider(), nil

	case "fmp":
		key := cfg.APIKey()
		if key == "" {
			observ.Warn("provider_fallback", map[string]any{
				"provider": "fmp",
				"reason":   "missing_api_key",
				"env":      cfg.APIKeyEnv,
				"fallback": "mock",
			})
			observ.IncCounter("provider_fallback_total", map[string]string{"from": "fmp", "to": "mock"})
			return NewMockProvider(), nil
		}
		p, err := NewFMPAdapter(FMPConfig{
			APIKey:         key,
			BaseURL:        cfg.BaseURL,
			TimeoutSeconds: cfg.TimeoutSeconds,
			BurstPerSecond: cfg.BurstPerSecond,
		})
		if err != nil {
			return nil, err
		}
		observ.Log("provider_created", map[string]any{"provider": "fmp", "base_url": p.baseURL})
		return p, nil

	default:
		observ.Warn("provider_fallback", map[string]any{"provider": name, "reason": "unknown_provider", "fallback": "mock"})
		return NewMockProvider(), nil
	}
}
