package store

import (
	"context"
	"strings"

	"github.com/Rajchodisetti/marketcache/internal/config"
	"github.com/Rajchodisetti/marketcache/internal/observ"
)

// Backend persists Permanent entries. Only the store's writer goroutine
// calls Save and Delete.
type Backend interface {
	LoadAll(ctx context.Context) ([]*Entry, error)
	Save(ctx context.Context, entries []*Entry) error
	Delete(ctx context.Context, keys []string) error
	Close() error
}

// NewBackend builds the configured backend. An unreachable redis degrades to
// the file backend so the Permanent tier still survives restarts.
func NewBackend(ctx context.Context, cfg config.Store) (Backend, error) {
	switch strings.ToLower(cfg.Backend) {
	case "none", "memory":
		return nil, nil
	case "redis":
		b, err := NewRedisBackend(ctx, RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err == nil {
			return b, nil
		}
		observ.Warn("tiered_store_backend_fallback", map[string]any{
			"backend":  "redis",
			"fallback": "file",
			"error":    err,
		})
		return NewFileBackend(cfg.PersistDir), nil
	default:
		return NewFileBackend(cfg.PersistDir), nil
	}
}

// OptionsFromConfig maps the store config section onto Options.
func OptionsFromConfig(cfg config.Store, backend Backend) Options {
	return Options{
		MaxItems:      cfg.MaxItems,
		Backend:       backend,
		FlushDelay:    cfg.FlushDelay(),
		SweepInterval: cfg.SweepInterval(),
		SweepGrace:    cfg.SweepGrace(),
	}
}

