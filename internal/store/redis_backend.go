package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Rajchodisetti/marketcache/internal/observ"
)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisBackend keeps each Permanent entry as a JSON string at prefix+key.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend connects and pings; an unreachable server is an error.
func NewRedisBackend(ctx context.Context, opts RedisOptions) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}

	observ.Log("tiered_store_redis_connected", map[string]any{"addr": opts.Addr, "prefix": opts.Prefix})
	return &RedisBackend{client: client, prefix: opts.Prefix}, nil
}

func (b *RedisBackend) LoadAll(ctx context.Context) ([]*Entry, error) {
	var entries []*Entry
	iter := b.client.Scan(ctx, 0, b.prefix+"*", 200).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s*: %w", b.prefix, err)
	}

	for start := 0; start < len(keys); start += 200 {
		end := min(start+200, len(keys))
		vals, err := b.client.MGet(ctx, keys[start:end]...).Result()
		if err != nil {
			return entries, fmt.Errorf("mget: %w", err)
		}
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				continue
			}
			e, err := decodeEntry([]byte(s))
			if err != nil {
				observ.Warn("tiered_store_load_skipped", map[string]any{"key": keys[start+i], "error": err})
				observ.IncCounter("tiered_store_load_skipped_total", nil)
				continue
			}
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (b *RedisBackend) Save(ctx context.Context, entries []*Entry) error {
	pipe := b.client.Pipeline()
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode %s: %w", e.Key, err)
		}
		pipe.Set(ctx, b.prefix+e.Key, data, 0)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (b *RedisBackend) Delete(ctx context.Context, keys []string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = b.prefix + k
	}
	return b.client.Del(ctx, full...).Err()
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
