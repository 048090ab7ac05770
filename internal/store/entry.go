package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Decode when the key is absent or expired.
var ErrNotFound = errors.New("store: not found")

// Entry is one cached value. A nil ExpiresAt never expires.
//
// Entries loaded from a persistent backend carry their Value as
// json.RawMessage until decoded.
type Entry struct {
	Key       string     `json:"key"`
	Value     any        `json:"value"`
	Tier      Tier       `json:"tier"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at"`
	HitCount  int64      `json:"hit_count"`
}

func (e *Entry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// expiredFor reports whether the entry expired more than grace ago.
func (e *Entry) expiredFor(now time.Time, grace time.Duration) bool {
	return e.ExpiresAt != nil && now.Sub(*e.ExpiresAt) > grace
}

func (e *Entry) clone() *Entry {
	cp := *e
	if e.ExpiresAt != nil {
		at := *e.ExpiresAt
		cp.ExpiresAt = &at
	}
	return &cp
}

// As converts a cached value to T. Values cached in-process are returned
// directly; persisted or differently-typed values round-trip through JSON.
func As[T any](v any) (T, error) {
	var out T
	switch x := v.(type) {
	case T:
		return x, nil
	case json.RawMessage:
		if err := json.Unmarshal(x, &out); err != nil {
			return out, fmt.Errorf("decode cached value: %w", err)
		}
		return out, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("encode cached value: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("decode cached value: %w", err)
	}
	return out, nil
}

// decodeEntry parses a persisted entry, leaving Value as raw JSON.
func decodeEntry(b []byte) (*Entry, error) {
	var raw struct {
		Entry
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	if raw.Key == "" {
		return nil, errors.New("entry has no key")
	}
	e := raw.Entry
	e.Value = raw.Value
	return &e, nil
}
