package store

import "time"

type setOptions struct {
	ttl time.Duration
}

// SetOption tunes a single Set or GetOrFetch write.
type SetOption func(*setOptions)

// WithTTL overrides the tier's default lifetime for this write.
func WithTTL(d time.Duration) SetOption {
	return func(o *setOptions) { o.ttl = d }
}

func applySetOptions(opts []SetOption) setOptions {
	var o setOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
