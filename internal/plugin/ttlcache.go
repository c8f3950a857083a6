package plugin

import (
	"sync"
	"time"
)

// TTLValue is a single cached value with a monotonic expiry, used for
// plugin-local caches (symbol lists, market info). Never shared across
// plugin instances.
type TTLValue[T any] struct {
	mu      sync.Mutex
	value   T
	expires time.Time
	ttl     time.Duration
}

// NewTTLValue creates an empty cache slot with the given TTL.
func NewTTLValue[T any](ttl time.Duration) *TTLValue[T] {
	return &TTLValue[T]{ttl: ttl}
}

// Get returns the cached value, refilling it via fill when absent or
// expired. A fill error is returned without caching anything.
func (v *TTLValue[T]) Get(fill func() (T, error)) (T, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.expires.IsZero() && time.Now().Before(v.expires) {
		return v.value, nil
	}
	value, err := fill()
	if err != nil {
		var zero T
		return zero, err
	}
	v.value = value
	v.expires = time.Now().Add(v.ttl)
	return value, nil
}

// Invalidate clears the cached value.
func (v *TTLValue[T]) Invalidate() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.expires = time.Time{}
}
