package storage

import "time"

// Entry wraps a cached value with the time it was stored.
type Entry[T any] struct {
	Value      T
	InsertedAt time.Time
}

// Expired reports whether the entry is logically absent at now. A
// non-positive ttl never expires.
func (e Entry[T]) Expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(e.InsertedAt) > ttl
}
