package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrMiss is returned by a Backend for absent keys and by Cache for
	// entries that are absent, expired or below the relevance floor.
	ErrMiss = errors.New("cache miss")

	// ErrCacheUnavailable means the backing store could not be reached.
	// Callers treat it as a miss and skip writes.
	ErrCacheUnavailable = errors.New("cache unavailable")

	// ErrInvalidTTL is returned by Put for a non-positive TTL.
	ErrInvalidTTL = errors.New("cache ttl must be positive")
)

// Backend is a generic expiring key-value store. The relevance logic lives
// in Cache; a Backend only stores bytes.
type Backend interface {
	// Get returns the value for key or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists live keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}
