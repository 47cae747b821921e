package cache

import (
	"context"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryBackend is an in-process Backend on go-cache. It is the default for
// single-process deployments.
type MemoryBackend struct {
	c *gocache.Cache
}

// NewMemoryBackend creates a MemoryBackend that purges expired items every
// cleanupInterval.
func NewMemoryBackend(cleanupInterval time.Duration) *MemoryBackend {
	if cleanupInterval <= 0 {
		cleanupInterval = 10 * time.Minute
	}
	return &MemoryBackend{c: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	b := v.([]byte)
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b := make([]byte, len(value))
	copy(b, value)
	m.c.Set(key, b, ttl)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.c.Delete(key)
	return nil
}

func (m *MemoryBackend) Keys(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	for k := range m.c.Items() {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *MemoryBackend) Ping(context.Context) error {
	return nil
}

// Close flushes every item.
func (m *MemoryBackend) Close() error {
	m.c.Flush()
	return nil
}
