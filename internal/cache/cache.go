// Package cache implements the relevance cache: an expiring store of analysis
// results whose relevance decays linearly over time and is boosted when
// other domains reuse them.
//
// Expiry is checked logically on every read, so an entry past its expiry is
// never returned as a hit regardless of when the backend purges it.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/scrypster/gergy/internal/logging"
	"github.com/scrypster/gergy/internal/metrics"
	"github.com/scrypster/gergy/internal/textnorm"
	"github.com/scrypster/gergy/pkg/types"
)

// DefaultTTL is the entry lifetime when none is configured.
const DefaultTTL = time.Hour

// warmTTLFactor multiplies the default TTL for warmed entries.
const warmTTLFactor = 2

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Cache) { c.logger = logging.OrDiscard(logger) }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = metrics.OrNew(m) }
}

// Cache is the relevance cache over a Backend.
type Cache struct {
	backend Backend
	policy  DecayPolicy
	ttl     time.Duration
	now     func() time.Time
	logger  logrus.FieldLogger
	metrics *metrics.Metrics

	// degraded-mode warnings are logged at most once a minute
	warn rate.Sometimes

	hits, misses, sets, deletes, failures atomic.Int64
}

// New creates a Cache. A non-positive ttl uses DefaultTTL.
func New(backend Backend, policy DecayPolicy, ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if policy.Unit <= 0 {
		policy.Unit = time.Hour
	}
	c := &Cache{
		backend: backend,
		policy:  policy,
		ttl:     ttl,
		now:     time.Now,
		logger:  logging.Discard(),
		warn:    rate.Sometimes{First: 1, Interval: time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.New(nil)
	}
	return c
}

// TTL returns the default entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Policy returns the decay policy.
func (c *Cache) Policy() DecayPolicy {
	return c.policy
}

// Relevance returns the decayed relevance of entry as of now.
func (c *Cache) Relevance(entry *types.CacheEntry) float64 {
	return c.policy.Relevance(entry, c.now())
}

// Key derives the cache key for text submitted under domain.
func (c *Cache) Key(domain types.Domain, text string) string {
	return textnorm.CacheKey(domain, text)
}

// Lookup returns the live entry for key. It returns ErrMiss when the entry is
// absent, expired or has decayed below the floor (the latter two are deleted
// best-effort), and ErrCacheUnavailable when the backend failed.
func (c *Cache) Lookup(ctx context.Context, key string) (*types.CacheEntry, error) {
	entry, err := c.load(ctx, key)
	if err != nil {
		if errors.Is(err, ErrMiss) {
			c.recordMiss()
		}
		return nil, err
	}

	now := c.now()
	if entry.Expired(now) {
		c.evict(ctx, key, "expired")
		c.recordMiss()
		return nil, ErrMiss
	}
	if c.policy.BelowFloor(c.policy.Relevance(entry, now)) {
		c.evict(ctx, key, "below_floor")
		c.recordMiss()
		return nil, ErrMiss
	}

	c.hits.Add(1)
	c.metrics.CacheLookups.WithLabelValues("hit").Inc()
	return entry, nil
}

// Put stores value under key with the given initial relevance and ttl.
// Relevance is clamped to [0, 1]; an entry whose initial relevance is
// already below the floor is not stored and Put returns nil.
func (c *Cache) Put(ctx context.Context, key string, origin types.Domain, value json.RawMessage, relevance float64, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}

	relevance = clamp01(relevance)
	if c.policy.BelowFloor(relevance) {
		c.metrics.CacheWrites.WithLabelValues("below_floor").Inc()
		return nil
	}

	now := c.now()
	entry := &types.CacheEntry{
		Key:            key,
		Value:          value,
		DomainOrigin:   origin,
		RelevanceScore: relevance,
		DecayFrom:      now,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
	if err := c.store(ctx, entry, ttl); err != nil {
		return err
	}
	c.sets.Add(1)
	c.metrics.CacheWrites.WithLabelValues("stored").Inc()
	return nil
}

// Touch recomputes the decayed relevance of key, boosts it when requesting
// differs from the entry's origin, rebases the decay clock to now and writes
// the entry back for its remaining lifetime. It returns the new relevance.
//
// Concurrent touches may overwrite each other; relevance is advisory.
// An expired or absent entry yields ErrMiss and is never recreated.
func (c *Cache) Touch(ctx context.Context, key string, requesting types.Domain) (float64, error) {
	entry, err := c.load(ctx, key)
	if err != nil {
		return 0, err
	}

	now := c.now()
	remaining := entry.ExpiresAt.Sub(now)
	if remaining <= 0 {
		c.evict(ctx, key, "expired")
		return 0, ErrMiss
	}

	current := c.policy.Relevance(entry, now)
	if c.policy.BelowFloor(current) {
		c.evict(ctx, key, "below_floor")
		return 0, ErrMiss
	}

	cross := requesting != entry.DomainOrigin
	if cross {
		entry.CrossDomainHits++
	}
	entry.RelevanceScore = c.policy.AfterTouch(current, cross)
	entry.DecayFrom = now

	if err := c.store(ctx, entry, remaining); err != nil {
		return 0, err
	}
	return entry.RelevanceScore, nil
}

// InvalidateDomain removes every entry that originated in domain.
func (c *Cache) InvalidateDomain(ctx context.Context, domain types.Domain) (int, error) {
	keys, err := c.backend.Keys(ctx, textnorm.DomainPrefix(domain))
	if err != nil {
		c.recordError("keys", err)
		return 0, unavailable(err)
	}

	removed := 0
	for _, k := range keys {
		if err := c.backend.Delete(ctx, k); err != nil {
			c.recordError("delete", err)
			return removed, unavailable(err)
		}
		removed++
	}
	c.deletes.Add(int64(removed))
	c.metrics.CacheEvictions.WithLabelValues("invalidated").Add(float64(removed))
	c.logger.WithFields(logrus.Fields{"domain": domain, "removed": removed}).Info("cache: domain invalidated")
	return removed, nil
}

// Warm pre-populates entries for domain keyed by their text, using twice the
// default TTL. It returns how many entries were stored.
func (c *Cache) Warm(ctx context.Context, domain types.Domain, entries map[string]json.RawMessage, relevance float64) (int, error) {
	stored := 0
	for text, value := range entries {
		if err := c.Put(ctx, c.Key(domain, text), domain, value, relevance, warmTTLFactor*c.ttl); err != nil {
			return stored, err
		}
		stored++
	}
	return stored, nil
}

// Scan returns the live entries whose key starts with prefix. Entries that
// have expired or decayed below the floor are skipped, not evicted.
func (c *Cache) Scan(ctx context.Context, prefix string) ([]*types.CacheEntry, error) {
	keys, err := c.backend.Keys(ctx, prefix)
	if err != nil {
		c.recordError("keys", err)
		return nil, unavailable(err)
	}

	now := c.now()
	entries := make([]*types.CacheEntry, 0, len(keys))
	for _, k := range keys {
		entry, err := c.load(ctx, k)
		if errors.Is(err, ErrMiss) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if entry.Expired(now) || c.policy.BelowFloor(c.policy.Relevance(entry, now)) {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Purge deletes every entry that has expired or decayed below the floor and
// returns how many were removed. Lookups already ignore such entries; Purge
// only reclaims space.
func (c *Cache) Purge(ctx context.Context) (int, error) {
	keys, err := c.backend.Keys(ctx, textnorm.KeyPrefix+":")
	if err != nil {
		c.recordError("keys", err)
		return 0, unavailable(err)
	}

	now := c.now()
	removed := 0
	for _, k := range keys {
		entry, err := c.load(ctx, k)
		if err != nil {
			continue
		}
		switch {
		case entry.Expired(now):
			c.evict(ctx, k, "expired")
		case c.policy.BelowFloor(c.policy.Relevance(entry, now)):
			c.evict(ctx, k, "below_floor")
		default:
			continue
		}
		removed++
	}
	return removed, nil
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Sets      int64   `json:"sets"`
	Deletes   int64   `json:"deletes"`
	Errors    int64   `json:"errors"`
	HitRate   float64 `json:"hit_rate"`
	Available bool    `json:"available"`
}

// Stats returns the counters accumulated since the cache was created.
func (c *Cache) Stats() Stats {
	s := Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Sets:      c.sets.Load(),
		Deletes:   c.deletes.Load(),
		Errors:    c.failures.Load(),
		Available: true,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	if a, ok := c.backend.(interface{ Available() bool }); ok {
		s.Available = a.Available()
	}
	return s
}

// Ping checks the backend.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.backend.Ping(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

// Close closes the backend.
func (c *Cache) Close() error {
	return c.backend.Close()
}

func (c *Cache) load(ctx context.Context, key string) (*types.CacheEntry, error) {
	raw, err := c.backend.Get(ctx, key)
	if errors.Is(err, ErrMiss) {
		return nil, ErrMiss
	}
	if err != nil {
		c.recordError("get", err)
		c.metrics.CacheLookups.WithLabelValues("error").Inc()
		return nil, unavailable(err)
	}

	var entry types.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("cache: dropping undecodable entry")
		c.evict(ctx, key, "corrupt")
		return nil, ErrMiss
	}
	return &entry, nil
}

func (c *Cache) store(ctx context.Context, entry *types.CacheEntry, ttl time.Duration) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: failed to encode entry: %w", err)
	}
	if err := c.backend.Set(ctx, entry.Key, raw, ttl); err != nil {
		c.recordError("set", err)
		c.metrics.CacheWrites.WithLabelValues("error").Inc()
		return unavailable(err)
	}
	return nil
}

// evict deletes key best-effort.
func (c *Cache) evict(ctx context.Context, key, reason string) {
	if err := c.backend.Delete(ctx, key); err != nil {
		c.recordError("delete", err)
		return
	}
	c.deletes.Add(1)
	c.metrics.CacheEvictions.WithLabelValues(reason).Inc()
}

func (c *Cache) recordMiss() {
	c.misses.Add(1)
	c.metrics.CacheLookups.WithLabelValues("miss").Inc()
}

func (c *Cache) recordError(op string, err error) {
	c.failures.Add(1)
	c.warn.Do(func() {
		c.logger.WithError(err).WithField("op", op).Warn("cache: backend unavailable, continuing without cache")
	})
}

func unavailable(err error) error {
	if errors.Is(err, ErrCacheUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
}
