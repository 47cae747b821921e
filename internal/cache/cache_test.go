package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/gergy/internal/metrics"
	"github.com/scrypster/gergy/pkg/types"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testPolicy() DecayPolicy {
	return DecayPolicy{Rate: 0.1, Unit: time.Hour, Floor: 0.5, TouchIncrement: 0.1}
}

func newTestCache(t *testing.T, backend Backend) (*Cache, *testClock, *metrics.Metrics) {
	t.Helper()
	if backend == nil {
		backend = NewMemoryBackend(time.Minute)
	}
	clock := newTestClock()
	m := metrics.New(nil)
	c := New(backend, testPolicy(), time.Hour, WithClock(clock.Now), WithMetrics(m))
	t.Cleanup(func() { _ = c.Close() })
	return c, clock, m
}

var payload = json.RawMessage(`{"suggestions":[]}`)

func TestCache_PutLookup(t *testing.T) {
	c, _, m := newTestCache(t, nil)
	ctx := context.Background()

	key := c.Key(types.DomainFinancial, "Quarterly tax estimate")
	require.NoError(t, c.Put(ctx, key, types.DomainFinancial, payload, 0.9, time.Hour))

	entry, err := c.Lookup(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, key, entry.Key)
	assert.Equal(t, types.DomainFinancial, entry.DomainOrigin)
	assert.InDelta(t, 0.9, entry.RelevanceScore, 1e-9)
	assert.JSONEq(t, string(payload), string(entry.Value))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheLookups.WithLabelValues("hit")))

	_, err = c.Lookup(ctx, c.Key(types.DomainFinancial, "something else"))
	assert.ErrorIs(t, err, ErrMiss)
}

func TestCache_KeyIsDeterministic(t *testing.T) {
	c, _, _ := newTestCache(t, nil)

	a := c.Key(types.DomainHome, "Fix the  Roof")
	b := c.Key(types.DomainHome, "fix the roof")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c.Key(types.DomainFamily, "fix the roof"))
}

func TestCache_DecayedBelowFloorIsEvicted(t *testing.T) {
	c, clock, m := newTestCache(t, nil)
	ctx := context.Background()

	key := c.Key(types.DomainLifestyle, "weekend hiking plan")
	require.NoError(t, c.Put(ctx, key, types.DomainLifestyle, payload, 0.9, 24*time.Hour))

	clock.Advance(3 * time.Hour)
	entry, err := c.Lookup(ctx, key)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, c.Policy().Relevance(entry, clock.Now()), 1e-9)

	// 0.9 - 0.1*5 = 0.4 < 0.5
	clock.Advance(2 * time.Hour)
	_, err = c.Lookup(ctx, key)
	assert.ErrorIs(t, err, ErrMiss)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheEvictions.WithLabelValues("below_floor")))

	// removed from the backend, not just hidden
	_, err = c.backend.Get(ctx, key)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestCache_ExpiredIsNeverReturned(t *testing.T) {
	c, clock, _ := newTestCache(t, nil)
	ctx := context.Background()

	key := c.Key(types.DomainFamily, "school pickup schedule")
	require.NoError(t, c.Put(ctx, key, types.DomainFamily, payload, 1.0, 30*time.Minute))

	clock.Advance(30*time.Minute - time.Second)
	_, err := c.Lookup(ctx, key)
	require.NoError(t, err)

	// the backend still holds the bytes; expiry is decided on read
	clock.Advance(time.Second)
	_, err = c.Lookup(ctx, key)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestCache_PutValidation(t *testing.T) {
	c, _, m := newTestCache(t, nil)
	ctx := context.Background()
	key := c.Key(types.DomainHome, "gutter cleaning")

	assert.ErrorIs(t, c.Put(ctx, key, types.DomainHome, payload, 0.9, 0), ErrInvalidTTL)
	assert.ErrorIs(t, c.Put(ctx, key, types.DomainHome, payload, 0.9, -time.Minute), ErrInvalidTTL)

	// below the floor on arrival: not stored
	require.NoError(t, c.Put(ctx, key, types.DomainHome, payload, 0.3, time.Hour))
	_, err := c.Lookup(ctx, key)
	assert.ErrorIs(t, err, ErrMiss)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheWrites.WithLabelValues("below_floor")))

	// clamped to 1.0
	require.NoError(t, c.Put(ctx, key, types.DomainHome, payload, 3.5, time.Hour))
	entry, err := c.Lookup(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1.0, entry.RelevanceScore)
}

func TestCache_Touch(t *testing.T) {
	c, clock, _ := newTestCache(t, nil)
	ctx := context.Background()

	key := c.Key(types.DomainFinancial, "mortgage refinance")
	require.NoError(t, c.Put(ctx, key, types.DomainFinancial, payload, 0.8, 10*time.Hour))

	clock.Advance(2 * time.Hour)

	// same domain: rebased without a boost
	got, err := c.Touch(ctx, key, types.DomainFinancial)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, got, 1e-9)

	// cross-domain: boosted, and the decay clock starts over
	got, err = c.Touch(ctx, key, types.DomainHome)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, got, 1e-9)

	entry, err := c.Lookup(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.CrossDomainHits)
	assert.Equal(t, clock.Now(), entry.DecayFrom.UTC())
	assert.Equal(t, clock.Now().Add(8*time.Hour), entry.ExpiresAt.UTC())
}

func TestCache_TouchCapsAtOne(t *testing.T) {
	c, _, _ := newTestCache(t, nil)
	ctx := context.Background()

	key := c.Key(types.DomainProfessional, "quarterly review prep")
	require.NoError(t, c.Put(ctx, key, types.DomainProfessional, payload, 0.95, time.Hour))

	got, err := c.Touch(ctx, key, types.DomainFamily)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got)
}

func TestCache_TouchDoesNotResurrect(t *testing.T) {
	c, clock, _ := newTestCache(t, nil)
	ctx := context.Background()

	key := c.Key(types.DomainFamily, "birthday party")
	_, err := c.Touch(ctx, key, types.DomainFinancial)
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Put(ctx, key, types.DomainFamily, payload, 0.9, time.Hour))
	clock.Advance(time.Hour)

	_, err = c.Touch(ctx, key, types.DomainFinancial)
	assert.ErrorIs(t, err, ErrMiss)
	_, err = c.backend.Get(ctx, key)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestCache_InvalidateDomain(t *testing.T) {
	c, _, _ := newTestCache(t, nil)
	ctx := context.Background()

	for _, text := range []string{"budget review", "tax filing", "insurance renewal"} {
		require.NoError(t, c.Put(ctx, c.Key(types.DomainFinancial, text), types.DomainFinancial, payload, 0.9, time.Hour))
	}
	homeKey := c.Key(types.DomainHome, "budget review")
	require.NoError(t, c.Put(ctx, homeKey, types.DomainHome, payload, 0.9, time.Hour))

	n, err := c.InvalidateDomain(ctx, types.DomainFinancial)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = c.Lookup(ctx, c.Key(types.DomainFinancial, "tax filing"))
	assert.ErrorIs(t, err, ErrMiss)
	_, err = c.Lookup(ctx, homeKey)
	assert.NoError(t, err)
}

func TestCache_Warm(t *testing.T) {
	c, clock, _ := newTestCache(t, nil)
	ctx := context.Background()

	n, err := c.Warm(ctx, types.DomainLifestyle, map[string]json.RawMessage{
		"meal prep":     payload,
		"gym schedule":  payload,
		"travel points": payload,
	}, 0.9)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	entry, err := c.Lookup(ctx, c.Key(types.DomainLifestyle, "Meal Prep"))
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(2*time.Hour), entry.ExpiresAt.UTC())
}

func TestCache_Purge(t *testing.T) {
	c, clock, _ := newTestCache(t, nil)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, c.Key(types.DomainHome, "short"), types.DomainHome, payload, 1.0, time.Hour))
	require.NoError(t, c.Put(ctx, c.Key(types.DomainHome, "faded"), types.DomainHome, payload, 0.7, 24*time.Hour))
	require.NoError(t, c.Put(ctx, c.Key(types.DomainHome, "fresh"), types.DomainHome, payload, 1.0, 24*time.Hour))

	clock.Advance(3 * time.Hour)
	n, err := c.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	keys, err := c.backend.Keys(ctx, "gergy:")
	require.NoError(t, err)
	assert.Equal(t, []string{c.Key(types.DomainHome, "fresh")}, keys)
}

func TestCache_ScanSkipsDeadEntries(t *testing.T) {
	c, clock, _ := newTestCache(t, nil)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, c.Key(types.DomainHome, "short"), types.DomainHome, payload, 1.0, time.Hour))
	require.NoError(t, c.Put(ctx, c.Key(types.DomainHome, "faded"), types.DomainHome, payload, 0.7, 24*time.Hour))
	require.NoError(t, c.Put(ctx, c.Key(types.DomainHome, "fresh"), types.DomainHome, payload, 1.0, 24*time.Hour))
	require.NoError(t, c.Put(ctx, c.Key(types.DomainProfessional, "fresh"), types.DomainProfessional, payload, 1.0, 24*time.Hour))

	clock.Advance(3 * time.Hour)
	entries, err := c.Scan(ctx, "gergy:home:")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, c.Key(types.DomainHome, "fresh"), entries[0].Key)

	// scanning does not evict
	keys, err := c.backend.Keys(ctx, "gergy:home:")
	require.NoError(t, err)
	assert.Len(t, keys, 3)
}

func TestCache_Stats(t *testing.T) {
	c, _, _ := newTestCache(t, nil)
	ctx := context.Background()

	key := c.Key(types.DomainFamily, "chores")
	require.NoError(t, c.Put(ctx, key, types.DomainFamily, payload, 0.9, time.Hour))
	_, _ = c.Lookup(ctx, key)
	_, _ = c.Lookup(ctx, key)
	_, _ = c.Lookup(ctx, c.Key(types.DomainFamily, "absent"))

	s := c.Stats()
	assert.Equal(t, int64(2), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, int64(1), s.Sets)
	assert.InDelta(t, 2.0/3.0, s.HitRate, 1e-9)
	assert.True(t, s.Available)
}

// failingBackend fails every call while down is set.
type failingBackend struct {
	*MemoryBackend
	mu    sync.Mutex
	down  bool
	calls int
}

var errConnRefused = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")

func (f *failingBackend) fail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.down {
		return errConnRefused
	}
	return nil
}

func (f *failingBackend) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *failingBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.MemoryBackend.Get(ctx, key)
}

func (f *failingBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.MemoryBackend.Set(ctx, key, value, ttl)
}

func TestCache_BackendFailureIsUnavailable(t *testing.T) {
	fb := &failingBackend{MemoryBackend: NewMemoryBackend(time.Minute), down: true}
	c, _, _ := newTestCache(t, fb)
	ctx := context.Background()
	key := c.Key(types.DomainFinancial, "anything")

	_, err := c.Lookup(ctx, key)
	assert.ErrorIs(t, err, ErrCacheUnavailable)
	assert.ErrorIs(t, c.Put(ctx, key, types.DomainFinancial, payload, 0.9, time.Hour), ErrCacheUnavailable)
	assert.Equal(t, int64(2), c.Stats().Errors)
	assert.Equal(t, int64(0), c.Stats().Misses)
}

func TestBreakerBackend_OpensAndRecovers(t *testing.T) {
	fb := &failingBackend{MemoryBackend: NewMemoryBackend(time.Minute), down: true}
	bb := NewBreakerBackend(fb, BreakerConfig{MaxFailures: 2, Timeout: 50 * time.Millisecond}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := bb.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrCacheUnavailable)
	}
	assert.False(t, bb.Available())
	assert.Equal(t, "open", bb.State())

	// rejected without reaching the backend
	fb.mu.Lock()
	before := fb.calls
	fb.mu.Unlock()
	_, err := bb.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheUnavailable)
	fb.mu.Lock()
	assert.Equal(t, before, fb.calls)
	fb.mu.Unlock()

	fb.setDown(false)
	time.Sleep(80 * time.Millisecond)

	// a miss counts as success and closes the circuit
	_, err = bb.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
	assert.True(t, bb.Available())
	assert.Equal(t, "closed", bb.State())
}

func TestCache_StatsReportBreakerState(t *testing.T) {
	fb := &failingBackend{MemoryBackend: NewMemoryBackend(time.Minute), down: true}
	bb := NewBreakerBackend(fb, BreakerConfig{MaxFailures: 1, Timeout: time.Hour}, nil)
	c, _, _ := newTestCache(t, bb)

	_, err := c.Lookup(context.Background(), c.Key(types.DomainHome, "x"))
	assert.ErrorIs(t, err, ErrCacheUnavailable)
	assert.False(t, c.Stats().Available)
}
