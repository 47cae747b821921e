package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/scrypster/gergy/internal/logging"
)

// BreakerConfig holds the circuit breaker settings for a backend.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the
	// circuit. Default: 3
	MaxFailures uint32

	// Timeout is how long the circuit stays open before a trial request.
	// Default: 30 seconds
	Timeout time.Duration

	// HalfOpenMaxRequests is the number of trial requests allowed while
	// half-open. Default: 1
	HalfOpenMaxRequests uint32
}

// BreakerBackend guards a Backend with a circuit breaker. Every failure,
// including a rejected call while the circuit is open, is reported as
// ErrCacheUnavailable. ErrMiss is a successful outcome.
type BreakerBackend struct {
	next    Backend
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerBackend wraps next.
func NewBreakerBackend(next Backend, cfg BreakerConfig, logger logrus.FieldLogger) *BreakerBackend {
	logger = logging.OrDiscard(logger)
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests == 0 {
		cfg.HalfOpenMaxRequests = 1
	}

	settings := gobreaker.Settings{
		Name:        "cache-backend",
		MaxRequests: cfg.HalfOpenMaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrMiss)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("cache: circuit breaker state changed")
		},
	}

	return &BreakerBackend{next: next, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// Available reports whether the circuit is not open.
func (b *BreakerBackend) Available() bool {
	return b.breaker.State() != gobreaker.StateOpen
}

// State returns "closed", "open" or "half-open".
func (b *BreakerBackend) State() string {
	return b.breaker.State().String()
}

func (b *BreakerBackend) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := b.execute(func() (interface{}, error) {
		return b.next.Get(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (b *BreakerBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.next.Set(ctx, key, value, ttl)
	})
	return err
}

func (b *BreakerBackend) Delete(ctx context.Context, key string) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.next.Delete(ctx, key)
	})
	return err
}

func (b *BreakerBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	v, err := b.execute(func() (interface{}, error) {
		return b.next.Keys(ctx, prefix)
	})
	if err != nil {
		return nil, err
	}
	keys, _ := v.([]string)
	return keys, nil
}

func (b *BreakerBackend) Ping(ctx context.Context) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.next.Ping(ctx)
	})
	return err
}

func (b *BreakerBackend) Close() error {
	return b.next.Close()
}

func (b *BreakerBackend) execute(fn func() (interface{}, error)) (interface{}, error) {
	v, err := b.breaker.Execute(fn)
	if err == nil {
		return v, nil
	}
	if errors.Is(err, ErrMiss) {
		return nil, ErrMiss
	}
	if errors.Is(err, ErrCacheUnavailable) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
}
