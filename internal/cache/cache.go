package cache

import (
	"context"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/sandarbhasthana/pms-gateway/internal/observability"
)

// Store is a key/value store with per-item TTL. Get returns (zero, false, nil)
// on a miss. Both implementations satisfy swr.Provider.
type Store[T any] interface {
	Get(ctx context.Context, key string) (T, bool, error)
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
}

// MemoryStore is an in-process Store backed by ttlcache. Safe for concurrent use.
type MemoryStore[T any] struct {
	cache *ttlcache.Cache[string, T]
}

// NewMemoryStore creates a MemoryStore whose items expire after defaultTTL
// unless Set is given a positive ttl. Call Close to stop the expiry loop.
func NewMemoryStore[T any](defaultTTL time.Duration) *MemoryStore[T] {
	c := ttlcache.New[string, T](
		ttlcache.WithTTL[string, T](defaultTTL),
		ttlcache.WithDisableTouchOnHit[string, T](),
	)
	go c.Start()
	return &MemoryStore[T]{cache: c}
}

func (s *MemoryStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	item := s.cache.Get(key)
	if item == nil || item.IsExpired() {
		return zero, false, nil
	}
	return item.Value(), true, nil
}

func (s *MemoryStore[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = ttlcache.DefaultTTL
	}
	s.cache.Set(key, value, ttl)
	return nil
}

// Len returns the number of unexpired items.
func (s *MemoryStore[T]) Len() int {
	return s.cache.Len()
}

// Close stops the background expiry loop.
func (s *MemoryStore[T]) Close() error {
	s.cache.Stop()
	return nil
}

// Instrumented wraps a Store with provider metrics.
type Instrumented[T any] struct {
	next Store[T]
}

// Instrument records duration and error category for every call to next.
func Instrument[T any](next Store[T]) *Instrumented[T] {
	return &Instrumented[T]{next: next}
}

func (s *Instrumented[T]) Get(ctx context.Context, key string) (T, bool, error) {
	start := time.Now()
	v, ok, err := s.next.Get(ctx, key)
	observe("get", start, err)
	return v, ok, err
}

func (s *Instrumented[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	start := time.Now()
	err := s.next.Set(ctx, key, value, ttl)
	observe("set", start, err)
	return err
}

func observe(op string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
		observability.ProviderErrorsTotal.WithLabelValues(op, CategorizeError(err)).Inc()
	}
	observability.ProviderOperationDurationSeconds.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}

// CategorizeError returns a stable label for store error metrics (timeout, connection, unknown).
func CategorizeError(err error) string {
	if err == nil {
		return "unknown"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") || strings.Contains(errStr, "no servers") {
		return "connection"
	}
	return "unknown"
}
