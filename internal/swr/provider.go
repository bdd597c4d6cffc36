package swr

import (
	"context"
	"time"
)

// Provider is a backing store used to seed entries that have no data yet
// and to persist successful fetches. A miss is (zero, false, nil).
type Provider[T any] interface {
	Get(ctx context.Context, key string) (T, bool, error)
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
}
