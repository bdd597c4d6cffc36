package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sandarbhasthana/pms-gateway/internal/observability"
)

// Refresher is implemented by the service layer to force-fetch one key.
// Used by Warmer to avoid a dependency on the service package.
type Refresher interface {
	Warm(ctx context.Context, key string) error
}

// Warmer prefetches a fixed list of keys so the first client request is served from cache.
type Warmer struct {
	refresher   Refresher
	logger      *zap.Logger
	concurrency int
}

// NewWarmer creates a Warmer that runs at most concurrency refreshes at once
// (unbounded if concurrency <= 0).
func NewWarmer(refresher Refresher, logger *zap.Logger, concurrency int) *Warmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Warmer{refresher: refresher, logger: logger, concurrency: concurrency}
}

// Warm refreshes every key and returns the joined failures. One failing key
// does not stop the others.
func (w *Warmer) Warm(ctx context.Context, keys []string) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming cache", zap.Int("keys", len(keys)))

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	if w.concurrency > 0 {
		g.SetLimit(w.concurrency)
	}
	for _, key := range keys {
		key := key
		g.Go(func() error {
			if err := w.refresher.Warm(gctx, key); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("warm %s: %w", key, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete", zap.Int("keys", len(keys)), zap.Int("errors", len(errs)), zap.Float64("duration_seconds", duration))
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}

// WarmPeriodic runs an initial Warm, then refreshes at the given interval until ctx is done.
// A non-positive interval warms once.
func (w *Warmer) WarmPeriodic(ctx context.Context, keys []string, interval time.Duration) error {
	if err := w.Warm(ctx, keys); err != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx, keys); err != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
