package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sandarbhasthana/pms-gateway/internal/coalesce"
	"github.com/sandarbhasthana/pms-gateway/internal/models"
	"github.com/sandarbhasthana/pms-gateway/internal/observability"
	"github.com/sandarbhasthana/pms-gateway/internal/swr"
	"github.com/sandarbhasthana/pms-gateway/internal/traffic"
	"github.com/sandarbhasthana/pms-gateway/internal/upstream"
)

// Upstream fetches a resource from the PMS API. Implemented by upstream.Client.
type Upstream interface {
	Fetch(ctx context.Context, key string) (models.Resource, error)
}

// FailureNotifier is told about upstream failures that suggest lost connectivity.
type FailureNotifier interface {
	NotifyFailure()
}

// ResourceService serves PMS resources through the revalidating cache.
// Every upstream read goes through one Fetcher per key so concurrent
// requests, subscribers and warmers share a single in-flight call.
type ResourceService struct {
	upstream  Upstream
	cache     *swr.Client[models.Resource]
	coalescer *coalesce.Coalescer[models.Resource]
	tracker   *traffic.Tracker
	notifier  FailureNotifier
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a ResourceService.
type Option func(*ResourceService)

// WithTracker records every upstream outcome in t.
func WithTracker(t *traffic.Tracker) Option {
	return func(s *ResourceService) { s.tracker = t }
}

// WithFailureNotifier reports connectivity-class failures to n.
func WithFailureNotifier(n FailureNotifier) Option {
	return func(s *ResourceService) { s.notifier = n }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *ResourceService) { s.logger = logger }
}

// NewResourceService creates a ResourceService. co is the coalescer the
// cache client was built with and is only used for diagnostics.
func NewResourceService(up Upstream, cache *swr.Client[models.Resource], co *coalesce.Coalescer[models.Resource], opts ...Option) *ResourceService {
	s := &ResourceService{
		upstream:  up,
		cache:     cache,
		coalescer: co,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ResourceService) loggerFor(ctx context.Context) *zap.Logger {
	if l := observability.LoggerFromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// fetcher returns the upstream fetch for key. It runs once per coalesced
// call, so outcomes recorded here count real upstream traffic.
func (s *ResourceService) fetcher(key string) swr.Fetcher[models.Resource] {
	return func(ctx context.Context) (models.Resource, error) {
		res, err := s.upstream.Fetch(ctx, key)
		if err != nil {
			if s.tracker != nil {
				s.tracker.RecordError()
			}
			if s.notifier != nil && connectivityFailure(err) {
				s.notifier.NotifyFailure()
			}
			return models.Resource{}, fmt.Errorf("fetch %s: %w", key, err)
		}
		if s.tracker != nil {
			s.tracker.RecordSuccess()
		}
		res.Key = key
		return res, nil
	}
}

func connectivityFailure(err error) bool {
	switch upstream.CategorizeError(err) {
	case upstream.ErrorCategoryNetwork, upstream.ErrorCategoryTimeout,
		upstream.ErrorCategoryUpstream5xx, upstream.ErrorCategoryCircuitOpen:
		return true
	}
	return false
}

// Get returns the resource for key and where it came from. Stale values are
// returned at once and revalidated in the background.
func (s *ResourceService) Get(ctx context.Context, key string) (models.Resource, swr.Source, error) {
	start := s.now()
	logger := s.loggerFor(ctx)
	observability.RecordResourceQuery(key)

	res, err := s.cache.Load(ctx, key, s.fetcher(key))
	if err != nil {
		logger.Debug("resource fetch failed", zap.String("key", key), zap.Error(err))
		return models.Resource{}, "", err
	}
	v := res.Value
	v.Stale = res.Source == swr.SourceStale
	logger.Debug("resource served",
		zap.String("key", key),
		zap.String("source", string(res.Source)),
		zap.Duration("duration", s.now().Sub(start)))
	return v, res.Source, nil
}

// Refresh fetches key from upstream regardless of cache state.
func (s *ResourceService) Refresh(ctx context.Context, key string) (models.Resource, error) {
	res, err := s.cache.Refresh(ctx, key, s.fetcher(key))
	if err != nil {
		return models.Resource{}, err
	}
	s.loggerFor(ctx).Debug("resource refreshed", zap.String("key", key))
	return res, nil
}

// Mutate stores body as the optimistic value of key until the next fetch completes.
func (s *ResourceService) Mutate(ctx context.Context, key string, body json.RawMessage, contentType string) models.Resource {
	if contentType == "" {
		contentType = "application/json"
	}
	res := models.Resource{
		Key:         key,
		Body:        body,
		ContentType: contentType,
		FetchedAt:   s.now(),
		Stale:       true,
	}
	s.cache.Mutate(key, res)
	s.loggerFor(ctx).Info("resource mutated", zap.String("key", key), zap.Int("bytes", len(body)))
	return res
}

// Watch subscribes to key. Callers must Unsubscribe.
func (s *ResourceService) Watch(key string) (*swr.Subscription[models.Resource], swr.Snapshot[models.Resource]) {
	return s.cache.Subscribe(key, s.fetcher(key))
}

// Snapshot returns the cache view of key without fetching.
func (s *ResourceService) Snapshot(key string) (swr.Snapshot[models.Resource], bool) {
	return s.cache.Snapshot(key)
}

// Focus revalidates watched keys after the client regained focus.
func (s *ResourceService) Focus(ctx context.Context) int {
	n := s.cache.Focus()
	s.loggerFor(ctx).Info("focus revalidation", zap.Int("fetches", n))
	return n
}

// Reconnect revalidates watched keys after connectivity returned.
func (s *ResourceService) Reconnect(ctx context.Context) int {
	n := s.cache.Reconnect()
	s.loggerFor(ctx).Info("reconnect revalidation", zap.Int("fetches", n))
	return n
}

// Warm refreshes key. Implements cache.Refresher.
func (s *ResourceService) Warm(ctx context.Context, key string) error {
	_, err := s.Refresh(ctx, key)
	return err
}

// PendingCount sweeps expired fetches and returns how many remain in flight.
func (s *ResourceService) PendingCount() int {
	if s.coalescer == nil {
		return 0
	}
	return s.coalescer.PendingCount()
}

// Pending lists in-flight upstream fetches.
func (s *ResourceService) Pending() []coalesce.PendingInfo {
	if s.coalescer == nil {
		return nil
	}
	return s.coalescer.Pending()
}

// Entries lists cache entries.
func (s *ResourceService) Entries() []swr.EntryInfo {
	return s.cache.Entries()
}
