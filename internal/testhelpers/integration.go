//go:build integration
// +build integration

package testhelpers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sandarbhasthana/pms-gateway/internal/cache"
	"github.com/sandarbhasthana/pms-gateway/internal/circuitbreaker"
	"github.com/sandarbhasthana/pms-gateway/internal/coalesce"
	"github.com/sandarbhasthana/pms-gateway/internal/models"
	"github.com/sandarbhasthana/pms-gateway/internal/service"
	"github.com/sandarbhasthana/pms-gateway/internal/swr"
	"github.com/sandarbhasthana/pms-gateway/internal/traffic"
	"github.com/sandarbhasthana/pms-gateway/internal/upstream"
)

// TestAPIKey is the bearer token FakePMS accepts.
const TestAPIKey = "integration-key"

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	CacheBackend  string // "in_memory" or "memcached"
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from environment.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	addr := os.Getenv("MEMCACHED_ADDRS")
	if addr == "" {
		addr = "localhost:11211"
	}
	return IntegrationTestConfig{
		CacheBackend:  os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr: addr,
	}
}

// FakePMS is an httptest server standing in for the PMS REST API. Resources
// are served from an in-memory map; unknown paths answer 404.
type FakePMS struct {
	Server *httptest.Server

	mu        sync.Mutex
	resources map[string]string
	calls     map[string]int
	delay     time.Duration
	status    int
	online    atomic.Bool
}

// NewFakePMS starts a FakePMS and stops it when the test ends.
func NewFakePMS(t *testing.T) *FakePMS {
	t.Helper()
	f := &FakePMS{resources: make(map[string]string), calls: make(map[string]int)}
	f.online.Store(true)
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *FakePMS) serve(w http.ResponseWriter, r *http.Request) {
	if !f.online.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+TestAPIKey {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/")
	if r.URL.RawQuery != "" {
		key += "?" + r.URL.RawQuery
	}

	f.mu.Lock()
	f.calls[key]++
	body, ok := f.resources[key]
	delay, status := f.delay, f.status
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if key == "health" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

// Set stores body under key (path plus optional sorted query).
func (f *FakePMS) Set(key, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resources[key] = body
}

// SetDelay delays every response by d.
func (f *FakePMS) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// SetStatus forces every resource response to status. Zero restores normal answers.
func (f *FakePMS) SetStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

// SetOnline toggles whether the server answers at all (503 when offline).
func (f *FakePMS) SetOnline(v bool) {
	f.online.Store(v)
}

// Calls returns how many requests reached key.
func (f *FakePMS) Calls(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

// Stack is the gateway service wired against a FakePMS.
type Stack struct {
	PMS      *FakePMS
	Upstream *upstream.Client
	Cache    *swr.Client[models.Resource]
	Service  *service.ResourceService
	Tracker  *traffic.Tracker
	Breaker  *circuitbreaker.CircuitBreaker
}

// SetupIntegrationStack builds the upstream client, provider store,
// coalescer, cache client and service. Memcached is used when requested and
// reachable, otherwise the in-memory store.
func SetupIntegrationStack(t *testing.T, cfg IntegrationTestConfig, opts swr.Options) *Stack {
	t.Helper()
	pms := NewFakePMS(t)

	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          200 * time.Millisecond,
		Component:        "integration",
		IsFailure: func(err error) bool {
			return !errors.Is(err, upstream.ErrNotFound) && !errors.Is(err, upstream.ErrUnauthorized)
		},
	})
	up, err := upstream.New(upstream.Config{
		BaseURL: pms.Server.URL,
		APIKey:  TestAPIKey,
		Timeout: 2 * time.Second,
		Breaker: breaker,
	})
	if err != nil {
		t.Fatalf("upstream.New() error = %v", err)
	}

	var store cache.Store[models.Resource]
	if cfg.CacheBackend == "memcached" {
		mc := cache.NewMemcachedStore[models.Resource](cfg.MemcachedAddr, 500*time.Millisecond, 2)
		if err := mc.Ping(); err == nil {
			store = mc
			t.Cleanup(func() { _ = mc.Close() })
			t.Logf("Using memcached at %s", cfg.MemcachedAddr)
		} else {
			t.Logf("memcached not available (%v), using in-memory store", err)
		}
	}
	if store == nil {
		mem := cache.NewMemoryStore[models.Resource](time.Minute)
		t.Cleanup(func() { _ = mem.Close() })
		store = mem
	}

	co := coalesce.New[models.Resource](5 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	co.StartJanitor(ctx, time.Second)

	client := swr.New[models.Resource](opts,
		swr.WithCoalescer(co),
		swr.WithProvider[models.Resource](cache.Instrument[models.Resource](store)),
		swr.WithProviderTTL[models.Resource](time.Minute),
	)
	t.Cleanup(client.Close)

	tracker := traffic.NewTracker(0, nil)
	svc := service.NewResourceService(up, client, co, service.WithTracker(tracker))
	return &Stack{
		PMS:      pms,
		Upstream: up,
		Cache:    client,
		Service:  svc,
		Tracker:  tracker,
		Breaker:  breaker,
	}
}
