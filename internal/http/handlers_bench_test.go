package http

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/sandarbhasthana/pms-gateway/internal/traffic"
	"github.com/sandarbhasthana/pms-gateway/internal/upstream"
)

func benchmarkRouter(b *testing.B, up *mockUpstream, cfg RouterConfig) http.Handler {
	b.Helper()
	h := NewHandler(newTestService(b, up), nil, nil)
	b.Cleanup(h.CloseStreams)
	return NewRouter(h, cfg)
}

func runBenchmark(b *testing.B, router http.Handler, method, path string) {
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	}
}

// BenchmarkHandler_GetResource_CacheHit measures a fresh read served from memory.
func BenchmarkHandler_GetResource_CacheHit(b *testing.B) {
	up := &mockUpstream{bodies: map[string]string{"rooms/101": `{"number":101,"status":"clean"}`}}
	router := benchmarkRouter(b, up, RouterConfig{RequestTimeout: time.Second})
	// Warm the entry; the deduping window keeps it fresh for the run.
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/rooms/101", nil))
	runBenchmark(b, router, http.MethodGet, "/v1/rooms/101")
}

// BenchmarkHandler_GetResource_CacheMiss uses a distinct key per iteration.
func BenchmarkHandler_GetResource_CacheMiss(b *testing.B) {
	bodies := make(map[string]string, b.N)
	for i := 0; i < b.N; i++ {
		bodies["rooms/"+strconv.Itoa(i)] = `{}`
	}
	router := benchmarkRouter(b, &mockUpstream{bodies: bodies}, RouterConfig{})
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/rooms/"+strconv.Itoa(i), nil))
	}
}

func BenchmarkHandler_GetResource_UpstreamError(b *testing.B) {
	router := benchmarkRouter(b, &mockUpstream{err: upstream.ErrUpstreamFailure}, RouterConfig{})
	runBenchmark(b, router, http.MethodGet, "/v1/rooms/101")
}

func BenchmarkHandler_GetResource_ValidationError(b *testing.B) {
	router := benchmarkRouter(b, &mockUpstream{}, RouterConfig{})
	runBenchmark(b, router, http.MethodGet, "/v1/room%20types")
}

func BenchmarkHandler_GetResource_RateLimited(b *testing.B) {
	router := benchmarkRouter(b, &mockUpstream{}, RouterConfig{
		Limiter: rate.NewLimiter(rate.Limit(0.001), 0),
		Tracker: traffic.NewTracker(time.Second, nil),
	})
	runBenchmark(b, router, http.MethodGet, "/v1/rooms/101")
}

func BenchmarkHandler_GetHealth(b *testing.B) {
	router := benchmarkRouter(b, &mockUpstream{}, RouterConfig{})
	runBenchmark(b, router, http.MethodGet, "/health")
}
