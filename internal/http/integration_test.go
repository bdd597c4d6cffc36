//go:build integration
// +build integration

package http

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sandarbhasthana/pms-gateway/internal/observability"
	"github.com/sandarbhasthana/pms-gateway/internal/swr"
	testhelpers "github.com/sandarbhasthana/pms-gateway/internal/testhelpers"
)

var testLogger *zap.Logger

func init() {
	var err error
	testLogger, err = observability.NewLogger()
	if err != nil {
		panic(err)
	}
}

// setupIntegrationRouter wires the full stack against a fake PMS and returns
// the router with the stack for test setup.
func setupIntegrationRouter(t *testing.T, opts swr.Options, limiter *rate.Limiter) (*mux.Router, *Handler, *testhelpers.Stack) {
	t.Helper()
	stack := testhelpers.SetupIntegrationStack(t, testhelpers.GetIntegrationConfig(t), opts)
	h := NewHandler(stack.Service, &HealthConfig{
		DegradedWindow:   time.Minute,
		DegradedErrorPct: 50,
		Tracker:          stack.Tracker,
	}, testLogger)
	t.Cleanup(h.CloseStreams)
	router := NewRouter(h, RouterConfig{
		Logger:         testLogger,
		Limiter:        limiter,
		Tracker:        stack.Tracker,
		RequestTimeout: 5 * time.Second,
	})
	return router, h, stack
}

func makeIntegrationRequest(router http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

// TestIntegration_GetResource_MissThenHit verifies the first request reaches
// the PMS and a repeat inside the deduping window does not.
func TestIntegration_GetResource_MissThenHit(t *testing.T) {
	router, _, stack := setupIntegrationRouter(t, swr.DefaultOptions(), nil)
	stack.PMS.Set("properties/7", `{"id":7,"name":"Harbour View"}`)

	w := makeIntegrationRequest(router, http.MethodGet, "/v1/properties/7")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200. Body: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Cache-State") != "fetched" {
		t.Errorf("X-Cache-State = %q, want fetched", w.Header().Get("X-Cache-State"))
	}

	w2 := makeIntegrationRequest(router, http.MethodGet, "/v1/properties/7")
	if w2.Code != http.StatusOK {
		t.Fatalf("second Status = %d, want 200", w2.Code)
	}
	if w2.Body.String() != w.Body.String() {
		t.Errorf("second body = %s, want %s", w2.Body.String(), w.Body.String())
	}
	if n := stack.PMS.Calls("properties/7"); n != 1 {
		t.Errorf("PMS calls = %d, want 1", n)
	}
}

// TestIntegration_GetResource_ConcurrentCoalesced verifies simultaneous
// requests for one key produce a single PMS call.
func TestIntegration_GetResource_ConcurrentCoalesced(t *testing.T) {
	router, _, stack := setupIntegrationRouter(t, swr.DefaultOptions(), nil)
	stack.PMS.Set("reservations?date=2026-03-01", `[{"id":1}]`)
	stack.PMS.SetDelay(200 * time.Millisecond)

	const callers = 10
	var wg sync.WaitGroup
	codes := make(chan int, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes <- makeIntegrationRequest(router, http.MethodGet, "/v1/reservations?date=2026-03-01").Code
		}()
	}
	wg.Wait()
	close(codes)

	for code := range codes {
		if code != http.StatusOK {
			t.Errorf("status = %d, want 200", code)
		}
	}
	if n := stack.PMS.Calls("reservations?date=2026-03-01"); n != 1 {
		t.Errorf("PMS calls = %d, want 1", n)
	}
}

// TestIntegration_UpstreamFailuresOpenBreaker verifies 5xx answers map to 502
// until the breaker opens, after which requests fail fast with 503.
func TestIntegration_UpstreamFailuresOpenBreaker(t *testing.T) {
	opts := swr.DefaultOptions()
	opts.DedupingInterval = 0
	router, _, stack := setupIntegrationRouter(t, opts, nil)
	stack.PMS.SetStatus(http.StatusInternalServerError)

	for i := 0; i < 3; i++ {
		if w := makeIntegrationRequest(router, http.MethodGet, "/v1/staff"); w.Code != http.StatusBadGateway {
			t.Fatalf("request %d status = %d, want 502", i, w.Code)
		}
	}
	w := makeIntegrationRequest(router, http.MethodGet, "/v1/staff")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status after threshold = %d, want 503", w.Code)
	}
	if n := stack.PMS.Calls("staff"); n != 3 {
		t.Errorf("PMS calls = %d, want 3", n)
	}

	h := makeIntegrationRequest(router, http.MethodGet, "/health")
	if h.Code != http.StatusServiceUnavailable || !strings.Contains(h.Body.String(), `"degraded"`) {
		t.Errorf("health = %d %s, want degraded", h.Code, h.Body.String())
	}
}

func TestIntegration_GetResource_NotFound(t *testing.T) {
	router, _, _ := setupIntegrationRouter(t, swr.DefaultOptions(), nil)

	w := makeIntegrationRequest(router, http.MethodGet, "/v1/rooms/999")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

// TestIntegration_Watch_ReceivesRefresh verifies a watcher sees new data
// after a forced refresh picks up a PMS change.
func TestIntegration_Watch_ReceivesRefresh(t *testing.T) {
	router, _, stack := setupIntegrationRouter(t, swr.DefaultOptions(), nil)
	stack.PMS.Set("rooms/101", `{"status":"dirty"}`)
	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/watch/rooms/101")
	if err != nil {
		t.Fatalf("GET /watch: %v", err)
	}
	defer resp.Body.Close()

	events := make(chan snapshotEvent, 16)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if data, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
				var ev snapshotEvent
				if json.Unmarshal([]byte(data), &ev) == nil {
					events <- ev
				}
			}
		}
	}()

	waitFor := func(body string) {
		t.Helper()
		deadline := time.After(3 * time.Second)
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					t.Fatalf("stream closed before %s", body)
				}
				if ev.State == "fresh" && string(ev.Data) == body {
					return
				}
			case <-deadline:
				t.Fatalf("no fresh snapshot with %s", body)
			}
		}
	}
	waitFor(`{"status":"dirty"}`)

	stack.PMS.Set("rooms/101", `{"status":"clean"}`)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/cache/rooms/101", nil)
	refresh, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /cache: %v", err)
	}
	_, _ = io.Copy(io.Discard, refresh.Body)
	refresh.Body.Close()
	if refresh.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d, want 200", refresh.StatusCode)
	}
	waitFor(`{"status":"clean"}`)
}

func TestIntegration_GetHealth_FullStack(t *testing.T) {
	router, _, _ := setupIntegrationRouter(t, swr.DefaultOptions(), nil)

	w := makeIntegrationRequest(router, http.MethodGet, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200. Body: %s", w.Code, w.Body.String())
	}
	var health map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health["status"] != "healthy" || health["service"] != "pms-gateway" {
		t.Errorf("health = %v", health)
	}
}

func TestIntegration_GetMetrics_Format(t *testing.T) {
	router, _, stack := setupIntegrationRouter(t, swr.DefaultOptions(), nil)
	stack.PMS.Set("settings", `{}`)
	makeIntegrationRequest(router, http.MethodGet, "/v1/settings")

	w := makeIntegrationRequest(router, http.MethodGet, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{"httpRequestsTotal", "upstreamCallsTotal", "coalescerCallsTotal", "cacheFetchesTotal"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

// TestIntegration_RateLimiting_Enforcement verifies requests beyond the burst
// are denied and health stays reachable.
func TestIntegration_RateLimiting_Enforcement(t *testing.T) {
	router, _, stack := setupIntegrationRouter(t, swr.DefaultOptions(), rate.NewLimiter(rate.Limit(1), 3))
	stack.PMS.Set("rooms", `[]`)

	var ok, limited int
	for i := 0; i < 6; i++ {
		switch makeIntegrationRequest(router, http.MethodGet, "/v1/rooms").Code {
		case http.StatusOK:
			ok++
		case http.StatusTooManyRequests:
			limited++
		}
	}
	if ok != 3 || limited != 3 {
		t.Errorf("ok = %d limited = %d, want 3 and 3", ok, limited)
	}
	if n := stack.Tracker.DenialCount(time.Minute); n != 3 {
		t.Errorf("tracked denials = %d, want 3", n)
	}
	if w := makeIntegrationRequest(router, http.MethodGet, "/health"); w.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", w.Code)
	}
}
