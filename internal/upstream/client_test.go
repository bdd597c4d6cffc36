package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sandarbhasthana/pms-gateway/internal/circuitbreaker"
	"github.com/sandarbhasthana/pms-gateway/internal/observability"
)

func newTestClient(t *testing.T, url string, attempts int) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:        url,
		APIKey:         "test-api-key-12345",
		Timeout:        2 * time.Second,
		RetryAttempts:  attempts,
		RetryBaseDelay: 5 * time.Millisecond,
		RetryMaxDelay:  20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{"empty API key", Config{BaseURL: "https://pms.test"}, ErrUnauthorized},
		{"relative URL", Config{BaseURL: "/api", APIKey: "k"}, nil},
		{"valid", Config{BaseURL: "https://pms.test/api", APIKey: "k"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.cfg)
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("New() error = %v, want %v", err, tt.wantErr)
				}
			case tt.name == "relative URL":
				if err == nil {
					t.Error("New() error = nil, want invalid URL error")
				}
			default:
				if err != nil || c == nil {
					t.Fatalf("New() = (%v, %v), want client", c, err)
				}
			}
		})
	}
}

func TestClient_Fetch_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if r.URL.Path != "/api/reservations" {
			t.Errorf("path = %q, want /api/reservations", r.URL.Path)
		}
		if r.URL.Query().Get("propertyId") != "7" {
			t.Errorf("query = %q, want propertyId=7", r.URL.RawQuery)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-api-key-12345" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]map[string]any{{"id": 1, "guest": "Ada"}})
	}))
	defer server.Close()

	c := newTestClient(t, server.URL+"/api", 1)
	got, err := c.Fetch(context.Background(), "reservations?propertyId=7")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if got.Key != "reservations?propertyId=7" {
		t.Errorf("Key = %q", got.Key)
	}
	if got.ContentType != "application/json" {
		t.Errorf("ContentType = %q", got.ContentType)
	}
	var body []map[string]any
	if err := json.Unmarshal(got.Body, &body); err != nil || len(body) != 1 {
		t.Errorf("Body = %s, err = %v", got.Body, err)
	}
	if got.FetchedAt.IsZero() {
		t.Error("FetchedAt is zero")
	}
}

func TestClient_Fetch_ErrorHandling(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"unauthorized", http.StatusUnauthorized, "", ErrUnauthorized},
		{"forbidden", http.StatusForbidden, "", ErrUnauthorized},
		{"not found", http.StatusNotFound, "", ErrNotFound},
		{"rate limited", http.StatusTooManyRequests, "", ErrRateLimited},
		{"server error", http.StatusInternalServerError, "", ErrUpstreamFailure},
		{"bad gateway", http.StatusBadGateway, "", ErrUpstreamFailure},
		{"not json", http.StatusOK, "<html>", ErrInvalidResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := newTestClient(t, server.URL, 1).Fetch(context.Background(), "rooms")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Fetch() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestClient_Fetch_BodyTooLarge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"padding":"0123456789"}`))
	}))
	defer server.Close()

	c, err := New(Config{BaseURL: server.URL, APIKey: "k", MaxBodyBytes: 8})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := c.Fetch(context.Background(), "rooms"); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("Fetch() error = %v, want ErrInvalidResponse", err)
	}
}

func TestClient_Fetch_RetryLogic(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	got, err := newTestClient(t, server.URL, 3).Fetch(context.Background(), "settings")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if n := attempts.Load(); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
	if string(got.Body) != `{"ok":true}` {
		t.Errorf("Body = %s", got.Body)
	}
}

func TestClient_Fetch_ExhaustedRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL, 2).Fetch(context.Background(), "settings")
	if !errors.Is(err, ErrUpstreamFailure) {
		t.Errorf("Fetch() error = %v, want %v", err, ErrUpstreamFailure)
	}
}

func TestClient_Fetch_NoRetryOnNonRetryableError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL, 3).Fetch(context.Background(), "rooms/999")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Fetch() error = %v, want %v", err, ErrNotFound)
	}
	if n := attempts.Load(); n != 1 {
		t.Errorf("expected 1 attempt (no retry), got %d", n)
	}
}

func TestClient_Fetch_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestClient(t, server.URL, 3).Fetch(ctx, "rooms")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Fetch() error = %v, want context.Canceled", err)
	}
}

func TestClient_Fetch_CorrelationID(t *testing.T) {
	var captured atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Store(r.Header.Get("X-Correlation-ID"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	ctx := observability.ContextWithCorrelationID(context.Background(), "test-correlation-id-123")
	if _, err := newTestClient(t, server.URL, 1).Fetch(ctx, "rooms"); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if got := captured.Load(); got != "test-correlation-id-123" {
		t.Errorf("X-Correlation-ID header = %v, want test-correlation-id-123", got)
	}
}

func TestClient_Fetch_CircuitBreakerOpens(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	breaker := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 2, Timeout: time.Minute, Component: "upstream"})
	c, err := New(Config{BaseURL: server.URL, APIKey: "k", RetryAttempts: 1, Breaker: breaker})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		_, _ = c.Fetch(context.Background(), "rooms")
	}
	_, err = c.Fetch(context.Background(), "rooms")
	if !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Errorf("Fetch() error = %v, want circuitbreaker.ErrOpen", err)
	}
	if n := attempts.Load(); n != 2 {
		t.Errorf("upstream attempts = %d, want 2", n)
	}
}

func TestClient_Ping(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("ping path = %q, want /health", r.URL.Path)
		}
		w.WriteHeader(int(status.Load()))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 1)
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	status.Store(http.StatusServiceUnavailable)
	if err := c.Ping(context.Background()); !errors.Is(err, ErrUpstreamFailure) {
		t.Errorf("Ping() error = %v, want %v", err, ErrUpstreamFailure)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"3", 3 * time.Second},
		{"-1", 0},
		{"Wed, 21 Oct 2015 07:28:00 GMT", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestStatusLabel(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "success"},
		{429, "rate_limited"},
		{404, "client_error"},
		{503, "server_error"},
		{302, "error"},
	}
	for _, tt := range tests {
		if got := statusLabel(tt.code); got != tt.want {
			t.Errorf("statusLabel(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}
