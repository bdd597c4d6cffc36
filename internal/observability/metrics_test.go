package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestMetrics_Usable verifies that all Prometheus metrics can be used without
// panic, ensuring label dimensions match usage across upstream, http, coalesce, swr, and cache packages.
func TestMetrics_Usable(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "/v1/{resource}", "2xx").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/v1/{resource}").Observe(0.01)
	UpstreamCallsTotal.WithLabelValues("success").Inc()
	UpstreamDuration.WithLabelValues("server_error").Observe(0.1)
	UpstreamRetriesTotal.Inc()
	CoalescerCallsTotal.WithLabelValues("resources", "started").Inc()
	CoalescerCallsTotal.WithLabelValues("resources", "shared").Inc()
	CoalescerEvictionsTotal.WithLabelValues("resources").Inc()
	CoalescerWaitSeconds.WithLabelValues("resources").Observe(0.02)
	CacheFetchesTotal.WithLabelValues("subscribe", "success").Inc()
	CacheHitsTotal.WithLabelValues("fresh").Inc()
	CacheStaleDiscardsTotal.Inc()
	CacheRetryExhaustedTotal.Inc()
	ProviderErrorsTotal.WithLabelValues("get", "timeout").Inc()
	ProviderOperationDurationSeconds.WithLabelValues("set", "success").Observe(0.001)
	RecordCircuitBreakerTransition("upstream", "closed", "open")
	SetCircuitBreakerStateGauge("upstream", CircuitBreakerStateValue(1))
}

// TestMetricResourceLabel verifies that tracked resources keep their label and
// everything else collapses to "other".
func TestMetricResourceLabel(t *testing.T) {
	SetTrackedResources([]string{"reservations", "Rooms"})
	defer SetTrackedResources(nil)

	tests := []struct {
		key  string
		want string
	}{
		{"reservations?propertyId=1", "reservations"},
		{"/reservations/42", "reservations"},
		{"rooms", "rooms"},
		{"staff/7", "other"},
		{"", "other"},
	}
	for _, tt := range tests {
		if got := MetricResourceLabel(tt.key); got != tt.want {
			t.Errorf("MetricResourceLabel(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}

	before := testutil.ToFloat64(ResourceQueriesTotal.WithLabelValues("reservations"))
	RecordResourceQuery("reservations/9")
	if got := testutil.ToFloat64(ResourceQueriesTotal.WithLabelValues("reservations")); got != before+1 {
		t.Errorf("resourceQueriesTotal{reservations} = %v, want %v", got, before+1)
	}
}

// TestMetricsHandler_ServesPrometheusFormat verifies that MetricsHandler serves
// Prometheus text exposition format with correct HTTP status and metric output.
func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "/health", "2xx").Inc()
	handler := MetricsHandler()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("MetricsHandler status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "httpRequestsTotal") {
		t.Error("MetricsHandler response should contain metric output")
	}
}
