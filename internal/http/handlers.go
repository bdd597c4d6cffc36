package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sandarbhasthana/pms-gateway/internal/models"
	"github.com/sandarbhasthana/pms-gateway/internal/observability"
	"github.com/sandarbhasthana/pms-gateway/internal/service"
	"github.com/sandarbhasthana/pms-gateway/internal/swr"
	"github.com/sandarbhasthana/pms-gateway/internal/traffic"
	"github.com/sandarbhasthana/pms-gateway/internal/upstream"
	"github.com/sandarbhasthana/pms-gateway/internal/validation"
)

const (
	defaultKeepAlive  = 15 * time.Second
	maxMutateBodySize = 1 << 20
)

// HealthConfig holds the thresholds and probes used by the health handler.
type HealthConfig struct {
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int
	// Tracker supplies upstream outcomes and rate-limit denials.
	Tracker *traffic.Tracker
	// Online reports upstream reachability. nil means always online.
	Online func() bool
	// CachePing, when set, checks the shared provider store.
	CachePing func() error
	// ShuttingDown reports that the process is draining. nil means never.
	ShuttingDown func() bool
	Version      string
}

// ErrorReporter receives server-side failures. Implemented by reporting.Reporter.
type ErrorReporter interface {
	Report(ctx context.Context, err error, extras ...map[string]string)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	svc              *service.ResourceService
	healthConfig     *HealthConfig
	logger           *zap.Logger
	reporter         ErrorReporter
	maxPathLength    int
	keepAlive        time.Duration
	inFlight         *InFlightTracker
	streams          context.Context
	closeStreams     context.CancelFunc
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithReporter sends 5xx failures to r.
func WithReporter(r ErrorReporter) HandlerOption {
	return func(h *Handler) { h.reporter = r }
}

// WithMaxPathLength bounds resource paths (validation.DefaultMaxPathLength when 0).
func WithMaxPathLength(n int) HandlerOption {
	return func(h *Handler) { h.maxPathLength = n }
}

// WithKeepAlive sets the comment interval on watch streams.
func WithKeepAlive(d time.Duration) HandlerOption {
	return func(h *Handler) { h.keepAlive = d }
}

// NewHandler returns a new Handler.
func NewHandler(svc *service.ResourceService, healthConfig *HealthConfig, logger *zap.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		svc:          svc,
		healthConfig: healthConfig,
		logger:       logger,
		keepAlive:    defaultKeepAlive,
		inFlight:     NewInFlightTracker(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.streams, h.closeStreams = context.WithCancel(context.Background())
	return h
}

// CloseStreams ends every open watch stream. Call before server shutdown.
func (h *Handler) CloseStreams() {
	h.closeStreams()
}

// InFlightCount returns the number of requests the router is serving.
func (h *Handler) InFlightCount() int64 {
	return h.inFlight.Count()
}

// WaitForInFlight blocks until the router has no request in progress or ctx is done.
func (h *Handler) WaitForInFlight(ctx context.Context) error {
	return h.inFlight.Wait(ctx)
}

// resourceKey validates the {resource} route variable and builds the cache key.
func (h *Handler) resourceKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	path, err := validation.ValidateResourcePath(mux.Vars(r)["resource"], h.maxPathLength)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_RESOURCE", err.Error())
		return "", false
	}
	return validation.NormalizeKey(path, r.URL.Query()), true
}

// GetResource handles GET /v1/{resource}.
func (h *Handler) GetResource(w http.ResponseWriter, r *http.Request) {
	key, ok := h.resourceKey(w, r)
	if !ok {
		return
	}
	res, source, err := h.svc.Get(r.Context(), key)
	if err != nil {
		h.writeServiceError(w, r, key, err)
		return
	}
	writeResource(w, res, source)
}

func writeResource(w http.ResponseWriter, res models.Resource, source swr.Source) {
	contentType := res.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Cache-State", string(source))
	if !res.FetchedAt.IsZero() {
		w.Header().Set("Last-Modified", res.FetchedAt.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Body)
}

// snapshotEvent is the JSON form of a cache snapshot on watch streams and GET /cache.
type snapshotEvent struct {
	Key          string          `json:"key"`
	State        string          `json:"state"`
	HasData      bool            `json:"hasData"`
	Data         json.RawMessage `json:"data,omitempty"`
	FetchedAt    *time.Time      `json:"fetchedAt,omitempty"`
	RetryCount   int             `json:"retryCount"`
	IsValidating bool            `json:"isValidating"`
	Error        string          `json:"error,omitempty"`
}

func toEvent(snap swr.Snapshot[models.Resource]) snapshotEvent {
	ev := snapshotEvent{
		Key:          snap.Key,
		State:        snap.State.String(),
		HasData:      snap.HasData,
		RetryCount:   snap.RetryCount,
		IsValidating: snap.IsValidating,
	}
	if snap.HasData {
		ev.Data = snap.Data.Body
	}
	if !snap.FetchedAt.IsZero() {
		t := snap.FetchedAt.UTC()
		ev.FetchedAt = &t
	}
	if snap.Err != nil {
		ev.Error = snap.Err.Error()
	}
	return ev
}

// WatchResource handles GET /watch/{resource} as a server-sent event stream.
// Each cache change is sent as a "snapshot" event until the client leaves.
func (h *Handler) WatchResource(w http.ResponseWriter, r *http.Request) {
	key, ok := h.resourceKey(w, r)
	if !ok {
		return
	}
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	sub, snap := h.svc.Watch(key)
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	logger := h.requestLogger(r)
	logger.Debug("watch opened", zap.String("key", key))
	defer logger.Debug("watch closed", zap.String("key", key))

	if err := writeSnapshotEvent(w, rc, snap); err != nil {
		return
	}
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.streams.Done():
			return
		case snap, ok := <-sub.Updates():
			if !ok {
				return
			}
			if err := writeSnapshotEvent(w, rc, snap); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeSnapshotEvent(w io.Writer, rc *http.ResponseController, snap swr.Snapshot[models.Resource]) error {
	data, err := json.Marshal(toEvent(snap))
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data); err != nil {
		return err
	}
	return rc.Flush()
}

// RefreshResource handles POST /cache/{resource}.
func (h *Handler) RefreshResource(w http.ResponseWriter, r *http.Request) {
	key, ok := h.resourceKey(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Refresh(r.Context(), key)
	if err != nil {
		h.writeServiceError(w, r, key, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// MutateResource handles PUT /cache/{resource}. The body must be JSON.
func (h *Handler) MutateResource(w http.ResponseWriter, r *http.Request) {
	key, ok := h.resourceKey(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMutateBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "unable to read request body")
		return
	}
	if !json.Valid(body) {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "request body must be valid JSON")
		return
	}
	res := h.svc.Mutate(r.Context(), key, json.RawMessage(body), "application/json")
	writeJSON(w, http.StatusAccepted, res)
}

// GetCacheEntry handles GET /cache/{resource}. It never fetches.
func (h *Handler) GetCacheEntry(w http.ResponseWriter, r *http.Request) {
	key, ok := h.resourceKey(w, r)
	if !ok {
		return
	}
	snap, found := h.svc.Snapshot(key)
	if !found {
		writeError(w, r, http.StatusNotFound, "NOT_CACHED", "no cache entry for "+key)
		return
	}
	writeJSON(w, http.StatusOK, toEvent(snap))
}

// PostFocus handles POST /events/focus.
func (h *Handler) PostFocus(w http.ResponseWriter, r *http.Request) {
	n := h.svc.Focus(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "event": "focus", "fetches": n})
}

// PostReconnect handles POST /events/reconnect.
func (h *Handler) PostReconnect(w http.ResponseWriter, r *http.Request) {
	n := h.svc.Reconnect(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "event": "reconnect", "fetches": n})
}

// GetPending handles GET /debug/pending.
func (h *Handler) GetPending(w http.ResponseWriter, r *http.Request) {
	count := h.svc.PendingCount()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pendingCount": count,
		"pending":      h.svc.Pending(),
		"entries":      h.svc.Entries(),
	})
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"pmsApi": "healthy"}
	if result.reason == "upstream_offline" || result.reason == "error_rate_breach" {
		checks["pmsApi"] = "unhealthy"
	}
	version := "dev"
	if h.healthConfig != nil {
		if h.healthConfig.CachePing != nil {
			checks["cache"] = "healthy"
			if h.healthConfig.CachePing() != nil {
				checks["cache"] = "unhealthy"
			}
		}
		if h.healthConfig.Version != "" {
			version = h.healthConfig.Version
		}
	}
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   "pms-gateway",
		"version":   version,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > upstream offline > overloaded > degraded > healthy.
func (h *Handler) computeHealthStatus() healthResult {
	cfg := h.healthConfig
	if cfg == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	if cfg.ShuttingDown != nil && cfg.ShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if cfg.Online != nil && !cfg.Online() {
		return healthResult{"degraded", http.StatusServiceUnavailable, "upstream_offline"}
	}
	if cfg.Tracker == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	if cfg.RateLimitRPS > 0 && cfg.OverloadWindow > 0 && cfg.OverloadThresholdPct > 0 {
		threshold := float64(cfg.RateLimitRPS) * cfg.OverloadWindow.Seconds() * float64(cfg.OverloadThresholdPct) / 100
		if float64(cfg.Tracker.DenialCount(cfg.OverloadWindow)) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
		}
	}
	if cfg.DegradedWindow > 0 && cfg.DegradedErrorPct > 0 {
		errs, total := cfg.Tracker.ErrorRate(cfg.DegradedWindow)
		if total > 0 && float64(errs)*100/float64(total) >= float64(cfg.DegradedErrorPct) {
			return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

func (h *Handler) requestLogger(r *http.Request) *zap.Logger {
	if l := observability.LoggerFromContext(r.Context()); l != nil {
		return l
	}
	return h.logger
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error body with code, message and the correlation ID.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationIDFromContext(r.Context()),
		},
	})
}

// writeServiceError maps a fetch failure to a status and error code. 5xx
// answers other than timeouts and an open breaker are reported.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, key string, err error) {
	if errors.Is(err, swr.ErrClosed) {
		writeError(w, r, http.StatusServiceUnavailable, "SHUTTING_DOWN", "service is shutting down")
		return
	}
	status := upstream.HTTPStatus(err)
	code := "UPSTREAM_ERROR"
	switch status {
	case http.StatusNotFound:
		code = "NOT_FOUND"
	case http.StatusTooManyRequests:
		code = "UPSTREAM_RATE_LIMITED"
	case http.StatusGatewayTimeout:
		code = "UPSTREAM_TIMEOUT"
	case http.StatusServiceUnavailable:
		code = "UPSTREAM_UNAVAILABLE"
	}
	writeError(w, r, status, code, "unable to fetch "+key)

	h.requestLogger(r).Debug("upstream error", zap.String("key", key), zap.Int("status", status), zap.Error(err))
	if status == http.StatusBadGateway && h.reporter != nil {
		h.reporter.Report(r.Context(), err, map[string]string{
			"key":      key,
			"category": string(upstream.CategorizeError(err)),
		})
	}
}
