package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sandarbhasthana/pms-gateway/internal/observability"
	"github.com/sandarbhasthana/pms-gateway/internal/traffic"
)

// RouterConfig holds the middleware dependencies for NewRouter.
type RouterConfig struct {
	Logger         *zap.Logger
	Limiter        *rate.Limiter
	Tracker        *traffic.Tracker
	RequestTimeout time.Duration
	// Reporting wraps every route when set (e.g. reporting.Reporter.Middleware).
	Reporting mux.MiddlewareFunc
}

// NewRouter registers every gateway route on a new router.
func NewRouter(h *Handler, cfg RouterConfig) *mux.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware(h.inFlight))
	if cfg.Reporting != nil {
		router.Use(cfg.Reporting)
	}
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)
	router.HandleFunc("/debug/pending", h.GetPending).Methods(http.MethodGet)

	limited := router.NewRoute().Subrouter()
	limited.Use(RateLimitMiddleware(cfg.Limiter, cfg.Tracker))
	limited.HandleFunc("/watch/{resource:.+}", h.WatchResource).Methods(http.MethodGet)
	limited.HandleFunc("/events/focus", h.PostFocus).Methods(http.MethodPost)
	limited.HandleFunc("/events/reconnect", h.PostReconnect).Methods(http.MethodPost)

	timed := limited.NewRoute().Subrouter()
	if cfg.RequestTimeout > 0 {
		timed.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	timed.HandleFunc("/v1/{resource:.+}", h.GetResource).Methods(http.MethodGet)
	timed.HandleFunc("/cache/{resource:.+}", h.RefreshResource).Methods(http.MethodPost)
	timed.HandleFunc("/cache/{resource:.+}", h.MutateResource).Methods(http.MethodPut)
	timed.HandleFunc("/cache/{resource:.+}", h.GetCacheEntry).Methods(http.MethodGet)
	return router
}
