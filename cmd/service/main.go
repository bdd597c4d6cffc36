package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sandarbhasthana/pms-gateway/internal/cache"
	"github.com/sandarbhasthana/pms-gateway/internal/circuitbreaker"
	"github.com/sandarbhasthana/pms-gateway/internal/coalesce"
	"github.com/sandarbhasthana/pms-gateway/internal/config"
	httphandler "github.com/sandarbhasthana/pms-gateway/internal/http"
	"github.com/sandarbhasthana/pms-gateway/internal/lifecycle"
	"github.com/sandarbhasthana/pms-gateway/internal/models"
	"github.com/sandarbhasthana/pms-gateway/internal/observability"
	"github.com/sandarbhasthana/pms-gateway/internal/reporting"
	"github.com/sandarbhasthana/pms-gateway/internal/service"
	"github.com/sandarbhasthana/pms-gateway/internal/swr"
	"github.com/sandarbhasthana/pms-gateway/internal/traffic"
	"github.com/sandarbhasthana/pms-gateway/internal/upstream"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const breakerComponent = "pms_api"

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	reporter, err := reporting.New(reporting.Options{
		DSN:         cfg.SentryDSN,
		Environment: cfg.Environment,
		Release:     version,
	}, logger)
	if err != nil {
		logger.Fatal("error reporting", zap.Error(err))
	}
	if !reporter.Enabled() {
		logger.Info("sentry disabled; errors are logged only")
	}

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.CircuitBreakerEnabled {
		breaker = circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			Component:        breakerComponent,
			OnStateChange: func(component string, from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition(component, from.String(), to.String())
				observability.SetCircuitBreakerStateGauge(component, observability.CircuitBreakerStateValue(int(to)))
				logger.Warn("circuit breaker transition",
					zap.String("component", component),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
			IsFailure: isBreakerFailure,
		})
		observability.SetCircuitBreakerStateGauge(breakerComponent, 0)
		logger.Info("circuit breaker enabled",
			zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
			zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	upstreamClient, err := upstream.New(upstream.Config{
		BaseURL:        cfg.UpstreamURL,
		APIKey:         cfg.PMSAPIKey,
		Timeout:        cfg.UpstreamTimeout,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		MaxBodyBytes:   cfg.UpstreamMaxBodyBytes,
		PingPath:       cfg.UpstreamPingPath,
		Breaker:        breaker,
	})
	if err != nil {
		logger.Fatal("upstream client", zap.Error(err))
	}

	var store cache.Store[models.Resource]
	var storeCloser io.Closer
	var cachePing func() error
	switch cfg.CacheBackend {
	case "memcached":
		mc := cache.NewMemcachedStore[models.Resource](cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err := mc.Ping(); err != nil {
			logger.Warn("memcached not reachable at startup", zap.String("addrs", cfg.MemcachedAddrs), zap.Error(err))
		}
		store, storeCloser, cachePing = mc, mc, mc.Ping
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		mem := cache.NewMemoryStore[models.Resource](cfg.CacheTTL)
		store, storeCloser = mem, mem
		logger.Info("cache backend: in_memory")
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	coalescer := coalesce.New[models.Resource](cfg.CoalesceTimeout,
		coalesce.WithLogger(logger),
		coalesce.WithName("upstream"))
	coalescer.StartJanitor(bgCtx, cfg.CoalesceSweepInterval)

	cacheOpts := []swr.ClientOption[models.Resource]{
		swr.WithCoalescer(coalescer),
		swr.WithLogger[models.Resource](logger),
		swr.WithProvider[models.Resource](cache.Instrument[models.Resource](store)),
		swr.WithProviderTTL[models.Resource](cfg.CacheTTL),
		swr.WithOnRetryExhausted[models.Resource](reporter.RetryExhausted(context.Background())),
	}
	if cfg.SWR.EvictUnsubscribed {
		cacheOpts = append(cacheOpts, swr.WithEvictUnsubscribed[models.Resource]())
	}
	cacheClient := swr.New[models.Resource](swrOptions(cfg.SWR), cacheOpts...)

	tracker := traffic.NewTracker(maxDuration(cfg.DegradedWindow, cfg.OverloadWindow), nil)

	// The monitor and service refer to each other: failures wake the monitor,
	// and reconnection revalidates the service's watched keys.
	var svc *service.ResourceService
	monitor := lifecycle.NewMonitor(lifecycle.MonitorConfig{
		Probe:           upstreamClient.Ping,
		Interval:        cfg.ProbeInterval,
		RecoveryInitial: cfg.RecoveryInitial,
		RecoveryMax:     cfg.RecoveryMax,
		Logger:          logger,
		OnReconnect: func() {
			svc.Reconnect(bgCtx)
		},
	})
	svc = service.NewResourceService(upstreamClient, cacheClient, coalescer,
		service.WithTracker(tracker),
		service.WithFailureNotifier(monitor),
		service.WithLogger(logger))
	go monitor.Run(bgCtx)

	if len(cfg.TrackedResources) > 0 {
		observability.SetTrackedResources(cfg.TrackedResources)
	}

	if len(cfg.WarmKeys) > 0 {
		warmer := cache.NewWarmer(svc, logger, cfg.WarmConcurrency)
		warmCtx, warmCancel := context.WithTimeout(bgCtx, 30*time.Second)
		if err := warmer.Warm(warmCtx, cfg.WarmKeys); err != nil {
			logger.Warn("cache warming failed", zap.Error(err))
		}
		warmCancel()
		if cfg.WarmInterval > 0 {
			go func() {
				if err := warmer.WarmPeriodic(bgCtx, cfg.WarmKeys, cfg.WarmInterval); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("periodic cache warming stopped", zap.Error(err))
				}
			}()
		}
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(svc, &httphandler.HealthConfig{
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.RateLimitRPS,
		Tracker:              tracker,
		Online:               monitor.Online,
		ShuttingDown:         monitor.ShuttingDown,
		CachePing:            cachePing,
		Version:              version,
	}, logger,
		httphandler.WithReporter(reporter),
		httphandler.WithMaxPathLength(cfg.MaxPathLength))

	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		Logger:         logger,
		Limiter:        limiter,
		Tracker:        tracker,
		RequestTimeout: cfg.RequestTimeout,
		Reporting:      reporter.Middleware,
	})

	// Watch streams clear their own write deadline.
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	monitor.BeginShutdown()
	handler.CloseStreams()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", handler.InFlightCount()))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := handler.WaitForInFlight(waitCtx); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", handler.InFlightCount()))
	}

	bgCancel()
	cacheClient.Close()
	if err := storeCloser.Close(); err != nil {
		logger.Error("cache store close", zap.Error(err))
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := observability.FlushTelemetry(flushCtx, logger, reporter.Flush); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// swrOptions maps the swr config section onto cache client defaults.
func swrOptions(c config.SWRConfig) swr.Options {
	return swr.Options{
		RevalidateOnFocus:     c.RevalidateOnFocus,
		RevalidateOnReconnect: c.RevalidateOnReconnect,
		RevalidateIfStale:     c.RevalidateIfStale,
		DedupingInterval:      c.DedupingInterval,
		RefreshInterval:       c.RefreshInterval,
		ShouldRetryOnError:    c.ShouldRetryOnError,
		ErrorRetryCount:       c.ErrorRetryCount,
		ErrorRetryInterval:    c.ErrorRetryInterval,
		KeepPreviousData:      c.KeepPreviousData,
		RevalidateAfterForce:  c.RevalidateAfterForce,
	}
}

// isBreakerFailure keeps client-side answers from opening the breaker.
func isBreakerFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return !errors.Is(err, upstream.ErrNotFound) && !errors.Is(err, upstream.ErrUnauthorized)
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
