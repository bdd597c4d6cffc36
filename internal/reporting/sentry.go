package reporting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"go.uber.org/zap"

	"github.com/sandarbhasthana/pms-gateway/internal/observability"
)

const defaultFlushTimeout = 5 * time.Second

var (
	uuidRx = regexp.MustCompile(`[0-9a-f]{8}-?([0-9a-f]{4}-?){3}[0-9a-f]{12}`)
	hostRx = regexp.MustCompile(`\[:{0,2}([0-9a-f]{0,4}:?){1,8}\]:\d+|\b(\d{1,3}\.){3}\d{1,3}:\d+`)
	idRx   = regexp.MustCompile(`/\d+(/|\b)`)
)

// sanitizeError strips per-request identifiers so equal failures group together.
func sanitizeError(err string) string {
	err = uuidRx.ReplaceAllString(err, "<uuid>")
	err = hostRx.ReplaceAllString(err, "<host>")
	err = idRx.ReplaceAllString(err, "/<id>$1")
	return err
}

// Options configures the Sentry reporter. An empty DSN disables delivery.
type Options struct {
	DSN         string
	Environment string
	Release     string
	// BeforeSend may modify or drop events before delivery.
	BeforeSend func(*sentry.Event, *sentry.EventHint) *sentry.Event
}

// Reporter sends errors to Sentry and logs them. The zero value only logs.
type Reporter struct {
	hub     *sentry.Hub
	handler *sentryhttp.Handler
	logger  *zap.Logger
}

// New returns a Reporter. Without a DSN the reporter logs and drops.
func New(opts Options, logger *zap.Logger) (*Reporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reporter{logger: logger}
	if opts.DSN == "" {
		return r, nil
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:              opts.DSN,
		Environment:      opts.Environment,
		Release:          opts.Release,
		AttachStacktrace: true,
		BeforeSend:       opts.BeforeSend,
	})
	if err != nil {
		return nil, fmt.Errorf("sentry client: %w", err)
	}
	r.hub = sentry.NewHub(client, sentry.NewScope())
	r.handler = sentryhttp.New(sentryhttp.Options{Repanic: true})
	return r, nil
}

// Enabled reports whether events are delivered to Sentry.
func (r *Reporter) Enabled() bool {
	return r != nil && r.hub != nil
}

// Middleware attaches a per-request hub and request meta so reports made
// while serving carry the route and correlation ID.
func (r *Reporter) Middleware(next http.Handler) http.Handler {
	withMeta := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		userAgent := req.UserAgent()
		if userAgent == "" {
			userAgent = "<missing>"
		}
		tags := map[string]string{
			"userAgent":  userAgent,
			"methodPath": req.Method + " " + req.URL.Path,
		}
		if id := observability.CorrelationIDFromContext(ctx); id != "" {
			tags["correlationId"] = id
		}
		ctx = AddTagsToContext(ctx, tags)
		ctx = setStartedAtInContext(ctx, time.Now())
		next.ServeHTTP(w, req.WithContext(ctx))
	})
	if !r.Enabled() {
		return withMeta
	}
	wrapped := r.handler.Handle(withMeta)
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx := sentry.SetHubOnContext(req.Context(), r.hub.Clone())
		wrapped.ServeHTTP(w, req.WithContext(ctx))
	})
}

// Report logs err and captures it in Sentry with the tags and extras found on ctx.
func (r *Reporter) Report(ctx context.Context, err error, extras ...map[string]string) {
	if err == nil {
		err = errors.New("no error provided")
	}
	logger := observability.LoggerFromContext(ctx)
	if logger == nil {
		logger = r.logger
	}
	if !r.Enabled() {
		logger.Warn("error not reported, sentry disabled", zap.Error(err), zap.Any("extras", extras))
		return
	}
	logger.Error("reporting error to sentry", zap.Error(err), zap.Any("extras", extras))

	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = r.hub.Clone()
	}
	hub.WithScope(func(scope *sentry.Scope) {
		meta := MetaFromContext(ctx)
		scope.SetTags(meta.tags)
		for k, v := range meta.extras {
			scope.SetExtra(k, v)
		}
		if !meta.startedAt.IsZero() {
			scope.SetExtra("secondsSinceStart", time.Since(meta.startedAt).Seconds())
		}
		for _, extra := range extras {
			for k, v := range extra {
				scope.SetExtra(k, v)
			}
		}
		scope.SetFingerprint([]string{"{{ default }}", sanitizeError(err.Error())})
		hub.CaptureException(err)
	})
}

// RetryExhausted returns a hook for a cache client that reports the last
// failure once automatic retry for key gives up.
func (r *Reporter) RetryExhausted(ctx context.Context) func(key string, err error) {
	return func(key string, err error) {
		rctx := AddTagsToContext(ctx, map[string]string{"trigger": "retry_exhausted"})
		rctx = AddExtrasToContext(rctx, map[string]string{"key": key})
		r.Report(rctx, err)
	}
}

// Flush waits for queued events until ctx ends. Reports true when the queue drained.
func (r *Reporter) Flush(ctx context.Context) bool {
	if !r.Enabled() {
		return true
	}
	timeout := defaultFlushTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return false
	}
	return r.hub.Flush(timeout)
}
