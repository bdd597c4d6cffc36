package observability

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// FlushTelemetry flushes telemetry buffers before process exit.
// Metrics are pull-based and need no flush; reporter, when set, drains the
// error-reporting queue before logs are synced.
func FlushTelemetry(ctx context.Context, logger *zap.Logger, reporter func(context.Context) bool) error {
	if reporter != nil && !reporter(ctx) {
		if logger != nil {
			logger.Warn("error reports not fully delivered before shutdown")
		}
	}
	if logger != nil {
		if err := logger.Sync(); err != nil {
			return fmt.Errorf("flush logs: %w", err)
		}
	}
	return nil
}
