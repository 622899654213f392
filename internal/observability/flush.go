package observability

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/civic-signals-service/internal/traffic"
)

// summaryWindow is the trailing window reported in the final telemetry summary.
const summaryWindow = 5 * time.Minute

// FlushTelemetry logs a summary of recent traffic and flushes the logger.
// Prometheus is pull-based, so nothing else is buffered.
// Call during graceful shutdown after in-flight requests have drained.
func FlushTelemetry(ctx context.Context, logger *zap.Logger) error {
	if logger == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	errs, outcomes := traffic.ErrorRate(summaryWindow)
	logger.Info("telemetry summary",
		zap.Duration("window", summaryWindow),
		zap.Int("requests", traffic.RequestCount(summaryWindow)),
		zap.Int("upstream_errors", errs),
		zap.Int("outcomes", outcomes),
		zap.Int("rate_limited", traffic.DenialCount(summaryWindow)))

	if err := logger.Sync(); err != nil && !isUnsyncable(err) {
		return fmt.Errorf("flush logs: %w", err)
	}
	return nil
}

// isUnsyncable reports errors returned when syncing a terminal or pipe,
// which cannot be fsynced and have nothing buffered.
func isUnsyncable(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)
}
