package observability

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// FlushTelemetry drains buffered telemetry during graceful shutdown, after
// in-flight requests have finished. Prometheus metrics are pull-based and
// need no draining; zap buffers log entries, so the sync runs bounded by ctx
// to keep shutdown from hanging on a blocked sink.
func FlushTelemetry(ctx context.Context, logger *zap.Logger) error {
	if logger == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- logger.Sync() }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("flush logs: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("flush logs: %w", err)
		}
		return nil
	}
}
