package agent

import (
	"context"
	"log/slog"
	"time"
)

const defaultSweepInterval = time.Minute

// StartSweeper periodically destroys pending agents whose tasks have ended.
// Task completion already triggers a sweep; this catches anything that
// slipped between a flag and a finish.
func StartSweeper(ctx context.Context, m *Manager, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		logger.Info("Pending agent sweeper started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				if n := m.CleanupPendingAgents(); n > 0 {
					logger.Info("Pending agent sweeper destroyed agents", "count", n)
				}
			case <-ctx.Done():
				logger.Info("Pending agent sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
