package store

import (
	"context"
	"log/slog"
	"time"
)

const retentionWorkerInterval = 1 * time.Hour

// StartRetentionWorker runs a background goroutine that periodically purges
// soft-deleted conversations older than the retention window. Soft deletes
// stay recoverable until the window elapses; after that the rows and their
// messages are gone for good.
func StartRetentionWorker(ctx context.Context, repo Repository, retention time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if retention <= 0 {
		logger.Info("Retention worker disabled, soft-deleted conversations are kept forever")
		return
	}

	ticker := time.NewTicker(retentionWorkerInterval)
	go func() {
		defer ticker.Stop()
		logger.Info("Retention worker started", "interval", retentionWorkerInterval, "retention", retention)

		for {
			select {
			case <-ticker.C:
				purgeOnce(ctx, repo, retention, logger)
			case <-ctx.Done():
				logger.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func purgeOnce(ctx context.Context, repo Repository, retention time.Duration, logger *slog.Logger) {
	cutoff := time.Now().Add(-retention)
	purged, err := repo.PurgeDeletedConversations(ctx, cutoff)
	if err != nil {
		logger.Error("Retention worker failed to purge conversations", "error", err)
		return
	}
	if purged > 0 {
		logger.Info("Retention worker purged conversations", "count", purged, "cutoff", cutoff)
	}
}
