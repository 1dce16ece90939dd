package idempotency

import (
	"log/slog"
	"time"
)

// RunPeriodicCleanup drops expired in-memory keys every interval until stop
// is closed. Redis-backed keys expire on their own and need no sweeper.
func RunPeriodicCleanup(repo *InMemoryRepository, interval time.Duration, logger *slog.Logger, stop <-chan struct{}) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if deleted := repo.DeleteExpired(); deleted > 0 {
				logger.Info("cleaned up expired idempotency keys", "deleted", deleted)
			}
		case <-stop:
			logger.Info("stopping idempotency key cleanup")
			return
		}
	}
}
