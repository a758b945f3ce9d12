package cleanup

import (
	"context"
	"time"

	"github.com/italolelis/steam_downloader/internal/logctx"
	"github.com/italolelis/steam_downloader/internal/storage"
)

// PruneHistory deletes job history rows that finished more than keepDuration
// ago. A non-positive keepDuration keeps everything.
func PruneHistory(ctx context.Context, repo storage.JobHistoryPruner, keepDuration time.Duration, now time.Time) error {
	if keepDuration <= 0 {
		return nil
	}

	logger := logctx.LoggerFromContext(ctx)
	cutoff := now.Add(-keepDuration)

	n, err := repo.DeleteJobsFinishedBefore(cutoff)
	if err != nil {
		logger.Error("Failed to prune job history", "cutoff", cutoff, "err", err)

		return err
	}

	if n > 0 {
		logger.Info("Pruned job history", "deleted", n, "cutoff", cutoff)
	}

	return nil
}

// Run prunes the history every interval until ctx is done.
func Run(ctx context.Context, repo storage.JobHistoryPruner, interval, keepDuration time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	if interval <= 0 || keepDuration <= 0 {
		logger.Info("history cleanup disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")
			return
		case <-ticker.C:
			_ = PruneHistory(ctx, repo, keepDuration, time.Now())
		}
	}
}
