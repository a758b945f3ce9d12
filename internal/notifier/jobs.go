package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/italolelis/steam_downloader/internal/job"
	"github.com/italolelis/steam_downloader/internal/logctx"
)

const notifyTimeout = 10 * time.Second

// JobNotifier announces finished download jobs.
type JobNotifier struct {
	n Notifier
}

func NewJobNotifier(n Notifier) *JobNotifier {
	return &JobNotifier{n: n}
}

func (j *JobNotifier) OnJobFinished(ctx context.Context, jb job.Job) {
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	if err := j.n.Notify(ctx, Message(jb)); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to send job notification", "job_id", jb.ID, "err", err)
	}
}

// Message renders the announcement for a finished job.
func Message(jb job.Job) string {
	if jb.Status == job.StatusCompleted {
		return fmt.Sprintf("Download finished: **%s** (%d) in %s", jb.DisplayName, jb.ContentID, jb.Duration().Round(time.Second))
	}

	return fmt.Sprintf("Download failed: **%s** (%d): %s", jb.DisplayName, jb.ContentID, jb.Error)
}
