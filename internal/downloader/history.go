package downloader

import (
	"context"

	"github.com/italolelis/steam_downloader/internal/job"
	"github.com/italolelis/steam_downloader/internal/logctx"
	"github.com/italolelis/steam_downloader/internal/storage"
)

// HistoryRecorder writes every finished job to the job history ledger.
type HistoryRecorder struct {
	repo storage.JobHistoryWriteRepository
}

func NewHistoryRecorder(repo storage.JobHistoryWriteRepository) *HistoryRecorder {
	return &HistoryRecorder{repo: repo}
}

func (h *HistoryRecorder) OnJobFinished(ctx context.Context, j job.Job) {
	if err := h.repo.RecordJob(toRecord(j)); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to record job history", "job_id", j.ID, "err", err)
	}
}

func toRecord(j job.Job) storage.JobRecord {
	rec := storage.JobRecord{
		JobID:       j.ID,
		ContentID:   j.ContentID,
		DisplayName: j.DisplayName,
		Status:      j.Status.String(),
		Error:       j.Error,
		Directory:   j.Directory,
		SubmittedAt: j.SubmittedAt,
	}

	if j.FinishedAt != nil {
		rec.FinishedAt = *j.FinishedAt
	}

	return rec
}
