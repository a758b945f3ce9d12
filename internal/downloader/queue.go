package downloader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/italolelis/steam_downloader/internal/catalog"
	"github.com/italolelis/steam_downloader/internal/job"
	"github.com/italolelis/steam_downloader/internal/logctx"
	"github.com/italolelis/steam_downloader/internal/settings"
	"github.com/italolelis/steam_downloader/internal/steamcmd"
	"github.com/italolelis/steam_downloader/internal/telemetry"
)

const (
	dirPerm = 0755

	DefaultJobTimeout = time.Hour
	DefaultRetention  = 1000
)

// ToolController is the part of the SteamCMD controller the worker drives.
type ToolController interface {
	EnsureReady(ctx context.Context) error
	Download(ctx context.Context, opts steamcmd.DownloadOptions, timeout time.Duration, onProgress func(int)) error
}

// Catalog records completed downloads.
type Catalog interface {
	Upsert(contentID int, name, location string) (catalog.Entry, error)
}

// PreferenceSource supplies download preferences. It is read at the start of
// every job so edits apply to the next job.
type PreferenceSource interface {
	Preferences() settings.Preferences
}

// Observer is told about every job that reaches a terminal state.
type Observer interface {
	OnJobFinished(ctx context.Context, j job.Job)
}

type Config struct {
	// AltDownloadRoot is tried once when the target directory cannot be
	// created under the preferred download root.
	AltDownloadRoot string
	JobTimeout      time.Duration

	// Retention caps the terminal jobs kept in memory; 0 keeps all of them.
	Retention int

	Telemetry *telemetry.Telemetry
	Observers []Observer
	Now       func() time.Time
}

// Queue accepts download jobs and fulfills them one at a time on a single
// background worker.
type Queue struct {
	tool  ToolController
	cat   Catalog
	prefs PreferenceSource

	altRoot    string
	jobTimeout time.Duration
	retention  int
	tel        *telemetry.Telemetry
	observers  []Observer
	now        func() time.Time

	mu       sync.Mutex
	jobs     map[string]*job.Job
	order    []string
	pending  []string
	started  bool
	stopping bool
	done     chan struct{}

	wake chan struct{}
}

func NewQueue(tool ToolController, cat Catalog, prefs PreferenceSource, cfg Config) *Queue {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}

	if cfg.Retention < 0 {
		cfg.Retention = 0
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Queue{
		tool:       tool,
		cat:        cat,
		prefs:      prefs,
		altRoot:    cfg.AltDownloadRoot,
		jobTimeout: cfg.JobTimeout,
		retention:  cfg.Retention,
		tel:        cfg.Telemetry,
		observers:  cfg.Observers,
		now:        cfg.Now,
		jobs:       make(map[string]*job.Job),
		wake:       make(chan struct{}, 1),
	}
}

// Submit enqueues a job and returns its id without waiting for the worker.
func (q *Queue) Submit(contentID int, displayName string) (string, error) {
	j, err := job.New(contentID, displayName, q.now())
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	q.jobs[j.ID] = j
	q.order = append(q.order, j.ID)
	q.pending = append(q.pending, j.ID)
	q.mu.Unlock()

	q.tel.RecordJobSubmitted()
	q.signal()

	return j.ID, nil
}

// Status returns a copy of the job with the given id.
func (q *Queue) Status(id string) (job.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return job.Job{}, false
	}

	return j.Clone(), true
}

// Snapshot returns every retained job in submission order with aggregate
// counts.
func (q *Queue) Snapshot() job.QueueSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	snap := job.QueueSnapshot{Jobs: make([]job.Job, 0, len(q.order))}

	for _, id := range q.order {
		j := q.jobs[id]

		switch j.Status {
		case job.StatusQueued:
			snap.Queued++
		case job.StatusDownloading:
			snap.Active++
		}

		snap.Jobs = append(snap.Jobs, j.Clone())
	}

	return snap
}

// Start launches the worker. Calling it more than once has no effect.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return
	}

	q.started = true
	q.done = make(chan struct{})

	go q.run(ctx)
}

// Stop asks the worker to exit and waits for the in-flight job, if any, to
// finish. Jobs still queued stay Queued.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}

	q.stopping = true
	done := q.done
	q.mu.Unlock()

	q.signal()
	<-done
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)

	logger := logctx.LoggerFromContext(ctx)
	logger.InfoContext(ctx, "download worker started")

	// An in-flight job is never interrupted, even when ctx is cancelled.
	jobCtx := context.WithoutCancel(ctx)

	for {
		if ctx.Err() != nil {
			logger.InfoContext(ctx, "download worker stopped", "reason", ctx.Err())
			return
		}

		id, stop := q.next()
		if stop {
			logger.InfoContext(ctx, "download worker stopped")
			return
		}

		if id != "" {
			q.process(jobCtx, id)
			continue
		}

		select {
		case <-q.wake:
		case <-ctx.Done():
			logger.InfoContext(ctx, "download worker stopped", "reason", ctx.Err())
			return
		}
	}
}

// next pops the oldest pending job id. It reports stop when the worker
// should exit.
func (q *Queue) next() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopping {
		return "", true
	}

	if len(q.pending) == 0 {
		return "", false
	}

	id := q.pending[0]
	q.pending[0] = ""
	q.pending = q.pending[1:]

	return id, false
}

func (q *Queue) process(ctx context.Context, id string) {
	j, ok := q.begin(id)
	if !ok {
		return
	}

	ctx, logger := logctx.With(ctx, "job_id", j.ID, "content_id", j.ContentID)
	logger.InfoContext(ctx, "processing job", "display_name", j.DisplayName)

	var dir string

	err := q.tel.InstrumentJob(ctx, func(ctx context.Context) error {
		var err error
		dir, err = q.execute(ctx, j)

		return err
	})

	final := q.finish(id, err)

	if err != nil {
		logger.ErrorContext(ctx, "job failed", "err", err)
	} else {
		logger.InfoContext(ctx, "job completed", "directory", dir, "duration", final.Duration())
	}

	for _, o := range q.observers {
		q.notify(ctx, o, final)
	}
}

// execute runs the body of one job. A panic is converted to an error so the
// worker keeps going.
func (q *Queue) execute(ctx context.Context, j job.Job) (dir string, err error) {
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "panic while processing job", "panic", r, "stack", string(debug.Stack()))
			q.tel.RecordSystemError("downloader", "panic")
			err = fmt.Errorf("internal error: %v", r)
		}
	}()

	prefs := q.prefs.Preferences()

	if err := q.tool.EnsureReady(ctx); err != nil {
		return "", fmt.Errorf("steamcmd not ready: %w", err)
	}

	dir, err = q.prepareDir(ctx, prefs.DownloadPath, j.ContentID)
	if err != nil {
		return "", err
	}

	q.update(j.ID, func(j *job.Job) { j.Directory = dir })

	opts := steamcmd.DownloadOptions{
		ContentID: j.ContentID,
		Directory: dir,
		Validate:  prefs.ValidateFiles,
		Platform:  prefs.Platform,
	}

	if !prefs.AnonymousLogin && prefs.Username != "" {
		opts.Identity = steamcmd.Identity{Username: prefs.Username, Password: prefs.Password}
	}

	onProgress := func(p int) { q.setProgress(j.ID, p) }

	if err := q.tool.Download(ctx, opts, q.jobTimeout, onProgress); err != nil {
		return dir, fmt.Errorf("download failed: %w", err)
	}

	q.record(ctx, j, dir)

	return dir, nil
}

func (q *Queue) prepareDir(ctx context.Context, root string, contentID int) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	roots := []string{root}
	if q.altRoot != "" && filepath.Clean(q.altRoot) != filepath.Clean(root) {
		roots = append(roots, q.altRoot)
	}

	var err error

	for i, r := range roots {
		dir := filepath.Join(r, strconv.Itoa(contentID))

		if err = os.MkdirAll(dir, dirPerm); err == nil {
			if i > 0 {
				logger.WarnContext(ctx, "using alternate download root", "directory", dir)
			}

			return dir, nil
		}

		logger.WarnContext(ctx, "failed to create download directory", "directory", dir, "err", err)
	}

	return "", fmt.Errorf("failed to create download directory: %w", err)
}

// record adds a completed download to the catalog before its Completed
// status becomes visible. A catalog failure does not fail the job.
func (q *Queue) record(ctx context.Context, j job.Job, dir string) {
	entry, err := q.cat.Upsert(j.ContentID, j.DisplayName, dir)
	if err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to update catalog", "err", err)
		q.tel.RecordSystemError("downloader", "catalog_write")

		return
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "catalog updated", "size", entry.HumanSize())
}

func (q *Queue) notify(ctx context.Context, o Observer, j job.Job) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "panic in job observer", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	o.OnJobFinished(ctx, j)
}

func (q *Queue) begin(id string) (job.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok || !job.CanTransition(j.Status, job.StatusDownloading) {
		return job.Job{}, false
	}

	now := q.now()
	j.Status = job.StatusDownloading
	j.StartedAt = &now

	return j.Clone(), true
}

func (q *Queue) finish(id string, err error) job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	j := q.jobs[id]
	now := q.now()
	j.FinishedAt = &now

	if err != nil {
		j.Status = job.StatusFailed
		j.Error = err.Error()
	} else {
		j.Status = job.StatusCompleted
		j.Progress = 100
	}

	final := j.Clone()

	q.tel.RecordJob(final.Status.String(), final.Duration())
	q.evictLocked()

	return final
}

func (q *Queue) update(id string, fn func(*job.Job)) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if j, ok := q.jobs[id]; ok {
		fn(j)
	}
}

// setProgress accepts updates only while the job is downloading.
func (q *Queue) setProgress(id string, p int) {
	p = max(0, min(100, p))

	q.update(id, func(j *job.Job) {
		if j.Status == job.StatusDownloading {
			j.Progress = p
		}
	})
}

// evictLocked drops the oldest terminal jobs beyond the retention limit.
func (q *Queue) evictLocked() {
	if q.retention == 0 {
		return
	}

	terminal := 0
	for _, id := range q.order {
		if q.jobs[id].Status.IsTerminal() {
			terminal++
		}
	}

	excess := terminal - q.retention
	if excess <= 0 {
		return
	}

	kept := q.order[:0]
	for _, id := range q.order {
		if excess > 0 && q.jobs[id].Status.IsTerminal() {
			delete(q.jobs, id)
			excess--

			continue
		}

		kept = append(kept, id)
	}

	clear(q.order[len(kept):])
	q.order = kept
}
