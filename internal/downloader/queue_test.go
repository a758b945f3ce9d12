package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/steam_downloader/internal/catalog"
	"github.com/italolelis/steam_downloader/internal/job"
	"github.com/italolelis/steam_downloader/internal/settings"
	"github.com/italolelis/steam_downloader/internal/steamcmd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTool struct {
	mu        sync.Mutex
	ensureErr error
	download  func(ctx context.Context, opts steamcmd.DownloadOptions, onProgress func(int)) error
	calls     []steamcmd.DownloadOptions
}

func (f *fakeTool) EnsureReady(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.ensureErr
}

func (f *fakeTool) Download(ctx context.Context, opts steamcmd.DownloadOptions, _ time.Duration, onProgress func(int)) error {
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	fn := f.download
	f.mu.Unlock()

	if fn == nil {
		return nil
	}

	return fn(ctx, opts, onProgress)
}

func (f *fakeTool) downloads() []steamcmd.DownloadOptions {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]steamcmd.DownloadOptions(nil), f.calls...)
}

type fakeCatalog struct {
	mu      sync.Mutex
	entries map[int]catalog.Entry
	err     error
	panicOn int
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{entries: make(map[int]catalog.Entry)}
}

func (f *fakeCatalog) Upsert(contentID int, name, location string) (catalog.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return catalog.Entry{}, f.err
	}

	if f.panicOn != 0 && f.panicOn == contentID {
		panic("catalog exploded")
	}

	e := catalog.Entry{ContentID: fmt.Sprint(contentID), Name: name, Location: location}
	f.entries[contentID] = e

	return e, nil
}

func (f *fakeCatalog) get(contentID int) (catalog.Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[contentID]

	return e, ok
}

type fakePrefs struct {
	prefs settings.Preferences
}

func (f fakePrefs) Preferences() settings.Preferences {
	return f.prefs
}

type recordingObserver struct {
	mu   sync.Mutex
	jobs []job.Job
}

func (r *recordingObserver) OnJobFinished(_ context.Context, j job.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.jobs = append(r.jobs, j)
}

func (r *recordingObserver) finished() []job.Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]job.Job(nil), r.jobs...)
}

func defaultPrefs(t *testing.T) fakePrefs {
	return fakePrefs{prefs: settings.Preferences{DownloadPath: t.TempDir(), AnonymousLogin: true, ValidateFiles: true}}
}

func startQueue(t *testing.T, q *Queue) {
	t.Helper()

	q.Start(context.Background())
	t.Cleanup(q.Stop)
}

func waitTerminal(t *testing.T, q *Queue, id string) job.Job {
	t.Helper()

	var j job.Job

	require.Eventually(t, func() bool {
		var ok bool
		j, ok = q.Status(id)

		return ok && j.Status.IsTerminal()
	}, 5*time.Second, 5*time.Millisecond)

	return j
}

func TestQueue_Submit_Validation(t *testing.T) {
	q := NewQueue(&fakeTool{}, newFakeCatalog(), defaultPrefs(t), Config{})

	_, err := q.Submit(0, "Example App")

	var vErr *job.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "content_id", vErr.Field)

	_, err = q.Submit(730, "   ")
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "display_name", vErr.Field)

	assert.Empty(t, q.Snapshot().Jobs)
}

func TestQueue_Submit_ReturnsQueuedBeforeStart(t *testing.T) {
	q := NewQueue(&fakeTool{}, newFakeCatalog(), defaultPrefs(t), Config{})

	id, err := q.Submit(730, "Example App")
	require.NoError(t, err)

	j, ok := q.Status(id)
	require.True(t, ok)
	assert.Equal(t, job.StatusQueued, j.Status)
	assert.Equal(t, 0, j.Progress)

	snap := q.Snapshot()
	assert.Equal(t, 1, snap.Queued)
	assert.Equal(t, 0, snap.Active)

	_, ok = q.Status("missing")
	assert.False(t, ok)
}

func TestQueue_ExampleScenario(t *testing.T) {
	prefs := defaultPrefs(t)
	cat := newFakeCatalog()
	q := NewQueue(&fakeTool{}, cat, prefs, Config{})
	startQueue(t, q)

	id, err := q.Submit(730, "Example App")
	require.NoError(t, err)

	j := waitTerminal(t, q, id)
	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Equal(t, 100, j.Progress)
	assert.Empty(t, j.Error)
	assert.Equal(t, filepath.Join(prefs.prefs.DownloadPath, "730"), j.Directory)
	assert.NotNil(t, j.StartedAt)
	assert.NotNil(t, j.FinishedAt)

	entry, ok := cat.get(730)
	require.True(t, ok, "a Completed job must already be in the catalog")
	assert.Equal(t, "Example App", entry.Name)
	assert.Equal(t, j.Directory, entry.Location)
	assert.DirExists(t, j.Directory)
}

func TestQueue_FailedJobDoesNotBlockLaterJobs(t *testing.T) {
	tool := &fakeTool{
		download: func(_ context.Context, opts steamcmd.DownloadOptions, _ func(int)) error {
			if opts.ContentID == 1 {
				return &steamcmd.InvocationError{Args: []string{"+app_update", "1"}, ExitCode: 8}
			}

			return nil
		},
	}
	cat := newFakeCatalog()
	q := NewQueue(tool, cat, defaultPrefs(t), Config{})
	startQueue(t, q)

	id1, _ := q.Submit(1, "first")
	id2, _ := q.Submit(2, "second")
	id3, _ := q.Submit(3, "third")

	j1 := waitTerminal(t, q, id1)
	assert.Equal(t, job.StatusFailed, j1.Status)
	assert.Contains(t, j1.Error, "exited with code 8")

	assert.Equal(t, job.StatusCompleted, waitTerminal(t, q, id2).Status)
	assert.Equal(t, job.StatusCompleted, waitTerminal(t, q, id3).Status)

	_, ok := cat.get(1)
	assert.False(t, ok)

	var order []int
	for _, c := range tool.downloads() {
		order = append(order, c.ContentID)
	}
	assert.Equal(t, []int{1, 2, 3}, order, "jobs run in submission order")
}

func TestQueue_ToolNotReady(t *testing.T) {
	tool := &fakeTool{ensureErr: &steamcmd.InstallationError{Stage: "download", Path: "/opt/steamcmd", Err: errors.New("no network")}}
	q := NewQueue(tool, newFakeCatalog(), defaultPrefs(t), Config{})
	startQueue(t, q)

	id, _ := q.Submit(730, "Example App")

	j := waitTerminal(t, q, id)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Contains(t, j.Error, "steamcmd not ready")
	assert.Empty(t, tool.downloads())
}

func TestQueue_PassesPreferences(t *testing.T) {
	prefs := fakePrefs{prefs: settings.Preferences{
		DownloadPath:   t.TempDir(),
		AnonymousLogin: false,
		Username:       "gaben",
		Password:       "hunter2",
		Platform:       "windows",
		ValidateFiles:  true,
	}}
	tool := &fakeTool{}
	q := NewQueue(tool, newFakeCatalog(), prefs, Config{})
	startQueue(t, q)

	id, _ := q.Submit(440, "Team Fortress 2")
	waitTerminal(t, q, id)

	calls := tool.downloads()
	require.Len(t, calls, 1)
	assert.Equal(t, steamcmd.DownloadOptions{
		ContentID: 440,
		Directory: filepath.Join(prefs.prefs.DownloadPath, "440"),
		Identity:  steamcmd.Identity{Username: "gaben", Password: "hunter2"},
		Validate:  true,
		Platform:  "windows",
	}, calls[0])
}

func TestQueue_AlternateDownloadRoot(t *testing.T) {
	root := t.TempDir()
	blocker := filepath.Join(root, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	alt := filepath.Join(root, "alt")
	prefs := fakePrefs{prefs: settings.Preferences{DownloadPath: blocker, AnonymousLogin: true}}
	q := NewQueue(&fakeTool{}, newFakeCatalog(), prefs, Config{AltDownloadRoot: alt})
	startQueue(t, q)

	id, _ := q.Submit(730, "Example App")

	j := waitTerminal(t, q, id)
	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Equal(t, filepath.Join(alt, "730"), j.Directory)
}

func TestQueue_DirectoryFailure(t *testing.T) {
	root := t.TempDir()
	blocker := filepath.Join(root, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	prefs := fakePrefs{prefs: settings.Preferences{DownloadPath: blocker, AnonymousLogin: true}}
	tool := &fakeTool{}
	q := NewQueue(tool, newFakeCatalog(), prefs, Config{AltDownloadRoot: filepath.Join(blocker, "alt")})
	startQueue(t, q)

	id, _ := q.Submit(730, "Example App")

	j := waitTerminal(t, q, id)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Contains(t, j.Error, "failed to create download directory")
	assert.Empty(t, tool.downloads())
}

func TestQueue_ProgressWhileDownloading(t *testing.T) {
	release := make(chan struct{})
	reported := make(chan struct{})

	tool := &fakeTool{
		download: func(_ context.Context, _ steamcmd.DownloadOptions, onProgress func(int)) error {
			onProgress(42)
			close(reported)
			<-release
			onProgress(250)

			return nil
		},
	}
	q := NewQueue(tool, newFakeCatalog(), defaultPrefs(t), Config{})
	startQueue(t, q)

	id, _ := q.Submit(730, "Example App")
	_, _ = q.Submit(731, "Queued App")

	<-reported

	j, _ := q.Status(id)
	assert.Equal(t, job.StatusDownloading, j.Status)
	assert.Equal(t, 42, j.Progress)

	snap := q.Snapshot()
	assert.Equal(t, 1, snap.Active)
	assert.Equal(t, 1, snap.Queued)
	require.Len(t, snap.Jobs, 2)
	assert.Equal(t, id, snap.Jobs[0].ID)

	close(release)

	j = waitTerminal(t, q, id)
	assert.Equal(t, 100, j.Progress)
}

func TestQueue_StatusOnlyMovesForward(t *testing.T) {
	var (
		q        *Queue
		mu       sync.Mutex
		observed []job.Status
	)

	observe := func(id string) {
		j, _ := q.Status(id)

		mu.Lock()
		defer mu.Unlock()

		if len(observed) == 0 || observed[len(observed)-1] != j.Status {
			observed = append(observed, j.Status)
		}
	}

	var id string

	tool := &fakeTool{
		download: func(context.Context, steamcmd.DownloadOptions, func(int)) error {
			observe(id)
			return nil
		},
	}
	q = NewQueue(tool, newFakeCatalog(), defaultPrefs(t), Config{})

	id, _ = q.Submit(730, "Example App")
	observe(id)

	startQueue(t, q)
	waitTerminal(t, q, id)
	observe(id)

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []job.Status{job.StatusQueued, job.StatusDownloading, job.StatusCompleted}, observed)

	for i := 1; i < len(observed); i++ {
		assert.True(t, job.CanTransition(observed[i-1], observed[i]))
	}
}

func TestQueue_RecoversFromPanic(t *testing.T) {
	tool := &fakeTool{
		download: func(_ context.Context, opts steamcmd.DownloadOptions, _ func(int)) error {
			if opts.ContentID == 1 {
				panic("boom")
			}

			return nil
		},
	}
	q := NewQueue(tool, newFakeCatalog(), defaultPrefs(t), Config{})
	startQueue(t, q)

	id1, _ := q.Submit(1, "panics")
	id2, _ := q.Submit(2, "fine")

	j1 := waitTerminal(t, q, id1)
	assert.Equal(t, job.StatusFailed, j1.Status)
	assert.Contains(t, j1.Error, "boom")

	assert.Equal(t, job.StatusCompleted, waitTerminal(t, q, id2).Status)
}

func TestQueue_RecoversFromCatalogPanic(t *testing.T) {
	cat := newFakeCatalog()
	cat.panicOn = 1

	q := NewQueue(&fakeTool{}, cat, defaultPrefs(t), Config{})
	startQueue(t, q)

	id1, _ := q.Submit(1, "panics in catalog")
	id2, _ := q.Submit(2, "fine")

	j1 := waitTerminal(t, q, id1)
	assert.Equal(t, job.StatusFailed, j1.Status)
	assert.Contains(t, j1.Error, "catalog exploded")

	assert.Equal(t, job.StatusCompleted, waitTerminal(t, q, id2).Status)

	_, ok := cat.get(2)
	assert.True(t, ok)
}

func TestQueue_CatalogFailureKeepsJobCompleted(t *testing.T) {
	cat := newFakeCatalog()
	cat.err = errors.New("disk full")

	q := NewQueue(&fakeTool{}, cat, defaultPrefs(t), Config{})
	startQueue(t, q)

	id, _ := q.Submit(730, "Example App")

	assert.Equal(t, job.StatusCompleted, waitTerminal(t, q, id).Status)
}

func TestQueue_StopWaitsForInFlightJob(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	tool := &fakeTool{
		download: func(context.Context, steamcmd.DownloadOptions, func(int)) error {
			close(started)
			<-release

			return nil
		},
	}
	q := NewQueue(tool, newFakeCatalog(), defaultPrefs(t), Config{})
	q.Start(context.Background())

	id1, _ := q.Submit(1, "in flight")
	id2, _ := q.Submit(2, "left queued")

	<-started

	stopped := make(chan struct{})
	go func() {
		q.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned while a job was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return after the job finished")
	}

	j1, _ := q.Status(id1)
	assert.Equal(t, job.StatusCompleted, j1.Status)

	j2, _ := q.Status(id2)
	assert.Equal(t, job.StatusQueued, j2.Status)
}

func TestQueue_StartIsIdempotentAndStopWithoutStart(t *testing.T) {
	q := NewQueue(&fakeTool{}, newFakeCatalog(), defaultPrefs(t), Config{})
	q.Stop()

	q.Start(context.Background())
	q.Start(context.Background())

	id, _ := q.Submit(730, "Example App")
	waitTerminal(t, q, id)

	q.Stop()
	q.Stop()
}

func TestQueue_Retention(t *testing.T) {
	q := NewQueue(&fakeTool{}, newFakeCatalog(), defaultPrefs(t), Config{Retention: 2})
	startQueue(t, q)

	var ids []string
	for i := 1; i <= 4; i++ {
		id, err := q.Submit(i, fmt.Sprintf("app %d", i))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.Eventually(t, func() bool {
		j, ok := q.Status(ids[3])
		return ok && j.Status.IsTerminal()
	}, 5*time.Second, 5*time.Millisecond)

	_, ok := q.Status(ids[0])
	assert.False(t, ok)
	_, ok = q.Status(ids[1])
	assert.False(t, ok)

	snap := q.Snapshot()
	require.Len(t, snap.Jobs, 2)
	assert.Equal(t, ids[2], snap.Jobs[0].ID)
	assert.Equal(t, ids[3], snap.Jobs[1].ID)
}

func TestQueue_NotifiesObservers(t *testing.T) {
	obs := &recordingObserver{}
	tool := &fakeTool{
		download: func(_ context.Context, opts steamcmd.DownloadOptions, _ func(int)) error {
			if opts.ContentID == 2 {
				return errors.New("nope")
			}

			return nil
		},
	}
	q := NewQueue(tool, newFakeCatalog(), defaultPrefs(t), Config{Observers: []Observer{obs}})
	startQueue(t, q)

	_, _ = q.Submit(1, "ok")
	id2, _ := q.Submit(2, "bad")
	waitTerminal(t, q, id2)

	require.Eventually(t, func() bool { return len(obs.finished()) == 2 }, 5*time.Second, 5*time.Millisecond)

	got := obs.finished()
	assert.Equal(t, job.StatusCompleted, got[0].Status)
	assert.Equal(t, job.StatusFailed, got[1].Status)
}

func TestQueue_ConcurrentSubmitters(t *testing.T) {
	const (
		submitters = 16
		perWorker  = 10
	)

	q := NewQueue(&fakeTool{}, newFakeCatalog(), defaultPrefs(t), Config{})
	startQueue(t, q)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[string]struct{})
	)

	for w := range submitters {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range perWorker {
				id, err := q.Submit(w*perWorker+i+1, "stress")
				assert.NoError(t, err)

				mu.Lock()
				ids[id] = struct{}{}
				mu.Unlock()

				_ = q.Snapshot()
			}
		}()
	}

	wg.Wait()

	require.Len(t, ids, submitters*perWorker, "ids must be unique")

	require.Eventually(t, func() bool {
		snap := q.Snapshot()
		return snap.Queued == 0 && snap.Active == 0
	}, 10*time.Second, 10*time.Millisecond)

	snap := q.Snapshot()
	assert.Len(t, snap.Jobs, submitters*perWorker)

	for _, j := range snap.Jobs {
		assert.Equal(t, job.StatusCompleted, j.Status)
	}
}
