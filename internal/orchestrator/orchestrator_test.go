package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transfer-hub/internal/domain"
	"transfer-hub/internal/events"
	"transfer-hub/internal/orchestrator"
	"transfer-hub/internal/taskstore"
)

// steppingClock advances one second per reading so every progress event
// lands outside the coalescing window.
type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type noopTimer struct{}

func (noopTimer) Stop() bool { return true }

func (c *steppingClock) AfterFunc(time.Duration, func()) taskstore.Timer { return noopTimer{} }

type fakeBackend struct {
	mu        sync.Mutex
	calls     []string
	sessions  []domain.Session
	createErr error
	startErr  error
	resumed   int
}

func (f *fakeBackend) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeBackend) called(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (f *fakeBackend) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *fakeBackend) Create(_ context.Context, s domain.Session) error {
	f.record("create")
	return f.createErr
}

func (f *fakeBackend) Start(_ context.Context, _ domain.Kind, id string) error {
	f.record("start:" + id)
	return f.startErr
}

func (f *fakeBackend) Pause(_ context.Context, _ domain.Kind, id string) error {
	f.record("pause:" + id)
	return nil
}

func (f *fakeBackend) Resume(_ context.Context, _ domain.Kind, id string) error {
	f.record("resume:" + id)
	return nil
}

func (f *fakeBackend) Cancel(_ context.Context, _ domain.Kind, id string) error {
	f.record("cancel:" + id)
	return nil
}

func (f *fakeBackend) Delete(_ context.Context, _ domain.Kind, id string) error {
	f.record("delete:" + id)
	return nil
}

func (f *fakeBackend) ListSessions(_ context.Context, kind domain.Kind, scope string) ([]domain.Session, error) {
	f.record("list:" + scope)
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Session
	for _, s := range f.sessions {
		if s.Kind == kind && s.Scope == scope {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeBackend) PauseAll(context.Context, domain.Kind, string) (int, error) {
	f.record("pause_all")
	return 2, nil
}

func (f *fakeBackend) StartAll(context.Context, domain.Kind, string, domain.Credentials) (int, error) {
	f.record("start_all")
	return f.resumed, nil
}

func (f *fakeBackend) ClearFinished(context.Context, domain.Kind, string) (int, error) {
	f.record("clear_finished")
	return 0, nil
}

func (f *fakeBackend) ClearAll(context.Context, domain.Kind, string) (int, error) {
	f.record("clear_all")
	return 0, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []orchestrator.Notification
}

func (r *recordingNotifier) Notify(n orchestrator.Notification) {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
}

func (r *recordingNotifier) last() orchestrator.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.notes) == 0 {
		return orchestrator.Notification{}
	}
	return r.notes[len(r.notes)-1]
}

type fixture struct {
	orch     *orchestrator.Orchestrator
	backend  *fakeBackend
	bus      *events.Bus
	notifier *recordingNotifier
}

func newFixture(t *testing.T, maxConcurrent int) *fixture {
	t.Helper()
	f := &fixture{
		backend:  &fakeBackend{},
		bus:      events.NewBus(nil),
		notifier: &recordingNotifier{},
	}
	f.orch = orchestrator.New(orchestrator.Config{
		MaxConcurrent: maxConcurrent,
		Clock:         &steppingClock{now: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)},
		Notifier:      f.notifier,
	}, f.backend, f.bus)
	require.NoError(t, f.orch.Init(context.Background()))
	t.Cleanup(f.orch.Shutdown)
	return f
}

func (f *fixture) create(t *testing.T, name string) domain.Task {
	t.Helper()
	task, err := f.orch.Create(context.Background(), domain.KindDownload, orchestrator.CreateRequest{
		Scope:       "bucket",
		Source:      "remote/" + name,
		Destination: "/data/" + name,
	})
	require.NoError(t, err)
	return task
}

func (f *fixture) status(id, status string) {
	f.bus.Publish(events.TopicStatusChanged, domain.StatusChangedEvent{Kind: domain.KindDownload, TaskID: id, Status: status})
}

func (f *fixture) task(t *testing.T, id string) domain.Task {
	t.Helper()
	task, err := f.orch.Task(domain.KindDownload, id)
	require.NoError(t, err)
	return task
}

func TestCreateAdmitsWithinBudget(t *testing.T) {
	f := newFixture(t, 2)
	a := f.create(t, "a")
	b := f.create(t, "b")
	c := f.create(t, "c")

	assert.Equal(t, "a", a.Name)
	assert.Equal(t, domain.TaskStatusPending, a.Status)

	require.Eventually(t, func() bool { return f.backend.count("start:") == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, f.backend.called("start:"+a.ID))
	assert.True(t, f.backend.called("start:"+b.ID))
	assert.False(t, f.backend.called("start:"+c.ID))
	assert.False(t, f.task(t, c.ID).Admitted)

	f.status(a.ID, domain.BackendDownloading)
	f.status(b.ID, domain.BackendDownloading)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, f.backend.called("start:"+c.ID), "active tasks hold their slots")

	f.status(a.ID, domain.BackendCompleted)
	require.Eventually(t, func() bool { return f.backend.called("start:" + c.ID) }, time.Second, 5*time.Millisecond)

	counts, err := f.orch.Counts(domain.KindDownload, "bucket")
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Total)
	assert.Equal(t, 1, counts.Success)
	assert.Equal(t, 1, counts.Active)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.orch.Create(context.Background(), domain.KindUpload, orchestrator.CreateRequest{Scope: "bucket"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.orch.Create(context.Background(), "sync", orchestrator.CreateRequest{Scope: "bucket", Source: "x"})
	assert.ErrorIs(t, err, domain.ErrUnknownKind)
	assert.False(t, f.backend.called("create"))
}

func TestCreateBackendFailureRemovesTask(t *testing.T) {
	f := newFixture(t, 1)
	f.backend.createErr = errors.New("disk full")

	_, err := f.orch.Create(context.Background(), domain.KindDownload, orchestrator.CreateRequest{Scope: "bucket", Source: "k"})
	var opErr *domain.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "create", opErr.Op)

	tasks, err := f.orch.Tasks(domain.KindDownload, "")
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.Equal(t, orchestrator.LevelError, f.notifier.last().Level)
}

func TestStartFailureSettlesError(t *testing.T) {
	f := newFixture(t, 1)
	f.backend.startErr = errors.New("backend unreachable")
	a := f.create(t, "a")

	require.Eventually(t, func() bool { return f.notifier.last().TaskID == a.ID }, time.Second, 5*time.Millisecond)
	got := f.task(t, a.ID)
	assert.Equal(t, domain.TaskStatusError, got.Status)
	assert.Equal(t, "backend unreachable", got.Error)
	assert.False(t, got.Admitted)

	note := f.notifier.last()
	assert.Equal(t, a.ID, note.TaskID)
	assert.Contains(t, note.Message, "start download task")

	// a failed task can be retried
	f.backend.startErr = nil
	require.NoError(t, f.orch.Resume(context.Background(), domain.KindDownload, a.ID))
	require.Eventually(t, func() bool { return f.backend.called("resume:" + a.ID) }, time.Second, 5*time.Millisecond)
}

func TestPauseResumeScenario(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	a := f.create(t, "a")
	require.Eventually(t, func() bool { return f.backend.called("start:" + a.ID) }, time.Second, 5*time.Millisecond)

	f.bus.Publish(events.TopicProgress, domain.ProgressEvent{Kind: domain.KindDownload, TaskID: a.ID, Percent: 10, TransferredBytes: 100, TotalBytes: 1000, Speed: 500})
	got := f.task(t, a.ID)
	assert.Equal(t, domain.TaskStatusDownloading, got.Status)
	assert.Equal(t, 10, got.ProgressPercent)
	assert.Equal(t, int64(1000), got.FileSize)

	require.NoError(t, f.orch.Pause(ctx, domain.KindDownload, a.ID))
	assert.True(t, f.backend.called("pause:"+a.ID))
	assert.Equal(t, domain.TaskStatusDownloading, f.task(t, a.ID).Status, "pause waits for the backend event")

	f.status(a.ID, domain.BackendPaused)
	got = f.task(t, a.ID)
	assert.Equal(t, domain.TaskStatusPaused, got.Status)
	assert.Zero(t, got.SpeedBytesPerSec)
	assert.Equal(t, 10, got.ProgressPercent)

	assert.ErrorIs(t, f.orch.Pause(ctx, domain.KindDownload, a.ID), domain.ErrInvalidTransition)

	require.NoError(t, f.orch.Resume(ctx, domain.KindDownload, a.ID))
	require.Eventually(t, func() bool { return f.backend.called("resume:" + a.ID) }, time.Second, 5*time.Millisecond)

	f.status(a.ID, domain.BackendDownloading)
	assert.Equal(t, domain.TaskStatusDownloading, f.task(t, a.ID).Status)

	f.bus.Publish(events.TopicProgress, domain.ProgressEvent{Kind: domain.KindDownload, TaskID: a.ID, Percent: 8, TransferredBytes: 80, TotalBytes: 1000, Speed: 400})
	got = f.task(t, a.ID)
	assert.Equal(t, 10, got.ProgressPercent, "regressing progress is discarded")
	assert.Equal(t, int64(100), got.TransferredBytes)
}

func TestCancelIsTwoPhase(t *testing.T) {
	f := newFixture(t, 1)
	a := f.create(t, "a")

	require.NoError(t, f.orch.Cancel(context.Background(), domain.KindDownload, a.ID))
	assert.True(t, f.backend.called("cancel:"+a.ID))
	assert.NotEqual(t, domain.TaskStatusCancelled, f.task(t, a.ID).Status)

	f.status(a.ID, domain.BackendCancelled)
	assert.Equal(t, domain.TaskStatusCancelled, f.task(t, a.ID).Status)
	assert.ErrorIs(t, f.orch.Cancel(context.Background(), domain.KindDownload, a.ID), domain.ErrInvalidTransition)

	require.NoError(t, f.orch.Delete(context.Background(), domain.KindDownload, a.ID))
	_, err := f.orch.Task(domain.KindDownload, a.ID)
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestRefreshReconcilesScope(t *testing.T) {
	f := newFixture(t, 1)
	created := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, status := range []string{domain.BackendPaused, domain.BackendCompleted} {
		f.backend.sessions = append(f.backend.sessions, domain.Session{
			ID:               fmt.Sprintf("s%d", i),
			Kind:             domain.KindDownload,
			Scope:            "bucket",
			FileName:         fmt.Sprintf("f%d", i),
			FileSize:         100,
			TransferredBytes: int64(50 * (i + 1)),
			Status:           status,
			CreatedAt:        created.Add(time.Duration(i) * time.Minute),
		})
	}

	require.NoError(t, f.orch.Refresh(context.Background(), domain.KindDownload, "bucket"))
	tasks, err := f.orch.Tasks(domain.KindDownload, "bucket")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, domain.TaskStatusPaused, tasks[0].Status)
	assert.Equal(t, 50, tasks[0].ProgressPercent)
	assert.Equal(t, domain.TaskStatusSuccess, tasks[1].Status)
	assert.Equal(t, 100, tasks[1].ProgressPercent)
}

func TestQueuedResumeSurvivesRefresh(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	a := f.create(t, "a")
	require.Eventually(t, func() bool { return f.backend.called("start:" + a.ID) }, time.Second, 5*time.Millisecond)
	f.status(a.ID, domain.BackendDownloading)

	b := f.create(t, "b")
	f.status(b.ID, domain.BackendPaused)
	require.NoError(t, f.orch.Resume(ctx, domain.KindDownload, b.ID))
	assert.False(t, f.backend.called("resume:"+b.ID), "no slot free yet")

	created := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	f.backend.sessions = []domain.Session{
		{ID: a.ID, Kind: domain.KindDownload, Scope: "bucket", FileName: "a", FileSize: 100, Status: domain.BackendDownloading, CreatedAt: created},
		{ID: b.ID, Kind: domain.KindDownload, Scope: "bucket", FileName: "b", FileSize: 100, Status: domain.BackendPaused, CreatedAt: created.Add(time.Minute)},
	}
	require.NoError(t, f.orch.Refresh(ctx, domain.KindDownload, "bucket"))

	got := f.task(t, b.ID)
	assert.Equal(t, domain.TaskStatusPending, got.Status)
	assert.True(t, got.ResumeRequested)

	f.status(a.ID, domain.BackendCompleted)
	require.Eventually(t, func() bool { return f.backend.called("resume:" + b.ID) }, time.Second, 5*time.Millisecond)
	assert.False(t, f.backend.called("start:"+b.ID))
}

func TestBatchEventTriggersRefresh(t *testing.T) {
	f := newFixture(t, 1)
	f.bus.Publish(events.TopicBatchOperation, domain.BatchOperationEvent{Kind: domain.KindDownload, Operation: domain.BatchPauseAll, Scope: "bucket"})
	require.Eventually(t, func() bool { return f.backend.called("list:bucket") }, time.Second, 5*time.Millisecond)
}

func TestEnsureSubscriptionsIsIdempotent(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.orch.EnsureSubscriptions())
	require.NoError(t, f.orch.EnsureSubscriptions())
	assert.Equal(t, 4, f.bus.SubscriptionCount())

	f.orch.Shutdown()
	assert.Zero(t, f.bus.SubscriptionCount())
}
