// Package orchestrator is the application root of the task orchestration
// core. It owns one task store per kind, the backend event subscriptions,
// the admission loop and the per-task commands.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"transfer-hub/internal/backend"
	"transfer-hub/internal/domain"
	"transfer-hub/internal/events"
	"transfer-hub/internal/reconcile"
	"transfer-hub/internal/taskstore"
)

const (
	DefaultMaxConcurrent  = 3
	defaultCommandTimeout = 30 * time.Second
)

type Config struct {
	// MaxConcurrent is the admission budget per kind.
	MaxConcurrent  int
	CoalesceWindow time.Duration
	CommandTimeout time.Duration
	Clock          taskstore.Clock
	Logger         *logrus.Logger
	Notifier       Notifier
}

// CreateRequest describes a new transfer. Source and destination are
// interpreted per kind: remote key to local path for downloads, local path to
// remote key for uploads, remote key to remote key for moves.
type CreateRequest struct {
	Scope       string `json:"scope"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Name        string `json:"name"`
}

type Orchestrator struct {
	cfg        Config
	backend    backend.Backend
	stores     map[domain.Kind]*taskstore.Store
	reconciler *reconcile.Reconciler
	subs       *events.Manager
	logger     *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func New(cfg Config, b backend.Backend, source events.Source) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = taskstore.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NewLogNotifier(cfg.Logger, 0)
	}

	o := &Orchestrator{
		cfg:        cfg,
		backend:    b,
		stores:     make(map[domain.Kind]*taskstore.Store, len(domain.Kinds)),
		reconciler: reconcile.New(cfg.Logger),
		logger:     cfg.Logger.WithField("component", "orchestrator"),
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())
	for _, kind := range domain.Kinds {
		o.stores[kind] = taskstore.New(taskstore.Config{
			Kind:           kind,
			CoalesceWindow: cfg.CoalesceWindow,
			Clock:          cfg.Clock,
			Logger:         cfg.Logger,
			OnChange:       o.admit,
		})
	}
	o.subs = events.NewManager(events.Config{
		Source:  source,
		Stores:  o.stores,
		OnBatch: o.onBatch,
		Logger:  cfg.Logger,
	})
	return o
}

// Init registers the backend subscriptions. A failure is logged and retried
// by the next EnsureSubscriptions.
func (o *Orchestrator) Init(ctx context.Context) error {
	if err := o.EnsureSubscriptions(); err != nil {
		return err
	}
	o.logger.WithField("max_concurrent", o.cfg.MaxConcurrent).Info("orchestrator ready")
	return nil
}

func (o *Orchestrator) EnsureSubscriptions() error {
	return o.subs.Setup()
}

// Shutdown stops admission, drops the subscriptions and waits for in-flight
// commands issued by admission.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	o.subs.Shutdown()
	o.cancel()
	o.wg.Wait()
	for _, s := range o.stores {
		s.Close()
	}
	o.logger.Info("orchestrator stopped")
}

func (o *Orchestrator) store(kind domain.Kind) (*taskstore.Store, error) {
	s, ok := o.stores[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownKind, kind)
	}
	return s, nil
}

// goTracked runs fn as a tracked background command unless the orchestrator is shut down.
func (o *Orchestrator) goTracked(fn func(ctx context.Context)) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(o.ctx, o.cfg.CommandTimeout)
		defer cancel()
		fn(ctx)
	}()
	return true
}

// admit runs an admission pass for kind and issues start or resume for every
// selected task.
func (o *Orchestrator) admit(kind domain.Kind) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return
	}

	for _, task := range o.stores[kind].Admit(o.cfg.MaxConcurrent) {
		o.goTracked(func(ctx context.Context) { o.launch(ctx, task) })
	}
}

func (o *Orchestrator) launch(ctx context.Context, task domain.Task) {
	op := "start"
	call := o.backend.Start
	if task.ResumeRequested {
		op = "resume"
		call = o.backend.Resume
	}
	logger := o.logger.WithFields(logrus.Fields{"task_id": task.ID, "kind": task.Kind})
	logger.Debugf("admitted, issuing %s", op)

	err := call(ctx, task.Kind, task.ID)
	if err == nil {
		return
	}

	opErr := &domain.OperationError{Op: op, Kind: task.Kind, TaskID: task.ID, Err: err}
	_, updateErr := o.stores[task.Kind].Update(task.ID, func(t *domain.Task) error {
		if t.Status != domain.TaskStatusPending || !t.Admitted {
			return errSuperseded
		}
		t.Fail(err.Error(), o.cfg.Clock.Now())
		return nil
	})
	if updateErr != nil && !errors.Is(updateErr, errSuperseded) && !errors.Is(updateErr, domain.ErrTaskNotFound) {
		logger.WithError(updateErr).Warn("settle failed start")
	}
	o.notifyError(task.Kind, "", task.ID, opErr)
}

var errSuperseded = errors.New("task state moved on")

func (o *Orchestrator) notifyError(kind domain.Kind, scope, id string, err error) {
	o.cfg.Notifier.Notify(Notification{
		Time:    o.cfg.Clock.Now(),
		Level:   LevelError,
		Kind:    kind,
		Scope:   scope,
		TaskID:  id,
		Message: err.Error(),
	})
}

func (o *Orchestrator) notifyInfo(kind domain.Kind, scope, msg string) {
	o.cfg.Notifier.Notify(Notification{
		Time:    o.cfg.Clock.Now(),
		Level:   LevelInfo,
		Kind:    kind,
		Scope:   scope,
		Message: msg,
	})
}

func (o *Orchestrator) onBatch(ev domain.BatchOperationEvent) {
	o.goTracked(func(ctx context.Context) {
		if err := o.Refresh(ctx, ev.Kind, ev.Scope); err != nil {
			o.logger.WithFields(logrus.Fields{"kind": ev.Kind, "scope": ev.Scope}).WithError(err).Warnf("reconcile after %s", ev.Operation)
		}
	})
}

// Create registers a task locally and with the backend. The local entry holds
// an admission slot until the backend acknowledges the session.
func (o *Orchestrator) Create(ctx context.Context, kind domain.Kind, req CreateRequest) (domain.Task, error) {
	s, err := o.store(kind)
	if err != nil {
		return domain.Task{}, err
	}
	req.Scope = strings.TrimSpace(req.Scope)
	req.Source = strings.TrimSpace(req.Source)
	if req.Scope == "" || req.Source == "" {
		return domain.Task{}, fmt.Errorf("%w: scope and source are required", domain.ErrValidation)
	}
	if req.Name == "" {
		req.Name = path.Base(strings.ReplaceAll(req.Source, "\\", "/"))
	}
	if req.Destination == "" {
		req.Destination = req.Name
	}

	task := domain.NewPendingTask(uuid.NewString(), kind, req.Scope, req.Name, req.Source, req.Destination, o.cfg.Clock.Now())
	task.Admitted = true
	if err := s.Add(task); err != nil {
		return domain.Task{}, err
	}

	err = o.backend.Create(ctx, domain.Session{
		ID:          task.ID,
		Kind:        kind,
		Scope:       task.Scope,
		SourceKey:   task.Source,
		FileName:    task.Name,
		Destination: task.Destination,
		Status:      domain.BackendPending,
		CreatedAt:   task.CreatedAt,
	})
	if err != nil {
		s.Remove(task.ID)
		opErr := &domain.OperationError{Op: "create", Kind: kind, TaskID: task.ID, Err: err}
		o.notifyError(kind, task.Scope, task.ID, opErr)
		return domain.Task{}, opErr
	}

	created, err := s.Update(task.ID, func(t *domain.Task) error {
		if t.Status == domain.TaskStatusPending {
			t.Admitted = false
		}
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	o.logger.WithFields(logrus.Fields{"task_id": task.ID, "kind": kind, "scope": task.Scope}).Info("task created")
	o.admit(kind)
	return created, nil
}

func (o *Orchestrator) Task(kind domain.Kind, id string) (domain.Task, error) {
	s, err := o.store(kind)
	if err != nil {
		return domain.Task{}, err
	}
	return s.Get(id)
}

// Tasks lists the tasks of kind; an empty scope lists every scope.
func (o *Orchestrator) Tasks(kind domain.Kind, scope string) ([]domain.Task, error) {
	s, err := o.store(kind)
	if err != nil {
		return nil, err
	}
	return s.List(scope), nil
}

func (o *Orchestrator) Counts(kind domain.Kind, scope string) (taskstore.Counts, error) {
	s, err := o.store(kind)
	if err != nil {
		return taskstore.Counts{}, err
	}
	return s.Counts(scope), nil
}

// Pause asks the backend to suspend an active transfer. The local status
// follows the backend's paused event.
func (o *Orchestrator) Pause(ctx context.Context, kind domain.Kind, id string) error {
	task, err := o.Task(kind, id)
	if err != nil {
		return err
	}
	if !task.CanPause() {
		return fmt.Errorf("%w: pause from %s", domain.ErrInvalidTransition, task.DisplayStatus())
	}
	return o.command(ctx, "pause", task, o.backend.Pause)
}

// Resume re-queues a paused or failed task; admission resumes it once a
// slot is free.
func (o *Orchestrator) Resume(ctx context.Context, kind domain.Kind, id string) error {
	s, err := o.store(kind)
	if err != nil {
		return err
	}
	_, err = s.Update(id, func(t *domain.Task) error {
		return t.RequestResume(o.cfg.Clock.Now())
	})
	return err
}

// Cancel asks the backend to cancel a task. The task becomes cancelled when
// the confirming status event arrives.
func (o *Orchestrator) Cancel(ctx context.Context, kind domain.Kind, id string) error {
	task, err := o.Task(kind, id)
	if err != nil {
		return err
	}
	if !task.CanCancel() {
		return fmt.Errorf("%w: cancel from %s", domain.ErrInvalidTransition, task.Status)
	}
	return o.command(ctx, "cancel", task, o.backend.Cancel)
}

// Delete removes a task in any state, locally and in the backend.
func (o *Orchestrator) Delete(ctx context.Context, kind domain.Kind, id string) error {
	s, err := o.store(kind)
	if err != nil {
		return err
	}
	task, err := s.Get(id)
	if err != nil {
		return err
	}
	err = o.backend.Delete(ctx, kind, id)
	if err != nil && !errors.Is(err, domain.ErrTaskNotFound) {
		opErr := &domain.OperationError{Op: "delete", Kind: kind, TaskID: id, Err: err}
		o.notifyError(kind, task.Scope, id, opErr)
		return opErr
	}
	s.Remove(id)
	return nil
}

func (o *Orchestrator) command(ctx context.Context, op string, task domain.Task, call func(context.Context, domain.Kind, string) error) error {
	if err := call(ctx, task.Kind, task.ID); err != nil {
		opErr := &domain.OperationError{Op: op, Kind: task.Kind, TaskID: task.ID, Err: err}
		o.notifyError(task.Kind, task.Scope, task.ID, opErr)
		return opErr
	}
	return nil
}

// Refresh reconciles scope against the backend's persisted sessions.
func (o *Orchestrator) Refresh(ctx context.Context, kind domain.Kind, scope string) error {
	s, err := o.store(kind)
	if err != nil {
		return err
	}
	sessions, err := o.backend.ListSessions(ctx, kind, scope)
	if err != nil {
		return fmt.Errorf("list %s sessions in %s: %w", kind, scope, err)
	}
	return o.reconciler.Apply(s, scope, sessions)
}
