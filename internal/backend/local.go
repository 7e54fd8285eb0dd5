package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"transfer-hub/internal/domain"
	"transfer-hub/internal/events"
	"transfer-hub/internal/executor"
	"transfer-hub/internal/repository"
)

type Config struct {
	// BatchParallelism bounds the per-task commands a batch operation runs at once.
	BatchParallelism int
	Logger           *logrus.Logger
}

// Local runs sessions on an in-process executor and persists them in a
// session repository.
type Local struct {
	cfg       Config
	repo      repository.SessionRepository
	exec      executor.Executor
	publisher Publisher

	mu    sync.Mutex
	creds map[string]domain.Credentials
}

func NewLocal(cfg Config, repo repository.SessionRepository, exec executor.Executor, publisher Publisher) *Local {
	if cfg.BatchParallelism <= 0 {
		cfg.BatchParallelism = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Local{
		cfg:       cfg,
		repo:      repo,
		exec:      exec,
		publisher: publisher,
		creds:     make(map[string]domain.Credentials),
	}
}

// Recover requeues sessions interrupted by a previous shutdown.
func (l *Local) Recover(ctx context.Context) error {
	sessions, err := l.repo.ListByStatuses(ctx,
		domain.BackendDownloading,
		domain.BackendUploading,
		domain.BackendFinishing,
		domain.BackendDeleting,
	)
	if err != nil {
		return fmt.Errorf("list interrupted sessions: %w", err)
	}
	for i := range sessions {
		s := sessions[i]
		l.cfg.Logger.WithFields(logrus.Fields{"task_id": s.ID, "kind": s.Kind}).Info("resuming interrupted session")
		if err := l.submit(s); err != nil && !errors.Is(err, executor.ErrAlreadyRunning) {
			return err
		}
	}
	return nil
}

func (l *Local) Create(ctx context.Context, session domain.Session) error {
	if _, err := domain.ParseKind(string(session.Kind)); err != nil {
		return err
	}
	if session.ID == "" || session.Scope == "" || session.SourceKey == "" {
		return fmt.Errorf("%w: id, scope and source are required", domain.ErrValidation)
	}
	session.Status = domain.BackendPending
	session.Error = ""
	if err := l.repo.Create(ctx, &session); err != nil {
		return err
	}
	l.cfg.Logger.WithFields(logrus.Fields{"task_id": session.ID, "kind": session.Kind, "scope": session.Scope}).Info("session created")
	return nil
}

func (l *Local) session(ctx context.Context, kind domain.Kind, id string) (*domain.Session, error) {
	s, err := l.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Kind != kind {
		return nil, fmt.Errorf("%w: %s %s", domain.ErrTaskNotFound, kind, id)
	}
	return s, nil
}

func (l *Local) submit(s domain.Session) error {
	job := executor.Job{
		ID:          s.ID,
		Kind:        s.Kind,
		Bucket:      s.Scope,
		Source:      s.SourceKey,
		Destination: s.Destination,
	}
	l.mu.Lock()
	if c, ok := l.creds[s.ID]; ok {
		job.Credentials = &c
	}
	l.mu.Unlock()
	return l.exec.Submit(job)
}

func (l *Local) setStatus(ctx context.Context, s *domain.Session, status string) error {
	if err := l.repo.UpdateStatus(ctx, s.ID, status, nil); err != nil {
		return err
	}
	l.publisher.Publish(events.TopicStatusChanged, domain.StatusChangedEvent{Kind: s.Kind, TaskID: s.ID, Status: status})
	return nil
}

func (l *Local) Start(ctx context.Context, kind domain.Kind, id string) error {
	s, err := l.session(ctx, kind, id)
	if err != nil {
		return err
	}
	if s.Status != domain.BackendPending {
		return fmt.Errorf("%w: start from %s", domain.ErrInvalidTransition, s.Status)
	}
	if err := l.submit(*s); err != nil && !errors.Is(err, executor.ErrAlreadyRunning) {
		return err
	}
	return nil
}

func (l *Local) Resume(ctx context.Context, kind domain.Kind, id string) error {
	s, err := l.session(ctx, kind, id)
	if err != nil {
		return err
	}
	switch s.Status {
	case domain.BackendPaused, domain.BackendFailed:
		if err := l.setStatus(ctx, s, domain.BackendPending); err != nil {
			return err
		}
	case domain.BackendPending:
	default:
		return fmt.Errorf("%w: resume from %s", domain.ErrInvalidTransition, s.Status)
	}
	if err := l.submit(*s); err != nil && !errors.Is(err, executor.ErrAlreadyRunning) {
		return err
	}
	return nil
}

func (l *Local) Pause(ctx context.Context, kind domain.Kind, id string) error {
	s, err := l.session(ctx, kind, id)
	if err != nil {
		return err
	}
	if found, err := l.exec.Stop(ctx, id, executor.StopPause); found || err != nil {
		return err
	}
	switch s.Status {
	case domain.BackendPaused:
		return nil
	case domain.BackendPending, domain.BackendDownloading, domain.BackendUploading:
		return l.setStatus(ctx, s, domain.BackendPaused)
	}
	return fmt.Errorf("%w: pause from %s", domain.ErrInvalidTransition, s.Status)
}

func (l *Local) Cancel(ctx context.Context, kind domain.Kind, id string) error {
	s, err := l.session(ctx, kind, id)
	if err != nil {
		return err
	}
	if found, err := l.exec.Stop(ctx, id, executor.StopCancel); found || err != nil {
		return err
	}
	if domain.IsBackendTerminal(s.Status) {
		return fmt.Errorf("%w: cancel from %s", domain.ErrInvalidTransition, s.Status)
	}
	return l.setStatus(ctx, s, domain.BackendCancelled)
}

func (l *Local) Delete(ctx context.Context, kind domain.Kind, id string) error {
	if _, err := l.session(ctx, kind, id); err != nil {
		return err
	}
	if _, err := l.exec.Stop(ctx, id, executor.StopDelete); err != nil {
		return err
	}
	if err := l.repo.Delete(ctx, id); err != nil {
		return err
	}
	l.mu.Lock()
	delete(l.creds, id)
	l.mu.Unlock()
	l.publisher.Publish(events.TopicTaskDeleted, domain.TaskDeletedEvent{Kind: kind, TaskID: id})
	return nil
}

func (l *Local) ListSessions(ctx context.Context, kind domain.Kind, scope string) ([]domain.Session, error) {
	return l.repo.ListByScope(ctx, kind, scope)
}

// forEach runs fn for every session of scope accepted by match, with bounded
// parallelism, and returns how many calls succeeded. Individual failures are
// logged, not returned.
func (l *Local) forEach(ctx context.Context, kind domain.Kind, scope, op string, match func(domain.Session) bool, fn func(ctx context.Context, s domain.Session) error) (int, error) {
	sessions, err := l.repo.ListByScope(ctx, kind, scope)
	if err != nil {
		return 0, err
	}

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.BatchParallelism)
	for i := range sessions {
		s := sessions[i]
		if !match(s) {
			continue
		}
		g.Go(func() error {
			if err := fn(gctx, s); err != nil {
				l.cfg.Logger.WithFields(logrus.Fields{"task_id": s.ID, "kind": kind, "scope": scope}).Warnf("%s: %v", op, err)
				return nil
			}
			done.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(done.Load()), err
	}
	return int(done.Load()), nil
}

func (l *Local) batchDone(kind domain.Kind, scope, op string, n int) {
	l.cfg.Logger.WithFields(logrus.Fields{"kind": kind, "scope": scope}).Infof("%s affected %d sessions", op, n)
	l.publisher.Publish(events.TopicBatchOperation, domain.BatchOperationEvent{Kind: kind, Operation: op, Scope: scope})
}

func (l *Local) PauseAll(ctx context.Context, kind domain.Kind, scope string) (int, error) {
	n, err := l.forEach(ctx, kind, scope, domain.BatchPauseAll,
		func(s domain.Session) bool {
			return s.Status == domain.BackendPending || domain.IsBackendActive(s.Status)
		},
		func(ctx context.Context, s domain.Session) error {
			return l.Pause(ctx, kind, s.ID)
		})
	if err != nil {
		return n, err
	}
	l.batchDone(kind, scope, domain.BatchPauseAll, n)
	return n, nil
}

func (l *Local) StartAll(ctx context.Context, kind domain.Kind, scope string, creds domain.Credentials) (int, error) {
	if err := creds.Validate(); err != nil {
		return 0, err
	}

	var resumed atomic.Int64
	_, err := l.forEach(ctx, kind, scope, domain.BatchStartAll,
		func(s domain.Session) bool {
			return s.Status == domain.BackendPending || s.Status == domain.BackendPaused || s.Status == domain.BackendFailed
		},
		func(ctx context.Context, s domain.Session) error {
			l.mu.Lock()
			l.creds[s.ID] = creds
			l.mu.Unlock()
			if err := l.Resume(ctx, kind, s.ID); err != nil {
				return err
			}
			if s.Status == domain.BackendPaused {
				resumed.Add(1)
			}
			return nil
		})
	if err != nil {
		return int(resumed.Load()), err
	}
	l.batchDone(kind, scope, domain.BatchStartAll, int(resumed.Load()))
	return int(resumed.Load()), nil
}

func (l *Local) ClearFinished(ctx context.Context, kind domain.Kind, scope string) (int, error) {
	n, err := l.repo.DeleteByStatuses(ctx, kind, scope,
		domain.BackendCompleted,
		domain.BackendFailed,
		domain.BackendCancelled,
	)
	if err != nil {
		return 0, err
	}
	l.batchDone(kind, scope, domain.BatchClearFinished, int(n))
	return int(n), nil
}

func (l *Local) ClearAll(ctx context.Context, kind domain.Kind, scope string) (int, error) {
	sessions, err := l.repo.ListByScope(ctx, kind, scope)
	if err != nil {
		return 0, err
	}
	for _, s := range sessions {
		if domain.IsBackendActive(s.Status) {
			return 0, fmt.Errorf("%w: %s", domain.ErrActiveTasks, scope)
		}
	}

	n, err := l.forEach(ctx, kind, scope, domain.BatchClearAll,
		func(domain.Session) bool { return true },
		func(ctx context.Context, s domain.Session) error {
			if _, err := l.exec.Stop(ctx, s.ID, executor.StopDelete); err != nil {
				return err
			}
			l.mu.Lock()
			delete(l.creds, s.ID)
			l.mu.Unlock()
			return l.repo.Delete(ctx, s.ID)
		})
	if err != nil {
		return n, err
	}
	l.batchDone(kind, scope, domain.BatchClearAll, n)
	return n, nil
}

var _ Backend = (*Local)(nil)
