package orchestrator

import (
	"context"
	"fmt"

	"transfer-hub/internal/domain"
)

// BatchCoordinator runs scope-wide operations and brings the local view of
// the scope back in line with the backend afterwards.
type BatchCoordinator struct {
	o *Orchestrator
}

func (o *Orchestrator) Batch() *BatchCoordinator {
	return &BatchCoordinator{o: o}
}

// ResumeResult tells callers whether paused work was resumed or only queued
// work is starting.
type ResumeResult struct {
	Resumed int `json:"resumed"`
}

func (r ResumeResult) Message() string {
	if r.Resumed == 0 {
		return "Starting"
	}
	return fmt.Sprintf("Resumed %d", r.Resumed)
}

func (b *BatchCoordinator) failed(op string, kind domain.Kind, scope string, err error) error {
	opErr := &domain.OperationError{Op: op, Kind: kind, Err: err}
	b.o.notifyError(kind, scope, "", opErr)
	return opErr
}

func (b *BatchCoordinator) refresh(ctx context.Context, kind domain.Kind, scope string) {
	if err := b.o.Refresh(ctx, kind, scope); err != nil {
		b.o.logger.WithField("scope", scope).WithError(err).Warn("reconcile after batch operation")
	}
}

func (b *BatchCoordinator) PauseAll(ctx context.Context, kind domain.Kind, scope string) (int, error) {
	if _, err := b.o.store(kind); err != nil {
		return 0, err
	}
	n, err := b.o.backend.PauseAll(ctx, kind, scope)
	if err != nil {
		return 0, b.failed(domain.BatchPauseAll, kind, scope, err)
	}
	b.refresh(ctx, kind, scope)
	b.o.notifyInfo(kind, scope, fmt.Sprintf("Paused %d", n))
	return n, nil
}

// ResumeAll validates creds locally and then starts every idle task of scope.
func (b *BatchCoordinator) ResumeAll(ctx context.Context, kind domain.Kind, scope string, creds domain.Credentials) (ResumeResult, error) {
	if _, err := b.o.store(kind); err != nil {
		return ResumeResult{}, err
	}
	if err := creds.Validate(); err != nil {
		return ResumeResult{}, err
	}
	n, err := b.o.backend.StartAll(ctx, kind, scope, creds)
	if err != nil {
		return ResumeResult{}, b.failed(domain.BatchStartAll, kind, scope, err)
	}
	b.refresh(ctx, kind, scope)
	res := ResumeResult{Resumed: n}
	b.o.notifyInfo(kind, scope, res.Message())
	return res, nil
}

// ClearFinished removes the terminal tasks of scope.
func (b *BatchCoordinator) ClearFinished(ctx context.Context, kind domain.Kind, scope string) (int, error) {
	s, err := b.o.store(kind)
	if err != nil {
		return 0, err
	}
	if _, err := b.o.backend.ClearFinished(ctx, kind, scope); err != nil {
		return 0, b.failed(domain.BatchClearFinished, kind, scope, err)
	}
	n := s.RemoveInScope(scope, func(t domain.Task) bool { return t.Status.IsTerminal() })
	return n, nil
}

// ClearAll removes every task of scope. It is rejected without any effect
// while a task of scope is transferring.
func (b *BatchCoordinator) ClearAll(ctx context.Context, kind domain.Kind, scope string) (int, error) {
	s, err := b.o.store(kind)
	if err != nil {
		return 0, err
	}
	for _, t := range s.List(scope) {
		if t.Status.IsActiveTransferring() {
			return 0, fmt.Errorf("%w: %s", domain.ErrActiveTasks, scope)
		}
	}
	if _, err := b.o.backend.ClearAll(ctx, kind, scope); err != nil {
		return 0, b.failed(domain.BatchClearAll, kind, scope, err)
	}
	n := s.RemoveInScope(scope, func(domain.Task) bool { return true })
	return n, nil
}
