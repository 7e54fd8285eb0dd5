// Package reconcile merges authoritative session snapshots with live task state.
//
// The snapshot decides which tasks exist; the live layer decides how far an
// actively transferring task has progressed, since progress events are fresher
// than any periodic snapshot.
package reconcile

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"transfer-hub/internal/domain"
	"transfer-hub/internal/taskstore"
)

type Reconciler struct {
	logger *logrus.Logger
}

func New(logger *logrus.Logger) *Reconciler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Reconciler{logger: logger}
}

// Apply replaces the content of scope in store with the merge of sessions and
// the live tasks. A session with an unmapped status aborts the pass untouched.
func (r *Reconciler) Apply(store *taskstore.Store, scope string, sessions []domain.Session) error {
	err := store.ReplaceScope(scope, func(current []domain.Task) ([]domain.Task, error) {
		return Merge(store.Kind(), scope, sessions, current)
	})
	if err != nil {
		return fmt.Errorf("reconcile %s scope %s: %w", store.Kind(), scope, err)
	}
	r.logger.WithFields(logrus.Fields{
		"kind":     store.Kind(),
		"scope":    scope,
		"sessions": len(sessions),
	}).Debug("scope reconciled")
	return nil
}

// Merge rebuilds the task list of one scope from a snapshot, keeping live
// progress for tasks that are transferring on either side.
func Merge(kind domain.Kind, scope string, sessions []domain.Session, current []domain.Task) ([]domain.Task, error) {
	statuses := make([]domain.TaskStatus, len(sessions))
	for i, s := range sessions {
		status, err := domain.DecodeBackendStatus(s.Status)
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", s.ID, err)
		}
		statuses[i] = status
	}

	live := make(map[string]domain.Task, len(current))
	for _, t := range current {
		live[t.ID] = t
	}

	merged := make([]domain.Task, 0, len(sessions))
	for i, s := range sessions {
		status := statuses[i]
		task := fromSession(kind, scope, s, status)

		existing, ok := live[s.ID]
		if !ok {
			merged = append(merged, task)
			continue
		}

		if task.Kind == domain.KindMove && task.Phase == domain.PhaseNone {
			task.Phase = existing.Phase
		}

		liveActive := status.IsActiveTransferring() || existing.Status.IsActiveTransferring()
		if liveActive {
			task.ProgressPercent = existing.ProgressPercent
			task.TransferredBytes = existing.TransferredBytes
			task.SpeedBytesPerSec = existing.SpeedBytesPerSec
			if existing.FileSize > 0 {
				task.FileSize = existing.FileSize
			}
			if !status.IsActiveTransferring() {
				task.SpeedBytesPerSec = 0
			}
		}

		if existing.Status == domain.TaskStatusPending && existing.ResumeRequested &&
			(status == domain.TaskStatusPaused || status == domain.TaskStatusError) {
			// the backend has not seen the queued resume yet
			task.Status = domain.TaskStatusPending
			task.Error = ""
			status = domain.TaskStatusPending
		}
		if status == domain.TaskStatusPending && existing.Status == domain.TaskStatusPending {
			task.Admitted = existing.Admitted
			task.ResumeRequested = existing.ResumeRequested
		}
		if status == domain.TaskStatusSuccess {
			completeCounters(&task)
		}
		merged = append(merged, task)
	}
	return merged, nil
}

func fromSession(kind domain.Kind, scope string, s domain.Session, status domain.TaskStatus) domain.Task {
	transferred := s.TransferredBytes
	if s.FileSize > 0 && transferred > s.FileSize {
		transferred = s.FileSize
	}
	task := domain.Task{
		ID:               s.ID,
		Kind:             kind,
		Scope:            scope,
		Name:             s.FileName,
		Source:           s.SourceKey,
		Destination:      s.Destination,
		FileSize:         s.FileSize,
		TransferredBytes: transferred,
		ProgressPercent:  domain.Percent(transferred, s.FileSize),
		Status:           status,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
	if kind == domain.KindMove {
		if phase, ok := domain.PhaseOf(status); ok {
			task.Phase = phase
		}
	}
	if status == domain.TaskStatusError {
		task.Error = s.Error
	}
	if status == domain.TaskStatusSuccess {
		completeCounters(&task)
	}
	return task
}

func completeCounters(t *domain.Task) {
	t.ProgressPercent = 100
	if t.FileSize > 0 {
		t.TransferredBytes = t.FileSize
	}
}
