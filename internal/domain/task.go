package domain

import (
	"fmt"
	"time"
)

// Kind identifies the transfer direction of a task.
type Kind string

const (
	KindDownload Kind = "download"
	KindUpload   Kind = "upload"
	KindMove     Kind = "move"
)

// Kinds lists every supported kind in a stable order.
var Kinds = []Kind{KindDownload, KindUpload, KindMove}

// ParseKind validates a kind received from outside the process.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindDownload, KindUpload, KindMove:
		return Kind(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// ActiveStatus is the status a pending task of this kind enters once bytes start moving.
func (k Kind) ActiveStatus() TaskStatus {
	if k == KindUpload {
		return TaskStatusUploading
	}
	return TaskStatusDownloading
}

type TaskStatus string

const (
	TaskStatusPending     TaskStatus = "pending"
	TaskStatusDownloading TaskStatus = "downloading"
	TaskStatusUploading   TaskStatus = "uploading"
	TaskStatusPaused      TaskStatus = "paused"
	TaskStatusFinishing   TaskStatus = "finishing"
	TaskStatusDeleting    TaskStatus = "deleting"
	TaskStatusSuccess     TaskStatus = "success"
	TaskStatusError       TaskStatus = "error"
	TaskStatusCancelled   TaskStatus = "cancelled"
)

// IsActiveTransferring reports whether bytes are expected to be moving.
func (s TaskStatus) IsActiveTransferring() bool {
	return s == TaskStatusDownloading || s == TaskStatusUploading
}

func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSuccess || s == TaskStatusError || s == TaskStatusCancelled
}

// Phase is the sub-state of a move task's active period.
type Phase string

const (
	PhaseNone        Phase = ""
	PhaseDownloading Phase = "downloading"
	PhaseUploading   Phase = "uploading"
	PhaseFinishing   Phase = "finishing"
	PhaseDeleting    Phase = "deleting"
)

// PhaseOf maps a status onto the move phase it represents, if any.
func PhaseOf(s TaskStatus) (Phase, bool) {
	switch s {
	case TaskStatusDownloading:
		return PhaseDownloading, true
	case TaskStatusUploading:
		return PhaseUploading, true
	case TaskStatusFinishing:
		return PhaseFinishing, true
	case TaskStatusDeleting:
		return PhaseDeleting, true
	}
	return PhaseNone, false
}

// Task represents one tracked transfer and its current state.
type Task struct {
	ID               string
	Kind             Kind
	Scope            string
	Name             string
	Source           string
	Destination      string
	FileSize         int64
	TransferredBytes int64
	ProgressPercent  int
	SpeedBytesPerSec int64
	Status           TaskStatus
	Phase            Phase
	Error            string
	CreatedAt        time.Time
	UpdatedAt        time.Time

	// Admitted is set while a start or resume issued by admission is in flight.
	Admitted bool
	// ResumeRequested makes admission issue a resume rather than a start.
	ResumeRequested bool
}

// NewPendingTask builds the optimistic local entry created before the backend acknowledges it.
func NewPendingTask(id string, kind Kind, scope, name, source, destination string, now time.Time) Task {
	return Task{
		ID:          id,
		Kind:        kind,
		Scope:       scope,
		Name:        name,
		Source:      source,
		Destination: destination,
		Status:      TaskStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// IsFinishing reports the derived move condition where the upload phase reached
// 100% but the backend has not yet announced the finishing phase.
func (t Task) IsFinishing() bool {
	return t.Kind == KindMove &&
		t.Phase == PhaseUploading &&
		t.Status == TaskStatusUploading &&
		t.ProgressPercent >= 100
}

// DisplayStatus is the status presented to users.
func (t Task) DisplayStatus() TaskStatus {
	if t.IsFinishing() {
		return TaskStatusFinishing
	}
	return t.Status
}

func (t Task) CanPause() bool {
	return t.Status.IsActiveTransferring() && !t.IsFinishing()
}

func (t Task) CanResume() bool {
	return t.Status == TaskStatusPaused || t.Status == TaskStatusError
}

func (t Task) CanCancel() bool {
	return !t.Status.IsTerminal()
}

// Percent derives a clamped whole percentage from byte counters.
func Percent(transferred, size int64) int {
	if size <= 0 {
		return 0
	}
	p := transferred * 100 / size
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return int(p)
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
