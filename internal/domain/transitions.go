package domain

import (
	"fmt"
	"time"
)

// ApplyProgress folds a progress event into the task. Events that would move
// progress or transferred bytes backwards are discarded whole. A pending task
// only becomes active when its start is in flight; a queued or resuming task
// takes the counters and waits for its status event. It reports whether the
// event was applied and whether the status changed as a result.
func (t *Task) ApplyProgress(ev ProgressEvent, now time.Time) (applied, statusChanged bool) {
	if t.Status.IsTerminal() {
		return false, false
	}

	size := t.FileSize
	if size == 0 && ev.TotalBytes > 0 {
		size = ev.TotalBytes
	}
	transferred := ev.TransferredBytes
	if transferred < 0 {
		transferred = 0
	}
	if size > 0 && transferred > size {
		transferred = size
	}
	percent := clampPercent(ev.Percent)
	if percent == 0 && transferred > 0 {
		percent = Percent(transferred, size)
	}

	if percent < t.ProgressPercent || transferred < t.TransferredBytes {
		return false, false
	}

	t.FileSize = size
	t.TransferredBytes = transferred
	t.ProgressPercent = percent

	if t.Status == TaskStatusPending && t.Admitted && !t.ResumeRequested {
		t.Status = t.resumedStatus()
		if t.Kind == KindMove && t.Phase == PhaseNone {
			t.Phase = PhaseDownloading
		}
		t.Admitted = false
		t.ResumeRequested = false
		statusChanged = true
	}

	if t.Status.IsActiveTransferring() && ev.Speed > 0 {
		t.SpeedBytesPerSec = ev.Speed
	} else {
		t.SpeedBytesPerSec = 0
	}
	t.UpdatedAt = now
	return true, statusChanged
}

// ApplyStatus moves the task to a decoded backend status. Terminal tasks are
// left untouched. It reports whether status or phase changed.
func (t *Task) ApplyStatus(status TaskStatus, errMsg string, now time.Time) bool {
	if t.Status.IsTerminal() {
		return false
	}

	prevStatus, prevPhase := t.Status, t.Phase

	if t.Kind == KindMove {
		if phase, ok := PhaseOf(status); ok {
			// each transfer phase reports its own byte progress
			if prevPhase == PhaseDownloading && phase == PhaseUploading {
				t.TransferredBytes = 0
				t.ProgressPercent = 0
			}
			t.Phase = phase
		}
	}

	t.Status = status
	if status != TaskStatusPending {
		t.Admitted = false
		t.ResumeRequested = false
	}
	if !status.IsActiveTransferring() {
		t.SpeedBytesPerSec = 0
	}
	if status == TaskStatusError {
		t.Error = errMsg
	} else {
		t.Error = ""
	}
	if status == TaskStatusSuccess {
		t.ProgressPercent = 100
		if t.FileSize > 0 {
			t.TransferredBytes = t.FileSize
		}
	}
	t.UpdatedAt = now
	return prevStatus != t.Status || prevPhase != t.Phase
}

// RequestResume re-queues a paused or failed task so admission can resume it
// within budget. Counters are kept.
func (t *Task) RequestResume(now time.Time) error {
	if !t.CanResume() {
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, t.Status)
	}
	t.Status = TaskStatusPending
	t.ResumeRequested = true
	t.Admitted = false
	t.Error = ""
	t.SpeedBytesPerSec = 0
	t.UpdatedAt = now
	return nil
}

// Fail settles the task into error after a start or resume command failed.
func (t *Task) Fail(msg string, now time.Time) {
	t.Status = TaskStatusError
	t.Error = msg
	t.Admitted = false
	t.ResumeRequested = false
	t.SpeedBytesPerSec = 0
	t.UpdatedAt = now
}

func (t *Task) resumedStatus() TaskStatus {
	if t.Kind == KindMove && t.Phase == PhaseUploading {
		return TaskStatusUploading
	}
	return t.Kind.ActiveStatus()
}
