package domain

// ProgressEvent is a byte-level progress notification from the backend.
type ProgressEvent struct {
	Kind             Kind
	TaskID           string
	Percent          int
	TransferredBytes int64
	TotalBytes       int64
	Speed            int64
}

// StatusChangedEvent carries a raw backend status for one task.
type StatusChangedEvent struct {
	Kind   Kind
	TaskID string
	Status string
	Error  string
}

type TaskDeletedEvent struct {
	Kind   Kind
	TaskID string
}

// BatchOperationEvent signals that a scope changed wholesale and must be reconciled.
type BatchOperationEvent struct {
	Kind      Kind
	Operation string
	Scope     string
}

const (
	BatchPauseAll      = "pause_all"
	BatchStartAll      = "start_all"
	BatchClearFinished = "clear_finished"
	BatchClearAll      = "clear_all"
)
