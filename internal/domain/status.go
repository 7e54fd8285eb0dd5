package domain

import "fmt"

// Backend status vocabulary as persisted by the execution backend.
const (
	BackendPending     = "pending"
	BackendDownloading = "downloading"
	BackendUploading   = "uploading"
	BackendPaused      = "paused"
	BackendFinishing   = "finishing"
	BackendDeleting    = "deleting"
	BackendCompleted   = "completed"
	BackendFailed      = "failed"
	BackendCancelled   = "cancelled"
)

var backendStatuses = map[string]TaskStatus{
	BackendPending:     TaskStatusPending,
	BackendDownloading: TaskStatusDownloading,
	BackendUploading:   TaskStatusUploading,
	BackendPaused:      TaskStatusPaused,
	BackendFinishing:   TaskStatusFinishing,
	BackendDeleting:    TaskStatusDeleting,
	BackendCompleted:   TaskStatusSuccess,
	BackendFailed:      TaskStatusError,
	BackendCancelled:   TaskStatusCancelled,
}

// DecodeBackendStatus translates a backend status string. Values outside the
// table are a decode failure, never a default.
func DecodeBackendStatus(s string) (TaskStatus, error) {
	status, ok := backendStatuses[s]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnmappedStatus, s)
	}
	return status, nil
}

// EncodeBackendStatus is the inverse of DecodeBackendStatus.
func EncodeBackendStatus(s TaskStatus) (string, error) {
	for raw, status := range backendStatuses {
		if status == s {
			return raw, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnmappedStatus, s)
}

// IsBackendTerminal reports whether a raw backend status is terminal.
func IsBackendTerminal(s string) bool {
	return s == BackendCompleted || s == BackendFailed || s == BackendCancelled
}

// IsBackendActive reports whether a raw backend status means bytes are moving.
func IsBackendActive(s string) bool {
	return s == BackendDownloading || s == BackendUploading
}
