package orchestrator

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"transfer-hub/internal/domain"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Notification is a user-facing message about a task or scope.
type Notification struct {
	Time    time.Time   `json:"time"`
	Level   Level       `json:"level"`
	Kind    domain.Kind `json:"kind,omitempty"`
	Scope   string      `json:"scope,omitempty"`
	TaskID  string      `json:"task_id,omitempty"`
	Message string      `json:"message"`
}

type Notifier interface {
	Notify(n Notification)
}

const defaultNotificationHistory = 100

// LogNotifier logs notifications and keeps the most recent ones.
type LogNotifier struct {
	logger *logrus.Logger

	mu   sync.Mutex
	ring []Notification
	next int
	full bool
}

func NewLogNotifier(logger *logrus.Logger, history int) *LogNotifier {
	if logger == nil {
		logger = logrus.New()
	}
	if history <= 0 {
		history = defaultNotificationHistory
	}
	return &LogNotifier{
		logger: logger,
		ring:   make([]Notification, history),
	}
}

func (l *LogNotifier) Notify(n Notification) {
	if n.Time.IsZero() {
		n.Time = time.Now()
	}
	entry := l.logger.WithFields(logrus.Fields{"kind": n.Kind, "scope": n.Scope, "task_id": n.TaskID})
	if n.Level == LevelError {
		entry.Error(n.Message)
	} else {
		entry.Info(n.Message)
	}

	l.mu.Lock()
	l.ring[l.next] = n
	l.next = (l.next + 1) % len(l.ring)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()
}

// Recent returns the retained notifications, oldest first.
func (l *LogNotifier) Recent() []Notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		out := make([]Notification, l.next)
		copy(out, l.ring[:l.next])
		return out
	}
	out := make([]Notification, 0, len(l.ring))
	out = append(out, l.ring[l.next:]...)
	return append(out, l.ring[:l.next]...)
}

var _ Notifier = (*LogNotifier)(nil)
