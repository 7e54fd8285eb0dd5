package events

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"transfer-hub/internal/domain"
	"transfer-hub/internal/taskstore"
)

type Config struct {
	Source Source
	Stores map[domain.Kind]*taskstore.Store
	// OnBatch is asked to reconcile the scope named by a batch-operation event.
	OnBatch func(ev domain.BatchOperationEvent)
	Logger  *logrus.Logger
}

// Manager owns the four long-lived backend subscriptions. Setup is idempotent
// for the lifetime of the manager; a failed setup leaves it retryable.
type Manager struct {
	cfg    Config
	logger *logrus.Entry

	mu    sync.Mutex
	ready bool
	subs  []Subscription
}

func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger.WithField("component", "subscriptions"),
	}
}

// Setup registers the subscriptions once. Repeated calls are no-ops until a
// Shutdown; a registration failure rolls back and allows the next call to retry.
func (m *Manager) Setup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ready {
		return nil
	}
	m.ready = true

	routes := []struct {
		topic   Topic
		handler Handler
	}{
		{TopicProgress, m.onProgress},
		{TopicStatusChanged, m.onStatusChanged},
		{TopicTaskDeleted, m.onTaskDeleted},
		{TopicBatchOperation, m.onBatchOperation},
	}
	for _, r := range routes {
		sub, err := m.cfg.Source.Subscribe(r.topic, r.handler)
		if err != nil {
			m.unsubscribeLocked()
			m.ready = false
			m.logger.WithError(err).Errorf("subscribe %s", r.topic)
			return fmt.Errorf("subscribe %s: %w", r.topic, err)
		}
		m.subs = append(m.subs, sub)
	}
	m.logger.Debug("event subscriptions ready")
	return nil
}

func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribeLocked()
	m.ready = false
}

func (m *Manager) unsubscribeLocked() {
	for _, sub := range m.subs {
		sub.Unsubscribe()
	}
	m.subs = nil
}

func (m *Manager) store(kind domain.Kind) (*taskstore.Store, bool) {
	s, ok := m.cfg.Stores[kind]
	if !ok {
		m.logger.WithField("kind", kind).Warn("event for unknown kind")
	}
	return s, ok
}

func (m *Manager) onProgress(payload any) {
	ev, ok := payload.(domain.ProgressEvent)
	if !ok {
		m.logger.Warnf("unexpected progress payload %T", payload)
		return
	}
	if s, ok := m.store(ev.Kind); ok {
		s.HandleProgress(ev)
	}
}

func (m *Manager) onStatusChanged(payload any) {
	ev, ok := payload.(domain.StatusChangedEvent)
	if !ok {
		m.logger.Warnf("unexpected status payload %T", payload)
		return
	}
	s, ok := m.store(ev.Kind)
	if !ok {
		return
	}
	if err := s.HandleStatus(ev); err != nil {
		m.logger.WithFields(logrus.Fields{"kind": ev.Kind, "task_id": ev.TaskID}).WithError(err).Error("status event rejected")
	}
}

func (m *Manager) onTaskDeleted(payload any) {
	ev, ok := payload.(domain.TaskDeletedEvent)
	if !ok {
		m.logger.Warnf("unexpected delete payload %T", payload)
		return
	}
	if s, ok := m.store(ev.Kind); ok {
		s.Remove(ev.TaskID)
	}
}

func (m *Manager) onBatchOperation(payload any) {
	ev, ok := payload.(domain.BatchOperationEvent)
	if !ok {
		m.logger.Warnf("unexpected batch payload %T", payload)
		return
	}
	if m.cfg.OnBatch != nil {
		m.cfg.OnBatch(ev)
	}
}
