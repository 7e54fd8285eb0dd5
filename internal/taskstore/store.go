package taskstore

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"transfer-hub/internal/domain"
)

const DefaultCoalesceWindow = 200 * time.Millisecond

type Config struct {
	Kind           domain.Kind
	CoalesceWindow time.Duration
	Clock          Clock
	Logger         *logrus.Logger
	// OnChange runs after any mutation that changed the task count or the
	// status set. It is called without the store lock held.
	OnChange func(kind domain.Kind)
}

// Counts summarizes the tasks of one scope.
type Counts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Paused    int `json:"paused"`
	Finishing int `json:"finishing"`
	Success   int `json:"success"`
	Error     int `json:"error"`
	Cancelled int `json:"cancelled"`
}

// Finished is the number of tasks in a terminal status.
func (c Counts) Finished() int {
	return c.Success + c.Error + c.Cancelled
}

// Store owns the ordered tasks of one transfer kind. All mutations are
// serialized by mu; reads return copies.
type Store struct {
	cfg    Config
	logger *logrus.Entry

	mu        sync.Mutex
	order     []string
	tasks     map[string]*domain.Task
	coalescer *coalescer
	closed    bool
}

func New(cfg Config) *Store {
	if cfg.CoalesceWindow <= 0 {
		cfg.CoalesceWindow = DefaultCoalesceWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	s := &Store{
		cfg:    cfg,
		logger: cfg.Logger.WithField("kind", cfg.Kind),
		tasks:  make(map[string]*domain.Task),
	}
	s.coalescer = newCoalescer(cfg.CoalesceWindow, cfg.Clock, s.flush)
	return s
}

func (s *Store) Kind() domain.Kind {
	return s.cfg.Kind
}

// Add inserts a task at the end of the queue.
func (s *Store) Add(task domain.Task) error {
	s.mu.Lock()
	if _, exists := s.tasks[task.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrDuplicateTask, task.ID)
	}
	t := task
	s.tasks[t.ID] = &t
	s.order = append(s.order, t.ID)
	s.mu.Unlock()

	s.notify()
	return nil
}

func (s *Store) Get(id string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	return *t, nil
}

// List returns the tasks of scope in queue order; an empty scope lists everything.
func (s *Store) List(scope string) []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make([]domain.Task, 0, len(s.order))
	for _, id := range s.order {
		t := s.tasks[id]
		if scope == "" || t.Scope == scope {
			tasks = append(tasks, *t)
		}
	}
	return tasks
}

// Update applies fn to a copy of the task and stores it only if fn succeeds.
func (s *Store) Update(id string, fn func(*domain.Task) error) (domain.Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	updated := *t
	if err := fn(&updated); err != nil {
		s.mu.Unlock()
		return domain.Task{}, err
	}
	changed := updated.Status != t.Status
	*t = updated
	if t.Status.IsTerminal() {
		s.coalescer.forget(id)
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
	return updated, nil
}

func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	if _, ok := s.tasks[id]; !ok {
		s.mu.Unlock()
		return false
	}
	s.removeLocked(id)
	s.mu.Unlock()

	s.notify()
	return true
}

// RemoveInScope deletes every task of scope accepted by match and returns how many went.
func (s *Store) RemoveInScope(scope string, match func(domain.Task) bool) int {
	s.mu.Lock()
	var doomed []string
	for _, id := range s.order {
		t := s.tasks[id]
		if t.Scope == scope && match(*t) {
			doomed = append(doomed, id)
		}
	}
	for _, id := range doomed {
		s.removeLocked(id)
	}
	s.mu.Unlock()

	if len(doomed) > 0 {
		s.notify()
	}
	return len(doomed)
}

func (s *Store) removeLocked(id string) {
	delete(s.tasks, id)
	s.coalescer.forget(id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// HandleProgress routes a progress event through the coalescer.
func (s *Store) HandleProgress(ev domain.ProgressEvent) {
	s.mu.Lock()
	t, ok := s.tasks[ev.TaskID]
	if s.closed || !ok || t.Status.IsTerminal() {
		s.mu.Unlock()
		return
	}
	if !s.coalescer.offer(ev) {
		s.mu.Unlock()
		return
	}
	applied, changed := t.ApplyProgress(ev, s.cfg.Clock.Now())
	if applied {
		s.coalescer.applied(ev.TaskID)
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

func (s *Store) flush(gen uint64) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	events := s.coalescer.drain(gen)
	now := s.cfg.Clock.Now()
	changed := false
	for _, ev := range events {
		t, ok := s.tasks[ev.TaskID]
		if !ok {
			continue
		}
		applied, c := t.ApplyProgress(ev, now)
		if applied {
			s.coalescer.applied(ev.TaskID)
		}
		if c {
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

// HandleStatus applies a status-changed event. An unmapped backend status is
// returned as a decode error and nothing is mutated. Progress still buffered
// for a task leaving the transferring statuses is folded in first and never
// flushed afterwards.
func (s *Store) HandleStatus(ev domain.StatusChangedEvent) error {
	status, err := domain.DecodeBackendStatus(ev.Status)
	if err != nil {
		return fmt.Errorf("decode status for task %s: %w", ev.TaskID, err)
	}

	s.mu.Lock()
	t, ok := s.tasks[ev.TaskID]
	if !ok {
		s.mu.Unlock()
		s.logger.WithField("task_id", ev.TaskID).Debug("status event for unknown task")
		return nil
	}
	now := s.cfg.Clock.Now()
	if !status.IsActiveTransferring() {
		if buffered, ok := s.coalescer.take(ev.TaskID); ok && t.Status.IsActiveTransferring() {
			t.ApplyProgress(buffered, now)
		}
	}
	changed := t.ApplyStatus(status, ev.Error, now)
	if t.Status.IsTerminal() {
		s.coalescer.forget(ev.TaskID)
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
	return nil
}

func (s *Store) Counts(scope string) Counts {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c Counts
	for _, t := range s.tasks {
		if scope != "" && t.Scope != scope {
			continue
		}
		c.Total++
		switch {
		case t.Status == domain.TaskStatusPending:
			c.Pending++
		case t.Status.IsActiveTransferring():
			c.Active++
		case t.Status == domain.TaskStatusPaused:
			c.Paused++
		case t.Status == domain.TaskStatusFinishing || t.Status == domain.TaskStatusDeleting:
			c.Finishing++
		case t.Status == domain.TaskStatusSuccess:
			c.Success++
		case t.Status == domain.TaskStatusError:
			c.Error++
		case t.Status == domain.TaskStatusCancelled:
			c.Cancelled++
		}
	}
	return c
}

// Admit selects the pending tasks that fit in budget and marks them admitted.
func (s *Store) Admit(budget int) []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := make([]*domain.Task, len(s.order))
	for i, id := range s.order {
		queue[i] = s.tasks[id]
	}
	selected := selectAdmissions(queue, budget)
	admitted := make([]domain.Task, len(selected))
	for i, t := range selected {
		t.Admitted = true
		admitted[i] = *t
	}
	return admitted
}

// ReplaceScope swaps the tasks of scope for the result of rebuild, which
// receives the current tasks of that scope. Tasks of other scopes keep their
// place; the merged queue stays ordered by creation time.
func (s *Store) ReplaceScope(scope string, rebuild func(current []domain.Task) ([]domain.Task, error)) error {
	s.mu.Lock()

	var current []domain.Task
	var others []*domain.Task
	for _, id := range s.order {
		t := s.tasks[id]
		if t.Scope == scope {
			current = append(current, *t)
		} else {
			others = append(others, t)
		}
	}

	rebuilt, err := rebuild(current)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	keep := make(map[string]struct{}, len(rebuilt))
	fresh := make([]*domain.Task, 0, len(rebuilt))
	for i := range rebuilt {
		t := rebuilt[i]
		if _, dup := keep[t.ID]; dup {
			s.logger.WithField("task_id", t.ID).Warn("duplicate task in snapshot, keeping first")
			continue
		}
		t.Scope = scope
		keep[t.ID] = struct{}{}
		fresh = append(fresh, &t)
	}
	for _, t := range current {
		if _, ok := keep[t.ID]; !ok {
			s.coalescer.forget(t.ID)
			s.logger.WithFields(logrus.Fields{"task_id": t.ID, "scope": scope}).Debug("dropped task absent from snapshot")
		}
	}

	merged := mergeByCreation(others, fresh)
	s.tasks = make(map[string]*domain.Task, len(merged))
	s.order = make([]string, len(merged))
	for i, t := range merged {
		s.tasks[t.ID] = t
		s.order[i] = t.ID
	}
	s.mu.Unlock()

	s.notify()
	return nil
}

func mergeByCreation(a, b []*domain.Task) []*domain.Task {
	merged := make([]*domain.Task, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if b[j].CreatedAt.Before(a[i].CreatedAt) {
			merged = append(merged, b[j])
			j++
		} else {
			merged = append(merged, a[i])
			i++
		}
	}
	merged = append(merged, a[i:]...)
	return append(merged, b[j:]...)
}

// Close disarms the coalescer; buffered progress is dropped.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.coalescer.stop()
	s.mu.Unlock()
}

func (s *Store) notify() {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange(s.cfg.Kind)
	}
}
