package taskstore

import "transfer-hub/internal/domain"

// occupiesSlot reports whether a task counts against the concurrency budget:
// it is transferring, or its start is already in flight.
func occupiesSlot(t *domain.Task) bool {
	return t.Status.IsActiveTransferring() || (t.Status == domain.TaskStatusPending && t.Admitted)
}

// selectAdmissions returns the pending tasks that may start given budget,
// oldest first. Paused tasks are never selected.
func selectAdmissions(tasks []*domain.Task, budget int) []*domain.Task {
	active := 0
	for _, t := range tasks {
		if occupiesSlot(t) {
			active++
		}
	}
	slots := budget - active
	if slots <= 0 {
		return nil
	}

	var selected []*domain.Task
	for _, t := range tasks {
		if len(selected) == slots {
			break
		}
		if t.Status == domain.TaskStatusPending && !t.Admitted {
			selected = append(selected, t)
		}
	}
	return selected
}
