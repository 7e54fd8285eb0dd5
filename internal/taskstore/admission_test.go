package taskstore

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transfer-hub/internal/domain"
)

func TestAdmitFIFOWithinBudget(t *testing.T) {
	s, clock, _ := newTestStore(t)
	for _, id := range []string{"a", "b", "c", "d"} {
		addPending(t, s, clock, id, "bucket")
	}

	first := s.Admit(2)
	require.Len(t, first, 2)
	assert.Equal(t, "a", first[0].ID)
	assert.Equal(t, "b", first[1].ID)
	assert.True(t, first[0].Admitted)

	assert.Empty(t, s.Admit(2), "in-flight starts occupy slots")

	require.NoError(t, s.HandleStatus(domain.StatusChangedEvent{TaskID: "a", Status: "completed"}))
	next := s.Admit(2)
	require.Len(t, next, 1)
	assert.Equal(t, "c", next[0].ID)
}

func TestAdmitSkipsPaused(t *testing.T) {
	s, clock, _ := newTestStore(t)
	addPending(t, s, clock, "a", "bucket")
	addPending(t, s, clock, "b", "bucket")
	_, _ = s.Update("a", func(t *domain.Task) error { t.Status = domain.TaskStatusPaused; return nil })

	admitted := s.Admit(5)
	require.Len(t, admitted, 1)
	assert.Equal(t, "b", admitted[0].ID)
}

func TestAdmitNoSlots(t *testing.T) {
	s, clock, _ := newTestStore(t)
	addPending(t, s, clock, "a", "bucket")
	addPending(t, s, clock, "b", "bucket")
	_, _ = s.Update("a", func(t *domain.Task) error { t.Status = domain.TaskStatusUploading; return nil })

	assert.Empty(t, s.Admit(1))
	assert.Empty(t, s.Admit(0))
}

func TestSelectAdmissionsBound(t *testing.T) {
	statuses := []domain.TaskStatus{
		domain.TaskStatusPending, domain.TaskStatusDownloading, domain.TaskStatusUploading,
		domain.TaskStatusPaused, domain.TaskStatusFinishing, domain.TaskStatusSuccess,
		domain.TaskStatusError, domain.TaskStatusCancelled,
	}
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 500; round++ {
		budget := rng.Intn(5)
		n := rng.Intn(12)
		tasks := make([]*domain.Task, n)
		for i := range tasks {
			st := statuses[rng.Intn(len(statuses))]
			tasks[i] = &domain.Task{ID: fmt.Sprintf("t%d", i), Status: st}
		}

		active, pending := 0, 0
		for _, t := range tasks {
			if occupiesSlot(t) {
				active++
			}
			if t.Status == domain.TaskStatusPending {
				pending++
			}
		}

		selected := selectAdmissions(tasks, budget)
		want := budget - active
		if want < 0 {
			want = 0
		}
		if pending < want {
			want = pending
		}
		require.Len(t, selected, want)

		// FIFO: the selection is the first `want` pending tasks
		idx := 0
		for _, task := range tasks {
			if idx == len(selected) {
				break
			}
			if task.Status == domain.TaskStatusPending {
				require.Same(t, task, selected[idx])
				idx++
			}
		}
		assert.LessOrEqual(t, active+len(selected), max(budget, active))
	}
}
