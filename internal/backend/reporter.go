package backend

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"transfer-hub/internal/domain"
	"transfer-hub/internal/events"
	"transfer-hub/internal/executor"
	"transfer-hub/internal/repository"
)

// DefaultPersistInterval bounds how often running progress is written to the
// session repository. Events are published for every report.
const DefaultPersistInterval = time.Second

// Reporter persists executor notifications into sessions and publishes them
// as backend events.
type Reporter struct {
	repo      repository.SessionRepository
	publisher Publisher
	interval  time.Duration
	logger    *logrus.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewReporter(repo repository.SessionRepository, publisher Publisher, persistInterval time.Duration, logger *logrus.Logger) *Reporter {
	if persistInterval <= 0 {
		persistInterval = DefaultPersistInterval
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Reporter{
		repo:      repo,
		publisher: publisher,
		interval:  persistInterval,
		logger:    logger,
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (r *Reporter) limiter(id string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[id]
	if !ok {
		l = rate.NewLimiter(rate.Every(r.interval), 1)
		r.limiters[id] = l
	}
	return l
}

func (r *Reporter) forget(id string) {
	r.mu.Lock()
	delete(r.limiters, id)
	r.mu.Unlock()
}

func (r *Reporter) Progress(job executor.Job, transferred, total, speed int64) {
	if (total > 0 && transferred >= total) || r.limiter(job.ID).Allow() {
		if err := r.repo.UpdateProgress(context.Background(), job.ID, transferred, total); err != nil && !errors.Is(err, domain.ErrTaskNotFound) {
			r.logger.WithField("task_id", job.ID).Warnf("persist progress: %v", err)
		}
	}
	r.publisher.Publish(events.TopicProgress, domain.ProgressEvent{
		Kind:             job.Kind,
		TaskID:           job.ID,
		Percent:          domain.Percent(transferred, total),
		TransferredBytes: transferred,
		TotalBytes:       total,
		Speed:            speed,
	})
}

func (r *Reporter) Status(job executor.Job, status, errMsg string) {
	logger := r.logger.WithFields(logrus.Fields{"task_id": job.ID, "kind": job.Kind})
	if !domain.IsBackendActive(status) {
		r.forget(job.ID)
	}

	var msg *string
	if status == domain.BackendFailed {
		msg = &errMsg
	}
	if err := r.repo.UpdateStatus(context.Background(), job.ID, status, msg); err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			logger.Debug("status for deleted session")
			return
		}
		logger.Errorf("persist status %s: %v", status, err)
	}
	r.publisher.Publish(events.TopicStatusChanged, domain.StatusChangedEvent{
		Kind:   job.Kind,
		TaskID: job.ID,
		Status: status,
		Error:  errMsg,
	})
}

var _ executor.Reporter = (*Reporter)(nil)
