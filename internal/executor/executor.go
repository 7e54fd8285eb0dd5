package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"transfer-hub/internal/domain"
	"transfer-hub/internal/storage"
)

// ErrAlreadyRunning is returned when a job with the same id is queued or running.
var ErrAlreadyRunning = errors.New("job already running")

// StopReason tells a running job how to settle once it has stopped.
type StopReason int

const (
	StopPause StopReason = iota + 1
	StopCancel
	// StopDelete ends the job without reporting a status.
	StopDelete
	stopShutdown
)

type stopError struct{ reason StopReason }

func (e stopError) Error() string { return fmt.Sprintf("job stopped (%d)", e.reason) }

// Job describes one object transfer within a bucket.
type Job struct {
	ID          string
	Kind        domain.Kind
	Bucket      string
	Source      string
	Destination string
	Credentials *domain.Credentials
}

// Reporter receives lifecycle and progress notifications of running jobs.
// Statuses use the backend vocabulary (domain.Backend*).
type Reporter interface {
	Progress(job Job, transferred, total, speed int64)
	Status(job Job, status, errMsg string)
}

// Executor runs transfer jobs under a concurrency bound.
type Executor interface {
	Start(ctx context.Context) error
	Shutdown()
	Submit(job Job) error
	// Stop asks a queued or running job to end and waits for it. It reports
	// whether a job was found.
	Stop(ctx context.Context, id string, reason StopReason) (bool, error)
	Running(id string) bool
}

type Config struct {
	StagingDir       string
	MaxConcurrent    int
	ProgressInterval time.Duration
	Logger           *logrus.Logger
}

type executor struct {
	cfg      Config
	storage  storage.Service
	reporter Reporter

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	active map[string]*jobHandle
}

type jobHandle struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

func New(cfg Config, storage storage.Service, reporter Reporter) Executor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 50 * time.Millisecond
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = filepath.Join(os.TempDir(), "transfer-hub")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &executor{
		cfg:      cfg,
		storage:  storage,
		reporter: reporter,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		active:   make(map[string]*jobHandle),
	}
}

func (e *executor) Start(ctx context.Context) error {
	if err := os.MkdirAll(e.cfg.StagingDir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.cfg.Logger.Infof("executor started, staging dir: %s", e.cfg.StagingDir)
	return nil
}

func (e *executor) Shutdown() {
	e.mu.Lock()
	for _, h := range e.active {
		h.cancel(stopError{stopShutdown})
	}
	e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.cfg.Logger.Info("executor stopped")
}

func (e *executor) Submit(job Job) error {
	if e.ctx == nil {
		return errors.New("executor not started")
	}
	jobCtx, cancel := context.WithCancelCause(e.ctx)
	handle := &jobHandle{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	if _, ok := e.active[job.ID]; ok {
		e.mu.Unlock()
		cancel(nil)
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, job.ID)
	}
	e.active[job.ID] = handle
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.unregister(job.ID)
			close(handle.done)
		}()
		select {
		case <-jobCtx.Done():
			e.settle(jobCtx, job, nil)
		case e.sem <- struct{}{}:
			defer func() { <-e.sem }()
			e.settle(jobCtx, job, e.run(jobCtx, job))
		}
	}()
	return nil
}

func (e *executor) unregister(id string) {
	e.mu.Lock()
	delete(e.active, id)
	e.mu.Unlock()
}

func (e *executor) Running(id string) bool {
	e.mu.Lock()
	_, ok := e.active[id]
	e.mu.Unlock()
	return ok
}

func (e *executor) Stop(ctx context.Context, id string, reason StopReason) (bool, error) {
	e.mu.Lock()
	handle, ok := e.active[id]
	e.mu.Unlock()
	if !ok {
		return false, nil
	}

	handle.cancel(stopError{reason})

	select {
	case <-handle.done:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// settle reports the final status of a job from its run error and stop cause.
func (e *executor) settle(ctx context.Context, job Job, runErr error) {
	logger := e.cfg.Logger.WithFields(logrus.Fields{"task_id": job.ID, "kind": job.Kind})

	var stop stopError
	if ctx.Err() != nil && errors.As(context.Cause(ctx), &stop) {
		switch stop.reason {
		case StopPause:
			logger.Info("job paused")
			e.reporter.Status(job, domain.BackendPaused, "")
		case StopCancel:
			logger.Info("job cancelled")
			e.reporter.Status(job, domain.BackendCancelled, "")
			e.cleanupStaging(job)
		case StopDelete:
			e.cleanupStaging(job)
		}
		return
	}
	if ctx.Err() != nil {
		// executor shutdown; the session keeps its last status for recovery
		return
	}
	if runErr != nil {
		logger.Error(runErr.Error())
		e.reporter.Status(job, domain.BackendFailed, runErr.Error())
		return
	}
	logger.Info("job completed")
	e.reporter.Status(job, domain.BackendCompleted, "")
}

func (e *executor) run(ctx context.Context, job Job) error {
	opts := storage.TransferOptions{Credentials: job.Credentials}
	switch job.Kind {
	case domain.KindDownload:
		e.reporter.Status(job, domain.BackendDownloading, "")
		opts.ProgressCallback = e.progress(job)
		if _, err := e.storage.Download(ctx, job.Bucket, job.Source, job.Destination, opts); err != nil {
			return err
		}
		return nil
	case domain.KindUpload:
		e.reporter.Status(job, domain.BackendUploading, "")
		opts.ProgressCallback = e.progress(job)
		if _, err := e.storage.Upload(ctx, job.Source, job.Bucket, job.Destination, opts); err != nil {
			return err
		}
		return nil
	case domain.KindMove:
		return e.runMove(ctx, job, opts)
	}
	return fmt.Errorf("%w: %q", domain.ErrUnknownKind, job.Kind)
}

// runMove stages the source locally, uploads it to the destination, verifies
// the copy and removes the source. A staged file left by an earlier attempt
// resumes the move at the upload phase.
func (e *executor) runMove(ctx context.Context, job Job, opts storage.TransferOptions) error {
	staged := e.stagedPath(job)

	if _, err := os.Stat(staged); err != nil {
		e.reporter.Status(job, domain.BackendDownloading, "")
		part := staged + ".part"
		opts.ProgressCallback = e.progress(job)
		if _, err := e.storage.Download(ctx, job.Bucket, job.Source, part, opts); err != nil {
			return err
		}
		if err := os.Rename(part, staged); err != nil {
			return fmt.Errorf("stage move data: %w", err)
		}
	}

	e.reporter.Status(job, domain.BackendUploading, "")
	opts.ProgressCallback = e.progress(job)
	size, err := e.storage.Upload(ctx, staged, job.Bucket, job.Destination, opts)
	if err != nil {
		return err
	}

	e.reporter.Status(job, domain.BackendFinishing, "")
	info, err := e.storage.Stat(ctx, job.Bucket, job.Destination, opts)
	if err != nil {
		return err
	}
	if info.Size != size {
		return fmt.Errorf("verify %s: size %d, expected %d", job.Destination, info.Size, size)
	}

	e.reporter.Status(job, domain.BackendDeleting, "")
	if err := e.storage.Delete(ctx, job.Bucket, job.Source, opts); err != nil {
		return err
	}
	e.cleanupStaging(job)
	return nil
}

func (e *executor) stagedPath(job Job) string {
	return filepath.Join(e.cfg.StagingDir, job.ID+".staged")
}

func (e *executor) cleanupStaging(job Job) {
	if job.Kind != domain.KindMove {
		return
	}
	staged := e.stagedPath(job)
	for _, p := range []string{staged, staged + ".part"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			e.cfg.Logger.WithField("task_id", job.ID).Warnf("cleanup staging file: %v", err)
		}
	}
}

// progress returns a storage callback that forwards throttled progress with
// an instantaneous speed estimate. Completion is always forwarded.
func (e *executor) progress(job Job) func(done, total int64) {
	limiter := rate.NewLimiter(rate.Every(e.cfg.ProgressInterval), 1)
	var (
		mu        sync.Mutex
		lastBytes int64
		lastTime  = time.Now()
		speed     int64
	)
	return func(done, total int64) {
		mu.Lock()
		now := time.Now()
		if elapsed := now.Sub(lastTime).Seconds(); elapsed > 0 && done >= lastBytes {
			speed = int64(float64(done-lastBytes) / elapsed)
		}
		lastBytes, lastTime = done, now
		current := speed
		mu.Unlock()

		if (total > 0 && done >= total) || limiter.Allow() {
			e.reporter.Progress(job, done, total, current)
		}
	}
}

var _ Executor = (*executor)(nil)
