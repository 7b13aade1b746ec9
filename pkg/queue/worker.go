package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/vibeworks/vibed/pkg/config"
	"github.com/vibeworks/vibed/pkg/services"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// Worker polls the store for queued jobs and runs them through the
// executor, one at a time.
type Worker struct {
	id       string
	engineID string
	jobs     *services.JobService
	projects *services.ProjectService
	admit    services.AdmitFunc
	executor JobExecutor
	cfg      *config.EngineConfig
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	status        WorkerStatus
	currentJobID  string
	jobsProcessed int
	lastActivity  time.Time
}

// NewWorker creates a queue worker. admit gates claims on tenant budget;
// a nil admit claims unconditionally.
func NewWorker(id, engineID string, jobs *services.JobService, projects *services.ProjectService, admit services.AdmitFunc, executor JobExecutor, cfg *config.EngineConfig) *Worker {
	return &Worker{
		id:           id,
		engineID:     engineID,
		jobs:         jobs,
		projects:     projects,
		admit:        admit,
		executor:     executor,
		cfg:          cfg,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish its current
// job. It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        string(w.status),
		CurrentJobID:  w.currentJobID,
		JobsProcessed: w.jobsProcessed,
		LastActivity:  w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "engine_id", w.engineID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, services.ErrNoJobsAvailable) || errors.Is(err, ErrProjectBusy) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing job", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims the next admissible job, takes the project lock,
// and runs the executor.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	job, err := w.jobs.ClaimNextQueued(ctx, w.engineID, w.admit)
	if err != nil {
		return err
	}

	log := slog.With("job_id", job.JobID, "tenant_id", job.TenantID, "worker_id", w.id)
	log.Info("Job claimed")

	// Project caches must not be entered by two engine instances at once.
	// A held lock returns the job to the queue untouched; whoever holds
	// the lock (or a later poll here) will pick it up.
	if job.ProjectID != "" {
		if err := w.projects.AcquireLock(ctx, job.ProjectID, w.engineID, w.cfg.ProjectLockTTL); err != nil {
			if errors.Is(err, services.ErrProjectLocked) {
				if relErr := w.jobs.ReleaseClaim(ctx, job.JobID); relErr != nil {
					log.Error("Failed to release claim on locked project", "error", relErr)
				}
				log.Info("Project locked by another engine, job returned to queue",
					"project_id", job.ProjectID)
				return ErrProjectBusy
			}
			return fmt.Errorf("acquiring project lock: %w", err)
		}
		defer func() {
			// Release on a background context — the claim context may be
			// cancelled by shutdown while the lock row is still ours.
			if err := w.projects.ReleaseLock(context.Background(), job.ProjectID, w.engineID); err != nil {
				log.Error("Failed to release project lock", "project_id", job.ProjectID, "error", err)
			}
		}()
	}

	w.setStatus(WorkerStatusWorking, job.JobID)
	defer w.setStatus(WorkerStatusIdle, "")

	result := w.executor.Execute(ctx, job)
	if result == nil {
		result = &ExecutionResult{Err: fmt.Errorf("executor returned nil result")}
	}

	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()

	log.Info("Job processing complete", "state", result.State)
	return nil
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.cfg.PollInterval
	jitter := w.cfg.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentJobID = jobID
	w.lastActivity = time.Now()
}
