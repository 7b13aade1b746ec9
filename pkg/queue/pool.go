package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vibeworks/vibed/pkg/config"
	"github.com/vibeworks/vibed/pkg/models"
	"github.com/vibeworks/vibed/pkg/services"
)

// workerCount is fixed at one: a single engine instance executes at most
// one job at a time. Scale out by running more instances against the
// same store.
const workerCount = 1

// WorkerPool manages the engine's queue workers.
type WorkerPool struct {
	engineID string
	jobs     *services.JobService
	projects *services.ProjectService
	admit    services.AdmitFunc
	executor JobExecutor
	cfg      *config.EngineConfig
	workers  []*Worker
	started  bool
}

// NewWorkerPool creates a worker pool for one engine instance.
func NewWorkerPool(engineID string, jobs *services.JobService, projects *services.ProjectService, admit services.AdmitFunc, executor JobExecutor, cfg *config.EngineConfig) *WorkerPool {
	return &WorkerPool{
		engineID: engineID,
		jobs:     jobs,
		projects: projects,
		admit:    admit,
		executor: executor,
		cfg:      cfg,
		workers:  make([]*Worker, 0, workerCount),
	}
}

// Start spawns the worker goroutines. It is safe to call multiple times;
// subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "engine_id", p.engineID)
		return
	}
	p.started = true

	slog.Info("Starting worker pool", "engine_id", p.engineID, "worker_count", workerCount)

	for i := 0; i < workerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.engineID, i)
		worker := NewWorker(workerID, p.engineID, p.jobs, p.projects, p.admit, p.executor, p.cfg)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	slog.Info("Worker pool started")
}

// Stop signals all workers to stop and waits for them to finish their
// current jobs, bounded by the configured graceful-shutdown timeout. A
// zero timeout waits indefinitely.
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully")

	done := make(chan struct{})
	go func() {
		for _, worker := range p.workers {
			worker.Stop()
		}
		close(done)
	}()

	if p.cfg.GracefulShutdownTimeout <= 0 {
		<-done
		slog.Info("Worker pool stopped gracefully")
		return
	}

	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-time.After(p.cfg.GracefulShutdownTimeout):
		slog.Warn("Worker pool shutdown timed out with a job still running",
			"timeout", p.cfg.GracefulShutdownTimeout)
	}
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health() *PoolHealth {
	ctx := context.Background()

	counts, err := p.jobs.CountByState(ctx)
	storeReachable := err == nil
	var storeError string
	if err != nil {
		storeError = fmt.Sprintf("job count query failed: %v", err)
		slog.Error("Failed to query job counts for health check",
			"engine_id", p.engineID, "error", err)
	}

	queueDepth := counts[models.StateQueued]
	running := 0
	for state, n := range counts {
		if state != models.StateQueued && !state.IsTerminal() {
			running += n
		}
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	for i, worker := range p.workers {
		workerStats[i] = worker.Health()
	}

	return &PoolHealth{
		IsHealthy:      storeReachable && len(p.workers) > 0,
		StoreReachable: storeReachable,
		StoreError:     storeError,
		EngineID:       p.engineID,
		QueueDepth:     queueDepth,
		RunningJobs:    running,
		WorkerStats:    workerStats,
	}
}
