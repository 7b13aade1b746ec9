// Package queue drives queued jobs through the execution lifecycle. A
// worker pool claims jobs from the store (budget-gated, project-locked)
// and hands each claim to the engine, which moves it through
// clone → context → LLM → apply → preflight → agents → publish until a
// terminal state is reached.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/vibeworks/vibed/pkg/models"
)

// ErrProjectBusy indicates the claimed job's project is locked by another
// engine instance; the job was returned to the queue.
var ErrProjectBusy = errors.New("project locked by another engine")

// JobExecutor processes one claimed job to a terminal state.
//
// The executor owns the ENTIRE job lifecycle internally: state
// transitions, the iteration loop, agents, preview, and publishing. It
// writes events and metrics progressively during execution and performs
// its own terminal store writes on a background context, so a cancelled
// claim context can never lose the final state. The worker only handles
// claiming, project locking, and bookkeeping.
type JobExecutor interface {
	Execute(ctx context.Context, job *models.Job) *ExecutionResult
}

// ExecutionResult is lightweight — just the terminal state. All
// intermediate state (events, token usage, timings, diffs) was already
// written to the store by the executor during processing.
type ExecutionResult struct {
	State models.ExecutionState // completed or failed
	Err   error                 // cause when State == failed
}

// PoolHealth contains health information for the worker pool.
type PoolHealth struct {
	IsHealthy      bool           `json:"is_healthy"`
	StoreReachable bool           `json:"store_reachable"`
	StoreError     string         `json:"store_error,omitempty"`
	EngineID       string         `json:"engine_id"`
	QueueDepth     int            `json:"queue_depth"`
	RunningJobs    int            `json:"running_jobs"`
	WorkerStats    []WorkerHealth `json:"worker_stats"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"` // "idle" or "working"
	CurrentJobID  string    `json:"current_job_id,omitempty"`
	JobsProcessed int       `json:"jobs_processed"`
	LastActivity  time.Time `json:"last_activity"`
}
