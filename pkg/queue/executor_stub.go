package queue

import (
	"context"
	"log/slog"

	"github.com/vibeworks/vibed/pkg/models"
)

// StubExecutor is a JobExecutor that performs no work and immediately
// reports the claimed job as completed. It lets the queue plumbing run
// without the full engine, in tests and in dry-run deployments.
type StubExecutor struct{}

// NewStubExecutor creates a stub executor.
func NewStubExecutor() *StubExecutor {
	return &StubExecutor{}
}

// Execute returns a completed result without touching the job.
func (e *StubExecutor) Execute(ctx context.Context, job *models.Job) *ExecutionResult {
	jobID := ""
	tenantID := ""
	if job != nil {
		jobID = job.JobID
		tenantID = job.TenantID
	}
	slog.Info("Stub executor: job processing (no-op)",
		"job_id", jobID,
		"tenant_id", tenantID,
	)

	if ctx.Err() != nil {
		return &ExecutionResult{State: models.StateFailed, Err: ctx.Err()}
	}
	return &ExecutionResult{State: models.StateCompleted}
}
