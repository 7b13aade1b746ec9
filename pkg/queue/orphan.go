package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vibeworks/vibed/pkg/models"
	"github.com/vibeworks/vibed/pkg/services"
)

// orphanFailureReason is recorded on jobs found mid-pipeline at startup.
const orphanFailureReason = "engine restarted while the job was executing"

// CleanupStartupOrphans fails every claimed job a previous process left in
// a non-terminal state and releases any project locks this engine still
// holds. Called once during startup, before the worker pool begins
// claiming. A single engine instance runs at a time, so anything mid-flight
// at boot is unrecoverable by definition.
func CleanupStartupOrphans(ctx context.Context, jobs *services.JobService, projects *services.ProjectService, eventService *services.EventService, engineID string) error {
	orphaned, err := jobs.FailOrphanedJobs(ctx, orphanFailureReason)
	if err != nil {
		return fmt.Errorf("failed to recover orphaned jobs: %w", err)
	}

	for _, jobID := range orphaned {
		_, err := eventService.CreateEvent(ctx, jobID,
			"Job failed: "+orphanFailureReason, models.SeverityError)
		if err != nil {
			slog.Error("Failed to record orphan event", "job_id", jobID, "error", err)
		}
	}

	released, err := projects.ReleaseEngineLocks(ctx, engineID)
	if err != nil {
		return fmt.Errorf("failed to release stale project locks: %w", err)
	}

	if len(orphaned) > 0 || released > 0 {
		slog.Warn("Startup orphan recovery finished",
			"jobs_failed", len(orphaned),
			"locks_released", released,
			"engine_id", engineID)
	}
	return nil
}
