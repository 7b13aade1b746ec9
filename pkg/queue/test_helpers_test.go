package queue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vibeworks/vibed/pkg/config"
	"github.com/vibeworks/vibed/pkg/database"
	"github.com/vibeworks/vibed/pkg/models"
	"github.com/vibeworks/vibed/pkg/services"
)

// newTestClient opens a migrated throwaway store.
func newTestClient(t *testing.T) *database.Client {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	client, err := database.NewClient(context.Background(), database.DefaultConfig(path))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// newTestServices opens a migrated throwaway store and returns the
// services the queue depends on.
func newTestServices(t *testing.T) (*services.JobService, *services.ProjectService, *services.EventService) {
	t.Helper()
	client := newTestClient(t)
	return services.NewJobService(client),
		services.NewProjectService(client, t.TempDir()),
		services.NewEventService(client)
}

// createQueuedJob inserts a queued job bound to projectID (optional).
func createQueuedJob(t *testing.T, jobs *services.JobService, tenantID, projectID string) *models.Job {
	t.Helper()
	job, err := jobs.CreateJob(context.Background(), tenantID, models.CreateJobRequest{
		Prompt:        "add a health endpoint",
		ProjectID:     projectID,
		RepositoryURL: "https://example.com/repo.git",
	})
	require.NoError(t, err)
	return job
}

func projectRequest(name string) models.CreateProjectRequest {
	return models.CreateProjectRequest{Name: name}
}

func testEngineConfig() *config.EngineConfig {
	return &config.EngineConfig{
		MaxIterations:           3,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		MaxContextSize:          50000,
		MaxDiffSize:             2000,
		ProjectLockTTL:          10 * time.Minute,
		GracefulShutdownTimeout: time.Minute,
	}
}

// recordingExecutor captures every job it is handed and returns a fixed
// result, completed unless overridden.
type recordingExecutor struct {
	mu     sync.Mutex
	jobs   []*models.Job
	result *ExecutionResult
}

func (r *recordingExecutor) Execute(_ context.Context, job *models.Job) *ExecutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	if r.result != nil {
		return r.result
	}
	return &ExecutionResult{State: models.StateCompleted}
}

func (r *recordingExecutor) seen() []*models.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Job, len(r.jobs))
	copy(out, r.jobs)
	return out
}
