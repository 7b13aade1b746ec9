package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vibeworks/vibed/pkg/models"
)

func TestCreateJobValidation(t *testing.T) {
	client := newTestClient(t)
	svc := NewJobService(client)
	ctx := context.Background()

	tests := []struct {
		name string
		req  models.CreateJobRequest
	}{
		{"missing prompt", models.CreateJobRequest{RepositoryURL: "https://example.com/r.git"}},
		{"whitespace prompt", models.CreateJobRequest{Prompt: "   ", RepositoryURL: "https://example.com/r.git"}},
		{"missing source", models.CreateJobRequest{Prompt: "add feature"}},
		{"bad model", models.CreateJobRequest{Prompt: "add feature", RepositoryURL: "https://example.com/r.git", Model: "llama"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateJob(ctx, "tenant-a", tt.req)
			require.Error(t, err)
			assert.True(t, IsValidationError(err), "expected validation error, got %v", err)
		})
	}

	_, err := svc.CreateJob(ctx, "", models.CreateJobRequest{Prompt: "x", RepositoryURL: "https://example.com/r.git"})
	assert.True(t, IsValidationError(err))
}

func TestCreateJobDefaults(t *testing.T) {
	client := newTestClient(t)
	svc := NewJobService(client)

	job, err := svc.CreateJob(context.Background(), "tenant-a", models.CreateJobRequest{
		Prompt:        "add a dark mode toggle",
		RepositoryURL: "https://example.com/r.git",
	})
	require.NoError(t, err)

	assert.Equal(t, models.StateQueued, job.ExecutionState)
	assert.Equal(t, models.ModelClaude, job.LLMModel)
	assert.Equal(t, "main", job.SourceBranch)
	assert.Equal(t, "vibe/"+job.JobID, job.DestinationBranch)
	assert.Zero(t, job.IterationCount)

	stored, err := svc.GetJob(context.Background(), "tenant-a", job.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.JobID, stored.JobID)
	assert.Nil(t, stored.PromptTokens)
}

func TestGetJobTenantScope(t *testing.T) {
	client := newTestClient(t)
	svc := NewJobService(client)
	job := createTestJob(t, client, "tenant-a", "tweak header")

	_, err := svc.GetJob(context.Background(), "tenant-b", job.JobID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.GetJob(context.Background(), "tenant-a", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListJobsFiltersAndOrder(t *testing.T) {
	client := newTestClient(t)
	svc := NewJobService(client)
	ctx := context.Background()

	j1 := createTestJob(t, client, "tenant-a", "first")
	j2 := createTestJob(t, client, "tenant-a", "second")
	createTestJob(t, client, "tenant-b", "other tenant")

	// Force distinct initiated_at so ordering is deterministic.
	_, err := client.DB().Exec(`UPDATE jobs SET initiated_at = '2026-01-01 10:00:00' WHERE job_id = ?`, j1.JobID)
	require.NoError(t, err)
	_, err = client.DB().Exec(`UPDATE jobs SET initiated_at = '2026-01-02 10:00:00' WHERE job_id = ?`, j2.JobID)
	require.NoError(t, err)

	jobs, err := svc.ListJobs(ctx, "tenant-a", models.JobFilters{})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, j2.JobID, jobs[0].JobID, "newest first")
	assert.Equal(t, j1.JobID, jobs[1].JobID)

	require.NoError(t, svc.MarkFailed(ctx, j1.JobID, "boom"))
	failed, err := svc.ListJobs(ctx, "tenant-a", models.JobFilters{State: models.StateFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, j1.JobID, failed[0].JobID)
	assert.Equal(t, "boom", failed[0].FailureReason)
}

func TestClaimNextQueuedFIFO(t *testing.T) {
	client := newTestClient(t)
	svc := NewJobService(client)
	ctx := context.Background()

	j1 := createTestJob(t, client, "tenant-a", "oldest")
	j2 := createTestJob(t, client, "tenant-a", "newest")
	_, err := client.DB().Exec(`UPDATE jobs SET initiated_at = '2026-01-01 10:00:00' WHERE job_id = ?`, j1.JobID)
	require.NoError(t, err)
	_, err = client.DB().Exec(`UPDATE jobs SET initiated_at = '2026-01-02 10:00:00' WHERE job_id = ?`, j2.JobID)
	require.NoError(t, err)

	claimed, err := svc.ClaimNextQueued(ctx, "engine-1", nil)
	require.NoError(t, err)
	assert.Equal(t, j1.JobID, claimed.JobID, "oldest queued job claimed first")

	// Already-claimed jobs are not offered again.
	claimed2, err := svc.ClaimNextQueued(ctx, "engine-1", nil)
	require.NoError(t, err)
	assert.Equal(t, j2.JobID, claimed2.JobID)

	_, err = svc.ClaimNextQueued(ctx, "engine-1", nil)
	assert.ErrorIs(t, err, ErrNoJobsAvailable)
}

func TestClaimNextQueuedSkipsOverBudgetTenants(t *testing.T) {
	client := newTestClient(t)
	svc := NewJobService(client)
	ctx := context.Background()

	blocked := createTestJob(t, client, "tenant-blocked", "older but blocked")
	open := createTestJob(t, client, "tenant-open", "younger but admissible")
	_, err := client.DB().Exec(`UPDATE jobs SET initiated_at = '2026-01-01 10:00:00' WHERE job_id = ?`, blocked.JobID)
	require.NoError(t, err)
	_, err = client.DB().Exec(`UPDATE jobs SET initiated_at = '2026-01-02 10:00:00' WHERE job_id = ?`, open.JobID)
	require.NoError(t, err)

	admit := func(_ context.Context, tenantID string) error {
		if tenantID == "tenant-blocked" {
			return ErrBudgetExhausted
		}
		return nil
	}

	claimed, err := svc.ClaimNextQueued(ctx, "engine-1", admit)
	require.NoError(t, err)
	assert.Equal(t, open.JobID, claimed.JobID)
}

func TestStateTransitions(t *testing.T) {
	client := newTestClient(t)
	svc := NewJobService(client)
	ctx := context.Background()
	job := createTestJob(t, client, "tenant-a", "walk the pipeline")

	for _, state := range []models.ExecutionState{
		models.StateCloning, models.StateBuildingContext, models.StateCallingLLM,
		models.StateApplyingDiff, models.StateRunningPreflight, models.StateCreatingPR,
	} {
		require.NoError(t, svc.UpdateState(ctx, job.JobID, state))
	}
	require.NoError(t, svc.MarkCompleted(ctx, job.JobID))

	// Terminal states are immutable.
	err := svc.UpdateState(ctx, job.JobID, models.StateCloning)
	assert.ErrorIs(t, err, ErrJobTerminal)
	err = svc.MarkFailed(ctx, job.JobID, "too late")
	assert.ErrorIs(t, err, ErrJobTerminal)

	stored, err := svc.GetJobAny(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, stored.ExecutionState)

	err = svc.UpdateState(ctx, "missing", models.StateCloning)
	assert.ErrorIs(t, err, ErrNotFound)

	err = svc.UpdateState(ctx, job.JobID, models.ExecutionState("warping"))
	assert.True(t, IsValidationError(err))
}

func TestAddTokenUsageAccumulates(t *testing.T) {
	client := newTestClient(t)
	svc := NewJobService(client)
	ctx := context.Background()
	job := createTestJob(t, client, "tenant-a", "count tokens")

	require.NoError(t, svc.AddTokenUsage(ctx, job.JobID, 1000, 500))
	require.NoError(t, svc.AddTokenUsage(ctx, job.JobID, 200, 100))

	stored, err := svc.GetJobAny(ctx, job.JobID)
	require.NoError(t, err)
	require.NotNil(t, stored.PromptTokens)
	assert.EqualValues(t, 1200, *stored.PromptTokens)
	assert.EqualValues(t, 600, *stored.CompletionTokens)
	assert.EqualValues(t, 1800, *stored.TotalTokens)
}

func TestFailOrphanedJobs(t *testing.T) {
	client := newTestClient(t)
	svc := NewJobService(client)
	ctx := context.Background()

	queued := createTestJob(t, client, "tenant-a", "still queued")
	claimed := createTestJob(t, client, "tenant-a", "was in flight")
	done := createTestJob(t, client, "tenant-a", "already done")

	_, err := client.DB().Exec(`UPDATE jobs SET claimed_by = 'engine-dead', claimed_at = CURRENT_TIMESTAMP, execution_state = 'calling_llm' WHERE job_id = ?`, claimed.JobID)
	require.NoError(t, err)
	require.NoError(t, svc.MarkCompleted(ctx, done.JobID))

	ids, err := svc.FailOrphanedJobs(ctx, "engine restarted while job was in flight")
	require.NoError(t, err)
	require.Equal(t, []string{claimed.JobID}, ids)

	stored, err := svc.GetJobAny(ctx, claimed.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, stored.ExecutionState)

	untouched, err := svc.GetJobAny(ctx, queued.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StateQueued, untouched.ExecutionState, "unclaimed queued jobs survive restart")
}
