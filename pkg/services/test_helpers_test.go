package services

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vibeworks/vibed/pkg/database"
	"github.com/vibeworks/vibed/pkg/models"
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

// createTestProject inserts a project for tenant and returns it.
func createTestProject(t *testing.T, client *database.Client, tenantID, name string) *models.Project {
	t.Helper()
	svc := NewProjectService(client, t.TempDir())
	project, err := svc.CreateProject(context.Background(), tenantID, models.CreateProjectRequest{Name: name})
	require.NoError(t, err)
	return project
}

// createTestJob inserts a queued job for tenant and returns it.
func createTestJob(t *testing.T, client *database.Client, tenantID, prompt string) *models.Job {
	t.Helper()
	svc := NewJobService(client)
	job, err := svc.CreateJob(context.Background(), tenantID, models.CreateJobRequest{
		Prompt:        prompt,
		RepositoryURL: "https://example.com/repo.git",
	})
	require.NoError(t, err)
	return job
}

// setJobTokens writes token usage directly so billing tests control exact values.
func setJobTokens(t *testing.T, client *database.Client, jobID string, model models.LLMModel, prompt, completion int64) {
	t.Helper()
	_, err := client.DB().Exec(
		`UPDATE jobs SET llm_model = ?, prompt_tokens = ?, completion_tokens = ?, total_tokens = ? WHERE job_id = ?`,
		string(model), prompt, completion, prompt+completion, jobID)
	require.NoError(t, err)
}
