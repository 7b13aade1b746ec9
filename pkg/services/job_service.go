package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vibeworks/vibed/pkg/database"
	"github.com/vibeworks/vibed/pkg/models"
)

// JobService manages job rows and their lifecycle transitions.
type JobService struct {
	client *database.Client
}

// NewJobService creates a new JobService.
func NewJobService(client *database.Client) *JobService {
	return &JobService{client: client}
}

const jobColumns = `job_id, tenant_id, project_id, repository_url, prompt,
	source_branch, destination_branch, execution_state, llm_model,
	pr_link, preview_url, failure_reason, iteration_count,
	prompt_tokens, completion_tokens, total_tokens,
	preflight_seconds, total_job_seconds, files_changed_count, last_diff,
	initiated_at, last_modified`

// AdmitFunc decides whether a tenant may start another job. The claim loop
// uses it to skip jobs of over-budget tenants.
type AdmitFunc func(ctx context.Context, tenantID string) error

// CreateJob validates and enqueues a new job.
func (s *JobService) CreateJob(ctx context.Context, tenantID string, req models.CreateJobRequest) (*models.Job, error) {
	if tenantID == "" {
		return nil, NewValidationError("tenant_id", "tenant is required")
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, NewValidationError("prompt", "prompt is required")
	}
	if req.ProjectID == "" && strings.TrimSpace(req.RepositoryURL) == "" {
		return nil, NewValidationError("project_id", "either project_id or repository_url is required")
	}

	model := models.LLMModel(req.Model)
	if req.Model == "" {
		model = models.ModelClaude
	}
	if !model.Valid() {
		return nil, NewValidationError("model", fmt.Sprintf("unsupported model %q", req.Model))
	}

	id := uuid.New().String()
	sourceBranch := req.BaseBranch
	if sourceBranch == "" {
		sourceBranch = "main"
	}
	destinationBranch := req.TargetBranch
	if destinationBranch == "" {
		destinationBranch = "vibe/" + id
	}

	now := time.Now().UTC()
	job := &models.Job{
		JobID:             id,
		TenantID:          tenantID,
		ProjectID:         req.ProjectID,
		RepositoryURL:     strings.TrimSpace(req.RepositoryURL),
		Prompt:            prompt,
		SourceBranch:      sourceBranch,
		DestinationBranch: destinationBranch,
		ExecutionState:    models.StateQueued,
		LLMModel:          model,
		InitiatedAt:       now,
		LastModified:      now,
	}

	_, err := s.client.DB().ExecContext(ctx,
		`INSERT INTO jobs (job_id, tenant_id, project_id, repository_url, prompt,
			source_branch, destination_branch, execution_state, llm_model,
			initiated_at, last_modified)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, job.TenantID, nullString(job.ProjectID), nullString(job.RepositoryURL),
		job.Prompt, job.SourceBranch, job.DestinationBranch,
		string(job.ExecutionState), string(job.LLMModel),
		job.InitiatedAt, job.LastModified,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

// GetJob returns a tenant's job by id.
func (s *JobService) GetJob(ctx context.Context, tenantID, jobID string) (*models.Job, error) {
	job, err := s.GetJobAny(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.TenantID != tenantID {
		return nil, ErrForbidden
	}
	return job, nil
}

// GetJobAny returns a job regardless of tenant. The engine uses it; the API
// layer uses the tenant mismatch to answer 403 instead of 404.
func (s *JobService) GetJobAny(ctx context.Context, jobID string) (*models.Job, error) {
	row := s.client.DB().QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	return scanJob(row)
}

// ListJobs returns a tenant's jobs, newest first.
func (s *JobService) ListJobs(ctx context.Context, tenantID string, filters models.JobFilters) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE tenant_id = ?`
	args := []any{tenantID}

	if filters.State != "" {
		query += ` AND execution_state = ?`
		args = append(args, string(filters.State))
	}
	if filters.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, filters.ProjectID)
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY initiated_at DESC, job_id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filters.Offset)

	rows, err := s.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}

// ClaimNextQueued claims the oldest admissible queued job for an engine
// instance. The UPDATE guarded by claimed_by IS NULL is the atomic claim;
// losing a race just moves on to the next candidate.
func (s *JobService) ClaimNextQueued(ctx context.Context, engineID string, admit AdmitFunc) (*models.Job, error) {
	rows, err := s.client.DB().QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE execution_state = 'queued' AND claimed_by IS NULL
		 ORDER BY initiated_at ASC, job_id ASC
		 LIMIT 25`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queued jobs: %w", err)
	}

	var candidates []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate queued jobs: %w", err)
	}
	rows.Close()

	for _, job := range candidates {
		if admit != nil {
			if err := admit(ctx, job.TenantID); err != nil {
				if errors.Is(err, ErrBudgetExhausted) {
					continue
				}
				return nil, err
			}
		}

		res, err := s.client.DB().ExecContext(ctx,
			`UPDATE jobs SET claimed_by = ?, claimed_at = ?, last_modified = ?
			 WHERE job_id = ? AND execution_state = 'queued' AND claimed_by IS NULL`,
			engineID, time.Now().UTC(), time.Now().UTC(), job.JobID)
		if err != nil {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read claim result: %w", err)
		}
		if affected == 1 {
			return job, nil
		}
		// Raced with another engine instance; try the next candidate.
	}

	return nil, ErrNoJobsAvailable
}

// UpdateState transitions a job to a new non-terminal-origin state and
// stamps last_modified. Terminal jobs are immutable.
func (s *JobService) UpdateState(ctx context.Context, jobID string, state models.ExecutionState) error {
	if !state.Valid() {
		return NewValidationError("execution_state", fmt.Sprintf("unknown state %q", state))
	}
	res, err := s.client.DB().ExecContext(ctx,
		`UPDATE jobs SET execution_state = ?, last_modified = ?
		 WHERE job_id = ? AND execution_state NOT IN ('completed', 'failed')`,
		string(state), time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("failed to update job state: %w", err)
	}
	return s.checkTransitionResult(ctx, res, jobID)
}

// MarkFailed moves a job to the failed terminal state with an explanatory
// reason. Idempotent against already-terminal jobs.
func (s *JobService) MarkFailed(ctx context.Context, jobID, reason string) error {
	res, err := s.client.DB().ExecContext(ctx,
		`UPDATE jobs SET execution_state = 'failed', failure_reason = ?, last_modified = ?
		 WHERE job_id = ? AND execution_state NOT IN ('completed', 'failed')`,
		reason, time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return s.checkTransitionResult(ctx, res, jobID)
}

// MarkCompleted moves a job to the completed terminal state.
func (s *JobService) MarkCompleted(ctx context.Context, jobID string) error {
	res, err := s.client.DB().ExecContext(ctx,
		`UPDATE jobs SET execution_state = 'completed', last_modified = ?
		 WHERE job_id = ? AND execution_state NOT IN ('completed', 'failed')`,
		time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}
	return s.checkTransitionResult(ctx, res, jobID)
}

func (s *JobService) checkTransitionResult(ctx context.Context, res sql.Result, jobID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.GetJobAny(ctx, jobID); errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	return ErrJobTerminal
}

// SetPRLink records the pull request URL on a job.
func (s *JobService) SetPRLink(ctx context.Context, jobID, url string) error {
	return s.setColumn(ctx, jobID, "pr_link", url)
}

// SetPreviewURL records the preview URL on a job.
func (s *JobService) SetPreviewURL(ctx context.Context, jobID, url string) error {
	return s.setColumn(ctx, jobID, "preview_url", url)
}

// SetLastDiff caches the most recently applied diff and its file count.
func (s *JobService) SetLastDiff(ctx context.Context, jobID, diff string, filesChanged int64) error {
	_, err := s.client.DB().ExecContext(ctx,
		`UPDATE jobs SET last_diff = ?, files_changed_count = ?, last_modified = ?
		 WHERE job_id = ?`,
		diff, filesChanged, time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("failed to set last diff: %w", err)
	}
	return nil
}

// SetIteration records the current iteration number.
func (s *JobService) SetIteration(ctx context.Context, jobID string, iteration int) error {
	_, err := s.client.DB().ExecContext(ctx,
		`UPDATE jobs SET iteration_count = ?, last_modified = ? WHERE job_id = ?`,
		iteration, time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("failed to set iteration: %w", err)
	}
	return nil
}

// AddTokenUsage accumulates token counters after an LLM call. Totals are
// written even when the job later fails.
func (s *JobService) AddTokenUsage(ctx context.Context, jobID string, promptTokens, completionTokens int64) error {
	_, err := s.client.DB().ExecContext(ctx,
		`UPDATE jobs SET
			prompt_tokens = COALESCE(prompt_tokens, 0) + ?,
			completion_tokens = COALESCE(completion_tokens, 0) + ?,
			total_tokens = COALESCE(total_tokens, 0) + ?,
			last_modified = ?
		 WHERE job_id = ?`,
		promptTokens, completionTokens, promptTokens+completionTokens,
		time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("failed to add token usage: %w", err)
	}
	return nil
}

// SetTimings records the timing metrics for a finished job.
func (s *JobService) SetTimings(ctx context.Context, jobID string, preflightSeconds, totalSeconds float64) error {
	_, err := s.client.DB().ExecContext(ctx,
		`UPDATE jobs SET preflight_seconds = ?, total_job_seconds = ?, last_modified = ?
		 WHERE job_id = ?`,
		preflightSeconds, totalSeconds, time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("failed to set timings: %w", err)
	}
	return nil
}

// ReleaseClaim returns a still-queued job to the pool. Used when the
// claiming engine cannot proceed (project lock held elsewhere); jobs that
// already left the queued state keep their claim.
func (s *JobService) ReleaseClaim(ctx context.Context, jobID string) error {
	_, err := s.client.DB().ExecContext(ctx,
		`UPDATE jobs SET claimed_by = NULL, claimed_at = NULL, last_modified = ?
		 WHERE job_id = ? AND execution_state = 'queued'`,
		time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("failed to release job claim: %w", err)
	}
	return nil
}

// FailOrphanedJobs fails claimed, non-terminal jobs. Runs at startup:
// with a single engine per store file, any claimed job found at boot was
// abandoned by a previous process. Returns the failed job ids.
func (s *JobService) FailOrphanedJobs(ctx context.Context, reason string) ([]string, error) {
	rows, err := s.client.DB().QueryContext(ctx,
		`SELECT job_id FROM jobs
		 WHERE claimed_by IS NOT NULL AND execution_state NOT IN ('completed', 'failed')`)
	if err != nil {
		return nil, fmt.Errorf("failed to query orphaned jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan orphaned job: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate orphaned jobs: %w", err)
	}

	for _, id := range ids {
		if err := s.MarkFailed(ctx, id, reason); err != nil {
			return nil, fmt.Errorf("failed to fail orphaned job %s: %w", id, err)
		}
	}
	return ids, nil
}

// CountByState returns job counts per execution state.
func (s *JobService) CountByState(ctx context.Context) (map[models.ExecutionState]int, error) {
	rows, err := s.client.DB().QueryContext(ctx,
		`SELECT execution_state, COUNT(*) FROM jobs GROUP BY execution_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.ExecutionState]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[models.ExecutionState(state)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job counts: %w", err)
	}
	return counts, nil
}

func (s *JobService) setColumn(ctx context.Context, jobID, column, value string) error {
	// column is always a compile-time constant from this package.
	_, err := s.client.DB().ExecContext(ctx,
		`UPDATE jobs SET `+column+` = ?, last_modified = ? WHERE job_id = ?`,
		value, time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", column, err)
	}
	return nil
}

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	var projectID, repositoryURL, prLink, previewURL, failureReason, lastDiff sql.NullString
	var promptTokens, completionTokens, totalTokens, filesChanged sql.NullInt64
	var preflightSeconds, totalSeconds sql.NullFloat64
	var state, model string

	err := row.Scan(&j.JobID, &j.TenantID, &projectID, &repositoryURL, &j.Prompt,
		&j.SourceBranch, &j.DestinationBranch, &state, &model,
		&prLink, &previewURL, &failureReason, &j.IterationCount,
		&promptTokens, &completionTokens, &totalTokens,
		&preflightSeconds, &totalSeconds, &filesChanged, &lastDiff,
		&j.InitiatedAt, &j.LastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	j.ExecutionState = models.ExecutionState(state)
	j.LLMModel = models.LLMModel(model)
	j.ProjectID = projectID.String
	j.RepositoryURL = repositoryURL.String
	j.PRLink = prLink.String
	j.PreviewURL = previewURL.String
	j.FailureReason = failureReason.String
	j.LastDiff = lastDiff.String
	if promptTokens.Valid {
		j.PromptTokens = &promptTokens.Int64
	}
	if completionTokens.Valid {
		j.CompletionTokens = &completionTokens.Int64
	}
	if totalTokens.Valid {
		j.TotalTokens = &totalTokens.Int64
	}
	if preflightSeconds.Valid {
		j.PreflightSeconds = &preflightSeconds.Float64
	}
	if totalSeconds.Valid {
		j.TotalJobSeconds = &totalSeconds.Float64
	}
	if filesChanged.Valid {
		j.FilesChangedCount = &filesChanged.Int64
	}
	return &j, nil
}
