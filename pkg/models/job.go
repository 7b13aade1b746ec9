// Package models defines the domain types shared by the store, engine, and API.
package models

import "time"

// ExecutionState is a job's position in the pipeline state machine.
type ExecutionState string

const (
	StateQueued           ExecutionState = "queued"
	StateCloning          ExecutionState = "cloning"
	StateBuildingContext  ExecutionState = "building_context"
	StateCallingLLM       ExecutionState = "calling_llm"
	StateApplyingDiff     ExecutionState = "applying_diff"
	StateRunningPreflight ExecutionState = "running_preflight"
	StateCreatingPR       ExecutionState = "creating_pr"
	StateCompleted        ExecutionState = "completed"
	StateFailed           ExecutionState = "failed"
)

// IsTerminal reports whether the state admits no further transitions.
func (s ExecutionState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Valid reports whether s is a known pipeline state.
func (s ExecutionState) Valid() bool {
	switch s {
	case StateQueued, StateCloning, StateBuildingContext, StateCallingLLM,
		StateApplyingDiff, StateRunningPreflight, StateCreatingPR,
		StateCompleted, StateFailed:
		return true
	}
	return false
}

// LLMModel selects which provider variant serves a job.
type LLMModel string

const (
	ModelClaude LLMModel = "claude"
	ModelGPT    LLMModel = "gpt"
)

// Valid reports whether m is a supported model variant.
func (m LLMModel) Valid() bool {
	return m == ModelClaude || m == ModelGPT
}

// Job is the unit of pipeline execution.
type Job struct {
	JobID             string         `json:"job_id"`
	TenantID          string         `json:"tenant_id"`
	ProjectID         string         `json:"project_id,omitempty"`
	RepositoryURL     string         `json:"repository_url,omitempty"`
	Prompt            string         `json:"prompt"`
	SourceBranch      string         `json:"source_branch"`
	DestinationBranch string         `json:"destination_branch"`
	ExecutionState    ExecutionState `json:"execution_state"`
	LLMModel          LLMModel       `json:"llm_model"`
	PRLink            string         `json:"pr_link,omitempty"`
	PreviewURL        string         `json:"preview_url,omitempty"`
	FailureReason     string         `json:"failure_reason,omitempty"`
	IterationCount    int            `json:"iteration_count"`
	PromptTokens      *int64         `json:"prompt_tokens,omitempty"`
	CompletionTokens  *int64         `json:"completion_tokens,omitempty"`
	TotalTokens       *int64         `json:"total_tokens,omitempty"`
	PreflightSeconds  *float64       `json:"preflight_seconds,omitempty"`
	TotalJobSeconds   *float64       `json:"total_job_seconds,omitempty"`
	FilesChangedCount *int64         `json:"files_changed_count,omitempty"`
	LastDiff          string         `json:"-"`
	InitiatedAt       time.Time      `json:"initiated_at"`
	LastModified      time.Time      `json:"last_modified"`
}

// CreateJobRequest contains fields for enqueueing a new job.
type CreateJobRequest struct {
	Prompt        string `json:"prompt"`
	ProjectID     string `json:"project_id,omitempty"`
	RepositoryURL string `json:"repository_url,omitempty"`
	BaseBranch    string `json:"base_branch,omitempty"`
	TargetBranch  string `json:"target_branch,omitempty"`
	Model         string `json:"model,omitempty"`
}

// JobFilters contains filtering options for listing jobs.
type JobFilters struct {
	State     ExecutionState
	ProjectID string
	Limit     int
	Offset    int
}

// JobMetrics carries the cumulative counters written when a job reaches a
// terminal state. Nil pointer fields leave the stored value untouched.
type JobMetrics struct {
	PromptTokens      *int64
	CompletionTokens  *int64
	TotalTokens       *int64
	PreflightSeconds  *float64
	TotalJobSeconds   *float64
	FilesChangedCount *int64
}
