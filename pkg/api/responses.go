package api

import (
	"github.com/vibeworks/vibed/pkg/database"
	"github.com/vibeworks/vibed/pkg/queue"
)

// JobAcceptedResponse is returned by POST /jobs.
type JobAcceptedResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// BudgetResponse is returned by POST /billing/budget/:tenantId.
type BudgetResponse struct {
	TenantID string  `json:"tenantId"`
	LimitUSD float64 `json:"limitUSD"`
	Message  string  `json:"message"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status     string                 `json:"status"`
	Version    string                 `json:"version"`
	Checks     map[string]HealthCheck `json:"checks"`
	Store      *database.HealthStatus `json:"store,omitempty"`
	WorkerPool *queue.PoolHealth      `json:"worker_pool,omitempty"`
}

// HealthCheck is one component's verdict inside HealthResponse.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
