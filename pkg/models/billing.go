package models

import "time"

// UsageRow is one (UTC date, model) aggregate of a tenant's token usage.
type UsageRow struct {
	Date         string  `json:"date"`
	Model        string  `json:"model"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	JobCount     int64   `json:"job_count"`
}

// UsageSummary is the response body for the usage endpoint.
type UsageSummary struct {
	TenantID    string     `json:"tenantId"`
	TotalSpend  float64    `json:"totalSpend"`
	BudgetLimit *float64   `json:"budgetLimit"`
	Rows        []UsageRow `json:"rows"`
}

// ExportRow is one per-job line of the CSV export.
type ExportRow struct {
	Date         string
	Model        string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	TaskID       string
}

// Budget is a tenant's spending ceiling. Upsert only.
type Budget struct {
	TenantID  string    `json:"tenantId"`
	LimitUSD  float64   `json:"limitUSD"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SetBudgetRequest is the body for the budget endpoint.
type SetBudgetRequest struct {
	LimitUSD *float64 `json:"limitUSD"`
}
