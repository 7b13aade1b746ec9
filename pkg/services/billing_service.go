package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vibeworks/vibed/pkg/database"
	"github.com/vibeworks/vibed/pkg/models"
)

// modelRates holds USD prices per million tokens.
type modelRates struct {
	Input  float64
	Output float64
}

// rateTable is fixed. Unknown models fall back to claude rates.
var rateTable = map[models.LLMModel]modelRates{
	models.ModelClaude: {Input: 3.0, Output: 15.0},
	models.ModelGPT:    {Input: 10.0, Output: 30.0},
}

// CostUSD computes the price of one LLM exchange.
func CostUSD(model models.LLMModel, promptTokens, completionTokens int64) float64 {
	rates, ok := rateTable[model]
	if !ok {
		rates = rateTable[models.ModelClaude]
	}
	return float64(promptTokens)/1e6*rates.Input + float64(completionTokens)/1e6*rates.Output
}

// BillingService meters token spend per tenant and gates job admission
// against tenant budgets.
type BillingService struct {
	client *database.Client
}

// NewBillingService creates a new BillingService.
func NewBillingService(client *database.Client) *BillingService {
	return &BillingService{client: client}
}

// Spend returns a tenant's cumulative LLM spend in USD, summed over all of
// the tenant's jobs that recorded any token usage.
func (s *BillingService) Spend(ctx context.Context, tenantID string) (float64, error) {
	rows, err := s.client.DB().QueryContext(ctx,
		`SELECT llm_model, COALESCE(prompt_tokens, 0), COALESCE(completion_tokens, 0)
		 FROM jobs
		 WHERE tenant_id = ?
		   AND (prompt_tokens IS NOT NULL OR completion_tokens IS NOT NULL)`,
		tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to query spend: %w", err)
	}
	defer rows.Close()

	var total float64
	for rows.Next() {
		var model string
		var prompt, completion int64
		if err := rows.Scan(&model, &prompt, &completion); err != nil {
			return 0, fmt.Errorf("failed to scan spend row: %w", err)
		}
		total += CostUSD(models.LLMModel(model), prompt, completion)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to iterate spend rows: %w", err)
	}
	return total, nil
}

// Usage returns a tenant's token usage grouped by (UTC date, model). Cost is
// linear in tokens, so each group's cost equals the cost of its summed
// token counts.
func (s *BillingService) Usage(ctx context.Context, tenantID string) (*models.UsageSummary, error) {
	rows, err := s.client.DB().QueryContext(ctx,
		`SELECT strftime('%Y-%m-%d', initiated_at) AS day, llm_model,
			SUM(COALESCE(prompt_tokens, 0)), SUM(COALESCE(completion_tokens, 0)), COUNT(*)
		 FROM jobs
		 WHERE tenant_id = ?
		   AND (prompt_tokens IS NOT NULL OR completion_tokens IS NOT NULL)
		 GROUP BY day, llm_model
		 ORDER BY day DESC, llm_model ASC`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	summary := &models.UsageSummary{
		TenantID: tenantID,
		Rows:     []models.UsageRow{},
	}
	for rows.Next() {
		var r models.UsageRow
		if err := rows.Scan(&r.Date, &r.Model, &r.InputTokens, &r.OutputTokens, &r.JobCount); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		r.CostUSD = CostUSD(models.LLMModel(r.Model), r.InputTokens, r.OutputTokens)
		summary.TotalSpend += r.CostUSD
		summary.Rows = append(summary.Rows, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate usage rows: %w", err)
	}

	budget, err := s.GetBudget(ctx, tenantID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if budget != nil {
		summary.BudgetLimit = &budget.LimitUSD
	}
	return summary, nil
}

// Export returns a tenant's per-job billing rows for CSV emission.
func (s *BillingService) Export(ctx context.Context, tenantID string) ([]models.ExportRow, error) {
	rows, err := s.client.DB().QueryContext(ctx,
		`SELECT strftime('%Y-%m-%d', initiated_at), llm_model,
			COALESCE(prompt_tokens, 0), COALESCE(completion_tokens, 0), job_id
		 FROM jobs
		 WHERE tenant_id = ?
		   AND (prompt_tokens IS NOT NULL OR completion_tokens IS NOT NULL)
		 ORDER BY initiated_at ASC, job_id ASC`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query export rows: %w", err)
	}
	defer rows.Close()

	var out []models.ExportRow
	for rows.Next() {
		var r models.ExportRow
		if err := rows.Scan(&r.Date, &r.Model, &r.InputTokens, &r.OutputTokens, &r.TaskID); err != nil {
			return nil, fmt.Errorf("failed to scan export row: %w", err)
		}
		r.CostUSD = CostUSD(models.LLMModel(r.Model), r.InputTokens, r.OutputTokens)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate export rows: %w", err)
	}
	return out, nil
}

// GetBudget returns a tenant's budget, or ErrNotFound when none is set.
func (s *BillingService) GetBudget(ctx context.Context, tenantID string) (*models.Budget, error) {
	var b models.Budget
	err := s.client.DB().QueryRowContext(ctx,
		`SELECT tenant_id, limit_usd, updated_at FROM tenant_budgets WHERE tenant_id = ?`,
		tenantID).Scan(&b.TenantID, &b.LimitUSD, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get budget: %w", err)
	}
	return &b, nil
}

// SetBudget upserts a tenant's spending ceiling. The limit must be a
// non-negative number.
func (s *BillingService) SetBudget(ctx context.Context, tenantID string, limitUSD float64) (*models.Budget, error) {
	if tenantID == "" {
		return nil, NewValidationError("tenant_id", "tenant is required")
	}
	if limitUSD < 0 {
		return nil, NewValidationError("limitUSD", "limit must be a non-negative number")
	}

	now := time.Now().UTC()
	_, err := s.client.DB().ExecContext(ctx,
		`INSERT INTO tenant_budgets (tenant_id, limit_usd, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(tenant_id) DO UPDATE SET limit_usd = excluded.limit_usd, updated_at = excluded.updated_at`,
		tenantID, limitUSD, now)
	if err != nil {
		return nil, fmt.Errorf("failed to set budget: %w", err)
	}
	return &models.Budget{TenantID: tenantID, LimitUSD: limitUSD, UpdatedAt: now}, nil
}

// Admit reports whether a tenant may start another job. No budget row means
// unlimited. A budget of zero blocks immediately: cumulative spend of zero
// has already reached the ceiling.
func (s *BillingService) Admit(ctx context.Context, tenantID string) error {
	budget, err := s.GetBudget(ctx, tenantID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	spend, err := s.Spend(ctx, tenantID)
	if err != nil {
		return err
	}
	if spend >= budget.LimitUSD {
		return ErrBudgetExhausted
	}
	return nil
}
