package e2e

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibeworks/vibed/pkg/llm"
)

// ────────────────────────────────────────────────────────────
// Billing tests — budget ceilings gate admission at the API and
// usage accounting follows every job.
// ────────────────────────────────────────────────────────────

func TestE2E_ZeroBudgetBlocksSubmission(t *testing.T) {
	app := NewTestApp(t)

	project := app.CreateProject(t, "acme", "blocked-site", "")
	projectID, _ := project["id"].(string)

	// A zero ceiling blocks immediately: spend of zero already meets it.
	resp := app.SetBudget(t, "acme", 0)
	assert.Equal(t, "budget updated", resp["message"])

	status := app.PostStatus(t, "acme", "/jobs", map[string]interface{}{
		"prompt":     "add a banner",
		"project_id": projectID,
	})
	assert.Equal(t, 402, status)

	// Budgets are per tenant; another tenant is unaffected.
	other := app.CreateProject(t, "globex", "open-site", "")
	otherID, _ := other["id"].(string)
	script := app.LLMClient
	script.AddRouted(StageDiff, LLMScriptEntry{Text: "NO_CHANGES"})
	jobID := app.SubmitJob(t, "globex", otherID, "tidy the readme")
	app.WaitForJobState(t, jobID, "completed")
}

func TestE2E_SpendAgainstBudgetBlocksNextJob(t *testing.T) {
	script := NewScriptedLLMClient()
	script.AddRouted(StageDiff, LLMScriptEntry{
		Text:  "NO_CHANGES",
		Usage: llm.TokenUsage{PromptTokens: 2000, CompletionTokens: 100, TotalTokens: 2100},
	})

	app := NewTestApp(t, WithLLMClient(script))

	project := app.CreateProject(t, "acme", "budgeted-site", "")
	projectID, _ := project["id"].(string)

	// Ceiling above zero admits the first job: nothing has been spent yet.
	app.SetBudget(t, "acme", 0.001)

	jobID := app.SubmitJob(t, "acme", projectID, "tidy the readme")
	app.WaitForJobState(t, jobID, "completed")

	// 2000 prompt + 100 completion tokens at claude rates is $0.0075,
	// over the $0.001 ceiling. The next submission bounces.
	usage := app.Usage(t, "acme")
	assert.InDelta(t, 0.0075, usage["totalSpend"].(float64), 1e-9)
	require.NotNil(t, usage["budgetLimit"])
	assert.InDelta(t, 0.001, usage["budgetLimit"].(float64), 1e-9)

	status := app.PostStatus(t, "acme", "/jobs", map[string]interface{}{
		"prompt":     "another change",
		"project_id": projectID,
	})
	assert.Equal(t, 402, status)

	// Raising the ceiling unblocks the tenant.
	app.SetBudget(t, "acme", 10)
	script.AddRouted(StageDiff, LLMScriptEntry{Text: "NO_CHANGES"})
	nextID := app.SubmitJob(t, "acme", projectID, "another change")
	app.WaitForJobState(t, nextID, "completed")
}

func TestE2E_BudgetEndpointValidation(t *testing.T) {
	app := NewTestApp(t)

	// Negative limits are rejected.
	status := app.PostStatus(t, "acme", "/billing/budget/acme", map[string]interface{}{"limitUSD": -1})
	assert.Equal(t, 400, status)

	// Missing limit is rejected.
	status = app.PostStatus(t, "acme", "/billing/budget/acme", map[string]interface{}{})
	assert.Equal(t, 400, status)

	// The path tenant must be the authenticated tenant.
	status = app.PostStatus(t, "acme", "/billing/budget/globex", map[string]interface{}{"limitUSD": 5.0})
	assert.Equal(t, 403, status)
}
