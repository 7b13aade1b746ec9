package api

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibeworks/vibed/pkg/models"
)

// completeJobWithTokens enqueues a job, stamps token usage, and completes it.
func completeJobWithTokens(t *testing.T, s *Server, tenant string, prompt, completion int64) string {
	t.Helper()
	ctx := context.Background()

	job, err := s.jobService.CreateJob(ctx, tenant, models.CreateJobRequest{
		Prompt:        "count tokens",
		RepositoryURL: "https://example.com/r.git",
	})
	require.NoError(t, err)
	require.NoError(t, s.jobService.AddTokenUsage(ctx, job.JobID, prompt, completion))
	require.NoError(t, s.jobService.MarkCompleted(ctx, job.JobID))
	return job.JobID
}

func TestBillingTenantBoundary(t *testing.T) {
	s := newTestServer(t)

	paths := []string{
		"/billing/usage/acme",
		"/billing/export/acme",
	}
	for _, path := range paths {
		t.Run(path, func(t *testing.T) {
			rec := doJSON(t, s, http.MethodGet, path, "rival", nil)
			assert.Equal(t, http.StatusForbidden, rec.Code)

			rec = doJSON(t, s, http.MethodGet, path, "", nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}

	t.Run("budget write is fenced too", func(t *testing.T) {
		rec := doJSON(t, s, http.MethodPost, "/billing/budget/acme", "rival",
			map[string]float64{"limitUSD": 10})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestBillingUsage(t *testing.T) {
	s := newTestServer(t)
	completeJobWithTokens(t, s, "acme", 1_000_000, 1_000_000)

	t.Run("no budget row means nil limit", func(t *testing.T) {
		rec := doJSON(t, s, http.MethodGet, "/billing/usage/acme", "acme", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var summary models.UsageSummary
		decodeJSON(t, rec, &summary)
		assert.Equal(t, "acme", summary.TenantID)
		// claude: $3/M input + $15/M output.
		assert.InDelta(t, 18.0, summary.TotalSpend, 1e-9)
		assert.Nil(t, summary.BudgetLimit)
		require.Len(t, summary.Rows, 1)
		assert.Equal(t, int64(1_000_000), summary.Rows[0].InputTokens)
	})

	t.Run("budget limit appears once set", func(t *testing.T) {
		rec := doJSON(t, s, http.MethodPost, "/billing/budget/acme", "acme",
			map[string]float64{"limitUSD": 100})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp BudgetResponse
		decodeJSON(t, rec, &resp)
		assert.Equal(t, "acme", resp.TenantID)
		assert.Equal(t, 100.0, resp.LimitUSD)

		rec = doJSON(t, s, http.MethodGet, "/billing/usage/acme", "acme", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var summary models.UsageSummary
		decodeJSON(t, rec, &summary)
		require.NotNil(t, summary.BudgetLimit)
		assert.Equal(t, 100.0, *summary.BudgetLimit)
	})
}

func TestBillingBudgetValidation(t *testing.T) {
	s := newTestServer(t)

	t.Run("missing limit returns 400", func(t *testing.T) {
		rec := doJSON(t, s, http.MethodPost, "/billing/budget/acme", "acme", map[string]string{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("negative limit returns 400", func(t *testing.T) {
		rec := doJSON(t, s, http.MethodPost, "/billing/budget/acme", "acme",
			map[string]float64{"limitUSD": -5})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("zero limit is allowed", func(t *testing.T) {
		rec := doJSON(t, s, http.MethodPost, "/billing/budget/acme", "acme",
			map[string]float64{"limitUSD": 0})
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestBillingExport(t *testing.T) {
	s := newTestServer(t)
	jobID := completeJobWithTokens(t, s, "acme", 500_000, 100_000)

	rec := doJSON(t, s, http.MethodGet, "/billing/export/acme", "acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "date,model,input_tokens,output_tokens,cost_usd,task_id", lines[0])

	fields := strings.Split(lines[1], ",")
	require.Len(t, fields, 6)
	assert.Equal(t, "claude", fields[1])
	assert.Equal(t, "500000", fields[2])
	assert.Equal(t, "100000", fields[3])
	// 0.5M * $3/M + 0.1M * $15/M = 1.5 + 1.5
	assert.Equal(t, "3.000000", fields[4])
	assert.Equal(t, jobID, fields[5])
}
