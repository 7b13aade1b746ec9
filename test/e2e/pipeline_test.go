package e2e

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibeworks/vibed/pkg/llm"
)

// ────────────────────────────────────────────────────────────
// Pipeline test — the whole system end to end: REST submission,
// queue claim, git worktree, scripted LLM, agent pipeline, WS
// fan-out, SSE log stream, and billing.
// ────────────────────────────────────────────────────────────

const bannerDiff = `diff --git a/src/banner.js b/src/banner.js
new file mode 100644
--- /dev/null
+++ b/src/banner.js
@@ -0,0 +1,3 @@
+export function banner() {
+  return 'hello from the banner';
+}
`

const uxAllPassed = `{"passed": ["responsive breakpoints", "empty states", "loading states", "consistent spacing"], "failed": []}`

func TestE2E_Pipeline(t *testing.T) {
	// LLM script: one diff, QA finds nothing, UX review passes everything.
	script := NewScriptedLLMClient()
	script.AddRouted(StageDiff, LLMScriptEntry{
		Text:  bannerDiff,
		Usage: llm.TokenUsage{PromptTokens: 1000, CompletionTokens: 400, TotalTokens: 1400},
	})
	script.AddRouted(StageQA, LLMScriptEntry{
		Text:  "NO_CHANGES",
		Usage: llm.TokenUsage{PromptTokens: 300, CompletionTokens: 5, TotalTokens: 305},
	})
	script.AddRouted(StageUXReview, LLMScriptEntry{
		Text:  uxAllPassed,
		Usage: llm.TokenUsage{PromptTokens: 200, CompletionTokens: 10, TotalTokens: 210},
	})

	app := NewTestApp(t, WithLLMClient(script))

	// Subscribe to the global jobs channel before anything is enqueued so
	// every live status broadcast lands in the collector.
	ctx := context.Background()
	ws, err := WSConnect(ctx, app.WSURL)
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()
	require.NoError(t, ws.Subscribe("jobs"))
	_, err = ws.WaitForEventType("subscription.confirmed", 5*time.Second)
	require.NoError(t, err)

	// Register a local-only project and enqueue a job against it.
	project := app.CreateProject(t, "acme", "banner-site", "")
	projectID, _ := project["id"].(string)
	require.NotEmpty(t, projectID)

	jobID := app.SubmitJob(t, "acme", projectID, "add a hello banner to the landing page")

	app.WaitForJobState(t, jobID, "completed")

	// REST view of the finished job.
	job := app.GetJob(t, "acme", jobID)
	assert.Equal(t, "completed", job["execution_state"])
	assert.Equal(t, 1, toInt(job["iteration_count"]))
	assert.Equal(t, 1500, toInt(job["prompt_tokens"]))
	assert.Equal(t, 415, toInt(job["completion_tokens"]))
	assert.Equal(t, 1915, toInt(job["total_tokens"]))
	assert.Equal(t, 1, toInt(job["files_changed_count"]))
	assert.Nil(t, job["pr_link"], "local-only projects never get a pull request")
	assert.NotNil(t, job["total_job_seconds"])

	// Diff, QA, and UX review — exactly one LLM call each.
	assert.Equal(t, 3, script.CallCount())

	// The applied change landed in the project worktree.
	content, err := os.ReadFile(filepath.Join(app.ReposDir, "acme", projectID, "src", "banner.js"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "hello from the banner")

	// Live WS broadcasts: the jobs channel saw the terminal transition with
	// the right identifiers.
	evt, err := ws.WaitForJobState("completed", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, jobID, evt.Parsed["job_id"])
	assert.Equal(t, projectID, evt.Parsed["project_id"])
	for _, e := range ws.EventsByType("job.status") {
		assert.Equal(t, jobID, e.Parsed["job_id"], "status event for an unexpected job")
	}

	// Late subscriber to the per-job channel: catchup replays the whole
	// stored trail, terminal line included.
	require.NoError(t, ws.Subscribe(jobChannel(jobID)))
	_, err = ws.WaitForEvent(func(e WSEvent) bool {
		msg, _ := e.Parsed["message"].(string)
		return e.Type == "job.log" && strings.Contains(msg, "state → completed")
	}, 10*time.Second)
	require.NoError(t, err)

	// SSE log stream: full replay then the terminal frame.
	frames := app.CollectLogs(t, "acme", jobID)
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, "complete", last.Type)
	assert.Equal(t, "completed", last.State)

	var sawTerminalLine bool
	for _, f := range frames[:len(frames)-1] {
		if strings.Contains(f.Message, "state → completed") {
			sawTerminalLine = true
			assert.Equal(t, "success", f.Severity)
		}
	}
	assert.True(t, sawTerminalLine, "replay should include the completed transition")

	// Billing reflects the scripted usage at claude rates.
	usage := app.Usage(t, "acme")
	assert.InDelta(t, 0.010725, usage["totalSpend"].(float64), 1e-9)
	rows, _ := usage["rows"].([]interface{})
	require.Len(t, rows, 1)
	row, _ := rows[0].(map[string]interface{})
	assert.Equal(t, "claude", row["model"])
	assert.Equal(t, 1500, toInt(row["input_tokens"]))
	assert.Equal(t, 415, toInt(row["output_tokens"]))
	assert.Nil(t, usage["budgetLimit"])

	// CSV export carries the job's line.
	csvBody := app.ExportCSV(t, "acme")
	assert.Contains(t, csvBody, jobID)
	assert.Contains(t, csvBody, "claude")
}

func TestE2E_JobVisibleWhileQueuedAndListed(t *testing.T) {
	script := NewScriptedLLMClient()
	script.AddRouted(StageDiff, LLMScriptEntry{Text: "NO_CHANGES"})

	app := NewTestApp(t, WithLLMClient(script))

	project := app.CreateProject(t, "acme", "docs-site", "")
	projectID, _ := project["id"].(string)
	jobID := app.SubmitJob(t, "acme", projectID, "tidy the readme")

	// The job is visible immediately, whatever state it has reached.
	job := app.GetJob(t, "acme", jobID)
	assert.Equal(t, jobID, job["job_id"])
	assert.Equal(t, projectID, job["project_id"])

	app.WaitForJobState(t, jobID, "completed")

	// Listing and project-scoped listing both carry it.
	jobs := app.ListJobs(t, "acme", "state=completed")
	require.Len(t, jobs, 1)
	listed, _ := jobs[0].(map[string]interface{})
	assert.Equal(t, jobID, listed["job_id"])

	projectJobs := app.getJSONArray(t, "acme", "/projects/"+projectID+"/jobs", 200)
	require.Len(t, projectJobs, 1)
}

func TestE2E_TenantIsolation(t *testing.T) {
	script := NewScriptedLLMClient()
	script.AddRouted(StageDiff, LLMScriptEntry{Text: "NO_CHANGES"})

	app := NewTestApp(t, WithLLMClient(script))

	project := app.CreateProject(t, "acme", "private-site", "")
	projectID, _ := project["id"].(string)
	jobID := app.SubmitJob(t, "acme", projectID, "touch up the footer")
	app.WaitForJobState(t, jobID, "completed")

	// A different tenant cannot see the job, the project, or the logs.
	app.getJSON(t, "globex", "/jobs/"+jobID, 403)
	app.getJSON(t, "globex", "/projects/"+projectID, 403)

	resp := app.do(t, "globex", "GET", "/jobs/"+jobID+"/logs", nil)
	_ = resp.Body.Close()
	assert.Equal(t, 403, resp.StatusCode)

	// Billing endpoints refuse cross-tenant paths outright.
	app.getJSON(t, "globex", "/billing/usage/acme", 403)

	// And no identity at all is a 401.
	resp = app.do(t, "", "GET", "/jobs/"+jobID, nil)
	_ = resp.Body.Close()
	assert.Equal(t, 401, resp.StatusCode)
}
