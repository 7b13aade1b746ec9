package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ────────────────────────────────────────────────────────────
// HTTP Client Helpers
// ────────────────────────────────────────────────────────────

// CreateProject registers a project for the tenant and returns the parsed
// response. An empty remoteURL makes a local-only project: the engine
// initialises a fresh repository instead of cloning.
func (app *TestApp) CreateProject(t *testing.T, tenant, name, remoteURL string) map[string]interface{} {
	t.Helper()
	body := map[string]interface{}{"name": name}
	if remoteURL != "" {
		body["remote_url"] = remoteURL
	}
	return app.postJSON(t, tenant, "/projects", body, http.StatusCreated)
}

// SubmitJob enqueues a job against a project and returns the job ID.
func (app *TestApp) SubmitJob(t *testing.T, tenant, projectID, prompt string) string {
	t.Helper()
	resp := app.postJSON(t, tenant, "/jobs", map[string]interface{}{
		"prompt":     prompt,
		"project_id": projectID,
	}, http.StatusCreated)
	jobID, _ := resp["task_id"].(string)
	require.NotEmpty(t, jobID, "POST /jobs response carries no task_id")
	return jobID
}

// GetJob retrieves a job by ID.
func (app *TestApp) GetJob(t *testing.T, tenant, jobID string) map[string]interface{} {
	t.Helper()
	return app.getJSON(t, tenant, "/jobs/"+jobID, http.StatusOK)
}

// ListJobs calls GET /jobs with optional query params.
func (app *TestApp) ListJobs(t *testing.T, tenant, queryParams string) []interface{} {
	t.Helper()
	path := "/jobs"
	if queryParams != "" {
		path += "?" + queryParams
	}
	return app.getJSONArray(t, tenant, path, http.StatusOK)
}

// Usage calls GET /billing/usage/:tenantId.
func (app *TestApp) Usage(t *testing.T, tenant string) map[string]interface{} {
	t.Helper()
	return app.getJSON(t, tenant, "/billing/usage/"+tenant, http.StatusOK)
}

// SetBudget calls POST /billing/budget/:tenantId.
func (app *TestApp) SetBudget(t *testing.T, tenant string, limitUSD float64) map[string]interface{} {
	t.Helper()
	return app.postJSON(t, tenant, "/billing/budget/"+tenant,
		map[string]interface{}{"limitUSD": limitUSD}, http.StatusOK)
}

// ExportCSV calls GET /billing/export/:tenantId and returns the CSV body.
func (app *TestApp) ExportCSV(t *testing.T, tenant string) string {
	t.Helper()
	resp := app.do(t, tenant, http.MethodGet, "/billing/export/"+tenant, nil)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

// GetHealth calls GET /health. No tenant identity required.
func (app *TestApp) GetHealth(t *testing.T) map[string]interface{} {
	t.Helper()
	return app.getJSON(t, "", "/health", http.StatusOK)
}

func (app *TestApp) postJSON(t *testing.T, tenant, path string, body interface{}, expectedStatus int) map[string]interface{} {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, app.BaseURL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "POST %s: unexpected status", path)
	var result map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func (app *TestApp) getJSON(t *testing.T, tenant, path string, expectedStatus int) map[string]interface{} {
	t.Helper()
	resp := app.do(t, tenant, http.MethodGet, path, nil)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "GET %s: unexpected status", path)
	var result map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func (app *TestApp) getJSONArray(t *testing.T, tenant, path string, expectedStatus int) []interface{} {
	t.Helper()
	resp := app.do(t, tenant, http.MethodGet, path, nil)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "GET %s: unexpected status", path)
	var result []interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

// do issues a request with the tenant header and returns the raw response.
// Callers own the body.
func (app *TestApp) do(t *testing.T, tenant, method, path string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, app.BaseURL+path, body)
	require.NoError(t, err)
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// PostStatus issues a POST and returns only the status code, for endpoints
// where the test cares about rejection rather than the body.
func (app *TestApp) PostStatus(t *testing.T, tenant, path string, body interface{}) int {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, app.BaseURL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

// ────────────────────────────────────────────────────────────
// Polling Helpers
// ────────────────────────────────────────────────────────────

// WaitForJobState polls the store until the job reaches one of the
// expected states. Returns the state that matched.
func (app *TestApp) WaitForJobState(t *testing.T, jobID string, expected ...string) string {
	t.Helper()
	var actual string
	require.Eventually(t, func() bool {
		job, err := app.JobService.GetJobAny(context.Background(), jobID)
		if err != nil {
			return false
		}
		actual = string(job.ExecutionState)
		for _, exp := range expected {
			if actual == exp {
				return true
			}
		}
		return false
	}, 30*time.Second, 50*time.Millisecond,
		"job %s did not reach state %v (last: %s)", jobID, expected, actual)
	return actual
}

// ────────────────────────────────────────────────────────────
// SSE Log Stream Helpers
// ────────────────────────────────────────────────────────────

// LogFrame is one parsed SSE frame from GET /jobs/:id/logs.
type LogFrame struct {
	// Log frames
	Message  string `json:"message"`
	Severity string `json:"severity"`

	// Terminal frame
	Type  string `json:"type"`
	State string `json:"state"`
}

// CollectLogs reads the job's SSE log stream to completion and returns
// every frame. The server closes the stream after the terminal frame, so
// this returns promptly for terminal jobs.
func (app *TestApp) CollectLogs(t *testing.T, tenant, jobID string) []LogFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, app.BaseURL+"/jobs/"+jobID+"/logs", nil)
	require.NoError(t, err)
	req.Header.Set("X-Tenant-ID", tenant)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var frames []LogFrame
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame LogFrame
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame),
			"malformed SSE frame: %s", line)
		frames = append(frames, frame)
		if frame.Type == "complete" {
			break
		}
	}
	require.NoError(t, scanner.Err())
	return frames
}

// ────────────────────────────────────────────────────────────
// Misc
// ────────────────────────────────────────────────────────────

// toInt converts a JSON-decoded numeric value (typically float64) to int.
// Returns 0 if the value is nil or not a recognized numeric type.
func toInt(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case float32:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}

// jobChannel formats the per-job WebSocket channel name.
func jobChannel(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}
