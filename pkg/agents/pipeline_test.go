package agents

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibeworks/vibed/pkg/diff"
	"github.com/vibeworks/vibed/pkg/gitexec"
	"github.com/vibeworks/vibed/pkg/llm"
	"github.com/vibeworks/vibed/pkg/models"
	"github.com/vibeworks/vibed/pkg/repocontext"
)

// scriptedCaller replays canned LLM responses in order, then NO_CHANGES.
type scriptedCaller struct {
	responses []string
	requests  []llm.Request
}

func (s *scriptedCaller) Generate(_ context.Context, _ models.LLMModel, req llm.Request) (*llm.Response, error) {
	s.requests = append(s.requests, req)
	text := "NO_CHANGES"
	if len(s.responses) > 0 {
		text = s.responses[0]
		s.responses = s.responses[1:]
	}
	return &llm.Response{
		Text:  text,
		Usage: llm.TokenUsage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	}, nil
}

func newTestRepo(t *testing.T) *gitexec.Runner {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := gitexec.NewRunner(t.TempDir(), gitexec.Identity{Name: "vibed", Email: "vibed@test.local"}, time.Minute)
	require.NoError(t, r.Init(context.Background(), "main"))
	return r
}

func commitFile(t *testing.T, r *gitexec.Runner, path, content, message string) {
	t.Helper()
	full := filepath.Join(r.Dir(), path)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	_, err := r.CommitAll(context.Background(), message)
	require.NoError(t, err)
}

func newTestPipeline(caller Caller, cfg Config) *Pipeline {
	return NewPipeline(caller, diff.NewValidator(5000), repocontext.NewBuilder(50000), cfg)
}

func TestDebugAgentRepairsBuild(t *testing.T) {
	r := newTestRepo(t)

	fixDiff := `diff --git a/fixed.txt b/fixed.txt
new file mode 100644
index 0000000..190a180
--- /dev/null
+++ b/fixed.txt
@@ -0,0 +1 @@
+fixed
`
	caller := &scriptedCaller{responses: []string{fixDiff}}
	p := newTestPipeline(caller, Config{
		BuildCommand:   "test -f fixed.txt",
		CommandTimeout: time.Minute,
	})

	var progress []string
	result := &Result{}
	p.runDebug(context.Background(), Job{ID: "j1", Prompt: "make it build", Model: models.ModelClaude},
		r, func(m string) { progress = append(progress, m) }, nil, result)

	assert.Empty(t, result.Warnings)
	assert.Contains(t, progress, "debug agent: build repaired on attempt 1")
	assert.FileExists(t, filepath.Join(r.Dir(), "fixed.txt"))
}

func TestDebugAgentSkipsHealthyBuild(t *testing.T) {
	r := newTestRepo(t)

	caller := &scriptedCaller{}
	p := newTestPipeline(caller, Config{BuildCommand: "true", CommandTimeout: time.Minute})

	result := &Result{}
	p.runDebug(context.Background(), Job{Prompt: "x", Model: models.ModelClaude}, r, func(string) {}, nil, result)

	assert.Empty(t, caller.requests, "healthy build must not consume LLM calls")
	assert.Empty(t, result.Warnings)
}

func TestDebugAgentGivesUpAfterTwoAttempts(t *testing.T) {
	r := newTestRepo(t)

	// Both responses decline to change anything, so the build stays broken.
	caller := &scriptedCaller{responses: []string{"NO_CHANGES", "NO_CHANGES"}}
	p := newTestPipeline(caller, Config{BuildCommand: "false", CommandTimeout: time.Minute})

	var progress []string
	result := &Result{}
	p.runDebug(context.Background(), Job{Prompt: "x", Model: models.ModelClaude},
		r, func(m string) { progress = append(progress, m) }, nil, result)

	assert.Len(t, caller.requests, 2)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[len(result.Warnings)-1], "still failing after 2 attempts")
}

func TestQAAgentAddsTests(t *testing.T) {
	r := newTestRepo(t)
	commitFile(t, r, "app.js", "const dashboard = {};\nmodule.exports = dashboard;\n", "add app")

	testDiff := `diff --git a/app.test.js b/app.test.js
new file mode 100644
index 0000000..e69de29
--- /dev/null
+++ b/app.test.js
@@ -0,0 +1,3 @@
+const assert = require('assert');
+const dashboard = require('./app');
+assert.ok(dashboard);
`
	caller := &scriptedCaller{responses: []string{testDiff}}
	p := newTestPipeline(caller, Config{
		TestCommand:    "test -f app.test.js",
		CommandTimeout: time.Minute,
	})

	var progress []string
	var usage []llm.TokenUsage
	result := &Result{}
	p.runQA(context.Background(), Job{Prompt: "improve dashboard", Model: models.ModelClaude},
		r, func(m string) { progress = append(progress, m) },
		func(u llm.TokenUsage) { usage = append(usage, u) }, result)

	assert.Empty(t, result.Warnings)
	assert.Contains(t, progress, "qa agent: tests added")
	assert.Contains(t, progress, "qa agent: generated tests pass")
	assert.FileExists(t, filepath.Join(r.Dir(), "app.test.js"))
	require.Len(t, usage, 1)
	assert.Equal(t, int64(150), usage[0].TotalTokens)

	require.NotEmpty(t, caller.requests)
	assert.Contains(t, caller.requests[0].Prompt, "app.js")
	assert.Contains(t, caller.requests[0].System, "built-in test runner")
}

func TestQAAgentFailingTestsAreWarnings(t *testing.T) {
	r := newTestRepo(t)
	commitFile(t, r, "app.js", "const dashboard = {};\nmodule.exports = dashboard;\n", "add app")

	testDiff := `diff --git a/app.test.js b/app.test.js
new file mode 100644
index 0000000..e69de29
--- /dev/null
+++ b/app.test.js
@@ -0,0 +1 @@
+broken
`
	caller := &scriptedCaller{responses: []string{testDiff}}
	p := newTestPipeline(caller, Config{
		TestCommand:    "false",
		CommandTimeout: time.Minute,
	})

	result := &Result{}
	p.runQA(context.Background(), Job{Prompt: "improve dashboard", Model: models.ModelClaude},
		r, func(string) {}, nil, result)

	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "generated tests fail")
}

func TestQAAgentSkipsTestOnlyChanges(t *testing.T) {
	r := newTestRepo(t)
	commitFile(t, r, "app.test.js", "test stub\n", "add test only")

	caller := &scriptedCaller{}
	p := newTestPipeline(caller, Config{CommandTimeout: time.Minute})

	var progress []string
	result := &Result{}
	p.runQA(context.Background(), Job{Prompt: "x", Model: models.ModelClaude},
		r, func(m string) { progress = append(progress, m) }, nil, result)

	assert.Empty(t, caller.requests)
	assert.Contains(t, progress, "qa agent: no source changes to cover")
}

func TestUXAgentFixesFailedChecks(t *testing.T) {
	r := newTestRepo(t)
	commitFile(t, r, "app.js", "const dashboard = {};\nmodule.exports = dashboard;\n", "add app")

	review := `{"passed": ["responsive breakpoints", "loading states", "consistent spacing"], "failed": ["empty states"]}`
	fixDiff := `diff --git a/app.js b/app.js
index 1111111..2222222 100644
--- a/app.js
+++ b/app.js
@@ -1,2 +1,3 @@
 const dashboard = {};
+dashboard.emptyState = "No data yet";
 module.exports = dashboard;
`
	caller := &scriptedCaller{responses: []string{review, fixDiff}}
	p := newTestPipeline(caller, Config{CommandTimeout: time.Minute})

	var progress []string
	result := &Result{}
	p.runUX(context.Background(), Job{Prompt: "polish dashboard states", Model: models.ModelClaude},
		r, func(m string) { progress = append(progress, m) }, nil, result)

	assert.Empty(t, result.Warnings)
	assert.Contains(t, progress, "ux review: 3 passed, 1 failed")
	assert.Contains(t, progress, `ux agent: fixed "empty states"`)

	data, err := os.ReadFile(filepath.Join(r.Dir(), "app.js"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "emptyState")
}

func TestUXAgentUnparseableReviewIsWarning(t *testing.T) {
	r := newTestRepo(t)
	commitFile(t, r, "app.js", "const dashboard = {};\n", "add app")

	caller := &scriptedCaller{responses: []string{"I could not review this."}}
	p := newTestPipeline(caller, Config{CommandTimeout: time.Minute})

	result := &Result{}
	p.runUX(context.Background(), Job{Prompt: "polish dashboard", Model: models.ModelClaude},
		r, func(string) {}, nil, result)

	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "unparseable review")
}

func TestRunBlocksOnCriticalSecurityFindings(t *testing.T) {
	r := newTestRepo(t)
	commitFile(t, r, "config.js", `const apiKey = "sk_live_abcdef1234567890abcd";`+"\n", "add config")

	caller := &scriptedCaller{}
	p := newTestPipeline(caller, Config{CommandTimeout: time.Minute})

	result, err := p.Run(context.Background(), Job{ID: "j1", Prompt: "zzzz", Model: models.ModelClaude},
		r, nil, nil)
	require.NoError(t, err)

	assert.True(t, result.Blocked)
	assert.Contains(t, result.Reason, "critical")
}

func TestRunCleanTreeNotBlocked(t *testing.T) {
	r := newTestRepo(t)
	commitFile(t, r, "app.js", "const dashboard = {};\n", "add app")

	caller := &scriptedCaller{}
	p := newTestPipeline(caller, Config{CommandTimeout: time.Minute})

	var progress []string
	result, err := p.Run(context.Background(), Job{ID: "j1", Prompt: "zzzz", Model: models.ModelClaude},
		r, func(m string) { progress = append(progress, m) }, nil)
	require.NoError(t, err)

	assert.False(t, result.Blocked)
	assert.Contains(t, progress, "security scan: 0 critical, 0 warning findings")
}

func TestParseUXReportToleratesFences(t *testing.T) {
	raw := "```json\n{\"passed\": [\"a\"], \"failed\": [\"b\"]}\n```"
	report, err := parseUXReport(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, report.Passed)
	assert.Equal(t, []string{"b"}, report.Failed)
}
