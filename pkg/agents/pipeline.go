// Package agents runs the post-build agent pipeline after preflight
// passes: a debug agent that repairs failing builds, a QA agent that
// backfills tests for changed code, a UX agent that reviews and patches
// frontend concerns, and a security scanner. Only the security scanner
// can fail a job; everything else degrades to warnings.
package agents

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/vibeworks/vibed/pkg/diff"
	"github.com/vibeworks/vibed/pkg/gitexec"
	"github.com/vibeworks/vibed/pkg/llm"
	"github.com/vibeworks/vibed/pkg/models"
	"github.com/vibeworks/vibed/pkg/repocontext"
)

// diffSystemPrompt is the contract for agents that request code changes.
const diffSystemPrompt = "You are an automated code-change agent. Respond with a single unified diff " +
	"(git format, starting with 'diff --git') and nothing else: no commentary, no code fences. " +
	"If no change is needed, respond with exactly NO_CHANGES."

// Caller is the LLM surface the agents use.
type Caller interface {
	Generate(ctx context.Context, model models.LLMModel, req llm.Request) (*llm.Response, error)
}

// Progress receives human-readable agent progress lines destined for the
// job's event stream. Implementations must tolerate concurrent jobs.
type Progress func(message string)

// TokenSink records token usage from agent LLM calls against the job.
type TokenSink func(usage llm.TokenUsage)

// Job carries the engine-side details the agents need.
type Job struct {
	ID     string
	Prompt string
	Model  models.LLMModel
}

// Config holds the commands the agents run.
type Config struct {
	BuildCommand   string
	TestCommand    string
	CommandTimeout time.Duration
}

// Result is the pipeline outcome. Blocked means the security agent found
// critical issues and the job must fail.
type Result struct {
	Blocked  bool
	Reason   string
	Warnings []string
}

// Pipeline orchestrates the agents in fixed order.
type Pipeline struct {
	caller    Caller
	validator *diff.Validator
	contexts  *repocontext.Builder
	security  *SecurityAgent
	cfg       Config
	logger    *slog.Logger
}

// NewPipeline assembles the agent pipeline.
func NewPipeline(caller Caller, validator *diff.Validator, contexts *repocontext.Builder, cfg Config) *Pipeline {
	return &Pipeline{
		caller:    caller,
		validator: validator,
		contexts:  contexts,
		security:  NewSecurityAgent(),
		cfg:       cfg,
		logger:    slog.Default(),
	}
}

// Run executes debug, QA, UX and security agents against the job's
// worktree. The returned error covers pipeline-infrastructure failures
// only; agent-level failures are folded into Result.
func (p *Pipeline) Run(ctx context.Context, job Job, git *gitexec.Runner, progress Progress, sink TokenSink) (*Result, error) {
	if progress == nil {
		progress = func(string) {}
	}
	result := &Result{}

	p.runDebug(ctx, job, git, progress, sink, result)
	p.runQA(ctx, job, git, progress, sink, result)
	p.runUX(ctx, job, git, progress, sink, result)

	report, err := p.security.Scan(git.Dir())
	if err != nil {
		return nil, fmt.Errorf("security scan: %w", err)
	}
	progress(fmt.Sprintf("security scan: %d critical, %d warning findings", report.Critical, report.Warning))
	if report.Blocked {
		result.Blocked = true
		result.Reason = fmt.Sprintf("security scan found %d critical findings", report.Critical)
	}

	return result, nil
}

// warn records a non-fatal agent problem on the result and the stream.
func (p *Pipeline) warn(result *Result, progress Progress, agent, message string) {
	line := agent + ": " + message
	result.Warnings = append(result.Warnings, line)
	progress(line)
	p.logger.Warn("Agent warning", "agent", agent, "message", message)
}

// generate calls the LLM for an agent and records token usage.
func (p *Pipeline) generate(ctx context.Context, job Job, system, prompt string, sink TokenSink) (string, error) {
	resp, err := p.caller.Generate(ctx, job.Model, llm.Request{System: system, Prompt: prompt})
	if err != nil {
		return "", err
	}
	if sink != nil {
		sink(resp.Usage)
	}
	return resp.Text, nil
}

// applyValidated pushes raw LLM output through the diff validator, applies
// the surviving diff and commits it. Returns false with a nil error when
// the model answered NO_CHANGES.
func (p *Pipeline) applyValidated(ctx context.Context, git *gitexec.Runner, raw, agentPrompt, commitMessage string) (bool, error) {
	res := p.validator.Validate(raw, git.Dir(), agentPrompt)
	if !res.OK {
		return false, fmt.Errorf("diff rejected: %s", strings.Join(res.Errors, "; "))
	}
	if res.NoChanges {
		return false, nil
	}

	patch, err := os.CreateTemp("", "vibed-agent-*.patch")
	if err != nil {
		return false, fmt.Errorf("create patch file: %w", err)
	}
	patchPath := patch.Name()
	defer os.Remove(patchPath)

	if _, err := patch.WriteString(res.Diff); err != nil {
		patch.Close()
		return false, fmt.Errorf("write patch file: %w", err)
	}
	if err := patch.Close(); err != nil {
		return false, fmt.Errorf("close patch file: %w", err)
	}

	if err := git.ApplyCheck(ctx, patchPath); err != nil {
		return false, fmt.Errorf("patch does not apply: %w", err)
	}
	if _, err := git.Apply(ctx, patchPath); err != nil {
		return false, fmt.Errorf("apply patch: %w", err)
	}
	if _, err := git.CommitAll(ctx, commitMessage); err != nil {
		return false, fmt.Errorf("commit agent change: %w", err)
	}
	return true, nil
}

// truncate returns s cut to max characters.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
