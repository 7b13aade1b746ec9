package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vibeworks/vibed/pkg/agents"
	"github.com/vibeworks/vibed/pkg/diff"
	"github.com/vibeworks/vibed/pkg/forge"
	"github.com/vibeworks/vibed/pkg/llm"
	"github.com/vibeworks/vibed/pkg/metrics"
	"github.com/vibeworks/vibed/pkg/models"
	"github.com/vibeworks/vibed/pkg/preflight"
	"github.com/vibeworks/vibed/pkg/preview"
	"github.com/vibeworks/vibed/pkg/repocontext"
)

// ────────────────────────────────────────────────────────────
// Diff application
// ────────────────────────────────────────────────────────────

// applyDiff writes the validated diff to a scratch file outside the
// worktree, checks and applies it, and commits the result. Returns
// (false, nil) when the apply failed under the fatal threshold and the
// loop should try again.
func (e *Engine) applyDiff(ctx context.Context, run *jobRun, diffText string) (bool, error) {
	patch, err := os.CreateTemp("", "vibed-*.patch")
	if err != nil {
		return false, fmt.Errorf("creating patch scratch file: %w", err)
	}
	patchPath := patch.Name()
	defer os.Remove(patchPath)

	if _, err := patch.WriteString(diffText); err != nil {
		patch.Close()
		return false, fmt.Errorf("writing patch scratch file: %w", err)
	}
	if err := patch.Close(); err != nil {
		return false, fmt.Errorf("closing patch scratch file: %w", err)
	}

	if err := run.git.ApplyCheck(ctx, patchPath); err != nil {
		return false, e.handleApplyFailure(ctx, run, diffText, err)
	}
	if _, err := run.git.Apply(ctx, patchPath); err != nil {
		return false, e.handleApplyFailure(ctx, run, diffText, err)
	}

	files := diff.ParseFileBlocks(diffText)
	if err := e.jobs.SetLastDiff(ctx, run.job.JobID, diffText, int64(len(files))); err != nil {
		e.logger.Warn("Failed to persist applied diff", "job_id", run.job.JobID, "error", err)
	}
	e.persistPatch(run, diffText, "applied")

	sha, err := run.git.CommitAll(ctx, commitMessage(run.iteration, run.job.Prompt))
	if err != nil {
		return false, fmt.Errorf("committing iteration %d: %w", run.iteration, err)
	}

	run.clearApplyState()
	e.info(ctx, run, fmt.Sprintf("iteration %d applied: %d file(s), commit %s", run.iteration, len(files), shortSHA(sha)))
	return true, nil
}

// handleApplyFailure tracks consecutive apply failures, escalating to
// fallback mode at fallbackThreshold and failing the job at maxApplyFails.
// A nil return means the loop should continue with feedback set.
func (e *Engine) handleApplyFailure(ctx context.Context, run *jobRun, diffText string, applyErr error) error {
	run.applyFails++
	stderr := applyErr.Error()

	e.persistPatch(run, diffText, "rejected")
	e.warn(ctx, run, fmt.Sprintf("patch failed to apply (%d consecutive): %s", run.applyFails, truncateText(stderr, 400)))

	if run.applyFails >= maxApplyFails {
		return fmt.Errorf("patch failed to apply %d consecutive times: %s", run.applyFails, firstLine(stderr))
	}
	if run.applyFails >= fallbackThreshold && !run.fallbackActive {
		run.fallbackActive = true
		run.fallbackFiles = diff.ParseFailedFiles(stderr)
		e.warn(ctx, run, "entering fallback mode: requesting full-file replacements")
	}
	run.feedback = "git apply rejected your previous diff:\n" + stderr
	return nil
}

// persistPatch archives the patch under PatchesDir for postmortems.
func (e *Engine) persistPatch(run *jobRun, diffText, kind string) {
	if e.cfg.Dirs.PatchesDir == "" {
		return
	}
	if err := os.MkdirAll(e.cfg.Dirs.PatchesDir, 0o755); err != nil {
		e.logger.Warn("Failed to create patches dir", "dir", e.cfg.Dirs.PatchesDir, "error", err)
		return
	}
	name := fmt.Sprintf("%s-iter%d-%s.patch", run.job.JobID, run.iteration, kind)
	if err := os.WriteFile(filepath.Join(e.cfg.Dirs.PatchesDir, name), []byte(diffText), 0o644); err != nil {
		e.logger.Warn("Failed to archive patch", "job_id", run.job.JobID, "error", err)
	}
}

// ────────────────────────────────────────────────────────────
// Prompt construction
// ────────────────────────────────────────────────────────────

// buildPrompt assembles the user message: task, pending failure feedback,
// the fallback directive when active, then the repository context.
func buildPrompt(run *jobRun, bundle *repocontext.Bundle) string {
	var b strings.Builder
	b.WriteString("Task:\n")
	b.WriteString(run.job.Prompt)
	b.WriteString("\n")

	if run.feedback != "" {
		b.WriteString("\nThe previous attempt failed. ")
		b.WriteString(run.feedback)
		b.WriteString("\n")
	}
	if run.fallbackActive {
		b.WriteString("\n")
		b.WriteString(fallbackDirective(run.fallbackFiles))
		b.WriteString("\n")
	}

	b.WriteString("\nRepository context:\n")
	b.WriteString(bundle.Content)
	return b.String()
}

// fallbackDirective asks for full-file replacement hunks, scoped to the
// files that failed to apply when git reported them.
func fallbackDirective(files []string) string {
	if len(files) == 0 {
		return "FALLBACK MODE: your diffs are not applying cleanly. Respond with a unified diff that " +
			"replaces every file you touch in full: delete all existing lines and add the complete new content."
	}
	return fmt.Sprintf("FALLBACK MODE: your diffs are not applying cleanly to: %s. Respond with a unified diff "+
		"that replaces each of these files in full: delete all existing lines and add the complete new content.",
		strings.Join(files, ", "))
}

func contextSummary(bundle *repocontext.Bundle) string {
	msg := fmt.Sprintf("context bundle: %d file(s), %d chars", len(bundle.Files), len(bundle.Content))
	if bundle.Truncated {
		msg += " (truncated)"
	}
	return msg
}

func commitMessage(iteration int, prompt string) string {
	return fmt.Sprintf("VIBE iteration %d: %s", iteration, excerpt(prompt, commitSubjectLen))
}

// ────────────────────────────────────────────────────────────
// Publishing
// ────────────────────────────────────────────────────────────

// publish pushes the destination branch, opens a pull request when a
// forge client is configured and the remote names one, and drops the
// checkpoint tag. Local-only projects get the tag alone. Push and PR
// errors are fatal: the work exists but never surfaced, which the caller
// turns into a failed job.
func (e *Engine) publish(ctx context.Context, run *jobRun) error {
	job := run.job
	tag := "vibe/job-" + job.JobID

	if run.remote == "" {
		if err := run.git.Tag(ctx, tag); err != nil {
			return fmt.Errorf("tagging checkpoint: %w", err)
		}
		e.info(ctx, run, fmt.Sprintf("local project: changes on %s, checkpoint %s", job.DestinationBranch, tag))
		return nil
	}

	e.info(ctx, run, "pushing "+job.DestinationBranch)
	if err := run.git.PushBranch(ctx, run.remote, job.DestinationBranch, e.cfg.Forge.Token); err != nil {
		return fmt.Errorf("pushing %s: %w", job.DestinationBranch, err)
	}

	if e.forge != nil {
		ref, err := forge.ParseRepoURL(run.remote)
		if err != nil {
			e.warn(ctx, run, "remote does not name a forge repository, skipping pull request: "+err.Error())
		} else {
			pr, err := e.forge.CreatePullRequest(ctx, ref, forge.PullRequestParams{
				Title: "VIBE: " + excerpt(job.Prompt, prTitleLen),
				Head:  job.DestinationBranch,
				Base:  job.SourceBranch,
				Body:  prBody(run),
			})
			if err != nil {
				return fmt.Errorf("creating pull request: %w", err)
			}
			if err := e.jobs.SetPRLink(ctx, job.JobID, pr.HTMLURL); err != nil {
				e.logger.Warn("Failed to persist PR link", "job_id", job.JobID, "error", err)
			}
			job.PRLink = pr.HTMLURL
			e.info(ctx, run, "pull request created: "+pr.HTMLURL)
		}
	}

	if err := run.git.Tag(ctx, tag); err != nil {
		return fmt.Errorf("tagging checkpoint: %w", err)
	}
	return nil
}

func prBody(run *jobRun) string {
	return fmt.Sprintf("Automated change generated for job %s.\n\nPrompt:\n%s\n\nIterations: %d\nModel: %s\n",
		run.job.JobID, run.job.Prompt, run.iteration, run.job.LLMModel)
}

// buildPreview is best-effort: a missing output directory on a repo with
// no build command is not worth an event, anything else gets a warning.
func (e *Engine) buildPreview(ctx context.Context, run *jobRun) {
	if e.cfg.Dirs.PreviewsDir == "" {
		return
	}
	if _, ok := preview.FindOutputDir(run.git.Dir()); !ok && strings.TrimSpace(e.cfg.Preflight.BuildCommand) == "" {
		return
	}

	url, err := e.preview.Build(ctx, run.git.Dir(), run.job.JobID, func(line string) {
		e.logger.Debug("preview output", "job_id", run.job.JobID, "line", line)
	})
	if err != nil {
		e.warn(ctx, run, "preview build failed: "+err.Error())
		return
	}
	if err := e.jobs.SetPreviewURL(ctx, run.job.JobID, url); err != nil {
		e.logger.Warn("Failed to persist preview URL", "job_id", run.job.JobID, "error", err)
	}
	run.job.PreviewURL = url
	e.info(ctx, run, "preview available at "+url)
}

// ────────────────────────────────────────────────────────────
// Terminal states
// ────────────────────────────────────────────────────────────

// fail marks the job failed. Store writes use a background context so a
// cancelled job context cannot lose the terminal state.
func (e *Engine) fail(run *jobRun, cause error) *ExecutionResult {
	ctx := context.Background()
	job := run.job
	reason := cause.Error()

	if err := e.jobs.MarkFailed(ctx, job.JobID, reason); err != nil {
		e.logger.Error("Failed to mark job failed", "job_id", job.JobID, "error", err)
	}
	job.ExecutionState = models.StateFailed
	job.FailureReason = reason
	e.writeTimings(ctx, run)

	metrics.JobsTotal.WithLabelValues(string(models.StateFailed)).Inc()
	metrics.JobIterations.Observe(float64(run.iteration))

	e.publisher.JobStatus(ctx, job, reason)
	e.logger.Error("Engine: job failed", "job_id", job.JobID, "iterations", run.iteration, "error", cause)
	return &ExecutionResult{State: models.StateFailed, Err: cause}
}

func (e *Engine) complete(run *jobRun) *ExecutionResult {
	ctx := context.Background()
	job := run.job

	if err := e.jobs.MarkCompleted(ctx, job.JobID); err != nil {
		e.logger.Error("Failed to mark job completed", "job_id", job.JobID, "error", err)
	}
	job.ExecutionState = models.StateCompleted
	e.writeTimings(ctx, run)

	metrics.JobsTotal.WithLabelValues(string(models.StateCompleted)).Inc()
	metrics.JobIterations.Observe(float64(run.iteration))

	detail := fmt.Sprintf("finished in %d iteration(s)", run.iteration)
	if job.PRLink != "" {
		detail += ", " + job.PRLink
	}
	e.publisher.JobStatus(ctx, job, detail)
	e.logger.Info("Engine: job completed", "job_id", job.JobID, "iterations", run.iteration, "pr_link", job.PRLink)
	return &ExecutionResult{State: models.StateCompleted}
}

func (e *Engine) writeTimings(ctx context.Context, run *jobRun) {
	total := time.Since(run.started).Seconds()
	if err := e.jobs.SetTimings(ctx, run.job.JobID, run.preflightSeconds, total); err != nil {
		e.logger.Warn("Failed to record job timings", "job_id", run.job.JobID, "error", err)
	}
}

// ────────────────────────────────────────────────────────────
// State, events, usage
// ────────────────────────────────────────────────────────────

// transition persists a state change, mirrors it on the in-memory job,
// and publishes the transition to the job's event stream.
func (e *Engine) transition(ctx context.Context, run *jobRun, state models.ExecutionState, detail string) {
	if err := e.jobs.UpdateState(ctx, run.job.JobID, state); err != nil {
		e.logger.Warn("Failed to persist state transition", "job_id", run.job.JobID, "state", state, "error", err)
	}
	run.job.ExecutionState = state
	metrics.JobsTotal.WithLabelValues(string(state)).Inc()
	e.publisher.JobStatus(ctx, run.job, detail)
}

func (e *Engine) info(ctx context.Context, run *jobRun, message string) {
	e.publisher.JobLog(ctx, run.job.JobID, message, models.SeverityInfo)
}

func (e *Engine) warn(ctx context.Context, run *jobRun, message string) {
	e.publisher.JobLog(ctx, run.job.JobID, message, models.SeverityWarning)
}

// recordUsage accumulates token counts on the job row for billing.
func (e *Engine) recordUsage(ctx context.Context, run *jobRun, usage llm.TokenUsage) {
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		return
	}
	if err := e.jobs.AddTokenUsage(ctx, run.job.JobID, usage.PromptTokens, usage.CompletionTokens); err != nil {
		e.logger.Warn("Failed to record token usage", "job_id", run.job.JobID, "error", err)
	}
}

// preflightProgress sends raw stage output to the debug log; the event
// stream gets per-stage summaries only.
func (e *Engine) preflightProgress(run *jobRun) preflight.ProgressFunc {
	return func(stage, line string) {
		e.logger.Debug("preflight output", "job_id", run.job.JobID, "stage", stage, "line", line)
	}
}

func (e *Engine) agentProgress(ctx context.Context, run *jobRun) agents.Progress {
	return func(message string) {
		e.info(ctx, run, message)
	}
}

// agentTokenSink bills agent LLM calls against the job. Usage already
// consumed is recorded on a background context so cancellation cannot
// drop it.
func (e *Engine) agentTokenSink(run *jobRun) agents.TokenSink {
	return func(usage llm.TokenUsage) {
		e.recordUsage(context.Background(), run, usage)
	}
}

// ────────────────────────────────────────────────────────────
// Text helpers
// ────────────────────────────────────────────────────────────

// excerpt collapses whitespace runs and cuts the result to at most n
// runes. Used for commit subjects and PR titles.
func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// truncateText cuts s to at most n runes, marking the cut.
func truncateText(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "... (truncated)"
}

// tailText keeps the last n runes of s, which for command output is the
// end that names the failure.
func tailText(s string, n int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return "... " + string(runes[len(runes)-n:])
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
