package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vibeworks/vibed/pkg/agents"
	"github.com/vibeworks/vibed/pkg/config"
	"github.com/vibeworks/vibed/pkg/diff"
	"github.com/vibeworks/vibed/pkg/events"
	"github.com/vibeworks/vibed/pkg/forge"
	"github.com/vibeworks/vibed/pkg/gitexec"
	"github.com/vibeworks/vibed/pkg/llm"
	"github.com/vibeworks/vibed/pkg/models"
	"github.com/vibeworks/vibed/pkg/preflight"
	"github.com/vibeworks/vibed/pkg/preview"
	"github.com/vibeworks/vibed/pkg/repocontext"
	"github.com/vibeworks/vibed/pkg/services"
)

// diffSystemPrompt is the contract for the main change-generation calls.
const diffSystemPrompt = "You are an automated code-change engine. Respond with a single unified diff " +
	"(git format, starting with 'diff --git', a/ and b/ path prefixes) that implements the requested " +
	"change, and nothing else: no commentary, no code fences. " +
	"If the request requires no change, respond with exactly NO_CHANGES."

// Failure thresholds for the iteration loop.
const (
	// maxDiffRejects terminates the job after this many consecutive
	// validator rejections.
	maxDiffRejects = 3

	// maxApplyFails terminates the job after this many consecutive
	// patch-application failures.
	maxApplyFails = 3

	// fallbackThreshold enters fallback mode (full-file replacement
	// directive) after this many consecutive apply failures.
	fallbackThreshold = 2
)

// commitSubjectLen bounds the prompt excerpt in iteration commit messages.
const commitSubjectLen = 50

// prTitleLen bounds the prompt excerpt in pull request titles.
const prTitleLen = 72

// LLMCaller is the completion surface the engine drives. Implemented by
// llm.Client.
type LLMCaller interface {
	Generate(ctx context.Context, model models.LLMModel, req llm.Request) (*llm.Response, error)
}

// ForgeClient opens pull requests. Implemented by forge.Client; nil
// disables PR creation (jobs still push and tag).
type ForgeClient interface {
	CreatePullRequest(ctx context.Context, ref forge.RepoRef, params forge.PullRequestParams) (*forge.PullRequest, error)
}

// Engine executes one claimed job end to end: worktree preparation, the
// bounded iteration loop (context → LLM → validate → apply → preflight),
// the post-build agent pipeline, preview generation, and publishing.
type Engine struct {
	cfg       *config.Config
	jobs      *services.JobService
	projects  *services.ProjectService
	publisher *events.Publisher
	llm       LLMCaller
	forge     ForgeClient
	validator *diff.Validator
	contexts  *repocontext.Builder
	preflight *preflight.Runner
	agents    *agents.Pipeline
	preview   *preview.Builder
	logger    *slog.Logger
}

// NewEngine assembles a job engine. forgeClient may be nil (no PR
// creation; pushes and checkpoint tags still happen).
func NewEngine(cfg *config.Config, jobs *services.JobService, projects *services.ProjectService, publisher *events.Publisher, caller LLMCaller, forgeClient ForgeClient) *Engine {
	validator := diff.NewValidator(cfg.Engine.MaxDiffSize)
	contexts := repocontext.NewBuilder(cfg.Engine.MaxContextSize)

	return &Engine{
		cfg:       cfg,
		jobs:      jobs,
		projects:  projects,
		publisher: publisher,
		llm:       caller,
		forge:     forgeClient,
		validator: validator,
		contexts:  contexts,
		preflight: preflight.NewRunner(cfg.Preflight.StageTimeout),
		agents: agents.NewPipeline(caller, validator, contexts, agents.Config{
			BuildCommand:   cfg.Preflight.BuildCommand,
			TestCommand:    cfg.Preflight.TestCommand,
			CommandTimeout: cfg.Preflight.StageTimeout,
		}),
		preview: preview.NewBuilder(cfg.Dirs.PreviewsDir, cfg.Preflight.BuildCommand, cfg.Preflight.StageTimeout),
		logger:  slog.Default(),
	}
}

// jobRun carries the mutable per-job execution state.
type jobRun struct {
	job     *models.Job
	git     *gitexec.Runner
	remote  string // resolved push URL; "" means local-only
	started time.Time

	iteration   int
	diffRejects int // consecutive validator rejections
	applyFails  int // consecutive apply failures

	// feedback is the pending failure text injected into the next prompt:
	// git-apply stderr, validator errors, or preflight output.
	feedback string

	// fallbackActive directs full-file replacement; fallbackFiles scopes
	// it (empty means global).
	fallbackActive bool
	fallbackFiles  []string

	preflightSeconds float64
}

// clearApplyState resets the failure counters and fallback directive
// after a successful apply.
func (run *jobRun) clearApplyState() {
	run.diffRejects = 0
	run.applyFails = 0
	run.fallbackActive = false
	run.fallbackFiles = nil
	run.feedback = ""
}

// ────────────────────────────────────────────────────────────
// Execute — main entry point
// ────────────────────────────────────────────────────────────

// Execute runs job to a terminal state. All terminal store writes use a
// background context so cancellation cannot lose the final state.
func (e *Engine) Execute(ctx context.Context, job *models.Job) *ExecutionResult {
	run := &jobRun{job: job, started: time.Now()}

	logger := e.logger.With("job_id", job.JobID, "tenant_id", job.TenantID)
	logger.Info("Engine: starting job",
		"model", job.LLMModel,
		"project_id", job.ProjectID,
		"source_branch", job.SourceBranch,
		"destination_branch", job.DestinationBranch,
	)

	if err := e.prepareWorktree(ctx, run); err != nil {
		return e.fail(run, fmt.Errorf("preparing worktree: %w", err))
	}

	return e.iterate(ctx, run)
}

// prepareWorktree resolves the working directory (project cache or
// ephemeral clone), clones or initialises it when fresh, and sets up the
// source and destination branches.
func (e *Engine) prepareWorktree(ctx context.Context, run *jobRun) error {
	job := run.job
	identity := gitexec.Identity{Name: e.cfg.Git.AuthorName, Email: e.cfg.Git.AuthorEmail}

	if job.ProjectID != "" {
		project, err := e.projects.GetProjectAny(ctx, job.ProjectID)
		if err != nil {
			return fmt.Errorf("resolving project %s: %w", job.ProjectID, err)
		}

		dir := filepath.Join(e.cfg.Dirs.ReposBaseDir, job.TenantID, project.ID)
		run.git = gitexec.NewRunner(dir, identity, e.cfg.Git.RemoteTimeout)
		run.remote = project.RemoteURL

		// The cloning state is entered only for fresh caches; warm ones
		// go straight to context building.
		if !run.git.IsRepo() {
			e.transition(ctx, run, models.StateCloning, project.RemoteURL)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating project cache dir: %w", err)
			}
			if project.RemoteURL != "" {
				e.info(ctx, run, "cloning "+project.RemoteURL)
				if err := run.git.Clone(ctx, project.RemoteURL, e.cfg.Forge.Token); err != nil {
					return err
				}
			} else {
				e.info(ctx, run, "initialising empty project workspace")
				if err := run.git.Init(ctx, job.SourceBranch); err != nil {
					return err
				}
			}
		}
	} else {
		// Legacy repository-URL job: ephemeral per-job clone.
		e.transition(ctx, run, models.StateCloning, job.RepositoryURL)
		dir := filepath.Join(e.cfg.Dirs.JobsDir, job.JobID)
		run.git = gitexec.NewRunner(dir, identity, e.cfg.Git.RemoteTimeout)
		run.remote = job.RepositoryURL

		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return fmt.Errorf("creating job work dir: %w", err)
		}
		e.info(ctx, run, "cloning "+job.RepositoryURL)
		if err := run.git.Clone(ctx, job.RepositoryURL, e.cfg.Forge.Token); err != nil {
			return err
		}
	}

	return e.setupBranches(ctx, run)
}

// setupBranches checks out the source branch and creates the destination
// branch from it when absent.
func (e *Engine) setupBranches(ctx context.Context, run *jobRun) error {
	git, job := run.git, run.job

	current, err := git.CurrentBranch(ctx)
	if err != nil {
		return fmt.Errorf("resolving current branch: %w", err)
	}
	if job.SourceBranch != "" && current != job.SourceBranch {
		if err := git.Checkout(ctx, job.SourceBranch); err != nil {
			return fmt.Errorf("checking out source branch %q: %w", job.SourceBranch, err)
		}
	}

	if git.BranchExists(ctx, job.DestinationBranch) {
		if err := git.Checkout(ctx, job.DestinationBranch); err != nil {
			return fmt.Errorf("checking out destination branch %q: %w", job.DestinationBranch, err)
		}
		return nil
	}
	if err := git.CheckoutNew(ctx, job.DestinationBranch, job.SourceBranch); err != nil {
		return fmt.Errorf("creating destination branch %q: %w", job.DestinationBranch, err)
	}
	return nil
}

// ────────────────────────────────────────────────────────────
// iterate — the bounded LLM → apply → preflight loop
// ────────────────────────────────────────────────────────────

func (e *Engine) iterate(ctx context.Context, run *jobRun) *ExecutionResult {
	job := run.job

	for i := 1; i <= e.cfg.Engine.MaxIterations; i++ {
		run.iteration = i
		if err := e.jobs.SetIteration(ctx, job.JobID, i); err != nil {
			e.logger.Warn("Failed to record iteration", "job_id", job.JobID, "error", err)
		}

		// a. Every iteration starts from a clean tree at HEAD.
		if err := run.git.ResetClean(ctx); err != nil {
			return e.fail(run, fmt.Errorf("resetting worktree: %w", err))
		}

		// b. Context bundle.
		e.transition(ctx, run, models.StateBuildingContext, "")
		bundle, err := e.contexts.Build(ctx, run.git.Dir(), job.Prompt)
		if err != nil {
			return e.fail(run, fmt.Errorf("building context: %w", err))
		}
		e.info(ctx, run, contextSummary(bundle))

		// c. Request a diff, carrying pending feedback and any fallback
		// directive.
		e.transition(ctx, run, models.StateCallingLLM, string(job.LLMModel))
		resp, err := e.llm.Generate(ctx, job.LLMModel, llm.Request{
			System: diffSystemPrompt,
			Prompt: buildPrompt(run, bundle),
		})
		if err != nil {
			if llm.IsFatal(err) {
				return e.fail(run, fmt.Errorf("llm request: %w", err))
			}
			e.warn(ctx, run, "llm request failed, retrying next iteration: "+err.Error())
			continue
		}
		e.recordUsage(ctx, run, resp.Usage)

		// d. Validator gate.
		e.transition(ctx, run, models.StateApplyingDiff, "")
		verdict := e.validator.Validate(resp.Text, run.git.Dir(), job.Prompt)
		switch {
		case verdict.NoChanges:
			// Skip apply, go straight to preflight.
			run.diffRejects = 0
			e.info(ctx, run, "model reported no changes required")

		case !verdict.OK:
			run.diffRejects++
			reason := strings.Join(verdict.Errors, "; ")
			e.warn(ctx, run, fmt.Sprintf("diff rejected (%d consecutive): %s", run.diffRejects, truncateText(reason, 500)))
			if run.diffRejects >= maxDiffRejects {
				return e.fail(run, fmt.Errorf("diff rejected %d consecutive times: %s", run.diffRejects, reason))
			}
			run.feedback = "Your previous response was rejected by the diff validator:\n" + reason
			continue

		default:
			run.diffRejects = 0
			applied, err := e.applyDiff(ctx, run, verdict.Diff)
			if err != nil {
				return e.fail(run, err)
			}
			if !applied {
				// Under the failure threshold; feedback is set.
				continue
			}
		}

		// g. Preflight gates.
		e.transition(ctx, run, models.StateRunningPreflight, "")
		pf := e.preflight.Run(ctx, run.git.Dir(), preflight.StagesFromConfig(e.cfg.Preflight), e.preflightProgress(run))
		for _, stage := range pf.Stages {
			if stage.Err == nil {
				e.info(ctx, run, fmt.Sprintf("preflight %s passed in %s", stage.Stage, stage.Duration.Round(time.Millisecond)))
			}
			run.preflightSeconds += stage.Duration.Seconds()
		}
		if !pf.Success {
			failed := pf.Failed
			e.warn(ctx, run, fmt.Sprintf("preflight failed at %s: %s", failed.Stage, tailText(failed.Output, 400)))
			if i < e.cfg.Engine.MaxIterations {
				run.feedback = fmt.Sprintf("The change was applied but the %s check failed:\n%s",
					failed.Stage, tailText(failed.Output, 4000))
				continue
			}
			return e.fail(run, fmt.Errorf("preflight failed at %s after %d iterations", failed.Stage, i))
		}
		if len(pf.Stages) > 0 {
			e.info(ctx, run, fmt.Sprintf("preflight passed (%d stages)", len(pf.Stages)))
		}

		// h. Post-build agents. Only a security block is fatal.
		agentResult, err := e.agents.Run(ctx,
			agents.Job{ID: job.JobID, Prompt: job.Prompt, Model: job.LLMModel},
			run.git, e.agentProgress(ctx, run), e.agentTokenSink(run))
		if err != nil {
			e.warn(ctx, run, "agent pipeline error: "+err.Error())
		} else {
			for _, warning := range agentResult.Warnings {
				e.warn(ctx, run, warning)
			}
			if agentResult.Blocked {
				return e.fail(run, fmt.Errorf("security scan blocked the job: %s", agentResult.Reason))
			}
		}

		// i. Preview is best-effort.
		e.buildPreview(ctx, run)

		// j. Publish and finish.
		e.transition(ctx, run, models.StateCreatingPR, "")
		if err := e.publish(ctx, run); err != nil {
			return e.fail(run, fmt.Errorf("publishing: %w", err))
		}
		return e.complete(run)
	}

	return e.fail(run, fmt.Errorf("exhausted %d iterations without completing", e.cfg.Engine.MaxIterations))
}
