package agents

import (
	"context"
	"fmt"

	"github.com/vibeworks/vibed/pkg/gitexec"
	"github.com/vibeworks/vibed/pkg/preflight"
)

const (
	// maxDebugAttempts bounds consecutive build-fix rounds.
	maxDebugAttempts = 2

	// maxBuildLogChars is how much of the failing build log reaches the LLM.
	maxBuildLogChars = 5000
)

// runDebug checks the build and, when it fails, asks the LLM for fixes.
// The agent gives up after maxDebugAttempts rounds and downgrades the
// failure to a warning.
func (p *Pipeline) runDebug(ctx context.Context, job Job, git *gitexec.Runner, progress Progress, sink TokenSink, result *Result) {
	if p.cfg.BuildCommand == "" {
		return
	}

	build := preflight.RunShell(ctx, git.Dir(), p.cfg.BuildCommand, p.cfg.CommandTimeout, nil)
	if build.Err == nil {
		return
	}
	progress("debug agent: build failed, attempting automated fix")

	for attempt := 1; attempt <= maxDebugAttempts; attempt++ {
		bundle, err := p.contexts.Build(ctx, git.Dir(), job.Prompt)
		if err != nil {
			p.warn(result, progress, "debug agent", fmt.Sprintf("context build failed: %v", err))
			return
		}

		prompt := fmt.Sprintf(
			"%s\n\nThe build command failed. Build output (truncated):\n%s\n\nProduce a unified diff that fixes the build.",
			bundle.Content, truncate(build.Output, maxBuildLogChars))

		raw, err := p.generate(ctx, job, diffSystemPrompt, prompt, sink)
		if err != nil {
			p.warn(result, progress, "debug agent", fmt.Sprintf("attempt %d LLM call failed: %v", attempt, err))
			return
		}

		applied, err := p.applyValidated(ctx, git, raw, prompt, fmt.Sprintf("VIBE debug fix attempt %d", attempt))
		if err != nil {
			p.warn(result, progress, "debug agent", fmt.Sprintf("attempt %d: %v", attempt, err))
			continue
		}
		if !applied {
			p.warn(result, progress, "debug agent", fmt.Sprintf("attempt %d produced no change", attempt))
			continue
		}

		build = preflight.RunShell(ctx, git.Dir(), p.cfg.BuildCommand, p.cfg.CommandTimeout, nil)
		if build.Err == nil {
			progress(fmt.Sprintf("debug agent: build repaired on attempt %d", attempt))
			return
		}
	}

	p.warn(result, progress, "debug agent", fmt.Sprintf("build still failing after %d attempts", maxDebugAttempts))
}
