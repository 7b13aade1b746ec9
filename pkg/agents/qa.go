package agents

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vibeworks/vibed/pkg/gitexec"
	"github.com/vibeworks/vibed/pkg/preflight"
	"github.com/vibeworks/vibed/pkg/repocontext"
)

// maxQAContextChars bounds the changed-file content shown to the LLM.
const maxQAContextChars = 40000

const qaSystemPrompt = diffSystemPrompt +
	" All generated tests must use only the language's built-in test runner, with no new dependencies."

// runQA asks the LLM for tests covering the source files changed by the
// latest commit, applies them, and runs the test command. Every failure
// here is a warning; the job proceeds regardless.
func (p *Pipeline) runQA(ctx context.Context, job Job, git *gitexec.Runner, progress Progress, sink TokenSink, result *Result) {
	if !git.HasCommitBefore(ctx) {
		return
	}

	changed, err := git.ChangedFiles(ctx, "HEAD~1", "HEAD")
	if err != nil {
		p.warn(result, progress, "qa agent", fmt.Sprintf("diff changed files: %v", err))
		return
	}

	var targets []string
	for _, f := range changed {
		if repocontext.IsSourceFile(f) && !isTestFile(filepath.Base(f)) {
			targets = append(targets, f)
		}
	}
	if len(targets) == 0 {
		progress("qa agent: no source changes to cover")
		return
	}

	var sb strings.Builder
	for _, f := range targets {
		data, err := os.ReadFile(filepath.Join(git.Dir(), f))
		if err != nil {
			continue
		}
		entry := fmt.Sprintf("--- %s ---\n%s\n", f, string(data))
		if sb.Len()+len(entry) > maxQAContextChars {
			break
		}
		sb.WriteString(entry)
	}
	if sb.Len() == 0 {
		progress("qa agent: changed files unreadable, skipping")
		return
	}

	prompt := fmt.Sprintf(
		"These source files changed in the latest commit:\n\n%s\nProduce a unified diff adding tests that cover the changed behaviour.",
		sb.String())

	raw, err := p.generate(ctx, job, qaSystemPrompt, prompt, sink)
	if err != nil {
		p.warn(result, progress, "qa agent", fmt.Sprintf("LLM call failed: %v", err))
		return
	}

	applied, err := p.applyValidated(ctx, git, raw, prompt, "VIBE qa tests")
	if err != nil {
		p.warn(result, progress, "qa agent", err.Error())
		return
	}
	if !applied {
		progress("qa agent: model saw no tests worth adding")
		return
	}
	progress("qa agent: tests added")

	if p.cfg.TestCommand == "" {
		return
	}
	run := preflight.RunShell(ctx, git.Dir(), p.cfg.TestCommand, p.cfg.CommandTimeout, nil)
	if run.Err != nil {
		p.warn(result, progress, "qa agent", fmt.Sprintf("generated tests fail: %v", run.Err))
		return
	}
	progress("qa agent: generated tests pass")
}
