package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vibeworks/vibed/pkg/gitexec"
)

// uxChecks are the review dimensions the UX agent asks about.
var uxChecks = []string{
	"responsive breakpoints",
	"empty states",
	"loading states",
	"consistent spacing",
}

const uxReportSystemPrompt = `You review frontend code quality. Respond with JSON only, no commentary and no code fences, in exactly this shape: {"passed": ["check name", ...], "failed": ["check name", ...]}. Every check you are given must appear in exactly one of the two arrays.`

// uxReport is the structured review the LLM returns.
type uxReport struct {
	Passed []string `json:"passed"`
	Failed []string `json:"failed"`
}

// runUX asks the LLM for a structured UX review and requests a fix diff
// for each failed check. Everything here is non-fatal.
func (p *Pipeline) runUX(ctx context.Context, job Job, git *gitexec.Runner, progress Progress, sink TokenSink, result *Result) {
	bundle, err := p.contexts.Build(ctx, git.Dir(), job.Prompt)
	if err != nil || bundle.Content == "" {
		if err != nil {
			p.warn(result, progress, "ux agent", fmt.Sprintf("context build failed: %v", err))
		}
		return
	}

	prompt := fmt.Sprintf("%s\n\nEvaluate these checks against the code above: %s.",
		bundle.Content, strings.Join(uxChecks, ", "))

	raw, err := p.generate(ctx, job, uxReportSystemPrompt, prompt, sink)
	if err != nil {
		p.warn(result, progress, "ux agent", fmt.Sprintf("LLM call failed: %v", err))
		return
	}

	report, err := parseUXReport(raw)
	if err != nil {
		p.warn(result, progress, "ux agent", fmt.Sprintf("unparseable review: %v", err))
		return
	}
	progress(fmt.Sprintf("ux review: %d passed, %d failed", len(report.Passed), len(report.Failed)))

	// Bound fix rounds to the named check count; the model cannot invent
	// extra work for itself.
	failed := report.Failed
	if len(failed) > len(uxChecks) {
		failed = failed[:len(uxChecks)]
	}

	for _, check := range failed {
		fixPrompt := fmt.Sprintf("%s\n\nThe review found this check failing: %q. Produce a unified diff that fixes it.",
			bundle.Content, check)

		raw, err := p.generate(ctx, job, diffSystemPrompt, fixPrompt, sink)
		if err != nil {
			p.warn(result, progress, "ux agent", fmt.Sprintf("fix for %q: LLM call failed: %v", check, err))
			continue
		}

		applied, err := p.applyValidated(ctx, git, raw, fixPrompt, "VIBE ux fix: "+truncate(check, 50))
		if err != nil {
			p.warn(result, progress, "ux agent", fmt.Sprintf("fix for %q: %v", check, err))
			continue
		}
		if applied {
			progress(fmt.Sprintf("ux agent: fixed %q", check))
		}
	}
}

// parseUXReport extracts the JSON review from raw LLM output, tolerating
// fences and prose around the object.
func parseUXReport(raw string) (*uxReport, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("no JSON object in response")
	}

	var report uxReport
	if err := json.Unmarshal([]byte(raw[start:end+1]), &report); err != nil {
		return nil, fmt.Errorf("decode review JSON: %w", err)
	}
	return &report, nil
}
