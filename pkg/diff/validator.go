// Package diff validates raw LLM output as a strict unified diff.
//
// The validator is a pure pipeline: normalize → sanitize → structural
// validation → worktree sanity checks. Every rejection carries the exact
// rule text so the engine can feed it back into the next LLM iteration.
// The final applicability probe (git apply --check) belongs to the engine,
// which owns the working tree.
package diff

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// NoChanges is the sentinel an LLM returns when the prompt requires no edits.
const NoChanges = "NO_CHANGES"

// Result is the outcome of validating one raw LLM response.
type Result struct {
	// OK is true when the response is the NO_CHANGES sentinel or a valid,
	// normalised unified diff.
	OK bool

	// NoChanges is true when the response collapsed to the sentinel.
	NoChanges bool

	// Diff is the normalised diff text, ending with exactly one newline.
	// Empty when NoChanges or rejected.
	Diff string

	// Errors lists the rules the response violated, in detection order.
	Errors []string
}

// Validator applies the diff gate with a configured size bound.
type Validator struct {
	maxLines int
}

// NewValidator returns a Validator that rejects diffs longer than maxLines.
func NewValidator(maxLines int) *Validator {
	if maxLines < 1 {
		maxLines = 5000
	}
	return &Validator{maxLines: maxLines}
}

// commentaryPattern matches conversational filler LLMs prepend or embed.
var commentaryPattern = regexp.MustCompile(
	`^(Here's|Sure|I'll|Let me|I've|I have|This (diff|patch|change)|The (diff|patch|change)|Below is|Above is)\b`)

// deletionKeywords are the prompt tokens that authorise a file deletion.
// Matched case-insensitively against the user prompt.
var deletionKeywords = []string{
	"delete", "remove", "drop", "eliminate", "get rid of", "take out", "rm ", "unlink",
}

// Validate runs the full gate over a raw LLM response. worktreeDir is the
// checked-out working tree the diff would apply to; prompt is the user's
// original request, consulted for deletion intent.
func (v *Validator) Validate(raw, worktreeDir, prompt string) Result {
	text, noChanges, errs := normalize(raw)
	if noChanges {
		return Result{OK: true, NoChanges: true}
	}
	if len(errs) > 0 {
		return Result{Errors: errs}
	}

	if errs := sanitize(text); len(errs) > 0 {
		return Result{Errors: errs}
	}
	if errs := v.validateStructure(text); len(errs) > 0 {
		return Result{Errors: errs}
	}
	if errs := sanityCheck(text, worktreeDir, prompt); len(errs) > 0 {
		return Result{Errors: errs}
	}

	return Result{OK: true, Diff: text}
}

// normalize trims the response, collapses the NO_CHANGES sentinel, strips a
// single surrounding markdown fence, converts CRLF to LF, and guarantees
// exactly one trailing newline. Responses with no diff header at all are
// rejected here.
func normalize(raw string) (text string, noChanges bool, errs []string) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false, []string{"response is empty"}
	}
	if strings.Contains(s, NoChanges) {
		return "", true, nil
	}

	s = stripSurroundingFence(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.TrimSpace(s)

	if !strings.Contains(s, "diff --git ") {
		return "", false, []string{"response is not a unified diff: no 'diff --git' header found"}
	}
	return s + "\n", false, nil
}

// stripSurroundingFence removes one pair of markdown code fences wrapping the
// whole response. The opening fence may carry a language tag.
func stripSurroundingFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) < 2 {
		return s
	}
	last := strings.TrimSpace(lines[len(lines)-1])
	if last != "```" {
		return s
	}
	return strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
}

// sanitize rejects conversational commentary around or inside the diff and
// any markdown fence that survived normalisation.
func sanitize(text string) []string {
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")

	firstDiff := -1
	for i, line := range lines {
		if strings.HasPrefix(line, "diff --git ") {
			firstDiff = i
			break
		}
	}

	for i := 0; i < firstDiff; i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		if commentaryPattern.MatchString(trimmed) {
			return []string{fmt.Sprintf("response contains commentary before the diff: %q", trimmed)}
		}
	}

	inHunk := false
	for _, line := range lines {
		if strings.Contains(line, "```") {
			return []string{"markdown code fence found inside the diff"}
		}
		switch {
		case strings.HasPrefix(line, "diff --git "):
			inHunk = false
		case strings.HasPrefix(line, "@@"):
			inHunk = true
		case inHunk && line != "":
			body := strings.TrimSpace(line[1:])
			if commentaryPattern.MatchString(body) {
				return []string{fmt.Sprintf("commentary found inside a hunk body: %q", body)}
			}
		}
	}
	return nil
}

// validateStructure enforces the unified-diff shape: size bound, a single
// contiguous block of file diffs, per-file headers and hunks, and the
// hunk-line first-byte alphabet.
func (v *Validator) validateStructure(text string) []string {
	if !strings.HasSuffix(text, "\n") || strings.HasSuffix(text, "\n\n") {
		return []string{"diff must end with exactly one newline"}
	}

	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	if len(lines) > v.maxLines {
		return []string{fmt.Sprintf("diff exceeds maximum size: %d lines (limit %d)", len(lines), v.maxLines)}
	}
	if len(lines) < 3 {
		return []string{fmt.Sprintf("diff too short to be valid: %d lines", len(lines))}
	}

	firstDiff := -1
	for i, line := range lines {
		if strings.HasPrefix(line, "diff --git ") {
			firstDiff = i
			break
		}
	}
	if firstDiff == -1 {
		return []string{"no 'diff --git' header found"}
	}
	for i := 0; i < firstDiff; i++ {
		if strings.TrimSpace(lines[i]) != "" {
			return []string{fmt.Sprintf("unexpected content before the first diff header: %q", strings.TrimSpace(lines[i]))}
		}
	}

	// Per-file-block header checks.
	type blockInfo struct {
		start      int
		hasOld     bool
		hasNew     bool
		hunkCount  int
		headerLine string
	}
	var blocks []*blockInfo
	for i := firstDiff; i < len(lines); i++ {
		line := lines[i]
		if strings.HasPrefix(line, "diff --git ") {
			blocks = append(blocks, &blockInfo{start: i, headerLine: line})
			continue
		}
		if len(blocks) == 0 {
			continue
		}
		b := blocks[len(blocks)-1]
		switch {
		case strings.HasPrefix(line, "--- "):
			b.hasOld = true
		case strings.HasPrefix(line, "+++ "):
			b.hasNew = true
		case strings.HasPrefix(line, "@@"):
			b.hunkCount++
		}
	}
	for _, b := range blocks {
		if !b.hasOld || !b.hasNew {
			return []string{fmt.Sprintf("file block %q is missing --- or +++ headers", b.headerLine)}
		}
		if b.hunkCount == 0 {
			return []string{fmt.Sprintf("file block %q has no @@ hunk markers", b.headerLine)}
		}
	}

	// Hunk bodies: every non-empty line must start with +, -, space, or
	// backslash (the "no newline at end of file" marker).
	inHunk := false
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			inHunk = false
		case strings.HasPrefix(line, "@@"):
			inHunk = true
		case inHunk && line != "":
			switch line[0] {
			case '+', '-', ' ', '\\':
			default:
				return []string{fmt.Sprintf("invalid hunk line %d: must start with +, -, space, or \\: %q", i+1, line)}
			}
		}
	}

	return nil
}

// sanityCheck verifies the diff against the working tree before any apply is
// attempted: new files must not already exist, deletions must be requested
// by the prompt, and /dev/null targets must refer to existing files.
func sanityCheck(text, worktreeDir, prompt string) []string {
	var errs []string
	lowerPrompt := strings.ToLower(prompt)

	for _, block := range ParseFileBlocks(text) {
		if block.IsNewFile && block.NewPath != "" {
			if fileExists(worktreeDir, block.NewPath) {
				errs = append(errs, fmt.Sprintf(
					"diff creates new file %s but it already exists in the working tree", block.NewPath))
			}
		}
		if block.IsDeletedFile && !promptRequestsDeletion(lowerPrompt) {
			errs = append(errs, fmt.Sprintf(
				"diff deletes %s but the prompt does not ask for a deletion", block.Path()))
		}
		if block.TargetIsDevNull && block.OldPath != "" {
			if !fileExists(worktreeDir, block.OldPath) {
				errs = append(errs, fmt.Sprintf(
					"diff deletes %s but it does not exist in the working tree", block.OldPath))
			}
		}
	}
	return errs
}

func promptRequestsDeletion(lowerPrompt string) bool {
	for _, kw := range deletionKeywords {
		if strings.Contains(lowerPrompt, kw) {
			return true
		}
	}
	return false
}

func fileExists(dir, rel string) bool {
	info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(rel)))
	return err == nil && !info.IsDir()
}

// NormalizeForApply prepares diff text for writing to a patch file: CRLF
// becomes LF and the text ends with exactly one newline.
func NormalizeForApply(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.TrimRight(s, "\n")
	return s + "\n"
}
