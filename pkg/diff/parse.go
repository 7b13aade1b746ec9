package diff

import (
	"regexp"
	"strings"
)

// FileBlock describes one file's section of a unified diff.
type FileBlock struct {
	// OldPath is the source path from the --- header, without the a/
	// prefix. Empty when the source is /dev/null.
	OldPath string

	// NewPath is the target path from the +++ header, without the b/
	// prefix. Empty when the target is /dev/null.
	NewPath string

	// IsNewFile is true for "new file mode" blocks or --- /dev/null.
	IsNewFile bool

	// IsDeletedFile is true for "deleted file mode" blocks or +++ /dev/null.
	IsDeletedFile bool

	// TargetIsDevNull is true when the +++ header is literally /dev/null.
	TargetIsDevNull bool
}

// Path returns the most meaningful path for the block: the target when
// present, otherwise the source.
func (b FileBlock) Path() string {
	if b.NewPath != "" {
		return b.NewPath
	}
	return b.OldPath
}

// ParseFileBlocks splits a unified diff into per-file blocks. The input is
// expected to have passed structural validation; unparseable fragments are
// skipped rather than reported.
func ParseFileBlocks(text string) []FileBlock {
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")

	var blocks []FileBlock
	var cur *FileBlock
	flush := func() {
		if cur == nil {
			return
		}
		cur.IsNewFile = cur.IsNewFile || (cur.OldPath == "" && cur.NewPath != "")
		blocks = append(blocks, *cur)
		cur = nil
	}

	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			flush()
			cur = &FileBlock{}
			oldP, newP := parseGitHeaderPaths(line)
			cur.OldPath, cur.NewPath = oldP, newP
		case cur == nil:
			continue
		case strings.HasPrefix(line, "new file mode"):
			cur.IsNewFile = true
		case strings.HasPrefix(line, "deleted file mode"):
			cur.IsDeletedFile = true
		case strings.HasPrefix(line, "--- "):
			p := headerPath(line[4:], "a/")
			cur.OldPath = p
			if p == "" {
				cur.IsNewFile = true
			}
		case strings.HasPrefix(line, "+++ "):
			p := headerPath(line[4:], "b/")
			cur.NewPath = p
			if p == "" {
				cur.IsDeletedFile = true
				cur.TargetIsDevNull = true
			}
		}
	}
	flush()
	return blocks
}

// parseGitHeaderPaths extracts the a/ and b/ paths from a "diff --git" line.
// Paths containing spaces are not handled; the --- / +++ headers override
// these values anyway.
func parseGitHeaderPaths(line string) (oldPath, newPath string) {
	rest := strings.TrimPrefix(line, "diff --git ")
	parts := strings.Fields(rest)
	if len(parts) != 2 {
		return "", ""
	}
	return strings.TrimPrefix(parts[0], "a/"), strings.TrimPrefix(parts[1], "b/")
}

// headerPath normalises a --- / +++ header value: strips the given prefix,
// drops any trailing tab-separated timestamp, and maps /dev/null to "".
func headerPath(value, prefix string) string {
	if i := strings.IndexByte(value, '\t'); i >= 0 {
		value = value[:i]
	}
	value = strings.TrimSpace(value)
	if value == "/dev/null" {
		return ""
	}
	return strings.TrimPrefix(value, prefix)
}

var (
	patchFailedPattern  = regexp.MustCompile(`patch failed: ([^:\n]+):`)
	doesNotApplyPattern = regexp.MustCompile(`(?m)(?:error: )?([^\s:]+): patch does not apply`)
)

// ParseFailedFiles extracts the file paths git apply reports as failing.
// Returns an empty slice when no paths can be recognised, in which case the
// caller falls back to a global directive.
func ParseFailedFiles(stderr string) []string {
	seen := make(map[string]struct{})
	var files []string
	add := func(f string) {
		f = strings.TrimSpace(f)
		if f == "" {
			return
		}
		if _, ok := seen[f]; ok {
			return
		}
		seen[f] = struct{}{}
		files = append(files, f)
	}

	for _, m := range patchFailedPattern.FindAllStringSubmatch(stderr, -1) {
		add(m[1])
	}
	for _, m := range doesNotApplyPattern.FindAllStringSubmatch(stderr, -1) {
		add(m[1])
	}
	return files
}
