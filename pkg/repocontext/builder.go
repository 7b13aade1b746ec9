// Package repocontext projects a repository into a bounded prompt context.
//
// The projection is deterministic: keyword search over source files, fixed
// entry-point probes when nothing matches, lexicographic ordering, 1-hop
// import expansion, and a hard character cap.
package repocontext

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Bundle is the formatted context handed to the LLM.
type Bundle struct {
	// Content is the concatenation of every included file, each preceded
	// by a "--- <path> ---" banner, in lexicographic path order.
	Content string

	// Files lists the included paths, in bundle order.
	Files []string

	// Truncated is true when the character cap cut material off.
	Truncated bool
}

// Builder constructs context bundles bounded by maxChars.
type Builder struct {
	maxChars int
}

// NewBuilder returns a Builder with the given character cap.
func NewBuilder(maxChars int) *Builder {
	if maxChars < 1 {
		maxChars = 50000
	}
	return &Builder{maxChars: maxChars}
}

// sourceExtensions are the file types the keyword search covers.
var sourceExtensions = map[string]bool{
	".js": true, ".jsx": true, ".ts": true, ".tsx": true,
	".py": true, ".go": true, ".java": true,
	".c": true, ".cpp": true, ".h": true, ".hpp": true,
}

// IsSourceFile reports whether path has one of the source extensions the
// builder searches.
func IsSourceFile(path string) bool {
	return sourceExtensions[filepath.Ext(path)]
}

// skipDirs are never walked.
var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "dist": true,
	"build": true, ".next": true, "coverage": true,
}

// entryPointPatterns are probed, in order, when keyword search finds nothing.
var entryPointPatterns = []string{
	"index.js", "index.ts", "index.jsx", "index.tsx",
	"main.js", "main.ts", "main.jsx", "main.tsx",
	"app.js", "app.ts", "app.jsx", "app.tsx",
	"src/index.*", "src/main.*", "src/app.*", "src/App.*",
	"apps/web/src/index.*", "apps/web/src/main.*", "apps/web/src/App.*",
	"apps/web/package.json",
	"vite.config.*", "apps/web/vite.config.*",
}

// fallbackFiles are the last resort when even entry points are absent.
var fallbackFiles = []string{"README.md", "README", "readme.md", "package.json"}

// stopwords excluded from keyword extraction.
var stopwords = map[string]bool{
	"the": true, "this": true, "that": true, "with": true,
	"from": true, "for": true, "and": true, "or": true,
}

const (
	maxKeywords       = 5
	minKeywordLen     = 4
	maxSearchFileSize = 256 * 1024
)

var tokenPattern = regexp.MustCompile(`[a-z0-9_]+`)

// ExtractKeywords returns up to 5 lowercase search terms from the prompt:
// tokens of length >= 4 that are not stopwords, first occurrence order.
func ExtractKeywords(prompt string) []string {
	seen := make(map[string]bool)
	var keywords []string
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(prompt), -1) {
		if len(tok) < minKeywordLen || stopwords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		keywords = append(keywords, tok)
		if len(keywords) == maxKeywords {
			break
		}
	}
	return keywords
}

// Build assembles a context bundle for the prompt from the repository at
// repoDir. The result never exceeds the configured character cap.
func (b *Builder) Build(ctx context.Context, repoDir, prompt string) (*Bundle, error) {
	seeds, err := b.findSeeds(ctx, repoDir, prompt)
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return &Bundle{}, nil
	}

	files := b.expandImports(repoDir, seeds)
	sort.Strings(files)

	return b.format(repoDir, files), nil
}

// findSeeds runs keyword search, then entry-point probes, then fallbacks.
func (b *Builder) findSeeds(ctx context.Context, repoDir, prompt string) ([]string, error) {
	keywords := ExtractKeywords(prompt)
	matched, err := searchSourceFiles(ctx, repoDir, keywords)
	if err != nil {
		return nil, err
	}
	if len(matched) > 0 {
		return matched, nil
	}

	fsys := os.DirFS(repoDir)
	var probed []string
	seen := make(map[string]bool)
	for _, pattern := range entryPointPatterns {
		hits, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			continue
		}
		for _, h := range hits {
			if !seen[h] && regularFile(repoDir, h) {
				seen[h] = true
				probed = append(probed, h)
			}
		}
	}
	if len(probed) > 0 {
		return probed, nil
	}

	for _, f := range fallbackFiles {
		if regularFile(repoDir, f) {
			probed = append(probed, f)
		}
	}
	return probed, nil
}

// searchSourceFiles walks the repository looking for files whose content
// contains any keyword, case-insensitively.
func searchSourceFiles(ctx context.Context, repoDir string, keywords []string) ([]string, error) {
	if len(keywords) == 0 {
		return nil, nil
	}

	var matched []string
	err := filepath.WalkDir(repoDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !sourceExtensions[filepath.Ext(p)] {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxSearchFileSize {
			return nil
		}
		content, err := os.ReadFile(p)
		if err != nil || isBinary(content) {
			return nil
		}
		lower := strings.ToLower(string(content))
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				rel, relErr := filepath.Rel(repoDir, p)
				if relErr == nil {
					matched = append(matched, filepath.ToSlash(rel))
				}
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search repository: %w", err)
	}
	return matched, nil
}

// expandImports adds the local files each seed imports, breadth-first, until
// no new files appear. The character cap in format bounds the final bundle.
func (b *Builder) expandImports(repoDir string, seeds []string) []string {
	sort.Strings(seeds)
	visited := make(map[string]bool)
	queue := append([]string(nil), seeds...)
	var files []string

	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		if visited[f] {
			continue
		}
		visited[f] = true
		if !regularFile(repoDir, f) {
			continue
		}
		files = append(files, f)

		content, err := os.ReadFile(filepath.Join(repoDir, filepath.FromSlash(f)))
		if err != nil || isBinary(content) {
			continue
		}
		for _, imp := range resolveImports(repoDir, f, string(content)) {
			if !visited[imp] {
				queue = append(queue, imp)
			}
		}
	}
	return files
}

// format builds the final string, cutting at the character cap. An entry cut
// mid-file still contributes its prefix; Truncated is set whenever anything
// was dropped.
func (b *Builder) format(repoDir string, files []string) *Bundle {
	var sb strings.Builder
	bundle := &Bundle{}

	for _, f := range files {
		content, err := os.ReadFile(filepath.Join(repoDir, filepath.FromSlash(f)))
		if err != nil {
			continue
		}
		entry := fmt.Sprintf("--- %s ---\n%s\n", f, string(content))

		remaining := b.maxChars - sb.Len()
		if remaining <= 0 {
			bundle.Truncated = true
			break
		}
		if len(entry) > remaining {
			sb.WriteString(entry[:remaining])
			bundle.Files = append(bundle.Files, f)
			bundle.Truncated = true
			break
		}
		sb.WriteString(entry)
		bundle.Files = append(bundle.Files, f)
	}

	bundle.Content = sb.String()
	return bundle
}

var (
	jsImportPattern  = regexp.MustCompile(`import\s+(?:[^'"\n]*?\s+from\s+)?['"]([^'"]+)['"]`)
	jsRequirePattern = regexp.MustCompile(`require\(\s*['"]([^'"]+)['"]\s*\)`)
	pyFromPattern    = regexp.MustCompile(`(?m)^\s*from\s+(\.+[\w.]*)\s+import\b`)
	pyImportPattern  = regexp.MustCompile(`(?m)^\s*import\s+([\w]+)\b`)
)

// jsResolveExtensions are tried, in order, when an import has no extension.
var jsResolveExtensions = []string{".js", ".jsx", ".ts", ".tsx"}

// resolveImports returns repo-relative paths for the local modules a file
// imports. Package imports (no leading dot) are ignored for JS/TS; Python
// plain imports resolve only to a sibling module file.
func resolveImports(repoDir, file, content string) []string {
	dir := path.Dir(file)
	var resolved []string

	appendIfExists := func(candidates []string) {
		for _, c := range candidates {
			clean := path.Clean(c)
			if strings.HasPrefix(clean, "..") {
				continue
			}
			if regularFile(repoDir, clean) {
				resolved = append(resolved, clean)
				return
			}
		}
	}

	switch filepath.Ext(file) {
	case ".js", ".jsx", ".ts", ".tsx":
		specs := make([]string, 0, 8)
		for _, m := range jsImportPattern.FindAllStringSubmatch(content, -1) {
			specs = append(specs, m[1])
		}
		for _, m := range jsRequirePattern.FindAllStringSubmatch(content, -1) {
			specs = append(specs, m[1])
		}
		for _, spec := range specs {
			if !strings.HasPrefix(spec, "./") && !strings.HasPrefix(spec, "../") {
				continue
			}
			base := path.Join(dir, spec)
			candidates := []string{base}
			for _, ext := range jsResolveExtensions {
				candidates = append(candidates, base+ext)
			}
			for _, ext := range jsResolveExtensions {
				candidates = append(candidates, path.Join(base, "index"+ext))
			}
			appendIfExists(candidates)
		}

	case ".py":
		for _, m := range pyFromPattern.FindAllStringSubmatch(content, -1) {
			spec := m[1]
			up := strings.Count(spec, ".") // leading dots
			name := strings.TrimLeft(spec, ".")
			base := dir
			for i := 1; i < up; i++ {
				base = path.Dir(base)
			}
			if name == "" {
				continue
			}
			mod := path.Join(base, strings.ReplaceAll(name, ".", "/"))
			appendIfExists([]string{mod + ".py", path.Join(mod, "__init__.py")})
		}
		for _, m := range pyImportPattern.FindAllStringSubmatch(content, -1) {
			appendIfExists([]string{path.Join(dir, m[1]+".py")})
		}
	}

	return resolved
}

func regularFile(repoDir, rel string) bool {
	info, err := os.Stat(filepath.Join(repoDir, filepath.FromSlash(rel)))
	return err == nil && info.Mode().IsRegular()
}

// isBinary applies the git heuristic: a NUL byte in the first 8000 bytes.
func isBinary(content []byte) bool {
	probe := content
	if len(probe) > 8000 {
		probe = probe[:8000]
	}
	return bytes.IndexByte(probe, 0) >= 0
}
