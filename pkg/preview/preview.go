// Package preview builds a job's project and materialises the build
// artifact into a per-job preview directory served by the API. Preview
// generation is best-effort: every failure is reported to the caller,
// which logs and continues.
package preview

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vibeworks/vibed/pkg/preflight"
)

// outputDirs are probed in priority order after a successful build.
var outputDirs = []string{"dist", "build", "out", ".next", "public"}

// Builder copies built artifacts into the previews root.
type Builder struct {
	previewsDir  string
	buildCommand string
	timeout      time.Duration
	logger       *slog.Logger
}

// NewBuilder creates a preview builder rooted at previewsDir. An empty
// buildCommand skips the build step and copies an existing artifact
// directory if one is present.
func NewBuilder(previewsDir, buildCommand string, timeout time.Duration) *Builder {
	return &Builder{
		previewsDir:  previewsDir,
		buildCommand: buildCommand,
		timeout:      timeout,
		logger:       slog.Default(),
	}
}

// Build produces the preview for jobID from worktree and returns the URL
// path it is served under. onLine, when non-nil, receives build output.
func (b *Builder) Build(ctx context.Context, worktree, jobID string, onLine func(string)) (string, error) {
	if strings.TrimSpace(b.buildCommand) != "" {
		res := preflight.RunShell(ctx, worktree, b.buildCommand, b.timeout, onLine)
		if res.Err != nil {
			return "", fmt.Errorf("build command failed: %w", res.Err)
		}
	}

	outDir, ok := FindOutputDir(worktree)
	if !ok {
		return "", fmt.Errorf("no build output directory found (tried %s)", strings.Join(outputDirs, ", "))
	}

	dest := filepath.Join(b.previewsDir, jobID)
	if err := os.RemoveAll(dest); err != nil {
		return "", fmt.Errorf("clear previous preview: %w", err)
	}
	if err := CopyDir(outDir, dest); err != nil {
		return "", fmt.Errorf("copy build output: %w", err)
	}

	b.logger.Info("Preview built", "job_id", jobID, "source", outDir, "dest", dest)
	return "/previews/" + jobID + "/index.html", nil
}

// FindOutputDir returns the first existing build output directory under
// worktree, probing the fixed priority list.
func FindOutputDir(worktree string) (string, bool) {
	for _, name := range outputDirs {
		candidate := filepath.Join(worktree, name)
		info, err := os.Stat(candidate)
		if err == nil && info.IsDir() {
			return candidate, true
		}
	}
	return "", false
}

// CopyDir recursively copies the contents of src into dst, creating dst
// if needed. Symlinks are skipped.
func CopyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
