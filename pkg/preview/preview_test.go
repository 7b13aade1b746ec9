package preview

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestFindOutputDirPriority(t *testing.T) {
	worktree := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(worktree, "public"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(worktree, "build"), 0o755))

	dir, ok := FindOutputDir(worktree)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(worktree, "build"), dir, "build outranks public")

	require.NoError(t, os.MkdirAll(filepath.Join(worktree, "dist"), 0o755))
	dir, ok = FindOutputDir(worktree)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(worktree, "dist"), dir, "dist outranks everything")
}

func TestFindOutputDirNone(t *testing.T) {
	worktree := t.TempDir()
	// A file named dist must not count.
	writeFile(t, filepath.Join(worktree, "dist"), "not a dir")

	_, ok := FindOutputDir(worktree)
	assert.False(t, ok)
}

func TestCopyDir(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "index.html"), "<html>hi</html>")
	writeFile(t, filepath.Join(src, "assets", "app.js"), "console.log(1)")

	dst := filepath.Join(t.TempDir(), "out")
	require.NoError(t, CopyDir(src, dst))

	data, err := os.ReadFile(filepath.Join(dst, "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "<html>hi</html>", string(data))

	data, err = os.ReadFile(filepath.Join(dst, "assets", "app.js"))
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", string(data))
}

func TestBuildProducesPreviewURL(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	worktree := t.TempDir()
	previews := t.TempDir()

	b := NewBuilder(previews, "mkdir -p dist && echo '<html></html>' > dist/index.html", time.Minute)
	url, err := b.Build(context.Background(), worktree, "job-123", nil)
	require.NoError(t, err)

	assert.Equal(t, "/previews/job-123/index.html", url)
	assert.FileExists(t, filepath.Join(previews, "job-123", "index.html"))
}

func TestBuildNoCommandCopiesExistingArtifact(t *testing.T) {
	worktree := t.TempDir()
	writeFile(t, filepath.Join(worktree, "dist", "index.html"), "static")

	b := NewBuilder(t.TempDir(), "", time.Minute)
	url, err := b.Build(context.Background(), worktree, "job-9", nil)
	require.NoError(t, err)
	assert.Equal(t, "/previews/job-9/index.html", url)
}

func TestBuildFailingCommand(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	b := NewBuilder(t.TempDir(), "exit 1", time.Minute)
	_, err := b.Build(context.Background(), t.TempDir(), "job-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build command failed")
}

func TestBuildNoOutputDir(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	b := NewBuilder(t.TempDir(), "true", time.Minute)
	_, err := b.Build(context.Background(), t.TempDir(), "job-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no build output directory")
}

func TestBuildReplacesStalePreview(t *testing.T) {
	worktree := t.TempDir()
	writeFile(t, filepath.Join(worktree, "dist", "index.html"), "fresh")

	previews := t.TempDir()
	writeFile(t, filepath.Join(previews, "job-5", "stale.txt"), "old")

	b := NewBuilder(previews, "", time.Minute)
	_, err := b.Build(context.Background(), worktree, "job-5", nil)
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(previews, "job-5", "stale.txt"))
	assert.FileExists(t, filepath.Join(previews, "job-5", "index.html"))
}
