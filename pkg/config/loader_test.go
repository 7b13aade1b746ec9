package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chtmp runs the test from a temp directory so an ambient vibed.yaml in the
// repo root cannot leak into config resolution.
func chtmp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(orig) })
	return dir
}

func TestInitializeDefaults(t *testing.T) {
	chtmp(t)
	t.Setenv("ANTHROPIC_API_KEY", "test-key")

	cfg, err := Initialize()
	require.NoError(t, err)

	assert.Equal(t, ":8090", cfg.HTTP.Addr)
	assert.Equal(t, "data/vibed.db", cfg.Store.DatabasePath)
	assert.Equal(t, 6, cfg.Engine.MaxIterations)
	assert.Equal(t, 5*time.Second, cfg.Engine.PollInterval)
	assert.Equal(t, 50000, cfg.Engine.MaxContextSize)
	assert.Equal(t, 5000, cfg.Engine.MaxDiffSize)
	assert.Equal(t, 5*time.Minute, cfg.Preflight.StageTimeout)
	assert.Equal(t, "npm run build", cfg.Preflight.BuildCommand)
	assert.Empty(t, cfg.Preflight.LintCommand)
}

func TestInitializeEnvOverrides(t *testing.T) {
	chtmp(t)
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("DATABASE_PATH", "/tmp/other.db")
	t.Setenv("MAX_ITERATIONS", "3")
	t.Setenv("EXECUTOR_POLL_INTERVAL", "1000")
	t.Setenv("PREFLIGHT_TIMEOUT", "60000")
	t.Setenv("LINT_COMMAND", "npm run lint")

	cfg, err := Initialize()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/other.db", cfg.Store.DatabasePath)
	assert.Equal(t, 3, cfg.Engine.MaxIterations)
	assert.Equal(t, 1*time.Second, cfg.Engine.PollInterval)
	assert.Equal(t, 1*time.Minute, cfg.Preflight.StageTimeout)
	assert.Equal(t, "npm run lint", cfg.Preflight.LintCommand)
}

func TestInitializeYAMLOverrides(t *testing.T) {
	dir := chtmp(t)
	t.Setenv("ANTHROPIC_API_KEY", "test-key")

	yaml := `
engine:
  max_iterations: 4
preflight:
  test_command: "npm test"
log_level: debug
`
	path := filepath.Join(dir, "vibed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Initialize()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Engine.MaxIterations)
	assert.Equal(t, "npm test", cfg.Preflight.TestCommand)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Unset YAML fields keep their defaults.
	assert.Equal(t, 50000, cfg.Engine.MaxContextSize)
}

func TestInitializeEnvWinsOverYAML(t *testing.T) {
	dir := chtmp(t)
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("MAX_ITERATIONS", "2")

	yaml := "engine:\n  max_iterations: 9\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vibed.yaml"), []byte(yaml), 0o644))

	cfg, err := Initialize()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Engine.MaxIterations)
}

func TestInitializeExplicitConfigMissing(t *testing.T) {
	chtmp(t)
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("VIBED_CONFIG", "/nonexistent/vibed.yaml")

	_, err := Initialize()
	require.Error(t, err)
}

func TestInitializeValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "no LLM credentials",
			env:  map[string]string{},
		},
		{
			name: "zero max iterations",
			env:  map[string]string{"ANTHROPIC_API_KEY": "k", "MAX_ITERATIONS": "0"},
		},
		{
			name: "empty database path",
			env:  map[string]string{"ANTHROPIC_API_KEY": "k", "DATABASE_PATH": ""},
		},
		{
			name: "empty previews dir",
			env:  map[string]string{"ANTHROPIC_API_KEY": "k", "PREVIEWS_DIR": ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chtmp(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Initialize()
			require.Error(t, err)
		})
	}
}

func TestGetPanicsBeforeInitialize(t *testing.T) {
	set(nil)
	assert.Panics(t, func() { Get() })
}

func TestGetAfterInitialize(t *testing.T) {
	chtmp(t)
	t.Setenv("OPENAI_API_KEY", "test-key")

	cfg, err := Initialize()
	require.NoError(t, err)
	assert.Same(t, cfg, Get())
}
