// Package config provides the process-wide configuration surface.
// Configuration is resolved once at startup (defaults → optional YAML file →
// environment variables) and is immutable afterwards.
package config

import (
	"fmt"
	"sync"
	"time"
)

// Config is the complete resolved configuration for a vibed process.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Store     StoreConfig     `yaml:"store"`
	Dirs      DirsConfig      `yaml:"dirs"`
	Engine    EngineConfig    `yaml:"engine"`
	Preflight PreflightConfig `yaml:"preflight"`
	Git       GitConfig       `yaml:"git"`
	Forge     ForgeConfig     `yaml:"forge"`
	LLM       LLMConfig       `yaml:"llm"`
	Retention RetentionConfig `yaml:"retention"`
	LogLevel  string          `yaml:"log_level"`
}

// HTTPConfig holds the API listener settings.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// StoreConfig holds durable-store settings.
type StoreConfig struct {
	// DatabasePath is the SQLite database file. The parent directory is
	// created if missing.
	DatabasePath string `yaml:"database_path"`
}

// DirsConfig enumerates the on-disk artifact roots.
type DirsConfig struct {
	ReposBaseDir     string `yaml:"repos_base_dir"`
	WorktreesBaseDir string `yaml:"worktrees_base_dir"`
	PatchesDir       string `yaml:"patches_dir"`
	JobsDir          string `yaml:"jobs_dir"`
	PreviewsDir      string `yaml:"previews_dir"`
	PublishedDir     string `yaml:"published_dir"`
}

// EngineConfig controls the job engine loop.
type EngineConfig struct {
	// MaxIterations bounds the LLM→apply→preflight loop per job.
	MaxIterations int `yaml:"max_iterations"`

	// PollInterval is the base queue polling interval.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter randomises polling so multiple engine instances
	// against one store do not thunder together.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// MaxContextSize caps the prompt context bundle, in characters.
	MaxContextSize int `yaml:"max_context_size"`

	// MaxDiffSize caps accepted diffs, in lines.
	MaxDiffSize int `yaml:"max_diff_size"`

	// ProjectLockTTL is how long a project lock may be held before another
	// engine instance may reclaim it as stale.
	ProjectLockTTL time.Duration `yaml:"project_lock_ttl"`

	// GracefulShutdownTimeout is the max time to wait for the active job
	// to finish during shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// PreflightConfig holds the quality-gate commands. An empty command skips
// its stage.
type PreflightConfig struct {
	StageTimeout     time.Duration `yaml:"stage_timeout"`
	LintCommand      string        `yaml:"lint_command"`
	TypecheckCommand string        `yaml:"typecheck_command"`
	TestCommand      string        `yaml:"test_command"`
	SmokeCommand     string        `yaml:"smoke_command"`
	BuildCommand     string        `yaml:"build_command"`
}

// GitConfig holds committer identity and local git behaviour.
type GitConfig struct {
	AuthorName    string        `yaml:"author_name"`
	AuthorEmail   string        `yaml:"author_email"`
	RemoteTimeout time.Duration `yaml:"remote_timeout"`
}

// ForgeConfig holds pull-request forge settings.
type ForgeConfig struct {
	// Token authenticates pushes and PR creation. Empty disables PR
	// publishing; local-only projects still complete with a checkpoint tag.
	Token   string        `yaml:"-"`
	APIBase string        `yaml:"api_base"`
	Timeout time.Duration `yaml:"timeout"`
}

// LLMProviderConfig holds one provider's credentials and model binding.
type LLMProviderConfig struct {
	APIKey  string `yaml:"-"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// LLMConfig holds per-provider settings for the LLM router.
type LLMConfig struct {
	Timeout    time.Duration     `yaml:"timeout"`
	MaxRetries int               `yaml:"max_retries"`
	Anthropic  LLMProviderConfig `yaml:"anthropic"`
	OpenAI     LLMProviderConfig `yaml:"openai"`
}

// RetentionConfig controls background cleanup of old events and failed
// patch files. EventTTLDays == 0 disables cleanup entirely.
type RetentionConfig struct {
	EventTTLDays    int           `yaml:"event_ttl_days"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

var (
	global *Config
	mu     sync.RWMutex
)

// Get returns the process configuration. It panics if Initialize has not
// completed; configuration is a startup concern, never a request-time one.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if global == nil {
		panic("config: Get called before Initialize")
	}
	return global
}

// set installs the resolved configuration. Used by Initialize and by tests.
func set(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	global = cfg
}

// SetForTesting installs cfg as the process configuration. Test helper.
func SetForTesting(cfg *Config) {
	set(cfg)
}

// validate checks the resolved configuration for startup-fatal problems.
func (c *Config) validate() error {
	if c.Store.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH must not be empty")
	}
	dirs := map[string]string{
		"REPOS_BASE_DIR":     c.Dirs.ReposBaseDir,
		"WORKTREES_BASE_DIR": c.Dirs.WorktreesBaseDir,
		"PATCHES_DIR":        c.Dirs.PatchesDir,
		"JOBS_DIR":           c.Dirs.JobsDir,
		"PREVIEWS_DIR":       c.Dirs.PreviewsDir,
		"PUBLISHED_DIR":      c.Dirs.PublishedDir,
	}
	for key, val := range dirs {
		if val == "" {
			return fmt.Errorf("%s must not be empty", key)
		}
	}
	if c.Engine.MaxIterations < 1 {
		return fmt.Errorf("MAX_ITERATIONS must be >= 1, got %d", c.Engine.MaxIterations)
	}
	if c.Engine.PollInterval <= 0 {
		return fmt.Errorf("EXECUTOR_POLL_INTERVAL must be positive, got %s", c.Engine.PollInterval)
	}
	if c.Engine.MaxContextSize < 1 {
		return fmt.Errorf("MAX_CONTEXT_SIZE must be >= 1, got %d", c.Engine.MaxContextSize)
	}
	if c.Engine.MaxDiffSize < 1 {
		return fmt.Errorf("MAX_DIFF_SIZE must be >= 1, got %d", c.Engine.MaxDiffSize)
	}
	if c.Preflight.StageTimeout <= 0 {
		return fmt.Errorf("PREFLIGHT_TIMEOUT must be positive, got %s", c.Preflight.StageTimeout)
	}
	if c.LLM.Anthropic.APIKey == "" && c.LLM.OpenAI.APIKey == "" {
		return fmt.Errorf("at least one LLM provider credential is required (ANTHROPIC_API_KEY or OPENAI_API_KEY)")
	}
	return nil
}
