package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize resolves and installs the process configuration.
//
// Resolution order (later wins):
//  1. Built-in defaults
//  2. Optional YAML file (VIBED_CONFIG, default "vibed.yaml" when present)
//  3. Environment variables
//
// The resolved configuration is validated before it is installed; a failure
// here must abort startup.
func Initialize() (*Config, error) {
	cfg := Default()

	path := os.Getenv("VIBED_CONFIG")
	explicit := path != ""
	if path == "" {
		path = "vibed.yaml"
	}
	if err := loadYAMLFile(cfg, path, explicit); err != nil {
		return nil, err
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	set(cfg)
	slog.Info("Configuration initialized",
		"database_path", cfg.Store.DatabasePath,
		"max_iterations", cfg.Engine.MaxIterations,
		"poll_interval", cfg.Engine.PollInterval,
		"http_addr", cfg.HTTP.Addr)
	return cfg, nil
}

// loadYAMLFile merges a YAML override file into cfg. A missing file is only
// an error when the path was set explicitly.
func loadYAMLFile(cfg *Config, path string, explicit bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	data = ExpandEnv(data)

	var overrides Config
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	// Non-zero override values win over defaults.
	if err := mergo.Merge(cfg, &overrides, mergo.WithOverride); err != nil {
		return fmt.Errorf("merge config file %s: %w", path, err)
	}

	slog.Info("Loaded configuration overrides", "path", path)
	return nil
}

// applyEnv overrides cfg fields from the enumerated environment variables.
func applyEnv(cfg *Config) {
	envString(&cfg.HTTP.Addr, "HTTP_ADDR")
	envString(&cfg.Store.DatabasePath, "DATABASE_PATH")

	envString(&cfg.Dirs.ReposBaseDir, "REPOS_BASE_DIR")
	envString(&cfg.Dirs.WorktreesBaseDir, "WORKTREES_BASE_DIR")
	envString(&cfg.Dirs.PatchesDir, "PATCHES_DIR")
	envString(&cfg.Dirs.JobsDir, "JOBS_DIR")
	envString(&cfg.Dirs.PreviewsDir, "PREVIEWS_DIR")
	envString(&cfg.Dirs.PublishedDir, "PUBLISHED_DIR")

	envInt(&cfg.Engine.MaxIterations, "MAX_ITERATIONS")
	envMillis(&cfg.Engine.PollInterval, "EXECUTOR_POLL_INTERVAL")
	envInt(&cfg.Engine.MaxContextSize, "MAX_CONTEXT_SIZE")
	envInt(&cfg.Engine.MaxDiffSize, "MAX_DIFF_SIZE")

	envMillis(&cfg.Preflight.StageTimeout, "PREFLIGHT_TIMEOUT")
	envString(&cfg.Preflight.LintCommand, "LINT_COMMAND")
	envString(&cfg.Preflight.TypecheckCommand, "TYPECHECK_COMMAND")
	envString(&cfg.Preflight.TestCommand, "TEST_COMMAND")
	envString(&cfg.Preflight.SmokeCommand, "SMOKE_COMMAND")
	envString(&cfg.Preflight.BuildCommand, "BUILD_COMMAND")

	envString(&cfg.Git.AuthorName, "GIT_AUTHOR_NAME")
	envString(&cfg.Git.AuthorEmail, "GIT_AUTHOR_EMAIL")
	envMillis(&cfg.Git.RemoteTimeout, "GIT_REMOTE_TIMEOUT_MS")

	envString(&cfg.Forge.Token, "GITHUB_TOKEN")
	envString(&cfg.Forge.APIBase, "FORGE_API_BASE")
	envMillis(&cfg.Forge.Timeout, "FORGE_TIMEOUT_MS")

	envMillis(&cfg.LLM.Timeout, "LLM_TIMEOUT_MS")
	envInt(&cfg.LLM.MaxRetries, "LLM_MAX_RETRIES")
	envString(&cfg.LLM.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	envString(&cfg.LLM.Anthropic.BaseURL, "ANTHROPIC_BASE_URL")
	envString(&cfg.LLM.Anthropic.Model, "ANTHROPIC_MODEL")
	envString(&cfg.LLM.OpenAI.APIKey, "OPENAI_API_KEY")
	envString(&cfg.LLM.OpenAI.BaseURL, "OPENAI_BASE_URL")
	envString(&cfg.LLM.OpenAI.Model, "OPENAI_MODEL")

	envInt(&cfg.Retention.EventTTLDays, "EVENT_TTL_DAYS")
	envDuration(&cfg.Retention.CleanupInterval, "CLEANUP_INTERVAL")

	envString(&cfg.LogLevel, "LOG_LEVEL")
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Ignoring non-integer environment value", "key", key, "value", v)
		return
	}
	*dst = n
}

// envMillis reads an integer millisecond value into a duration.
func envMillis(dst *time.Duration, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Ignoring non-integer environment value", "key", key, "value", v)
		return
	}
	*dst = time.Duration(n) * time.Millisecond
}

// envDuration reads a Go duration string ("90s", "1h") into dst.
func envDuration(dst *time.Duration, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("Ignoring unparseable duration environment value", "key", key, "value", v)
		return
	}
	*dst = d
}
