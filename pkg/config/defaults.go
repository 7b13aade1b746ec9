package config

import "time"

// Default returns the built-in configuration. YAML and environment
// overrides are merged on top of this.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr: ":8090",
		},
		Store: StoreConfig{
			DatabasePath: "data/vibed.db",
		},
		Dirs: DirsConfig{
			ReposBaseDir:     "data/repos",
			WorktreesBaseDir: "data/worktrees",
			PatchesDir:       "data/patches",
			JobsDir:          "data/jobs",
			PreviewsDir:      "data/previews",
			PublishedDir:     "data/published",
		},
		Engine: EngineConfig{
			MaxIterations:           6,
			PollInterval:            5 * time.Second,
			PollIntervalJitter:      500 * time.Millisecond,
			MaxContextSize:          50000,
			MaxDiffSize:             5000,
			ProjectLockTTL:          15 * time.Minute,
			GracefulShutdownTimeout: 10 * time.Minute,
		},
		Preflight: PreflightConfig{
			StageTimeout: 5 * time.Minute,
			BuildCommand: "npm run build",
		},
		Git: GitConfig{
			AuthorName:    "vibed",
			AuthorEmail:   "vibed@localhost",
			RemoteTimeout: 2 * time.Minute,
		},
		Forge: ForgeConfig{
			APIBase: "https://api.github.com",
			Timeout: 15 * time.Second,
		},
		LLM: LLMConfig{
			Timeout:    30 * time.Second,
			MaxRetries: 2,
			Anthropic: LLMProviderConfig{
				Model: "claude-sonnet-4-20250514",
			},
			OpenAI: LLMProviderConfig{
				Model: "gpt-4o",
			},
		},
		Retention: RetentionConfig{
			EventTTLDays:    30,
			CleanupInterval: 1 * time.Hour,
		},
		LogLevel: "info",
	}
}
