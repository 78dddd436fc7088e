package config

import (
	"fmt"

	"github.com/spf13/viper"
)

const (
	defaultDatabaseFile = "hone.db"
	defaultLogTheme     = "everforest"
)

// defaultAllowedOrigins covers browsers talking to a server on the same
// machine. Remote deployments set server.allowed_origins explicitly.
var defaultAllowedOrigins = []string{
	"http://localhost",
	"https://localhost",
	"http://127.0.0.1",
	"https://127.0.0.1",
}

// SetDefaults seeds v with the built-in value for every setting, so the
// file cascade and introspection always see a complete key set.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", defaultDatabaseFile)

	v.SetDefault("llm.default_provider", "openai")
	v.SetDefault("llm.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.openai.model", "gpt-4o-mini")
	v.SetDefault("llm.openai.requests_per_minute", 0)
	v.SetDefault("llm.anthropic.model", "claude-sonnet-4-5")
	v.SetDefault("llm.anthropic.max_tokens", 4096)
	v.SetDefault("llm.anthropic.requests_per_minute", 0)

	v.SetDefault("pipeline.concurrency", 5)
	v.SetDefault("pipeline.max_iterations", 10)
	v.SetDefault("pipeline.target_score", 0.9)
	v.SetDefault("pipeline.temperature", 0.7)
	v.SetDefault("pipeline.convergence_threshold", 0.02)
	v.SetDefault("pipeline.patience", 2)

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", defaultAllowedOrigins)
	v.SetDefault("server.log_theme", defaultLogTheme)
}

// BindSensitiveEnvVars binds credentials and endpoint overrides that
// belong in the environment rather than in config files on disk.
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("llm.openai.api_key", "HONE_LLM_OPENAI_API_KEY")
	v.BindEnv("llm.anthropic.api_key", "HONE_LLM_ANTHROPIC_API_KEY")

	// OpenAI-compatible servers (OpenRouter, Ollama, vLLM) swap the
	// endpoint without editing any file.
	v.BindEnv("llm.openai.base_url", "HONE_LLM_OPENAI_BASE_URL")

	v.BindEnv("database.path", "HONE_DATABASE_PATH")
}

// GetServerPort returns the listen port, or DefaultServerPort when the
// config leaves it unset.
func (c *Config) GetServerPort() int {
	if c.Server.Port == nil {
		return DefaultServerPort
	}
	return *c.Server.Port
}

// GetDatabasePath returns the SQLite file path, falling back to the
// built-in name for zero-value configs.
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return defaultDatabaseFile
	}
	return c.Database.Path
}

// GetServerAllowedOrigins returns the CORS origin allowlist.
func (c *Config) GetServerAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return defaultAllowedOrigins
	}
	return c.Server.AllowedOrigins
}

// GetServerLogTheme returns the console color theme for log output.
func (c *Config) GetServerLogTheme() string {
	if c.Server.LogTheme == "" {
		return defaultLogTheme
	}
	return c.Server.LogTheme
}

// StageDefault returns the provider/model override for a pipeline stage,
// or the zero StageConfig when the stage has no override.
func (c *Config) StageDefault(stage string) StageConfig {
	if c.LLM.Stages == nil {
		return StageConfig{}
	}
	return c.LLM.Stages[stage]
}

// String renders a compact summary for debug logging.
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Server: {LogTheme: %s}, Pipeline: {Concurrency: %d, MaxIterations: %d}}",
		c.Database.Path, c.Server.LogTheme, c.Pipeline.Concurrency, c.Pipeline.MaxIterations)
}
