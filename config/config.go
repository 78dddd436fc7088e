package config

// Config represents the core hone configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the hone web server
type ServerConfig struct {
	Port           *int     `mapstructure:"port"` // Server port: nil = default 879, 0 is invalid (omit for default)
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	LogTheme       string   `mapstructure:"log_theme"` // Color theme: gruvbox, everforest
}

// Server port constants
const (
	DefaultServerPort = 879 // Development port (easy to type, above privileged range)
)

// LLMConfig configures access to model providers.
// A provider is considered configured when it has a usable API key.
type LLMConfig struct {
	// DefaultProvider is the legacy single-provider setting used for any
	// pipeline stage without an explicit override.
	DefaultProvider string `mapstructure:"default_provider"`

	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`

	// Stages holds per-stage provider/model overrides keyed by stage name
	// (test, judge, summarize, improve).
	Stages map[string]StageConfig `mapstructure:"stages"`
}

// OpenAIConfig configures an OpenAI-compatible chat completions endpoint.
// BaseURL may point at api.openai.com, OpenRouter, Ollama, or any other
// compatible server.
type OpenAIConfig struct {
	APIKey            string `mapstructure:"api_key"`             // or HONE_LLM_OPENAI_API_KEY
	BaseURL           string `mapstructure:"base_url"`            // default: https://api.openai.com/v1
	Model             string `mapstructure:"model"`               // default model for all stages
	RequestsPerMinute int    `mapstructure:"requests_per_minute"` // 0 = no client-side rate limit
}

// AnthropicConfig configures the Anthropic Messages API
type AnthropicConfig struct {
	APIKey            string `mapstructure:"api_key"` // or HONE_LLM_ANTHROPIC_API_KEY
	Model             string `mapstructure:"model"`
	MaxTokens         int    `mapstructure:"max_tokens"`          // Messages API requires an explicit cap
	RequestsPerMinute int    `mapstructure:"requests_per_minute"` // 0 = no client-side rate limit
}

// StageConfig overrides provider and model for a single pipeline stage
type StageConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
}

// PipelineConfig carries the optimization loop defaults. A run may override
// any of these in its own immutable run config.
type PipelineConfig struct {
	Concurrency          int     `mapstructure:"concurrency"`           // parallel rows per stage (default: 5)
	MaxIterations        int     `mapstructure:"max_iterations"`        // iteration cap (default: 10)
	TargetScore          float64 `mapstructure:"target_score"`          // convergence target (default: 0.9)
	Temperature          float64 `mapstructure:"temperature"`           // test stage sampling temperature (default: 0.7)
	ConvergenceThreshold float64 `mapstructure:"convergence_threshold"` // stagnation diff bound (default: 0.02)
	Patience             int     `mapstructure:"patience"`              // stagnation window (default: 2)
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
