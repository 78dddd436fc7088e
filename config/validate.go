package config

import "github.com/teranos/hone/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Server port: 0 is invalid (omit for default), negative is invalid
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.New("server.port cannot be 0 (omit for default port 879)")
	}
	if c.Server.Port != nil && *c.Server.Port < 0 {
		return errors.Newf("server.port must be positive, got %d", *c.Server.Port)
	}

	// Pipeline bounds. Zero values mean "unset" and fall back to defaults at
	// run creation, so only negatives are rejected here.
	if c.Pipeline.Concurrency < 0 {
		return errors.Newf("pipeline.concurrency must be >= 0, got %d", c.Pipeline.Concurrency)
	}
	if c.Pipeline.MaxIterations < 0 {
		return errors.Newf("pipeline.max_iterations must be >= 0, got %d", c.Pipeline.MaxIterations)
	}
	if c.Pipeline.TargetScore < 0 || c.Pipeline.TargetScore > 1 {
		return errors.Newf("pipeline.target_score must be in [0, 1], got %f", c.Pipeline.TargetScore)
	}
	if c.Pipeline.Temperature < 0 || c.Pipeline.Temperature > 2 {
		return errors.Newf("pipeline.temperature must be in [0, 2], got %f", c.Pipeline.Temperature)
	}
	if c.Pipeline.ConvergenceThreshold < 0 {
		return errors.Newf("pipeline.convergence_threshold must be >= 0, got %f", c.Pipeline.ConvergenceThreshold)
	}
	if c.Pipeline.Patience < 0 {
		return errors.Newf("pipeline.patience must be >= 0, got %d", c.Pipeline.Patience)
	}

	// Anthropic requires an explicit output token cap
	if c.LLM.Anthropic.MaxTokens < 0 {
		return errors.Newf("llm.anthropic.max_tokens must be >= 0, got %d", c.LLM.Anthropic.MaxTokens)
	}

	if c.LLM.OpenAI.RequestsPerMinute < 0 {
		return errors.Newf("llm.openai.requests_per_minute must be >= 0, got %d", c.LLM.OpenAI.RequestsPerMinute)
	}
	if c.LLM.Anthropic.RequestsPerMinute < 0 {
		return errors.Newf("llm.anthropic.requests_per_minute must be >= 0, got %d", c.LLM.Anthropic.RequestsPerMinute)
	}

	// Stage overrides must name a known provider when set
	for stage, sc := range c.LLM.Stages {
		switch stage {
		case "test", "judge", "summarize", "improve":
		default:
			return errors.Newf("llm.stages.%s is not a pipeline stage (expected test, judge, summarize, improve)", stage)
		}
		if sc.Provider != "" && sc.Provider != "openai" && sc.Provider != "anthropic" {
			return errors.Newf("llm.stages.%s.provider must be openai or anthropic, got %q", stage, sc.Provider)
		}
	}

	if p := c.LLM.DefaultProvider; p != "" && p != "openai" && p != "anthropic" {
		return errors.Newf("llm.default_provider must be openai or anthropic, got %q", p)
	}

	return nil
}
