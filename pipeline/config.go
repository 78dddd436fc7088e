package pipeline

import (
	"encoding/json"
	"strings"

	"github.com/teranos/hone/config"
	"github.com/teranos/hone/errors"
)

// RunConfig is the per-run knob set, decoded once from the create
// request and immutable for the life of the run. Provider and model
// fields left empty resolve through the configured stage defaults.
type RunConfig struct {
	Model            string `json:"model,omitempty"`
	ModelProvider    string `json:"model_provider,omitempty"`
	JudgeModel       string `json:"judge_model,omitempty"`
	JudgeProvider    string `json:"judge_provider,omitempty"`
	ImproverModel    string `json:"improver_model,omitempty"`
	ImproverProvider string `json:"improver_provider,omitempty"`

	MaxIterations        int     `json:"max_iterations"`
	TargetScore          float64 `json:"target_score"`
	Temperature          float64 `json:"temperature"`
	Concurrency          int     `json:"concurrency"`
	ConvergenceThreshold float64 `json:"convergence_threshold"`
	ConvergencePatience  int     `json:"convergence_patience"`

	// JudgePrompt replaces the default judging rubric. It may reference
	// {input_prompt}, {input_data}, {expected}, and {actual}.
	JudgePrompt string `json:"judge_prompt,omitempty"`

	// ImageColumns names dataset columns whose cells are image references
	// (URL, file path, data URI, or base64) attached to test and judge
	// calls instead of being rendered into the prompt text.
	ImageColumns []string `json:"image_columns,omitempty"`

	HumanFeedbackEnabled bool   `json:"human_feedback_enabled"`
	SummaryLanguage      string `json:"summary_language"`
}

// ParseRunConfig decodes request JSON over the configured pipeline
// defaults: absent keys keep their defaults, present keys win even when
// zero-valued. An empty payload yields pure defaults.
func ParseRunConfig(data []byte, defaults config.PipelineConfig) (RunConfig, error) {
	cfg := RunConfig{
		MaxIterations:        defaults.MaxIterations,
		TargetScore:          defaults.TargetScore,
		Temperature:          defaults.Temperature,
		Concurrency:          defaults.Concurrency,
		ConvergenceThreshold: defaults.ConvergenceThreshold,
		ConvergencePatience:  defaults.Patience,
		SummaryLanguage:      "English",
	}
	if trimmed := strings.TrimSpace(string(data)); trimmed != "" {
		if err := json.Unmarshal([]byte(trimmed), &cfg); err != nil {
			return RunConfig{}, errors.Wrapf(errors.ErrInvalidRequest, "invalid config: %v", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return RunConfig{}, err
	}
	return cfg, nil
}

// Validate checks the numeric knobs against their legal ranges.
func (c RunConfig) Validate() error {
	switch {
	case c.MaxIterations < 1:
		return errors.Wrap(errors.ErrInvalidRequest, "max_iterations must be at least 1")
	case c.Concurrency < 1:
		return errors.Wrap(errors.ErrInvalidRequest, "concurrency must be at least 1")
	case c.TargetScore < 0 || c.TargetScore > 1:
		return errors.Wrap(errors.ErrInvalidRequest, "target_score must be between 0 and 1")
	case c.Temperature < 0 || c.Temperature > 2:
		return errors.Wrap(errors.ErrInvalidRequest, "temperature must be between 0 and 2")
	case c.ConvergenceThreshold < 0:
		return errors.Wrap(errors.ErrInvalidRequest, "convergence_threshold must not be negative")
	case c.ConvergencePatience < 1:
		return errors.Wrap(errors.ErrInvalidRequest, "convergence_patience must be at least 1")
	}
	for _, col := range c.ImageColumns {
		if strings.TrimSpace(col) == "" {
			return errors.Wrap(errors.ErrInvalidRequest, "image_columns must not contain blank names")
		}
	}
	return nil
}
