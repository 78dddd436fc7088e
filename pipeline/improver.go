package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/hone/ai"
	"github.com/teranos/hone/errors"
)

const improveTemperature = 0.7

const improvePromptFormat = `You are an expert prompt engineer. Your task is to improve a prompt template based on evaluation feedback.

Current Prompt Template:
---
%s
---

Performance Summary:
- Average Score: %.2f (target: %.2f)
- Failure Patterns: %s
- Success Patterns: %s
- Specific Issues: %s
- Suggestions: %s

%s

The prompt template uses {placeholder} variables (e.g., {input}, {text}) that get filled with test case data. You MUST preserve all existing placeholder variables.

Available placeholder variables: %s

Generate an improved version of the prompt that addresses the identified issues while preserving what already works well. Respond with ONLY a JSON object:
{
    "reasoning": "Explain what you changed and why",
    "improved_prompt": "The full improved prompt template with {placeholders} preserved"
}`

// Improvement is the improver's output: the next prompt to try, the
// model's explanation, and the full meta-prompt that produced it
// (persisted for inspection).
type Improvement struct {
	Reasoning      string
	ImprovedPrompt string
	PromptUsed     string
}

// ImproveOptions tune one improve stage pass.
type ImproveOptions struct {
	TargetScore float64
	// Columns are the placeholder names the template may reference.
	Columns  []string
	Language string
}

// Improver rewrites the prompt template based on the iteration summary
// and per-case judge reasoning.
type Improver struct {
	gateway ai.Gateway
	model   string
	logger  *zap.SugaredLogger
}

func NewImprover(gateway ai.Gateway, model string, logger *zap.SugaredLogger) *Improver {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Improver{gateway: gateway, model: model, logger: logger}
}

// Run asks the model for an improved prompt. The current prompt
// survives unchanged when the model returns nothing usable.
func (im *Improver) Run(ctx context.Context, currentPrompt string, summary *Summary, tests []TestResult, judges []JudgeResult, opts ImproveOptions) (*Improvement, error) {
	prompt := fmt.Sprintf(improvePromptFormat,
		currentPrompt,
		summary.AvgScore, opts.TargetScore,
		strings.Join(summary.FailurePatterns, ", "),
		strings.Join(summary.SuccessPatterns, ", "),
		strings.Join(summary.SpecificIssues, ", "),
		strings.Join(summary.Suggestions, ", "),
		judgeReasoningSection(tests, judges),
		strings.Join(opts.Columns, ", "),
	)
	if summary.UserFeedback != "" {
		prompt += "\n\nUser Feedback:\n" + summary.UserFeedback
	}
	prompt += languageSuffix("reasoning", opts.Language)

	obj, err := ai.CompleteStructured(ctx, im.gateway, ai.CompletionRequest{
		Model:       im.model,
		Prompt:      prompt,
		Temperature: improveTemperature,
	})
	if err != nil {
		return nil, errors.Wrap(err, "improve failed")
	}

	improved := currentPrompt
	if v, ok := obj["improved_prompt"]; ok {
		improved = ai.String(v)
	}
	reasoning := "No reasoning provided"
	if v, ok := obj["reasoning"]; ok {
		reasoning = ai.String(v)
	}

	if improved == currentPrompt || strings.TrimSpace(improved) == "" {
		im.logger.Warnw("improver returned same or empty prompt, keeping current")
		improved = currentPrompt
	}

	return &Improvement{
		Reasoning:      reasoning,
		ImprovedPrompt: improved,
		PromptUsed:     prompt,
	}, nil
}

// judgeReasoningSection lists per-case judge reasoning for failed and
// borderline rows so the improver sees why cases scored low. Empty when
// there are no results at all.
func judgeReasoningSection(tests []TestResult, judges []JudgeResult) string {
	if len(tests) == 0 || len(judges) == 0 {
		return ""
	}

	var failed, borderline []string
	for i, j := range judges {
		if i >= len(tests) {
			break
		}
		switch {
		case j.Score < failureThreshold:
			failed = append(failed, caseDigest(tests[i], j, "Judge Reasoning"))
		case j.Score < borderlineCeiling:
			borderline = append(borderline, caseDigest(tests[i], j, "Judge Reasoning"))
		}
	}

	lines := []string{"Judge Reasoning Details:"}
	if len(failed) > 0 {
		lines = append(lines, "\n--- Failed Cases (score < 0.7) ---")
		lines = append(lines, failed...)
	}
	if len(borderline) > 0 {
		lines = append(lines, "\n--- Low-Scoring Successes (0.7 <= score < 0.9) ---")
		lines = append(lines, borderline...)
	}
	return strings.Join(lines, "\n")
}
