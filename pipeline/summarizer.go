package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/hone/ai"
	"github.com/teranos/hone/errors"
)

const summarizeTemperature = 0.3

const summarizePromptFormat = `You are analyzing the results of a prompt evaluation. Below are the judge evaluations for each test case.

Current prompt being evaluated:
%s

Test Results Summary:
- Average Score: %.2f
- Min Score: %.2f
- Max Score: %.2f
- Total Cases: %d
- Failed Cases (score < 0.7): %d

Detailed Failures (score < 0.7):
%s

Analyze the failure patterns and provide a JSON response:
{
    "summary": "Brief overview of performance",
    "failure_patterns": ["pattern1", "pattern2"],
    "specific_issues": ["issue1", "issue2"],
    "suggestions": ["suggestion1", "suggestion2"]
}`

// Summary aggregates one iteration's judge results: score statistics
// computed locally plus the model's reading of the failure patterns.
type Summary struct {
	AvgScore float64
	MinScore float64
	MaxScore float64

	Summary         string
	FailurePatterns []string
	SuccessPatterns []string
	SpecificIssues  []string
	Suggestions     []string

	// UserFeedback is attached at the feedback checkpoint, never
	// model-produced. The improver appends it to its meta-prompt.
	UserFeedback string
}

// SummarizeOptions tune one summarize stage pass.
type SummarizeOptions struct {
	// Language other than English asks the model to respond in it.
	Language string
	// Feedback carries the previous iteration's user feedback into the
	// analysis.
	Feedback string
}

// Summarizer condenses an iteration's judge results into failure
// patterns and suggestions for the improver.
type Summarizer struct {
	gateway ai.Gateway
	model   string
	logger  *zap.SugaredLogger
}

func NewSummarizer(gateway ai.Gateway, model string, logger *zap.SugaredLogger) *Summarizer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Summarizer{gateway: gateway, model: model, logger: logger}
}

// Run computes score statistics and asks the model to name failure
// patterns. Only the qualitative fields come from the model; an
// unparseable reply leaves them empty without failing the stage.
func (s *Summarizer) Run(ctx context.Context, promptTemplate string, tests []TestResult, judges []JudgeResult, opts SummarizeOptions) (*Summary, error) {
	sum := &Summary{}
	if len(judges) > 0 {
		sum.MinScore = judges[0].Score
		sum.MaxScore = judges[0].Score
		total := 0.0
		for _, j := range judges {
			total += j.Score
			if j.Score < sum.MinScore {
				sum.MinScore = j.Score
			}
			if j.Score > sum.MaxScore {
				sum.MaxScore = j.Score
			}
		}
		sum.AvgScore = total / float64(len(judges))
	}

	var failures []string
	for i, j := range judges {
		if i >= len(tests) || j.Score >= failureThreshold {
			continue
		}
		failures = append(failures, caseDigest(tests[i], j, "Reasoning"))
	}
	failureDetails := "No significant failures."
	if len(failures) > 0 {
		failureDetails = strings.Join(failures, "\n")
	}

	prompt := fmt.Sprintf(summarizePromptFormat,
		promptTemplate,
		sum.AvgScore, sum.MinScore, sum.MaxScore,
		len(tests), len(failures),
		failureDetails,
	)
	if opts.Feedback != "" {
		prompt += "\n\nUser Feedback:\n" + opts.Feedback
	}
	prompt += languageSuffix("response", opts.Language)

	obj, err := ai.CompleteStructured(ctx, s.gateway, ai.CompletionRequest{
		Model:       s.model,
		Prompt:      prompt,
		Temperature: summarizeTemperature,
	})
	if err != nil {
		return nil, errors.Wrap(err, "summarize failed")
	}

	sum.Summary = ai.String(obj["summary"])
	sum.FailurePatterns = stringList(obj["failure_patterns"])
	sum.SuccessPatterns = stringList(obj["success_patterns"])
	sum.SpecificIssues = stringList(obj["specific_issues"])
	sum.Suggestions = stringList(obj["suggestions"])
	return sum, nil
}

// caseDigest renders one row for a failure listing. reasoningLabel is
// "Reasoning" in the summarizer digest and "Judge Reasoning" in the
// improver digest.
func caseDigest(tr TestResult, jr JudgeResult, reasoningLabel string) string {
	actual := tr.Actual
	if tr.Failed() {
		actual = "N/A"
	}
	return fmt.Sprintf("  Case %d: score=%.2f\n    Input: %s\n    Expected: %s\n    Actual: %s\n    %s: %s",
		tr.Index, jr.Score, encodeInput(tr.InputData), tr.Expected, actual, reasoningLabel, jr.Reasoning)
}

// languageSuffix builds the output-language instruction appended to
// summarize and improve prompts. English (or unset) adds nothing.
func languageSuffix(noun, language string) string {
	if language == "" || language == "English" {
		return ""
	}
	return fmt.Sprintf("\n\nIMPORTANT: Write your %s in %s.", noun, language)
}

// stringList coerces a decoded JSON array into its string elements,
// dropping anything that is not a string.
func stringList(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := ai.String(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}
