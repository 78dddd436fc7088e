package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/teranos/hone/ai"
	"github.com/teranos/hone/dataset"
)

// DefaultJudgeRubric scores a model output against its expected value.
// {input_prompt}, {input_data}, {expected}, and {actual} are substituted
// per row; custom rubrics may use any subset of the same placeholders.
const DefaultJudgeRubric = `You are an expert judge evaluating the quality of an AI-generated response.

Given:
- Input Prompt: {input_prompt}
- Expected Output: {expected}
- Actual Output: {actual}

Evaluate the actual output against the expected output. Consider:
1. Correctness: Does it match the expected output semantically?
2. Completeness: Does it cover all required information?
3. Format: Is it in the right format?

Respond with ONLY a JSON object:
{"reason": "your detailed reasoning here", "score": 0.0}

Score should be between 0.0 (completely wrong) and 1.0 (perfect match).`

// visionJudgeRubric replaces the default when the run carries image
// columns: the judge is shown the same attachments the tested model saw
// and is asked to ground its verdict in them.
const visionJudgeRubric = `You are an expert judge evaluating the quality of an AI-generated response to a visual input.

Given the attached image(s) the model was shown, plus:
- Input Prompt: {input_prompt}
- Expected Output: {expected}
- Actual Output: {actual}

Evaluate the actual output against the expected output and the visual evidence. Consider:
1. Correctness: Does it match the expected output and what the image(s) actually show?
2. Completeness: Does it cover all required information?
3. Format: Is it in the right format?

Respond with ONLY a JSON object:
{"reason": "your detailed reasoning here", "score": 0.0}

Score should be between 0.0 (completely wrong) and 1.0 (perfect match).`

const judgeTemperature = 0.1

// JudgeResult scores one test row. Err records a judging failure, which
// scores the row 0. Rows whose test already failed short-circuit to 0
// without a model call and leave Err empty.
type JudgeResult struct {
	Index     int
	Score     float64
	Reasoning string
	Err       string
}

// JudgeOptions tune one judge stage pass.
type JudgeOptions struct {
	Concurrency  int
	ImageColumns []string
}

// Judge scores test results with a judging model against a rubric.
type Judge struct {
	gateway ai.Gateway
	model   string
	rubric  string // empty means default
	images  ImageResolver
	logger  *zap.SugaredLogger
}

func NewJudge(gateway ai.Gateway, model, customRubric string, images ImageResolver, logger *zap.SugaredLogger) *Judge {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Judge{
		gateway: gateway,
		model:   model,
		rubric:  customRubric,
		images:  images,
		logger:  logger,
	}
}

// Run scores every test result, at most opts.Concurrency in flight at
// once. The returned slice mirrors the input order.
func (j *Judge) Run(ctx context.Context, results []TestResult, opts JudgeOptions) []JudgeResult {
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	out := make([]JudgeResult, len(results))
	sem := semaphore.NewWeighted(int64(concurrency))
	var wg sync.WaitGroup

	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				out[i] = judgeError(results[i].Index, err.Error())
				return
			}
			defer sem.Release(1)
			out[i] = j.judgeRow(ctx, results[i], opts.ImageColumns)
		}(i)
	}
	wg.Wait()
	return out
}

func (j *Judge) judgeRow(ctx context.Context, tr TestResult, imageColumns []string) JudgeResult {
	if tr.Failed() {
		return JudgeResult{
			Index:     tr.Index,
			Reasoning: "Test execution failed: " + tr.Err,
		}
	}

	rubric := j.rubric
	if rubric == "" {
		rubric = DefaultJudgeRubric
		if len(imageColumns) > 0 {
			rubric = visionJudgeRubric
		}
	}

	inputJSON := encodeInput(tr.InputData)
	inputPrompt := tr.RenderedPrompt
	if inputPrompt == "" {
		inputPrompt = inputJSON
	}

	prompt, err := dataset.Render(rubric, map[string]string{
		"input_prompt": inputPrompt,
		"input_data":   inputJSON,
		"expected":     tr.Expected,
		"actual":       tr.Actual,
	})
	if err != nil {
		return judgeError(tr.Index, err.Error())
	}

	req := ai.CompletionRequest{
		Model:       j.model,
		Prompt:      prompt,
		Temperature: judgeTemperature,
	}
	if len(imageColumns) > 0 {
		images, err := loadImages(ctx, j.images, tr.InputData, imageColumns)
		if err != nil {
			return judgeError(tr.Index, err.Error())
		}
		req.Images = images
	}

	obj, err := ai.CompleteStructured(ctx, j.gateway, req)
	if err != nil {
		j.logger.Errorw("judging case failed", "index", tr.Index, "error", err)
		return judgeError(tr.Index, err.Error())
	}

	score := 0.0
	if v, ok := obj["score"]; ok {
		f, numeric := ai.Float(v)
		if !numeric {
			return judgeError(tr.Index, fmt.Sprintf("non-numeric score %v", v))
		}
		score = clampScore(f)
	}

	reasoning := "No reasoning provided"
	if v, ok := obj["reason"]; ok {
		reasoning = ai.String(v)
	} else if v, ok := obj["reasoning"]; ok {
		reasoning = ai.String(v)
	}

	return JudgeResult{Index: tr.Index, Score: score, Reasoning: reasoning}
}

func judgeError(index int, detail string) JudgeResult {
	return JudgeResult{
		Index:     index,
		Reasoning: "Judge error: " + detail,
		Err:       detail,
	}
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// encodeInput renders a row's input columns as deterministic JSON for
// rubric substitution and failure digests.
func encodeInput(input map[string]string) string {
	b, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprintf("%v", input)
	}
	return string(b)
}
