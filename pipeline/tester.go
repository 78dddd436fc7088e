package pipeline

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/teranos/hone/ai"
	"github.com/teranos/hone/dataset"
	"github.com/teranos/hone/errors"
)

// ImageResolver loads a dataset cell value (URL, file path, data URI,
// or raw base64) into an attachable image. Implemented by
// dataset.ImageLoader.
type ImageResolver interface {
	Load(ctx context.Context, source string) (ai.ImageSource, error)
}

// TestResult is one dataset row's outcome against the current prompt.
// Err is set when the row produced no output: rendering failed, an
// image could not be loaded, or the model call gave up. Failed rows
// short-circuit to a zero score at the judge.
type TestResult struct {
	Index          int
	InputData      map[string]string // every column except the expected one
	Expected       string
	Actual         string
	RenderedPrompt string
	Err            string
}

// Failed reports whether the row produced no model output.
func (r TestResult) Failed() bool { return r.Err != "" }

// TestOptions tune one test stage pass.
type TestOptions struct {
	Concurrency  int
	ImageColumns []string
	// OnProgress is called after each row finishes, with the number of
	// rows completed so far. Calls arrive from row goroutines.
	OnProgress func(completed, total int)
}

// Tester evaluates the prompt template over dataset rows through a
// fixed model at the run's sampling temperature.
type Tester struct {
	gateway     ai.Gateway
	model       string
	temperature float64
	images      ImageResolver
	logger      *zap.SugaredLogger
}

func NewTester(gateway ai.Gateway, model string, temperature float64, images ImageResolver, logger *zap.SugaredLogger) *Tester {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Tester{
		gateway:     gateway,
		model:       model,
		temperature: temperature,
		images:      images,
		logger:      logger,
	}
}

// Run evaluates every row, at most opts.Concurrency rows in flight at
// once. Row failures are recorded in their result, never fatal to the
// batch. Results come back ordered by row index.
func (t *Tester) Run(ctx context.Context, template string, rows []map[string]string, expectedColumn string, opts TestOptions) []TestResult {
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	results := make([]TestResult, len(rows))
	sem := semaphore.NewWeighted(int64(concurrency))
	var wg sync.WaitGroup
	var completed atomic.Int64

	for i := range rows {
		wg.Add(1)
		go func(index int, row map[string]string) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				results[index] = TestResult{
					Index:     index,
					InputData: inputData(row, expectedColumn),
					Expected:  row[expectedColumn],
					Err:       err.Error(),
				}
			} else {
				results[index] = t.runRow(ctx, template, index, row, expectedColumn, opts.ImageColumns)
				sem.Release(1)
			}
			if opts.OnProgress != nil {
				opts.OnProgress(int(completed.Add(1)), len(rows))
			}
		}(i, rows[i])
	}
	wg.Wait()
	return results
}

func (t *Tester) runRow(ctx context.Context, template string, index int, row map[string]string, expectedColumn string, imageColumns []string) TestResult {
	result := TestResult{
		Index:     index,
		InputData: inputData(row, expectedColumn),
		Expected:  row[expectedColumn],
	}

	rendered, err := dataset.Render(template, textColumns(result.InputData, imageColumns))
	if err != nil {
		result.Err = err.Error()
		return result
	}
	result.RenderedPrompt = rendered

	req := ai.CompletionRequest{
		Model:       t.model,
		Prompt:      rendered,
		Temperature: t.temperature,
	}
	if len(imageColumns) > 0 {
		images, err := loadImages(ctx, t.images, result.InputData, imageColumns)
		if err != nil {
			result.Err = err.Error()
			return result
		}
		req.Images = images
	}

	resp, err := t.gateway.Complete(ctx, req)
	if err != nil {
		t.logger.Errorw("test case failed", "index", index, "error", err)
		result.Err = err.Error()
		return result
	}
	result.Actual = resp.Text
	return result
}

// inputData strips the expected column from a row.
func inputData(row map[string]string, expectedColumn string) map[string]string {
	input := make(map[string]string, len(row))
	for k, v := range row {
		if k != expectedColumn {
			input[k] = v
		}
	}
	return input
}

// textColumns strips image columns from the input so templates only
// ever render text values.
func textColumns(input map[string]string, imageColumns []string) map[string]string {
	if len(imageColumns) == 0 {
		return input
	}
	text := make(map[string]string, len(input))
	for k, v := range input {
		text[k] = v
	}
	for _, col := range imageColumns {
		delete(text, col)
	}
	return text
}

// loadImages resolves each image column's cell into an attachment,
// skipping blank cells.
func loadImages(ctx context.Context, resolver ImageResolver, input map[string]string, imageColumns []string) ([]ai.ImageSource, error) {
	if resolver == nil {
		return nil, errors.New("no image loader configured")
	}
	var images []ai.ImageSource
	for _, col := range imageColumns {
		src := strings.TrimSpace(input[col])
		if src == "" {
			continue
		}
		img, err := resolver.Load(ctx, src)
		if err != nil {
			return nil, errors.Wrapf(err, "image column %q", col)
		}
		images = append(images, img)
	}
	return images, nil
}
