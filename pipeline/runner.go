package pipeline

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/hone/ai"
	"github.com/teranos/hone/ai/provider"
	"github.com/teranos/hone/ai/tracker"
	"github.com/teranos/hone/dataset"
	"github.com/teranos/hone/errors"
	"github.com/teranos/hone/logger"
	"github.com/teranos/hone/metrics"
)

// terminalWriteTimeout bounds the store writes that record a run's
// terminal state. These writes use a fresh context so they land even
// when the run's own context was canceled.
const terminalWriteTimeout = 10 * time.Second

// heartbeatInterval paces the per-run resource pulse log.
const heartbeatInterval = 30 * time.Second

// Run is everything the runner needs to execute one optimization: the
// persisted row's identity plus the in-memory dataset. Rows are not
// persisted, so a run cannot resume across a process restart.
type Run struct {
	ID             string
	Name           string
	InitialPrompt  string
	ExpectedColumn string
	Config         RunConfig
	Dataset        *dataset.Dataset
}

// RunStore is the persistence the runner writes through, implemented by
// store.Store. Usage rows flow through the embedded tracker.Store.
type RunStore interface {
	tracker.Store

	MarkRunRunning(ctx context.Context, runID string) error
	MarkRunCompleted(ctx context.Context, runID, bestPrompt string, bestScore float64, totalIterations int) error
	MarkRunStopped(ctx context.Context, runID string) error
	MarkRunFailed(ctx context.Context, runID, errorMessage string) error
	UpdateRunIterations(ctx context.Context, runID string, totalIterations int) error

	CreateIteration(ctx context.Context, runID string, iterationNum int, promptTemplate string) (int64, error)
	SaveTestResults(ctx context.Context, iterationID int64, tests []TestResult, judges []JudgeResult) error
	UpdateIterationScores(ctx context.Context, iterationID int64, avgScore, minScore, maxScore float64, summary string) error
	UpdateIterationImprovement(ctx context.Context, iterationID int64, reasoning, improverPrompt string) error

	AppendRunLog(ctx context.Context, runID string, iterationNum int, stage, level, message string) error
}

// GatewayResolver binds pipeline stages to providers and builds their
// completion gateways. Implemented by provider.Registry.
type GatewayResolver interface {
	Resolve(stage, explicitProvider, explicitModel string) (provider.ID, string, error)
	Gateway(id provider.ID, rec ai.UsageRecorder) (ai.Gateway, error)
	HasStageDefault(stage string) bool
}

// runHandle carries the control surface for one executing run. Stop is
// cooperative: the loop observes stopCh at stage boundaries so an
// in-flight batch always drains. cancel aborts outstanding model calls
// immediately and is reserved for delete and shutdown.
type runHandle struct {
	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	feedback chan string
}

func (h *runHandle) requestStop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

func (h *runHandle) stopRequested() bool {
	select {
	case <-h.stopCh:
		return true
	default:
		return false
	}
}

// Runner owns every in-flight optimization run: it resolves per-stage
// models, drives the iteration loop, persists progress, and fans events
// out through the notifier.
type Runner struct {
	store    RunStore
	notifier *Notifier
	gateways GatewayResolver
	images   ImageResolver
	logger   *zap.SugaredLogger

	mu     sync.Mutex
	active map[string]*runHandle
	wg     sync.WaitGroup
}

func NewRunner(store RunStore, notifier *Notifier, gateways GatewayResolver, images ImageResolver, log *zap.SugaredLogger) *Runner {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Runner{
		store:    store,
		notifier: notifier,
		gateways: gateways,
		images:   images,
		logger:   log,
		active:   make(map[string]*runHandle),
	}
}

// Start launches the run's optimization loop in the background. The run
// must already be persisted in pending state.
func (r *Runner) Start(run Run) error {
	if run.Dataset == nil || len(run.Dataset.Rows) == 0 {
		return errors.Wrap(errors.ErrInvalidRequest, "run has no dataset rows")
	}

	ctx, cancel := context.WithCancel(context.Background())
	handle := &runHandle{
		cancel:   cancel,
		stopCh:   make(chan struct{}),
		feedback: make(chan string, 1),
	}

	r.mu.Lock()
	if _, exists := r.active[run.ID]; exists {
		r.mu.Unlock()
		cancel()
		return errors.Wrapf(errors.ErrAlreadyExists, "run %s is already executing", run.ID)
	}
	r.active[run.ID] = handle
	r.mu.Unlock()

	metrics.RunsStartedTotal.Inc()
	metrics.RunsActive.Inc()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		defer func() {
			r.mu.Lock()
			delete(r.active, run.ID)
			r.mu.Unlock()
			metrics.RunsActive.Dec()
		}()
		status := r.execute(ctx, run, handle)
		metrics.RunsFinishedTotal.WithLabelValues(status).Inc()
	}()
	return nil
}

// RequestStop asks a run to stop at its next stage boundary.
func (r *Runner) RequestStop(runID string) error {
	r.mu.Lock()
	handle, ok := r.active[runID]
	r.mu.Unlock()
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "run %s is not executing", runID)
	}
	handle.requestStop()
	return nil
}

// Cancel aborts a run immediately, interrupting in-flight model calls.
// Used by delete after the stop grace period. No-op for inactive runs.
func (r *Runner) Cancel(runID string) {
	r.mu.Lock()
	handle, ok := r.active[runID]
	r.mu.Unlock()
	if ok {
		handle.requestStop()
		handle.cancel()
	}
}

// SubmitFeedback hands user feedback to a run waiting at its feedback
// checkpoint. A second submission before the checkpoint consumes the
// slot of the first.
func (r *Runner) SubmitFeedback(runID, feedback string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.active[runID]
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "run %s is not executing", runID)
	}
	// Replace any pending submission. The buffer has room after the
	// drain because senders are serialized by r.mu.
	select {
	case <-handle.feedback:
	default:
	}
	handle.feedback <- feedback
	return nil
}

// Active reports whether a run is currently executing.
func (r *Runner) Active(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[runID]
	return ok
}

// Shutdown cancels every active run and waits for their loops to exit
// or the context to end.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	for _, handle := range r.active {
		handle.requestStop()
		handle.cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "shutdown timed out waiting for runs")
	}
}

// execute runs the loop and translates its outcome into a terminal
// status, catching panics so a bad stage never takes the process down.
func (r *Runner) execute(ctx context.Context, run Run, handle *runHandle) (status string) {
	log := r.logger.With(logger.FieldRunID, run.ID)
	trk := tracker.New(run.ID, r.store, log)

	stopHeartbeat := r.startHeartbeat(log)
	defer stopHeartbeat()

	defer func() {
		if p := recover(); p != nil {
			log.Errorw("pipeline panicked", "panic", p)
			r.failRun(run.ID, trk, errors.Newf("pipeline panic: %v", p), log)
			status = StatusFailed
		}
	}()

	final, err := r.loop(ctx, run, handle, trk, log)
	if err != nil {
		if ctx.Err() != nil {
			return r.finishStopped(run.ID, trk, log)
		}
		r.failRun(run.ID, trk, err, log)
		return StatusFailed
	}
	return final
}

func (r *Runner) loop(ctx context.Context, run Run, handle *runHandle, trk *tracker.Tracker, log *zap.SugaredLogger) (string, error) {
	cfg := run.Config

	if err := r.store.MarkRunRunning(ctx, run.ID); err != nil {
		return "", err
	}

	stages, err := r.resolveStages(cfg, trk)
	if err != nil {
		return "", err
	}

	tester := NewTester(stages.test.gateway, stages.test.model, cfg.Temperature, r.images, log)
	judge := NewJudge(stages.judge.gateway, stages.judge.model, cfg.JudgePrompt, r.images, log)
	summarizer := NewSummarizer(stages.summarize.gateway, stages.summarize.model, log)
	improver := NewImprover(stages.improve.gateway, stages.improve.model, log)

	inputColumns := templateColumns(run.Dataset.Columns, run.ExpectedColumn, cfg.ImageColumns)

	currentPrompt := run.InitialPrompt
	bestScore := 0.0
	bestPrompt := currentPrompt
	var scores []float64
	var feedbackCarry string

	r.logLine(ctx, run.ID, 0, StageSystem, "info",
		fmt.Sprintf("Pipeline started. Max iterations: %d, target: %g", cfg.MaxIterations, cfg.TargetScore), log)

	for iter := 1; iter <= cfg.MaxIterations; iter++ {
		if r.shouldStop(ctx, handle) {
			r.logLine(ctx, run.ID, 0, StageSystem, "info", "Pipeline stopped by user", log)
			return r.finishStopped(run.ID, trk, log), nil
		}
		iterStart := time.Now()

		iterID, err := r.store.CreateIteration(ctx, run.ID, iter, currentPrompt)
		if err != nil {
			return "", err
		}

		r.notifier.StageStart(run.ID, StageTest, iter)
		r.logLine(ctx, run.ID, iter, StageTest, "info",
			fmt.Sprintf("Iteration %d: Running tests on %d cases", iter, len(run.Dataset.Rows)), log)

		tests := tester.Run(ctx, currentPrompt, run.Dataset.Rows, run.ExpectedColumn, TestOptions{
			Concurrency:  cfg.Concurrency,
			ImageColumns: cfg.ImageColumns,
			OnProgress: func(completed, total int) {
				log.Debugw("Test progress", logger.FieldCompleted, completed, logger.FieldTotal, total)
				r.notifier.TestProgress(run.ID, completed, total)
			},
		})

		if r.shouldStop(ctx, handle) {
			return r.finishStopped(run.ID, trk, log), nil
		}

		r.notifier.StageStart(run.ID, StageJudge, iter)
		r.logLine(ctx, run.ID, iter, StageJudge, "info",
			fmt.Sprintf("Iteration %d: Judging results", iter), log)

		judges := judge.Run(ctx, tests, JudgeOptions{
			Concurrency:  cfg.Concurrency,
			ImageColumns: cfg.ImageColumns,
		})

		if err := r.store.SaveTestResults(ctx, iterID, tests, judges); err != nil {
			return "", err
		}

		if r.shouldStop(ctx, handle) {
			return r.finishStopped(run.ID, trk, log), nil
		}

		r.notifier.StageStart(run.ID, StageSummarize, iter)
		r.logLine(ctx, run.ID, iter, StageSummarize, "info",
			fmt.Sprintf("Iteration %d: Summarizing results", iter), log)

		summary, err := summarizer.Run(ctx, currentPrompt, tests, judges, SummarizeOptions{
			Language: cfg.SummaryLanguage,
			Feedback: feedbackCarry,
		})
		if err != nil {
			return "", err
		}

		if err := r.store.UpdateIterationScores(ctx, iterID, summary.AvgScore, summary.MinScore, summary.MaxScore, summary.Summary); err != nil {
			return "", err
		}

		if summary.AvgScore > bestScore {
			bestScore = summary.AvgScore
			bestPrompt = currentPrompt
		}
		metrics.IterationScore.Observe(summary.AvgScore)
		metrics.IterationDuration.Observe(time.Since(iterStart).Seconds())

		r.logLine(ctx, run.ID, iter, StageSummarize, "info",
			fmt.Sprintf("Iteration %d: avg=%.3f, min=%.3f, max=%.3f", iter, summary.AvgScore, summary.MinScore, summary.MaxScore), log)
		log.Infow("Iteration complete",
			logger.FieldIteration, iter,
			logger.FieldAvgScore, summary.AvgScore,
			logger.FieldBestScore, bestScore,
			logger.FieldDurationMS, time.Since(iterStart).Milliseconds(),
		)
		r.notifier.IterationComplete(run.ID, iter, summary.AvgScore, bestScore)

		r.flushUsage(ctx, trk, log)

		if summary.AvgScore >= cfg.TargetScore {
			// The converging prompt wins outright, even when an earlier
			// iteration held a higher average.
			bestPrompt = currentPrompt
			bestScore = summary.AvgScore
			if err := r.store.UpdateIterationImprovement(ctx, iterID, "Target score reached", ""); err != nil {
				return "", err
			}
			r.logLine(ctx, run.ID, iter, StageSystem, "info",
				fmt.Sprintf("Converged: target score %g reached with %.3f", cfg.TargetScore, summary.AvgScore), log)
			return r.finishConverged(run.ID, "target_score_reached", bestPrompt, bestScore, iter, trk, log)
		}

		scores = append(scores, summary.AvgScore)
		if stagnated(scores, cfg.ConvergencePatience, cfg.ConvergenceThreshold) {
			if err := r.store.UpdateIterationImprovement(ctx, iterID, "Convergence: score stagnated", ""); err != nil {
				return "", err
			}
			r.logLine(ctx, run.ID, iter, StageSystem, "info",
				fmt.Sprintf("Converged: improvement below threshold for %d rounds", cfg.ConvergencePatience), log)
			return r.finishConverged(run.ID, "stagnation", bestPrompt, bestScore, iter, trk, log)
		}

		if r.shouldStop(ctx, handle) {
			return r.finishStopped(run.ID, trk, log), nil
		}

		if iter < cfg.MaxIterations {
			if cfg.HumanFeedbackEnabled {
				feedback, proceed := r.awaitFeedback(ctx, run.ID, iter, summary, handle, log)
				if !proceed {
					return r.finishStopped(run.ID, trk, log), nil
				}
				summary.UserFeedback = feedback
				feedbackCarry = feedback
			}

			r.notifier.StageStart(run.ID, StageImprove, iter)
			r.logLine(ctx, run.ID, iter, StageImprove, "info",
				fmt.Sprintf("Iteration %d: Generating improved prompt", iter), log)

			improvement, err := improver.Run(ctx, currentPrompt, summary, tests, judges, ImproveOptions{
				TargetScore: cfg.TargetScore,
				Columns:     inputColumns,
				Language:    cfg.SummaryLanguage,
			})
			if err != nil {
				return "", err
			}

			if err := r.store.UpdateIterationImprovement(ctx, iterID, improvement.Reasoning, improvement.PromptUsed); err != nil {
				return "", err
			}
			currentPrompt = improvement.ImprovedPrompt
			r.logLine(ctx, run.ID, iter, StageImprove, "info",
				fmt.Sprintf("Iteration %d: Prompt improved", iter), log)

			r.flushUsage(ctx, trk, log)
		}

		if err := r.store.UpdateRunIterations(ctx, run.ID, iter); err != nil {
			return "", err
		}
	}

	r.logLine(ctx, run.ID, 0, StageSystem, "info",
		fmt.Sprintf("Completed: max iterations (%d) reached. Best score: %.3f", cfg.MaxIterations, bestScore), log)

	tctx, cancel := terminalCtx()
	defer cancel()
	if err := r.store.MarkRunCompleted(tctx, run.ID, bestPrompt, bestScore, cfg.MaxIterations); err != nil {
		return "", err
	}
	r.flushUsage(tctx, trk, log)
	r.notifier.Completed(run.ID, bestScore, cfg.MaxIterations)
	return StatusCompleted, nil
}

// awaitFeedback parks the loop until the user responds, the run is
// stopped, or the context ends. Blank feedback continues exactly as if
// the checkpoint were disabled.
func (r *Runner) awaitFeedback(ctx context.Context, runID string, iter int, summary *Summary, handle *runHandle, log *zap.SugaredLogger) (string, bool) {
	r.notifier.FeedbackRequested(runID, iter, summaryPayload(summary))
	r.logLine(ctx, runID, iter, StageSystem, "info",
		fmt.Sprintf("Iteration %d: Waiting for user feedback", iter), log)

	select {
	case fb := <-handle.feedback:
		fb = strings.TrimSpace(fb)
		if fb != "" {
			r.logLine(ctx, runID, iter, StageSystem, "info", "User feedback received", log)
		}
		return fb, true
	case <-handle.stopCh:
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

// summaryPayload renders a summary for the feedback_requested event.
func summaryPayload(s *Summary) map[string]interface{} {
	return map[string]interface{}{
		"avg_score":        s.AvgScore,
		"min_score":        s.MinScore,
		"max_score":        s.MaxScore,
		"summary":          s.Summary,
		"failure_patterns": s.FailurePatterns,
		"specific_issues":  s.SpecificIssues,
		"suggestions":      s.Suggestions,
	}
}

func (r *Runner) shouldStop(ctx context.Context, handle *runHandle) bool {
	return handle.stopRequested() || ctx.Err() != nil
}

func terminalCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), terminalWriteTimeout)
}

func (r *Runner) finishStopped(runID string, trk *tracker.Tracker, log *zap.SugaredLogger) string {
	ctx, cancel := terminalCtx()
	defer cancel()
	if err := r.store.MarkRunStopped(ctx, runID); err != nil {
		log.Errorw("failed to mark run stopped", "error", err)
	}
	r.flushUsage(ctx, trk, log)
	r.notifier.Stopped(runID)
	return StatusStopped
}

func (r *Runner) finishConverged(runID, reason, bestPrompt string, bestScore float64, totalIterations int, trk *tracker.Tracker, log *zap.SugaredLogger) (string, error) {
	ctx, cancel := terminalCtx()
	defer cancel()
	if err := r.store.MarkRunCompleted(ctx, runID, bestPrompt, bestScore, totalIterations); err != nil {
		return "", err
	}
	r.flushUsage(ctx, trk, log)
	r.notifier.Converged(runID, reason, bestScore)
	return StatusCompleted, nil
}

func (r *Runner) failRun(runID string, trk *tracker.Tracker, cause error, log *zap.SugaredLogger) {
	log.Errorw("pipeline failed", "error", cause)
	ctx, cancel := terminalCtx()
	defer cancel()
	if err := r.store.MarkRunFailed(ctx, runID, cause.Error()); err != nil {
		log.Errorw("failed to record run failure", "error", err)
	}
	r.logLine(ctx, runID, 0, StageSystem, "error", fmt.Sprintf("Pipeline failed: %v", cause), log)
	r.flushUsage(ctx, trk, log)
	r.notifier.Failed(runID, cause.Error())
}

// logLine writes a run log row and mirrors it to the process logger.
// Log persistence failures never fail the run.
func (r *Runner) logLine(ctx context.Context, runID string, iteration int, stage, level, message string, log *zap.SugaredLogger) {
	switch level {
	case "error":
		log.Errorw(message, "stage", stage, logger.FieldIteration, iteration)
	case "warn":
		log.Warnw(message, "stage", stage, logger.FieldIteration, iteration)
	default:
		log.Infow(message, "stage", stage, logger.FieldIteration, iteration)
	}
	if err := r.store.AppendRunLog(ctx, runID, iteration, stage, level, message); err != nil {
		log.Warnw("failed to persist run log", "error", err)
	}
}

func (r *Runner) flushUsage(ctx context.Context, trk *tracker.Tracker, log *zap.SugaredLogger) {
	if err := trk.Flush(ctx); err != nil {
		log.Warnw("failed to persist usage", "error", err)
	}
}

type stageBinding struct {
	provider provider.ID
	model    string
	gateway  ai.Gateway
}

type stageBindings struct {
	test      stageBinding
	judge     stageBinding
	summarize stageBinding
	improve   stageBinding
}

// resolveStages binds each stage to a provider, model, and gateway.
// Stages resolving to the same provider share one gateway, and with it
// the provider's rate limiter. The summarizer has no per-run override
// fields: it follows an explicit llm.stages.summarize config when
// present and otherwise shares the improver's binding.
func (r *Runner) resolveStages(cfg RunConfig, rec ai.UsageRecorder) (stageBindings, error) {
	var bindings stageBindings
	gateways := make(map[provider.ID]ai.Gateway)

	bind := func(stage, explicitProvider, explicitModel string) (stageBinding, error) {
		id, model, err := r.gateways.Resolve(stage, explicitProvider, explicitModel)
		if err != nil {
			return stageBinding{}, err
		}
		gw, ok := gateways[id]
		if !ok {
			gw, err = r.gateways.Gateway(id, rec)
			if err != nil {
				return stageBinding{}, err
			}
			gateways[id] = gw
		}
		return stageBinding{provider: id, model: model, gateway: gw}, nil
	}

	var err error
	if bindings.test, err = bind(StageTest, cfg.ModelProvider, cfg.Model); err != nil {
		return bindings, err
	}
	if bindings.judge, err = bind(StageJudge, cfg.JudgeProvider, cfg.JudgeModel); err != nil {
		return bindings, err
	}
	if bindings.improve, err = bind(StageImprove, cfg.ImproverProvider, cfg.ImproverModel); err != nil {
		return bindings, err
	}
	if r.gateways.HasStageDefault(StageSummarize) {
		if bindings.summarize, err = bind(StageSummarize, "", ""); err != nil {
			return bindings, err
		}
	} else {
		bindings.summarize = bindings.improve
	}
	return bindings, nil
}

// templateColumns lists the placeholder names available to the prompt
// template: every dataset column except the expected output and any
// image columns.
func templateColumns(columns []string, expectedColumn string, imageColumns []string) []string {
	skip := make(map[string]bool, len(imageColumns)+1)
	skip[expectedColumn] = true
	for _, col := range imageColumns {
		skip[col] = true
	}
	out := make([]string, 0, len(columns))
	for _, col := range columns {
		if !skip[col] {
			out = append(out, col)
		}
	}
	return out
}

// stagnated reports whether the score moved less than threshold for
// patience consecutive iterations. It needs patience+1 recorded scores
// so that patience deltas exist.
func stagnated(scores []float64, patience int, threshold float64) bool {
	if patience < 1 || len(scores) < patience+1 {
		return false
	}
	recent := scores[len(scores)-patience-1:]
	for i := 1; i < len(recent); i++ {
		if math.Abs(recent[i]-recent[i-1]) >= threshold {
			return false
		}
	}
	return true
}

// startHeartbeat logs a periodic resource pulse until the returned stop
// func is called.
func (r *Runner) startHeartbeat(log *zap.SugaredLogger) func() {
	ticker := time.NewTicker(heartbeatInterval)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				snap := r.Snapshot()
				log.Debugw("pipeline heartbeat",
					"active_runs", snap.ActiveRuns,
					"memory_percent", fmt.Sprintf("%.1f", snap.MemoryPercent),
					"process_rss_mb", fmt.Sprintf("%.1f", snap.ProcessRSSMB))
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(stop)
		<-done
	}
}
