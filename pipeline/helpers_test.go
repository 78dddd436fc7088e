package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/hone/ai"
	"github.com/teranos/hone/ai/provider"
	"github.com/teranos/hone/dataset"
	"github.com/teranos/hone/errors"
)

// mockGateway implements ai.Gateway for testing. Each reply carries a
// fixed token usage so tracker totals are predictable.
type mockGateway struct {
	name    string
	replies func(ctx context.Context, req ai.CompletionRequest) (string, error)

	mu    sync.Mutex
	calls []ai.CompletionRequest
}

func (g *mockGateway) Complete(ctx context.Context, req ai.CompletionRequest) (*ai.CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.calls = append(g.calls, req)
	g.mu.Unlock()

	text, err := g.replies(ctx, req)
	if err != nil {
		return nil, err
	}
	return &ai.CompletionResponse{
		Text:  text,
		Usage: ai.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	}, nil
}

func (g *mockGateway) Configured() bool { return true }

func (g *mockGateway) Provider() string {
	if g.name != "" {
		return g.name
	}
	return "mock"
}

func (g *mockGateway) requests() []ai.CompletionRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]ai.CompletionRequest, len(g.calls))
	copy(out, g.calls)
	return out
}

// promptsWithPrefix filters recorded requests down to the prompts of
// one stage, identified by the stage prompt's opening line.
func (g *mockGateway) promptsWithPrefix(prefix string) []string {
	var out []string
	for _, req := range g.requests() {
		if strings.HasPrefix(req.Prompt, prefix) {
			out = append(out, req.Prompt)
		}
	}
	return out
}

// recordingGateway wraps a gateway and reports usage the way the real
// provider clients do.
type recordingGateway struct {
	inner    ai.Gateway
	rec      ai.UsageRecorder
	provider string
}

func (g *recordingGateway) Complete(ctx context.Context, req ai.CompletionRequest) (*ai.CompletionResponse, error) {
	resp, err := g.inner.Complete(ctx, req)
	if err == nil && g.rec != nil {
		g.rec.RecordUsage(g.provider, req.Model, resp.Usage)
	}
	return resp, err
}

func (g *recordingGateway) Configured() bool { return g.inner.Configured() }

func (g *recordingGateway) Provider() string { return g.provider }

// mockResolver implements GatewayResolver for testing. Each stage
// resolves to a provider named after itself, so distinct stages get
// distinct gateways from the map. When summarizeDefault is false the
// runner routes the summarize stage through the improver's binding.
type mockResolver struct {
	gateways         map[string]ai.Gateway
	summarizeDefault bool
}

func (r *mockResolver) Resolve(stage, explicitProvider, explicitModel string) (provider.ID, string, error) {
	id := provider.ID(stage)
	if explicitProvider != "" {
		id = provider.ID(explicitProvider)
	}
	model := explicitModel
	if model == "" {
		model = stage + "-model"
	}
	return id, model, nil
}

func (r *mockResolver) Gateway(id provider.ID, rec ai.UsageRecorder) (ai.Gateway, error) {
	gw, ok := r.gateways[string(id)]
	if !ok {
		return nil, errors.Newf("no gateway for provider %s", id)
	}
	return &recordingGateway{inner: gw, rec: rec, provider: string(id)}, nil
}

func (r *mockResolver) HasStageDefault(stage string) bool {
	return r.summarizeDefault && stage == StageSummarize
}

// scriptedJudgeGateway scores every row of iteration i with scores[i].
// Iterations past the script keep the last score.
func scriptedJudgeGateway(rowsPerIteration int, scores ...float64) *mockGateway {
	var calls atomic.Int64
	return &mockGateway{
		name: "judge",
		replies: func(ctx context.Context, req ai.CompletionRequest) (string, error) {
			iter := int(calls.Add(1)-1) / rowsPerIteration
			if iter >= len(scores) {
				iter = len(scores) - 1
			}
			return fmt.Sprintf(`{"reason": "scripted", "score": %g}`, scores[iter]), nil
		},
	}
}

// improverGateway serves both the summarize and improve stages, told
// apart by their prompt openings. Each improvement produces a fresh
// template that still references {input}.
func improverGateway() *mockGateway {
	var version atomic.Int64
	return &mockGateway{
		name: "improve",
		replies: func(ctx context.Context, req ai.CompletionRequest) (string, error) {
			if strings.HasPrefix(req.Prompt, "You are analyzing") {
				return `{"summary": "ok", "failure_patterns": ["vague"], "specific_issues": [], "suggestions": ["be specific"]}`, nil
			}
			return fmt.Sprintf(`{"reasoning": "tightened wording", "improved_prompt": "Prompt v%d: {input}"}`, version.Add(1)+1), nil
		},
	}
}

func echoGateway() *mockGateway {
	return &mockGateway{
		name: "test",
		replies: func(ctx context.Context, req ai.CompletionRequest) (string, error) {
			return "echo: " + req.Prompt, nil
		},
	}
}

// blockingGateway parks every call until release is closed or the call
// context ends.
func blockingGateway(release <-chan struct{}) *mockGateway {
	return &mockGateway{
		name: "test",
		replies: func(ctx context.Context, req ai.CompletionRequest) (string, error) {
			select {
			case <-release:
				return "late output", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}
}

type mockIteration struct {
	id             int64
	num            int
	prompt         string
	avgScore       float64
	minScore       float64
	maxScore       float64
	summary        string
	reasoning      string
	improverPrompt string
	tests          []TestResult
	judges         []JudgeResult
}

type mockLogLine struct {
	iteration int
	stage     string
	level     string
	message   string
}

type mockUsage struct {
	calls            int
	promptTokens     int
	completionTokens int
}

// mockStore implements RunStore in memory for testing. failOn injects
// an error into the named method.
type mockStore struct {
	mu     sync.Mutex
	failOn map[string]error

	status          string
	errorMessage    string
	bestPrompt      string
	bestScore       float64
	totalIterations int

	nextIterID int64
	iterations []*mockIteration
	logs       []mockLogLine
	usage      map[string]mockUsage
}

func newMockStore() *mockStore {
	return &mockStore{
		status: StatusPending,
		failOn: make(map[string]error),
		usage:  make(map[string]mockUsage),
	}
}

func (s *mockStore) fail(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failOn[method]
}

func (s *mockStore) MarkRunRunning(ctx context.Context, runID string) error {
	if err := s.fail("MarkRunRunning"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusRunning
	return nil
}

func (s *mockStore) MarkRunCompleted(ctx context.Context, runID, bestPrompt string, bestScore float64, totalIterations int) error {
	if err := s.fail("MarkRunCompleted"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusCompleted
	s.bestPrompt = bestPrompt
	s.bestScore = bestScore
	s.totalIterations = totalIterations
	return nil
}

func (s *mockStore) MarkRunStopped(ctx context.Context, runID string) error {
	if err := s.fail("MarkRunStopped"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusStopped
	return nil
}

func (s *mockStore) MarkRunFailed(ctx context.Context, runID, errorMessage string) error {
	if err := s.fail("MarkRunFailed"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusFailed
	s.errorMessage = errorMessage
	return nil
}

func (s *mockStore) UpdateRunIterations(ctx context.Context, runID string, totalIterations int) error {
	if err := s.fail("UpdateRunIterations"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalIterations = totalIterations
	return nil
}

func (s *mockStore) CreateIteration(ctx context.Context, runID string, iterationNum int, promptTemplate string) (int64, error) {
	if err := s.fail("CreateIteration"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextIterID++
	s.iterations = append(s.iterations, &mockIteration{
		id:     s.nextIterID,
		num:    iterationNum,
		prompt: promptTemplate,
	})
	return s.nextIterID, nil
}

func (s *mockStore) SaveTestResults(ctx context.Context, iterationID int64, tests []TestResult, judges []JudgeResult) error {
	if err := s.fail("SaveTestResults"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.iterationByID(iterationID)
	if it == nil {
		return errors.Newf("unknown iteration %d", iterationID)
	}
	it.tests = tests
	it.judges = judges
	return nil
}

func (s *mockStore) UpdateIterationScores(ctx context.Context, iterationID int64, avgScore, minScore, maxScore float64, summary string) error {
	if err := s.fail("UpdateIterationScores"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.iterationByID(iterationID)
	if it == nil {
		return errors.Newf("unknown iteration %d", iterationID)
	}
	it.avgScore = avgScore
	it.minScore = minScore
	it.maxScore = maxScore
	it.summary = summary
	return nil
}

func (s *mockStore) UpdateIterationImprovement(ctx context.Context, iterationID int64, reasoning, improverPrompt string) error {
	if err := s.fail("UpdateIterationImprovement"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.iterationByID(iterationID)
	if it == nil {
		return errors.Newf("unknown iteration %d", iterationID)
	}
	it.reasoning = reasoning
	it.improverPrompt = improverPrompt
	return nil
}

func (s *mockStore) AppendRunLog(ctx context.Context, runID string, iterationNum int, stage, level, message string) error {
	if err := s.fail("AppendRunLog"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, mockLogLine{
		iteration: iterationNum,
		stage:     stage,
		level:     level,
		message:   message,
	})
	return nil
}

func (s *mockStore) UpsertRunUsage(ctx context.Context, runID, provider, model string, calls, promptTokens, completionTokens int) error {
	if err := s.fail("UpsertRunUsage"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[provider+"/"+model] = mockUsage{
		calls:            calls,
		promptTokens:     promptTokens,
		completionTokens: completionTokens,
	}
	return nil
}

// iterationByID must be called with s.mu held.
func (s *mockStore) iterationByID(id int64) *mockIteration {
	for _, it := range s.iterations {
		if it.id == id {
			return it
		}
	}
	return nil
}

func (s *mockStore) runState() (status, bestPrompt string, bestScore float64, totalIterations int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.bestPrompt, s.bestScore, s.totalIterations
}

func (s *mockStore) iteration(num int) mockIteration {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.iterations {
		if it.num == num {
			return *it
		}
	}
	return mockIteration{}
}

func (s *mockStore) iterationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.iterations)
}

func (s *mockStore) hasLog(substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.logs {
		if strings.Contains(l.message, substr) {
			return true
		}
	}
	return false
}

func (s *mockStore) logAt(substr string) (mockLogLine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.logs {
		if strings.Contains(l.message, substr) {
			return l, true
		}
	}
	return mockLogLine{}, false
}

func (s *mockStore) usageFor(key string) mockUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[key]
}

func (s *mockStore) errMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorMessage
}

func testDataset(rows int) *dataset.Dataset {
	ds := &dataset.Dataset{
		Filename: "cases.csv",
		Columns:  []string{"input", "expected"},
	}
	for i := 0; i < rows; i++ {
		ds.Rows = append(ds.Rows, map[string]string{
			"input":    fmt.Sprintf("question %d", i+1),
			"expected": fmt.Sprintf("answer %d", i+1),
		})
	}
	return ds
}

func testRunConfig() RunConfig {
	return RunConfig{
		MaxIterations:        2,
		TargetScore:          0.9,
		Temperature:          0.7,
		Concurrency:          2,
		ConvergenceThreshold: 0.01,
		ConvergencePatience:  3,
		SummaryLanguage:      "English",
	}
}

func testRun(id string, cfg RunConfig, rows int) Run {
	return Run{
		ID:             id,
		Name:           "test run",
		InitialPrompt:  "Answer this: {input}",
		ExpectedColumn: "expected",
		Config:         cfg,
		Dataset:        testDataset(rows),
	}
}

// stageGateways wires the standard three-gateway fixture: echo tester,
// scripted judge, shared summarize/improve gateway.
func stageGateways(judge *mockGateway) (*mockResolver, *mockGateway, *mockGateway) {
	test := echoGateway()
	improve := improverGateway()
	resolver := &mockResolver{gateways: map[string]ai.Gateway{
		"test":    test,
		"judge":   judge,
		"improve": improve,
	}}
	return resolver, test, improve
}

func newTestRunner(store RunStore, resolver GatewayResolver) (*Runner, *Notifier) {
	notifier := NewNotifier(nil)
	return NewRunner(store, notifier, resolver, nil, zap.NewNop().Sugar()), notifier
}

func shutdownRunner(t *testing.T, r *Runner) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
}

// waitEvent reads events until one of the wanted type arrives.
func waitEvent(t *testing.T, ch <-chan Event, eventType string) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event channel closed while waiting for %s", eventType)
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}

// collectUntilTerminal drains events through the run's terminal event.
func collectUntilTerminal(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	var events []Event
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event channel closed before terminal event")
			events = append(events, ev)
			if ev.Terminal() {
				return events
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal event")
		}
	}
}

// eventTypes summarizes an event sequence for order assertions,
// dropping the noisy test_progress events.
func eventTypes(events []Event) []string {
	var out []string
	for _, ev := range events {
		if ev.Type == EventTestProgress {
			continue
		}
		if ev.Type == EventStageStart {
			out = append(out, fmt.Sprintf("%s:%s", ev.Type, ev.Data["stage"]))
			continue
		}
		out = append(out, ev.Type)
	}
	return out
}
