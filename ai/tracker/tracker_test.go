package tracker

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/teranos/hone/ai"
	"github.com/teranos/hone/ai/anthropic"
	"github.com/teranos/hone/ai/openaicompat"
	"github.com/teranos/hone/errors"
)

type upsertRow struct {
	runID            string
	calls            int
	promptTokens     int
	completionTokens int
}

type fakeStore struct {
	mu      sync.Mutex
	rows    map[string]upsertRow // keyed by provider/model
	upserts int
	err     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]upsertRow)}
}

func (s *fakeStore) UpsertRunUsage(ctx context.Context, runID, provider, model string, calls, promptTokens, completionTokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.upserts++
	s.rows[provider+"/"+model] = upsertRow{
		runID:            runID,
		calls:            calls,
		promptTokens:     promptTokens,
		completionTokens: completionTokens,
	}
	return nil
}

func TestTracker_RecordAndSnapshot(t *testing.T) {
	tr := New("run_abc12345", nil, nil)

	tr.RecordUsage("openai", "gpt-4o-mini", ai.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150})
	tr.RecordUsage("openai", "gpt-4o-mini", ai.Usage{PromptTokens: 200, CompletionTokens: 100, TotalTokens: 300})
	tr.RecordUsage("anthropic", "claude-3-5-haiku-20241022", ai.Usage{PromptTokens: 1000, CompletionTokens: 500, TotalTokens: 1500})

	snap := tr.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}

	// Sorted by provider, so anthropic comes first.
	if snap[0].Provider != "anthropic" || snap[0].Model != "claude-3-5-haiku-20241022" {
		t.Errorf("unexpected first entry: %+v", snap[0])
	}
	if snap[0].Calls != 1 || snap[0].Usage.TotalTokens != 1500 {
		t.Errorf("anthropic entry not accumulated: %+v", snap[0])
	}

	if snap[1].Provider != "openai" || snap[1].Calls != 2 {
		t.Errorf("unexpected second entry: %+v", snap[1])
	}
	if snap[1].Usage.PromptTokens != 300 || snap[1].Usage.CompletionTokens != 150 || snap[1].Usage.TotalTokens != 450 {
		t.Errorf("openai usage not accumulated: %+v", snap[1].Usage)
	}

	wantCost := anthropic.CalculateCost("claude-3-5-haiku-20241022", 1000, 500)
	if math.Abs(snap[0].Cost-wantCost) > 1e-12 {
		t.Errorf("anthropic cost = %f, want %f", snap[0].Cost, wantCost)
	}
	wantCost = openaicompat.CalculateCost("gpt-4o-mini", 300, 150)
	if math.Abs(snap[1].Cost-wantCost) > 1e-12 {
		t.Errorf("openai cost = %f, want %f", snap[1].Cost, wantCost)
	}
}

func TestTracker_Totals(t *testing.T) {
	tr := New("run_abc12345", nil, nil)
	tr.RecordUsage("openai", "gpt-4o-mini", ai.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15})
	tr.RecordUsage("anthropic", "claude-3-5-haiku-20241022", ai.Usage{PromptTokens: 20, CompletionTokens: 10, TotalTokens: 30})

	calls, usage, cost := tr.Totals()
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
	if usage.PromptTokens != 30 || usage.CompletionTokens != 15 || usage.TotalTokens != 45 {
		t.Errorf("unexpected usage totals: %+v", usage)
	}
	if cost <= 0 {
		t.Errorf("expected positive cost, got %f", cost)
	}
}

func TestTracker_Flush(t *testing.T) {
	store := newFakeStore()
	tr := New("run_abc12345", store, nil)

	tr.RecordUsage("openai", "gpt-4o-mini", ai.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150})
	if err := tr.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	row := store.rows["openai/gpt-4o-mini"]
	if row.runID != "run_abc12345" || row.calls != 1 || row.promptTokens != 100 || row.completionTokens != 50 {
		t.Errorf("unexpected row after first flush: %+v", row)
	}

	// Later flushes write absolute totals, not deltas.
	tr.RecordUsage("openai", "gpt-4o-mini", ai.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150})
	if err := tr.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	row = store.rows["openai/gpt-4o-mini"]
	if row.calls != 2 || row.promptTokens != 200 || row.completionTokens != 100 {
		t.Errorf("unexpected row after second flush: %+v", row)
	}
}

func TestTracker_Flush_NoStore(t *testing.T) {
	tr := New("run_abc12345", nil, nil)
	tr.RecordUsage("openai", "gpt-4o-mini", ai.Usage{TotalTokens: 10})
	if err := tr.Flush(context.Background()); err != nil {
		t.Errorf("flush without a store should be a no-op, got %v", err)
	}
}

func TestTracker_Flush_StoreError(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("database is locked")
	tr := New("run_abc12345", store, nil)
	tr.RecordUsage("openai", "gpt-4o-mini", ai.Usage{TotalTokens: 10})

	if err := tr.Flush(context.Background()); err == nil {
		t.Error("expected store error to propagate")
	}
}

func TestTracker_ConcurrentRecording(t *testing.T) {
	tr := New("run_abc12345", nil, nil)

	const goroutines = 10
	const records = 100

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < records; j++ {
				tr.RecordUsage("openai", "gpt-4o-mini", ai.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2})
			}
		}()
	}
	wg.Wait()

	calls, usage, _ := tr.Totals()
	if calls != goroutines*records {
		t.Errorf("expected %d calls, got %d", goroutines*records, calls)
	}
	if usage.TotalTokens != goroutines*records*2 {
		t.Errorf("expected %d total tokens, got %d", goroutines*records*2, usage.TotalTokens)
	}
}

func TestCostFor(t *testing.T) {
	got := CostFor("anthropic", "claude-sonnet-4-5-20250929", 1_000_000, 0)
	want := anthropic.CalculateCost("claude-sonnet-4-5-20250929", 1_000_000, 0)
	if got != want {
		t.Errorf("anthropic dispatch: got %f, want %f", got, want)
	}

	got = CostFor("openai", "gpt-4o-mini", 1_000_000, 0)
	want = openaicompat.CalculateCost("gpt-4o-mini", 1_000_000, 0)
	if got != want {
		t.Errorf("openai dispatch: got %f, want %f", got, want)
	}
}
