// Package tracker accumulates per-run token usage across providers and
// persists it for the run usage API.
package tracker

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/hone/ai"
	"github.com/teranos/hone/ai/anthropic"
	"github.com/teranos/hone/ai/openaicompat"
	"github.com/teranos/hone/metrics"
)

// Store persists accumulated usage totals. Implementations upsert the
// absolute totals for a (run, provider, model) row, so repeated flushes
// are idempotent.
type Store interface {
	UpsertRunUsage(ctx context.Context, runID, provider, model string, calls, promptTokens, completionTokens int) error
}

// ModelUsage is the accumulated usage for one (provider, model) pair.
type ModelUsage struct {
	Provider string   `json:"provider"`
	Model    string   `json:"model"`
	Calls    int      `json:"calls"`
	Usage    ai.Usage `json:"usage"`
	Cost     float64  `json:"cost_usd"`
}

type key struct {
	provider string
	model    string
}

type entry struct {
	calls int
	usage ai.Usage
}

// Tracker implements ai.UsageRecorder for a single run. Clients from
// every provider report into the same tracker; totals are kept per model
// and flushed to the store between iterations and at run termination.
type Tracker struct {
	runID  string
	store  Store
	logger *zap.SugaredLogger

	mu      sync.Mutex
	byModel map[key]*entry
}

// New creates a tracker for a run. store may be nil for in-memory-only
// tracking.
func New(runID string, store Store, logger *zap.SugaredLogger) *Tracker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Tracker{
		runID:   runID,
		store:   store,
		logger:  logger,
		byModel: make(map[key]*entry),
	}
}

// RecordUsage accumulates one completion's token usage. Called from
// client goroutines during concurrent test execution.
func (t *Tracker) RecordUsage(provider, model string, usage ai.Usage) {
	metrics.LLMCallsTotal.WithLabelValues(provider, model).Inc()
	metrics.LLMTokensTotal.WithLabelValues(provider, model, "prompt").Add(float64(usage.PromptTokens))
	metrics.LLMTokensTotal.WithLabelValues(provider, model, "completion").Add(float64(usage.CompletionTokens))

	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{provider: provider, model: model}
	e := t.byModel[k]
	if e == nil {
		e = &entry{}
		t.byModel[k] = e
	}
	e.calls++
	e.usage.Add(usage)
}

// Snapshot returns the per-model accumulated usage with estimated costs,
// sorted by provider then model.
func (t *Tracker) Snapshot() []ModelUsage {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]ModelUsage, 0, len(t.byModel))
	for k, e := range t.byModel {
		out = append(out, ModelUsage{
			Provider: k.provider,
			Model:    k.model,
			Calls:    e.calls,
			Usage:    e.usage,
			Cost:     CostFor(k.provider, k.model, e.usage.PromptTokens, e.usage.CompletionTokens),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Model < out[j].Model
	})
	return out
}

// Totals sums calls, usage, and cost across all models.
func (t *Tracker) Totals() (calls int, usage ai.Usage, cost float64) {
	for _, m := range t.Snapshot() {
		calls += m.Calls
		usage.Add(m.Usage)
		cost += m.Cost
	}
	return calls, usage, cost
}

// Flush upserts the current absolute totals to the store. Safe to call
// repeatedly; a tracker without a store is a no-op.
func (t *Tracker) Flush(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	for _, m := range t.Snapshot() {
		err := t.store.UpsertRunUsage(ctx, t.runID, m.Provider, m.Model, m.Calls, m.Usage.PromptTokens, m.Usage.CompletionTokens)
		if err != nil {
			return err
		}
	}
	return nil
}

// CostFor estimates the dollar cost of a token count against the
// provider's price table.
func CostFor(provider, model string, promptTokens, completionTokens int) float64 {
	switch provider {
	case anthropic.ProviderID:
		return anthropic.CalculateCost(model, promptTokens, completionTokens)
	default:
		return openaicompat.CalculateCost(model, promptTokens, completionTokens)
	}
}
