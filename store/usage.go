package store

import (
	"context"
	"time"

	"github.com/teranos/hone/ai"
	"github.com/teranos/hone/ai/tracker"
	"github.com/teranos/hone/errors"
)

// UpsertRunUsage stores the absolute call and token totals for one
// provider/model pair of a run. The tracker flushes running totals, so the
// write replaces rather than accumulates.
func (s *Store) UpsertRunUsage(ctx context.Context, runID, provider, model string, calls, promptTokens, completionTokens int) error {
	query := `
		INSERT INTO run_usage (run_id, provider, model, calls, prompt_tokens, completion_tokens, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, provider, model) DO UPDATE SET
			calls = excluded.calls,
			prompt_tokens = excluded.prompt_tokens,
			completion_tokens = excluded.completion_tokens,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, runID, provider, model, calls, promptTokens, completionTokens, time.Now().UTC())
	if err != nil {
		return errors.Wrapf(err, "failed to upsert usage for run %s", runID)
	}
	return nil
}

// GetRunUsage returns a run's persisted per-model usage with estimated cost,
// in the same shape the tracker reports for live runs.
func (s *Store) GetRunUsage(ctx context.Context, runID string) ([]tracker.ModelUsage, error) {
	query := `
		SELECT provider, model, calls, prompt_tokens, completion_tokens
		FROM run_usage
		WHERE run_id = ?
		ORDER BY provider, model
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query run usage")
	}
	defer rows.Close()

	var usages []tracker.ModelUsage
	for rows.Next() {
		var (
			usage              tracker.ModelUsage
			prompt, completion int
		)
		if err := rows.Scan(&usage.Provider, &usage.Model, &usage.Calls, &prompt, &completion); err != nil {
			return nil, errors.Wrap(err, "failed to scan run usage")
		}
		usage.Usage = ai.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		}
		usage.Cost = tracker.CostFor(usage.Provider, usage.Model, prompt, completion)
		usages = append(usages, usage)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate run usage")
	}
	return usages, nil
}
