package ai

import (
	"context"
	"testing"

	"github.com/teranos/hone/errors"
)

// stubGateway returns a canned response or error for contract tests.
type stubGateway struct {
	text string
	err  error
}

func (s *stubGateway) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &CompletionResponse{Text: s.text, Usage: Usage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12}}, nil
}

func (s *stubGateway) Configured() bool { return true }

func (s *stubGateway) Provider() string { return "stub" }

func TestCompleteStructured(t *testing.T) {
	t.Run("parses fenced JSON reply", func(t *testing.T) {
		g := &stubGateway{text: "```json\n{\"score\": 0.9}\n```"}
		doc, err := CompleteStructured(context.Background(), g, CompletionRequest{Prompt: "judge this"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if doc["score"] != 0.9 {
			t.Errorf("expected score 0.9, got %v", doc["score"])
		}
	})

	t.Run("non-JSON reply still yields a map", func(t *testing.T) {
		g := &stubGateway{text: "I cannot evaluate this."}
		doc, err := CompleteStructured(context.Background(), g, CompletionRequest{Prompt: "judge this"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if doc["error"] != "Failed to parse JSON" {
			t.Errorf("expected parse sentinel, got %v", doc)
		}
	})

	t.Run("gateway error propagates", func(t *testing.T) {
		g := &stubGateway{err: errors.New("provider unavailable")}
		_, err := CompleteStructured(context.Background(), g, CompletionRequest{Prompt: "judge this"})
		if err == nil {
			t.Fatal("expected error from failing gateway")
		}
	})
}

func TestUsageAdd(t *testing.T) {
	var total Usage
	total.Add(Usage{PromptTokens: 10, CompletionTokens: 4, TotalTokens: 14})
	total.Add(Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5})

	if total.PromptTokens != 13 || total.CompletionTokens != 6 || total.TotalTokens != 19 {
		t.Errorf("unexpected totals: %+v", total)
	}
}

func TestAPIError(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{429, true},
		{500, true},
		{502, true},
		{529, true},
		{400, false},
		{401, false},
		{404, false},
		{422, false},
	}

	for _, tt := range tests {
		err := &APIError{Provider: "openai", StatusCode: tt.status, Body: "x"}
		if err.Retryable() != tt.retryable {
			t.Errorf("status %d: expected retryable=%v", tt.status, tt.retryable)
		}
	}

	var target *APIError
	wrapped := errors.Wrap(&APIError{Provider: "anthropic", StatusCode: 529, Body: "overloaded"}, "judge call")
	if !errors.As(wrapped, &target) {
		t.Fatal("expected errors.As to find APIError through wrapping")
	}
	if target.StatusCode != 529 {
		t.Errorf("expected status 529, got %d", target.StatusCode)
	}
}
