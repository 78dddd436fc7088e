package openaicompat

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/teranos/hone/ai"
	"github.com/teranos/hone/errors"
)

// captureRecorder collects usage reports for assertions.
type captureRecorder struct {
	mu      sync.Mutex
	records []recordedUsage
}

type recordedUsage struct {
	provider string
	model    string
	usage    ai.Usage
}

func (r *captureRecorder) RecordUsage(provider, model string, usage ai.Usage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, recordedUsage{provider, model, usage})
}

// noSleep replaces backoff delays in tests and records what was requested.
func noSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func completionResponse(text string, usage ai.Usage) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      "chatcmpl-test",
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   "test-model",
		Choices: []Choice{
			{Index: 0, Message: NewTextMessage("assistant", text), FinishReason: "stop"},
		},
		Usage: usage,
	}
}

func TestClient_Configuration(t *testing.T) {
	t.Run("applies default values", func(t *testing.T) {
		client := NewClient(Config{APIKey: "test-key"})

		if client.baseURL != DefaultBaseURL {
			t.Errorf("expected default base URL, got %s", client.baseURL)
		}
		if client.model != DefaultModel {
			t.Errorf("expected default model %q, got %s", DefaultModel, client.model)
		}
		if client.limiter != nil {
			t.Error("expected no rate limiter by default")
		}
	})

	t.Run("trims trailing slash from base URL", func(t *testing.T) {
		client := NewClient(Config{BaseURL: "http://localhost:11434/v1/"})
		if client.baseURL != "http://localhost:11434/v1" {
			t.Errorf("expected trimmed base URL, got %s", client.baseURL)
		}
	})

	t.Run("preserves custom values", func(t *testing.T) {
		client := NewClient(Config{
			APIKey:            "test-key",
			BaseURL:           "https://openrouter.ai/api/v1",
			Model:             "openai/gpt-4o",
			RequestsPerMinute: 30,
		})

		if client.baseURL != "https://openrouter.ai/api/v1" {
			t.Errorf("expected custom base URL, got %s", client.baseURL)
		}
		if client.model != "openai/gpt-4o" {
			t.Errorf("expected custom model, got %s", client.model)
		}
		if client.limiter == nil {
			t.Error("expected rate limiter when requests_per_minute is set")
		}
	})
}

func TestClient_Configured(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want bool
	}{
		{"api key set", Config{APIKey: "sk-test"}, true},
		{"nothing set", Config{}, false},
		{"custom base URL without key", Config{BaseURL: "http://localhost:11434/v1"}, true},
		{"default base URL spelled out without key", Config{BaseURL: DefaultBaseURL}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewClient(tt.cfg).Configured(); got != tt.want {
				t.Errorf("Configured() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClient_Complete(t *testing.T) {
	t.Run("successful request", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != "POST" {
				t.Errorf("expected POST, got %s", r.Method)
			}
			if r.URL.Path != "/chat/completions" {
				t.Errorf("expected /chat/completions, got %s", r.URL.Path)
			}
			if r.Header.Get("Authorization") != "Bearer test-key" {
				t.Error("expected authorization header")
			}

			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(completionResponse("Paris", ai.Usage{
				PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30,
			}))
		}))
		defer server.Close()

		recorder := &captureRecorder{}
		client := NewClient(Config{APIKey: "test-key", BaseURL: server.URL, Recorder: recorder})
		client.SetHTTPClient(server.Client())

		resp, err := client.Complete(context.Background(), ai.CompletionRequest{
			SystemPrompt: "You are a geography assistant",
			Prompt:       "Capital of France?",
			Temperature:  0.7,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.Text != "Paris" {
			t.Errorf("expected Paris, got %q", resp.Text)
		}
		if resp.Usage.TotalTokens != 30 {
			t.Errorf("expected 30 total tokens, got %d", resp.Usage.TotalTokens)
		}

		if len(recorder.records) != 1 {
			t.Fatalf("expected 1 usage record, got %d", len(recorder.records))
		}
		rec := recorder.records[0]
		if rec.provider != "openai" || rec.model != DefaultModel {
			t.Errorf("unexpected usage attribution: %s/%s", rec.provider, rec.model)
		}
		if rec.usage.PromptTokens != 10 || rec.usage.CompletionTokens != 20 {
			t.Errorf("unexpected recorded usage: %+v", rec.usage)
		}
	})

	t.Run("system message precedes user message", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var reqBody ChatCompletionRequest
			json.NewDecoder(r.Body).Decode(&reqBody)

			if len(reqBody.Messages) != 2 {
				t.Fatalf("expected 2 messages, got %d", len(reqBody.Messages))
			}
			if reqBody.Messages[0].Role != "system" || reqBody.Messages[0].TextContent() != "be terse" {
				t.Errorf("unexpected system message: %+v", reqBody.Messages[0])
			}
			if reqBody.Messages[1].Role != "user" || reqBody.Messages[1].TextContent() != "hello" {
				t.Errorf("unexpected user message: %+v", reqBody.Messages[1])
			}

			json.NewEncoder(w).Encode(completionResponse("hi", ai.Usage{}))
		}))
		defer server.Close()

		client := NewClient(Config{APIKey: "test-key", BaseURL: server.URL})
		client.SetHTTPClient(server.Client())

		if _, err := client.Complete(context.Background(), ai.CompletionRequest{
			SystemPrompt: "be terse",
			Prompt:       "hello",
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("images become content parts with URL passthrough", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var reqBody ChatCompletionRequest
			json.NewDecoder(r.Body).Decode(&reqBody)

			if len(reqBody.Messages) != 1 {
				t.Fatalf("expected 1 message, got %d", len(reqBody.Messages))
			}
			var parts []ContentPart
			if err := json.Unmarshal(reqBody.Messages[0].Content, &parts); err != nil {
				t.Fatalf("expected content parts array: %v", err)
			}
			if len(parts) != 3 {
				t.Fatalf("expected 3 parts, got %d", len(parts))
			}
			if parts[0].Type != "text" || parts[0].Text != "describe" {
				t.Errorf("unexpected text part: %+v", parts[0])
			}
			if parts[1].Type != "image_url" || parts[1].ImageURL.URL != "https://example.com/cat.png" {
				t.Errorf("expected remote URL passthrough, got %+v", parts[1])
			}
			if parts[2].Type != "image_url" || parts[2].ImageURL.URL != "data:image/jpeg;base64,aGVsbG8=" {
				t.Errorf("expected data URI for inline image, got %+v", parts[2])
			}

			json.NewEncoder(w).Encode(completionResponse("a cat", ai.Usage{}))
		}))
		defer server.Close()

		client := NewClient(Config{APIKey: "test-key", BaseURL: server.URL})
		client.SetHTTPClient(server.Client())

		_, err := client.Complete(context.Background(), ai.CompletionRequest{
			Prompt: "describe",
			Images: []ai.ImageSource{
				{MediaType: "image/png", Data: "cafe", URL: "https://example.com/cat.png"},
				{MediaType: "image/jpeg", Data: "aGVsbG8="},
			},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("no auth header without API key", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get("Authorization"); got != "" {
				t.Errorf("expected no authorization header, got %q", got)
			}
			json.NewEncoder(w).Encode(completionResponse("ok", ai.Usage{}))
		}))
		defer server.Close()

		// Local servers like Ollama accept unauthenticated requests
		client := NewClient(Config{BaseURL: server.URL})
		client.SetHTTPClient(server.Client())

		if _, err := client.Complete(context.Background(), ai.CompletionRequest{Prompt: "hi"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("zero temperature is sent explicitly", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var raw map[string]interface{}
			json.NewDecoder(r.Body).Decode(&raw)

			temp, present := raw["temperature"]
			if !present {
				t.Error("expected temperature field in request body")
			} else if temp != 0.0 {
				t.Errorf("expected temperature 0, got %v", temp)
			}

			json.NewEncoder(w).Encode(completionResponse("ok", ai.Usage{}))
		}))
		defer server.Close()

		client := NewClient(Config{APIKey: "test-key", BaseURL: server.URL})
		client.SetHTTPClient(server.Client())

		if _, err := client.Complete(context.Background(), ai.CompletionRequest{
			Prompt:      "hi",
			Temperature: 0,
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("request model overrides client default", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var reqBody ChatCompletionRequest
			json.NewDecoder(r.Body).Decode(&reqBody)
			if reqBody.Model != "gpt-4o" {
				t.Errorf("expected model gpt-4o, got %s", reqBody.Model)
			}
			json.NewEncoder(w).Encode(completionResponse("ok", ai.Usage{}))
		}))
		defer server.Close()

		client := NewClient(Config{APIKey: "test-key", BaseURL: server.URL, Model: "gpt-4o-mini"})
		client.SetHTTPClient(server.Client())

		if _, err := client.Complete(context.Background(), ai.CompletionRequest{
			Model:  "gpt-4o",
			Prompt: "hi",
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestClient_Retry(t *testing.T) {
	t.Run("retries server errors with exponential backoff", func(t *testing.T) {
		requestCount := 0
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestCount++
			if requestCount <= 2 {
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}
			json.NewEncoder(w).Encode(completionResponse("recovered", ai.Usage{}))
		}))
		defer server.Close()

		var delays []time.Duration
		client := NewClient(Config{APIKey: "test-key", BaseURL: server.URL})
		client.SetHTTPClient(server.Client())
		client.sleep = noSleep(&delays)

		resp, err := client.Complete(context.Background(), ai.CompletionRequest{Prompt: "hi"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.Text != "recovered" {
			t.Errorf("expected recovered response, got %q", resp.Text)
		}
		if requestCount != 3 {
			t.Errorf("expected 3 requests, got %d", requestCount)
		}
		if len(delays) != 2 || delays[0] != 2*time.Second || delays[1] != 4*time.Second {
			t.Errorf("expected delays [2s 4s], got %v", delays)
		}
	})

	t.Run("retries rate limit responses", func(t *testing.T) {
		requestCount := 0
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestCount++
			if requestCount == 1 {
				http.Error(w, "rate limited", http.StatusTooManyRequests)
				return
			}
			json.NewEncoder(w).Encode(completionResponse("ok", ai.Usage{}))
		}))
		defer server.Close()

		var delays []time.Duration
		client := NewClient(Config{APIKey: "test-key", BaseURL: server.URL})
		client.SetHTTPClient(server.Client())
		client.sleep = noSleep(&delays)

		if _, err := client.Complete(context.Background(), ai.CompletionRequest{Prompt: "hi"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if requestCount != 2 {
			t.Errorf("expected 2 requests, got %d", requestCount)
		}
	})

	t.Run("does not retry client errors", func(t *testing.T) {
		requestCount := 0
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestCount++
			http.Error(w, "bad request", http.StatusBadRequest)
		}))
		defer server.Close()

		client := NewClient(Config{APIKey: "test-key", BaseURL: server.URL})
		client.SetHTTPClient(server.Client())

		_, err := client.Complete(context.Background(), ai.CompletionRequest{Prompt: "hi"})
		if err == nil {
			t.Fatal("expected error for HTTP 400")
		}
		if requestCount != 1 {
			t.Errorf("expected 1 request (no retries for client errors), got %d", requestCount)
		}
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		requestCount := 0
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestCount++
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
		}))
		defer server.Close()

		var delays []time.Duration
		client := NewClient(Config{APIKey: "test-key", BaseURL: server.URL})
		client.SetHTTPClient(server.Client())
		client.sleep = noSleep(&delays)

		_, err := client.Complete(context.Background(), ai.CompletionRequest{Prompt: "hi"})
		if err == nil {
			t.Fatal("expected error after exhausting retries")
		}
		if !strings.Contains(err.Error(), "after 5 attempts") {
			t.Errorf("expected attempt count in error, got: %v", err)
		}
		if requestCount != 5 {
			t.Errorf("expected 5 requests, got %d", requestCount)
		}
		if len(delays) != 4 || delays[3] != 16*time.Second {
			t.Errorf("expected 4 delays ending at 16s, got %v", delays)
		}
	})

	t.Run("canceled context aborts during backoff", func(t *testing.T) {
		requestCount := 0
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestCount++
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
		}))
		defer server.Close()

		ctx, cancel := context.WithCancel(context.Background())
		client := NewClient(Config{APIKey: "test-key", BaseURL: server.URL})
		client.SetHTTPClient(server.Client())
		client.sleep = func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		}

		_, err := client.Complete(ctx, ai.CompletionRequest{Prompt: "hi"})
		if err == nil {
			t.Fatal("expected cancellation error")
		}
		if requestCount != 1 {
			t.Errorf("expected 1 request before cancellation, got %d", requestCount)
		}
	})
}

func TestClient_ErrorHandling(t *testing.T) {
	t.Run("handles malformed JSON response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte("invalid json"))
		}))
		defer server.Close()

		client := NewClient(Config{APIKey: "test-key", BaseURL: server.URL})
		client.SetHTTPClient(server.Client())

		if _, err := client.Complete(context.Background(), ai.CompletionRequest{Prompt: "hi"}); err == nil {
			t.Fatal("expected error for malformed JSON")
		}
	})

	t.Run("handles empty choices", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(ChatCompletionResponse{Choices: []Choice{}})
		}))
		defer server.Close()

		client := NewClient(Config{APIKey: "test-key", BaseURL: server.URL})
		client.SetHTTPClient(server.Client())

		_, err := client.Complete(context.Background(), ai.CompletionRequest{Prompt: "hi"})
		if err == nil {
			t.Fatal("expected error for empty choices")
		}
		if !strings.Contains(err.Error(), "no response choices") {
			t.Errorf("expected 'no response choices' error, got: %v", err)
		}
	})
}

func TestIsRetryable(t *testing.T) {
	t.Run("API status classification", func(t *testing.T) {
		tests := []struct {
			status    int
			retryable bool
		}{
			{429, true},
			{500, true},
			{503, true},
			{529, true},
			{400, false},
			{401, false},
			{404, false},
		}
		for _, tt := range tests {
			err := &ai.APIError{Provider: ProviderID, StatusCode: tt.status, Body: "x"}
			if got := isRetryable(err); got != tt.retryable {
				t.Errorf("status %d: expected retryable=%v, got %v", tt.status, tt.retryable, got)
			}
		}
	})

	t.Run("network timeouts", func(t *testing.T) {
		if !isRetryable(&net.DNSError{Err: "no such host", IsTimeout: true}) {
			t.Error("expected DNS timeout to be retryable")
		}
		if isRetryable(&net.DNSError{Err: "no such host", IsTimeout: false}) {
			t.Error("expected plain DNS failure to not be retryable")
		}
	})

	t.Run("error string matching", func(t *testing.T) {
		tests := []struct {
			errorStr  string
			retryable bool
		}{
			{"connection reset by peer", true},
			{"connection refused", true},
			{"i/o timeout", true},
			{"network is unreachable", true},
			{"temporary failure", true},
			{"invalid json", false},
			{"unauthorized", false},
		}
		for _, tt := range tests {
			err := &testError{msg: tt.errorStr}
			if got := isRetryable(err); got != tt.retryable {
				t.Errorf("error %q: expected retryable=%v, got %v", tt.errorStr, tt.retryable, got)
			}
		}
	})
}

// testError is a simple error type for testing error string matching
type testError struct {
	msg string
}

func (e *testError) Error() string {
	return e.msg
}

func TestListModels(t *testing.T) {
	t.Run("returns raw model IDs", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/models" {
				t.Errorf("expected /models, got %s", r.URL.Path)
			}
			json.NewEncoder(w).Encode(ModelList{Data: []ModelInfo{
				{ID: "gpt-4o"},
				{ID: "whisper-1"},
				{ID: "gpt-4o-mini"},
			}})
		}))
		defer server.Close()

		client := NewClient(Config{APIKey: "test-key", BaseURL: server.URL})
		client.SetHTTPClient(server.Client())

		ids, err := client.ListModels(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		// Catalog filtering happens in the provider registry, not here
		if len(ids) != 3 || ids[1] != "whisper-1" {
			t.Errorf("expected unfiltered IDs in API order, got %v", ids)
		}
	})

	t.Run("non-200 becomes APIError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusUnauthorized)
		}))
		defer server.Close()

		client := NewClient(Config{APIKey: "bad-key", BaseURL: server.URL})
		client.SetHTTPClient(server.Client())

		_, err := client.ListModels(context.Background())
		if err == nil {
			t.Fatal("expected error")
		}
		var apiErr *ai.APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != 401 {
			t.Errorf("expected APIError with status 401, got %v", err)
		}
	})
}

func BenchmarkClient_Complete(b *testing.B) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(completionResponse("bench", ai.Usage{TotalTokens: 10}))
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "test-key", BaseURL: server.URL})
	client.SetHTTPClient(server.Client())

	ctx := context.Background()
	req := ai.CompletionRequest{Prompt: "Hello", Temperature: 0.7}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := client.Complete(ctx, req); err != nil {
			b.Fatal(err)
		}
	}
}
