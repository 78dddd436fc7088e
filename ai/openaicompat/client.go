// Package openaicompat implements the completion gateway for OpenAI-compatible
// chat completion APIs. The base URL is configurable, so the same client serves
// api.openai.com, OpenRouter, Ollama, and any other server speaking the
// /chat/completions dialect.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/hone/ai"
	"github.com/teranos/hone/errors"
	"github.com/teranos/hone/internal/httpclient"
)

const (
	// ProviderID identifies this gateway in run configs and usage rows.
	ProviderID = "openai"

	// DefaultBaseURL is the hosted OpenAI endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultModel is used when neither the run config nor the client
	// config names a model.
	DefaultModel = "gpt-4o-mini"

	// maxAttempts bounds the retry loop for transient failures.
	maxAttempts = 5

	requestTimeout = 120 * time.Second
)

// Config holds client configuration.
type Config struct {
	APIKey            string
	BaseURL           string // empty = DefaultBaseURL
	Model             string // empty = DefaultModel
	RequestsPerMinute int    // 0 = no client-side rate limit
	Logger            *zap.SugaredLogger
	Recorder          ai.UsageRecorder
}

// Client is an OpenAI-compatible chat completions client.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.SugaredLogger
	recorder   ai.UsageRecorder

	// sleep is stubbed in tests to skip real backoff delays
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a client from config, applying defaults for anything unset.
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}

	// The base URL may legitimately point at a local OpenAI-compatible
	// server (Ollama, LM Studio), so private addresses stay reachable here.
	// Dataset image fetching keeps its own stricter client.
	blockPrivateIP := false
	saferClient := httpclient.NewSaferClientWithOptions(requestTimeout, httpclient.SaferClientOptions{
		BlockPrivateIP: &blockPrivateIP,
	})

	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: saferClient.Client,
		limiter:    limiter,
		logger:     log,
		recorder:   cfg.Recorder,
		sleep:      sleepContext,
	}
}

// ContentPart is one entry in a multimodal content array. Type is "text"
// or "image_url".
type ContentPart struct {
	Type     string            `json:"type"`
	Text     string            `json:"text,omitempty"`
	ImageURL *ContentPartImage `json:"image_url,omitempty"`
}

// ContentPartImage holds an image reference: either a remote URL or a
// data URI "data:{mime};base64,{data}".
type ContentPartImage struct {
	URL string `json:"url"`
}

// Message is one chat turn. The API accepts content as either a bare JSON
// string or a parts array, and RawMessage lets a single type carry both.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// NewTextMessage builds a plain-text message.
func NewTextMessage(role, text string) Message {
	raw, _ := json.Marshal(text)
	return Message{Role: role, Content: raw}
}

// TextContent decodes Content as a plain string, which is all the models
// ever send back. Anything else comes through as raw JSON.
func (m Message) TextContent() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err != nil {
		return string(m.Content)
	}
	return s
}

// userMessage builds the user turn: plain text when the request has no
// images, a parts array otherwise.
func userMessage(req ai.CompletionRequest) Message {
	if len(req.Images) == 0 {
		return NewTextMessage("user", req.Prompt)
	}
	parts := make([]ContentPart, 0, 1+len(req.Images))
	parts = append(parts, ContentPart{Type: "text", Text: req.Prompt})
	for _, img := range req.Images {
		parts = append(parts, imagePart(img))
	}
	raw, _ := json.Marshal(parts)
	return Message{Role: "user", Content: raw}
}

// imagePart converts a neutral image source to an OpenAI content part.
// Remote URLs pass through untouched so the provider fetches them itself;
// local and inline images become data URIs.
func imagePart(img ai.ImageSource) ContentPart {
	url := img.URL
	if url == "" {
		url = fmt.Sprintf("data:%s;base64,%s", img.MediaType, img.Data)
	}
	return ContentPart{Type: "image_url", ImageURL: &ContentPartImage{URL: url}}
}

// ChatCompletionRequest is the wire request for POST /chat/completions.
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

// ChatCompletionResponse is the wire response from chat completions.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   ai.Usage `json:"usage"`
}

// Choice is one completion alternative; the client only ever reads the first.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// doJSON executes one API call against path and decodes the response body
// into out. A nil payload sends a bodyless request. Non-200 statuses come
// back as *ai.APIError with the body preserved for diagnostics.
func (c *Client) doJSON(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, "failed to marshal request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response")
	}
	if resp.StatusCode != http.StatusOK {
		return &ai.APIError{Provider: ProviderID, StatusCode: resp.StatusCode, Body: string(data)}
	}
	return errors.Wrap(json.Unmarshal(data, out), "failed to unmarshal response")
}

// CreateChatCompletion sends one chat completion request without retries.
// Non-2xx responses come back as *ai.APIError.
func (c *Client) CreateChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "rate limiter wait")
		}
	}
	var resp ChatCompletionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/chat/completions", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Complete implements ai.Gateway. Transient failures (network faults, rate
// limits, server errors) are retried with exponential backoff; caller
// cancellation aborts the loop immediately, including mid-backoff.
func (c *Client) Complete(ctx context.Context, req ai.CompletionRequest) (*ai.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	messages := []Message{userMessage(req)}
	if req.SystemPrompt != "" {
		messages = append([]Message{NewTextMessage("system", req.SystemPrompt)}, messages...)
	}

	wireReq := ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
	}

	c.logger.Debugw("chat completion request",
		"provider", ProviderID,
		"model", model,
		"temperature", req.Temperature,
		"images", len(req.Images),
	)

	var resp *ChatCompletionResponse
	var err error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<attempt) * time.Second
			c.logger.Debugw("retrying chat completion",
				"attempt", attempt, "max_attempts", maxAttempts, "delay", delay, "error", err)
			if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
				return nil, sleepErr
			}
		}

		resp, err = c.CreateChatCompletion(ctx, wireReq)
		if err == nil {
			break
		}

		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "chat completion canceled")
		}
		if !isRetryable(err) {
			return nil, errors.Wrap(err, "chat completion failed")
		}
	}

	if err != nil {
		return nil, errors.Wrapf(err, "chat completion failed after %d attempts", maxAttempts)
	}

	if len(resp.Choices) == 0 {
		return nil, errors.New("no response choices returned")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.TextContent())
	if c.recorder != nil {
		c.recorder.RecordUsage(ProviderID, model, resp.Usage)
	}

	return &ai.CompletionResponse{Text: text, Usage: resp.Usage}, nil
}

// transientFragments matches error text from wrapped failures whose
// structured cause is no longer reachable. "connection reset" also covers
// "connection reset by peer"; "timeout" covers "i/o timeout".
var transientFragments = []string{
	"connection refused",
	"connection reset",
	"network is unreachable",
	"temporary failure",
	"timeout",
}

// isRetryable classifies an error as transient. API errors carry their own
// verdict via the status code; network errors are inspected structurally
// first and by message text as a fallback.
func isRetryable(err error) bool {
	var apiErr *ai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errno, ok := opErr.Err.(syscall.Errno); ok {
			switch errno {
			case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ETIMEDOUT:
				return true
			}
		}
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range transientFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// Configured implements ai.Gateway. A custom base URL counts as configured
// even without an API key, since local servers don't require one.
func (c *Client) Configured() bool {
	return c.apiKey != "" || c.baseURL != DefaultBaseURL
}

// Provider implements ai.Gateway.
func (c *Client) Provider() string {
	return ProviderID
}

// SetHTTPClient allows overriding the HTTP client for testing.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
