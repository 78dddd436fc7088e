// Package anthropic implements the completion gateway for the Anthropic
// Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
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
	ProviderID = "anthropic"

	// DefaultModel is the default Claude model
	DefaultModel = "claude-sonnet-4-5-20250929"

	// DefaultBaseURL is the Anthropic API endpoint
	DefaultBaseURL = "https://api.anthropic.com/v1"

	// APIVersion is the required Anthropic API version header
	APIVersion = "2023-06-01"

	// DefaultMaxTokens caps response length; the Messages API requires an
	// explicit value on every request.
	DefaultMaxTokens = 4096

	// maxAttempts bounds the retry loop for transient failures.
	maxAttempts = 5

	requestTimeout = 120 * time.Second
)

// Config holds Anthropic client configuration.
type Config struct {
	APIKey            string
	BaseURL           string // empty = DefaultBaseURL
	Model             string // empty = DefaultModel
	MaxTokens         int    // 0 = DefaultMaxTokens
	RequestsPerMinute int    // 0 = no client-side rate limit
	Logger            *zap.SugaredLogger
	Recorder          ai.UsageRecorder
}

// Client is an Anthropic Messages API client.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.SugaredLogger
	recorder   ai.UsageRecorder

	// sleep is stubbed in tests to skip real backoff delays
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a new Anthropic API client.
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = DefaultMaxTokens
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}

	// Create SSRF-safer HTTP client
	blockPrivateIP := true
	saferClient := httpclient.NewSaferClientWithOptions(requestTimeout, httpclient.SaferClientOptions{
		BlockPrivateIP: &blockPrivateIP,
	})

	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		model:      model,
		maxTokens:  maxTokens,
		httpClient: saferClient.Client,
		limiter:    limiter,
		logger:     log,
		recorder:   cfg.Recorder,
		sleep:      sleepContext,
	}
}

// MessagesRequest represents a request to the Anthropic Messages API.
type MessagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Messages    []Message `json:"messages"`
	System      string    `json:"system,omitempty"`
	Temperature float64   `json:"temperature"`
}

// Message represents a message in the conversation. Content is always a
// block array; a plain text message is a single text block.
type Message struct {
	Role    string         `json:"role"` // "user" or "assistant"
	Content []ContentBlock `json:"content"`
}

// ContentBlock represents one content block in a message or response.
type ContentBlock struct {
	Type   string            `json:"type"` // "text" or "image"
	Text   string            `json:"text,omitempty"`
	Source *ImageBlockSource `json:"source,omitempty"`
}

// ImageBlockSource carries an inline base64 image. The Messages API takes
// inline payloads only; remote URLs are fetched by the dataset loader
// before they reach this client.
type ImageBlockSource struct {
	Type      string `json:"type"` // always "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// NewTextMessage creates a Message with a single text block.
func NewTextMessage(role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{{Type: "text", Text: text}}}
}

// MessagesResponse represents the response from the Messages API.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence,omitempty"`
	Usage        Usage          `json:"usage"`
}

// Usage represents token usage information.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// CreateMessages sends one request to the Messages API without retries.
// Non-2xx responses come back as *ai.APIError.
func (c *Client) CreateMessages(ctx context.Context, req MessagesRequest) (*MessagesResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "rate limiter wait")
		}
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/messages", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", APIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &ai.APIError{Provider: ProviderID, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var messagesResp MessagesResponse
	if err := json.Unmarshal(respBody, &messagesResp); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}

	return &messagesResp, nil
}

// Complete implements ai.Gateway. Transient failures (network faults, rate
// limits, overloaded responses) are retried with exponential backoff;
// caller cancellation aborts the loop immediately, including mid-backoff.
func (c *Client) Complete(ctx context.Context, req ai.CompletionRequest) (*ai.CompletionResponse, error) {
	if c.apiKey == "" {
		return nil, errors.WithHint(
			errors.Wrap(errors.ErrNotConfigured, "Anthropic API key not set"),
			"set llm.anthropic.api_key in your config file or export HONE_LLM_ANTHROPIC_API_KEY")
	}

	model := req.Model
	if model == "" {
		model = c.model
	}

	blocks := make([]ContentBlock, 0, 1+len(req.Images))
	blocks = append(blocks, ContentBlock{Type: "text", Text: req.Prompt})
	for _, img := range req.Images {
		blocks = append(blocks, imageBlock(img))
	}

	wireReq := MessagesRequest{
		Model:       model,
		MaxTokens:   c.maxTokens,
		Temperature: req.Temperature,
		System:      req.SystemPrompt,
		Messages: []Message{
			{Role: "user", Content: blocks},
		},
	}

	c.logger.Debugw("messages request",
		"provider", ProviderID,
		"model", model,
		"temperature", req.Temperature,
		"max_tokens", c.maxTokens,
		"images", len(req.Images),
	)

	var resp *MessagesResponse
	var err error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<attempt) * time.Second
			c.logger.Debugw("retrying messages request",
				"attempt", attempt, "max_attempts", maxAttempts, "delay", delay, "error", err)
			if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
				return nil, sleepErr
			}
		}

		resp, err = c.CreateMessages(ctx, wireReq)
		if err == nil {
			break
		}

		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "messages request canceled")
		}
		if !c.isRetryableError(err) {
			return nil, errors.Wrap(err, "messages request failed")
		}
	}

	if err != nil {
		return nil, errors.Wrapf(err, "messages request failed after %d attempts", maxAttempts)
	}

	// Join text blocks; tool-use and other block types don't occur for
	// plain completion requests.
	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	usage := ai.Usage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	if c.recorder != nil {
		c.recorder.RecordUsage(ProviderID, model, usage)
	}

	return &ai.CompletionResponse{Text: strings.TrimSpace(content.String()), Usage: usage}, nil
}

// imageBlock converts a neutral image source to a Messages API image block.
func imageBlock(img ai.ImageSource) ContentBlock {
	return ContentBlock{
		Type: "image",
		Source: &ImageBlockSource{
			Type:      "base64",
			MediaType: img.MediaType,
			Data:      img.Data,
		},
	}
}

// isRetryableError checks if an error is worth retrying.
func (c *Client) isRetryableError(err error) bool {
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

	errStr := strings.ToLower(err.Error())
	networkErrors := []string{
		"connection reset by peer",
		"connection refused",
		"timeout",
		"temporary failure",
		"network is unreachable",
		"i/o timeout",
		"overloaded", // Anthropic-specific
	}
	for _, netStr := range networkErrors {
		if strings.Contains(errStr, netStr) {
			return true
		}
	}

	return false
}

// Configured implements ai.Gateway.
func (c *Client) Configured() bool {
	return c.apiKey != ""
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
