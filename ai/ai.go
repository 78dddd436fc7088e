// Package ai defines the provider-neutral completion contract used by the
// optimization pipeline. Concrete clients live in subpackages (openaicompat,
// anthropic) and keep their wire formats to themselves; pipeline stages only
// ever see the types in this package.
package ai

import "context"

// Usage counts the tokens consumed by a single completion call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage sample into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// ImageSource is a decoded image attachment for a multimodal completion.
// Data always carries the base64 payload (no data: URI prefix). URL is set
// when the image came from a remote address, so clients that accept remote
// references can pass it through instead of inlining the payload.
type ImageSource struct {
	MediaType string // image/png, image/jpeg, image/gif, image/webp
	Data      string
	URL       string
}

// CompletionRequest is a single-turn prompt against a chat model.
type CompletionRequest struct {
	Model        string // empty = client default
	SystemPrompt string // empty = no system message
	Prompt       string
	Temperature  float64
	Images       []ImageSource
}

// CompletionResponse carries the model's text output and token usage.
type CompletionResponse struct {
	Text  string
	Usage Usage
}

// Gateway is the uniform completion interface the pipeline stages run
// against. Implementations encapsulate authentication, retry, and the
// provider's content-block shape for images.
type Gateway interface {
	// Complete sends one prompt and returns the model's reply. The request
	// is retried internally on transient failures; a returned error means
	// the call is not recoverable (or the context was canceled).
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Configured reports whether the client has the credentials it needs.
	Configured() bool

	// Provider returns the provider identifier ("openai", "anthropic").
	Provider() string
}

// UsageRecorder receives token counts after each completed call. Clients
// call it on success; a nil recorder is always permitted.
type UsageRecorder interface {
	RecordUsage(provider, model string, usage Usage)
}

// CompleteStructured runs a completion and parses the reply as a tolerant
// JSON object. The returned map is never nil; see ParseStructured for the
// fallback shape when the model did not produce parseable JSON.
func CompleteStructured(ctx context.Context, g Gateway, req CompletionRequest) (map[string]interface{}, error) {
	resp, err := g.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return ParseStructured(resp.Text), nil
}
