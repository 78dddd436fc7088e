package ai

import "fmt"

// APIError is a non-success HTTP response from a provider API. Clients
// return it from their transport layer so retry logic can distinguish
// rate limits and server faults from hard request errors.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API request failed with status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Retryable reports whether the response class is worth retrying:
// rate limits (429) and server-side failures (5xx, including Anthropic's
// 529 overloaded). Other 4xx responses are request errors and final.
func (e *APIError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
