package openaicompat

import (
	"context"
	"net/http"
)

// ModelList is the wire response from GET /models.
type ModelList struct {
	Data []ModelInfo `json:"data"`
}

// ModelInfo describes one model in the catalog.
type ModelInfo struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// ListModels fetches the provider's model catalog and returns raw model IDs
// in API order. Callers filter and sort; some compatible servers (Gemini's
// OpenAI endpoint, Ollama) return IDs that need normalization first.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	var list ModelList
	if err := c.doJSON(ctx, http.MethodGet, "/models", nil, &list); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
