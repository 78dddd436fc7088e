package openaicompat

// ModelPricing is the USD cost per million tokens for one chat model.
type ModelPricing struct {
	PromptPrice     float64
	CompletionPrice float64
}

// fallbackCost is charged per request when a model has no table entry,
// which is the normal case for self-hosted compatible servers.
const fallbackCost = 0.01

// modelPricing covers the OpenAI first-party chat models, USD per
// million tokens, from https://openai.com/api/pricing/.
var modelPricing = map[string]ModelPricing{
	"gpt-4o":        {2.50, 10.00},
	"gpt-4o-mini":   {0.15, 0.60},
	"gpt-4.1":       {2.00, 8.00},
	"gpt-4.1-mini":  {0.40, 1.60},
	"gpt-4.1-nano":  {0.10, 0.40},
	"gpt-4-turbo":   {10.00, 30.00},
	"gpt-3.5-turbo": {0.50, 1.50},
	"o3":            {2.00, 8.00},
	"o3-mini":       {1.10, 4.40},
	"o4-mini":       {1.10, 4.40},
}

// CalculateCost returns the USD cost of one chat completion call.
// Models missing from the table cost the flat fallback instead of zero.
func CalculateCost(model string, promptTokens, completionTokens int) float64 {
	p, ok := modelPricing[model]
	if !ok {
		return fallbackCost
	}
	return (p.PromptPrice*float64(promptTokens) + p.CompletionPrice*float64(completionTokens)) / 1e6
}

// GetPricing reports whether the model has a pricing entry.
func GetPricing(model string) (ModelPricing, bool) {
	p, ok := modelPricing[model]
	return p, ok
}
