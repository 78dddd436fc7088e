package anthropic

import "strings"

// ModelPricing is the USD cost per million tokens for one Claude model.
type ModelPricing struct {
	InputPrice  float64
	OutputPrice float64
}

// fallbackCost is charged per request when a model has no table entry.
const fallbackCost = 0.01

// modelPricing maps dated model IDs to their cost, USD per million
// tokens, from https://www.anthropic.com/pricing. One dated entry per
// family, so alias resolution stays unambiguous.
var modelPricing = map[string]ModelPricing{
	"claude-sonnet-4-5-20250929": {3.00, 15.00},
	"claude-haiku-4-5-20251001":  {1.00, 5.00},
	"claude-opus-4-20250514":     {15.00, 75.00},
	"claude-3-5-sonnet-20241022": {3.00, 15.00},
	"claude-3-5-haiku-20241022":  {0.80, 4.00},
	"claude-3-haiku-20240307":    {0.25, 1.25},
}

// lookup resolves a model name to its pricing row. Undated aliases like
// "claude-sonnet-4-5" match the dated entry for their family.
func lookup(model string) (ModelPricing, bool) {
	if p, ok := modelPricing[model]; ok {
		return p, true
	}
	for id, p := range modelPricing {
		if strings.HasPrefix(id, model+"-20") {
			return p, true
		}
	}
	return ModelPricing{}, false
}

// CalculateCost returns the USD cost of one Messages API call. Models
// missing from the table cost the flat fallback instead of zero.
func CalculateCost(model string, inputTokens, outputTokens int) float64 {
	p, ok := lookup(model)
	if !ok {
		return fallbackCost
	}
	return (p.InputPrice*float64(inputTokens) + p.OutputPrice*float64(outputTokens)) / 1e6
}

// GetPricing reports the pricing row a model resolves to.
func GetPricing(model string) (ModelPricing, bool) {
	return lookup(model)
}
