package ai

import (
	"encoding/json"
	"regexp"
	"strings"
)

// jsonObjectRE matches the first top-level JSON object in free text,
// tolerating one level of nested objects. Deeper nesting falls through
// to the error sentinel.
var jsonObjectRE = regexp.MustCompile(`\{[^{}]*(?:\{[^{}]*\}[^{}]*)*\}`)

// ParseStructured extracts a JSON object from model output. Models wrap
// JSON in markdown fences or surround it with prose often enough that a
// strict json.Unmarshal would fail on healthy responses, so parsing is
// layered: strip code fences, try a direct parse, then scan for the first
// balanced object. Unparseable text yields {"error": ..., "raw": <text>}
// rather than an error, so callers always have a map to inspect.
func ParseStructured(text string) map[string]interface{} {
	cleaned := stripCodeFences(text)

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(cleaned), &doc); err == nil {
		return doc
	}

	if match := jsonObjectRE.FindString(cleaned); match != "" {
		if err := json.Unmarshal([]byte(match), &doc); err == nil {
			return doc
		}
	}

	return map[string]interface{}{
		"error": "Failed to parse JSON",
		"raw":   text,
	}
}

// stripCodeFences removes a surrounding markdown code fence, with or
// without a json language tag.
func stripCodeFences(text string) string {
	cleaned := strings.TrimSpace(text)
	if strings.HasPrefix(cleaned, "```json") {
		cleaned = cleaned[len("```json"):]
	} else if strings.HasPrefix(cleaned, "```") {
		cleaned = cleaned[len("```"):]
	}
	cleaned = strings.TrimSuffix(cleaned, "```")
	return strings.TrimSpace(cleaned)
}

// Float coerces a decoded JSON value to a float64. Models occasionally
// return scores as strings ("0.85") instead of numbers: both decode paths
// land here. Returns ok=false for anything non-numeric.
func Float(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		trimmed := strings.TrimSpace(n)
		if trimmed == "" {
			return 0, false
		}
		var f float64
		if err := json.Unmarshal([]byte(trimmed), &f); err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// String coerces a decoded JSON value to a string, returning "" for
// missing or non-string values.
func String(v interface{}) string {
	s, _ := v.(string)
	return s
}
