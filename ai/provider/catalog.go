package provider

import (
	"sort"
	"strings"
)

// nonChatKeywords marks catalog entries that cannot serve chat
// completions. OpenAI-compatible gateways (Gemini's endpoint in
// particular) mix embedding, speech, and media models into /models.
var nonChatKeywords = []string{
	"embed",
	"tts",
	"whisper",
	"dall-e",
	"moderation",
	"imagen",
	"veo",
	"lyria",
	"generate",
	"audio",
	"robotics",
	"image",
	"deep-research",
}

func isChatModel(id string) bool {
	lower := strings.ToLower(id)
	if lower == "aqa" {
		return false
	}
	for _, kw := range nonChatKeywords {
		if strings.Contains(lower, kw) {
			return false
		}
	}
	return true
}

// normalizeModelID strips the "models/" prefix some OpenAI-compatible
// servers prepend to catalog IDs.
func normalizeModelID(id string) string {
	return strings.TrimPrefix(id, "models/")
}

func dedupeSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
