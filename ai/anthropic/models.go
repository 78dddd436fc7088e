package anthropic

// Models is the static Claude model catalog exposed through the providers
// API. The Messages API has no model-listing endpoint usable with just an
// API key, so the catalog is maintained here.
var Models = []string{
	"claude-sonnet-4-5-20250929",
	"claude-haiku-4-5-20251001",
	"claude-opus-4-20250514",
	"claude-3-5-sonnet-20241022",
	"claude-3-5-haiku-20241022",
	"claude-3-haiku-20240307",
}
