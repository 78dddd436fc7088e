// Package provider resolves configured model providers into completion
// gateways and serves the model catalogs behind the providers API.
package provider

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/hone/ai"
	"github.com/teranos/hone/ai/anthropic"
	"github.com/teranos/hone/ai/openaicompat"
	"github.com/teranos/hone/config"
	"github.com/teranos/hone/errors"
)

// ID names a model provider.
type ID string

const (
	// OpenAI is any OpenAI-compatible chat completions endpoint
	// (api.openai.com, OpenRouter, Ollama, ...).
	OpenAI ID = "openai"
	// Anthropic is the Anthropic Messages API.
	Anthropic ID = "anthropic"
)

// All lists the supported providers in display order.
var All = []ID{OpenAI, Anthropic}

// Parse converts a provider name from a run config or API path to an ID.
func Parse(s string) (ID, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openai":
		return OpenAI, nil
	case "anthropic", "claude":
		return Anthropic, nil
	default:
		return "", errors.Wrapf(errors.ErrInvalidRequest, "unknown provider %q (valid: openai, anthropic)", s)
	}
}

// DisplayName returns a human-readable provider name for API payloads.
func (id ID) DisplayName() string {
	switch id {
	case OpenAI:
		return "OpenAI"
	case Anthropic:
		return "Anthropic"
	default:
		return string(id)
	}
}

// Registry builds gateways from configuration and serves model catalogs.
// It is safe for concurrent use; SetConfig supports live config reload.
type Registry struct {
	logger *zap.SugaredLogger

	mu     sync.RWMutex
	cfg    *config.Config
	custom map[ID][]string // models registered at runtime, per provider
}

// NewRegistry creates a registry backed by cfg.
func NewRegistry(cfg *config.Config, logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Registry{
		logger: logger,
		cfg:    cfg,
		custom: make(map[ID][]string),
	}
}

// SetConfig swaps the backing configuration after a config file reload.
func (r *Registry) SetConfig(cfg *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

func (r *Registry) config() *config.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Gateway returns a completion client for the provider, bound to rec for
// usage reporting. rec may be nil.
func (r *Registry) Gateway(id ID, rec ai.UsageRecorder) (ai.Gateway, error) {
	cfg := r.config()
	switch id {
	case OpenAI:
		return openaicompat.NewClient(openaicompat.Config{
			APIKey:            cfg.LLM.OpenAI.APIKey,
			BaseURL:           cfg.LLM.OpenAI.BaseURL,
			Model:             cfg.LLM.OpenAI.Model,
			RequestsPerMinute: cfg.LLM.OpenAI.RequestsPerMinute,
			Logger:            r.logger,
			Recorder:          rec,
		}), nil
	case Anthropic:
		return anthropic.NewClient(anthropic.Config{
			APIKey:            cfg.LLM.Anthropic.APIKey,
			Model:             cfg.LLM.Anthropic.Model,
			MaxTokens:         cfg.LLM.Anthropic.MaxTokens,
			RequestsPerMinute: cfg.LLM.Anthropic.RequestsPerMinute,
			Logger:            r.logger,
			Recorder:          rec,
		}), nil
	default:
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "unknown provider %q", id)
	}
}

// Configured reports whether the provider has usable credentials.
func (r *Registry) Configured(id ID) bool {
	gw, err := r.Gateway(id, nil)
	if err != nil {
		return false
	}
	return gw.Configured()
}

// DefaultModel returns the configured default model for a provider.
func (r *Registry) DefaultModel(id ID) string {
	cfg := r.config()
	switch id {
	case OpenAI:
		if m := cfg.LLM.OpenAI.Model; m != "" {
			return m
		}
		return openaicompat.DefaultModel
	case Anthropic:
		if m := cfg.LLM.Anthropic.Model; m != "" {
			return m
		}
		return anthropic.DefaultModel
	default:
		return ""
	}
}

// Resolve returns the provider and model for a pipeline stage, applying
// the precedence: explicit values (from a run config), the per-stage
// configured default, then the global default provider and its model.
// Stage names follow the config keys: test, judge, summarize, improve.
func (r *Registry) Resolve(stage, explicitProvider, explicitModel string) (ID, string, error) {
	cfg := r.config()

	providerName := explicitProvider
	model := explicitModel

	sc := cfg.StageDefault(stage)
	if providerName == "" {
		providerName = sc.Provider
	}
	if model == "" {
		model = sc.Model
	}
	if providerName == "" {
		providerName = cfg.LLM.DefaultProvider
	}
	if providerName == "" {
		providerName = string(OpenAI)
	}

	id, err := Parse(providerName)
	if err != nil {
		return "", "", err
	}
	if model == "" {
		model = r.DefaultModel(id)
	}
	return id, model, nil
}

// HasStageDefault reports whether config names a provider or model for
// the stage.
func (r *Registry) HasStageDefault(stage string) bool {
	sc := r.config().StageDefault(stage)
	return sc.Provider != "" || sc.Model != ""
}

// Models returns the chat-capable model catalog for one provider, merged
// with any custom models registered at runtime, deduplicated and sorted.
// The OpenAI catalog comes from the endpoint's /models listing; the
// Anthropic catalog is static.
func (r *Registry) Models(ctx context.Context, id ID) ([]string, error) {
	var ids []string
	switch id {
	case OpenAI:
		if !r.Configured(OpenAI) {
			return nil, errors.WithHint(
				errors.Wrap(errors.ErrNotConfigured, "openai"),
				"set llm.openai.api_key in your config file or export HONE_LLM_OPENAI_API_KEY")
		}
		cfg := r.config()
		client := openaicompat.NewClient(openaicompat.Config{
			APIKey:  cfg.LLM.OpenAI.APIKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Logger:  r.logger,
		})
		raw, err := client.ListModels(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "failed to list openai models")
		}
		for _, m := range raw {
			m = normalizeModelID(m)
			if isChatModel(m) {
				ids = append(ids, m)
			}
		}
	case Anthropic:
		ids = append(ids, anthropic.Models...)
	default:
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "unknown provider %q", id)
	}

	ids = append(ids, r.customModels(id)...)
	return dedupeSorted(ids), nil
}

// AllModels fans out catalog fetches across providers. Unconfigured or
// failing providers are skipped so one broken catalog doesn't empty the
// whole response; only caller cancellation aborts the batch.
func (r *Registry) AllModels(ctx context.Context) (map[ID][]string, error) {
	var mu sync.Mutex
	out := make(map[ID][]string)

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range All {
		if id == OpenAI && !r.Configured(OpenAI) {
			continue
		}
		g.Go(func() error {
			models, err := r.Models(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.logger.Warnw("model catalog fetch failed", "provider", id, "error", err)
				return nil
			}
			mu.Lock()
			out[id] = models
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// CustomModels lists chat models from an arbitrary OpenAI-compatible
// endpoint, for probing gateways like OpenRouter or a local Ollama before
// committing them to config. An empty apiKey falls back to the configured
// OpenAI key.
func (r *Registry) CustomModels(ctx context.Context, baseURL, apiKey string) ([]string, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "base_url is required")
	}
	if apiKey == "" {
		apiKey = r.config().LLM.OpenAI.APIKey
	}

	client := openaicompat.NewClient(openaicompat.Config{
		APIKey:  apiKey,
		BaseURL: baseURL,
		Logger:  r.logger,
	})
	raw, err := client.ListModels(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list models from %s", baseURL)
	}

	var ids []string
	for _, m := range raw {
		m = normalizeModelID(m)
		if isChatModel(m) {
			ids = append(ids, m)
		}
	}
	return dedupeSorted(ids), nil
}

// AddCustomModel registers a model name for a provider at runtime, for
// models the catalog doesn't surface (fine-tunes, gateway-proxied names).
func (r *Registry) AddCustomModel(id ID, model string) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "model name is empty")
	}
	switch id {
	case OpenAI, Anthropic:
	default:
		return errors.Wrapf(errors.ErrInvalidRequest, "unknown provider %q", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.custom[id] {
		if existing == model {
			return nil
		}
	}
	r.custom[id] = append(r.custom[id], model)
	return nil
}

func (r *Registry) customModels(id ID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.custom[id]...)
}
