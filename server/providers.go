package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/teranos/hone/ai/provider"
	"github.com/teranos/hone/config"
	"github.com/teranos/hone/errors"
	"github.com/teranos/hone/pipeline"
)

// pipelineStages lists the stages that accept provider/model defaults,
// in pipeline order.
var pipelineStages = []string{
	pipeline.StageTest,
	pipeline.StageJudge,
	pipeline.StageSummarize,
	pipeline.StageImprove,
}

type providerInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Configured bool   `json:"configured"`
}

type stageDefault struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// modelsResponse is the catalog payload. Catalog fetches degrade to an
// empty list plus an error message rather than a failure status, so a
// provider outage doesn't break the run creation form.
type modelsResponse struct {
	Models []string `json:"models"`
	Error  string   `json:"error,omitempty"`
}

// handleProviders lists the supported providers with their configured
// state, and the provider/model each pipeline stage resolves to today.
func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	providers := make([]providerInfo, 0, len(provider.All))
	for _, id := range provider.All {
		providers = append(providers, providerInfo{
			ID:         string(id),
			Name:       id.DisplayName(),
			Configured: s.registry.Configured(id),
		})
	}

	defaults := make(map[string]stageDefault, len(pipelineStages))
	for _, stage := range pipelineStages {
		id, model, err := s.registry.Resolve(stage, "", "")
		if err != nil {
			defaults[stage] = stageDefault{}
			continue
		}
		defaults[stage] = stageDefault{Provider: string(id), Model: model}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": providers,
		"defaults":  defaults,
	})
}

func (s *Server) handleProviderModels(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("provider")
	id, err := provider.Parse(name)
	if err != nil {
		writeJSON(w, http.StatusOK, modelsResponse{
			Models: []string{},
			Error:  fmt.Sprintf("Unknown provider: %s", name),
		})
		return
	}
	if !s.registry.Configured(id) {
		writeJSON(w, http.StatusOK, modelsResponse{
			Models: []string{},
			Error:  fmt.Sprintf("Provider '%s' is not configured. Set the appropriate API key in your hone config", id),
		})
		return
	}

	models, err := s.registry.Models(r.Context(), id)
	if err != nil {
		s.logger.Warnw("Model catalog fetch failed", "provider", id, "error", err)
		writeJSON(w, http.StatusOK, modelsResponse{Models: []string{}, Error: err.Error()})
		return
	}
	if models == nil {
		models = []string{}
	}
	writeJSON(w, http.StatusOK, modelsResponse{Models: models})
}

func (s *Server) handleAllModels(w http.ResponseWriter, r *http.Request) {
	all, err := s.registry.AllModels(r.Context())
	if err != nil {
		s.logger.Errorw("Failed to list models", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list models")
		return
	}
	catalogs := make(map[string][]string, len(all))
	for id, models := range all {
		catalogs[string(id)] = models
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": catalogs})
}

type addModelRequest struct {
	Model string `json:"model"`
}

// handleAddModel registers a model name the catalog doesn't surface,
// like a fine-tune or a gateway-proxied model.
func (s *Server) handleAddModel(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("provider")
	id, err := provider.Parse(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown provider: %s", name))
		return
	}
	var body addModelRequest
	if err := readJSON(w, r, &body); err != nil {
		return
	}
	if strings.TrimSpace(body.Model) == "" {
		writeError(w, http.StatusBadRequest, "Model name is required")
		return
	}
	if err := s.registry.AddCustomModel(id, body.Model); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid model name")
		return
	}
	s.logger.Infow("Custom model registered", "provider", id, "model", body.Model)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Model added"})
}

type customModelsRequest struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
}

// handleCustomModels probes an arbitrary OpenAI-compatible endpoint for
// its chat models, for the UI's custom-endpoint form.
func (s *Server) handleCustomModels(w http.ResponseWriter, r *http.Request) {
	var body customModelsRequest
	if err := readJSON(w, r, &body); err != nil {
		return
	}
	models, err := s.registry.CustomModels(r.Context(), body.BaseURL, body.APIKey)
	if err != nil {
		if errors.IsInvalidRequestError(err) {
			writeError(w, http.StatusBadRequest, "base_url is required")
			return
		}
		writeJSON(w, http.StatusOK, modelsResponse{Models: []string{}, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, modelsResponse{Models: models})
}

// handleUpdateStageDefault persists a per-stage provider/model default
// and reloads the configuration so the change applies to the next run
// without a restart. Empty provider and model clears the override.
func (s *Server) handleUpdateStageDefault(w http.ResponseWriter, r *http.Request) {
	stage := r.PathValue("stage")
	valid := false
	for _, known := range pipelineStages {
		if stage == known {
			valid = true
			break
		}
	}
	if !valid {
		writeError(w, http.StatusBadRequest, fmt.Sprintf(
			"Unknown pipeline stage '%s'. Valid stages: %s",
			stage, strings.Join(pipelineStages, ", ")))
		return
	}

	var body stageDefault
	if err := readJSON(w, r, &body); err != nil {
		return
	}
	if body.Provider != "" {
		if _, err := provider.Parse(body.Provider); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown provider: %s", body.Provider))
			return
		}
	}

	if err := config.UpdateStageDefaults(stage, body.Provider, body.Model); err != nil {
		s.logger.Errorw("Failed to persist stage default", "stage", stage, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to save stage default")
		return
	}

	// The watcher skips our own write, so reload here and push the new
	// config to everyone who caches it.
	config.Reset()
	cfg, err := config.Load()
	if err != nil {
		s.logger.Errorw("Failed to reload config after stage update", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to reload config")
		return
	}
	s.registry.SetConfig(cfg)
	s.SetConfig(cfg)

	s.logger.Infow("Stage default updated",
		"stage", stage,
		"provider", body.Provider,
		"model", body.Model,
	)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Stage defaults updated"})
}
