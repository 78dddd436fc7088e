package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/hone/ai/tracker"
	"github.com/teranos/hone/dataset"
	"github.com/teranos/hone/errors"
	"github.com/teranos/hone/logger"
	"github.com/teranos/hone/pipeline"
	"github.com/teranos/hone/store"
	"github.com/teranos/hone/version"
)

// maxUploadSize caps the multipart create-run request, dataset included.
const maxUploadSize = 32 << 20

// deleteGrace is how long a running run gets to observe its stop flag
// before delete cancels it outright. Variable so tests can shorten it.
var deleteGrace = time.Second

// handleCreateRun accepts a multipart form (name, initial_prompt,
// expected_column, optional config_json, and the CSV file), validates
// the prompt template against the dataset, persists the run as pending,
// and launches its optimization loop.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid multipart form: %v", err))
		return
	}

	name := strings.TrimSpace(r.FormValue("name"))
	initialPrompt := r.FormValue("initial_prompt")
	expectedColumn := strings.TrimSpace(r.FormValue("expected_column"))
	configJSON := r.FormValue("config_json")
	if configJSON == "" {
		configJSON = "{}"
	}
	if name == "" || initialPrompt == "" || expectedColumn == "" {
		writeError(w, http.StatusBadRequest, "name, initial_prompt, and expected_column are required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "CSV file is required")
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Failed to read upload: %v", err))
		return
	}

	filename := header.Filename
	if filename == "" {
		filename = "upload.csv"
	}
	ds, err := dataset.Parse(content, filename)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runCfg, err := pipeline.ParseRunConfig([]byte(configJSON), s.config().Pipeline)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid config: %v", err))
		return
	}

	if !ds.HasColumn(expectedColumn) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf(
			"Expected column '%s' not found in CSV. Available: %s",
			expectedColumn, strings.Join(ds.Columns, ", ")))
		return
	}

	// The prompt may only reference input columns; the expected column
	// holds answers and never renders into the template.
	inputColumns := make([]string, 0, len(ds.Columns)-1)
	for _, col := range ds.Columns {
		if col != expectedColumn {
			inputColumns = append(inputColumns, col)
		}
	}
	if missing := dataset.MissingColumns(initialPrompt, inputColumns); len(missing) > 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf(
			"Prompt references columns not in CSV: %s. Available: %s",
			strings.Join(missing, ", "), strings.Join(inputColumns, ", ")))
		return
	}

	// Persist the normalized config so readers see the effective knobs,
	// defaults included, not the raw submission.
	cfgJSON, err := json.Marshal(runCfg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encode config")
		return
	}

	run := &store.Run{
		ID:              store.NewRunID(),
		Name:            name,
		InitialPrompt:   initialPrompt,
		Config:          cfgJSON,
		DatasetFilename: ds.Filename,
		DatasetColumns:  ds.Columns,
	}
	if err := s.store.CreateRun(r.Context(), run); err != nil {
		s.logger.Errorw("Failed to create run", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to create run")
		return
	}

	if err := s.runner.Start(pipeline.Run{
		ID:             run.ID,
		Name:           run.Name,
		InitialPrompt:  run.InitialPrompt,
		ExpectedColumn: expectedColumn,
		Config:         runCfg,
		Dataset:        ds,
	}); err != nil {
		s.logger.Errorw("Failed to launch run", logger.FieldRunID, run.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to launch run")
		return
	}

	s.logger.Infow("Run created",
		logger.FieldRunID, run.ID,
		"name", run.Name,
		"rows", len(ds.Rows),
		"max_iterations", runCfg.MaxIterations,
	)
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, http.StatusBadRequest, "offset must be an integer")
		return
	}

	runs, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Errorw("Failed to list runs", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// runDetail is the GET /api/runs/{id} payload: the run row plus its
// iterations without per-row results.
type runDetail struct {
	*store.Run
	Iterations []*store.Iteration `json:"iterations"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	iterations, err := s.store.ListIterations(r.Context(), run.ID)
	if err != nil {
		s.logger.Errorw("Failed to list iterations", logger.FieldRunID, run.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load iterations")
		return
	}
	if iterations == nil {
		iterations = []*store.Iteration{}
	}
	writeJSON(w, http.StatusOK, runDetail{Run: run, Iterations: iterations})
}

func (s *Server) handleListIterations(w http.ResponseWriter, r *http.Request) {
	iterations, err := s.store.ListIterationsWithResults(r.Context(), r.PathValue("id"))
	if err != nil {
		s.logger.Errorw("Failed to list iterations", logger.FieldRunID, r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load iterations")
		return
	}
	if iterations == nil {
		iterations = []*store.Iteration{}
	}
	writeJSON(w, http.StatusOK, iterations)
}

func (s *Server) handleGetIteration(w http.ResponseWriter, r *http.Request) {
	num, err := strconv.Atoi(r.PathValue("num"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Iteration number must be an integer")
		return
	}
	iteration, err := s.store.GetIteration(r.Context(), r.PathValue("id"), num)
	if err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, "Iteration not found")
			return
		}
		s.logger.Errorw("Failed to load iteration", logger.FieldRunID, r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load iteration")
		return
	}
	writeJSON(w, http.StatusOK, iteration)
}

func (s *Server) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lines, err := s.store.ListRunLogs(r.Context(), r.PathValue("id"), q.Get("stage"), q.Get("level"))
	if err != nil {
		s.logger.Errorw("Failed to list run logs", logger.FieldRunID, r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load logs")
		return
	}
	if lines == nil {
		lines = []*store.LogLine{}
	}
	writeJSON(w, http.StatusOK, lines)
}

func (s *Server) handleRunUsage(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	usage, err := s.store.GetRunUsage(r.Context(), run.ID)
	if err != nil {
		s.logger.Errorw("Failed to load run usage", logger.FieldRunID, run.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load usage")
		return
	}
	if usage == nil {
		usage = []tracker.ModelUsage{}
	}
	writeJSON(w, http.StatusOK, usage)
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	if run.Status != pipeline.StatusRunning {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Run is not running (status: %s)", run.Status))
		return
	}
	if err := s.runner.RequestStop(run.ID); err != nil {
		// Marked running but no loop owns it, so a previous process died
		// mid-run. Converge the stored status instead of leaving the run
		// stuck.
		s.logger.Warnw("Stop requested for orphaned run, marking stopped", logger.FieldRunID, run.ID)
		if err := s.store.MarkRunStopped(r.Context(), run.ID); err != nil {
			s.logger.Errorw("Failed to mark orphaned run stopped", logger.FieldRunID, run.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to stop run")
			return
		}
		s.notifier.Stopped(run.ID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Stop requested"})
}

type feedbackRequest struct {
	Feedback string `json:"feedback"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	if run.Status != pipeline.StatusRunning {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Run is not running (status: %s)", run.Status))
		return
	}
	var body feedbackRequest
	if err := readJSON(w, r, &body); err != nil {
		return
	}
	if err := s.runner.SubmitFeedback(run.ID, body.Feedback); err != nil {
		writeError(w, http.StatusBadRequest, "Run is not accepting feedback")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Feedback submitted"})
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	if run.Status == pipeline.StatusRunning {
		// Give the loop one grace period to stop at a stage boundary and
		// write its terminal state, then cancel whatever is left so the
		// delete does not race an in-flight iteration write.
		_ = s.runner.RequestStop(run.ID)
		time.Sleep(deleteGrace)
		s.runner.Cancel(run.ID)
	}
	if err := s.store.DeleteRun(r.Context(), run.ID); err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, "Run not found")
			return
		}
		s.logger.Errorw("Failed to delete run", logger.FieldRunID, run.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to delete run")
		return
	}
	s.logger.Infow("Run deleted", logger.FieldRunID, run.ID)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Run deleted"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse reports process health for dashboards: build version,
// live resource usage, and connected websocket clients.
type statusResponse struct {
	Version string `json:"version"`
	pipeline.ResourceSnapshot
	WebsocketClients int `json:"websocket_clients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Version:          version.Get().Short(),
		ResourceSnapshot: s.runner.Snapshot(),
		WebsocketClients: s.clientCount(),
	})
}

// lookupRun loads the {id} run or answers 404/500 itself. The bool
// reports whether the handler should continue.
func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*store.Run, bool) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, "Run not found")
			return nil, false
		}
		s.logger.Errorw("Failed to load run", logger.FieldRunID, r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load run")
		return nil, false
	}
	return run, true
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
