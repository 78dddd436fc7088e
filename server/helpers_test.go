package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/teranos/hone/ai/provider"
	"github.com/teranos/hone/config"
	honetest "github.com/teranos/hone/internal/testing"
	"github.com/teranos/hone/pipeline"
	"github.com/teranos/hone/store"
)

// fakeLauncher records launch and control calls instead of running
// pipelines, so handler tests never touch an LLM.
type fakeLauncher struct {
	mu       sync.Mutex
	started  []pipeline.Run
	stops    []string
	cancels  []string
	feedback map[string]string

	startErr    error
	stopErr     error
	feedbackErr error
	snapshot    pipeline.ResourceSnapshot
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{feedback: make(map[string]string)}
}

func (f *fakeLauncher) Start(run pipeline.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, run)
	return nil
}

func (f *fakeLauncher) RequestStop(runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stops = append(f.stops, runID)
	return nil
}

func (f *fakeLauncher) Cancel(runID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, runID)
}

func (f *fakeLauncher) SubmitFeedback(runID, feedback string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.feedbackErr != nil {
		return f.feedbackErr
	}
	f.feedback[runID] = feedback
	return nil
}

func (f *fakeLauncher) Snapshot() pipeline.ResourceSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot
}

func (f *fakeLauncher) startedRuns() []pipeline.Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]pipeline.Run, len(f.started))
	copy(out, f.started)
	return out
}

func (f *fakeLauncher) stopped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.stops))
	copy(out, f.stops)
	return out
}

func (f *fakeLauncher) cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cancels))
	copy(out, f.cancels)
	return out
}

func (f *fakeLauncher) feedbackFor(runID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.feedback[runID]
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			AllowedOrigins: []string{"http://localhost", "http://app.example.com"},
		},
		LLM: config.LLMConfig{
			DefaultProvider: "openai",
			OpenAI: config.OpenAIConfig{
				APIKey:  "sk-test",
				BaseURL: "https://api.openai.com/v1",
				Model:   "gpt-4o-mini",
			},
			Anthropic: config.AnthropicConfig{
				Model:     "claude-sonnet-4-5",
				MaxTokens: 4096,
			},
		},
		Pipeline: config.PipelineConfig{
			Concurrency:          5,
			MaxIterations:        10,
			TargetScore:          0.9,
			Temperature:          0.7,
			ConvergenceThreshold: 0.02,
			Patience:             2,
		},
	}
}

type testEnv struct {
	t        *testing.T
	server   *Server
	store    *store.Store
	launcher *fakeLauncher
	notifier *pipeline.Notifier
	registry *provider.Registry
	http     *httptest.Server
}

// newTestEnv stands up the full server against an in-memory database
// and a fake launcher, with the event hub running.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := store.NewStore(honetest.OpenDB(t))
	notifier := pipeline.NewNotifier(nil)
	launcher := newFakeLauncher()
	cfg := testConfig()
	registry := provider.NewRegistry(cfg, nil)

	srv := New(st, launcher, notifier, registry, cfg, nil)
	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		srv.Run()
	}()

	ts := httptest.NewServer(srv.routes())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, srv.Stop(ctx))
		ts.Close()
	})

	return &testEnv{
		t:        t,
		server:   srv,
		store:    st,
		launcher: launcher,
		notifier: notifier,
		registry: registry,
		http:     ts,
	}
}

func (e *testEnv) get(path string) *http.Response {
	e.t.Helper()
	resp, err := e.http.Client().Get(e.http.URL + path)
	require.NoError(e.t, err)
	return resp
}

func (e *testEnv) do(method, path string, body interface{}) *http.Response {
	e.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.http.URL+path, reader)
	require.NoError(e.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.http.Client().Do(req)
	require.NoError(e.t, err)
	return resp
}

// decode unmarshals and closes a response body.
func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// errorMessage extracts the error payload from a failed response.
func errorMessage(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body map[string]string
	decode(t, resp, &body)
	return body["error"]
}

// runForm is the multipart create-run request under construction.
type runForm struct {
	name           string
	initialPrompt  string
	expectedColumn string
	configJSON     string
	csv            string
	omitFile       bool
}

func defaultRunForm() runForm {
	return runForm{
		name:           "support tone",
		initialPrompt:  "Answer the question: {question}",
		expectedColumn: "answer",
		csv:            "question,answer\nWhat is 2+2?,4\nCapital of France?,Paris\n",
	}
}

func (e *testEnv) createRun(form runForm) *http.Response {
	e.t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := map[string]string{
		"name":            form.name,
		"initial_prompt":  form.initialPrompt,
		"expected_column": form.expectedColumn,
	}
	if form.configJSON != "" {
		fields["config_json"] = form.configJSON
	}
	for key, value := range fields {
		if value == "" {
			continue
		}
		require.NoError(e.t, w.WriteField(key, value))
	}
	if !form.omitFile {
		fw, err := w.CreateFormFile("file", "cases.csv")
		require.NoError(e.t, err)
		_, err = fw.Write([]byte(form.csv))
		require.NoError(e.t, err)
	}
	require.NoError(e.t, w.Close())

	resp, err := e.http.Client().Post(e.http.URL+"/api/runs", w.FormDataContentType(), &buf)
	require.NoError(e.t, err)
	return resp
}

// seedRun inserts a run directly into the store, bypassing the API.
func (e *testEnv) seedRun(name, status string) *store.Run {
	e.t.Helper()
	run := &store.Run{
		Name:            name,
		InitialPrompt:   "Answer the question: {question}",
		Config:          json.RawMessage(`{"max_iterations": 5}`),
		DatasetFilename: "cases.csv",
		DatasetColumns:  []string{"question", "answer"},
	}
	require.NoError(e.t, e.store.CreateRun(context.Background(), run))
	switch status {
	case pipeline.StatusRunning:
		require.NoError(e.t, e.store.MarkRunRunning(context.Background(), run.ID))
	case pipeline.StatusCompleted:
		require.NoError(e.t, e.store.MarkRunCompleted(context.Background(), run.ID, "Improved: {question}", 0.93, 3))
	case pipeline.StatusStopped:
		require.NoError(e.t, e.store.MarkRunStopped(context.Background(), run.ID))
	case pipeline.StatusFailed:
		require.NoError(e.t, e.store.MarkRunFailed(context.Background(), run.ID, "boom"))
	}
	run.Status = status
	return run
}
