package pipeline

// Event types emitted over a run's lifetime, in rough order of
// appearance. completed, converged, failed, and stopped are terminal
// and end the run's event stream. snapshot is synthesized by the HTTP
// layer when a subscriber attaches, never published by the runner.
const (
	EventSnapshot          = "snapshot"
	EventStageStart        = "stage_start"
	EventTestProgress      = "test_progress"
	EventIterationComplete = "iteration_complete"
	EventFeedbackRequested = "feedback_requested"
	EventCompleted         = "completed"
	EventConverged         = "converged"
	EventFailed            = "failed"
	EventStopped           = "stopped"
)

// Event is one run lifecycle notification, fanned out to SSE and
// WebSocket subscribers. The Data shape depends on Type.
type Event struct {
	RunID string                 `json:"run_id"`
	Type  string                 `json:"type"`
	Data  map[string]interface{} `json:"data"`
}

// Terminal reports whether e ends its run's event stream.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventCompleted, EventConverged, EventFailed, EventStopped:
		return true
	}
	return false
}
