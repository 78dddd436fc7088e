package logger

import "go.uber.org/zap"

// Structured field keys that the console encoder renders with special
// formatting instead of plain key=value. Producers log these through the
// constants so the encoder switch and the call sites cannot drift apart.
const (
	FieldRunID      = "run_id"
	FieldClientID   = "client_id"
	FieldIteration  = "iteration"
	FieldAvgScore   = "avg_score"
	FieldBestScore  = "best_score"
	FieldCompleted  = "completed"
	FieldTotal      = "total"
	FieldDurationMS = "duration_ms"
)

// ComponentLogger returns a named child of the package logger. The console
// encoder abbreviates the name for display, so "pipeline.runner" shows up
// as "p.runner" in front of every line that component writes.
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
