// Package pipeline drives the iterative prompt optimization loop: run
// the current prompt template over every dataset row, judge each output
// against its expected value, summarize the failure patterns, and
// rewrite the prompt, until the target score is reached, scores
// stagnate, or the iteration cap runs out.
//
// The Runner owns run lifecycles and concurrency; the four stage types
// (Tester, Judge, Summarizer, Improver) are independently constructible
// and testable against any ai.Gateway.
package pipeline

// Stage names, used for run logs, stage_start events, and the per-stage
// model defaults under llm.stages in config.
const (
	StageTest      = "test"
	StageJudge     = "judge"
	StageSummarize = "summarize"
	StageImprove   = "improve"
	StageSystem    = "system"
)

// Run lifecycle states persisted in the runs table. A run leaves
// pending exactly once and ends in one of the three terminal states.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
)

// failureThreshold splits failed cases from successes in the summarizer
// and improver digests; borderlineCeiling bounds the low-scoring success
// band reported to the improver.
const (
	failureThreshold  = 0.7
	borderlineCeiling = 0.9
)
