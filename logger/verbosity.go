package logger

import "go.uber.org/zap/zapcore"

// Verbosity tiers for the repeatable -v flag.
const (
	VerbosityUser  = 0 // no flags: results and errors only
	VerbosityInfo  = 1 // -v: progress, startup, run lifecycle
	VerbosityDebug = 2 // -vv: LLM call details, timing, config values
	VerbosityTrace = 3 // -vvv: raw responses, SQL, per-row scores
)

// VerbosityToLevel maps a -v count to the zap level Initialize should use.
// zap has nothing finer than Debug, so every count past -v lands there.
func VerbosityToLevel(verbosity int) zapcore.Level {
	if verbosity <= VerbosityUser {
		return zapcore.WarnLevel
	}
	if verbosity == VerbosityInfo {
		return zapcore.InfoLevel
	}
	return zapcore.DebugLevel
}
