package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process-wide sugared logger. It starts as a no-op so
// packages can log during early startup; Initialize swaps in the real
// logger once flags have been parsed.
var Logger = zap.NewNop().Sugar()

// JSONOutput records which encoder Initialize installed.
var JSONOutput bool

// Initialize sets up the global logger at Info level.
func Initialize(jsonOutput bool) error {
	return InitializeAtLevel(jsonOutput, zap.InfoLevel)
}

// InitializeAtLevel sets up the global logger with an explicit minimum
// level. Commands map their -v count to a level via VerbosityToLevel.
func InitializeAtLevel(jsonOutput bool, level zapcore.Level) error {
	JSONOutput = jsonOutput
	loadThemeFromEnv()

	if jsonOutput {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		zapLogger, err := cfg.Build()
		if err != nil {
			return err
		}
		Logger = zapLogger.Sugar()
		return nil
	}

	// Console output goes through the minimal encoder: one calm line
	// per entry, colored by theme.
	core := zapcore.NewCore(newMinimalEncoder(), zapcore.AddSync(os.Stdout), level)
	Logger = zap.New(core).Sugar()
	return nil
}

// loadThemeFromEnv picks up the log color theme without requiring config.
// Config loading happens after logger init in main(), so the env var is the
// only channel available this early.
func loadThemeFromEnv() {
	if theme := os.Getenv("HONE_LOG_THEME"); theme != "" {
		SetTheme(theme)
	}
}

// Cleanup flushes any buffered log entries.
func Cleanup() {
	Logger.Sync()
}

// Package-level logging wrappers. Logger is never nil, so these forward
// unconditionally.

// Info logs at Info level.
func Info(args ...interface{}) { Logger.Info(args...) }

// Infof logs a formatted message at Info level.
func Infof(format string, args ...interface{}) { Logger.Infof(format, args...) }

// Infow logs at Info level with structured fields.
func Infow(msg string, keysAndValues ...interface{}) { Logger.Infow(msg, keysAndValues...) }

// Warn logs at Warn level.
func Warn(args ...interface{}) { Logger.Warn(args...) }

// Warnf logs a formatted message at Warn level.
func Warnf(format string, args ...interface{}) { Logger.Warnf(format, args...) }

// Warnw logs at Warn level with structured fields.
func Warnw(msg string, keysAndValues ...interface{}) { Logger.Warnw(msg, keysAndValues...) }

// Error logs at Error level.
func Error(args ...interface{}) { Logger.Error(args...) }

// Errorf logs a formatted message at Error level.
func Errorf(format string, args ...interface{}) { Logger.Errorf(format, args...) }

// Errorw logs at Error level with structured fields.
func Errorw(msg string, keysAndValues ...interface{}) { Logger.Errorw(msg, keysAndValues...) }

// Debug logs at Debug level.
func Debug(args ...interface{}) { Logger.Debug(args...) }

// Debugf logs a formatted message at Debug level.
func Debugf(format string, args ...interface{}) { Logger.Debugf(format, args...) }

// Debugw logs at Debug level with structured fields.
func Debugw(msg string, keysAndValues ...interface{}) { Logger.Debugw(msg, keysAndValues...) }
