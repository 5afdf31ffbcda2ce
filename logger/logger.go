// Package logger provides the global zap logger for rubato.
//
// Components receive named sub-loggers (logger.Named("scheduler")) and log
// with structured key-value pairs:
//
//	log.Infow("Endpoint dispatched", "endpoint_id", id, "status", outcome.Status)
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity levels for the -v CLI flag count.
const (
	VerbosityUser  = 0 // no flags: warnings and errors only
	VerbosityInfo  = 1 // -v: + informational messages
	VerbosityDebug = 2 // -vv: + debug messages
)

var (
	// Logger is the global instance. Safe no-op until Initialize runs.
	Logger *zap.SugaredLogger

	// JSONOutput tracks whether Initialize selected machine output.
	JSONOutput bool
)

func init() {
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger. jsonOutput selects production JSON
// encoding for machine consumption; otherwise a human-readable console
// encoder is used. verbosity follows the Verbosity* constants.
func Initialize(jsonOutput bool, verbosity int) error {
	JSONOutput = jsonOutput

	level := verbosityToLevel(verbosity)

	var zapLogger *zap.Logger
	if jsonOutput {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		var err error
		zapLogger, err = cfg.Build()
		if err != nil {
			return err
		}
	} else {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapLogger = zap.New(
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(encCfg),
				zapcore.AddSync(os.Stdout),
				level,
			),
		)
	}

	Logger = zapLogger.Sugar()
	return nil
}

func verbosityToLevel(verbosity int) zapcore.Level {
	switch verbosity {
	case VerbosityUser:
		return zapcore.WarnLevel
	case VerbosityInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// Named returns a named sub-logger off the global instance.
func Named(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// Cleanup flushes buffered entries. Called on process exit.
func Cleanup() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}

// Infow logs an info message with structured fields.
func Infow(msg string, keysAndValues ...interface{}) {
	Logger.Infow(msg, keysAndValues...)
}

// Warnw logs a warning with structured fields.
func Warnw(msg string, keysAndValues ...interface{}) {
	Logger.Warnw(msg, keysAndValues...)
}

// Errorw logs an error with structured fields.
func Errorw(msg string, keysAndValues ...interface{}) {
	Logger.Errorw(msg, keysAndValues...)
}

// Debugw logs a debug message with structured fields.
func Debugw(msg string, keysAndValues ...interface{}) {
	Logger.Debugw(msg, keysAndValues...)
}
