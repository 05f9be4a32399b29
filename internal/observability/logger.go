// Package observability holds the process-wide loggers used by the CLI.
package observability

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger used by command handlers. It is a no-op logger until
// InitCLILogger is called so packages can log unconditionally.
var CLILogger = zap.NewNop()

// InitCLILogger configures CLILogger for the named service.
//
// Logs go to stderr so command output on stdout stays machine-parseable.
func InitCLILogger(service string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	CLILogger = NewLogger(service, level, false)
}

// NewLogger builds a zap logger writing to stderr.
//
// jsonOutput selects the JSON encoder (used by long-running daemons whose
// output is captured to a log file); otherwise a console encoder is used.
func NewLogger(service string, level zapcore.Level, jsonOutput bool) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var enc zapcore.Encoder
	if jsonOutput {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(level))
	logger := zap.New(core)
	if service != "" {
		logger = logger.With(zap.String("service", service))
	}
	return logger
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
