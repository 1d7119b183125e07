// Package logging wraps zap in the shape the rest of the hub calls into: a
// package-level structured logger, safe to call before Init (it no-ops to a
// nop logger) and reconfigurable once at startup.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var log = zap.NewNop().Sugar()

// Init installs the process-wide JSON logger. Called once from main before
// the HTTP server starts; every request/lifecycle log after that goes
// through the installed logger.
func Init(level zapcore.Level) {
	encCfg := zapcore.EncoderConfig{
		MessageKey:    "message",
		LevelKey:      "level",
		EncodeLevel:   zapcore.LowercaseLevelEncoder,
		TimeKey:       "time",
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		CallerKey:     "caller",
		EncodeCaller:  zapcore.ShortCallerEncoder,
		StacktraceKey: "stacktrace",
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(os.Stdout), level)
	log = zap.New(core, zap.AddCaller()).Sugar()
}

// Sync flushes any buffered log entries, called before process exit.
func Sync() { _ = log.Sync() }

func Info(msg string, keysAndValues ...any)  { log.Infow(msg, keysAndValues...) }
func Warn(msg string, keysAndValues ...any)  { log.Warnw(msg, keysAndValues...) }
func Error(msg string, keysAndValues ...any) { log.Errorw(msg, keysAndValues...) }
