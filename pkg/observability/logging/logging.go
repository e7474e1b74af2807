// Package logging is a thin facade over zap used across the gateway.
//
// Components log through package-level helpers (Infof, Warnf, ...) so that
// the logger can be swapped or silenced in one place. The default logger
// writes structured JSON at InfoLevel; InitFromEnv honors LOG_LEVEL.
package logging

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger atomic.Pointer[zap.SugaredLogger]

func init() {
	l, _ := zap.NewProduction()
	logger.Store(l.Sugar())
}

// Init builds a logger at the given level and installs it globally.
// Unknown levels fall back to info.
func Init(level string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	l, buildErr := cfg.Build(zap.AddCallerSkip(1))
	if buildErr != nil {
		return nil, buildErr
	}
	s := l.Sugar()
	logger.Store(s)
	return s, nil
}

// InitFromEnv initializes the global logger from the LOG_LEVEL environment
// variable (debug, info, warn, error). Empty means info.
func InitFromEnv() (*zap.SugaredLogger, error) {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	return Init(level)
}

// Sync flushes buffered log entries. Call before process exit.
func Sync() {
	_ = logger.Load().Sync()
}

func Debugf(format string, args ...interface{}) { logger.Load().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { logger.Load().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { logger.Load().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { logger.Load().Errorf(format, args...) }
func Fatalf(format string, args ...interface{}) { logger.Load().Fatalf(format, args...) }

// LogEvent emits a structured event record with arbitrary fields.
// Used for decision events and other machine-consumed log lines.
func LogEvent(event string, fields map[string]interface{}) {
	kv := make([]interface{}, 0, 2+2*len(fields))
	kv = append(kv, "event", event)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	logger.Load().Infow("event", kv...)
}
