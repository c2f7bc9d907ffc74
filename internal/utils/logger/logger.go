// Package logger provides the process-wide structured logger used by
// every other package in this module.
package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	once     sync.Once
	sugared  *zap.SugaredLogger
)

// Logger returns the process-wide sugared logger, constructing it on
// first use.
func Logger() *zap.SugaredLogger {
	once.Do(func() {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

		l, err := cfg.Build(zap.AddCallerSkip(1))
		if err != nil {
			// Fall back to a no-frills logger rather than panicking the
			// whole process over a logging misconfiguration.
			l = zap.NewExample()
		}
		sugared = l.Sugar()
	})
	return sugared
}

// SetForTesting swaps the process-wide logger, returning a restore func.
// Used by tests that want to assert on log output or silence it.
func SetForTesting(l *zap.SugaredLogger) (restore func()) {
	prev := sugared
	sugared = l
	once.Do(func() {}) // ensure Logger() never re-initializes over a test swap
	return func() { sugared = prev }
}
