package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"time"
)

// Output values accepted by Config.Output / AssertOutput.
const (
	CONSOLE = "console"
	JOURNAL = "journald"
)

// Logger wraps a *zap.SugaredLogger with an interval for periodic logging, as produced by
// the periodic package's Start function.
type Logger struct {
	*zap.SugaredLogger

	interval time.Duration
}

// NewLogger creates a new Logger backed by sugared, with the given interval for periodic
// logging of progress made in long-running operations (e.g. bulk statement execution).
func NewLogger(sugared *zap.SugaredLogger, interval time.Duration) *Logger {
	return &Logger{SugaredLogger: sugared, interval: interval}
}

// Interval returns the duration at which this Logger's owner should emit periodic progress
// updates.
func (l *Logger) Interval() time.Duration {
	return l.interval
}

// NewConsoleLogger builds a production zap logger writing to stderr at the given level.
func NewConsoleLogger(level zapcore.Level) *Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	base, err := cfg.Build()
	if err != nil {
		// Falling back to a no-op logger keeps callers from having to handle an error that
		// can only occur for malformed static configuration, never at runtime.
		base = zap.NewNop()
	}

	return NewLogger(base.Sugar(), 20*time.Second)
}

// NewJournaldLogger builds a zap logger writing to systemd-journald under identifier.
func NewJournaldLogger(identifier string, level zapcore.Level) *Logger {
	core := NewJournaldCore(identifier, zap.NewAtomicLevelAt(level))
	base := zap.New(core)

	return NewLogger(base.Sugar(), 20*time.Second)
}
