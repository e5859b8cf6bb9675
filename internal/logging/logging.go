// Package logging builds the process zap logger and adapts it to the
// key/value Logger interfaces used by core, queue and daemon.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap logger. Format is "json" or "console"; level is any zap
// level name.
func New(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	var cfg zap.Config
	switch format {
	case "", "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("log format %q must be json or console", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// Sugared adapts a zap logger to Debug/Info/Warn/Error(msg, kv...).
type Sugared struct {
	s *zap.SugaredLogger
}

// Adapt wraps l. A nil logger discards everything.
func Adapt(l *zap.Logger) Sugared {
	if l == nil {
		l = zap.NewNop()
	}
	return Sugared{s: l.Sugar()}
}

// Named returns a child logger scoped to component.
func (l Sugared) Named(component string) Sugared {
	return Sugared{s: l.s.Named(component)}
}

// Debug logs at debug level.
func (l Sugared) Debug(msg string, args ...any) { l.s.Debugw(msg, args...) }

// Info logs at info level.
func (l Sugared) Info(msg string, args ...any) { l.s.Infow(msg, args...) }

// Warn logs at warn level.
func (l Sugared) Warn(msg string, args ...any) { l.s.Warnw(msg, args...) }

// Error logs at error level.
func (l Sugared) Error(msg string, args ...any) { l.s.Errorw(msg, args...) }
