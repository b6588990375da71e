package logging

import (
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	current atomic.Int32

	mu    sync.RWMutex
	base  *zap.Logger
	sugar *zap.SugaredLogger
)

func init() {
	SetLevel(LevelInfo)
	rebuild()
}

// SetLevel sets the process-wide minimum log level.
func SetLevel(l Level) {
	current.Store(int32(l))
	rebuild()
}

// SetLevelFromString parses a level name (case-insensitive) and applies it,
// defaulting to info on an unrecognised value.
func SetLevelFromString(value string) Level {
	level := LevelInfo
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		level = LevelDebug
	case "info":
		level = LevelInfo
	case "warn", "warning":
		level = LevelWarn
	case "error":
		level = LevelError
	default:
		if value != "" {
			Warnf("unknown log level '%s', defaulting to info", value)
		}
	}
	SetLevel(level)
	return level
}

func effectiveLevel() Level {
	return Level(current.Load())
}

func CurrentLevel() Level {
	return effectiveLevel()
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func rebuild() {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(effectiveLevel().zapLevel())
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		l = zap.NewNop()
	}
	mu.Lock()
	if base != nil {
		_ = base.Sync()
	}
	base = l
	sugar = l.Sugar()
	mu.Unlock()
}

func current_() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

// Logger is a process-wide structured logger handle, returned by With for
// call sites that want to attach fixed fields (pipeline_run_id, step
// position, operation_id) to every subsequent line.
type Logger struct {
	s *zap.SugaredLogger
}

// With returns a Logger carrying the given structured fields.
func With(fields ...zap.Field) *Logger {
	return &Logger{s: base.With(fields...).Sugar()}
}

func (l *Logger) Debugf(format string, args ...any) { l.s.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.s.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.s.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.s.Errorf(format, args...) }

func Debugf(format string, args ...any) { current_().Debugf(format, args...) }
func Infof(format string, args ...any)  { current_().Infof(format, args...) }
func Warnf(format string, args ...any)  { current_().Warnf(format, args...) }
func Errorf(format string, args ...any) { current_().Errorf(format, args...) }

// Sync flushes any buffered log entries. Call before process exit.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if base != nil {
		_ = base.Sync()
	}
}
