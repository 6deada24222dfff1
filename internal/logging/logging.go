// Package logging provides kanyo's structured logger: a Python-logging-style
// level scale (DEBUG=10 .. CRITICAL=50, with a custom EVENT=25 between INFO
// and WARNING) rendered through zap, with daily file rotation.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level mirrors Python's logging module numeric scale so EVENT can sit
// between INFO and WARNING without colliding with zap's own built-in level
// constants. Never mix these values with zapcore.DebugLevel and friends.
const (
	DebugLevel    zapcore.Level = 10
	InfoLevel     zapcore.Level = 20
	EventLevel    zapcore.Level = 25
	WarningLevel  zapcore.Level = 30
	ErrorLevel    zapcore.Level = 40
	CriticalLevel zapcore.Level = 50
)

// ParseLevel maps the config's log_level string onto our numeric scale.
func ParseLevel(s string) (zapcore.Level, error) {
	switch s {
	case "DEBUG":
		return DebugLevel, nil
	case "INFO":
		return InfoLevel, nil
	case "EVENT":
		return EventLevel, nil
	case "WARNING", "WARN":
		return WarningLevel, nil
	case "ERROR":
		return ErrorLevel, nil
	case "CRITICAL":
		return CriticalLevel, nil
	default:
		return 0, fmt.Errorf("logging: unrecognized level %q", s)
	}
}

func levelName(l zapcore.Level) string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case EventLevel:
		return "EVENT"
	case WarningLevel:
		return "WARNING"
	case ErrorLevel:
		return "ERROR"
	case CriticalLevel:
		return "CRITICAL"
	default:
		return fmt.Sprintf("L%d", l)
	}
}

func levelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(levelName(l))
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.UTC().Format("2006-01-02 15:04:05") + " UTC")
}

// Logger is a thin wrapper around a zap core using our own level scale.
// It deliberately never calls zap.Logger's Info/Warn/Error convenience
// methods — those hardcode zapcore's built-in level integers, which collide
// with ours once EVENT is wedged in at 25.
type Logger struct {
	core   zapcore.Core
	module string
	mu     *sync.Mutex // guards the rotating writer shared across Loggers
}

// Config controls where and how the logger writes.
type Config struct {
	Level     zapcore.Level
	FilePath  string // e.g. <data_root>/<stream_id>/logs/kanyo.log; empty disables file output
	ToStdout  bool
}

// New builds a root logger. Call Named to scope it to a module/package name
// the way Python's get_logger(__name__) does.
func New(cfg Config) (*Logger, func(), error) {
	encCfg := zapcore.EncoderConfig{
		TimeKey:          "time",
		LevelKey:         "level",
		NameKey:          "logger",
		MessageKey:       "msg",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      levelEncoder,
		EncodeTime:       timeEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " | ",
	}
	encoder := zapcore.NewConsoleEncoder(encCfg)

	var syncers []zapcore.WriteSyncer
	var closers []func()
	if cfg.ToStdout {
		syncers = append(syncers, zapcore.AddSync(os.Stdout))
	}
	var mu sync.Mutex
	if cfg.FilePath != "" {
		rw, err := newDailyRotatingWriter(cfg.FilePath)
		if err != nil {
			return nil, nil, fmt.Errorf("logging: open log file: %w", err)
		}
		syncers = append(syncers, rw)
		closers = append(closers, func() { _ = rw.Close() })
	}
	writer := zapcore.NewMultiWriteSyncer(syncers...)

	enabler := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= cfg.Level })
	core := zapcore.NewCore(encoder, writer, enabler)

	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}
	return &Logger{core: core, mu: &mu}, cleanup, nil
}

// Named returns a logger scoped to module (printed as the "module" field).
func (l *Logger) Named(module string) *Logger {
	return &Logger{core: l.core, module: module, mu: l.mu}
}

func (l *Logger) log(lvl zapcore.Level, msg string, fields ...zap.Field) {
	if !l.core.Enabled(lvl) {
		return
	}
	entry := zapcore.Entry{
		Level:      lvl,
		Time:       time.Now(),
		LoggerName: l.module,
		Message:    msg,
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if ce := l.core.Check(entry, nil); ce != nil {
		ce.Write(fields...)
	} else {
		// Check may decline for reasons unrelated to level (e.g. a hook);
		// fall back to a direct write so we never silently drop EVENT lines.
		_ = l.core.Write(entry, fields)
	}
}

func (l *Logger) Debug(msg string, fields ...zap.Field)    { l.log(DebugLevel, msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)     { l.log(InfoLevel, msg, fields...) }
func (l *Logger) Event(msg string, fields ...zap.Field)    { l.log(EventLevel, msg, fields...) }
func (l *Logger) Warning(msg string, fields ...zap.Field)  { l.log(WarningLevel, msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field)    { l.log(ErrorLevel, msg, fields...) }
func (l *Logger) Critical(msg string, fields ...zap.Field) { l.log(CriticalLevel, msg, fields...) }

// dailyRotatingWriter rotates kanyo.log to kanyo.log.YYYY-MM-DD (UTC) the
// moment a write crosses a day boundary, matching the filesystem layout
// spec.md §6 names.
type dailyRotatingWriter struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	curDate string
}

func newDailyRotatingWriter(path string) (*dailyRotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	w := &dailyRotatingWriter{path: path}
	if err := w.openLocked(time.Now().UTC()); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *dailyRotatingWriter) openLocked(now time.Time) error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.file = f
	w.curDate = now.Format("2006-01-02")
	return nil
}

func (w *dailyRotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now().UTC()
	today := now.Format("2006-01-02")
	if today != w.curDate {
		if err := w.rotateLocked(today); err != nil {
			return 0, err
		}
	}
	return w.file.Write(p)
}

func (w *dailyRotatingWriter) rotateLocked(today string) error {
	prevDate := w.curDate
	if err := w.file.Close(); err != nil {
		return err
	}
	rotated := w.path + "." + prevDate
	if err := os.Rename(w.path, rotated); err != nil && !os.IsNotExist(err) {
		return err
	}
	return w.openLocked(time.Now().UTC())
}

func (w *dailyRotatingWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

func (w *dailyRotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
