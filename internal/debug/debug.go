// Package debug provides component-tagged logging for hlassist.
package debug

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/term"
)

// Level identifies the severity of a log line.
type Level string

const (
	LevelTrace Level = "TRACE"
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var levelColors = map[Level]string{
	LevelTrace: "\x1b[90m",
	LevelDebug: "\x1b[36m",
	LevelInfo:  "\x1b[34m",
	LevelWarn:  "\x1b[33m",
	LevelError: "\x1b[31m",
}

// Logger writes "[LEVEL] [component] message" lines. Debug and trace output
// is only produced while the logger is enabled; info, warn and error are
// always written.
//
// A Logger is constructed once per process and handed to each component
// through its config. The package-level helpers use Default().
type Logger struct {
	enabled atomic.Bool
	color   bool

	mu      sync.Mutex
	out     *log.Logger
	file    *os.File
	path    string
	onWrite func(level Level, component, msg string)
}

// New creates a logger writing to w. Colour is used when w is a terminal.
func New(w io.Writer) *Logger {
	l := &Logger{out: log.New(w, "", log.LstdFlags)}
	if f, ok := w.(*os.File); ok {
		l.color = term.IsTerminal(int(f.Fd()))
	}
	return l
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return New(io.Discard)
}

var defaultLogger = func() *Logger {
	l := New(os.Stderr)
	if os.Getenv("HLASSIST_DEBUG") != "" {
		l.Enable()
	}
	return l
}()

// Default returns the process-wide logger used by CLI code.
func Default() *Logger {
	return defaultLogger
}

// Enable turns on debug logging.
func (l *Logger) Enable() { l.enabled.Store(true) }

// Disable turns off debug logging.
func (l *Logger) Disable() { l.enabled.Store(false) }

// IsEnabled returns whether debug logging is enabled.
func (l *Logger) IsEnabled() bool { return l.enabled.Load() }

// OnWrite registers a hook that observes every line written.
func (l *Logger) OnWrite(fn func(level Level, component, msg string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onWrite = fn
}

// SetLogFile mirrors output to a file in the user's cache directory.
// An empty name restores stderr-only output.
func (l *Logger) SetLogFile(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
		l.file = nil
	}

	if name == "" {
		l.out.SetOutput(os.Stderr)
		l.path = ""
		return nil
	}

	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = os.TempDir()
	}

	logDir := filepath.Join(cacheDir, "hlassist", "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	l.path = filepath.Join(logDir, name)
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	l.file = f
	l.color = false
	l.out.SetOutput(io.MultiWriter(os.Stderr, f))
	return nil
}

// LogFilePath returns the current log file path, or empty if not set.
func (l *Logger) LogFilePath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// Close closes the log file if open.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func (l *Logger) write(level Level, component, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)

	l.mu.Lock()
	hook := l.onWrite
	tag := string(level)
	if l.color {
		tag = levelColors[level] + tag + "\x1b[0m"
	}
	if level == LevelTrace {
		ts := time.Now().Format("15:04:05.000000")
		l.out.Printf("[%s] [%s] [%s] %s", tag, ts, component, msg)
	} else {
		l.out.Printf("[%s] [%s] %s", tag, component, msg)
	}
	l.mu.Unlock()

	if hook != nil {
		hook(level, component, msg)
	}
}

// Debug logs a message if debug mode is enabled.
func (l *Logger) Debug(component, format string, args ...interface{}) {
	if !l.enabled.Load() {
		return
	}
	l.write(LevelDebug, component, format, args...)
}

// Trace logs a very verbose message if debug mode is enabled.
func (l *Logger) Trace(component, format string, args ...interface{}) {
	if !l.enabled.Load() {
		return
	}
	l.write(LevelTrace, component, format, args...)
}

// Info logs an info message.
func (l *Logger) Info(component, format string, args ...interface{}) {
	l.write(LevelInfo, component, format, args...)
}

// Warn logs a warning.
func (l *Logger) Warn(component, format string, args ...interface{}) {
	l.write(LevelWarn, component, format, args...)
}

// Error logs an error.
func (l *Logger) Error(component, format string, args ...interface{}) {
	l.write(LevelError, component, format, args...)
}

// Log logs a debug message on the default logger.
func Log(component, format string, args ...interface{}) {
	defaultLogger.Debug(component, format, args...)
}

// Info logs on the default logger.
func Info(component, format string, args ...interface{}) {
	defaultLogger.Info(component, format, args...)
}

// Warn logs on the default logger.
func Warn(component, format string, args ...interface{}) {
	defaultLogger.Warn(component, format, args...)
}

// Error logs on the default logger.
func Error(component, format string, args ...interface{}) {
	defaultLogger.Error(component, format, args...)
}

// Or returns l, or the default logger when l is nil.
func Or(l *Logger) *Logger {
	if l == nil {
		return defaultLogger
	}
	return l
}
