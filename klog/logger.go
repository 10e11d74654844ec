// Package klog provides the leveled kernel log used by every allocator layer.
package klog

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

// LogLevel represents the logging level
type LogLevel int32

const (
	// LogLevelNone disables all logging
	LogLevelNone LogLevel = iota
	// LogLevelFatal enables fatal logging
	LogLevelFatal
	// LogLevelError enables error logging
	LogLevelError
	// LogLevelWarn enables warnings
	LogLevelWarn
	// LogLevelInfo enables info and error logging
	LogLevelInfo
	// LogLevelDebug enables all logging
	LogLevelDebug
)

var levelNames = map[string]LogLevel{
	"none":  LogLevelNone,
	"fatal": LogLevelFatal,
	"error": LogLevelError,
	"warn":  LogLevelWarn,
	"info":  LogLevelInfo,
	"debug": LogLevelDebug,
}

var (
	currentLogLevel atomic.Int32
	logger          atomic.Pointer[slog.Logger]
)

func init() {
	currentLogLevel.Store(int32(LogLevelInfo))
	SetOutput(os.Stderr)
}

// SetOutput redirects the log to w.
func SetOutput(w io.Writer) {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{
		AddSource: true,
		Level:     slog.LevelDebug,
	})
	logger.Store(slog.New(h))
}

// SetLevel changes the current log level.
func SetLevel(l LogLevel) {
	currentLogLevel.Store(int32(l))
}

// CurrentLevel returns the current log level.
func CurrentLevel() LogLevel {
	return LogLevel(currentLogLevel.Load())
}

// ParseLevel maps a level name ("debug", "info", ...) or a number to a level.
func ParseLevel(s string) (LogLevel, error) {
	if l, ok := levelNames[s]; ok {
		return l, nil
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil || n < int(LogLevelNone) || n > int(LogLevelDebug) {
		return LogLevelNone, errors.Newf("unknown log level %q", s)
	}
	return LogLevel(n), nil
}

// Enabled reports whether messages at level l are emitted.
func Enabled(l LogLevel) bool {
	return CurrentLevel() >= l
}

// Logger returns the structured logger backing the leveled helpers.
func Logger() *slog.Logger {
	return logger.Load()
}

func output(l LogLevel, sl slog.Level, format string, v ...interface{}) {
	if !Enabled(l) {
		return
	}
	var pcs [1]uintptr
	// skip Callers, output and the exported helper
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), sl, fmt.Sprintf(format, v...), pcs[0])
	_ = Logger().Handler().Handle(context.Background(), r)
}

// Debug logs debug information
func Debug(format string, v ...interface{}) {
	output(LogLevelDebug, slog.LevelDebug, format, v...)
}

// Info logs informational messages
func Info(format string, v ...interface{}) {
	output(LogLevelInfo, slog.LevelInfo, format, v...)
}

// Warn logs anomalies that do not stop the allocator.
func Warn(format string, v ...interface{}) {
	output(LogLevelWarn, slog.LevelWarn, format, v...)
}

// Error logs error information
func Error(format string, v ...interface{}) {
	output(LogLevelError, slog.LevelError, format, v...)
}

// Halt is the panic value raised by Fatal. Recovering it is only meaningful
// in tests; the allocator state that triggered it must be considered lost.
type Halt struct {
	Err error
}

func (h *Halt) Error() string { return "kernel halt: " + h.Err.Error() }

func (h *Halt) Unwrap() error { return h.Err }

// Fatal logs fatal information and halts by panicking with a *Halt.
func Fatal(format string, v ...interface{}) {
	err := errors.AssertionFailedWithDepthf(1, format, v...)
	output(LogLevelFatal, slog.LevelError+4, "%v", err)
	panic(&Halt{Err: err})
}

// FatalErr halts with an existing error.
func FatalErr(err error) {
	output(LogLevelFatal, slog.LevelError+4, "%v", err)
	panic(&Halt{Err: err})
}

// AsHalt converts a recovered panic value into a *Halt when it is one.
func AsHalt(r interface{}) (*Halt, bool) {
	h, ok := r.(*Halt)
	return h, ok
}
