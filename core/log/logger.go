// Package log is dispatchd's process-wide logger: a slog.TextHandler behind
// package-level Info/Debug/Warn/Error functions, plus Scoped for prefixing a
// worker or component's log lines without threading a *slog.Logger through
// every call site.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

var logger *slog.Logger
var currentWriter io.Writer = os.Stdout
var currentLevel slog.Level = slog.Level(1000)

func init() {
	// High level by default: a daemon embedding this package shouldn't emit
	// anything until SetLevel/SetWriterWithLevel turns logging on explicitly.
	logger = slog.New(slog.NewTextHandler(currentWriter, &slog.HandlerOptions{
		Level: currentLevel,
	}))
}

// Info logs an info message, printf-style when args are given.
func Info(format string, args ...any) {
	if len(args) > 0 {
		logger.Info(fmt.Sprintf(format, args...))
	} else {
		logger.Info(format)
	}
}

// Debug logs a debug message, printf-style when args are given.
func Debug(format string, args ...any) {
	if len(args) > 0 {
		logger.Debug(fmt.Sprintf(format, args...))
	} else {
		logger.Debug(format)
	}
}

// Warn logs a warning message, printf-style when args are given.
func Warn(format string, args ...any) {
	if len(args) > 0 {
		logger.Warn(fmt.Sprintf(format, args...))
	} else {
		logger.Warn(format)
	}
}

// Error logs an error message, printf-style when args are given.
func Error(format string, args ...any) {
	if len(args) > 0 {
		logger.Error(fmt.Sprintf(format, args...))
	} else {
		logger.Error(format)
	}
}

func SetLevel(level slog.Level) {
	currentLevel = level
	logger = slog.New(slog.NewTextHandler(currentWriter, &slog.HandlerOptions{
		Level: currentLevel,
	}))
}

func SetWriter(writer io.Writer) {
	currentWriter = writer
	logger = slog.New(slog.NewTextHandler(currentWriter, &slog.HandlerOptions{
		Level: currentLevel,
	}))
}

func SetWriterWithLevel(writer io.Writer, level slog.Level) {
	currentWriter = writer
	currentLevel = level
	logger = slog.New(slog.NewTextHandler(currentWriter, &slog.HandlerOptions{
		Level: currentLevel,
	}))
}

// Scoped prefixes every line it logs with a fixed tag, e.g. a worker ID, so
// call sites stop hand-formatting "%s ..." with the ID as the first verb.
type Scoped struct {
	prefix string
}

// For returns a Scoped logger tagging every line with tag, e.g. a worker ID
// or pool name.
func For(tag string) Scoped {
	return Scoped{prefix: tag}
}

func (s Scoped) Info(format string, args ...any) {
	Info(s.prefix+": "+format, args...)
}

func (s Scoped) Debug(format string, args ...any) {
	Debug(s.prefix+": "+format, args...)
}

func (s Scoped) Warn(format string, args ...any) {
	Warn(s.prefix+": "+format, args...)
}

func (s Scoped) Error(format string, args ...any) {
	Error(s.prefix+": "+format, args...)
}
