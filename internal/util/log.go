// Package util holds the logger, traffic statistics and small helpers
// shared by every package.
package util

import (
	"fmt"
	"io"

	"github.com/pterm/pterm"
)

// logger is configured before any goroutine logs; the setters below are
// not safe to call concurrently with logging.
var logger = pterm.DefaultLogger.
	WithTime(true).
	WithTimeFormat("02 Jan 15:04:05").
	WithMaxWidth(1000)

// Leveled printf-style logging. Output goes to stderr unless redirected
// with SetLogOutput.

func LogDebug(format string, args ...interface{}) {
	logger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	logger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	logger.Info(fmt.Sprintf(format, args...), logger.Args("result", "ok"))
}

func LogWarning(format string, args ...interface{}) {
	logger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	logger.Error(fmt.Sprintf(format, args...))
}

// LogEvent logs msg at info level with key/value fields, for records that
// are read by tools as much as by people (relay traffic, ledger appends).
func LogEvent(msg string, kv ...any) {
	logger.Info(msg, logger.Args(kv...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	logger.Level = pterm.LogLevelDebug
}

// EnableJSONLogs switches to one JSON object per line.
func EnableJSONLogs() {
	logger.Formatter = pterm.LogFormatterJSON
}

// SetLogOutput redirects the logger, e.g. to io.Discard in tests or to a
// file while the chat prompt owns the terminal.
func SetLogOutput(w io.Writer) {
	logger.Writer = w
}
