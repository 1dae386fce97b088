package logger

import (
	"os"
	"strings"
)

// LogLevel defines the level of logging
type LogLevel int

const (
	LevelTrace LogLevel = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelNone
)

// GetLevelFromEnv will look at the environment var `IMAGECACHE_LOG_LEVEL` and
// convert it into the appropriate LogLevel
func GetLevelFromEnv() LogLevel {
	switch strings.ToLower(os.Getenv("IMAGECACHE_LOG_LEVEL")) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	case "none":
		return LevelNone
	default:
		return LevelInfo
	}
}

// Logger is an interface for logging
type Logger interface {
	// With will return a new logger using metadata as the base context
	With(metadata map[string]interface{}) Logger
	// WithPrefix will return a new logger with a prefix prepended to the message
	WithPrefix(prefix string) Logger
	// Trace level logging
	Trace(msg string, args ...interface{})
	// Debug level logging
	Debug(msg string, args ...interface{})
	// Info level logging
	Info(msg string, args ...interface{})
	// Warning level logging
	Warn(msg string, args ...interface{})
	// Error level logging
	Error(msg string, args ...interface{})
	// IsLevelEnabled returns true if the given log level is enabled
	IsLevelEnabled(level LogLevel) bool
}

type nopLogger struct{}

var _ Logger = (*nopLogger)(nil)

func (n *nopLogger) With(map[string]interface{}) Logger { return n }
func (n *nopLogger) WithPrefix(string) Logger           { return n }
func (n *nopLogger) Trace(string, ...interface{})       {}
func (n *nopLogger) Debug(string, ...interface{})       {}
func (n *nopLogger) Info(string, ...interface{})        {}
func (n *nopLogger) Warn(string, ...interface{})        {}
func (n *nopLogger) Error(string, ...interface{})       {}
func (n *nopLogger) IsLevelEnabled(LogLevel) bool       { return false }

// NewNop returns a Logger that discards everything. Useful as a default when
// the caller does not care about log output.
func NewNop() Logger {
	return &nopLogger{}
}
