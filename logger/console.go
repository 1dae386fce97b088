package logger

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

const isWindows = runtime.GOOS == "windows"

var noColor = os.Getenv("TERM") == "dumb" ||
	(!isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd()))

func color(val string) string {
	if isWindows || noColor {
		return ""
	}
	return val
}

const (
	reset      = "\033[0m"
	red        = "\033[31m"
	green      = "\033[32m"
	yellow     = "\033[33m"
	cyan       = "\033[36m"
	gray       = "\033[1;90m"
	redBold    = "\033[31;1m"
	yellowBold = "\033[33;1m"
)

type consoleLogger struct {
	mu       *sync.Mutex
	out      io.Writer
	prefixes []string
	metadata map[string]interface{}
	logLevel LogLevel
}

var _ Logger = (*consoleLogger)(nil)

// NewConsole returns a Logger that writes human readable, optionally
// colorized output to stderr.
func NewConsole(level LogLevel) Logger {
	return &consoleLogger{
		mu:       &sync.Mutex{},
		out:      os.Stderr,
		logLevel: level,
	}
}

// NewConsoleWithWriter returns a console Logger writing to out.
func NewConsoleWithWriter(level LogLevel, out io.Writer) Logger {
	return &consoleLogger{
		mu:       &sync.Mutex{},
		out:      out,
		logLevel: level,
	}
}

func (c *consoleLogger) clone() *consoleLogger {
	prefixes := make([]string, len(c.prefixes))
	copy(prefixes, c.prefixes)
	metadata := make(map[string]interface{}, len(c.metadata))
	for k, v := range c.metadata {
		metadata[k] = v
	}
	return &consoleLogger{
		mu:       c.mu,
		out:      c.out,
		prefixes: prefixes,
		metadata: metadata,
		logLevel: c.logLevel,
	}
}

// WithPrefix will return a new logger with a prefix prepended to the message
func (c *consoleLogger) WithPrefix(prefix string) Logger {
	clone := c.clone()
	if !slices.Contains(clone.prefixes, prefix) {
		clone.prefixes = append(clone.prefixes, prefix)
	}
	return clone
}

// With will return a new logger using metadata as the base context
func (c *consoleLogger) With(metadata map[string]interface{}) Logger {
	clone := c.clone()
	for k, v := range metadata {
		clone.metadata[k] = v
	}
	return clone
}

func (c *consoleLogger) IsLevelEnabled(level LogLevel) bool {
	return level >= c.logLevel
}

func (c *consoleLogger) suffix() string {
	if len(c.metadata) == 0 {
		return ""
	}
	keys := make([]string, 0, len(c.metadata))
	for k := range c.metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf(" %s=%v", k, c.metadata[k]))
	}
	return color(gray) + sb.String() + color(reset)
}

func (c *consoleLogger) write(level LogLevel, levelLabel, levelColor, msgColor, msg string, args ...interface{}) {
	if !c.IsLevelEnabled(level) {
		return
	}
	formatted := msg
	if len(args) > 0 {
		formatted = fmt.Sprintf(msg, args...)
	}
	var prefix string
	if len(c.prefixes) > 0 {
		prefix = strings.Join(c.prefixes, " ") + " "
	}
	ts := time.Now().Format("2006-01-02T15:04:05.000Z07:00")
	line := fmt.Sprintf("%s%s %s[%s]%s %s%s%s%s%s\n",
		color(gray), ts,
		color(levelColor), levelLabel, color(reset),
		prefix,
		color(msgColor), formatted, color(reset),
		c.suffix(),
	)
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprint(c.out, line)
}

func (c *consoleLogger) Trace(msg string, args ...interface{}) {
	c.write(LevelTrace, "TRACE", gray, gray, msg, args...)
}

func (c *consoleLogger) Debug(msg string, args ...interface{}) {
	c.write(LevelDebug, "DEBUG", cyan, "", msg, args...)
}

func (c *consoleLogger) Info(msg string, args ...interface{}) {
	c.write(LevelInfo, "INFO", green, "", msg, args...)
}

func (c *consoleLogger) Warn(msg string, args ...interface{}) {
	c.write(LevelWarn, "WARN", yellowBold, yellow, msg, args...)
}

func (c *consoleLogger) Error(msg string, args ...interface{}) {
	c.write(LevelError, "ERROR", redBold, red, msg, args...)
}
