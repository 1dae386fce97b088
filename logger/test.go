package logger

import "sync"

type TestLogEntry struct {
	Severity  string
	Message   string
	Arguments []interface{}
}

// TestLogger is a Logger that records every entry so tests can assert on
// log output. Safe for concurrent use since background sweepers log from
// their own goroutines.
type TestLogger struct {
	mu       *sync.Mutex
	metadata map[string]interface{}
	entries  *[]TestLogEntry
}

var _ Logger = (*TestLogger)(nil)

// NewTestLogger returns a new Logger instance useful for testing
func NewTestLogger() *TestLogger {
	entries := make([]TestLogEntry, 0)
	return &TestLogger{mu: &sync.Mutex{}, entries: &entries}
}

// Logs returns a copy of the entries recorded so far.
func (c *TestLogger) Logs() []TestLogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TestLogEntry, len(*c.entries))
	copy(out, *c.entries)
	return out
}

func (c *TestLogger) log(severity, msg string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c.entries = append(*c.entries, TestLogEntry{severity, msg, args})
}

func (c *TestLogger) With(metadata map[string]interface{}) Logger {
	kv := make(map[string]interface{}, len(c.metadata)+len(metadata))
	for k, v := range c.metadata {
		kv[k] = v
	}
	for k, v := range metadata {
		kv[k] = v
	}
	return &TestLogger{mu: c.mu, metadata: kv, entries: c.entries}
}

func (c *TestLogger) WithPrefix(prefix string) Logger { return c }

func (c *TestLogger) Trace(msg string, args ...interface{}) { c.log("TRACE", msg, args...) }
func (c *TestLogger) Debug(msg string, args ...interface{}) { c.log("DEBUG", msg, args...) }
func (c *TestLogger) Info(msg string, args ...interface{})  { c.log("INFO", msg, args...) }
func (c *TestLogger) Warn(msg string, args ...interface{})  { c.log("WARNING", msg, args...) }
func (c *TestLogger) Error(msg string, args ...interface{}) { c.log("ERROR", msg, args...) }

func (c *TestLogger) IsLevelEnabled(level LogLevel) bool { return true }
