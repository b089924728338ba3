package logger

import (
	"fmt"
	"os"
	"runtime"
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
	gray       = "\033[1;90m"
	green      = "\033[32m"
	cyanBold   = "\033[36;1m"
	blueBold   = "\033[34;1m"
	yellowBold = "\033[33;1m"
	redBold    = "\033[31;1m"
)

func levelColor(level LogLevel) string {
	switch level {
	case LevelTrace:
		return gray
	case LevelDebug:
		return blueBold
	case LevelInfo:
		return cyanBold
	case LevelWarn:
		return yellowBold
	default:
		return redBold
	}
}

type consoleLogger struct {
	mu       sync.Mutex
	sink     Sink
	logLevel LogLevel
	prefixes []string
	metadata map[string]interface{}
}

var _ Logger = (*consoleLogger)(nil)

func (c *consoleLogger) clone() *consoleLogger {
	prefixes := make([]string, len(c.prefixes))
	copy(prefixes, c.prefixes)
	metadata := make(map[string]interface{}, len(c.metadata))
	for k, v := range c.metadata {
		metadata[k] = v
	}
	return &consoleLogger{
		sink:     c.sink,
		logLevel: c.logLevel,
		prefixes: prefixes,
		metadata: metadata,
	}
}

func (c *consoleLogger) With(metadata map[string]interface{}) Logger {
	l := c.clone()
	for k, v := range metadata {
		l.metadata[k] = v
	}
	return l
}

// WithPrefix will return a new logger with a prefix prepended to the message
func (c *consoleLogger) WithPrefix(prefix string) Logger {
	l := c.clone()
	for _, p := range l.prefixes {
		if p == prefix {
			return l
		}
	}
	l.prefixes = append(l.prefixes, prefix)
	return l
}

func (c *consoleLogger) IsLevelEnabled(level LogLevel) bool {
	return level >= c.logLevel
}

func (c *consoleLogger) log(level LogLevel, msg string, args ...interface{}) {
	if !c.IsLevelEnabled(level) {
		return
	}
	var buf strings.Builder
	buf.WriteString(color(gray))
	buf.WriteString(time.Now().Format("2006-01-02 15:04:05.000"))
	buf.WriteString(color(reset))
	buf.WriteString(" ")
	buf.WriteString(color(levelColor(level)))
	buf.WriteString(fmt.Sprintf("%-5s", level.String()))
	buf.WriteString(color(reset))
	buf.WriteString(" ")
	for _, prefix := range c.prefixes {
		buf.WriteString(color(green))
		buf.WriteString("[" + prefix + "]")
		buf.WriteString(color(reset))
		buf.WriteString(" ")
	}
	buf.WriteString(fmt.Sprintf(msg, args...))
	if len(c.metadata) > 0 {
		keys := make([]string, 0, len(c.metadata))
		for k := range c.metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			buf.WriteString(fmt.Sprintf(" %s=%v", k, c.metadata[k]))
		}
	}
	buf.WriteString("\n")
	c.mu.Lock()
	fmt.Fprint(c.sink, buf.String())
	c.mu.Unlock()
}

func (c *consoleLogger) Trace(msg string, args ...interface{}) {
	c.log(LevelTrace, msg, args...)
}

func (c *consoleLogger) Debug(msg string, args ...interface{}) {
	c.log(LevelDebug, msg, args...)
}

func (c *consoleLogger) Info(msg string, args ...interface{}) {
	c.log(LevelInfo, msg, args...)
}

func (c *consoleLogger) Warn(msg string, args ...interface{}) {
	c.log(LevelWarn, msg, args...)
}

func (c *consoleLogger) Error(msg string, args ...interface{}) {
	c.log(LevelError, msg, args...)
}

// NewConsoleLogger returns a Logger that writes human-readable lines to stderr.
// The level defaults to the value of the LOAD_LOG_LEVEL environment variable.
func NewConsoleLogger(levels ...LogLevel) Logger {
	level := GetLevelFromEnv()
	if len(levels) > 0 {
		level = levels[0]
	}
	return &consoleLogger{
		sink:     os.Stderr,
		logLevel: level,
		metadata: make(map[string]interface{}),
	}
}

// NewConsoleLoggerWithSink returns a console Logger that writes to the given sink.
func NewConsoleLoggerWithSink(sink Sink, level LogLevel) Logger {
	return &consoleLogger{
		sink:     sink,
		logLevel: level,
		metadata: make(map[string]interface{}),
	}
}
