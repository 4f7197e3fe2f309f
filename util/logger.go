// Package util provides low-level helpers shared by all other packages.
package util

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel controls output verbosity.
type LogLevel int

const (
	LogQuiet   LogLevel = 0
	LogNormal  LogLevel = 1
	LogVerbose LogLevel = 2
	LogDebug   LogLevel = 3
)

// ParseLogLevel maps a config or flag value onto a level.  Both names
// ("quiet", "info", "verbose", "debug") and digits are accepted.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "quiet", "error":
		return LogQuiet, nil
	case "1", "", "normal", "info", "warn":
		return LogNormal, nil
	case "2", "verbose":
		return LogVerbose, nil
	case "3", "debug":
		return LogDebug, nil
	}
	return LogNormal, fmt.Errorf("unknown log level %q", s)
}

// logSink is the output shared by a logger and all of its named
// children, so lines from different components never interleave.
type logSink struct {
	mu         sync.Mutex
	output     io.Writer
	timestamps bool // if true, prepend timestamps
}

// Logger writes levelled messages to stderr with optional timestamps
// and level prefixes.
type Logger struct {
	level LogLevel
	name  string
	sink  *logSink
}

// NewLogger returns a Logger that prints messages at or below the given
// verbosity (0 = quiet, 1 = normal, 2 = verbose, 3 = debug).
func NewLogger(verbosity int) *Logger {
	return &Logger{
		level: LogLevel(verbosity),
		sink: &logSink{
			output:     os.Stderr,
			timestamps: verbosity >= 3, // auto-enable timestamps in debug mode
		},
	}
}

// Named returns a child logger that tags every line with component.
// The child shares its parent's level and output.
func (l *Logger) Named(component string) *Logger {
	if l == nil {
		return nil
	}
	name := component
	if l.name != "" {
		name = l.name + "." + component
	}
	return &Logger{level: l.level, name: name, sink: l.sink}
}

// SetTimestamps enables or disables timestamp prefixes.
func (l *Logger) SetTimestamps(on bool) {
	l.sink.mu.Lock()
	l.sink.timestamps = on
	l.sink.mu.Unlock()
}

// SetOutput overrides the output writer (default: os.Stderr).
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.output = w
	l.sink.mu.Unlock()
}

// Level returns the current log level.
func (l *Logger) Level() LogLevel { return l.level }

// Info prints when verbosity ≥ 1.  Prefixed with [INF].
func (l *Logger) Info(format string, args ...interface{}) {
	if l != nil && l.level >= LogNormal {
		l.write("INF", format, args...)
	}
}

// Warn prints when verbosity ≥ 1.  Prefixed with [WRN].
func (l *Logger) Warn(format string, args ...interface{}) {
	if l != nil && l.level >= LogNormal {
		l.write("WRN", format, args...)
	}
}

// Verbose prints when verbosity ≥ 2.  Prefixed with [VRB].
func (l *Logger) Verbose(format string, args ...interface{}) {
	if l != nil && l.level >= LogVerbose {
		l.write("VRB", format, args...)
	}
}

// Debug prints when verbosity ≥ 3.  Prefixed with [DBG].
func (l *Logger) Debug(format string, args ...interface{}) {
	if l != nil && l.level >= LogDebug {
		l.write("DBG", format, args...)
	}
}

// Error always prints regardless of verbosity.  Prefixed with [ERR].
func (l *Logger) Error(format string, args ...interface{}) {
	if l != nil {
		l.write("ERR", format, args...)
	}
}

func (l *Logger) write(level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if l.name != "" {
		msg = l.name + ": " + msg
	}

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	if l.sink.timestamps {
		ts := time.Now().Format("15:04:05.000")
		fmt.Fprintf(l.sink.output, "%s [%s] %s\n", ts, level, msg)
	} else {
		fmt.Fprintf(l.sink.output, "[%s] %s\n", level, msg)
	}
}

// Discard returns a logger that prints nothing, for tests and for
// components constructed without one.
func Discard() *Logger {
	l := NewLogger(int(LogQuiet))
	l.SetOutput(io.Discard)
	return l
}
