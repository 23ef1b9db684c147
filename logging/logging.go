// Package logging wraps the standard log package with a verbose/quiet gate,
// generalizing the bare log.Printf call sites the teacher scatters across
// proxy/server.go's loggingMiddleware and router/failover.go.
package logging

import (
	"io"
	"log"
	"os"
)

// Level selects which calls actually write output.
type Level int

const (
	LevelQuiet Level = iota
	LevelNormal
	LevelVerbose
)

// Logger is a level-gated wrapper around the standard logger.
type Logger struct {
	level Level
	std   *log.Logger
}

// New constructs a Logger writing to w (typically os.Stderr) at the given
// level.
func New(w io.Writer, level Level) *Logger {
	return &Logger{level: level, std: log.New(w, "", log.LstdFlags)}
}

// Default returns a Logger writing to os.Stderr at LevelNormal.
func Default() *Logger {
	return New(os.Stderr, LevelNormal)
}

// FromConfig derives a Level from the verbose/quiet flags, verbose winning
// if both are somehow set.
func FromConfig(verbose, quiet bool) Level {
	switch {
	case verbose:
		return LevelVerbose
	case quiet:
		return LevelQuiet
	default:
		return LevelNormal
	}
}

// Infof logs at LevelNormal and above.
func (l *Logger) Infof(format string, args ...interface{}) {
	if l.level < LevelNormal {
		return
	}
	l.std.Printf(format, args...)
}

// Debugf logs only at LevelVerbose.
func (l *Logger) Debugf(format string, args ...interface{}) {
	if l.level < LevelVerbose {
		return
	}
	l.std.Printf("DEBUG "+format, args...)
}

// Warnf always logs, even at LevelQuiet — warnings are never suppressed.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.std.Printf("WARN "+format, args...)
}
