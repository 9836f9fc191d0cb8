// Package logger provides the narrow logging interface the core fetch
// engine depends on, plus the file-backed implementation the CLI wires
// up at startup. The core never imports this package's concrete type
// directly -- only the Logger interface, so it carries no hard
// dependency on any one logging backend.
package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// Logger is the logging surface internal/scheduler and the gonzb facade
// depend on. Components that accept a Logger substitute Discard when
// given nil.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Level gates which calls reach the sink.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string onto a Level, defaulting to Info for
// anything unrecognised.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// FileLogger writes level-gated, timestamped lines to a log file and
// optionally echoes Info-and-above to stdout -- this mirrors a CLI
// progress bar's need to keep debug spam off the terminal.
type FileLogger struct {
	sink          *log.Logger
	level         Level
	includeStdout bool
}

// New opens (or appends to) the log file at path.
func New(path string, level Level, includeStdout bool) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("logger: open %s: %w", path, err)
	}
	return &FileLogger{
		sink:          log.New(f, "", 0),
		level:         level,
		includeStdout: includeStdout,
	}, nil
}

func (l *FileLogger) log(lvl Level, tag, format string, args ...any) {
	if lvl < l.level {
		return
	}
	line := fmt.Sprintf("%s [%s] %s", time.Now().Format("2006-01-02 15:04:05"), tag, fmt.Sprintf(format, args...))
	l.sink.Println(line)
	if l.includeStdout && lvl >= LevelInfo {
		fmt.Println(line)
	}
}

func (l *FileLogger) Debug(format string, args ...any) { l.log(LevelDebug, "DEBUG", format, args...) }
func (l *FileLogger) Info(format string, args ...any)  { l.log(LevelInfo, "INFO", format, args...) }
func (l *FileLogger) Warn(format string, args ...any)  { l.log(LevelWarn, "WARN", format, args...) }
func (l *FileLogger) Error(format string, args ...any) { l.log(LevelError, "ERROR", format, args...) }

// Write lets *FileLogger act as an io.Writer sink for anything that logs
// through the stdlib log package or similar.
func (l *FileLogger) Write(p []byte) (int, error) {
	if msg := strings.TrimSpace(string(p)); msg != "" {
		l.Info("%s", msg)
	}
	return len(p), nil
}

// discardLogger implements Logger by doing nothing; Discard is the
// default for components constructed without an explicit logger.
type discardLogger struct{}

func (discardLogger) Debug(string, ...any) {}
func (discardLogger) Info(string, ...any)  {}
func (discardLogger) Warn(string, ...any)  {}
func (discardLogger) Error(string, ...any) {}

// Discard is a Logger that drops every call.
var Discard Logger = discardLogger{}
