// Package logging provides structured debug logging for archive
// components. By default logs are written to a per-process file under
// ~/.psiarc/logs/; library embedders that want silence use NewNop.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// processID tags every log file produced by this process so
	// concurrent recorders don't interleave files.
	processID     string
	processIDOnce sync.Once
)

func getProcessID() string {
	processIDOnce.Do(func() {
		processID = uuid.New().String()
	})
	return processID
}

// Logger writes timestamped, component-tagged entries to a single
// destination. All methods are safe for concurrent use.
type Logger struct {
	component string
	out       *log.Logger
	file      *os.File
	path      string
	mu        sync.Mutex
	closeOnce sync.Once
}

// New creates a logger for a component, writing to
// <dir>/<process-id>-psiarc.log. If dir is empty it defaults to
// ~/.psiarc/logs. If the directory or file cannot be created the
// returned logger falls back to stderr along with the error, so
// callers never receive a nil logger.
func New(component, dir string) (*Logger, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fallback(component, fmt.Errorf("logging: resolve home directory: %w", err)), err
		}
		dir = filepath.Join(home, ".psiarc", "logs")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		err = fmt.Errorf("logging: create log directory: %w", err)
		return fallback(component, err), err
	}
	path := filepath.Join(dir, getProcessID()+"-psiarc.log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		err = fmt.Errorf("logging: open log file: %w", err)
		return fallback(component, err), err
	}
	return &Logger{
		component: component,
		out:       log.New(file, "", 0),
		file:      file,
		path:      path,
	}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{component: "nop", out: log.New(io.Discard, "", 0)}
}

func fallback(component string, err error) *Logger {
	l := &Logger{
		component: component,
		out:       log.New(os.Stderr, "", 0),
	}
	l.Warnf("file logging unavailable, using stderr: %v", err)
	return l
}

func (l *Logger) emit(level, format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	l.out.Printf("[%s] [%s] [%s] %s", ts, l.component, level, fmt.Sprintf(format, v...))
}

// Debugf logs a debug-level message.
func (l *Logger) Debugf(format string, v ...interface{}) { l.emit("DEBUG", format, v...) }

// Infof logs an info-level message.
func (l *Logger) Infof(format string, v ...interface{}) { l.emit("INFO", format, v...) }

// Warnf logs a warning-level message.
func (l *Logger) Warnf(format string, v ...interface{}) { l.emit("WARN", format, v...) }

// Errorf logs an error-level message.
func (l *Logger) Errorf(format string, v ...interface{}) { l.emit("ERROR", format, v...) }

// Path returns the log file path, or "" when logging to stderr or
// discarding.
func (l *Logger) Path() string { return l.path }

// Close closes the underlying file. Safe to call multiple times.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if l.file != nil {
			err = l.file.Close()
		}
	})
	return err
}
