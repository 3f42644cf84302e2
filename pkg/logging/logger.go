package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level orders log severities.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel converts a config string into a Level. Unknown values map to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger provides leveled logging for renderd components.
// All components of a process share one run ID and one destination: stderr
// by default, or <log_dir>/<run-id>-renderd.log when a directory is configured.
type Logger struct {
	runID     string
	component string
	file      *os.File
	logger    *log.Logger
	mu        sync.Mutex
	logPath   string
	closeOnce sync.Once
}

var (
	// Global run ID for the current process
	runID     string
	runIDOnce sync.Once

	// logDir is where log files are written; empty means stderr
	logDir string

	// minLevel filters messages below it
	minLevel = LevelInfo

	settingsMu sync.RWMutex
)

func getRunID() string {
	runIDOnce.Do(func() {
		runID = uuid.New().String()
	})
	return runID
}

// Configure sets the process-wide log directory and level. It must be
// called before loggers are created for the directory to take effect.
func Configure(dir string, level Level) error {
	settingsMu.Lock()
	defer settingsMu.Unlock()

	minLevel = level
	if dir == "" {
		logDir = ""
		return nil
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	logDir = dir
	return nil
}

func settings() (string, Level) {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	return logDir, minLevel
}

// NewLogger creates a logger for a specific component.
//
// If the log file cannot be opened, it returns a logger writing to stderr
// along with the error so callers can warn about the fallback.
func NewLogger(component string) (*Logger, error) {
	dir, _ := settings()
	id := getRunID()

	if dir == "" {
		return &Logger{
			runID:     id,
			component: component,
			logger:    log.New(os.Stderr, "", 0),
		}, nil
	}

	logPath := filepath.Join(dir, fmt.Sprintf("%s-renderd.log", id))

	// Append mode: every component writes to the same file
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		err = fmt.Errorf("failed to open log file: %w", err)
		return newFallbackLogger(component, err), err
	}

	return &Logger{
		runID:     id,
		component: component,
		file:      file,
		logger:    log.New(file, "", 0),
		logPath:   logPath,
	}, nil
}

// MustLogger is NewLogger for callers that accept the stderr fallback.
func MustLogger(component string) *Logger {
	l, _ := NewLogger(component)
	return l
}

// Discard returns a logger that drops everything. Used by tests.
func Discard(component string) *Logger {
	return &Logger{
		runID:     getRunID(),
		component: component,
		logger:    log.New(io.Discard, "", 0),
	}
}

func newFallbackLogger(component string, err error) *Logger {
	logger := log.New(os.Stderr, "", 0)
	l := &Logger{
		runID:     getRunID(),
		component: component,
		logger:    logger,
	}
	l.Warnf("failed to initialize file logging, falling back to stderr: %v", err)
	return l
}

// formatLogEntry creates a log entry with timestamp, component, and level
func (l *Logger) formatLogEntry(level Level, message string) string {
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	return fmt.Sprintf("[%s] [%s] [%s] %s", timestamp, l.component, level, message)
}

func (l *Logger) write(level Level, format string, v ...interface{}) {
	if _, threshold := settings(); level < threshold {
		return
	}
	message := fmt.Sprintf(format, v...)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Println(l.formatLogEntry(level, message))
}

// Printf logs an info-level message
func (l *Logger) Printf(format string, v ...interface{}) {
	l.write(LevelInfo, format, v...)
}

// Debugf logs a debug-level message
func (l *Logger) Debugf(format string, v ...interface{}) {
	l.write(LevelDebug, format, v...)
}

// Infof logs an info-level message
func (l *Logger) Infof(format string, v ...interface{}) {
	l.write(LevelInfo, format, v...)
}

// Warnf logs a warning-level message
func (l *Logger) Warnf(format string, v ...interface{}) {
	l.write(LevelWarn, format, v...)
}

// Errorf logs an error-level message
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.write(LevelError, format, v...)
}

// With returns a logger for a sub-component sharing the same destination.
func (l *Logger) With(sub string) *Logger {
	return &Logger{
		runID:     l.runID,
		component: l.component + "/" + sub,
		logger:    l.logger,
		logPath:   l.logPath,
	}
}

// Writer returns an io.Writer that writes to this logger's destination
func (l *Logger) Writer() io.Writer {
	if l.file != nil {
		return l.file
	}
	return l.logger.Writer()
}

// RunID returns the process run ID
func (l *Logger) RunID() string {
	return l.runID
}

// LogPath returns the path to the log file, empty when logging to stderr
func (l *Logger) LogPath() string {
	return l.logPath
}

// Close closes the log file. Safe to call multiple times.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if l.file != nil {
			err = l.file.Close()
		}
	})
	return err
}

// GetRunID returns the current process run ID
func GetRunID() string {
	return getRunID()
}
