// Package logging provides the process-wide printf-style logger.
//
// Components hold a Logger scoped to their name; output goes to stdout and,
// when PUBSCREEN_LOG_FILE is set, to that file as well.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// Logger defines a minimal, printf-style logging contract.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

var (
	sinkInstance *sink
	sinkOnce     sync.Once
)

// sink is the shared output target behind every component logger.
type sink struct {
	mu     sync.Mutex
	file   *os.File
	logger *log.Logger
	level  LogLevel
}

func getSink() *sink {
	sinkOnce.Do(func() {
		sinkInstance = &sink{level: INFO}
		if v := os.Getenv("PUBSCREEN_LOG_LEVEL"); v == "debug" {
			sinkInstance.level = DEBUG
		}
		if path := os.Getenv("PUBSCREEN_LOG_FILE"); path != "" {
			file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				log.Printf("Failed to open log file: %v", err)
				return
			}
			sinkInstance.file = file
			sinkInstance.logger = log.New(file, "", 0)
		}
	})
	return sinkInstance
}

// componentLogger tags every line with its component name.
type componentLogger struct {
	sink      *sink
	component string
}

// NewComponentLogger creates a logger for a specific component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{sink: getSink(), component: component}
}

// SetLevel sets the minimum log level for the whole process.
func SetLevel(level LogLevel) {
	s := getSink()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.level = level
}

func (l *componentLogger) log(level LogLevel, format string, args ...any) {
	s := l.sink
	if level < s.level {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	// Format: 2025-09-30 12:34:56 [INFO] [worker] worker.go:123 - Message
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	component := l.component
	if component == "" {
		component = "pubscreen"
	}
	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("%s [%s] [%s] %s:%d - %s\n",
		timestamp, levelToString(level), component, file, line, message)

	if s.logger != nil {
		s.logger.Print(logLine)
	}
	fmt.Print(logLine)
}

func (l *componentLogger) Debug(format string, args ...any) { l.log(DEBUG, format, args...) }
func (l *componentLogger) Info(format string, args ...any)  { l.log(INFO, format, args...) }
func (l *componentLogger) Warn(format string, args ...any)  { l.log(WARN, format, args...) }
func (l *componentLogger) Error(format string, args ...any) { l.log(ERROR, format, args...) }

func levelToString(level LogLevel) string {
	switch level {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
