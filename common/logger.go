// Package common provides shared constants, types, and utilities
// used across tunnelctl.
package common

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity level of a log message.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps "debug", "info", "warn" and "error" to a LogLevel.
// Anything else yields LevelInfo.
func ParseLevel(s string) LogLevel {
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

// AppLogger is a leveled logger for the application. With file logging
// on, every line also lands in a size-capped file in the log directory.
type AppLogger struct {
	mu     sync.Mutex
	level  LogLevel
	logger *log.Logger
	output io.Writer
	file   io.WriteCloser
}

// LogConfig holds configuration options for the logger.
type LogConfig struct {
	Level      LogLevel
	EnableFile bool
	Dir        string // defaults to DefaultLogDir()
	MaxSizeMB  int    // size of the live file before it is archived
	Keep       int    // gzip archives kept next to the live file
	MaxAgeDays int    // archives older than this are removed; 0 keeps them
}

var (
	defaultLogger *AppLogger
	loggerOnce    sync.Once
)

const (
	defaultLogMaxSizeMB = 5
	defaultLogKeep      = 5
)

// GetLogger returns the process-wide logger instance.
func GetLogger() *AppLogger {
	loggerOnce.Do(func() {
		defaultLogger = &AppLogger{
			level:  LevelInfo,
			output: os.Stderr,
			logger: log.New(os.Stderr, "", 0),
		}
	})
	return defaultLogger
}

// InitLogger applies config to the process-wide logger. A file logging
// failure leaves stderr logging in place.
func InitLogger(config LogConfig) error {
	logger := GetLogger()
	logger.SetLevel(config.Level)
	if !config.EnableFile {
		return nil
	}

	dir := config.Dir
	if dir == "" {
		dir = DefaultLogDir()
	}
	if dir == "" {
		return errors.New("no home directory for the log file")
	}
	if config.MaxSizeMB <= 0 {
		config.MaxSizeMB = defaultLogMaxSizeMB
	}
	if config.Keep <= 0 {
		config.Keep = defaultLogKeep
	}

	f, err := newLogFile(dir, config.MaxSizeMB, config.Keep, config.MaxAgeDays)
	if err != nil {
		return err
	}
	logger.logToFile(f)
	return nil
}

// SetLevel sets the minimum log level.
func (l *AppLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetOutput sets the log output destination.
func (l *AppLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
	l.logger = log.New(w, "", 0)
}

// logToFile tees every line into f until Close.
func (l *AppLogger) logToFile(f io.WriteCloser) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
	}
	l.file = f
	l.output = io.MultiWriter(os.Stderr, f)
	l.logger = log.New(l.output, "", 0)
}

// DefaultLogDir is where the log file lives unless configured otherwise.
func DefaultLogDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".local", "state", ConfigDirName, "logs")
}

// log writes a formatted log message. depth is the number of frames
// between the public logging call and this function.
func (l *AppLogger) log(depth int, level LogLevel, component, msg string, args ...interface{}) {
	l.mu.Lock()
	min := l.level
	l.mu.Unlock()
	if level < min {
		return
	}

	_, file, line, ok := runtime.Caller(depth)
	caller := "???"
	if ok {
		caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}

	timestamp := time.Now().Format("2006/01/02 15:04:05")
	formattedMsg := msg
	if len(args) > 0 {
		formattedMsg = fmt.Sprintf(msg, args...)
	}

	var logLine string
	if component != "" {
		logLine = fmt.Sprintf("%s [%s] %s (%s): %s", timestamp, level.String(), caller, component, formattedMsg)
	} else {
		logLine = fmt.Sprintf("%s [%s] %s: %s", timestamp, level.String(), caller, formattedMsg)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Println(logLine)
}

// Debug logs a debug message.
func (l *AppLogger) Debug(msg string, args ...interface{}) {
	l.log(2, LevelDebug, "", msg, args...)
}

// Info logs an informational message.
func (l *AppLogger) Info(msg string, args ...interface{}) {
	l.log(2, LevelInfo, "", msg, args...)
}

// Warn logs a warning message.
func (l *AppLogger) Warn(msg string, args ...interface{}) {
	l.log(2, LevelWarn, "", msg, args...)
}

// Error logs an error message.
func (l *AppLogger) Error(msg string, args ...interface{}) {
	l.log(2, LevelError, "", msg, args...)
}

// Named returns a Logger that tags every line with component.
func (l *AppLogger) Named(component string) Logger {
	return &componentLogger{parent: l, component: component}
}

type componentLogger struct {
	parent    *AppLogger
	component string
}

func (c *componentLogger) Debug(msg string, args ...interface{}) {
	c.parent.log(2, LevelDebug, c.component, msg, args...)
}

func (c *componentLogger) Info(msg string, args ...interface{}) {
	c.parent.log(2, LevelInfo, c.component, msg, args...)
}

func (c *componentLogger) Warn(msg string, args ...interface{}) {
	c.parent.log(2, LevelWarn, c.component, msg, args...)
}

func (c *componentLogger) Error(msg string, args ...interface{}) {
	c.parent.log(2, LevelError, c.component, msg, args...)
}

// Shorthand functions for default logger.

// LogDebug logs a debug message to the default logger.
func LogDebug(msg string, args ...interface{}) {
	GetLogger().log(2, LevelDebug, "", msg, args...)
}

// LogInfo logs an info message to the default logger.
func LogInfo(msg string, args ...interface{}) {
	GetLogger().log(2, LevelInfo, "", msg, args...)
}

// LogWarn logs a warning message to the default logger.
func LogWarn(msg string, args ...interface{}) {
	GetLogger().log(2, LevelWarn, "", msg, args...)
}

// LogError logs an error message to the default logger.
func LogError(msg string, args ...interface{}) {
	GetLogger().log(2, LevelError, "", msg, args...)
}

// Close stops file logging and falls back to stderr.
func (l *AppLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	l.output = os.Stderr
	l.logger = log.New(os.Stderr, "", 0)
	return err
}

// CloseLogger closes the default logger.
func CloseLogger() error {
	return GetLogger().Close()
}
