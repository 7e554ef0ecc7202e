// Package logging provides the structured logger used across the importer.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

var levelRank = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
	LevelFatal: 4,
}

// LogFormat represents the output format for logs
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Fields is a set of structured key/value pairs attached to a log line
type Fields map[string]interface{}

// sink is shared by a logger and every child derived from it
type sink struct {
	mu     sync.Mutex
	out    io.Writer
	level  LogLevel
	format LogFormat
}

// Logger provides structured logging capabilities. Child loggers created with
// WithField share the parent's output and level.
type Logger struct {
	sink   *sink
	fields Fields
}

// LogEntry represents a single log entry
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Fields    Fields `json:"fields,omitempty"`
	Caller    string `json:"caller,omitempty"`
}

// NewLogger creates a new logger writing to stdout
func NewLogger(level LogLevel, format LogFormat) *Logger {
	return NewLoggerWithOutput(level, format, os.Stdout)
}

// NewLoggerWithOutput creates a logger writing to w
func NewLoggerWithOutput(level LogLevel, format LogFormat, w io.Writer) *Logger {
	return &Logger{
		sink:   &sink{out: w, level: level, format: format},
		fields: Fields{},
	}
}

// Discard returns a logger that drops everything; handy in tests
func Discard() *Logger {
	return NewLoggerWithOutput(LevelFatal, FormatText, io.Discard)
}

func (l *Logger) with(extra Fields) *Logger {
	fields := make(Fields, len(l.fields)+len(extra))
	for k, v := range l.fields {
		fields[k] = v
	}
	for k, v := range extra {
		fields[k] = v
	}
	return &Logger{sink: l.sink, fields: fields}
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.with(Fields{key: value})
}

// WithFields adds multiple fields to the logger context
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.with(fields)
}

// WithError adds an error to the logger context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.with(Fields{"error": err.Error()})
}

// WithComponent tags every line with the emitting component
func (l *Logger) WithComponent(name string) *Logger {
	return l.with(Fields{"component": name})
}

// WithJob tags every line with an import job id
func (l *Logger) WithJob(jobID string) *Logger {
	return l.with(Fields{"job_id": jobID})
}

func (l *Logger) Debug(message string) { l.log(LevelDebug, message) }
func (l *Logger) Info(message string)  { l.log(LevelInfo, message) }
func (l *Logger) Warn(message string)  { l.log(LevelWarn, message) }
func (l *Logger) Error(message string) { l.log(LevelError, message) }

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(LevelDebug, fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(LevelInfo, fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(LevelWarn, fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(LevelError, fmt.Sprintf(format, args...))
}

// ErrorWithErr logs an error message with an error object
func (l *Logger) ErrorWithErr(message string, err error) {
	l.WithError(err).log(LevelError, message)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string) {
	l.log(LevelFatal, message)
	os.Exit(1)
}

// Fatalf logs a formatted fatal message and exits
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.log(LevelFatal, fmt.Sprintf(format, args...))
	os.Exit(1)
}

// Enabled reports whether messages at level would be written
func (l *Logger) Enabled(level LogLevel) bool {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return levelRank[level] >= levelRank[l.sink.level]
}

func (l *Logger) log(level LogLevel, message string) {
	if !l.Enabled(level) {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     string(level),
		Message:   message,
		Fields:    l.fields,
	}

	if levelRank[level] >= levelRank[LevelError] {
		if _, file, line, ok := runtime.Caller(2); ok {
			entry.Caller = fmt.Sprintf("%s:%d", file, line)
		}
	}

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if l.sink.format == FormatJSON {
		b, err := json.Marshal(entry)
		if err != nil {
			fmt.Fprintf(l.sink.out, `{"level":"error","message":"log marshal failed: %v"}`+"\n", err)
			return
		}
		fmt.Fprintln(l.sink.out, string(b))
		return
	}
	fmt.Fprintln(l.sink.out, formatText(entry))
}

// formatText renders key=value pairs in a stable order
func formatText(entry LogEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s %s", entry.Timestamp, strings.ToUpper(entry.Level), entry.Message)

	keys := make([]string, 0, len(entry.Fields))
	for k := range entry.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Fields[k])
	}

	if entry.Caller != "" {
		fmt.Fprintf(&b, " caller=%s", entry.Caller)
	}
	return b.String()
}

// SetOutput sets the output writer for the logger and its children
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.out = w
	l.sink.mu.Unlock()
}

// SetLevel sets the log level for the logger and its children
func (l *Logger) SetLevel(level LogLevel) {
	l.sink.mu.Lock()
	l.sink.level = level
	l.sink.mu.Unlock()
}

var (
	globalMu     sync.RWMutex
	globalLogger *Logger
)

// InitGlobalLogger initializes the global logger
func InitGlobalLogger(level LogLevel, format LogFormat) {
	globalMu.Lock()
	globalLogger = NewLogger(level, format)
	globalMu.Unlock()
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = NewLogger(LevelInfo, FormatJSON)
	}
	return globalLogger
}

type loggerKey struct{}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext retrieves a logger from the context
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return logger
	}
	return GetGlobalLogger()
}

// WithField adds a field to the global logger
func WithField(key string, value interface{}) *Logger {
	return GetGlobalLogger().WithField(key, value)
}

// WithFields adds multiple fields to the global logger
func WithFields(fields map[string]interface{}) *Logger {
	return GetGlobalLogger().WithFields(fields)
}

// WithError adds an error to the global logger
func WithError(err error) *Logger {
	return GetGlobalLogger().WithError(err)
}

// Info logs an info message using the global logger
func Info(message string) {
	GetGlobalLogger().Info(message)
}

// Warn logs a warning message using the global logger
func Warn(message string) {
	GetGlobalLogger().Warn(message)
}

// ParseLogLevel parses a string into a LogLevel
func ParseLogLevel(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		log.Printf("Unknown log level '%s', defaulting to 'info'", level)
		return LevelInfo
	}
}

// ParseLogFormat parses a string into a LogFormat
func ParseLogFormat(format string) LogFormat {
	switch strings.ToLower(format) {
	case "json":
		return FormatJSON
	case "text":
		return FormatText
	default:
		log.Printf("Unknown log format '%s', defaulting to 'json'", format)
		return FormatJSON
	}
}
