package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// BaseDir is where component log directories are created when writable
const BaseDir = "/var/log/jobwatch"

// sink is shared by a logger and every logger derived from it with WithField,
// so lines from different goroutines never interleave.
type sink struct {
	mu      sync.Mutex
	output  io.Writer
	logFile *os.File
}

// Logger provides structured logging with file output support
type Logger struct {
	level      Level
	jsonFormat bool
	sink       *sink
	fields     map[string]interface{}
	component  string
}

// NewLogger creates a new logger writing to stdout
func NewLogger(level Level, jsonFormat bool) *Logger {
	return &Logger{
		level:      level,
		jsonFormat: jsonFormat,
		sink:       &sink{output: os.Stdout},
		fields:     make(map[string]interface{}),
	}
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *Logger {
	l := NewLogger(FATAL+1, false)
	l.sink.output = io.Discard
	return l
}

// NewFileLogger creates a logger that writes to /var/log/jobwatch/<component>/<subcomponent>.log
// and stdout. Falls back to ./logs/<component>/ if /var/log is not writable.
func NewFileLogger(component, subComponent string, level Level, jsonFormat bool) (*Logger, error) {
	logPath := GetLogPath(component, subComponent)

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", filepath.Dir(logPath), err)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	logger := &Logger{
		level:      level,
		jsonFormat: jsonFormat,
		sink: &sink{
			output:  io.MultiWriter(logFile, os.Stdout),
			logFile: logFile,
		},
		fields:    make(map[string]interface{}),
		component: component + "/" + subComponent,
	}

	logger.Info(fmt.Sprintf("Logger initialized: %s -> %s", logger.component, logPath))

	return logger, nil
}

// SetOutput sets the output writer
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.output = w
}

// Level returns the minimum level this logger emits
func (l *Logger) Level() Level {
	return l.level
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func (l *Logger) log(level Level, message string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	mergedFields := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		mergedFields[k] = v
	}
	for k, v := range fields {
		mergedFields[k] = v
	}

	var line string
	if l.jsonFormat {
		entry := LogEntry{
			Timestamp: time.Now().Format(time.RFC3339),
			Level:     level.String(),
			Message:   message,
			Fields:    mergedFields,
		}
		data, err := json.Marshal(entry)
		if err != nil {
			log.Printf("Failed to marshal log entry: %v", err)
			return
		}
		line = string(data) + "\n"
	} else {
		var b strings.Builder
		fmt.Fprintf(&b, "[%s] %s: %s", time.Now().Format("2006-01-02 15:04:05"), level.String(), message)
		if len(mergedFields) > 0 {
			b.WriteString(" ")
			b.WriteString(formatFields(mergedFields))
		}
		b.WriteString("\n")
		line = b.String()
	}

	l.sink.mu.Lock()
	io.WriteString(l.sink.output, line)
	l.sink.mu.Unlock()

	if level == FATAL {
		os.Exit(1)
	}
}

// formatFields renders fields as sorted key=value pairs
func formatFields(fields map[string]interface{}) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, " ")
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...map[string]interface{}) {
	l.log(DEBUG, message, first(fields))
}

// Info logs an info message
func (l *Logger) Info(message string, fields ...map[string]interface{}) {
	l.log(INFO, message, first(fields))
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...map[string]interface{}) {
	l.log(WARN, message, first(fields))
}

// Error logs an error message
func (l *Logger) Error(message string, fields ...map[string]interface{}) {
	l.log(ERROR, message, first(fields))
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string, fields ...map[string]interface{}) {
	l.log(FATAL, message, first(fields))
}

func first(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(map[string]interface{}{key: value})
}

// WithFields adds several fields to the logger context
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	// Copy fields to avoid mutation
	newFields := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}
	return &Logger{
		level:      l.level,
		jsonFormat: l.jsonFormat,
		sink:       l.sink,
		fields:     newFields,
		component:  l.component,
	}
}

// ParseLevel parses a log level string
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

// Close closes the log file if opened
func (l *Logger) Close() error {
	if l.sink.logFile != nil {
		l.Info("Logger closing")
		l.sink.mu.Lock()
		defer l.sink.mu.Unlock()
		err := l.sink.logFile.Close()
		l.sink.logFile = nil
		l.sink.output = os.Stdout
		return err
	}
	return nil
}

// RotateIfNeeded rotates log file if it exceeds maxSize (in bytes)
func (l *Logger) RotateIfNeeded(maxSize int64) error {
	l.sink.mu.Lock()
	if l.sink.logFile == nil {
		l.sink.mu.Unlock()
		return nil
	}

	info, err := l.sink.logFile.Stat()
	if err != nil {
		l.sink.mu.Unlock()
		return err
	}
	if info.Size() <= maxSize {
		l.sink.mu.Unlock()
		return nil
	}

	oldPath := l.sink.logFile.Name()
	l.sink.logFile.Close()

	backupPath := oldPath + "." + time.Now().Format("20060102-150405")
	if err := os.Rename(oldPath, backupPath); err != nil {
		l.sink.mu.Unlock()
		return err
	}

	newFile, err := os.OpenFile(oldPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		l.sink.logFile = nil
		l.sink.output = os.Stdout
		l.sink.mu.Unlock()
		return err
	}
	l.sink.logFile = newFile
	l.sink.output = io.MultiWriter(newFile, os.Stdout)
	l.sink.mu.Unlock()

	l.Info(fmt.Sprintf("Log rotated: %s -> %s", oldPath, backupPath))
	return nil
}

// isWritable checks if directory is writable
func isWritable(path string) bool {
	if err := os.MkdirAll(path, 0755); err != nil {
		return false
	}

	testFile := filepath.Join(path, ".write_test")
	f, err := os.Create(testFile)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(testFile)
	return true
}

// GetLogPath returns the expected log path for a component
func GetLogPath(component, subComponent string) string {
	baseDir := BaseDir
	if !isWritable(baseDir) {
		baseDir = "./logs"
	}

	logFileName := component + ".log"
	if subComponent != "" {
		logFileName = subComponent + ".log"
	}

	return filepath.Join(baseDir, component, logFileName)
}
