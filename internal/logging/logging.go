// Package logging provides structured, component-scoped logging.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a config string (debug, info, warn, error) to a Level.
// Unknown values fall back to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// sink is shared by a logger and every logger derived from it, so that
// SetOutput/SetLevel on the root affects all components.
type sink struct {
	mu       sync.Mutex
	output   io.Writer
	minLevel Level
}

// Logger writes one line per entry: LEVEL TIMESTAMP [component] message key=value ...
type Logger struct {
	sink      *sink
	component string
	traceID   string
}

// New creates a new Logger writing to stdout at INFO.
func New() *Logger {
	return &Logger{
		sink: &sink{output: os.Stdout, minLevel: LevelInfo},
	}
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return &Logger{sink: &sink{output: io.Discard, minLevel: LevelError}}
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{sink: l.sink, component: component, traceID: l.traceID}
}

// WithTraceID returns a new logger with the given trace ID.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return &Logger{sink: l.sink, component: l.component, traceID: traceID}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	l.sink.minLevel = level
	l.sink.mu.Unlock()
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.output = w
	l.sink.mu.Unlock()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats a map of fields as sorted key=value pairs.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := fmt.Sprintf("%v", fields[k])
		if strings.ContainsAny(v, " \t\n\"") {
			v = fmt.Sprintf("%q", v)
		}
		parts = append(parts, k+"="+v)
	}
	return " " + strings.Join(parts, " ")
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if levelPriority[level] < levelPriority[l.sink.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	merged := map[string]interface{}{}
	for _, f := range fields {
		for k, v := range f {
			merged[k] = v
		}
	}
	if l.traceID != "" {
		merged["trace_id"] = l.traceID
	}
	fieldStr := formatFields(merged)

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}
	l.sink.output.Write([]byte(line))
}

// --- Execution lifecycle ---

// ExecutionCreated logs a new execution entering pending.
func (l *Logger) ExecutionCreated(executionID string) {
	l.Info("execution_created", map[string]interface{}{
		"execution": executionID,
	})
}

// Transition logs a status change.
func (l *Logger) Transition(executionID, from, to string) {
	l.Info("execution_transition", map[string]interface{}{
		"execution": executionID,
		"from":      from,
		"to":        to,
	})
}

// ExecutionComplete logs the terminal state of an execution.
func (l *Logger) ExecutionComplete(executionID string, duration time.Duration, status, errMsg string) {
	fields := map[string]interface{}{
		"execution": executionID,
		"duration":  duration.String(),
		"status":    status,
	}
	if errMsg != "" {
		fields["error"] = errMsg
		l.Warn("execution_complete", fields)
		return
	}
	l.Info("execution_complete", fields)
}

// StepStart logs a step being handed to the sandbox.
func (l *Logger) StepStart(executionID, stepID, tool string) {
	l.Debug("step_start", map[string]interface{}{
		"execution": executionID,
		"step":      stepID,
		"tool":      tool,
	})
}

// StepResult logs a step result.
func (l *Logger) StepResult(executionID, stepID, tool string, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"execution": executionID,
		"step":      stepID,
		"tool":      tool,
		"duration":  duration.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Error("step_failed", fields)
	} else {
		l.Info("step_succeeded", fields)
	}
}

// --- Confirmation ---

// ConfirmationRejected logs a rejected confirmation attempt.
func (l *Logger) ConfirmationRejected(executionID, code string) {
	l.Warn("confirmation_rejected", map[string]interface{}{
		"execution": executionID,
		"code":      code,
		"security":  true,
	})
}

// --- Delivery ---

// DeliveryDropped logs a frame that could not be sent to an observer.
func (l *Logger) DeliveryDropped(observerID, executionID, frameType string, err error) {
	l.Warn("delivery_dropped", map[string]interface{}{
		"observer":  observerID,
		"execution": executionID,
		"frame":     frameType,
		"error":     err.Error(),
	})
}
