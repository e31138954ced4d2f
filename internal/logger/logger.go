package logger

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/johnpr01/tapo-session/internal/errors"
)

// LogLevel represents the severity of a log message
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
	LogLevelFatal LogLevel = "FATAL"
)

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp  time.Time              `json:"timestamp"`
	Level      LogLevel               `json:"level"`
	Component  string                 `json:"component"`
	Message    string                 `json:"message"`
	Error      string                 `json:"error,omitempty"`
	ErrorKind  string                 `json:"error_kind,omitempty"`
	Severity   string                 `json:"severity,omitempty"`
	DeviceHost string                 `json:"device_host,omitempty"`
	File       string                 `json:"file,omitempty"`
	Line       int                    `json:"line,omitempty"`
	Function   string                 `json:"function,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// Logger is the sink the protocol and device layers log through.
// Callers can inject any implementation; NewStdLogger is the default.
type Logger interface {
	Debug(message string, context ...map[string]interface{})
	Info(message string, context ...map[string]interface{})
	Warn(message string, context ...map[string]interface{})
	Error(message string, err error, context ...map[string]interface{})
	Fatal(message string, err error, context ...map[string]interface{})
	LogSessionError(err *errors.SessionError)
	WithContext(context map[string]interface{}) *ContextLogger
}

// stdLogger writes structured JSON log lines to stdout.
type stdLogger struct {
	component string
	out       *log.Logger
}

// NewStdLogger creates a Logger that writes structured JSON to stdout.
func NewStdLogger(component string) Logger {
	return &stdLogger{
		component: component,
		out:       log.New(os.Stdout, fmt.Sprintf("[%s] ", component), log.LstdFlags|log.Lshortfile),
	}
}

func (l *stdLogger) Debug(message string, context ...map[string]interface{}) {
	l.log(LogLevelDebug, message, nil, context...)
}

func (l *stdLogger) Info(message string, context ...map[string]interface{}) {
	l.log(LogLevelInfo, message, nil, context...)
}

func (l *stdLogger) Warn(message string, context ...map[string]interface{}) {
	l.log(LogLevelWarn, message, nil, context...)
}

func (l *stdLogger) Error(message string, err error, context ...map[string]interface{}) {
	l.log(LogLevelError, message, err, context...)
}

func (l *stdLogger) Fatal(message string, err error, context ...map[string]interface{}) {
	l.log(LogLevelFatal, message, err, context...)
	os.Exit(1)
}

// LogSessionError logs a *errors.SessionError with its full context.
func (l *stdLogger) LogSessionError(err *errors.SessionError) {
	if err == nil {
		return
	}

	entry := &LogEntry{
		Timestamp:  time.Now(),
		Level:      LogLevelError,
		Component:  l.component,
		Message:    err.Message,
		Error:      err.Error(),
		ErrorKind:  string(err.Kind),
		Severity:   string(err.Severity),
		DeviceHost: err.DeviceHost,
		File:       err.File,
		Line:       err.Line,
		Function:   err.Function,
		Context:    err.Context,
	}

	l.writeLog(entry)
}

func (l *stdLogger) log(level LogLevel, message string, err error, context ...map[string]interface{}) {
	entry := &LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Component: l.component,
		Message:   message,
		Context:   make(map[string]interface{}),
	}

	if err != nil {
		entry.Error = err.Error()

		if sessErr, ok := err.(*errors.SessionError); ok {
			entry.ErrorKind = string(sessErr.Kind)
			entry.Severity = string(sessErr.Severity)
			entry.DeviceHost = sessErr.DeviceHost
			entry.File = sessErr.File
			entry.Line = sessErr.Line
			entry.Function = sessErr.Function

			for k, v := range sessErr.Context {
				entry.Context[k] = v
			}
		}
	}

	if len(context) > 0 {
		for k, v := range context[0] {
			entry.Context[k] = v
		}
	}

	l.writeLog(entry)
}

// writeLog writes the log entry to stdout as JSON.
func (l *stdLogger) writeLog(entry *LogEntry) {
	if jsonData, err := json.Marshal(entry); err == nil {
		l.out.Println(string(jsonData))
	} else {
		l.out.Printf("[%s] %s: %s", entry.Level, entry.Message, entry.Error)
	}
}

// WithContext creates a ContextLogger with pre-set fields, e.g. device host.
func (l *stdLogger) WithContext(context map[string]interface{}) *ContextLogger {
	return &ContextLogger{
		logger:  l,
		context: context,
	}
}

// ContextLogger is a Logger with pre-bound context fields.
type ContextLogger struct {
	logger  Logger
	context map[string]interface{}
}

func (cl *ContextLogger) Debug(message string) {
	cl.logger.Debug(message, cl.context)
}

func (cl *ContextLogger) Info(message string) {
	cl.logger.Info(message, cl.context)
}

func (cl *ContextLogger) Warn(message string) {
	cl.logger.Warn(message, cl.context)
}

func (cl *ContextLogger) Error(message string, err error) {
	cl.logger.Error(message, err, cl.context)
}

func (cl *ContextLogger) Fatal(message string, err error) {
	cl.logger.Fatal(message, err, cl.context)
}

// NopLogger discards everything; useful for tests that don't assert on logs.
type NopLogger struct{}

func (NopLogger) Debug(string, ...map[string]interface{})        {}
func (NopLogger) Info(string, ...map[string]interface{})         {}
func (NopLogger) Warn(string, ...map[string]interface{})         {}
func (NopLogger) Error(string, error, ...map[string]interface{}) {}
func (NopLogger) Fatal(string, error, ...map[string]interface{}) {}
func (NopLogger) LogSessionError(*errors.SessionError)           {}
func (n NopLogger) WithContext(map[string]interface{}) *ContextLogger {
	return &ContextLogger{logger: n, context: nil}
}
