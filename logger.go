package nsq

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"sort"
	"strings"
)

// LogLevel is the minimum severity a logger emits.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	// LogLevelNone silences the logger.
	LogLevelNone
)

var logLevelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "NONE"}

func (l LogLevel) String() string {
	if l < 0 || int(l) >= len(logLevelNames) {
		return "UNKNOWN"
	}
	return logLevelNames[l]
}

// ParseLogLevel accepts the level names case-insensitively, plus "warning" and "off".
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LogLevelDebug, nil
	case "INFO", "":
		return LogLevelInfo, nil
	case "WARN", "WARNING":
		return LogLevelWarn, nil
	case "ERROR":
		return LogLevelError, nil
	case "NONE", "OFF":
		return LogLevelNone, nil
	}
	return LogLevelNone, fmt.Errorf("nsq: unknown log level %q", s)
}

// LogFields are structured key-value pairs attached to a log line.
type LogFields map[string]any

// Logger receives the connection's diagnostics. Each Conn derives its own
// logger with WithFields, adding the endpoint, topic and channel.
type Logger interface {
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Warn(msg string, fields LogFields)
	Error(msg string, fields LogFields)
	WithFields(fields LogFields) Logger
}

// NoOpLogger drops everything. It is the default.
type NoOpLogger struct{}

func NewNoOpLogger() *NoOpLogger { return &NoOpLogger{} }

func (*NoOpLogger) Debug(string, LogFields)       {}
func (*NoOpLogger) Info(string, LogFields)        {}
func (*NoOpLogger) Warn(string, LogFields)        {}
func (*NoOpLogger) Error(string, LogFields)       {}
func (n *NoOpLogger) WithFields(LogFields) Logger { return n }

// StdLogger writes one logfmt-style line per event through the log package:
//
//	2024/01/02 15:04:05 level=WARN msg="connection lost" channel=billing error="EOF" topic=orders
//
// Fields are sorted by name.
type StdLogger struct {
	out    *log.Logger
	level  LogLevel
	fields LogFields
}

// NewStdLogger writes to w, or to stderr when w is nil.
func NewStdLogger(w io.Writer, level LogLevel) *StdLogger {
	if w == nil {
		w = os.Stderr
	}
	return &StdLogger{out: log.New(w, "", log.LstdFlags), level: level}
}

func (s *StdLogger) Debug(msg string, fields LogFields) { s.write(LogLevelDebug, msg, fields) }
func (s *StdLogger) Info(msg string, fields LogFields)  { s.write(LogLevelInfo, msg, fields) }
func (s *StdLogger) Warn(msg string, fields LogFields)  { s.write(LogLevelWarn, msg, fields) }
func (s *StdLogger) Error(msg string, fields LogFields) { s.write(LogLevelError, msg, fields) }

func (s *StdLogger) WithFields(fields LogFields) Logger {
	return &StdLogger{out: s.out, level: s.level, fields: mergeFields(s.fields, fields)}
}

func (s *StdLogger) write(level LogLevel, msg string, fields LogFields) {
	if level < s.level {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "level=%s msg=%s", level, formatField(msg))

	all := mergeFields(s.fields, fields)
	for _, k := range sortedKeys(all) {
		fmt.Fprintf(&b, " %s=%s", k, formatField(all[k]))
	}

	s.out.Print(b.String())
}

func formatField(v any) string {
	switch v := v.(type) {
	case error:
		return fmt.Sprintf("%q", v.Error())
	case string:
		if strings.ContainsAny(v, " \"=") {
			return fmt.Sprintf("%q", v)
		}
		return v
	default:
		return fmt.Sprint(v)
	}
}

// SlogLogger forwards to a *slog.Logger. level filters before the handler
// sees the record, so LogLevelNone silences an otherwise verbose handler.
type SlogLogger struct {
	logger *slog.Logger
	level  LogLevel
}

// NewSlogLogger wraps logger, or slog.Default() when it is nil.
func NewSlogLogger(logger *slog.Logger, level LogLevel) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger, level: level}
}

func (s *SlogLogger) Debug(msg string, fields LogFields) { s.write(LogLevelDebug, msg, fields) }
func (s *SlogLogger) Info(msg string, fields LogFields)  { s.write(LogLevelInfo, msg, fields) }
func (s *SlogLogger) Warn(msg string, fields LogFields)  { s.write(LogLevelWarn, msg, fields) }
func (s *SlogLogger) Error(msg string, fields LogFields) { s.write(LogLevelError, msg, fields) }

func (s *SlogLogger) WithFields(fields LogFields) Logger {
	return &SlogLogger{logger: s.logger.With(slogArgs(fields)...), level: s.level}
}

var slogLevels = [...]slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError}

func (s *SlogLogger) write(level LogLevel, msg string, fields LogFields) {
	if level < s.level {
		return
	}
	s.logger.Log(context.Background(), slogLevels[level], msg, slogArgs(fields)...)
}

func slogArgs(fields LogFields) []any {
	args := make([]any, 0, len(fields))
	for _, k := range sortedKeys(fields) {
		v := fields[k]
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		args = append(args, slog.Any(k, v))
	}
	return args
}

func mergeFields(base, extra LogFields) LogFields {
	if len(extra) == 0 {
		return base
	}
	merged := make(LogFields, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

func sortedKeys(fields LogFields) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Field names used by Conn and the extensions.
const (
	LogFieldEndpoint   = "endpoint"
	LogFieldTopic      = "topic"
	LogFieldChannel    = "channel"
	LogFieldMessageID  = "message_id"
	LogFieldFrameType  = "frame_type"
	LogFieldCommand    = "command"
	LogFieldGeneration = "generation"
	LogFieldAttempt    = "attempt"
	LogFieldError      = "error"
	LogFieldDuration   = "duration"
	LogFieldBytes      = "bytes"
)
