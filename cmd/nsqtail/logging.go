package main

import (
	"io"
	"log/slog"
	"strings"

	"github.com/vitalvas/nsq"
)

// newLogger builds the process logger and the matching nsq.Logger adapter.
func newLogger(cfg LoggingConfig, w io.Writer) (*slog.Logger, nsq.Logger) {
	level, nsqLevel := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler).With(slog.String("service", "nsqtail"), slog.String("version", version))
	return logger, nsq.NewSlogLogger(logger, nsqLevel)
}

// parseLevel defaults to info if unrecognised.
func parseLevel(level string) (slog.Level, nsq.LogLevel) {
	nsqLevel, err := nsq.ParseLogLevel(level)
	if err != nil || nsqLevel == nsq.LogLevelNone {
		nsqLevel = nsq.LogLevelInfo
	}

	levels := map[nsq.LogLevel]slog.Level{
		nsq.LogLevelDebug: slog.LevelDebug,
		nsq.LogLevelInfo:  slog.LevelInfo,
		nsq.LogLevelWarn:  slog.LevelWarn,
		nsq.LogLevelError: slog.LevelError,
	}
	return levels[nsqLevel], nsqLevel
}
