package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// setupLogger builds the process logger. When file is set, records go to
// stdout and to the file; the returned closer is the file and is nil
// otherwise.
func setupLogger(level, format, file string) (*slog.Logger, io.Closer, error) {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var out io.Writer = os.Stdout
	var sink *os.File
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		sink = f
		out = io.MultiWriter(os.Stdout, f)
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	logger := slog.New(handler).With(
		"service", appName,
		"version", Version,
		"pid", os.Getpid(),
	)
	if sink == nil {
		return logger, nil, nil
	}
	return logger, sink, nil
}
