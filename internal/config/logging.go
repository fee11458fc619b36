package config

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// SetupLogger builds the process logger. The full stream goes as JSON to
// the log file; stderr only carries warnings and above so log lines don't
// interleave with the interactive chat output. When the file cannot be
// opened the logger degrades to stderr at the configured level.
func SetupLogger(logFile string, level slog.Level) (*slog.Logger, func() error) {
	stderrLevel := level
	if stderrLevel < slog.LevelWarn {
		stderrLevel = slog.LevelWarn
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		slog.Warn("log file unavailable, logging to stderr only", "file", logFile, "error", err)
		h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
		return slog.New(h), func() error { return nil }
	}

	logger := slog.New(slogmulti.Fanout(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: stderrLevel}),
		slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level}),
	))
	return logger, file.Close
}

// SetupLoggerWithWriters is the testing variant of SetupLogger, fanning
// out to the given writers at one shared level.
func SetupLoggerWithWriters(stderr, file io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slogmulti.Fanout(
		slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}),
		slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level}),
	))
}
