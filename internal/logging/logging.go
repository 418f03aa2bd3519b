// Package logging wires slog to stdout and a per-day file in the data
// directory. Rotation of old files is left to the platform installer.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Setup installs the default slog logger. The returned closer flushes the
// log file; callers defer it in main.
func Setup(logsDir, level string) (func(), error) {
	lvl := parseLevel(level)

	writer := io.Writer(os.Stdout)
	closer := func() {}

	if logsDir != "" {
		if err := os.MkdirAll(logsDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating logs directory: %w", err)
		}
		name := fmt.Sprintf("agent-%s.log", time.Now().Format("2006-01-02"))
		f, err := os.OpenFile(filepath.Join(logsDir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		writer = io.MultiWriter(os.Stdout, f)
		closer = func() { f.Close() }
	}

	logger := slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return closer, nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
