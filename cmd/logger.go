package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mboxrd/config"
)

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

// setupLogger logs text to stderr and, with a logDir, to a timestamped file
// as well. The returned cleanup closes that file.
func setupLogger(level, logDir string) (*slog.Logger, func() error, error) {
	lv := new(slog.LevelVar)
	lv.Set(parseLevel(level))

	opts := &slog.HandlerOptions{Level: lv}
	cleanup := func() error { return nil }

	if logDir == "" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), cleanup, nil
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, cleanup, err
	}

	logFilePath := filepath.Join(logDir, fmt.Sprintf("mboxrd-%s.log", time.Now().Format("20060102T150405")))
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, cleanup, err
	}

	handler := slog.NewTextHandler(io.MultiWriter(os.Stderr, file), opts)
	return slog.New(handler), file.Close, nil
}

// commandLogger builds the logger for a subcommand from its --log-level and
// --log-dir flags.
func commandLogger(cmd *cobra.Command) (*slog.Logger, func() error, error) {
	level, dir, err := config.LoadLogFlags(cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	return setupLogger(level, dir)
}
