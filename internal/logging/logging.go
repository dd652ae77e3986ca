// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	slogmulti "github.com/samber/slog-multi"
)

// Setup configures the global slog logger.
// Console output goes to stderr, leaving stdout for listings and codec output.
// If dir is non-empty, logs are also written as JSON to a timestamped file there.
func Setup(level string, dir string) error {
	l, _, err := New(os.Stderr, level, dir)
	if err != nil {
		return err
	}
	slog.SetDefault(l)
	return nil
}

// New builds the logger that Setup installs. It returns the log file's path, if any.
func New(console io.Writer, level string, dir string) (*slog.Logger, string, error) {
	lv, err := ParseLevel(level)
	if err != nil {
		return nil, "", err
	}

	consoleHandler := tint.NewHandler(console, &tint.Options{
		Level:      lv,
		TimeFormat: time.TimeOnly,
		NoColor:    !isTerminal(console),
	})
	if dir == "" {
		return slog.New(consoleHandler), "", nil
	}

	dir = os.ExpandEnv(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("failed to create log directory: %w", err)
	}
	name := filepath.Join(dir, fmt.Sprintf("multiarc_%s.log", time.Now().Format("20060102_150405")))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create log file: %w", err)
	}
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: lv})

	return slog.New(slogmulti.Fanout(consoleHandler, fileHandler)), name, nil
}

// ParseLevel converts a level name to slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug", "trace":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "fatal":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}
