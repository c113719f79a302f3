// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
)

// Formats lists the accepted log formats
var Formats = []string{"text", "json"}

// Levels lists the accepted log levels
var Levels = []string{"debug", "info", "warn", "error"}

var logLevel = new(slog.LevelVar)

// New creates a logger writing to w. Unknown levels fall back to info; an
// unknown format is an error.
func New(level, format string, w io.Writer) (*slog.Logger, error) {
	logLevel.Set(ParseLevel(level))

	opts := &slog.HandlerOptions{
		Level:       logLevel,
		AddSource:   true,
		ReplaceAttr: shortSource,
	}

	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q; must be one of %s", format, strings.Join(Formats, ", "))
	}
}

// LogLevel returns the level the last logger was created with
func LogLevel() slog.Level {
	return logLevel.Level()
}

// ParseLevel maps a level name to a slog.Level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// shortSource keeps only the last two directories and the file name of the
// source location
func shortSource(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.SourceKey {
		return a
	}
	src, ok := a.Value.Any().(*slog.Source)
	if !ok {
		return a
	}
	parts := strings.Split(filepath.ToSlash(src.File), "/")
	if len(parts) > 3 {
		parts = parts[len(parts)-3:]
	}
	src.File = filepath.Join(parts...)
	return a
}
