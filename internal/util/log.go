// Package util holds small shared helpers: logger construction and atomic
// JSON file persistence.
package util

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger at the requested level, falling back
// to info on an unknown level string.
func NewLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(lvl)
}

// NewFileLogger tees log output to stdout and the given file, creating the
// file if needed. An empty path behaves like NewLogger.
func NewFileLogger(level, path string) (zerolog.Logger, error) {
	if path == "" {
		return NewLogger(level), nil
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return NewLogger(level), err
	}
	lvl, perr := zerolog.ParseLevel(strings.ToLower(level))
	if perr != nil {
		lvl = zerolog.InfoLevel
	}
	writer := io.MultiWriter(os.Stdout, file)
	return zerolog.New(writer).With().Timestamp().Logger().Level(lvl), nil
}
