// Package logx builds the zerolog loggers used by the commands.
package logx

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Formats accepted by New.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// New returns a logger writing to w. Console output carries RFC3339
// timestamps and a padded file:line caller; JSON output is one object per
// line, suitable for long batch builds whose logs are collected.
func New(w io.Writer, level zerolog.Level, format string) zerolog.Logger {
	if format == FormatJSON {
		return zerolog.New(w).Level(level).With().Timestamp().Logger()
	}
	zerolog.CallerMarshalFunc = shortCaller
	output := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return zerolog.New(output).Level(level).With().Timestamp().Caller().Logger()
}

// shortCaller trims the caller to its file name, padded for alignment.
func shortCaller(pc uintptr, file string, line int) string {
	return fmt.Sprintf("%-28s", fmt.Sprintf("%s:%d", filepath.Base(file), line))
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(name string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
