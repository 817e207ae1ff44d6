// Package logging builds the service's zerolog logger: human-readable
// console output plus, optionally, a rotated JSON log file.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configure New.
type Options struct {
	// Level is a zerolog level name; unknown values mean info. "off"
	// disables logging.
	Level string
	// File, when set, receives JSON lines rotated by lumberjack.
	File string
	// Console is where human-readable output goes (default os.Stderr).
	Console io.Writer
	// NoColor disables ANSI colors on the console.
	NoColor bool

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// ParseLevel maps a level name to a zerolog level.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "disabled", "none":
		return zerolog.Disabled
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// New returns the logger and a close function for the log file.
func New(o Options) (zerolog.Logger, func() error, error) {
	console := o.Console
	if console == nil {
		console = os.Stderr
	}
	writers := []io.Writer{zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339, NoColor: o.NoColor}}
	closer := func() error { return nil }
	if o.File != "" {
		if err := os.MkdirAll(filepath.Dir(o.File), 0o755); err != nil {
			return zerolog.Nop(), closer, err
		}
		lj := &lumberjack.Logger{
			Filename:   o.File,
			MaxSize:    orDefault(o.MaxSizeMB, 100),
			MaxBackups: orDefault(o.MaxBackups, 10),
			MaxAge:     orDefault(o.MaxAgeDays, 30),
			Compress:   true,
		}
		writers = append(writers, lj)
		closer = lj.Close
	}
	l := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseLevel(o.Level)).
		With().Timestamp().Logger()
	return l, closer, nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
