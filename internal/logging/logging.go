// Package logging builds the process logger: a text handler on stderr and,
// when configured, a JSON file handler fanned out beside it.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// Options selects level and outputs.
type Options struct {
	Level  string    // debug, info, warn or error
	File   string    // optional JSON log path
	Stderr io.Writer // defaults to os.Stderr
}

// ParseLevel maps a level name to slog; unknown names are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns the logger and a closer for the log file. The closer is a
// no-op when no file is configured.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	level := new(slog.LevelVar)
	level.Set(ParseLevel(opts.Level))

	w := opts.Stderr
	if w == nil {
		w = os.Stderr
	}
	handlers := []slog.Handler{slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		closer = f
	}
	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
