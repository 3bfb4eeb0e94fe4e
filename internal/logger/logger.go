// Package logger provides structured logging setup for AgentHost.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/Strob0t/AgentHost/internal/config"
)

// level is shared by every logger built by New so SetLevel applies to all.
var level = new(slog.LevelVar)

// New creates a *slog.Logger from the given Logging config. Records carry
// a "service" attribute plus any ids stored in the record's context. With
// Async set, records are written by a background worker; the returned
// Closer flushes it.
func New(cfg config.Logging) (*slog.Logger, Closer) {
	return newLogger(cfg, os.Stdout, isTerminal(os.Stdout))
}

func newLogger(cfg config.Logging, w io.Writer, tty bool) (*slog.Logger, Closer) {
	level.Set(parseLevel(cfg.Level))
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch {
	case cfg.Format == "text", cfg.Format == "auto" && tty:
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	var closer Closer = nopCloser{}
	if cfg.Async {
		ah := NewAsyncHandler(handler, 10000, 1)
		handler, closer = ah, ah
	}

	// Outermost: the async worker drops the record's context.
	return slog.New(NewContextHandler(handler)).With("service", cfg.Service), closer
}

// SetLevel changes the level of every logger created by New.
func SetLevel(s string) { level.Set(parseLevel(s)) }

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd())) //nolint:gosec // fd fits in int
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
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
