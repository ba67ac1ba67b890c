// Package logging sets up the application's structured logger and the
// level-dependent user notification surface (popup vs console) described in
// the error handling design.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/term"
)

// Level mirrors the five log levels the runtime reasons about. It is
// distinct from slog.Level because "critical" has no stdlib equivalent.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Notifier surfaces error/critical records to whatever is watching the
// process: a console in headless mode, a GUI modal when one is attached.
// A single-method shape so a GUI layer outside this package can satisfy it
// identically to the console implementation.
type Notifier interface {
	Notify(ctx context.Context, level Level, msg string)
}

type consoleNotifier struct {
	writer   io.Writer
	colorize bool
}

// NewConsoleNotifier returns a Notifier that prints error/critical records
// to writer as a structured, clearly-marked console line, colorized only
// when writer is a real terminal. This is the headless-mode degradation of
// a GUI modal popup.
func NewConsoleNotifier(writer io.Writer) Notifier {
	colorize := false
	if f, ok := writer.(interface{ Fd() uintptr }); ok {
		colorize = term.IsTerminal(int(f.Fd()))
	}
	return &consoleNotifier{writer: writer, colorize: colorize}
}

func (c *consoleNotifier) Notify(ctx context.Context, level Level, msg string) {
	if level < LevelError {
		return
	}
	line := fmt.Sprintf("[%s] %s", level, msg)
	if c.colorize {
		line = "\033[91m" + line + "\033[0m"
	}
	fmt.Fprintln(c.writer, line)
}

type nullNotifier struct{}

// NewNullNotifier returns a Notifier that shows nothing to the user; each
// notification only becomes a debug-level record on slog's default logger.
// Used by tests and by embedders that drive their own notification surface.
func NewNullNotifier() Notifier {
	return &nullNotifier{}
}

func (n *nullNotifier) Notify(ctx context.Context, level Level, msg string) {
	slog.DebugContext(ctx, "notify (null notifier)", "level", level.String(), "msg", msg)
}

// NotifyingHandler wraps an slog.Handler and forwards error/critical records
// to a Notifier, and critical records to an optional shutdown trigger.
type NotifyingHandler struct {
	slog.Handler
	Notifier Notifier
	OnCritical func()
}

func (h *NotifyingHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelError {
		level := LevelError
		if isCritical(r) {
			level = LevelCritical
		}
		if h.Notifier != nil {
			h.Notifier.Notify(ctx, level, r.Message)
		}
		if level == LevelCritical && h.OnCritical != nil {
			h.OnCritical()
		}
	}
	return h.Handler.Handle(ctx, r)
}

// isCritical looks for the sentinel attribute set by CriticalContext.
func isCritical(r slog.Record) bool {
	critical := false
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == criticalAttrKey && a.Value.Kind() == slog.KindBool && a.Value.Bool() {
			critical = true
			return false
		}
		return true
	})
	return critical
}

const criticalAttrKey = "__critical"

// Critical logs msg at error level tagged as a critical record: the
// application's NotifyingHandler treats it as grounds for orderly shutdown.
func Critical(ctx context.Context, logger *slog.Logger, msg string, args ...any) {
	args = append(args, slog.Bool(criticalAttrKey, true))
	logger.ErrorContext(ctx, msg, args...)
}
