package logging

import (
	"log/slog"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where and how verbosely the application logs.
type Config struct {
	// Dir is the application's log directory: a "log/" subdirectory of the
	// per-user app-state directory.
	Dir string
	// Level is the minimum level written to the rotating file.
	Level slog.Level
	// Notifier receives error/critical records; nil is treated as a null
	// notifier.
	Notifier Notifier
	// OnCritical is invoked (once per critical record) after the record is
	// logged; the application wires this to its shutdown trigger.
	OnCritical func()
}

// Setup builds the rotating-file slog.Logger the rest of the runtime logs
// through, and installs it as the package-level default logger: a JSON
// handler, one log file per process, level selectable from configuration,
// retaining the last 5 sessions on disk.
func Setup(cfg Config) (*slog.Logger, func() error, error) {
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NewNullNotifier()
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, "qudicore.log"),
		MaxBackups: 5,
		MaxSize:    50, // megabytes
		Compress:   true,
	}
	// Start every process on a fresh file so each backup holds one session.
	if err := rotator.Rotate(); err != nil {
		return nil, nil, err
	}

	handler := &NotifyingHandler{
		Handler: slog.NewJSONHandler(rotator, &slog.HandlerOptions{
			Level: cfg.Level,
		}),
		Notifier:   notifier,
		OnCritical: cfg.OnCritical,
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, rotator.Close, nil
}

// ParseLevel maps the runtime's five-level vocabulary onto an slog.Level for
// handler configuration; "critical" records are still logged at
// slog.LevelError (see Critical) and are distinguished to the
// NotifyingHandler via an attribute, not a distinct slog level.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error", "critical":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
