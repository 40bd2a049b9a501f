package logging

import (
	"log/slog"
	"os"
)

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format at info level, everything else uses
// human-readable text at debug level.
func NewLogger(env string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// ForComponent returns a child logger tagged with the component name.
// Every long-lived subsystem (scheduler, relay, watcher) logs through
// one of these so events can be filtered per component.
func ForComponent(logger *slog.Logger, name string) *slog.Logger {
	return logger.With(slog.String("component", name))
}
