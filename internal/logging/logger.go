package logging

import (
	"log/slog"
	"os"
)

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format at info level, development uses
// human-readable text at debug level. Logs go to stderr so command
// output on stdout stays machine-readable.
func NewLogger(env string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env == "production" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
