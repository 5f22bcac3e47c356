package observability

import (
	"log/slog"
	"os"
)

// NewLogger returns the process logger: JSON in production, text elsewhere.
// Local environments log at debug so reconciliation skips are visible.
func NewLogger(env string) *slog.Logger {
	switch env {
	case "prod", "production":
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	case "local", "dev", "development":
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
}
