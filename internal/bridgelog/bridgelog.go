// Package bridgelog provides a thin, consistent log/slog wrapper so every
// component logs with the same component/kind attribute shape.
package bridgelog

import (
	"log/slog"
	"os"
	"sync"
)

var (
	once sync.Once
	base *slog.Logger
)

// Root returns the process-wide base logger, initializing it on first use.
func Root() *slog.Logger {
	once.Do(func() {
		base = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: levelFromEnv(),
		}))
	})
	return base
}

// SetRoot overrides the process-wide base logger. Used by tests and by the
// entrypoint's file logging.
func SetRoot(l *slog.Logger) {
	once.Do(func() {})
	base = l
}

// For returns a logger scoped to the given component name, e.g. "registry"
// or "devtools".
func For(component string) *slog.Logger {
	return Root().With(slog.String("component", component))
}

func levelFromEnv() slog.Level {
	switch os.Getenv("BROP_LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
