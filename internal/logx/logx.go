// Package logx provides the structured-logging convention shared by every
// component of the engine: a component-tagged slog.Logger, one per
// translation unit, the same way the original C sources define a
// LOG_PREFIX per file.
package logx

import (
	"log/slog"
	"os"
	"sync"
)

var (
	mu      sync.Mutex
	base    = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
)

// SetLevel replaces the base handler with one at the given minimum level.
// Only loggers returned by later For calls use it; loggers already
// created keep the handler they were created with.
func SetLevel(level slog.Level) {
	mu.Lock()
	defer mu.Unlock()
	base = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// For returns a logger tagged with the given component name, mirroring the
// per-file LOG_PREFIX convention of the original engine (e.g. "metainfo",
// "dal/posix", "ioqueue", "threadqueue", "iothread", "erasure").
func For(component string) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return base.With("component", component)
}
