package config

import (
	"context"
	"log/slog"

	"github.com/obsidianstack/weatheragg/pkg/filewatch"
)

// Reload is delivered to Watch callers after a successful reload.
type Reload struct {
	Config *Config

	// RestartRequired lists changed settings that only take effect on restart.
	RestartRequired []string
}

// Watch reloads path whenever it changes and calls onChange with the result,
// until ctx is cancelled. current is the configuration in effect; each
// successful reload becomes the new baseline. A file that fails to parse or
// validate is logged and skipped.
func Watch(ctx context.Context, path string, current *Config, onChange func(Reload)) error {
	slog.Info("config: watching for changes", "path", path)
	return filewatch.Watch(ctx, path, 0, func() {
		next, err := Load(path)
		if err != nil {
			slog.Error("config: reload failed, keeping previous config", "path", path, "err", err)
			return
		}
		r := Reload{Config: next, RestartRequired: current.RestartRequired(next)}
		current = next
		slog.Info("config: reloaded", "path", path, "restart_required", r.RestartRequired)
		onChange(r)
	})
}
