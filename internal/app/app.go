// Package app assembles the engine from configuration: it wires the optional
// backends, builds the venue adapters and runs the pipeline in the selected
// mode until shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/simplearb/internal/config"
)

// App owns the configuration and the cleanup of everything Run opened.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

func New(cfg *config.Config, logger *slog.Logger) *App {
	cfg.Mode = strings.ToLower(cfg.Mode)
	return &App{cfg: cfg, logger: logger}
}

// modeRunner runs the engine in one mode until ctx ends.
type modeRunner func(a *App, ctx context.Context, deps *Dependencies) error

var modes = map[string]modeRunner{
	"live":    (*App).LiveMode,
	"paper":   (*App).PaperMode,
	"monitor": (*App).MonitorMode,
}

// Run wires the backends and blocks in the configured mode until ctx is
// cancelled and the engine has drained. Call Close afterwards.
func (a *App) Run(ctx context.Context) error {
	run, ok := modes[a.cfg.Mode]
	if !ok {
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.Int("venues", len(a.cfg.Venues)),
		slog.Any("instruments", a.cfg.Instruments),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.closers = append(a.closers, cleanup)
	return run(a, ctx, deps)
}

// Close releases resources in reverse order. Later calls do nothing.
func (a *App) Close() {
	if len(a.closers) == 0 {
		return
	}
	a.logger.Info("releasing resources", slog.Int("count", len(a.closers)))
	for _, c := range a.closers {
		defer c()
	}
	a.closers = nil
}
