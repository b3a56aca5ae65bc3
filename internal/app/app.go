// Package app owns the process lifecycle: it wires stores, caches, the
// exchange gateway and the exit engine for the configured mode and runs
// them until the context ends.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/futuresbot/internal/config"
)

// modeFunc runs one operating mode on wired dependencies.
type modeFunc func(a *App, ctx context.Context, deps *Dependencies) error

var modes = map[string]modeFunc{
	"trade":    (*App).TradeMode,
	"monitor":  (*App).MonitorMode,
	"backtest": (*App).BacktestMode,
}

// App holds the configuration and the teardown of whatever Run wired.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	mu      sync.Mutex
	closers []func()
}

// New creates an App.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run wires dependencies for cfg.Mode and blocks in that mode until ctx is
// cancelled or the mode fails. The mode is checked before anything is
// dialled.
func (a *App) Run(ctx context.Context) error {
	run, ok := modes[a.cfg.Mode]
	if !ok {
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}

	a.logger.InfoContext(ctx, "starting futuresbot",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
		slog.Any("symbols", a.cfg.Engine.Symbols),
		slog.Bool("ladder_enabled", a.cfg.Ladder.Enabled),
	)
	for _, w := range a.cfg.Warnings() {
		a.logger.WarnContext(ctx, "config advisory", slog.String("warning", w))
	}

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire %s mode: %w", a.cfg.Mode, err)
	}
	a.onClose(cleanup)
	return run(a, ctx, deps)
}

func (a *App) onClose(fn func()) {
	a.mu.Lock()
	a.closers = append(a.closers, fn)
	a.mu.Unlock()
}

// Close releases everything Run wired, newest first. Later calls do nothing.
func (a *App) Close() {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()
	if len(closers) == 0 {
		return
	}
	a.logger.Info("releasing resources", slog.Int("count", len(closers)))
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}
