// Package pipeline holds the background maintenance jobs that run next to
// the exit loop.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// Archiver periodically moves closed positions past the retention window
// into cold storage.
type Archiver struct {
	store     domain.Archiver
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewArchiver creates an Archiver keeping retentionDays of closed positions
// in the database.
func NewArchiver(store domain.Archiver, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		store:     store,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		logger:    logger.With(slog.String("component", "archiver")),
		now:       time.Now,
	}
}

// Run archives positions closed before now minus the retention window.
func (a *Archiver) Run(ctx context.Context) error {
	start := a.now().UTC()
	cutoff := start.Add(-a.retention)

	n, err := a.store.ArchiveClosedPositions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pipeline: archive positions closed before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	level := slog.LevelInfo
	if n == 0 {
		level = slog.LevelDebug
	}
	a.logger.Log(ctx, level, "archive pass complete",
		slog.Time("cutoff", cutoff),
		slog.Int64("archived", n),
		slog.Duration("took", a.now().UTC().Sub(start)),
	)
	return nil
}

// RunCron calls Run on the cron schedule expr until ctx ends. A failed
// pass is logged and retried at the next trigger.
func (a *Archiver) RunCron(ctx context.Context, expr string) error {
	sched, err := parseCron(expr)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	a.logger.InfoContext(ctx, "archiver scheduled", slog.String("cron", expr))

	for {
		at, err := sched.next(a.now().UTC())
		if err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}
		timer := time.NewTimer(time.Until(at))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if err := a.Run(ctx); err != nil {
			a.logger.ErrorContext(ctx, "archive pass failed",
				slog.Time("next_run", at),
				slog.String("error", err.Error()),
			)
		}
	}
}
