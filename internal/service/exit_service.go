package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/futuresbot/internal/domain"
	"github.com/alanyoungcy/futuresbot/internal/exitpolicy"
	"github.com/alanyoungcy/futuresbot/internal/ladder"
	"github.com/alanyoungcy/futuresbot/internal/observability"
)

// Closer executes a partial close. *executor.Adapter satisfies it.
type Closer interface {
	ClosePartial(ctx context.Context, pos domain.Position, instr domain.PartialCloseInstruction) domain.PartialCloseOutcome
}

// Evaluation outcomes reported to metrics.
const (
	OutcomeHold       = "hold"
	OutcomePartial    = "partial"
	OutcomeClosed     = "closed"
	OutcomeFailed     = "failed"
	OutcomeLocked     = "locked"
	OutcomeNoPrice    = "no_price"
	OutcomeStalePrice = "stale_price"
)

// ExitConfig tunes the decision loop.
type ExitConfig struct {
	Interval         time.Duration
	Workers          int
	LockTTL          time.Duration
	MaxPriceAge      time.Duration
	LadderEnabled    bool
	FallbackToSingle bool
}

// ExitService is the decision loop. Each tick it evaluates every open
// position against the ladder (or the ATR tiers when the ladder is off),
// the protective stop, the holding time limit and the regime filter, and
// hands any resulting close to the Closer.
type ExitService struct {
	positions  *PositionService
	prices     domain.PriceCache
	indicators domain.IndicatorSource
	locks      domain.LockManager
	closer     Closer
	ladder     *ladder.Controller
	exits      *exitpolicy.Engine
	tracker    *ladder.Tracker
	metrics    *observability.Metrics
	cfg        ExitConfig
	logger     *slog.Logger
	now        func() time.Time
}

// NewExitService creates an ExitService. indicators, locks and metrics may
// be nil.
func NewExitService(
	positions *PositionService,
	prices domain.PriceCache,
	indicators domain.IndicatorSource,
	locks domain.LockManager,
	closer Closer,
	ctrl *ladder.Controller,
	exits *exitpolicy.Engine,
	tracker *ladder.Tracker,
	metrics *observability.Metrics,
	cfg ExitConfig,
	logger *slog.Logger,
) *ExitService {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &ExitService{
		positions:  positions,
		prices:     prices,
		indicators: indicators,
		locks:      locks,
		closer:     closer,
		ladder:     ctrl,
		exits:      exits,
		tracker:    tracker,
		metrics:    metrics,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "exit_service")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run ticks until ctx is cancelled.
func (s *ExitService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "exit loop started",
		slog.Duration("interval", s.cfg.Interval),
		slog.Int("workers", s.cfg.Workers),
		slog.Bool("ladder_enabled", s.cfg.LadderEnabled),
	)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("exit loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Tick evaluates every open position once, fanning out across symbols.
func (s *ExitService) Tick(ctx context.Context) error {
	start := time.Now()
	open := s.positions.List()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, pos := range open {
		symbol := pos.Symbol
		g.Go(func() error {
			if err := s.EvaluateSymbol(gctx, symbol); err != nil {
				s.logger.WarnContext(gctx, "evaluation failed",
					slog.String("symbol", symbol),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	err := g.Wait()
	s.metrics.ObserveTick(time.Since(start).Seconds(), s.positions.Count())
	return err
}

// EvaluateSymbol runs one decision step for symbol under its lock. A lock
// held by another process or a missing or stale price skips the step.
func (s *ExitService) EvaluateSymbol(ctx context.Context, symbol string) error {
	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, "exit:"+symbol, s.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				s.metrics.RecordEvaluation(OutcomeLocked)
				return nil
			}
			return fmt.Errorf("exit_service: lock %s: %w", symbol, err)
		}
		defer unlock()
	}

	pos, ok := s.positions.Get(symbol)
	if !ok {
		return nil
	}

	price, at, err := s.prices.GetPrice(ctx, symbol)
	if err != nil {
		s.metrics.RecordEvaluation(OutcomeNoPrice)
		if errors.Is(err, domain.ErrNotFound) {
			s.logger.DebugContext(ctx, "no price yet", slog.String("symbol", symbol))
			return nil
		}
		return fmt.Errorf("exit_service: price %s: %w", symbol, err)
	}
	if s.cfg.MaxPriceAge > 0 && !at.IsZero() && s.now().Sub(at) > s.cfg.MaxPriceAge {
		s.metrics.RecordEvaluation(OutcomeStalePrice)
		s.logger.WarnContext(ctx, "stale price, skipping",
			slog.String("symbol", symbol),
			slog.Time("price_at", at),
		)
		return nil
	}

	snap := domain.IndicatorSnapshot{Symbol: symbol}
	if s.indicators != nil {
		if got, err := s.indicators.Snapshot(ctx, symbol); err != nil {
			s.logger.WarnContext(ctx, "indicator snapshot unavailable",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		} else {
			snap = got
		}
	}

	outcome := s.Step(ctx, pos, price, snap)
	s.metrics.RecordEvaluation(outcome)
	return nil
}

// CloseManual flattens the open position on symbol at the current price.
// It fails with domain.ErrNotFound when nothing is open and with
// domain.ErrLockHeld when another evaluation owns the symbol.
func (s *ExitService) CloseManual(ctx context.Context, symbol string) (domain.Position, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, "exit:"+symbol, s.cfg.LockTTL)
		if err != nil {
			return domain.Position{}, fmt.Errorf("exit_service: lock %s: %w", symbol, err)
		}
		defer unlock()
	}

	pos, ok := s.positions.Get(symbol)
	if !ok {
		return domain.Position{}, fmt.Errorf("exit_service: %s: %w", symbol, domain.ErrNotFound)
	}
	price, _, err := s.prices.GetPrice(ctx, pos.Symbol)
	if err != nil {
		return domain.Position{}, fmt.Errorf("exit_service: price %s: %w", pos.Symbol, err)
	}

	outcome, closed := s.apply(ctx, pos, closeAll(pos, price), domain.ExitReasonManual)
	if outcome == OutcomeFailed {
		return domain.Position{}, fmt.Errorf("exit_service: manual close %s failed", pos.Symbol)
	}
	return closed, nil
}

// Step runs every exit rule for pos at price in a fixed order: stop
// adjustments, profit taking, then the protective stop, time and regime
// exits. At most one close is executed per step.
func (s *ExitService) Step(ctx context.Context, pos domain.Position, price float64, snap domain.IndicatorSnapshot) string {
	log := s.logger.With(slog.String("symbol", pos.Symbol), slog.String("position_id", pos.ID))

	if adj, ok := s.exits.UpdateStops(pos, price, snap.ATR, snap.MomentumReversed); ok {
		updated, _, err := s.positions.ApplyStop(ctx, pos, adj.NewStop, string(adj.Reason))
		if err != nil {
			log.WarnContext(ctx, "stop update not persisted", slog.String("error", err.Error()))
		} else {
			pos = updated
		}
	}

	if s.cfg.LadderEnabled {
		if outcome, done := s.stepLadder(ctx, pos, price); done {
			return outcome
		}
	} else if dec, ok := s.exits.CheckPartialExits(pos, price, snap.ATR); ok {
		instr := domain.PartialCloseInstruction{
			Symbol:         pos.Symbol,
			Level:          dec.Tier.Level(),
			TargetPrice:    price,
			CloseFraction:  dec.Fraction,
			Quantity:       dec.Quantity,
			NewStopLoss:    pos.StopLoss,
			CloseRemaining: dec.CloseRemaining,
			Source:         domain.ExitSourceATRPolicy,
		}
		outcome := s.execute(ctx, pos, instr, "")
		if outcome == OutcomeFailed {
			s.exits.Release(pos.Symbol, dec.Tier)
		}
		return outcome
	}

	switch {
	case pos.StopHit(price):
		return s.fullExit(ctx, pos, price, domain.ExitReasonStopLoss)
	case s.exits.CheckTimeExit(pos, s.now()):
		return s.fullExit(ctx, pos, price, domain.ExitReasonTime)
	case s.exits.CheckRegimeExit(pos, snap.CurrentRegime, snap.PreviousRegime):
		return s.fullExit(ctx, pos, price, domain.ExitReasonRegime)
	}
	return OutcomeHold
}

// stepLadder evaluates the take-profit ladder. done is false when nothing
// fired and the remaining rules should run.
func (s *ExitService) stepLadder(ctx context.Context, pos domain.Position, price float64) (string, bool) {
	if s.ladder.Complete(pos) && !pos.IsFlat() {
		return s.fullExit(ctx, pos, price, domain.ExitReasonLadderComplete), true
	}

	if s.tracker.InFallback(pos.Symbol) {
		return s.singleTarget(ctx, pos, price)
	}

	ev := s.ladder.EvaluateDetailed(pos, price)
	for _, lvl := range ev.Skipped {
		s.metrics.RecordLevelSkipped(strconv.Itoa(lvl))
	}
	if ev.Fallback {
		s.positions.RecordFallback(ctx, pos)
		return s.singleTarget(ctx, pos, price)
	}
	if !ev.Found {
		return "", false
	}
	return s.execute(ctx, pos, ev.Instruction, ""), true
}

func (s *ExitService) singleTarget(ctx context.Context, pos domain.Position, price float64) (string, bool) {
	if !s.cfg.FallbackToSingle {
		return "", false
	}
	if !pos.Side.Reached(price, s.ladder.SingleTarget(pos)) {
		return "", false
	}
	return s.fullExit(ctx, pos, price, domain.ExitReasonSingleTP), true
}

// fullExit closes everything still open on pos.
func (s *ExitService) fullExit(ctx context.Context, pos domain.Position, price float64, reason string) string {
	return s.execute(ctx, pos, closeAll(pos, price), reason)
}

func closeAll(pos domain.Position, price float64) domain.PartialCloseInstruction {
	return domain.PartialCloseInstruction{
		Symbol:         pos.Symbol,
		TargetPrice:    price,
		CloseFraction:  pos.RemainingFraction(),
		Quantity:       pos.Quantity,
		NewStopLoss:    pos.StopLoss,
		CloseRemaining: true,
		Source:         domain.ExitSourceFull,
	}
}

func (s *ExitService) execute(ctx context.Context, pos domain.Position, instr domain.PartialCloseInstruction, reason string) string {
	outcome, _ := s.apply(ctx, pos, instr, reason)
	return outcome
}

func (s *ExitService) apply(ctx context.Context, pos domain.Position, instr domain.PartialCloseInstruction, reason string) (string, domain.Position) {
	outcome := s.closer.ClosePartial(ctx, pos, instr)
	if !outcome.Success {
		s.positions.RecordFailure(ctx, pos, instr, outcome)
		return OutcomeFailed, pos
	}
	updated, err := s.positions.ApplyPartialClose(ctx, pos, instr, outcome, reason)
	if err != nil {
		s.logger.ErrorContext(ctx, "apply partial close",
			slog.String("symbol", pos.Symbol),
			slog.String("error", err.Error()),
		)
	}
	if updated.Status == domain.PositionStatusClosed {
		return OutcomeClosed, updated
	}
	return OutcomePartial, updated
}
