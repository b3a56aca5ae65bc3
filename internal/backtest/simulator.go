// Package backtest replays candle series through the take-profit ladder and
// the ATR exit engine with fills simulated at trigger prices. No orders are
// sent; the closed positions it produces feed the scaled take-profit
// analytics.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/futuresbot/internal/domain"
	"github.com/alanyoungcy/futuresbot/internal/exitpolicy"
	"github.com/alanyoungcy/futuresbot/internal/ladder"
)

// Config describes the simulated trades.
type Config struct {
	Symbol   string
	Side     domain.Side
	Quantity float64
	// StopFraction places the initial stop this far from entry (0.02 = 2%).
	// Zero starts without a stop.
	StopFraction     float64
	LadderEnabled    bool
	FallbackToSingle bool
	// Reenter opens a fresh position at the close of the bar that closed
	// the previous one.
	Reenter bool
}

// Validate rejects configurations the simulator cannot run.
func (c Config) Validate() error {
	var errs []error
	if c.Symbol == "" {
		errs = append(errs, errors.New("symbol is required"))
	}
	if !c.Side.Valid() {
		errs = append(errs, fmt.Errorf("side must be LONG or SHORT, got %q", c.Side))
	}
	if c.Quantity <= 0 {
		errs = append(errs, errors.New("quantity must be > 0"))
	}
	if c.StopFraction < 0 || c.StopFraction >= 1 {
		errs = append(errs, errors.New("stop_fraction must be in [0, 1)"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("backtest: invalid config: %w", err)
	}
	return nil
}

// Result is the outcome of one replay.
type Result struct {
	Symbol    string            `json:"symbol"`
	Candles   int               `json:"candles"`
	Positions []domain.Position `json:"positions"`
	From      time.Time         `json:"from"`
	To        time.Time         `json:"to"`
}

// Simulator replays candles. It owns its own exit engine so that tier state
// never leaks into a live engine.
type Simulator struct {
	ladder *ladder.Controller
	exits  *exitpolicy.Engine
	cfg    Config
	logger *slog.Logger
}

// NewSimulator creates a Simulator.
func NewSimulator(ctrl *ladder.Controller, exitCfg exitpolicy.Config, cfg Config, logger *slog.Logger) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if exitCfg.MinOrderSize == 0 {
		exitCfg.MinOrderSize = ctrl.MinOrderSize()
	}
	exits, err := exitpolicy.New(exitCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("backtest: %w", err)
	}
	return &Simulator{
		ladder: ctrl,
		exits:  exits,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "backtest"), slog.String("symbol", cfg.Symbol)),
	}, nil
}

// run holds the per-replay state.
type run struct {
	pos      domain.Position
	open     bool
	fallback bool
	seq      int
}

// Run replays candles in order. The first position enters at the first
// bar's close; a position still open after the last bar is closed at its
// close with reason end_of_data.
func (s *Simulator) Run(ctx context.Context, candles []Candle) (Result, error) {
	if len(candles) < 2 {
		return Result{}, fmt.Errorf("backtest: need at least 2 candles, got %d", len(candles))
	}
	res := Result{
		Symbol:  s.cfg.Symbol,
		Candles: len(candles),
		From:    candles[0].Time,
		To:      candles[len(candles)-1].Time,
	}

	var st run
	s.enter(&st, candles[0])
	prevRegime := candles[0].Regime

	for i, c := range candles[1:] {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return res, err
			}
		}
		if !st.open {
			break
		}

		if reason, price, closed := s.step(&st, c, prevRegime); closed {
			res.Positions = append(res.Positions, s.close(&st, price, reason, c.Time))
			if s.cfg.Reenter {
				s.enter(&st, c)
			}
		}
		prevRegime = c.Regime
	}

	if st.open {
		last := candles[len(candles)-1]
		res.Positions = append(res.Positions, s.close(&st, last.Close, domain.ExitReasonEndOfData, last.Time))
	}

	s.logger.Info("backtest finished",
		slog.Int("candles", res.Candles),
		slog.Int("trades", len(res.Positions)),
	)
	return res, nil
}

func (s *Simulator) enter(st *run, c Candle) {
	st.seq++
	stop := 0.0
	if s.cfg.StopFraction > 0 {
		stop = c.Close * (1 - s.cfg.StopFraction)
		if s.cfg.Side == domain.SideShort {
			stop = c.Close * (1 + s.cfg.StopFraction)
		}
	}
	st.pos = domain.Position{
		ID:               fmt.Sprintf("bt-%s-%d", s.cfg.Symbol, st.seq),
		Symbol:           s.cfg.Symbol,
		Side:             s.cfg.Side,
		EntryPrice:       c.Close,
		Quantity:         s.cfg.Quantity,
		OriginalQuantity: s.cfg.Quantity,
		Leverage:         1,
		StopLoss:         stop,
		EntryTime:        c.Time,
		LevelsHit:        []int{},
		PartialExits:     []domain.PartialExit{},
		Status:           domain.PositionStatusOpen,
		UpdatedAt:        c.Time,
	}
	st.open = true
	st.fallback = false
	s.exits.Reset(s.cfg.Symbol)
}

// step applies one bar. The adverse extreme is checked against the stop
// before the favourable extreme is offered to the ladder, so a bar that
// spans both is scored as a stop.
func (s *Simulator) step(st *run, c Candle, prevRegime domain.Regime) (string, float64, bool) {
	pos := st.pos
	side := pos.Side
	adverse, favourable := c.Low, c.High
	if side == domain.SideShort {
		adverse, favourable = c.High, c.Low
	}

	if pos.StopHit(adverse) {
		fill := pos.StopLoss
		// A bar that opens through the stop fills at the open.
		if pos.StopHit(c.Open) {
			fill = c.Open
		}
		return domain.ExitReasonStopLoss, fill, true
	}

	if adj, ok := s.exits.UpdateStops(pos, c.Close, c.ATR, false); ok {
		pos.StopLoss = adj.NewStop
	}

	if s.cfg.LadderEnabled {
		if !st.fallback {
			levels := s.ladder.ApplicableLevels(pos, favourable)
			for _, instr := range levels {
				pos = ladder.Apply(pos, instr, instr.Quantity, instr.TargetPrice, c.Time)
			}
			if len(levels) == 0 && s.ladder.EvaluateDetailed(pos, favourable).Fallback {
				st.fallback = true
			}
		}
		if st.fallback && s.cfg.FallbackToSingle {
			target := s.ladder.SingleTarget(pos)
			if side.Reached(favourable, target) {
				st.pos = pos
				return domain.ExitReasonSingleTP, target, true
			}
		}
		if pos.IsFlat() {
			st.pos = pos
			return domain.ExitReasonLadderComplete, lastFillPrice(pos, c.Close), true
		}
		if s.ladder.Complete(pos) {
			st.pos = pos
			return domain.ExitReasonLadderComplete, c.Close, true
		}
	} else {
		for range 3 {
			dec, ok := s.exits.CheckPartialExits(pos, c.Close, c.ATR)
			if !ok {
				break
			}
			instr := domain.PartialCloseInstruction{
				Symbol:         pos.Symbol,
				Level:          dec.Tier.Level(),
				TargetPrice:    c.Close,
				CloseFraction:  dec.Fraction,
				Quantity:       dec.Quantity,
				NewStopLoss:    pos.StopLoss,
				CloseRemaining: dec.CloseRemaining,
				Source:         domain.ExitSourceATRPolicy,
			}
			pos = ladder.Apply(pos, instr, instr.Quantity, c.Close, c.Time)
			if pos.IsFlat() {
				st.pos = pos
				return domain.ExitReasonATRFinal, c.Close, true
			}
		}
	}

	st.pos = pos
	switch {
	case s.exits.CheckTimeExit(pos, c.Time):
		return domain.ExitReasonTime, c.Close, true
	case s.exits.CheckRegimeExit(pos, c.Regime, prevRegime):
		return domain.ExitReasonRegime, c.Close, true
	}
	return "", 0, false
}

func lastFillPrice(pos domain.Position, fallback float64) float64 {
	if n := len(pos.PartialExits); n > 0 {
		return pos.PartialExits[n-1].Price
	}
	return fallback
}

// close books whatever is still open at price and finalises the position.
func (s *Simulator) close(st *run, price float64, reason string, at time.Time) domain.Position {
	pos := st.pos
	if !pos.IsFlat() {
		pos = ladder.Apply(pos, domain.PartialCloseInstruction{
			Symbol:         pos.Symbol,
			TargetPrice:    price,
			CloseFraction:  pos.RemainingFraction(),
			Quantity:       pos.Quantity,
			NewStopLoss:    pos.StopLoss,
			CloseRemaining: true,
			Source:         domain.ExitSourceFull,
		}, pos.Quantity, price, at)
	}
	closedAt := at
	pos.Status = domain.PositionStatusClosed
	pos.ExitPrice = &price
	pos.ExitReason = reason
	pos.ClosedAt = &closedAt
	pos.UpdatedAt = at

	st.open = false
	s.exits.Reset(pos.Symbol)
	s.logger.Debug("simulated close",
		slog.String("position_id", pos.ID),
		slog.String("reason", reason),
		slog.Float64("price", price),
		slog.Float64("realized_pnl", pos.RealizedPnL),
		slog.Any("levels_hit", pos.LevelsHit),
	)
	return pos
}
