// Package ladder implements the scaled take-profit ladder: a fixed sequence
// of profit levels, each closing a share of the original position size, with
// a protective stop that steps up behind the price as levels are consumed.
//
// The Controller is stateless with respect to positions. Everything it needs
// is read from the domain.Position passed in, so a position restored from the
// database evaluates exactly like one that never left memory.
package ladder

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// Evaluation is the detailed result of one ladder scan.
type Evaluation struct {
	Instruction domain.PartialCloseInstruction
	Found       bool
	// Fallback is set when the whole ladder is abandoned because no level
	// could ever meet the minimum order size.
	Fallback bool
	// Skipped lists reached levels passed over for being below minimum.
	Skipped []int
}

// Controller evaluates positions against a validated ladder configuration.
type Controller struct {
	cfg    Config
	logger *slog.Logger
}

// New validates cfg and returns a Controller.
func New(cfg Config, logger *slog.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	levels := make([]Level, len(cfg.Levels))
	copy(levels, cfg.Levels)
	cfg.Levels = levels

	c := &Controller{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "ladder")),
	}
	for _, w := range cfg.Warnings() {
		c.logger.Warn("ladder config advisory", slog.String("warning", w))
	}
	return c, nil
}

// Levels returns a copy of the configured levels.
func (c *Controller) Levels() []Level {
	out := make([]Level, len(c.cfg.Levels))
	copy(out, c.cfg.Levels)
	return out
}

// NumLevels is the number of configured levels.
func (c *Controller) NumLevels() int {
	return len(c.cfg.Levels)
}

// MinOrderSize is the configured minimum tradable quantity.
func (c *Controller) MinOrderSize() float64 {
	return c.cfg.MinOrderSize
}

// TargetPrices computes the trigger price of every level for pos.
func (c *Controller) TargetPrices(pos domain.Position) []float64 {
	out := make([]float64, len(c.cfg.Levels))
	for i, l := range c.cfg.Levels {
		out[i] = targetPrice(pos, l.ProfitFraction)
	}
	return out
}

// SingleTarget is the take-profit price used after a fallback.
func (c *Controller) SingleTarget(pos domain.Position) float64 {
	p := c.cfg.SingleTakeProfit
	if p <= 0 {
		p = c.cfg.Levels[len(c.cfg.Levels)-1].ProfitFraction
	}
	return targetPrice(pos, p)
}

func targetPrice(pos domain.Position, profit float64) float64 {
	if pos.Side == domain.SideShort {
		return pos.EntryPrice * (1 - profit)
	}
	return pos.EntryPrice * (1 + profit)
}

// Evaluate returns the next partial close for pos at price, if any. Only the
// lowest unconsumed level is ever returned, even when price has gapped past
// several levels; the caller applies the instruction and evaluates again.
func (c *Controller) Evaluate(pos domain.Position, price float64) (domain.PartialCloseInstruction, bool) {
	ev := c.EvaluateDetailed(pos, price)
	return ev.Instruction, ev.Found
}

// EvaluateDetailed is Evaluate with the policy outcome exposed.
func (c *Controller) EvaluateDetailed(pos domain.Position, price float64) Evaluation {
	var ev Evaluation
	if pos.Quantity <= domain.QuantityTolerance || pos.OriginalQuantity <= 0 || pos.EntryPrice <= 0 {
		return ev
	}

	targets := c.TargetPrices(pos)
	log := c.logger.With(slog.String("symbol", pos.Symbol))

	for i, lvl := range c.cfg.Levels {
		level := i + 1
		if pos.HasLevel(level) {
			continue
		}
		if !pos.Side.Reached(price, targets[i]) {
			continue
		}

		if gap := c.unhitBefore(pos, level); len(gap) > 0 {
			log.Warn("price gap past earlier levels",
				slog.Int("level", level),
				slog.Float64("price", price),
				slog.Any("unconsumed", gap),
			)
		}

		qty := pos.OriginalQuantity * lvl.CloseFraction
		decision, adjusted := c.CheckMinimumSize(pos, level, qty)
		switch decision {
		case SizeSkip:
			log.Debug("level below minimum order size, skipping",
				slog.Int("level", level),
				slog.Float64("quantity", qty),
				slog.Float64("min_order_size", c.cfg.MinOrderSize),
			)
			ev.Skipped = append(ev.Skipped, level)
			continue
		case SizeFallback:
			log.Warn("all levels below minimum order size, falling back to single take-profit",
				slog.Float64("original_quantity", pos.OriginalQuantity),
				slog.Float64("min_order_size", c.cfg.MinOrderSize),
			)
			ev.Fallback = true
			return ev
		}

		newStop := pos.Side.TightestStop(c.StopFor(pos, level, targets), pos.StopLoss)
		ev.Instruction = domain.PartialCloseInstruction{
			Symbol:         pos.Symbol,
			Level:          level,
			TargetPrice:    targets[i],
			ProfitFraction: lvl.ProfitFraction,
			CloseFraction:  lvl.CloseFraction,
			Quantity:       adjusted,
			NewStopLoss:    newStop,
			CloseRemaining: decision == SizeCloseRemaining,
			Source:         domain.ExitSourceLadder,
		}
		ev.Found = true

		log.Info("take-profit level hit",
			slog.Int("level", level),
			slog.Float64("price", price),
			slog.Float64("target", targets[i]),
			slog.Float64("quantity", adjusted),
			slog.Float64("new_stop_loss", newStop),
			slog.Bool("close_remaining", ev.Instruction.CloseRemaining),
		)
		return ev
	}
	return ev
}

func (c *Controller) unhitBefore(pos domain.Position, level int) []int {
	var out []int
	for l := 1; l < level; l++ {
		if !pos.HasLevel(l) {
			out = append(out, l)
		}
	}
	return out
}

// StopFor is the raw ladder stop after level fires: entry for level 1,
// otherwise the previous level's target. Callers still apply the
// favourable-only rule.
func (c *Controller) StopFor(pos domain.Position, level int, targets []float64) float64 {
	if level <= 1 || level-2 >= len(targets) {
		return pos.EntryPrice
	}
	return targets[level-2]
}

// ApplicableLevels returns every instruction that would fire at price if
// each were applied before the next evaluation. It works on a copy and
// leaves pos untouched; fills are simulated at the level target.
func (c *Controller) ApplicableLevels(pos domain.Position, price float64) []domain.PartialCloseInstruction {
	sim := pos.Clone()
	var out []domain.PartialCloseInstruction
	for len(out) < len(c.cfg.Levels) {
		instr, ok := c.Evaluate(sim, price)
		if !ok {
			break
		}
		out = append(out, instr)
		sim = Apply(sim, instr, instr.Quantity, instr.TargetPrice, time.Time{})
	}
	return out
}

// Status derives the ladder snapshot for pos. It never consults stored
// tracking state.
func (c *Controller) Status(pos domain.Position) domain.LadderStatus {
	hit := append([]int(nil), pos.LevelsHit...)
	sort.Ints(hit)
	if hit == nil {
		hit = []int{}
	}

	st := domain.LadderStatus{
		Symbol:                pos.Symbol,
		LevelsHit:             hit,
		RemainingSizeFraction: pos.RemainingFraction(),
		CurrentStopLoss:       pos.StopLoss,
	}
	for i, l := range c.cfg.Levels {
		if !pos.HasLevel(i + 1) {
			st.NextLevel = i + 1
			st.NextTargetPrice = targetPrice(pos, l.ProfitFraction)
			break
		}
	}
	return st
}

// Complete reports whether every configured level has been consumed.
func (c *Controller) Complete(pos domain.Position) bool {
	for i := range c.cfg.Levels {
		if !pos.HasLevel(i + 1) {
			return false
		}
	}
	return true
}

// Apply returns pos after executing instr with the given fill. Quantity is
// reduced by the filled amount, the stop moves only in the favourable
// direction and a PartialExit is appended. Only ladder instructions record
// the level in LevelsHit.
func Apply(pos domain.Position, instr domain.PartialCloseInstruction, filled, fillPrice float64, at time.Time) domain.Position {
	out := pos.Clone()
	if filled > out.Quantity {
		filled = out.Quantity
	}
	out.Quantity -= filled
	if out.Quantity < domain.QuantityTolerance {
		out.Quantity = 0
	}

	if (instr.Source == "" || instr.Source == domain.ExitSourceLadder) && !out.HasLevel(instr.Level) {
		out.LevelsHit = append(out.LevelsHit, instr.Level)
		sort.Ints(out.LevelsHit)
	}
	out.StopLoss = out.Side.TightestStop(instr.NewStopLoss, out.StopLoss)

	profit := out.Side.ProfitDistance(out.EntryPrice, fillPrice) * filled
	var profitPct float64
	if out.EntryPrice > 0 {
		profitPct = out.Side.ProfitDistance(out.EntryPrice, fillPrice) / out.EntryPrice
	}
	out.RealizedPnL += profit
	source := instr.Source
	if source == "" {
		source = domain.ExitSourceLadder
	}
	out.PartialExits = append(out.PartialExits, domain.PartialExit{
		Level:       instr.Level,
		Quantity:    filled,
		Price:       fillPrice,
		Profit:      profit,
		ProfitPct:   profitPct,
		NewStopLoss: out.StopLoss,
		Source:      source,
		ExecutedAt:  at,
	})
	if !at.IsZero() {
		out.UpdatedAt = at
	}
	return out
}

// String is used in log lines and error messages.
func (l Level) String() string {
	return fmt.Sprintf("+%.2f%% close %.0f%%", l.ProfitFraction*100, l.CloseFraction*100)
}
