// Package exitpolicy implements ATR-driven exits: fixed partial profit
// levels measured in ATR units, breakeven and momentum-reversal stops, a
// maximum holding time and a trending-to-ranging regime exit.
package exitpolicy

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// Tier names the ATR partial exit levels.
type Tier string

const (
	TierPartial1 Tier = "partial_1"
	TierPartial2 Tier = "partial_2"
	TierFinal    Tier = "final"
)

// Level is the number recorded in a PartialExit for this tier.
func (t Tier) Level() int {
	switch t {
	case TierPartial1:
		return 1
	case TierPartial2:
		return 2
	case TierFinal:
		return 3
	}
	return 0
}

// TiersFromExits rebuilds the triggered tiers from a position's history.
func TiersFromExits(exits []domain.PartialExit) []Tier {
	var out []Tier
	for _, pe := range exits {
		if pe.Source != domain.ExitSourceATRPolicy {
			continue
		}
		switch pe.Level {
		case 1:
			out = append(out, TierPartial1)
		case 2:
			out = append(out, TierPartial2)
		case 3:
			out = append(out, TierFinal)
		}
	}
	return out
}

// Config holds the ATR exit parameters.
type Config struct {
	Partial1ATR       float64
	Partial2ATR       float64
	FinalATR          float64
	Partial1Fraction  float64
	Partial2Fraction  float64
	BreakevenATR      float64
	TightATR          float64
	MaxHold           time.Duration
	RegimeExitEnabled bool
	// MinOrderSize is the exchange minimum a tier close must meet. It is
	// shared with the ladder and not part of the exit config section.
	MinOrderSize float64
}

// DefaultConfig returns 1.5/3/5 ATR partials closing 33/33/rest, breakeven
// at 2 ATR, a 0.5 ATR tight stop and a 24 hour maximum hold.
func DefaultConfig() Config {
	return Config{
		Partial1ATR:       1.5,
		Partial2ATR:       3.0,
		FinalATR:          5.0,
		Partial1Fraction:  0.33,
		Partial2Fraction:  0.33,
		BreakevenATR:      2.0,
		TightATR:          0.5,
		MaxHold:           24 * time.Hour,
		RegimeExitEnabled: true,
	}
}

// Validate checks that multipliers are positive and ascending, that the two
// partial fractions leave something for the final tier and that positions
// are held for at least an hour before a time exit.
func (c Config) Validate() error {
	var errs []string
	if c.Partial1ATR <= 0 {
		errs = append(errs, "partial_1_atr must be > 0")
	}
	if c.Partial2ATR <= c.Partial1ATR {
		errs = append(errs, "partial_2_atr must be greater than partial_1_atr")
	}
	if c.FinalATR <= c.Partial2ATR {
		errs = append(errs, "final_atr must be greater than partial_2_atr")
	}
	if c.Partial1Fraction <= 0 || c.Partial2Fraction <= 0 {
		errs = append(errs, "partial fractions must be > 0")
	}
	if c.Partial1Fraction+c.Partial2Fraction >= 1 {
		errs = append(errs, "partial fractions must sum to less than 1")
	}
	if c.BreakevenATR <= 0 || c.TightATR <= 0 {
		errs = append(errs, "breakeven_atr and tight_atr must be > 0")
	}
	if c.MaxHold < time.Hour {
		errs = append(errs, "max_hold must be at least 1h")
	}
	if c.MinOrderSize < 0 {
		errs = append(errs, "min_order_size must be >= 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("exitpolicy: invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// PartialExitDecision is returned when an ATR tier fires. Fraction is of the
// original size; Quantity is already clamped to what is still open.
type PartialExitDecision struct {
	Symbol    string  `json:"symbol"`
	Tier      Tier    `json:"tier"`
	Fraction  float64 `json:"fraction"`
	Quantity  float64 `json:"quantity"`
	ProfitATR float64 `json:"profit_atr"`
	// CloseRemaining is set for the final tier and for a partial tier
	// whose close would leave less than the minimum order size open.
	CloseRemaining bool `json:"close_remaining"`
}

// StopReason says why a stop moved.
type StopReason string

const (
	StopBreakeven StopReason = "breakeven"
	StopTightened StopReason = "momentum_reversal"
)

// StopAdjustment is a favourable stop move.
type StopAdjustment struct {
	Symbol  string     `json:"symbol"`
	OldStop float64    `json:"old_stop"`
	NewStop float64    `json:"new_stop"`
	Reason  StopReason `json:"reason"`
}

// Engine evaluates ATR exits. The triggered-tier sets are kept per symbol
// and must be reset when a position closes.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	triggered map[string]map[Tier]struct{}
	// skipped holds partial tiers passed over because their quantity was
	// below the minimum order size.
	skipped map[string]map[Tier]struct{}
}

// New validates cfg and returns an Engine.
func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "exit_policy")),
		triggered: make(map[string]map[Tier]struct{}),
		skipped:   make(map[string]map[Tier]struct{}),
	}, nil
}

// ProfitATR expresses the favourable move from entry in ATR units. An ATR
// of zero or less yields zero.
func ProfitATR(pos domain.Position, price, atr float64) float64 {
	if atr <= 0 {
		return 0
	}
	return pos.Side.ProfitDistance(pos.EntryPrice, price) / atr
}

// CheckPartialExits returns at most one tier per call. The final tier is
// checked first, so a price that jumps straight past it closes everything
// left without firing the partials.
//
// With a minimum order size, a partial tier below the minimum is skipped
// for the life of the position and a partial tier that would leave less
// than the minimum open closes the remainder instead.
func (e *Engine) CheckPartialExits(pos domain.Position, price, atr float64) (PartialExitDecision, bool) {
	if pos.IsFlat() {
		return PartialExitDecision{}, false
	}
	profit := ProfitATR(pos, price, atr)

	e.mu.Lock()
	defer e.mu.Unlock()
	set := tierSet(e.triggered, pos.Symbol)
	skip := tierSet(e.skipped, pos.Symbol)
	open := func(t Tier) bool { return !has(set, t) && !has(skip, t) }

	for {
		var (
			tier     Tier
			fraction float64
		)
		switch {
		case profit >= e.cfg.FinalATR && open(TierFinal):
			tier = TierFinal
			fraction = 1.0
			if has(set, TierPartial1) {
				fraction -= e.cfg.Partial1Fraction
			}
			if has(set, TierPartial2) {
				fraction -= e.cfg.Partial2Fraction
			}
		case profit >= e.cfg.Partial2ATR && open(TierPartial2):
			tier = TierPartial2
			fraction = e.cfg.Partial2Fraction
		case profit >= e.cfg.Partial1ATR && open(TierPartial1):
			tier = TierPartial1
			fraction = e.cfg.Partial1Fraction
		default:
			return PartialExitDecision{}, false
		}

		qty, closeAll, ok := e.sizeTier(pos, tier, fraction)
		if !ok {
			skip[tier] = struct{}{}
			e.logger.Warn("atr exit tier below minimum order size, skipped",
				slog.String("symbol", pos.Symbol),
				slog.String("tier", string(tier)),
				slog.Float64("quantity", pos.OriginalQuantity*fraction),
				slog.Float64("min_order_size", e.cfg.MinOrderSize),
			)
			continue
		}
		set[tier] = struct{}{}

		e.logger.Info("atr exit tier triggered",
			slog.String("symbol", pos.Symbol),
			slog.String("tier", string(tier)),
			slog.Float64("profit_atr", profit),
			slog.Float64("fraction", fraction),
			slog.Bool("close_remaining", closeAll),
		)
		return PartialExitDecision{
			Symbol:         pos.Symbol,
			Tier:           tier,
			Fraction:       fraction,
			Quantity:       qty,
			ProfitATR:      profit,
			CloseRemaining: closeAll,
		}, true
	}
}

// sizeTier returns the quantity to close for tier and whether it takes the
// whole position. ok is false when a partial tier is too small to trade.
func (e *Engine) sizeTier(pos domain.Position, tier Tier, fraction float64) (qty float64, closeAll, ok bool) {
	if tier == TierFinal {
		return pos.Quantity, true, true
	}
	qty = pos.OriginalQuantity * fraction
	if pos.Quantity-qty <= domain.QuantityTolerance {
		return pos.Quantity, true, true
	}
	min := e.cfg.MinOrderSize
	if min > 0 && qty < min {
		return 0, false, false
	}
	if min > 0 && pos.Quantity-qty < min {
		return pos.Quantity, true, true
	}
	return qty, false, true
}

func tierSet(m map[string]map[Tier]struct{}, symbol string) map[Tier]struct{} {
	set, ok := m[symbol]
	if !ok {
		set = make(map[Tier]struct{})
		m[symbol] = set
	}
	return set
}

func has(set map[Tier]struct{}, t Tier) bool {
	_, ok := set[t]
	return ok
}

// UpdateStops computes the protective stop after breakeven and tightening
// rules. It returns false when the stop does not improve.
func (e *Engine) UpdateStops(pos domain.Position, price, atr float64, momentumReversed bool) (StopAdjustment, bool) {
	profit := ProfitATR(pos, price, atr)
	stop := pos.StopLoss
	var reason StopReason

	if e.cfg.BreakevenATR > 0 && profit >= e.cfg.BreakevenATR &&
		pos.Side.MoreFavorableStop(pos.EntryPrice, stop) {
		stop = pos.EntryPrice
		reason = StopBreakeven
	}

	if momentumReversed && profit > 0 {
		dist := atr * e.cfg.TightATR
		candidate := price - dist
		if pos.Side == domain.SideShort {
			candidate = price + dist
		}
		if pos.Side.MoreFavorableStop(candidate, stop) {
			stop = candidate
			reason = StopTightened
		}
	}

	if reason == "" {
		return StopAdjustment{}, false
	}
	e.logger.Info("stop adjusted",
		slog.String("symbol", pos.Symbol),
		slog.String("reason", string(reason)),
		slog.Float64("old_stop", pos.StopLoss),
		slog.Float64("new_stop", stop),
		slog.Float64("profit_atr", profit),
	)
	return StopAdjustment{Symbol: pos.Symbol, OldStop: pos.StopLoss, NewStop: stop, Reason: reason}, true
}

// CheckTimeExit reports whether pos has been held for at least MaxHold.
// A zero MaxHold disables the check.
func (e *Engine) CheckTimeExit(pos domain.Position, now time.Time) bool {
	if e.cfg.MaxHold <= 0 || pos.EntryTime.IsZero() {
		return false
	}
	held := now.Sub(pos.EntryTime)
	if held < e.cfg.MaxHold {
		return false
	}
	e.logger.Info("time exit triggered",
		slog.String("symbol", pos.Symbol),
		slog.Duration("held", held),
		slog.Duration("max_hold", e.cfg.MaxHold),
	)
	return true
}

// CheckRegimeExit reports a transition from a trending regime to ranging.
func (e *Engine) CheckRegimeExit(pos domain.Position, current, previous domain.Regime) bool {
	if !e.cfg.RegimeExitEnabled {
		return false
	}
	if !previous.Trending() || current != domain.RegimeRanging {
		return false
	}
	e.logger.Info("regime exit triggered",
		slog.String("symbol", pos.Symbol),
		slog.String("previous", string(previous)),
		slog.String("current", string(current)),
	)
	return true
}

// Reset forgets the triggered and skipped tiers for symbol.
func (e *Engine) Reset(symbol string) {
	e.mu.Lock()
	delete(e.triggered, symbol)
	delete(e.skipped, symbol)
	e.mu.Unlock()
}

// Triggered returns the fired tiers for symbol in sorted order.
func (e *Engine) Triggered(symbol string) []Tier {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Tier, 0, len(e.triggered[symbol]))
	for t := range e.triggered[symbol] {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Restore marks tiers as already triggered, used when a position's prior
// ATR exits are rebuilt from its partial exit history.
func (e *Engine) Restore(symbol string, tiers []Tier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set := make(map[Tier]struct{}, len(tiers))
	for _, t := range tiers {
		set[t] = struct{}{}
	}
	e.triggered[symbol] = set
	delete(e.skipped, symbol)
}

// Release un-marks a tier, used when its close order failed so the tier can
// fire again on a later tick.
func (e *Engine) Release(symbol string, tier Tier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if set, ok := e.triggered[symbol]; ok {
		delete(set, tier)
	}
}
