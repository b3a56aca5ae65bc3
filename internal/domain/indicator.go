package domain

import "context"

// Regime is a market-regime label produced by an external classifier.
type Regime string

const (
	RegimeTrendingBullish Regime = "TRENDING_BULLISH"
	RegimeTrendingBearish Regime = "TRENDING_BEARISH"
	RegimeRanging         Regime = "RANGING"
	RegimeVolatile        Regime = "VOLATILE"
	RegimeUncertain       Regime = "UNCERTAIN"
)

// Trending reports whether r is one of the trending labels.
func (r Regime) Trending() bool {
	return r == RegimeTrendingBullish || r == RegimeTrendingBearish
}

// IndicatorSnapshot carries the indicator inputs of one evaluation tick.
// ATR of zero means unavailable.
type IndicatorSnapshot struct {
	Symbol           string
	ATR              float64
	CurrentRegime    Regime
	PreviousRegime   Regime
	MomentumReversed bool
}

// IndicatorSource supplies current indicator values for a symbol.
type IndicatorSource interface {
	Snapshot(ctx context.Context, symbol string) (IndicatorSnapshot, error)
}
