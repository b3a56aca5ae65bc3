package ladder

import (
	"fmt"
	"math"
	"strings"
)

// closeSumTolerance is how far the close fractions may drift from 1.0.
const closeSumTolerance = 0.01

// Level is one rung of the take-profit ladder. ProfitFraction is the move
// from entry (0.03 = 3%); CloseFraction is the share of the original size
// closed when the level fires.
type Level struct {
	ProfitFraction float64 `toml:"profit_fraction" yaml:"profit_fraction" json:"profit_fraction"`
	CloseFraction  float64 `toml:"close_fraction" yaml:"close_fraction" json:"close_fraction"`
}

// Config configures a Controller.
type Config struct {
	Levels           []Level
	MinOrderSize     float64
	FallbackToSingle bool
	// SingleTakeProfit is the profit fraction used once the ladder falls
	// back to a single take-profit. Zero means the last level's target.
	SingleTakeProfit float64
}

// DefaultLevels is a three-rung ladder closing 40/30/30 at 3/5/8 percent.
func DefaultLevels() []Level {
	return []Level{
		{ProfitFraction: 0.03, CloseFraction: 0.40},
		{ProfitFraction: 0.05, CloseFraction: 0.30},
		{ProfitFraction: 0.08, CloseFraction: 0.30},
	}
}

// Validate rejects malformed ladders. It is meant to run once at startup.
func (c Config) Validate() error {
	var errs []string

	if len(c.Levels) == 0 {
		errs = append(errs, "at least one level is required")
	}

	var sum float64
	for i, l := range c.Levels {
		n := i + 1
		if l.ProfitFraction <= 0 {
			errs = append(errs, fmt.Sprintf("level %d: profit_fraction must be > 0, got %g", n, l.ProfitFraction))
		}
		if l.CloseFraction <= 0 || l.CloseFraction > 1 {
			errs = append(errs, fmt.Sprintf("level %d: close_fraction must be in (0,1], got %g", n, l.CloseFraction))
		}
		if i > 0 && l.ProfitFraction <= c.Levels[i-1].ProfitFraction {
			errs = append(errs, fmt.Sprintf("level %d: profit_fraction %g must be greater than level %d (%g)",
				n, l.ProfitFraction, i, c.Levels[i-1].ProfitFraction))
		}
		sum += l.CloseFraction
	}
	if len(c.Levels) > 0 && math.Abs(sum-1.0) > closeSumTolerance {
		errs = append(errs, fmt.Sprintf("close fractions sum to %.4f, want 1.0", sum))
	}

	if c.MinOrderSize < 0 {
		errs = append(errs, fmt.Sprintf("min_order_size must be >= 0, got %g", c.MinOrderSize))
	}
	if c.SingleTakeProfit < 0 {
		errs = append(errs, fmt.Sprintf("single_take_profit must be >= 0, got %g", c.SingleTakeProfit))
	}

	if len(errs) > 0 {
		return fmt.Errorf("ladder: invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Warnings returns advisories that do not prevent startup.
func (c Config) Warnings() []string {
	var out []string
	for i := 1; i < len(c.Levels); i++ {
		spacing := c.Levels[i].ProfitFraction - c.Levels[i-1].ProfitFraction
		if spacing < 0.005 {
			out = append(out, fmt.Sprintf("levels %d and %d are only %.2f%% apart", i, i+1, spacing*100))
		}
	}
	if c.MinOrderSize > 0.01 {
		out = append(out, fmt.Sprintf("min_order_size %g is large; small positions will skip levels", c.MinOrderSize))
	}
	return out
}
