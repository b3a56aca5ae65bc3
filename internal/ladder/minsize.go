package ladder

import "github.com/alanyoungcy/futuresbot/internal/domain"

// SizeDecision is the outcome of the minimum order size check.
type SizeDecision int

const (
	// SizeProceed closes the computed quantity.
	SizeProceed SizeDecision = iota
	// SizeSkip leaves the level unconsumed and moves on to the next one.
	SizeSkip
	// SizeCloseRemaining closes everything left so no dust stays open.
	SizeCloseRemaining
	// SizeFallback abandons the ladder for a single take-profit.
	SizeFallback
)

func (d SizeDecision) String() string {
	switch d {
	case SizeProceed:
		return "proceed"
	case SizeSkip:
		return "skip"
	case SizeCloseRemaining:
		return "close_remaining"
	case SizeFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// CheckMinimumSize decides what to do with a computed close quantity and
// returns the quantity to actually send.
//
// A quantity below the exchange minimum skips the level, unless this is the
// first level of an untouched position and no level could ever be tradable,
// in which case the ladder falls back (when enabled). A close that would
// leave a sub-minimum remainder, or would overshoot the open size, becomes a
// close of the full remaining quantity.
func (c *Controller) CheckMinimumSize(pos domain.Position, level int, qty float64) (SizeDecision, float64) {
	min := c.cfg.MinOrderSize

	if min > 0 && qty < min {
		if c.cfg.FallbackToSingle && level == 1 && pos.IsVirgin() && c.allBelowMinimum(pos) {
			return SizeFallback, 0
		}
		return SizeSkip, 0
	}

	remaining := pos.Quantity - qty
	if remaining <= domain.QuantityTolerance {
		return SizeCloseRemaining, pos.Quantity
	}
	if min > 0 && remaining < min {
		return SizeCloseRemaining, pos.Quantity
	}
	return SizeProceed, qty
}

func (c *Controller) allBelowMinimum(pos domain.Position) bool {
	for _, l := range c.cfg.Levels {
		if pos.OriginalQuantity*l.CloseFraction >= c.cfg.MinOrderSize {
			return false
		}
	}
	return true
}
