package domain

import (
	"math"
	"time"
)

// Side is the direction of a futures position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Valid reports whether s is LONG or SHORT.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// CloseSide returns the order side that reduces a position of this side.
func (s Side) CloseSide() OrderSide {
	if s == SideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// Reached reports whether price has reached or passed target in the
// profitable direction. Targets derived from float fractions are compared
// with a relative epsilon so that an exact hit is not lost to rounding.
func (s Side) Reached(price, target float64) bool {
	eps := math.Abs(target) * 1e-12
	if s == SideShort {
		return price <= target+eps
	}
	return price >= target-eps
}

// ProfitDistance is the signed price move in the profitable direction.
func (s Side) ProfitDistance(entry, price float64) float64 {
	if s == SideShort {
		return entry - price
	}
	return price - entry
}

// MoreFavorableStop reports whether candidate is a better protective stop
// than current. A zero current stop counts as unset.
func (s Side) MoreFavorableStop(candidate, current float64) bool {
	if current <= 0 {
		return candidate > 0
	}
	if s == SideShort {
		return candidate < current
	}
	return candidate > current
}

// TightestStop returns whichever of candidate and current is more favorable.
func (s Side) TightestStop(candidate, current float64) float64 {
	if s.MoreFavorableStop(candidate, current) {
		return candidate
	}
	return current
}

// PositionStatus tracks whether a position is open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// ExitSource identifies which controller produced a partial exit.
type ExitSource string

const (
	ExitSourceLadder    ExitSource = "ladder"
	ExitSourceATRPolicy ExitSource = "atr_policy"
	// ExitSourceFull marks the close of everything left on a stop, time,
	// regime or fallback exit.
	ExitSourceFull ExitSource = "full_exit"
)

// Exit reasons recorded on closed positions.
const (
	ExitReasonLadderComplete = "ladder_complete"
	ExitReasonStopLoss       = "stop_loss"
	ExitReasonTime           = "time_limit"
	ExitReasonRegime         = "regime_change"
	ExitReasonATRFinal       = "atr_final"
	ExitReasonSingleTP       = "single_take_profit"
	ExitReasonManual         = "manual"
	ExitReasonEndOfData      = "end_of_data"
)

// QuantityTolerance absorbs floating-point drift in size bookkeeping.
const QuantityTolerance = 1e-9

// PartialExit records one executed (or simulated) partial close.
type PartialExit struct {
	Level       int        `json:"level"`
	Quantity    float64    `json:"quantity"`
	Price       float64    `json:"price"`
	Profit      float64    `json:"profit"`
	ProfitPct   float64    `json:"profit_pct"`
	NewStopLoss float64    `json:"new_stop_loss"`
	OrderID     string     `json:"order_id,omitempty"`
	Source      ExitSource `json:"source"`
	ExecutedAt  time.Time  `json:"executed_at"`
}

// Position is one futures trade. It is owned by the caller: controllers
// read it and return instructions, and the service layer applies them.
type Position struct {
	ID               string        `json:"id"`
	Symbol           string        `json:"symbol"`
	Side             Side          `json:"side"`
	EntryPrice       float64       `json:"entry_price"`
	Quantity         float64       `json:"quantity"`
	OriginalQuantity float64       `json:"original_quantity"`
	Leverage         int           `json:"leverage"`
	StopLoss         float64       `json:"stop_loss"`
	TrailingStop     float64       `json:"trailing_stop,omitempty"`
	EntryTime        time.Time     `json:"entry_time"`
	LevelsHit        []int         `json:"levels_hit"`
	PartialExits     []PartialExit `json:"partial_exits"`

	Status      PositionStatus `json:"status"`
	RealizedPnL float64        `json:"realized_pnl"`
	ExitPrice   *float64       `json:"exit_price,omitempty"`
	ExitReason  string         `json:"exit_reason,omitempty"`
	ClosedAt    *time.Time     `json:"closed_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// HasLevel reports whether the given take-profit level was already consumed.
func (p Position) HasLevel(level int) bool {
	for _, l := range p.LevelsHit {
		if l == level {
			return true
		}
	}
	return false
}

// IsVirgin reports whether nothing has been closed yet: no take-profit
// level has fired and no partial exit of any source is recorded.
func (p Position) IsVirgin() bool {
	return len(p.LevelsHit) == 0 && len(p.PartialExits) == 0
}

// RemainingFraction is Quantity as a fraction of OriginalQuantity.
func (p Position) RemainingFraction() float64 {
	if p.OriginalQuantity <= 0 {
		return 1.0
	}
	return p.Quantity / p.OriginalQuantity
}

// ClosedQuantity sums the quantities of all recorded partial exits.
func (p Position) ClosedQuantity() float64 {
	var sum float64
	for _, pe := range p.PartialExits {
		sum += pe.Quantity
	}
	return sum
}

// Conserved reports whether open plus closed quantity still equals the
// original size.
func (p Position) Conserved() bool {
	return p.Quantity >= -QuantityTolerance &&
		math.Abs(p.Quantity+p.ClosedQuantity()-p.OriginalQuantity) <= 1e-6*math.Max(1, p.OriginalQuantity)
}

// IsFlat reports whether nothing is left open.
func (p Position) IsFlat() bool {
	return p.Quantity <= QuantityTolerance
}

// StopHit reports whether price has crossed the protective stop.
func (p Position) StopHit(price float64) bool {
	if p.StopLoss <= 0 {
		return false
	}
	if p.Side == SideShort {
		return price >= p.StopLoss
	}
	return price <= p.StopLoss
}

// UnrealizedPnL is the mark-to-market profit of the open quantity.
func (p Position) UnrealizedPnL(price float64) float64 {
	return p.Side.ProfitDistance(p.EntryPrice, price) * p.Quantity
}

// Clone returns a deep copy so that simulations never alias the caller's
// slices.
func (p Position) Clone() Position {
	out := p
	if p.LevelsHit != nil {
		out.LevelsHit = append([]int(nil), p.LevelsHit...)
	}
	if p.PartialExits != nil {
		out.PartialExits = append([]PartialExit(nil), p.PartialExits...)
	}
	return out
}
