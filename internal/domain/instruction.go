package domain

// PartialCloseInstruction is the output of a ladder evaluation. CloseFraction
// is relative to the original position size, not the remaining size.
type PartialCloseInstruction struct {
	Symbol         string     `json:"symbol"`
	Level          int        `json:"level"`
	TargetPrice    float64    `json:"target_price"`
	ProfitFraction float64    `json:"profit_fraction"`
	CloseFraction  float64    `json:"close_fraction"`
	Quantity       float64    `json:"quantity"`
	NewStopLoss    float64    `json:"new_stop_loss"`
	CloseRemaining bool       `json:"close_remaining"`
	Source         ExitSource `json:"source"`
}

// PartialCloseOutcome is the result of one execution attempt sequence,
// retries included.
type PartialCloseOutcome struct {
	Success        bool    `json:"success"`
	OrderID        string  `json:"order_id,omitempty"`
	FilledQuantity float64 `json:"filled_quantity"`
	FillPrice      float64 `json:"fill_price"`
	RealizedProfit float64 `json:"realized_profit"`
	ErrorMessage   string  `json:"error_message,omitempty"`
	Attempts       int     `json:"attempts"`
}

// LadderStatus is a read-only snapshot derived from a Position. NextLevel is
// zero when every level has been consumed. Fallback is set when the ladder
// was abandoned for a single take-profit.
type LadderStatus struct {
	Symbol                string  `json:"symbol"`
	LevelsHit             []int   `json:"levels_hit"`
	RemainingSizeFraction float64 `json:"remaining_size_fraction"`
	CurrentStopLoss       float64 `json:"current_stop_loss"`
	NextLevel             int     `json:"next_level"`
	NextTargetPrice       float64 `json:"next_target_price"`
	Fallback              bool    `json:"fallback"`
}

// HasNext reports whether another level remains to be consumed.
func (s LadderStatus) HasNext() bool {
	return s.NextLevel > 0
}
