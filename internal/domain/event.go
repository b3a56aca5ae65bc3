package domain

import "time"

// Bus channels and streams used for exit lifecycle events.
const (
	ChannelExits     = "exits"
	ChannelPrices    = "prices"
	StreamExitEvents = "exit_events"
)

// Exit event types.
const (
	EventPositionOpened  = "position_opened"
	EventPartialClose    = "partial_close"
	EventPartialFailed   = "partial_close_failed"
	EventStopMoved       = "stop_moved"
	EventPositionClosed  = "position_closed"
	EventLadderFallback  = "ladder_fallback"
	EventTrackingRestore = "tracking_restored"
)

// ExitEvent is the JSON payload published on the exits channel and stream.
type ExitEvent struct {
	Type       string         `json:"type"`
	PositionID string         `json:"position_id"`
	Symbol     string         `json:"symbol"`
	Side       Side           `json:"side"`
	Level      int            `json:"level,omitempty"`
	Quantity   float64        `json:"quantity,omitempty"`
	Price      float64        `json:"price,omitempty"`
	StopLoss   float64        `json:"stop_loss,omitempty"`
	Profit     float64        `json:"profit,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	At         time.Time      `json:"at"`
}
