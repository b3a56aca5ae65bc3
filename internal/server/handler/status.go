package handler

import (
	"net/http"
	"time"
)

// Counter reports how many positions are open.
type Counter interface {
	Count() int
}

// StatusHandler serves the runtime status.
type StatusHandler struct {
	mode          string
	symbols       []string
	ladderEnabled bool
	startedAt     time.Time
	positions     Counter
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, symbols []string, ladderEnabled bool, startedAt time.Time, positions Counter) *StatusHandler {
	return &StatusHandler{
		mode:          mode,
		symbols:       symbols,
		ladderEnabled: ladderEnabled,
		startedAt:     startedAt,
		positions:     positions,
	}
}

// GetStatus responds with mode, watched symbols and uptime.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	open := 0
	if h.positions != nil {
		open = h.positions.Count()
	}
	symbols := h.symbols
	if symbols == nil {
		symbols = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.mode,
		"symbols":        symbols,
		"ladder_enabled": h.ladderEnabled,
		"open_positions": open,
		"started_at":     h.startedAt.UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	})
}
