package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/futuresbot/internal/domain"
	"github.com/alanyoungcy/futuresbot/internal/exitpolicy"
	"github.com/alanyoungcy/futuresbot/internal/service"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	List() []domain.Position
	Open(ctx context.Context, req service.OpenRequest) (domain.Position, error)
	LadderStatus(symbol string) (domain.LadderStatus, error)
	ExitTiers(symbol string) ([]exitpolicy.Tier, error)
}

// ManualCloser flattens a position on request.
type ManualCloser interface {
	CloseManual(ctx context.Context, symbol string) (domain.Position, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	closer    ManualCloser
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler. closer may be nil, in which
// case manual closes are rejected.
func NewPositionHandler(positions PositionService, closer ManualCloser, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		closer:    closer,
		logger:    logger,
	}
}

type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns every open position.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions := h.positions.List()
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// OpenPosition registers a position that was entered on the exchange so the
// exit loop starts managing it.
// POST /api/positions
func (h *PositionHandler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req service.OpenRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	pos, err := h.positions.Open(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "handler: open position failed",
				slog.String("symbol", req.Symbol),
				slog.String("error", err.Error()),
			)
			writeError(w, status, "failed to open position")
			return
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// ClosePosition flattens the open position on a symbol at market.
// POST /api/positions/{symbol}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	if h.closer == nil {
		writeError(w, http.StatusServiceUnavailable, "manual close not available in this mode")
		return
	}
	symbol := r.PathValue("symbol")
	pos, err := h.closer.CloseManual(r.Context(), symbol)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "handler: manual close failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// GetLadder returns the take-profit ladder progress of one position.
// GET /api/positions/{symbol}/ladder
func (h *PositionHandler) GetLadder(w http.ResponseWriter, r *http.Request) {
	st, err := h.positions.LadderStatus(r.PathValue("symbol"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if st.LevelsHit == nil {
		st.LevelsHit = []int{}
	}
	writeJSON(w, http.StatusOK, st)
}

type exitTiersResponse struct {
	Symbol    string            `json:"symbol"`
	Triggered []exitpolicy.Tier `json:"triggered"`
}

// GetExitTiers returns the ATR exit tiers already triggered for a position.
// GET /api/positions/{symbol}/exits
func (h *PositionHandler) GetExitTiers(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	tiers, err := h.positions.ExitTiers(symbol)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if tiers == nil {
		tiers = []exitpolicy.Tier{}
	}
	writeJSON(w, http.StatusOK, exitTiersResponse{Symbol: symbol, Triggered: tiers})
}
