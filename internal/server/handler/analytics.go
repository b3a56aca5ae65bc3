package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/futuresbot/internal/analytics"
	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// ClosedLister lists closed positions.
type ClosedLister interface {
	ListClosed(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error)
}

// AnalyticsHandler serves take-profit ladder performance.
type AnalyticsHandler struct {
	positions ClosedLister
	numLevels int
	logger    *slog.Logger
}

// NewAnalyticsHandler creates an AnalyticsHandler. numLevels is the size of
// the configured ladder.
func NewAnalyticsHandler(positions ClosedLister, numLevels int, logger *slog.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{positions: positions, numLevels: numLevels, logger: logger}
}

type analyticsResponse struct {
	Trades int `json:"trades"`
	analytics.Report
}

// ScaledTP reports per-level hit rates and scaled versus single-exit
// profitability over closed positions.
// GET /api/analytics/scaled-tp?since=&until=&limit=
func (h *AnalyticsHandler) ScaledTP(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r, 1000, 10000)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	closed, err := h.positions.ListClosed(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list closed positions failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load closed positions")
		return
	}
	writeJSON(w, http.StatusOK, analyticsResponse{
		Trades: len(closed),
		Report: analytics.BuildReport(closed, h.numLevels),
	})
}
