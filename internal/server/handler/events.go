package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// EventStream reads the durable exit event stream.
type EventStream interface {
	StreamRead(ctx context.Context, stream string, afterID string, count int) ([]domain.StreamMessage, error)
}

// EventsHandler pages through recent exit events so a client that missed
// websocket traffic can catch up.
type EventsHandler struct {
	stream EventStream
	logger *slog.Logger
}

// NewEventsHandler creates an EventsHandler.
func NewEventsHandler(stream EventStream, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{stream: stream, logger: logger}
}

type streamEvent struct {
	ID    string           `json:"id"`
	Event domain.ExitEvent `json:"event"`
}

// ListEvents returns events after the given stream ID, oldest first. The
// last ID in the response is the cursor for the next page.
// GET /api/events?after=&limit=
func (h *EventsHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, 1000)
	}
	after := q.Get("after")
	if after == "" {
		after = "0"
	}

	msgs, err := h.stream.StreamRead(r.Context(), domain.StreamExitEvents, after, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: read exit stream failed",
			slog.String("after", after),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}

	out := make([]streamEvent, 0, len(msgs))
	for _, m := range msgs {
		var ev domain.ExitEvent
		if err := json.Unmarshal(m.Payload, &ev); err != nil {
			h.logger.WarnContext(r.Context(), "handler: skipping undecodable exit event",
				slog.String("id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, streamEvent{ID: m.ID, Event: ev})
	}
	resp := map[string]any{"events": out}
	if len(msgs) > 0 {
		resp["next"] = msgs[len(msgs)-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}
