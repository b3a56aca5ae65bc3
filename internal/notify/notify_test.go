package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

type recordingSender struct {
	name string
	got  []Message
	err  error
}

func (r *recordingSender) Send(_ context.Context, msg Message) error {
	r.got = append(r.got, msg)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifierFilter(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{domain.EventPositionClosed}, testLogger())

	require.NoError(t, n.NotifyExit(context.Background(), domain.ExitEvent{Type: domain.EventStopMoved, Symbol: "BTCUSDT"}))
	assert.Empty(t, s.got)

	require.NoError(t, n.NotifyExit(context.Background(), domain.ExitEvent{Type: domain.EventPositionClosed, Symbol: "BTCUSDT", Profit: 12.5}))
	require.Len(t, s.got, 1)
	assert.Equal(t, "BTCUSDT position closed", s.got[0].Title)
	assert.Contains(t, s.got[0].Body, "PnL: +12.50")
}

func TestNotifierCollectsErrors(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("down")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, testLogger())

	err := n.NotifyAll(context.Background(), Message{Title: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: down")
	assert.Len(t, good.got, 1, "a failing sender does not block the others")

	var nilNotifier *Notifier
	assert.NoError(t, nilNotifier.NotifyExit(context.Background(), domain.ExitEvent{}))
}

func TestFormatExitEvent(t *testing.T) {
	msg := FormatExitEvent(domain.ExitEvent{
		Type: domain.EventPartialClose, Symbol: "ETHUSDT", Side: domain.SideShort,
		Level: 2, Quantity: 0.5, Price: 2940, StopLoss: 3000,
	})
	assert.Equal(t, "ETHUSDT take-profit L2 filled", msg.Title)
	assert.Equal(t, SeveritySuccess, msg.Severity)
	assert.Equal(t, "Side: SHORT\nLevel: 2\nQuantity: 0.5\nPrice: 2940\nStop: 3000", msg.Body)

	assert.Equal(t, SeverityError, FormatExitEvent(domain.ExitEvent{Type: domain.EventPartialFailed}).Severity)
	assert.Equal(t, SeverityWarning, FormatExitEvent(domain.ExitEvent{Type: domain.EventPositionClosed, Profit: -3}).Severity)
}

func TestTelegramSender(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := NewTelegramSender(srv.URL, "TOKEN", "42")
	require.NoError(t, s.Send(context.Background(), Message{Title: "hello", Body: "x: 1"}))
	assert.Equal(t, "42", payload["chat_id"])
	assert.Contains(t, payload["text"], "*hello*")
	assert.Contains(t, payload["text"], "x: 1")
}

func TestDiscordSender(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Embeds []discordEmbed `json:"embeds"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if assert.Len(t, body.Embeds, 1) {
			e := body.Embeds[0]
			assert.Equal(t, severityColor[SeverityError], e.Color)
			assert.Equal(t, []discordField{
				{Name: "Level", Value: "2", Inline: true},
				{Name: "Reason", Value: "order rejected: -2019", Inline: true},
			}, e.Fields)
			assert.Equal(t, "retrying next tick", e.Description)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewDiscordSender(srv.URL).Send(context.Background(), Message{
		Title:    "x",
		Body:     "Level: 2\nReason: order rejected: -2019\nretrying next tick",
		Severity: SeverityError,
	}))

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer failing.Close()
	assert.ErrorContains(t, NewDiscordSender(failing.URL).Send(context.Background(), Message{}), "status 400")

	limited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer limited.Close()
	assert.ErrorContains(t, NewDiscordSender(limited.URL).Send(context.Background(), Message{}), "retry after 3s")
}

func TestTelegramErrorHidesToken(t *testing.T) {
	s := NewTelegramSender("http://127.0.0.1:1", "SECRET-TOKEN", "42")
	err := s.Send(context.Background(), Message{Title: "x"})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "SECRET-TOKEN")
}
