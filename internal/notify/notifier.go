// Package notify forwards exit lifecycle events to chat channels
// (Telegram, Discord). Operators choose which event types they receive.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// Severity colours a message on channels that support it.
type Severity int

const (
	SeverityInfo Severity = iota
	SeveritySuccess
	SeverityWarning
	SeverityError
)

// Message is one rendered notification.
type Message struct {
	Title    string
	Body     string
	Severity Severity
}

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// Notifier dispatches messages to every Sender. Only event types in the
// allowed set are forwarded; an empty set allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier for senders, filtered to events.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether at least one sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// NotifyExit renders ev and sends it if its type passes the filter. A nil
// Notifier is a no-op.
func (n *Notifier) NotifyExit(ctx context.Context, ev domain.ExitEvent) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[ev.Type] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", ev.Type))
		return nil
	}
	return n.dispatch(ctx, FormatExitEvent(ev))
}

// NotifyAll sends msg to every sender regardless of the filter.
func (n *Notifier) NotifyAll(ctx context.Context, msg Message) error {
	if !n.Enabled() {
		return nil
	}
	return n.dispatch(ctx, msg)
}

// dispatch delivers to every sender; one failing sender does not stop the
// rest and all failures are joined into the returned error.
func (n *Notifier) dispatch(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", msg.Title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// FormatExitEvent renders an exit event as a short chat message.
func FormatExitEvent(ev domain.ExitEvent) Message {
	var b strings.Builder
	line := func(k, v string) {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteByte('\n')
	}
	if ev.Side != "" {
		line("Side", string(ev.Side))
	}
	if ev.Level > 0 {
		line("Level", strconv.Itoa(ev.Level))
	}
	if ev.Quantity > 0 {
		line("Quantity", num(ev.Quantity))
	}
	if ev.Price > 0 {
		line("Price", num(ev.Price))
	}
	if ev.StopLoss > 0 {
		line("Stop", num(ev.StopLoss))
	}
	if ev.Profit != 0 {
		line("PnL", fmt.Sprintf("%+.2f", ev.Profit))
	}
	if ev.Reason != "" {
		line("Reason", ev.Reason)
	}

	msg := Message{Body: strings.TrimRight(b.String(), "\n")}
	switch ev.Type {
	case domain.EventPositionOpened:
		msg.Title = ev.Symbol + " position opened"
	case domain.EventPartialClose:
		msg.Title = fmt.Sprintf("%s take-profit L%d filled", ev.Symbol, ev.Level)
		msg.Severity = SeveritySuccess
	case domain.EventPartialFailed:
		msg.Title = ev.Symbol + " partial close failed"
		msg.Severity = SeverityError
	case domain.EventStopMoved:
		msg.Title = ev.Symbol + " stop moved"
	case domain.EventPositionClosed:
		msg.Title = ev.Symbol + " position closed"
		msg.Severity = SeveritySuccess
		if ev.Profit < 0 {
			msg.Severity = SeverityWarning
		}
	case domain.EventLadderFallback:
		msg.Title = ev.Symbol + " ladder fell back to single take-profit"
		msg.Severity = SeverityWarning
	default:
		msg.Title = ev.Symbol + " " + ev.Type
	}
	return msg
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
