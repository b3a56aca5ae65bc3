package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// EvaluateFunc evaluates one symbol. (*service.ExitService).EvaluateSymbol
// satisfies it.
type EvaluateFunc func(ctx context.Context, symbol string) error

// Trigger subscribes to the prices channel and evaluates a symbol as soon
// as a new price arrives, between the decision loop's ticks. Evaluations
// of the same symbol are spaced at least minGap apart.
type Trigger struct {
	bus      domain.SignalBus
	evaluate EvaluateFunc
	minGap   time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewTrigger creates a Trigger.
func NewTrigger(bus domain.SignalBus, evaluate EvaluateFunc, minGap time.Duration, logger *slog.Logger) *Trigger {
	return &Trigger{
		bus:      bus,
		evaluate: evaluate,
		minGap:   minGap,
		logger:   logger.With(slog.String("component", "price_trigger")),
		now:      time.Now,
		last:     make(map[string]time.Time),
	}
}

// Run consumes price events until ctx is cancelled.
func (t *Trigger) Run(ctx context.Context) error {
	ch, err := t.bus.Subscribe(ctx, domain.ChannelPrices)
	if err != nil {
		return err
	}
	t.logger.Info("price trigger started")
	defer t.logger.Info("price trigger stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			t.Handle(ctx, data)
		}
	}
}

// Handle processes one raw price payload.
func (t *Trigger) Handle(ctx context.Context, data []byte) {
	var ev PriceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.logger.Debug("skip malformed price event", slog.String("error", err.Error()))
		return
	}
	sym := strings.ToUpper(ev.Symbol)
	if sym == "" || !t.due(sym) {
		return
	}
	if err := t.evaluate(ctx, sym); err != nil && ctx.Err() == nil {
		t.logger.Warn("triggered evaluation failed",
			slog.String("symbol", sym),
			slog.String("error", err.Error()),
		)
	}
}

func (t *Trigger) due(sym string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if last, ok := t.last[sym]; ok && now.Sub(last) < t.minGap {
		return false
	}
	t.last[sym] = now
	return true
}
