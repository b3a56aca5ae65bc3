package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/futuresbot/internal/domain"
	"github.com/alanyoungcy/futuresbot/internal/observability"
	"github.com/alanyoungcy/futuresbot/internal/platform/binance"
)

// PriceEvent is the JSON payload published on the prices channel.
type PriceEvent struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Time   time.Time `json:"ts"`
}

// Stream is one websocket session. It returns when the connection drops.
type Stream interface {
	Run(ctx context.Context) error
}

// StreamFactory builds a Stream that delivers ticks to handler.
type StreamFactory func(symbols []string, handler binance.MarkPriceHandler) Stream

// BinanceStreams returns a StreamFactory for the futures mark price stream
// rooted at baseURL.
func BinanceStreams(baseURL string) StreamFactory {
	return func(symbols []string, handler binance.MarkPriceHandler) Stream {
		return binance.NewMarkPriceStream(baseURL, symbols, handler)
	}
}

// MarkPriceFeed keeps the price cache current from the Binance mark price
// stream and republishes every tick on the prices channel. It reconnects
// with exponential backoff on disconnect.
type MarkPriceFeed struct {
	symbols    []string
	streams    StreamFactory
	prices     domain.PriceCache
	bus        domain.SignalBus
	metrics    *observability.Metrics
	logger     *slog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
	closeOnce  sync.Once
	done       chan struct{}
}

// NewMarkPriceFeed creates a feed for symbols. bus and metrics may be nil.
func NewMarkPriceFeed(symbols []string, streams StreamFactory, prices domain.PriceCache, bus domain.SignalBus, metrics *observability.Metrics, logger *slog.Logger) *MarkPriceFeed {
	norm := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			norm = append(norm, s)
		}
	}
	return &MarkPriceFeed{
		symbols:    norm,
		streams:    streams,
		prices:     prices,
		bus:        bus,
		metrics:    metrics,
		logger:     logger.With(slog.String("component", "mark_price_feed")),
		minBackoff: 2 * time.Second,
		maxBackoff: 30 * time.Second,
		done:       make(chan struct{}),
	}
}

// Run streams until ctx is cancelled or Close is called.
func (f *MarkPriceFeed) Run(ctx context.Context) error {
	if len(f.symbols) == 0 {
		f.logger.Info("no symbols to subscribe, exiting")
		return nil
	}
	backoff := f.minBackoff
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		connCtx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-f.done:
				cancel()
			case <-connCtx.Done():
			}
		}()

		started := time.Now()
		f.logger.Info("mark price stream connecting", slog.Int("symbols", len(f.symbols)))
		err := f.streams(f.symbols, func(mp binance.MarkPrice) { f.handle(connCtx, mp) }).Run(connCtx)
		cancel()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-f.done:
			return nil
		default:
		}

		// A session that stayed up for a while resets the backoff.
		if time.Since(started) > f.maxBackoff {
			backoff = f.minBackoff
		}
		errMsg := "closed"
		if err != nil {
			errMsg = err.Error()
		}
		f.logger.Warn("mark price stream disconnected, reconnecting",
			slog.String("error", errMsg),
			slog.Duration("backoff", backoff),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, f.maxBackoff)
	}
}

func (f *MarkPriceFeed) handle(ctx context.Context, mp binance.MarkPrice) {
	if mp.Price <= 0 || mp.Symbol == "" {
		return
	}
	sym := strings.ToUpper(mp.Symbol)
	ts := mp.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if err := f.prices.SetPrice(ctx, sym, mp.Price, ts); err != nil {
		f.logger.Warn("cache price failed", slog.String("symbol", sym), slog.String("error", err.Error()))
		return
	}
	f.metrics.RecordPriceUpdate(sym)

	if f.bus == nil {
		return
	}
	payload, err := json.Marshal(PriceEvent{Symbol: sym, Price: mp.Price, Time: ts})
	if err != nil {
		return
	}
	if err := f.bus.Publish(ctx, domain.ChannelPrices, payload); err != nil {
		f.logger.Debug("publish price failed", slog.String("symbol", sym), slog.String("error", err.Error()))
	}
}

// Close stops the feed.
func (f *MarkPriceFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}
