// Package executor turns partial close instructions into reduce-only market
// orders and verifies the fill before reporting success.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/futuresbot/internal/domain"
	"github.com/alanyoungcy/futuresbot/internal/observability"
)

// Gateway is the subset of the exchange API the adapter needs.
type Gateway interface {
	PlaceReduceOnlyMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity float64) (string, error)
	GetOrderStatus(ctx context.Context, symbol, orderID string) (domain.OrderStatusReport, error)
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithRetryPolicy overrides the default two attempt policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(a *Adapter) { a.retry = p }
}

// WithRateLimit throttles order placement through a shared limiter.
func WithRateLimit(l domain.RateLimiter, key string, limit int, window time.Duration) Option {
	return func(a *Adapter) {
		a.limiter = l
		a.limitKey = key
		a.limit = limit
		a.window = window
	}
}

// WithMetrics records execution metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// WithDedupTTL changes how long a filled close blocks an identical one.
func WithDedupTTL(ttl time.Duration) Option {
	return func(a *Adapter) { a.dedup = NewDedup(ttl) }
}

// Adapter executes partial closes against a Gateway. A nil gateway puts the
// adapter in backtest mode where every close fails without side effects.
type Adapter struct {
	gw           Gateway
	minOrderSize float64
	retry        RetryPolicy
	dedup        *Dedup

	limiter  domain.RateLimiter
	limitKey string
	limit    int
	window   time.Duration

	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewAdapter creates an Adapter.
func NewAdapter(gw Gateway, minOrderSize float64, logger *slog.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		gw:           gw,
		minOrderSize: minOrderSize,
		retry:        DefaultRetryPolicy(),
		dedup:        NewDedup(2 * time.Minute),
		logger:       logger.With(slog.String("component", "executor")),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// fillTolerance absorbs float noise when comparing executed and requested
// quantities.
const fillTolerance = 1e-9

// Live reports whether a gateway is configured.
func (a *Adapter) Live() bool {
	return a.gw != nil
}

// ClosePartial closes instr.Quantity of pos with a reduce-only market order.
// The order is placed and then verified with a status query; both steps are
// retried together under the RetryPolicy. The position is never modified.
func (a *Adapter) ClosePartial(ctx context.Context, pos domain.Position, instr domain.PartialCloseInstruction) domain.PartialCloseOutcome {
	source := instr.Source
	if source == "" {
		source = domain.ExitSourceLadder
	}
	log := a.logger.With(
		slog.String("symbol", pos.Symbol),
		slog.String("source", string(source)),
		slog.Int("level", instr.Level),
	)

	if a.gw == nil {
		log.Warn("partial close requested without exchange gateway")
		return a.fail(source, 0, domain.ErrNoGateway)
	}
	if instr.Quantity <= 0 {
		return a.fail(source, 0, fmt.Errorf("%w: quantity %g", domain.ErrInvalidOrder, instr.Quantity))
	}
	if a.minOrderSize > 0 && instr.Quantity < a.minOrderSize && !instr.CloseRemaining {
		log.Warn("partial close below minimum order size",
			slog.Float64("quantity", instr.Quantity),
			slog.Float64("min_order_size", a.minOrderSize),
		)
		return a.fail(source, 0, fmt.Errorf("%w: %g < %g", domain.ErrBelowMinimum, instr.Quantity, a.minOrderSize))
	}

	key := closeKey(pos, instr)
	if !a.dedup.Begin(key) {
		log.Warn("duplicate partial close suppressed")
		return a.fail(source, 0, fmt.Errorf("close for %s already submitted", key))
	}

	side := pos.Side.CloseSide()
	var (
		orderID string
		report  domain.OrderStatusReport
	)
	attempts, err := a.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		id, rep, err := a.placeAndVerify(ctx, pos.Symbol, side, instr.Quantity)
		if err != nil {
			log.Warn("partial close attempt failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			return err
		}
		orderID, report = id, rep
		return nil
	})
	if err != nil {
		a.dedup.Forget(key)
		log.Error("partial close failed",
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
		return a.fail(source, attempts, err)
	}

	filled := report.ExecutedQuantity
	if filled <= 0 {
		filled = instr.Quantity
	}
	if instr.Quantity-filled > fillTolerance {
		// The leftover must stay closable on the next tick.
		a.dedup.Forget(key)
	}
	price := report.AveragePrice
	if price <= 0 {
		log.Warn("order status carried no average price, using target",
			slog.String("order_id", orderID),
			slog.Float64("target", instr.TargetPrice),
		)
		price = instr.TargetPrice
	}
	profit := pos.Side.ProfitDistance(pos.EntryPrice, price) * filled

	log.Info("partial close filled",
		slog.String("order_id", orderID),
		slog.String("status", string(report.Status)),
		slog.Float64("filled", filled),
		slog.Float64("price", price),
		slog.Float64("profit", profit),
		slog.Int("attempts", attempts),
	)
	a.metrics.RecordPartialClose(string(source), true, attempts, profit)

	return domain.PartialCloseOutcome{
		Success:        true,
		OrderID:        orderID,
		FilledQuantity: filled,
		FillPrice:      price,
		RealizedProfit: profit,
		Attempts:       attempts,
	}
}

func (a *Adapter) placeAndVerify(ctx context.Context, symbol string, side domain.OrderSide, qty float64) (string, domain.OrderStatusReport, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx, a.limitKey, a.limit, a.window); err != nil {
			return "", domain.OrderStatusReport{}, fmt.Errorf("rate limit: %w", err)
		}
	}

	start := time.Now()
	orderID, err := a.gw.PlaceReduceOnlyMarketOrder(ctx, symbol, side, qty)
	a.metrics.ObserveGateway("place_order", time.Since(start).Seconds())
	if err != nil {
		return "", domain.OrderStatusReport{}, fmt.Errorf("place order: %w", err)
	}
	if orderID == "" {
		return "", domain.OrderStatusReport{}, errors.New("place order: exchange returned no order id")
	}

	start = time.Now()
	report, err := a.gw.GetOrderStatus(ctx, symbol, orderID)
	a.metrics.ObserveGateway("order_status", time.Since(start).Seconds())
	if err != nil {
		return "", domain.OrderStatusReport{}, fmt.Errorf("order %s status: %w", orderID, err)
	}
	if !report.Status.Executed() {
		return "", domain.OrderStatusReport{}, fmt.Errorf("order %s status %s: %w", orderID, report.Status, domain.ErrOrderNotFilled)
	}
	return orderID, report, nil
}

func (a *Adapter) fail(source domain.ExitSource, attempts int, err error) domain.PartialCloseOutcome {
	a.metrics.RecordPartialClose(string(source), false, attempts, 0)
	return domain.PartialCloseOutcome{
		Success:      false,
		ErrorMessage: err.Error(),
		Attempts:     attempts,
	}
}

// Run periodically clears expired dedup entries until ctx is done.
func (a *Adapter) Run(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.dedup.Cleanup()
		}
	}
}
