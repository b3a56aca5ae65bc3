package executor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// PricePeeker returns the latest known price for a symbol.
type PricePeeker interface {
	GetPrice(ctx context.Context, symbol string) (float64, time.Time, error)
}

// PaperGateway is a Gateway that fills every order immediately at the
// latest cached price. Monitor mode uses it to paper-trade the exit loop.
type PaperGateway struct {
	prices PricePeeker
	seq    atomic.Int64

	mu     sync.Mutex
	orders map[string]domain.OrderStatusReport
}

// NewPaperGateway creates a PaperGateway reading fill prices from prices.
func NewPaperGateway(prices PricePeeker) *PaperGateway {
	return &PaperGateway{
		prices: prices,
		orders: make(map[string]domain.OrderStatusReport),
	}
}

// PlaceReduceOnlyMarketOrder records a filled paper order.
func (p *PaperGateway) PlaceReduceOnlyMarketOrder(ctx context.Context, symbol string, _ domain.OrderSide, quantity float64) (string, error) {
	if quantity <= 0 {
		return "", fmt.Errorf("paper: %w: quantity %g", domain.ErrInvalidOrder, quantity)
	}
	price, _, err := p.prices.GetPrice(ctx, symbol)
	if err != nil {
		return "", fmt.Errorf("paper: price for %s: %w", symbol, err)
	}

	id := "paper-" + strconv.FormatInt(p.seq.Add(1), 10)
	p.mu.Lock()
	p.orders[id] = domain.OrderStatusReport{
		OrderID:          id,
		Status:           domain.OrderStatusFilled,
		ExecutedQuantity: quantity,
		AveragePrice:     price,
	}
	p.mu.Unlock()
	return id, nil
}

// GetOrderStatus returns the stored paper fill.
func (p *PaperGateway) GetOrderStatus(_ context.Context, _, orderID string) (domain.OrderStatusReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rep, ok := p.orders[orderID]
	if !ok {
		return domain.OrderStatusReport{}, fmt.Errorf("paper: order %s: %w", orderID, domain.ErrNotFound)
	}
	return rep, nil
}

var _ Gateway = (*PaperGateway)(nil)
