package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

type staticPrices map[string]float64

func (s staticPrices) GetPrice(_ context.Context, symbol string) (float64, time.Time, error) {
	p, ok := s[symbol]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, time.Now(), nil
}

func TestPaperGateway_FillsAtCachedPrice(t *testing.T) {
	gw := NewPaperGateway(staticPrices{"BTCUSDT": 51234})
	a := NewAdapter(gw, 0.001, discard(), fastRetry())

	out := a.ClosePartial(context.Background(), longPos(), instr(1, 0.25))
	require.True(t, out.Success, out.ErrorMessage)
	assert.Equal(t, "paper-1", out.OrderID)
	assert.Equal(t, 51234.0, out.FillPrice)
	assert.InDelta(t, 0.25*1234, out.RealizedProfit, 1e-9)
}

func TestPaperGateway_NoPrice(t *testing.T) {
	gw := NewPaperGateway(staticPrices{})
	_, err := gw.PlaceReduceOnlyMarketOrder(context.Background(), "ETHUSDT", domain.OrderSideSell, 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = gw.GetOrderStatus(context.Background(), "ETHUSDT", "paper-9")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
