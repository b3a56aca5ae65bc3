package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

type placeCall struct {
	symbol string
	side   domain.OrderSide
	qty    float64
}

type fakeGateway struct {
	mu       sync.Mutex
	places   []placeCall
	placeErr []error
	statuses []domain.OrderStatusReport
	statusN  int
}

func (f *fakeGateway) PlaceReduceOnlyMarketOrder(_ context.Context, symbol string, side domain.OrderSide, qty float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.places)
	f.places = append(f.places, placeCall{symbol: symbol, side: side, qty: qty})
	if n < len(f.placeErr) && f.placeErr[n] != nil {
		return "", f.placeErr[n]
	}
	return "order-" + string(rune('1'+n)), nil
}

func (f *fakeGateway) GetOrderStatus(_ context.Context, _, orderID string) (domain.OrderStatusReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rep := domain.OrderStatusReport{Status: domain.OrderStatusFilled}
	if f.statusN < len(f.statuses) {
		rep = f.statuses[f.statusN]
	}
	f.statusN++
	rep.OrderID = orderID
	return rep, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetry() Option {
	return WithRetryPolicy(RetryPolicy{Attempts: 2, Delay: time.Millisecond})
}

func longPos() domain.Position {
	return domain.Position{
		Symbol:           "BTCUSDT",
		Side:             domain.SideLong,
		EntryPrice:       50000,
		Quantity:         1,
		OriginalQuantity: 1,
	}
}

func instr(level int, qty float64) domain.PartialCloseInstruction {
	return domain.PartialCloseInstruction{
		Symbol:      "BTCUSDT",
		Level:       level,
		TargetPrice: 51500,
		Quantity:    qty,
		Source:      domain.ExitSourceLadder,
	}
}

func TestClosePartial_Filled(t *testing.T) {
	gw := &fakeGateway{statuses: []domain.OrderStatusReport{
		{Status: domain.OrderStatusFilled, ExecutedQuantity: 0.4, AveragePrice: 51600},
	}}
	a := NewAdapter(gw, 0.001, discard(), fastRetry())

	out := a.ClosePartial(context.Background(), longPos(), instr(1, 0.4))
	require.True(t, out.Success, out.ErrorMessage)
	assert.Equal(t, "order-1", out.OrderID)
	assert.Equal(t, 1, out.Attempts)
	assert.InDelta(t, 0.4, out.FilledQuantity, 1e-12)
	assert.InDelta(t, 640, out.RealizedProfit, 1e-6)

	require.Len(t, gw.places, 1)
	assert.Equal(t, domain.OrderSideSell, gw.places[0].side)
}

func TestClosePartial_ShortBuysAndProfitSign(t *testing.T) {
	gw := &fakeGateway{statuses: []domain.OrderStatusReport{
		{Status: domain.OrderStatusPartiallyFilled, ExecutedQuantity: 2, AveragePrice: 105},
	}}
	a := NewAdapter(gw, 0, discard(), fastRetry())
	pos := domain.Position{Symbol: "ETHUSDT", Side: domain.SideShort, EntryPrice: 100, Quantity: 5, OriginalQuantity: 5}

	out := a.ClosePartial(context.Background(), pos, domain.PartialCloseInstruction{Symbol: "ETHUSDT", Level: 1, Quantity: 2})
	require.True(t, out.Success)
	assert.Equal(t, domain.OrderSideBuy, gw.places[0].side)
	assert.InDelta(t, -10, out.RealizedProfit, 1e-9)
}

func TestClosePartial_RetriesOnceThenSucceeds(t *testing.T) {
	gw := &fakeGateway{placeErr: []error{errors.New("timeout")}}
	a := NewAdapter(gw, 0, discard(), fastRetry())

	out := a.ClosePartial(context.Background(), longPos(), instr(1, 0.4))
	require.True(t, out.Success)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, "order-2", out.OrderID)
	assert.InDelta(t, 0.4, out.FilledQuantity, 1e-12, "missing executed quantity falls back to request")
	assert.InDelta(t, 51500, out.FillPrice, 1e-9, "missing average price falls back to target")
}

func TestClosePartial_NotFilledExhaustsRetries(t *testing.T) {
	gw := &fakeGateway{statuses: []domain.OrderStatusReport{
		{Status: domain.OrderStatusNew},
		{Status: domain.OrderStatusCanceled},
	}}
	a := NewAdapter(gw, 0, discard(), fastRetry())

	out := a.ClosePartial(context.Background(), longPos(), instr(1, 0.4))
	assert.False(t, out.Success)
	assert.Equal(t, 2, out.Attempts)
	assert.Contains(t, out.ErrorMessage, "failed after 2 attempts")
	assert.Contains(t, out.ErrorMessage, "CANCELED")
	assert.Len(t, gw.places, 2)

	out = a.ClosePartial(context.Background(), longPos(), instr(1, 0.4))
	assert.True(t, out.Success, "a failed close does not block the next try")
}

func TestClosePartial_NoGateway(t *testing.T) {
	a := NewAdapter(nil, 0, discard())
	out := a.ClosePartial(context.Background(), longPos(), instr(1, 0.4))
	assert.False(t, out.Success)
	assert.Equal(t, 0, out.Attempts)
	assert.Contains(t, out.ErrorMessage, domain.ErrNoGateway.Error())
	assert.False(t, a.Live())
}

func TestClosePartial_BelowMinimum(t *testing.T) {
	gw := &fakeGateway{}
	a := NewAdapter(gw, 0.5, discard(), fastRetry())

	out := a.ClosePartial(context.Background(), longPos(), instr(1, 0.1))
	assert.False(t, out.Success)
	assert.Contains(t, out.ErrorMessage, "below minimum")
	assert.Empty(t, gw.places)

	rem := instr(3, 0.1)
	rem.CloseRemaining = true
	out = a.ClosePartial(context.Background(), longPos(), rem)
	assert.True(t, out.Success, "closing the remainder is allowed below minimum")
}

func TestClosePartial_DuplicateSuppressed(t *testing.T) {
	gw := &fakeGateway{}
	a := NewAdapter(gw, 0, discard(), fastRetry())

	require.True(t, a.ClosePartial(context.Background(), longPos(), instr(1, 0.4)).Success)
	out := a.ClosePartial(context.Background(), longPos(), instr(1, 0.4))
	assert.False(t, out.Success)
	assert.Len(t, gw.places, 1)

	atr := instr(1, 0.33)
	atr.Source = domain.ExitSourceATRPolicy
	assert.True(t, a.ClosePartial(context.Background(), longPos(), atr).Success)
}

func TestClosePartial_PartialFillLeavesRemainderClosable(t *testing.T) {
	gw := &fakeGateway{statuses: []domain.OrderStatusReport{
		{Status: domain.OrderStatusPartiallyFilled, ExecutedQuantity: 0.6, AveragePrice: 49000},
		{Status: domain.OrderStatusFilled, ExecutedQuantity: 0.4, AveragePrice: 48900},
	}}
	a := NewAdapter(gw, 0, discard(), fastRetry())
	pos := longPos()
	pos.ID = "p1"

	full := domain.PartialCloseInstruction{
		Symbol:         "BTCUSDT",
		TargetPrice:    49000,
		Quantity:       1,
		CloseRemaining: true,
		Source:         domain.ExitSourceFull,
	}
	out := a.ClosePartial(context.Background(), pos, full)
	require.True(t, out.Success, out.ErrorMessage)
	assert.InDelta(t, 0.6, out.FilledQuantity, 1e-12)

	pos.Quantity = 0.4
	full.Quantity = 0.4
	out = a.ClosePartial(context.Background(), pos, full)
	require.True(t, out.Success, out.ErrorMessage)
	assert.InDelta(t, 0.4, out.FilledQuantity, 1e-12)
	require.Len(t, gw.places, 2)
	assert.InDelta(t, 0.4, gw.places[1].qty, 1e-12)

	// A complete fill still blocks an immediate repeat.
	out = a.ClosePartial(context.Background(), pos, full)
	assert.False(t, out.Success)
	assert.Len(t, gw.places, 2)
}

func TestRetryPolicy(t *testing.T) {
	p := RetryPolicy{Attempts: 3, Delay: time.Millisecond}
	var calls int
	n, err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, calls)
	assert.EqualError(t, err, "failed after 3 attempts: boom")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err = RetryPolicy{Attempts: 2, Delay: time.Hour}.Do(ctx, func(context.Context, int) error {
		return errors.New("down")
	})
	require.Error(t, err)
	assert.Equal(t, 1, n)

	n, err = RetryPolicy{}.Do(context.Background(), func(context.Context, int) error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDedup(t *testing.T) {
	d := NewDedup(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	assert.True(t, d.Begin("k"))
	assert.False(t, d.Begin("k"))

	now = now.Add(2 * time.Minute)
	d.Cleanup()
	assert.True(t, d.Begin("k"))

	d.Forget("k")
	assert.True(t, d.Begin("k"))
}

func TestCloseKeyScopedToPosition(t *testing.T) {
	pos := longPos()
	assert.Equal(t, "BTCUSDT:ladder:1", closeKey(pos, instr(1, 0.2)))

	pos.ID = "p-1"
	assert.Equal(t, "p-1/BTCUSDT:ladder:1", closeKey(pos, instr(1, 0.2)))

	other := domain.PartialCloseInstruction{Symbol: "BTCUSDT", Level: 0, Source: domain.ExitSourceFull}
	assert.Equal(t, "p-1/BTCUSDT:full_exit:0", closeKey(pos, other))
}
