package binance

import (
	"strconv"
	"time"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// --------------------------------------------------------------------------
// REST DTOs (USDT-M futures)
// --------------------------------------------------------------------------

// APIOrder is the order object returned by POST and GET /fapi/v1/order.
// Numeric fields arrive as strings.
type APIOrder struct {
	OrderID       int64  `json:"orderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	AvgPrice      string `json:"avgPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	CumQuote      string `json:"cumQuote"`
	ReduceOnly    bool   `json:"reduceOnly"`
	Side          string `json:"side"`
	PositionSide  string `json:"positionSide"`
	Type          string `json:"type"`
	UpdateTime    int64  `json:"updateTime"`
}

// ToStatusReport converts the order to a domain.OrderStatusReport. When the
// average price is missing it is derived from cumulative quote over
// executed quantity.
func (o APIOrder) ToStatusReport() domain.OrderStatusReport {
	executed := parseFloat(o.ExecutedQty)
	avg := parseFloat(o.AvgPrice)
	if avg <= 0 && executed > 0 {
		avg = parseFloat(o.CumQuote) / executed
	}
	return domain.OrderStatusReport{
		OrderID:          strconv.FormatInt(o.OrderID, 10),
		Status:           domain.OrderStatus(o.Status),
		ExecutedQuantity: executed,
		AveragePrice:     avg,
	}
}

// APIError is the error body Binance returns with non-2xx responses.
type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// APIMarkPrice is returned by GET /fapi/v1/premiumIndex.
type APIMarkPrice struct {
	Symbol    string `json:"symbol"`
	MarkPrice string `json:"markPrice"`
	Time      int64  `json:"time"`
}

// APIPositionRisk is one element of GET /fapi/v2/positionRisk.
type APIPositionRisk struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
	PositionSide     string `json:"positionSide"`
	UpdateTime       int64  `json:"updateTime"`
}

// ExchangePosition is a normalised exchange-side position.
type ExchangePosition struct {
	Symbol     string
	Side       domain.Side
	Quantity   float64
	EntryPrice float64
	MarkPrice  float64
	Leverage   int
}

// ToExchangePosition normalises a position risk row. Flat rows return false.
func (p APIPositionRisk) ToExchangePosition() (ExchangePosition, bool) {
	amt := parseFloat(p.PositionAmt)
	if amt == 0 {
		return ExchangePosition{}, false
	}
	side := domain.SideLong
	if amt < 0 {
		side = domain.SideShort
		amt = -amt
	}
	lev, _ := strconv.Atoi(p.Leverage)
	return ExchangePosition{
		Symbol:     p.Symbol,
		Side:       side,
		Quantity:   amt,
		EntryPrice: parseFloat(p.EntryPrice),
		MarkPrice:  parseFloat(p.MarkPrice),
		Leverage:   lev,
	}, true
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// StreamEnvelope wraps combined stream payloads.
type StreamEnvelope[T any] struct {
	Stream string `json:"stream"`
	Data   T      `json:"data"`
}

// MarkPriceEvent is the <symbol>@markPrice payload.
type MarkPriceEvent struct {
	EventType  string `json:"e"`
	EventTime  int64  `json:"E"`
	Symbol     string `json:"s"`
	MarkPrice  string `json:"p"`
	IndexPrice string `json:"i"`
}

// MarkPrice is a decoded mark price tick.
type MarkPrice struct {
	Symbol string
	Price  float64
	Time   time.Time
}

// ToMarkPrice decodes the event.
func (e MarkPriceEvent) ToMarkPrice() MarkPrice {
	return MarkPrice{
		Symbol: e.Symbol,
		Price:  parseFloat(e.MarkPrice),
		Time:   time.UnixMilli(e.EventTime).UTC(),
	}
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
