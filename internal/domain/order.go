package domain

// OrderSide indicates whether an order buys or sells.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderStatus is the exchange-reported order state.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// Executed reports whether the status means at least part of the order
// traded. Any other status is treated as not yet successful.
func (s OrderStatus) Executed() bool {
	return s == OrderStatusFilled || s == OrderStatusPartiallyFilled
}

// OrderStatusReport is the result of querying an order on the exchange.
type OrderStatusReport struct {
	OrderID          string
	Status           OrderStatus
	ExecutedQuantity float64
	AveragePrice     float64
}
