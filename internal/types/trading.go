package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceIOC TimeInForce = "ioc"
	TimeInForceFOK TimeInForce = "fok"
)

// OrderStatus is the normalized order state shared by every adapter.
type OrderStatus string

const (
	OrderStatusAccepted    OrderStatus = "accepted"
	OrderStatusPartialFill OrderStatus = "partial_fill"
	OrderStatusFilled      OrderStatus = "filled"
	OrderStatusCanceled    OrderStatus = "canceled"
	OrderStatusRejected    OrderStatus = "rejected"
	OrderStatusPending     OrderStatus = "pending"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

var (
	ErrMissingSymbol     = errors.New("symbol is required")
	ErrInvalidSide       = errors.New("side must be buy or sell")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrInvalidOrderType  = errors.New("unknown order type")
	ErrMissingLimitPrice = errors.New("limit price is required for limit and stop-limit orders")
	ErrMissingStopPrice  = errors.New("stop price is required for stop and stop-limit orders")
)

// OrderRequest is the broker-agnostic order submitted by callers.
type OrderRequest struct {
	Symbol        string           `json:"symbol"`
	Side          Side             `json:"side"`
	Quantity      decimal.Decimal  `json:"quantity"`
	Type          OrderType        `json:"order_type"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice     *decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce   TimeInForce      `json:"time_in_force,omitempty"`
	ClientOrderID string           `json:"client_order_id,omitempty"`
	ReduceOnly    bool             `json:"reduce_only,omitempty"`
	PostOnly      bool             `json:"post_only,omitempty"`
}

// Validate checks the request is internally consistent. It does not check
// whether a given broker can express it; adapters do that.
func (r OrderRequest) Validate() error {
	if r.Symbol == "" {
		return ErrMissingSymbol
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return ErrInvalidSide
	}
	if !r.Quantity.IsPositive() {
		return ErrInvalidQuantity
	}
	switch r.Type {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if r.LimitPrice == nil || !r.LimitPrice.IsPositive() {
			return ErrMissingLimitPrice
		}
	case OrderTypeStop:
		if r.StopPrice == nil || !r.StopPrice.IsPositive() {
			return ErrMissingStopPrice
		}
	case OrderTypeStopLimit:
		if r.LimitPrice == nil || !r.LimitPrice.IsPositive() {
			return ErrMissingLimitPrice
		}
		if r.StopPrice == nil || !r.StopPrice.IsPositive() {
			return ErrMissingStopPrice
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidOrderType, r.Type)
	}
	return nil
}

// Notional returns quantity times the limit price. Market and stop orders
// carry no price the fill is bounded by and report false.
func (r OrderRequest) Notional() (decimal.Decimal, bool) {
	if r.LimitPrice != nil && r.LimitPrice.IsPositive() {
		return r.Quantity.Mul(*r.LimitPrice), true
	}
	return decimal.Zero, false
}

// OrderResponse is the normalized view of a broker order.
type OrderResponse struct {
	OrderID        string          `json:"order_id"`
	ClientOrderID  string          `json:"client_order_id,omitempty"`
	Status         OrderStatus     `json:"status"`
	NativeStatus   string          `json:"native_status,omitempty"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AveragePrice   decimal.Decimal `json:"average_price"`
	Reason         string          `json:"reason,omitempty"`
	SubmittedAt    time.Time       `json:"submitted_at"`
	Request        OrderRequest    `json:"request"`
}

// FilledNotional is the value actually traded.
func (r OrderResponse) FilledNotional() decimal.Decimal {
	return r.FilledQuantity.Mul(r.AveragePrice)
}

// Apply merges a later observation of the same order into r. Terminal
// states are final; Apply returns false and leaves r untouched once r is
// filled, canceled or rejected.
func (r *OrderResponse) Apply(update OrderResponse) bool {
	if r.Status.IsTerminal() {
		return false
	}
	r.Status = update.Status
	r.NativeStatus = update.NativeStatus
	r.FilledQuantity = update.FilledQuantity
	r.AveragePrice = update.AveragePrice
	if update.Reason != "" {
		r.Reason = update.Reason
	}
	return true
}

// Rejected builds a broker rejection response. Rejections are results, not
// errors.
func Rejected(req OrderRequest, native, reason string) *OrderResponse {
	return &OrderResponse{
		ClientOrderID: req.ClientOrderID,
		Status:        OrderStatusRejected,
		NativeStatus:  native,
		Reason:        reason,
		SubmittedAt:   time.Now(),
		Request:       req,
	}
}
