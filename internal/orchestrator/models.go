package orchestrator

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/klear-broker/internal/types"
)

// TradeState is the orchestrator's view of a trade, separate from the
// broker's order status.
type TradeState string

const (
	StateRequested     TradeState = "requested"
	StateFundsReserved TradeState = "funds_reserved"
	StateRouted        TradeState = "routed"
	StateFilled        TradeState = "filled"
	StateRejected      TradeState = "rejected"
	StateFailed        TradeState = "failed"
)

// Final reports whether a trade in this state will not change again.
// Only filled and rejected trades are replayed for a repeated client
// order id; failed trades may be retried.
func (s TradeState) Final() bool {
	return s == StateFilled || s == StateRejected
}

// TradeRecord is the journal row for one ExecuteTrade call.
type TradeRecord struct {
	ID            string               `gorm:"primaryKey" json:"trade_id"`
	UserID        string               `gorm:"index;index:idx_trade_client,priority:1;not null" json:"user_id"`
	ClientOrderID string               `gorm:"index:idx_trade_client,priority:2" json:"client_order_id,omitempty"`
	ConnectionID  string               `gorm:"index" json:"connection_id,omitempty"`
	Broker        string               `json:"broker,omitempty"`
	Symbol        string               `json:"symbol"`
	Side          types.Side           `json:"side"`
	State         TradeState           `gorm:"index;not null" json:"state"`
	Stage         Stage                `json:"stage,omitempty"`
	Error         string               `json:"error,omitempty"`
	ReservationID string               `json:"reservation_id,omitempty"`
	Reserved      decimal.Decimal      `gorm:"type:text" json:"reserved"`
	Committed     decimal.Decimal      `gorm:"type:text" json:"committed"`
	BrokerOrderID string               `json:"broker_order_id,omitempty"`
	OrderStatus   types.OrderStatus    `json:"order_status,omitempty"`
	RequestedQty  decimal.Decimal      `gorm:"type:text" json:"requested_quantity"`
	FilledQty     decimal.Decimal      `gorm:"type:text" json:"filled_quantity"`
	AveragePrice  decimal.Decimal      `gorm:"type:text" json:"average_price"`
	Score         float64              `json:"score,omitempty"`
	SubmitLatency time.Duration        `json:"submit_latency_ns,omitempty"`
	Recovered     bool                 `json:"recovered,omitempty"`
	Order         *types.OrderResponse `gorm:"serializer:json" json:"order,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// Submitted reports whether the trade reached the broker, which is what
// success-rate estimates count.
func (r TradeRecord) Submitted() bool {
	switch r.State {
	case StateFilled:
		return true
	case StateRejected:
		return r.Stage != StageReservation
	case StateFailed:
		return r.Stage == StageSubmission || r.Stage == StageSettlement
	}
	return false
}

// TradeResult is what ExecuteTrade returns for filled and rejected
// trades.
type TradeResult struct {
	TradeID      string               `json:"trade_id"`
	State        TradeState           `json:"state"`
	ConnectionID string               `json:"connection_id,omitempty"`
	Broker       string               `json:"broker,omitempty"`
	Score        float64              `json:"score,omitempty"`
	Order        *types.OrderResponse `json:"order,omitempty"`
	Committed    decimal.Decimal      `json:"committed"`
	Replayed     bool                 `json:"replayed,omitempty"`
}

func resultOf(rec *TradeRecord) *TradeResult {
	return &TradeResult{
		TradeID:      rec.ID,
		State:        rec.State,
		ConnectionID: rec.ConnectionID,
		Broker:       rec.Broker,
		Score:        rec.Score,
		Order:        rec.Order,
		Committed:    rec.Committed,
	}
}
