package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountInfo is a live projection of a broker account. It is never stored.
type AccountInfo struct {
	AccountID       string          `json:"account_id"`
	AccountType     string          `json:"account_type"`
	Cash            decimal.Decimal `json:"cash"`
	BuyingPower     decimal.Decimal `json:"buying_power"`
	Equity          decimal.Decimal `json:"equity"`
	MarginUsed      decimal.Decimal `json:"margin_used"`
	MarginAvailable decimal.Decimal `json:"margin_available"`
	Currency        string          `json:"currency"`
	Extra           map[string]any  `json:"extra,omitempty"`
}

type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// Position is a normalized holding. EntryPrice and UnrealizedPnL are nil
// when the broker cannot supply a true cost basis.
type Position struct {
	Symbol           string           `json:"symbol"`
	Quantity         decimal.Decimal  `json:"quantity"`
	Side             PositionSide     `json:"side"`
	EntryPrice       *decimal.Decimal `json:"entry_price,omitempty"`
	CurrentPrice     decimal.Decimal  `json:"current_price"`
	MarketValue      decimal.Decimal  `json:"market_value"`
	UnrealizedPnL    *decimal.Decimal `json:"unrealized_pnl,omitempty"`
	Leverage         *decimal.Decimal `json:"leverage,omitempty"`
	LiquidationPrice *decimal.Decimal `json:"liquidation_price,omitempty"`
}

// PnLAvailable reports whether the position carries a real unrealized P&L.
func (p Position) PnLAvailable() bool {
	return p.UnrealizedPnL != nil
}

type Quote struct {
	Symbol    string           `json:"symbol"`
	Bid       decimal.Decimal  `json:"bid"`
	Ask       decimal.Decimal  `json:"ask"`
	Last      *decimal.Decimal `json:"last,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}
