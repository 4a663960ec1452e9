package kite

import (
	"fmt"
	"strings"

	"github.com/ksred/klear-broker/internal/broker"
	"github.com/ksred/klear-broker/internal/types"
)

const (
	varietyRegular = "regular"
	productCNC     = "CNC"
	defaultExch    = "NSE"

	// maxTagLen is the longest order tag Kite accepts.
	maxTagLen = 20
)

// normalizeStatus maps Kite order states. Anything not listed is pending.
func normalizeStatus(native string, filled float64) types.OrderStatus {
	switch native {
	case "OPEN", "TRIGGER PENDING":
		if filled > 0 {
			return types.OrderStatusPartialFill
		}
		return types.OrderStatusAccepted
	case "COMPLETE":
		return types.OrderStatusFilled
	case "CANCELLED":
		return types.OrderStatusCanceled
	case "REJECTED":
		return types.OrderStatusRejected
	default:
		return types.OrderStatusPending
	}
}

func unsupported(format string, args ...any) error {
	return &broker.UnsupportedOrderError{Broker: Name, Reason: fmt.Sprintf(format, args...)}
}

func orderType(t types.OrderType) (string, error) {
	switch t {
	case types.OrderTypeMarket:
		return "MARKET", nil
	case types.OrderTypeLimit:
		return "LIMIT", nil
	case types.OrderTypeStop:
		return "SL-M", nil
	case types.OrderTypeStopLimit:
		return "SL", nil
	default:
		return "", unsupported("order type %q", t)
	}
}

func validity(tif types.TimeInForce) (string, error) {
	switch tif {
	case types.TimeInForceDay, "":
		return "DAY", nil
	case types.TimeInForceIOC:
		return "IOC", nil
	default:
		return "", unsupported("time in force %q", tif)
	}
}

func transactionType(s types.Side) (string, error) {
	switch s {
	case types.SideBuy:
		return "BUY", nil
	case types.SideSell:
		return "SELL", nil
	default:
		return "", unsupported("side %q", s)
	}
}

// splitSymbol accepts "EXCHANGE:SYMBOL" or a bare symbol on NSE.
func splitSymbol(symbol string) (exchange, tradingSymbol string) {
	if exch, sym, ok := strings.Cut(symbol, ":"); ok {
		return strings.ToUpper(exch), strings.ToUpper(sym)
	}
	return defaultExch, strings.ToUpper(symbol)
}

func instrument(exchange, tradingSymbol string) string {
	return exchange + ":" + tradingSymbol
}
