package binance

import (
	"fmt"
	"strconv"
	"strings"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-broker/internal/broker"
	"github.com/ksred/klear-broker/internal/types"
)

// normalizeStatus maps spot order states. Anything not listed is pending.
func normalizeStatus(native string) types.OrderStatus {
	switch native {
	case "NEW":
		return types.OrderStatusAccepted
	case "PARTIALLY_FILLED":
		return types.OrderStatusPartialFill
	case "FILLED":
		return types.OrderStatusFilled
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
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

// spotOrder is a new spot order in exchange terms.
type spotOrder struct {
	Symbol      string
	Side        gobinance.SideType
	Type        gobinance.OrderType
	TimeInForce gobinance.TimeInForceType
	Quantity    string
	Price       string
	StopPrice   string
	ClientID    string
}

// apply copies the order onto an exchange create call.
func (o spotOrder) apply(svc *gobinance.CreateOrderService) *gobinance.CreateOrderService {
	svc = svc.Symbol(o.Symbol).
		Side(o.Side).
		Type(o.Type).
		Quantity(o.Quantity).
		NewOrderRespType(gobinance.NewOrderRespTypeFULL)
	if o.TimeInForce != "" {
		svc = svc.TimeInForce(o.TimeInForce)
	}
	if o.Price != "" {
		svc = svc.Price(o.Price)
	}
	if o.StopPrice != "" {
		svc = svc.StopPrice(o.StopPrice)
	}
	if o.ClientID != "" {
		svc = svc.NewClientOrderID(o.ClientID)
	}
	return svc
}

// orderParams translates a request into a spot order. Spot has no
// reduce-only orders and no day time in force; post-only exists only for
// limit orders.
func orderParams(req types.OrderRequest) (spotOrder, error) {
	if req.ReduceOnly {
		return spotOrder{}, unsupported("reduce-only orders on spot")
	}

	o := spotOrder{
		Symbol:   strings.ToUpper(req.Symbol),
		Quantity: req.Quantity.String(),
		ClientID: req.ClientOrderID,
	}

	switch req.Side {
	case types.SideBuy:
		o.Side = gobinance.SideTypeBuy
	case types.SideSell:
		o.Side = gobinance.SideTypeSell
	default:
		return spotOrder{}, unsupported("side %q", req.Side)
	}

	if req.PostOnly && req.Type != types.OrderTypeLimit {
		return spotOrder{}, unsupported("post-only %s orders", req.Type)
	}

	needsTIF := false
	switch req.Type {
	case types.OrderTypeMarket:
		o.Type = gobinance.OrderTypeMarket
	case types.OrderTypeLimit:
		if req.PostOnly {
			o.Type = gobinance.OrderTypeLimitMaker
		} else {
			o.Type = gobinance.OrderTypeLimit
			needsTIF = true
		}
		o.Price = req.LimitPrice.String()
	case types.OrderTypeStop:
		o.Type = gobinance.OrderTypeStopLoss
		o.StopPrice = req.StopPrice.String()
	case types.OrderTypeStopLimit:
		o.Type = gobinance.OrderTypeStopLossLimit
		o.Price = req.LimitPrice.String()
		o.StopPrice = req.StopPrice.String()
		needsTIF = true
	default:
		return spotOrder{}, unsupported("order type %q", req.Type)
	}

	if needsTIF {
		switch req.TimeInForce {
		case types.TimeInForceGTC, "":
			o.TimeInForce = gobinance.TimeInForceTypeGTC
		case types.TimeInForceIOC:
			o.TimeInForce = gobinance.TimeInForceTypeIOC
		case types.TimeInForceFOK:
			o.TimeInForce = gobinance.TimeInForceTypeFOK
		default:
			return spotOrder{}, unsupported("time in force %q", req.TimeInForce)
		}
	} else if req.TimeInForce != "" && req.TimeInForce != types.TimeInForceGTC {
		return spotOrder{}, unsupported("time in force %q for %s orders", req.TimeInForce, req.Type)
	}

	return o, nil
}

func orderTypeFromNative(native string) types.OrderType {
	switch native {
	case "LIMIT", "LIMIT_MAKER":
		return types.OrderTypeLimit
	case "STOP_LOSS":
		return types.OrderTypeStop
	case "STOP_LOSS_LIMIT":
		return types.OrderTypeStopLimit
	default:
		return types.OrderTypeMarket
	}
}

// orderID packs the symbol into the id because every spot order lookup
// needs both.
func orderID(symbol string, id int64) string {
	return symbol + ":" + strconv.FormatInt(id, 10)
}

func splitOrderID(id string) (string, int64, error) {
	symbol, num, ok := strings.Cut(id, ":")
	n, err := strconv.ParseInt(num, 10, 64)
	if !ok || symbol == "" || err != nil {
		return "", 0, fmt.Errorf("%s: %w: malformed order id %q", Name, broker.ErrOrderNotFound, id)
	}
	return symbol, n, nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
