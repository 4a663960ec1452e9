package alpaca

import (
	"fmt"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"github.com/ksred/klear-broker/internal/broker"
	"github.com/ksred/klear-broker/internal/types"
)

// normalizeStatus maps Alpaca order states. Anything not listed is pending.
func normalizeStatus(native string, filledQty bool) types.OrderStatus {
	switch native {
	case "new", "accepted", "pending_new", "accepted_for_bidding":
		return types.OrderStatusAccepted
	case "partially_filled":
		return types.OrderStatusPartialFill
	case "filled":
		return types.OrderStatusFilled
	case "canceled", "expired", "replaced":
		return types.OrderStatusCanceled
	case "rejected":
		return types.OrderStatusRejected
	case "done_for_day":
		if filledQty {
			return types.OrderStatusPartialFill
		}
		return types.OrderStatusPending
	default:
		return types.OrderStatusPending
	}
}

func orderType(t types.OrderType) (alpaca.OrderType, error) {
	switch t {
	case types.OrderTypeMarket:
		return alpaca.Market, nil
	case types.OrderTypeLimit:
		return alpaca.Limit, nil
	case types.OrderTypeStop:
		return alpaca.Stop, nil
	case types.OrderTypeStopLimit:
		return alpaca.StopLimit, nil
	default:
		return "", &broker.UnsupportedOrderError{Broker: Name, Reason: fmt.Sprintf("order type %q", t)}
	}
}

func timeInForce(tif types.TimeInForce) (alpaca.TimeInForce, error) {
	switch tif {
	case types.TimeInForceDay, "":
		return alpaca.Day, nil
	case types.TimeInForceGTC:
		return alpaca.GTC, nil
	case types.TimeInForceIOC:
		return alpaca.IOC, nil
	case types.TimeInForceFOK:
		return alpaca.FOK, nil
	default:
		return "", &broker.UnsupportedOrderError{Broker: Name, Reason: fmt.Sprintf("time in force %q", tif)}
	}
}

func side(s types.Side) (alpaca.Side, error) {
	switch s {
	case types.SideBuy:
		return alpaca.Buy, nil
	case types.SideSell:
		return alpaca.Sell, nil
	default:
		return "", &broker.UnsupportedOrderError{Broker: Name, Reason: fmt.Sprintf("side %q", s)}
	}
}

// placeRequest translates a normalized order. Alpaca equities have no
// reduce-only or post-only flags, so those are refused rather than dropped.
func placeRequest(req types.OrderRequest) (alpaca.PlaceOrderRequest, error) {
	if req.ReduceOnly {
		return alpaca.PlaceOrderRequest{}, &broker.UnsupportedOrderError{Broker: Name, Reason: "reduce-only orders"}
	}
	if req.PostOnly {
		return alpaca.PlaceOrderRequest{}, &broker.UnsupportedOrderError{Broker: Name, Reason: "post-only orders"}
	}

	ot, err := orderType(req.Type)
	if err != nil {
		return alpaca.PlaceOrderRequest{}, err
	}
	tif, err := timeInForce(req.TimeInForce)
	if err != nil {
		return alpaca.PlaceOrderRequest{}, err
	}
	sd, err := side(req.Side)
	if err != nil {
		return alpaca.PlaceOrderRequest{}, err
	}

	qty := req.Quantity
	out := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          sd,
		Type:          ot,
		TimeInForce:   tif,
		ClientOrderID: req.ClientOrderID,
	}
	if ot == alpaca.Limit || ot == alpaca.StopLimit {
		out.LimitPrice = req.LimitPrice
	}
	if ot == alpaca.Stop || ot == alpaca.StopLimit {
		out.StopPrice = req.StopPrice
	}
	return out, nil
}

func fromOrder(o *alpaca.Order, req types.OrderRequest) *types.OrderResponse {
	resp := &types.OrderResponse{
		OrderID:        o.ID,
		ClientOrderID:  o.ClientOrderID,
		Status:         normalizeStatus(o.Status, o.FilledQty.IsPositive()),
		NativeStatus:   o.Status,
		FilledQuantity: o.FilledQty,
		SubmittedAt:    o.SubmittedAt,
		Request:        req,
	}
	if o.FilledAvgPrice != nil {
		resp.AveragePrice = *o.FilledAvgPrice
	}
	return resp
}

// requestFromOrder rebuilds the normalized request for orders fetched
// without one, such as history listings.
func requestFromOrder(o *alpaca.Order) types.OrderRequest {
	req := types.OrderRequest{
		Symbol:        o.Symbol,
		Side:          types.Side(o.Side),
		Type:          types.OrderType(o.Type),
		TimeInForce:   types.TimeInForce(o.TimeInForce),
		ClientOrderID: o.ClientOrderID,
		LimitPrice:    o.LimitPrice,
		StopPrice:     o.StopPrice,
	}
	if o.Qty != nil {
		req.Quantity = *o.Qty
	}
	return req
}
