package kite

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"github.com/ksred/klear-broker/internal/broker"
	"github.com/ksred/klear-broker/internal/types"
)

const Name = "kite"

// Adapter is a Zerodha Kite Connect stock broker adapter. It needs an api
// key and a session access token.
type Adapter struct {
	kc *kiteconnect.Client
}

var (
	_ broker.Adapter           = (*Adapter)(nil)
	_ broker.ClientOrderLookup = (*Adapter)(nil)
)

func New(creds types.Credentials, opts broker.Options) (*Adapter, error) {
	if !creds.Has(types.SecretAPIKey) || !creds.Has(types.SecretAccessToken) {
		return nil, fmt.Errorf("%s: %w: api_key and access_token", Name, broker.ErrMissingSecret)
	}

	kc := kiteconnect.New(creds.Get(types.SecretAPIKey))
	kc.SetAccessToken(creds.Get(types.SecretAccessToken))
	kc.SetHTTPClient(opts.Client())
	if opts.BaseURL != "" {
		kc.SetBaseURI(opts.BaseURL)
	}
	return &Adapter{kc: kc}, nil
}

func (a *Adapter) Name() string { return Name }

func kiteError(err error) (kiteconnect.Error, bool) {
	var kerr kiteconnect.Error
	if errors.As(err, &kerr) {
		return kerr, true
	}
	return kerr, false
}

func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	kerr, ok := kiteError(err)
	if !ok {
		return &broker.TransportError{Broker: Name, Op: op, Err: err}
	}
	cause := fmt.Errorf("%s: %s", kerr.ErrorType, kerr.Message)
	switch {
	case kerr.ErrorType == kiteconnect.TokenError, kerr.Code == http.StatusUnauthorized:
		return &broker.InvalidCredentialsError{Broker: Name, Err: cause}
	case kerr.ErrorType == kiteconnect.NetworkError, kerr.Code == http.StatusTooManyRequests, kerr.Code >= 500:
		return &broker.TransportError{Broker: Name, Op: op, Err: cause}
	case kerr.Code == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", Name, op, broker.ErrOrderNotFound)
	default:
		return &broker.RequestError{Broker: Name, Op: op, Code: kerr.ErrorType, Message: kerr.Message}
	}
}

// read runs a blocking SDK call and stops waiting when ctx ends.
func read[T any](ctx context.Context, op string, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, &broker.TransportError{Broker: Name, Op: op, Err: err}
	}

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		return zero, &broker.TransportError{Broker: Name, Op: op, Err: ctx.Err()}
	case r := <-done:
		return r.v, translate(op, r.err)
	}
}

func (a *Adapter) Initialize(ctx context.Context) error {
	_, err := read(ctx, "Initialize", a.kc.GetUserProfile)
	return err
}

func (a *Adapter) ValidateCredentials(ctx context.Context) bool {
	return a.Initialize(ctx) == nil
}

func (a *Adapter) GetAccountInfo(ctx context.Context) (*types.AccountInfo, error) {
	profile, err := read(ctx, "GetAccountInfo", a.kc.GetUserProfile)
	if err != nil {
		return nil, err
	}
	margins, err := read(ctx, "GetAccountInfo", a.kc.GetUserMargins)
	if err != nil {
		return nil, err
	}

	eq := margins.Equity
	return &types.AccountInfo{
		AccountID:       profile.UserID,
		AccountType:     "equity",
		Cash:            decimal.NewFromFloat(eq.Available.Cash),
		BuyingPower:     decimal.NewFromFloat(eq.Net),
		Equity:          decimal.NewFromFloat(eq.Net),
		MarginUsed:      decimal.NewFromFloat(eq.Used.Debits),
		MarginAvailable: decimal.NewFromFloat(eq.Net),
		Currency:        "INR",
		Extra: map[string]any{
			"broker":    profile.Broker,
			"exchanges": profile.Exchanges,
		},
	}, nil
}

func (a *Adapter) GetPositions(ctx context.Context) ([]types.Position, error) {
	raw, err := read(ctx, "GetPositions", a.kc.GetPositions)
	if err != nil {
		return nil, err
	}

	positions := make([]types.Position, 0, len(raw.Net))
	for _, p := range raw.Net {
		if p.Quantity == 0 {
			continue
		}
		qty := decimal.NewFromInt(int64(p.Quantity))
		entry := decimal.NewFromFloat(p.AveragePrice)
		last := decimal.NewFromFloat(p.LastPrice)
		pnl := decimal.NewFromFloat(p.Unrealised)

		side := types.PositionSideLong
		if p.Quantity < 0 {
			side = types.PositionSideShort
		}
		positions = append(positions, types.Position{
			Symbol:        instrument(p.Exchange, p.Tradingsymbol),
			Quantity:      qty,
			Side:          side,
			EntryPrice:    &entry,
			CurrentPrice:  last,
			MarketValue:   qty.Mul(last),
			UnrealizedPnL: &pnl,
		})
	}
	return positions, nil
}

func orderParams(req types.OrderRequest) (kiteconnect.OrderParams, error) {
	if req.ReduceOnly {
		return kiteconnect.OrderParams{}, unsupported("reduce-only orders")
	}
	if req.PostOnly {
		return kiteconnect.OrderParams{}, unsupported("post-only orders")
	}
	if !req.Quantity.Equal(req.Quantity.Truncate(0)) {
		return kiteconnect.OrderParams{}, unsupported("fractional quantity %s", req.Quantity)
	}
	if len(req.ClientOrderID) > maxTagLen {
		return kiteconnect.OrderParams{}, unsupported("client order id longer than %d characters", maxTagLen)
	}

	ot, err := orderType(req.Type)
	if err != nil {
		return kiteconnect.OrderParams{}, err
	}
	val, err := validity(req.TimeInForce)
	if err != nil {
		return kiteconnect.OrderParams{}, err
	}
	tt, err := transactionType(req.Side)
	if err != nil {
		return kiteconnect.OrderParams{}, err
	}

	exch, sym := splitSymbol(req.Symbol)
	params := kiteconnect.OrderParams{
		Exchange:        exch,
		Tradingsymbol:   sym,
		Validity:        val,
		Product:         productCNC,
		OrderType:       ot,
		TransactionType: tt,
		Quantity:        int(req.Quantity.IntPart()),
		Tag:             req.ClientOrderID,
	}
	if req.LimitPrice != nil {
		params.Price = req.LimitPrice.InexactFloat64()
	}
	if req.StopPrice != nil {
		params.TriggerPrice = req.StopPrice.InexactFloat64()
	}
	return params, nil
}

func fromOrder(o kiteconnect.Order, req types.OrderRequest) *types.OrderResponse {
	resp := &types.OrderResponse{
		OrderID:        o.OrderID,
		ClientOrderID:  o.Tag,
		Status:         normalizeStatus(o.Status, o.FilledQuantity),
		NativeStatus:   o.Status,
		FilledQuantity: decimal.NewFromFloat(o.FilledQuantity),
		AveragePrice:   decimal.NewFromFloat(o.AveragePrice),
		Reason:         o.StatusMessage,
		SubmittedAt:    o.OrderTimestamp.Time,
		Request:        req,
	}
	if resp.SubmittedAt.IsZero() {
		resp.SubmittedAt = time.Now()
	}
	return resp
}

func requestFromOrder(o kiteconnect.Order) types.OrderRequest {
	req := types.OrderRequest{
		Symbol:        instrument(o.Exchange, o.TradingSymbol),
		Side:          types.SideBuy,
		Quantity:      decimal.NewFromFloat(o.Quantity),
		ClientOrderID: o.Tag,
		TimeInForce:   types.TimeInForceDay,
	}
	if o.TransactionType == "SELL" {
		req.Side = types.SideSell
	}
	if o.Validity == "IOC" {
		req.TimeInForce = types.TimeInForceIOC
	}
	switch o.OrderType {
	case "LIMIT":
		req.Type = types.OrderTypeLimit
	case "SL":
		req.Type = types.OrderTypeStopLimit
	case "SL-M":
		req.Type = types.OrderTypeStop
	default:
		req.Type = types.OrderTypeMarket
	}
	if o.Price > 0 {
		p := decimal.NewFromFloat(o.Price)
		req.LimitPrice = &p
	}
	if o.TriggerPrice > 0 {
		p := decimal.NewFromFloat(o.TriggerPrice)
		req.StopPrice = &p
	}
	return req
}

// PlaceOrder submits once, then reads back the order state. A failed read
// back still returns the order as pending, since the order exists.
func (a *Adapter) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResponse, error) {
	if err := req.Validate(); err != nil {
		return types.Rejected(req, "", err.Error()), nil
	}
	params, err := orderParams(req)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &broker.TransportError{Broker: Name, Op: "PlaceOrder", Err: err}
	}

	placed, err := a.kc.PlaceOrder(varietyRegular, params)
	if err != nil {
		if kerr, ok := kiteError(err); ok &&
			(kerr.ErrorType == kiteconnect.OrderError || kerr.ErrorType == kiteconnect.InputError) {
			return types.Rejected(req, "REJECTED", kerr.Message), nil
		}
		return nil, translate("PlaceOrder", err)
	}

	resp, err := a.latest(ctx, placed.OrderID, req)
	if err != nil {
		return &types.OrderResponse{
			OrderID:       placed.OrderID,
			ClientOrderID: req.ClientOrderID,
			Status:        types.OrderStatusPending,
			SubmittedAt:   time.Now(),
			Request:       req,
		}, nil
	}
	return resp, nil
}

// latest returns the newest state in an order's history.
func (a *Adapter) latest(ctx context.Context, orderID string, req types.OrderRequest) (*types.OrderResponse, error) {
	history, err := read(ctx, "GetOrderStatus", func() ([]kiteconnect.Order, error) {
		return a.kc.GetOrderHistory(orderID)
	})
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("%s: %w: %s", Name, broker.ErrOrderNotFound, orderID)
	}
	last := history[len(history)-1]
	if req.Symbol == "" {
		req = requestFromOrder(last)
	}
	return fromOrder(last, req), nil
}

func (a *Adapter) GetOrderHistory(ctx context.Context) ([]types.OrderResponse, error) {
	orders, err := read(ctx, "GetOrderHistory", a.kc.GetOrders)
	if err != nil {
		return nil, err
	}
	out := make([]types.OrderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, *fromOrder(o, requestFromOrder(o)))
	}
	return out, nil
}

func (a *Adapter) GetOrderStatus(ctx context.Context, orderID string) (*types.OrderResponse, error) {
	return a.latest(ctx, orderID, types.OrderRequest{})
}

// GetOrderByClientID finds the day's order tagged with clientOrderID.
func (a *Adapter) GetOrderByClientID(ctx context.Context, clientOrderID string) (*types.OrderResponse, error) {
	orders, err := read(ctx, "GetOrderByClientID", a.kc.GetOrders)
	if err != nil {
		return nil, err
	}
	for i := len(orders) - 1; i >= 0; i-- {
		if orders[i].Tag == clientOrderID {
			return fromOrder(orders[i], requestFromOrder(orders[i])), nil
		}
	}
	return nil, broker.ErrOrderNotFound
}

func (a *Adapter) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	current, err := a.GetOrderStatus(ctx, orderID)
	if err != nil {
		return false, err
	}
	if current.Status.IsTerminal() {
		return false, nil
	}
	if _, err := a.kc.CancelOrder(varietyRegular, orderID, nil); err != nil {
		return false, translate("CancelOrder", err)
	}
	return true, nil
}

func (a *Adapter) ClosePosition(ctx context.Context, symbol string, quantity *decimal.Decimal) (*types.OrderResponse, error) {
	positions, err := a.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	exch, sym := splitSymbol(symbol)
	target := instrument(exch, sym)

	for _, p := range positions {
		if p.Symbol != target {
			continue
		}
		qty := p.Quantity.Abs()
		if quantity != nil && quantity.IsPositive() && quantity.LessThan(qty) {
			qty = *quantity
		}
		side := types.SideSell
		if p.Side == types.PositionSideShort {
			side = types.SideBuy
		}
		return a.PlaceOrder(ctx, types.OrderRequest{
			Symbol:   target,
			Side:     side,
			Quantity: qty,
			Type:     types.OrderTypeMarket,
		})
	}
	return nil, fmt.Errorf("%s: %w: %s", Name, broker.ErrPositionNotFound, target)
}

func (a *Adapter) GetQuote(ctx context.Context, symbol string) (*types.Quote, error) {
	exch, sym := splitSymbol(symbol)
	key := instrument(exch, sym)

	quotes, err := read(ctx, "GetQuote", func() (kiteconnect.Quote, error) {
		return a.kc.GetQuote(key)
	})
	if err != nil {
		return nil, err
	}
	data, ok := quotes[key]
	if !ok {
		return nil, fmt.Errorf("%s: no quote for %s", Name, key)
	}

	last := decimal.NewFromFloat(data.LastPrice)
	q := &types.Quote{
		Symbol:    key,
		Bid:       decimal.NewFromFloat(data.Depth.Buy[0].Price),
		Ask:       decimal.NewFromFloat(data.Depth.Sell[0].Price),
		Last:      &last,
		Timestamp: data.Timestamp.Time,
	}
	if q.Timestamp.IsZero() {
		q.Timestamp = time.Now()
	}
	return q, nil
}
