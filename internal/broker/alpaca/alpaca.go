package alpaca

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-broker/internal/broker"
	"github.com/ksred/klear-broker/internal/types"
)

const (
	Name = "alpaca"

	LiveURL  = "https://api.alpaca.markets"
	PaperURL = "https://paper-api.alpaca.markets"

	historyLimit = 100
)

// Adapter talks to the Alpaca trading and market data APIs.
type Adapter struct {
	trading   *alpaca.Client
	data      *marketdata.Client
	accountID string
}

var (
	_ broker.Adapter           = (*Adapter)(nil)
	_ broker.ClientOrderLookup = (*Adapter)(nil)
)

// New builds an adapter from an api key and secret key.
func New(creds types.Credentials, opts broker.Options) (*Adapter, error) {
	if !creds.Has(types.SecretAPIKey) || !creds.Has(types.SecretSecretKey) {
		return nil, fmt.Errorf("%s: %w: api_key and secret_key", Name, broker.ErrMissingSecret)
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = LiveURL
		if opts.Paper {
			baseURL = PaperURL
		}
	}

	dataOpts := marketdata.ClientOpts{
		APIKey:    creds.Get(types.SecretAPIKey),
		APISecret: creds.Get(types.SecretSecretKey),
	}
	if opts.DataURL != "" {
		dataOpts.BaseURL = opts.DataURL
	}

	return &Adapter{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    creds.Get(types.SecretAPIKey),
			APISecret: creds.Get(types.SecretSecretKey),
			BaseURL:   baseURL,
		}),
		data:      marketdata.NewClient(dataOpts),
		accountID: creds.AccountID,
	}, nil
}

func (a *Adapter) Name() string { return Name }

// translate maps SDK errors onto the broker taxonomy.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		cause := fmt.Errorf("status %d: %s", apiErr.StatusCode, apiErr.Message)
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized,
			op == "Initialize" && apiErr.StatusCode == http.StatusForbidden:
			return &broker.InvalidCredentialsError{Broker: Name, Err: cause}
		case apiErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%s %s: %w", Name, op, broker.ErrOrderNotFound)
		case apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500:
			return &broker.TransportError{Broker: Name, Op: op, Err: cause}
		default:
			return &broker.RequestError{Broker: Name, Op: op, Code: strconv.Itoa(apiErr.Code), Message: apiErr.Message}
		}
	}
	return &broker.TransportError{Broker: Name, Op: op, Err: err}
}

// rejection reports whether err is Alpaca refusing an order, as opposed to
// failing to process it.
func rejection(err error) (string, bool) {
	var apiErr *alpaca.APIError
	if !errors.As(err, &apiErr) {
		return "", false
	}
	switch apiErr.StatusCode {
	case http.StatusForbidden, http.StatusUnprocessableEntity, http.StatusBadRequest:
		return apiErr.Message, true
	}
	return "", false
}

// read runs a blocking SDK call and gives up when ctx ends. The SDK has no
// context support, so an abandoned call finishes in the background.
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
	_, err := read(ctx, "Initialize", a.trading.GetAccount)
	return err
}

func (a *Adapter) ValidateCredentials(ctx context.Context) bool {
	return a.Initialize(ctx) == nil
}

func (a *Adapter) GetAccountInfo(ctx context.Context) (*types.AccountInfo, error) {
	acct, err := read(ctx, "GetAccountInfo", a.trading.GetAccount)
	if err != nil {
		return nil, err
	}

	accountType := "cash"
	if acct.Multiplier.GreaterThan(decimal.NewFromInt(1)) {
		accountType = "margin"
	}
	return &types.AccountInfo{
		AccountID:       acct.AccountNumber,
		AccountType:     accountType,
		Cash:            acct.Cash,
		BuyingPower:     acct.BuyingPower,
		Equity:          acct.Equity,
		MarginUsed:      acct.InitialMargin,
		MarginAvailable: decimal.Max(acct.BuyingPower.Sub(acct.Cash), decimal.Zero),
		Currency:        acct.Currency,
		Extra: map[string]any{
			"status":             acct.Status,
			"pattern_day_trader": acct.PatternDayTrader,
		},
	}, nil
}

func (a *Adapter) GetPositions(ctx context.Context) ([]types.Position, error) {
	raw, err := read(ctx, "GetPositions", a.trading.GetPositions)
	if err != nil {
		return nil, err
	}

	positions := make([]types.Position, 0, len(raw))
	for _, p := range raw {
		entry := p.AvgEntryPrice
		pos := types.Position{
			Symbol:     p.Symbol,
			Quantity:   p.Qty,
			Side:       types.PositionSideLong,
			EntryPrice: &entry,
		}
		if p.Side == "short" {
			pos.Side = types.PositionSideShort
		}
		if p.CurrentPrice != nil {
			pos.CurrentPrice = *p.CurrentPrice
		}
		if p.MarketValue != nil {
			pos.MarketValue = *p.MarketValue
		}
		if p.UnrealizedPL != nil {
			pnl := *p.UnrealizedPL
			pos.UnrealizedPnL = &pnl
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// PlaceOrder submits once. The SDK only retries on HTTP 429, where the
// order was not accepted, so no duplicate can be created here.
func (a *Adapter) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResponse, error) {
	if err := req.Validate(); err != nil {
		return types.Rejected(req, "", err.Error()), nil
	}
	in, err := placeRequest(req)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &broker.TransportError{Broker: Name, Op: "PlaceOrder", Err: err}
	}

	order, err := a.trading.PlaceOrder(in)
	if err != nil {
		if reason, ok := rejection(err); ok {
			return types.Rejected(req, "rejected", reason), nil
		}
		return nil, translate("PlaceOrder", err)
	}

	resp := fromOrder(order, req)
	if resp.SubmittedAt.IsZero() {
		resp.SubmittedAt = time.Now()
	}
	return resp, nil
}

func (a *Adapter) GetOrderHistory(ctx context.Context) ([]types.OrderResponse, error) {
	orders, err := read(ctx, "GetOrderHistory", func() ([]alpaca.Order, error) {
		return a.trading.GetOrders(alpaca.GetOrdersRequest{
			Status:    "all",
			Limit:     historyLimit,
			Direction: "desc",
		})
	})
	if err != nil {
		return nil, err
	}

	out := make([]types.OrderResponse, 0, len(orders))
	for i := range orders {
		out = append(out, *fromOrder(&orders[i], requestFromOrder(&orders[i])))
	}
	return out, nil
}

func (a *Adapter) GetOrderStatus(ctx context.Context, orderID string) (*types.OrderResponse, error) {
	order, err := read(ctx, "GetOrderStatus", func() (*alpaca.Order, error) {
		return a.trading.GetOrder(orderID)
	})
	if err != nil {
		return nil, err
	}
	return fromOrder(order, requestFromOrder(order)), nil
}

func (a *Adapter) GetOrderByClientID(ctx context.Context, clientOrderID string) (*types.OrderResponse, error) {
	order, err := read(ctx, "GetOrderByClientID", func() (*alpaca.Order, error) {
		return a.trading.GetOrderByClientOrderID(clientOrderID)
	})
	if err != nil {
		return nil, err
	}
	return fromOrder(order, requestFromOrder(order)), nil
}

// CancelOrder returns false when Alpaca refuses because the order is
// already in a terminal state.
func (a *Adapter) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, &broker.TransportError{Broker: Name, Op: "CancelOrder", Err: err}
	}
	err := a.trading.CancelOrder(orderID)
	if err == nil {
		return true, nil
	}
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
		return false, nil
	}
	return false, translate("CancelOrder", err)
}

func (a *Adapter) ClosePosition(ctx context.Context, symbol string, quantity *decimal.Decimal) (*types.OrderResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, &broker.TransportError{Broker: Name, Op: "ClosePosition", Err: err}
	}

	var req alpaca.ClosePositionRequest
	if quantity != nil && quantity.IsPositive() {
		req.Qty = *quantity
	}
	order, err := a.trading.ClosePosition(symbol, req)
	if err != nil {
		err = translate("ClosePosition", err)
		if errors.Is(err, broker.ErrOrderNotFound) {
			return nil, fmt.Errorf("%s: %w: %s", Name, broker.ErrPositionNotFound, symbol)
		}
		return nil, err
	}
	return fromOrder(order, requestFromOrder(order)), nil
}

func (a *Adapter) GetQuote(ctx context.Context, symbol string) (*types.Quote, error) {
	q, err := read(ctx, "GetQuote", func() (*marketdata.Quote, error) {
		return a.data.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{})
	})
	if err != nil {
		return nil, err
	}

	quote := &types.Quote{
		Symbol:    symbol,
		Bid:       decimal.NewFromFloat(q.BidPrice),
		Ask:       decimal.NewFromFloat(q.AskPrice),
		Timestamp: q.Timestamp,
	}

	// The last trade is optional; a quote without it is still useful.
	trade, err := read(ctx, "GetQuote", func() (*marketdata.Trade, error) {
		return a.data.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	})
	if err == nil && trade != nil {
		last := decimal.NewFromFloat(trade.Price)
		quote.Last = &last
	}
	return quote, nil
}
