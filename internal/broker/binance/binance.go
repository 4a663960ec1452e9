package binance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-broker/internal/broker"
	"github.com/ksred/klear-broker/internal/types"
)

const (
	Name = "binance"

	DefaultURL = "https://api.binance.com"

	// QuoteAsset is the currency balances are valued in.
	QuoteAsset = "USDT"
)

// order is the part of an exchange order the adapter reads. New orders
// and looked-up orders arrive as different SDK types.
type order struct {
	Symbol              string
	OrderID             int64
	ClientOrderID       string
	Price               string
	OrigQty             string
	ExecutedQty         string
	CummulativeQuoteQty string
	Status              string
	TimeInForce         string
	Type                string
	Side                string
	StopPrice           string
	Time                int64
}

func fromCreated(r *gobinance.CreateOrderResponse) *order {
	return &order{
		Symbol:              r.Symbol,
		OrderID:             r.OrderID,
		ClientOrderID:       r.ClientOrderID,
		Price:               r.Price,
		OrigQty:             r.OrigQuantity,
		ExecutedQty:         r.ExecutedQuantity,
		CummulativeQuoteQty: r.CummulativeQuoteQuantity,
		Status:              string(r.Status),
		TimeInForce:         string(r.TimeInForce),
		Type:                string(r.Type),
		Side:                string(r.Side),
		Time:                r.TransactTime,
	}
}

func fromOrder(o *gobinance.Order) *order {
	return &order{
		Symbol:              o.Symbol,
		OrderID:             o.OrderID,
		ClientOrderID:       o.ClientOrderID,
		Price:               o.Price,
		OrigQty:             o.OrigQuantity,
		ExecutedQty:         o.ExecutedQuantity,
		CummulativeQuoteQty: o.CummulativeQuoteQuantity,
		Status:              string(o.Status),
		TimeInForce:         string(o.TimeInForce),
		Type:                string(o.Type),
		Side:                string(o.Side),
		StopPrice:           o.StopPrice,
		Time:                o.Time,
	}
}

// Adapter is a spot crypto exchange adapter for the Binance REST API.
type Adapter struct {
	api       *gobinance.Client
	accountID string

	mu sync.Mutex
	// clientSymbols remembers the symbol of each client order id submitted
	// through this adapter, since spot lookups need both.
	clientSymbols map[string]string
}

var (
	_ broker.Adapter           = (*Adapter)(nil)
	_ broker.ClientOrderLookup = (*Adapter)(nil)
)

func New(creds types.Credentials, opts broker.Options) (*Adapter, error) {
	if !creds.Has(types.SecretAPIKey) || !creds.Has(types.SecretSecretKey) {
		return nil, fmt.Errorf("%s: %w: api_key and secret_key", Name, broker.ErrMissingSecret)
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Adapter{
		api:           newClient(creds.Get(types.SecretAPIKey), creds.Get(types.SecretSecretKey), strings.TrimRight(baseURL, "/"), opts),
		accountID:     creds.AccountID,
		clientSymbols: make(map[string]string),
	}, nil
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) account(ctx context.Context, op string) (*gobinance.Account, error) {
	acct, err := a.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, classify(op, err)
	}
	return acct, nil
}

func (a *Adapter) Initialize(ctx context.Context) error {
	_, err := a.account(ctx, "Initialize")
	return err
}

func (a *Adapter) ValidateCredentials(ctx context.Context) bool {
	return a.Initialize(ctx) == nil
}

func (a *Adapter) GetAccountInfo(ctx context.Context) (*types.AccountInfo, error) {
	acct, err := a.account(ctx, "GetAccountInfo")
	if err != nil {
		return nil, err
	}

	cash, locked := decimal.Zero, decimal.Zero
	assets := 0
	for _, b := range acct.Balances {
		free, held := parseDecimal(b.Free), parseDecimal(b.Locked)
		if b.Asset == QuoteAsset {
			cash, locked = free, held
		}
		if free.Add(held).IsPositive() {
			assets++
		}
	}

	return &types.AccountInfo{
		AccountID:       a.accountID,
		AccountType:     strings.ToLower(acct.AccountType),
		Cash:            cash,
		BuyingPower:     cash,
		Equity:          cash.Add(locked),
		MarginUsed:      decimal.Zero,
		MarginAvailable: decimal.Zero,
		Currency:        QuoteAsset,
		Extra: map[string]any{
			"can_trade":      acct.CanTrade,
			"funded_assets":  assets,
			"locked_balance": locked.String(),
		},
	}, nil
}

// GetPositions lists non-quote balances valued at the last price. Spot
// balances carry no cost basis, so entry price and P&L stay unset.
func (a *Adapter) GetPositions(ctx context.Context) ([]types.Position, error) {
	acct, err := a.account(ctx, "GetPositions")
	if err != nil {
		return nil, err
	}

	var positions []types.Position
	for _, b := range acct.Balances {
		qty := parseDecimal(b.Free).Add(parseDecimal(b.Locked))
		if b.Asset == QuoteAsset || !qty.IsPositive() {
			continue
		}

		symbol := b.Asset + QuoteAsset
		pos := types.Position{
			Symbol:   symbol,
			Quantity: qty,
			Side:     types.PositionSideLong,
		}
		price, err := a.lastPrice(ctx, symbol)
		if err != nil && broker.IsTransport(err) {
			return nil, err
		}
		if err == nil {
			pos.CurrentPrice = price
			pos.MarketValue = qty.Mul(price)
		}
		positions = append(positions, pos)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

func (a *Adapter) lastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	prices, err := a.api.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, classify("GetQuote", err)
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return parseDecimal(p.Price), nil
		}
	}
	return decimal.Zero, fmt.Errorf("%s: no price for %s", Name, symbol)
}

// PlaceOrder submits exactly once. An exchange refusal is a rejection
// result; anything else that fails is an error.
func (a *Adapter) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResponse, error) {
	if err := req.Validate(); err != nil {
		return types.Rejected(req, "", err.Error()), nil
	}
	spot, err := orderParams(req)
	if err != nil {
		return nil, err
	}

	if req.ClientOrderID != "" {
		a.mu.Lock()
		a.clientSymbols[req.ClientOrderID] = strings.ToUpper(req.Symbol)
		a.mu.Unlock()
	}

	created, err := spot.apply(a.api.NewCreateOrderService()).Do(ctx)
	if err != nil {
		if reason, ok := rejected(err); ok {
			return types.Rejected(req, "REJECTED", reason), nil
		}
		return nil, classify("PlaceOrder", err)
	}
	return a.response(fromCreated(created), req), nil
}

func (a *Adapter) response(o *order, req types.OrderRequest) *types.OrderResponse {
	executed := parseDecimal(o.ExecutedQty)
	avg := decimal.Zero
	if executed.IsPositive() {
		avg = parseDecimal(o.CummulativeQuoteQty).Div(executed)
	}

	submitted := time.Now()
	if o.Time > 0 {
		submitted = time.UnixMilli(o.Time)
	}

	return &types.OrderResponse{
		OrderID:        orderID(o.Symbol, o.OrderID),
		ClientOrderID:  o.ClientOrderID,
		Status:         normalizeStatus(o.Status),
		NativeStatus:   o.Status,
		FilledQuantity: executed,
		AveragePrice:   avg,
		SubmittedAt:    submitted,
		Request:        req,
	}
}

func requestFromOrder(o *order) types.OrderRequest {
	req := types.OrderRequest{
		Symbol:        o.Symbol,
		Side:          types.Side(strings.ToLower(o.Side)),
		Quantity:      parseDecimal(o.OrigQty),
		Type:          orderTypeFromNative(o.Type),
		TimeInForce:   types.TimeInForce(strings.ToLower(o.TimeInForce)),
		ClientOrderID: o.ClientOrderID,
	}
	if p := parseDecimal(o.Price); p.IsPositive() {
		req.LimitPrice = &p
	}
	if p := parseDecimal(o.StopPrice); p.IsPositive() {
		req.StopPrice = &p
	}
	return req
}

// GetOrderHistory returns the account's open orders. Closed orders can
// only be listed per symbol on spot.
func (a *Adapter) GetOrderHistory(ctx context.Context) ([]types.OrderResponse, error) {
	orders, err := a.api.NewListOpenOrdersService().Do(ctx)
	if err != nil {
		return nil, classify("GetOrderHistory", err)
	}
	out := make([]types.OrderResponse, 0, len(orders))
	for _, native := range orders {
		o := fromOrder(native)
		out = append(out, *a.response(o, requestFromOrder(o)))
	}
	return out, nil
}

func (a *Adapter) GetOrderStatus(ctx context.Context, id string) (*types.OrderResponse, error) {
	symbol, num, err := splitOrderID(id)
	if err != nil {
		return nil, err
	}
	native, err := a.api.NewGetOrderService().Symbol(symbol).OrderID(num).Do(ctx)
	if err != nil {
		return nil, classify("GetOrderStatus", err)
	}
	o := fromOrder(native)
	return a.response(o, requestFromOrder(o)), nil
}

func (a *Adapter) GetOrderByClientID(ctx context.Context, clientOrderID string) (*types.OrderResponse, error) {
	a.mu.Lock()
	symbol, ok := a.clientSymbols[clientOrderID]
	a.mu.Unlock()
	if !ok {
		return nil, broker.ErrOrderNotFound
	}

	native, err := a.api.NewGetOrderService().Symbol(symbol).OrigClientOrderID(clientOrderID).Do(ctx)
	if err != nil {
		return nil, classify("GetOrderByClientID", err)
	}
	o := fromOrder(native)
	return a.response(o, requestFromOrder(o)), nil
}

// CancelOrder returns false when the order is already closed.
func (a *Adapter) CancelOrder(ctx context.Context, id string) (bool, error) {
	symbol, num, err := splitOrderID(id)
	if err != nil {
		return false, err
	}
	_, err = a.api.NewCancelOrderService().Symbol(symbol).OrderID(num).Do(ctx)
	if err == nil {
		return true, nil
	}
	if apiErr, ok := apiErrorOf(err); ok && apiErr.Code == codeUnknownOrder {
		// Filled, canceled or expired orders cannot be canceled again.
		return false, nil
	}
	return false, classify("CancelOrder", err)
}

// ClosePosition sells the free balance of the base asset, or quantity if it
// is smaller.
func (a *Adapter) ClosePosition(ctx context.Context, symbol string, quantity *decimal.Decimal) (*types.OrderResponse, error) {
	symbol = strings.ToUpper(symbol)
	base := strings.TrimSuffix(symbol, QuoteAsset)

	acct, err := a.account(ctx, "ClosePosition")
	if err != nil {
		return nil, err
	}

	free := decimal.Zero
	for _, b := range acct.Balances {
		if b.Asset == base {
			free = parseDecimal(b.Free)
		}
	}
	if !free.IsPositive() {
		return nil, fmt.Errorf("%s: %w: %s", Name, broker.ErrPositionNotFound, symbol)
	}

	qty := free
	if quantity != nil && quantity.IsPositive() && quantity.LessThan(free) {
		qty = *quantity
	}
	return a.PlaceOrder(ctx, types.OrderRequest{
		Symbol:   symbol,
		Side:     types.SideSell,
		Quantity: qty,
		Type:     types.OrderTypeMarket,
	})
}

func (a *Adapter) GetQuote(ctx context.Context, symbol string) (*types.Quote, error) {
	symbol = strings.ToUpper(symbol)

	tickers, err := a.api.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classify("GetQuote", err)
	}

	q := &types.Quote{Symbol: symbol, Timestamp: time.Now()}
	for _, bt := range tickers {
		if bt.Symbol == symbol {
			q.Bid = parseDecimal(bt.BidPrice)
			q.Ask = parseDecimal(bt.AskPrice)
		}
	}
	if last, err := a.lastPrice(ctx, symbol); err == nil {
		q.Last = &last
	}
	return q, nil
}
