package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-broker/internal/broker"
	"github.com/ksred/klear-broker/internal/types"
)

const Name = "paper"

// Venue describes the simulated execution characteristics of a mock broker.
type Venue struct {
	ID              string
	Name            string
	Latency         time.Duration
	LiquidityFactor float64 // 0-1, share of each order that fills
	SuccessRate     float64 // 0-1, reported for routing only
	FeeRate         float64 // fraction of notional
}

// Venues are the stock simulated brokers.
var Venues = []Venue{
	{ID: "EXCH1", Name: "Primary Exchange", Latency: 30 * time.Millisecond, LiquidityFactor: 0.9, SuccessRate: 0.95, FeeRate: 0.001},
	{ID: "EXCH2", Name: "Secondary Exchange", Latency: 50 * time.Millisecond, LiquidityFactor: 0.7, SuccessRate: 0.90, FeeRate: 0.0008},
	{ID: "EXCH3", Name: "Regional Exchange", Latency: 70 * time.Millisecond, LiquidityFactor: 0.5, SuccessRate: 0.85, FeeRate: 0.0005},
	{ID: "EXCH4", Name: "Dark Pool", Latency: 100 * time.Millisecond, LiquidityFactor: 0.3, SuccessRate: 0.75, FeeRate: 0.0003},
}

var (
	defaultPrice = decimal.NewFromInt(100)
	defaultCash  = decimal.NewFromInt(1_000_000)
	quoteSpread  = decimal.NewFromFloat(0.001)
)

// Config controls the simulation. The zero value fills every order
// completely at 100 with no latency.
type Config struct {
	Venue Venue
	Cash  decimal.Decimal
	// Prices per symbol. Symbols without a price trade at 100.
	Prices map[string]decimal.Decimal
	// FillRatio is the filled share of each order; zero means fully filled.
	FillRatio decimal.Decimal
	// Slippage moves market and stop fills against the trader by this
	// fraction of the price.
	Slippage decimal.Decimal
	// Resting leaves every order working with nothing filled.
	// ExpireUnfilled cancels every order unfilled, as for an IOC order
	// that found no liquidity.
	Resting        bool
	ExpireUnfilled bool
	// SimulateLatency sleeps for Venue.Latency on every order.
	SimulateLatency bool
	// RejectReason, when set, makes the broker reject every order.
	RejectReason string
	// PlaceErr, when set, makes PlaceOrder fail as a transport error after
	// the order has been recorded, leaving the outcome ambiguous to the caller.
	PlaceErr error
	// Metrics overrides the venue derived routing metrics.
	Metrics *broker.Metrics
}

// Adapter is a deterministic in-memory broker. It always initializes, so
// it is safe as a fallback and for paper trading.
type Adapter struct {
	mu         sync.Mutex
	cfg        Config
	cash       decimal.Decimal
	orders     map[string]*types.OrderResponse
	byClientID map[string]string
	positions  map[string]decimal.Decimal
	seq        int
	placeCalls int
}

var (
	_ broker.Adapter           = (*Adapter)(nil)
	_ broker.ClientOrderLookup = (*Adapter)(nil)
	_ broker.MetricsReporter   = (*Adapter)(nil)
)

func New(cfg Config) *Adapter {
	if cfg.Venue.ID == "" {
		cfg.Venue = Venues[0]
	}
	cash := cfg.Cash
	if cash.IsZero() {
		cash = defaultCash
	}
	return &Adapter{
		cfg:        cfg,
		cash:       cash,
		orders:     make(map[string]*types.OrderResponse),
		byClientID: make(map[string]string),
		positions:  make(map[string]decimal.Decimal),
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Initialize(ctx context.Context) error { return ctx.Err() }

func (a *Adapter) ValidateCredentials(ctx context.Context) bool { return ctx.Err() == nil }

// PlaceCalls returns how many times PlaceOrder reached the venue.
func (a *Adapter) PlaceCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.placeCalls
}

func (a *Adapter) price(symbol string) decimal.Decimal {
	if p, ok := a.cfg.Prices[symbol]; ok && p.IsPositive() {
		return p
	}
	return defaultPrice
}

func (a *Adapter) GetAccountInfo(ctx context.Context) (*types.AccountInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, broker.Transport(Name, "GetAccountInfo", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	equity := a.cash
	for symbol, qty := range a.positions {
		equity = equity.Add(qty.Mul(a.price(symbol)))
	}
	return &types.AccountInfo{
		AccountID:       a.cfg.Venue.ID,
		AccountType:     "paper",
		Cash:            a.cash,
		BuyingPower:     a.cash,
		Equity:          equity,
		MarginUsed:      decimal.Zero,
		MarginAvailable: a.cash,
		Currency:        "USD",
		Extra:           map[string]any{"venue": a.cfg.Venue.Name},
	}, nil
}

func (a *Adapter) GetPositions(ctx context.Context) ([]types.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, broker.Transport(Name, "GetPositions", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	positions := make([]types.Position, 0, len(a.positions))
	for symbol, qty := range a.positions {
		if qty.IsZero() {
			continue
		}
		price := a.price(symbol)
		side := types.PositionSideLong
		if qty.IsNegative() {
			side = types.PositionSideShort
		}
		pnl := decimal.Zero
		positions = append(positions, types.Position{
			Symbol:        symbol,
			Quantity:      qty,
			Side:          side,
			EntryPrice:    &price,
			CurrentPrice:  price,
			MarketValue:   qty.Mul(price),
			UnrealizedPnL: &pnl,
		})
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

func (a *Adapter) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, broker.Transport(Name, "PlaceOrder", err)
	}
	if err := req.Validate(); err != nil {
		return types.Rejected(req, "REJECTED", err.Error()), nil
	}

	logger := log.With().
		Str("venue", a.cfg.Venue.ID).
		Str("symbol", req.Symbol).
		Str("quantity", req.Quantity.String()).
		Str("side", string(req.Side)).
		Logger()

	if a.cfg.SimulateLatency && a.cfg.Venue.Latency > 0 {
		logger.Debug().Dur("latency", a.cfg.Venue.Latency).Msg("simulated network latency")
		select {
		case <-ctx.Done():
			return nil, broker.Transport(Name, "PlaceOrder", ctx.Err())
		case <-time.After(a.cfg.Venue.Latency):
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.placeCalls++

	if a.cfg.RejectReason != "" {
		logger.Warn().Str("reason", a.cfg.RejectReason).Msg("order rejected by venue")
		return types.Rejected(req, "REJECTED", a.cfg.RejectReason), nil
	}

	price := a.price(req.Symbol)
	switch {
	case req.LimitPrice != nil:
		price = *req.LimitPrice
	case req.Side == types.SideBuy:
		price = price.Mul(decimal.NewFromInt(1).Add(a.cfg.Slippage))
	default:
		price = price.Mul(decimal.NewFromInt(1).Sub(a.cfg.Slippage))
	}

	filled := req.Quantity
	if a.cfg.FillRatio.IsPositive() && a.cfg.FillRatio.LessThan(decimal.NewFromInt(1)) {
		filled = req.Quantity.Mul(a.cfg.FillRatio)
	}

	status, native := types.OrderStatusFilled, "FILLED"
	switch {
	case a.cfg.ExpireUnfilled:
		filled, price = decimal.Zero, decimal.Zero
		status, native = types.OrderStatusCanceled, "EXPIRED"
	case a.cfg.Resting:
		filled, price = decimal.Zero, decimal.Zero
		status, native = types.OrderStatusAccepted, "NEW"
	case filled.LessThan(req.Quantity):
		status, native = types.OrderStatusPartialFill, "PARTIALLY_FILLED"
	}

	a.seq++
	resp := &types.OrderResponse{
		OrderID:        fmt.Sprintf("MOCK-%s-%06d", a.cfg.Venue.ID, a.seq),
		ClientOrderID:  req.ClientOrderID,
		Status:         status,
		NativeStatus:   native,
		FilledQuantity: filled,
		AveragePrice:   price,
		SubmittedAt:    time.Now(),
		Request:        req,
	}
	if a.cfg.ExpireUnfilled {
		resp.Reason = "no liquidity at submission"
	}
	a.orders[resp.OrderID] = resp
	if req.ClientOrderID != "" {
		a.byClientID[req.ClientOrderID] = resp.OrderID
	}

	signed := filled
	notional := filled.Mul(price)
	if req.Side == types.SideSell {
		signed = filled.Neg()
		a.cash = a.cash.Add(notional)
	} else {
		a.cash = a.cash.Sub(notional)
	}
	a.positions[req.Symbol] = a.positions[req.Symbol].Add(signed)

	logger.Info().
		Str("order_id", resp.OrderID).
		Str("executed_price", price.String()).
		Str("executed_quantity", filled.String()).
		Msg("order executed on venue")

	if a.cfg.PlaceErr != nil {
		return nil, broker.Transport(Name, "PlaceOrder", a.cfg.PlaceErr)
	}

	out := *resp
	return &out, nil
}

func (a *Adapter) GetOrderHistory(ctx context.Context) ([]types.OrderResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, broker.Transport(Name, "GetOrderHistory", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	orders := make([]types.OrderResponse, 0, len(a.orders))
	for _, o := range a.orders {
		orders = append(orders, *o)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].OrderID < orders[j].OrderID })
	return orders, nil
}

func (a *Adapter) GetOrderStatus(ctx context.Context, orderID string) (*types.OrderResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, broker.Transport(Name, "GetOrderStatus", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	o, ok := a.orders[orderID]
	if !ok {
		return nil, broker.ErrOrderNotFound
	}
	out := *o
	return &out, nil
}

func (a *Adapter) GetOrderByClientID(ctx context.Context, clientOrderID string) (*types.OrderResponse, error) {
	a.mu.Lock()
	id, ok := a.byClientID[clientOrderID]
	a.mu.Unlock()
	if !ok {
		return nil, broker.ErrOrderNotFound
	}
	return a.GetOrderStatus(ctx, id)
}

func (a *Adapter) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, broker.Transport(Name, "CancelOrder", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	o, ok := a.orders[orderID]
	if !ok {
		return false, broker.ErrOrderNotFound
	}
	return o.Apply(types.OrderResponse{
		Status:         types.OrderStatusCanceled,
		NativeStatus:   "CANCELED",
		FilledQuantity: o.FilledQuantity,
		AveragePrice:   o.AveragePrice,
	}), nil
}

func (a *Adapter) ClosePosition(ctx context.Context, symbol string, quantity *decimal.Decimal) (*types.OrderResponse, error) {
	a.mu.Lock()
	held := a.positions[symbol]
	a.mu.Unlock()

	if held.IsZero() {
		return nil, broker.ErrPositionNotFound
	}

	qty := held.Abs()
	if quantity != nil && quantity.IsPositive() && quantity.LessThan(qty) {
		qty = *quantity
	}
	side := types.SideSell
	if held.IsNegative() {
		side = types.SideBuy
	}
	return a.PlaceOrder(ctx, types.OrderRequest{
		Symbol:   symbol,
		Side:     side,
		Quantity: qty,
		Type:     types.OrderTypeMarket,
	})
}

func (a *Adapter) GetQuote(ctx context.Context, symbol string) (*types.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, broker.Transport(Name, "GetQuote", err)
	}
	price := a.price(symbol)
	spread := price.Mul(quoteSpread)
	return &types.Quote{
		Symbol:    symbol,
		Bid:       price.Sub(spread),
		Ask:       price.Add(spread),
		Last:      &price,
		Timestamp: time.Now(),
	}, nil
}

// Metrics reports routing scores derived from the venue profile unless
// overridden in Config.
func (a *Adapter) Metrics(ctx context.Context) (broker.Metrics, error) {
	if a.cfg.Metrics != nil {
		return *a.cfg.Metrics, nil
	}
	v := a.cfg.Venue
	return broker.Metrics{
		Speed:       clamp(1 - float64(v.Latency)/float64(200*time.Millisecond)),
		SuccessRate: clamp(v.SuccessRate),
		Fee:         clamp(1 - v.FeeRate/0.002),
		Liquidity:   clamp(v.LiquidityFactor),
	}, nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
