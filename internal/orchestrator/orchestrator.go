package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-broker/internal/broker"
	"github.com/ksred/klear-broker/internal/connections"
	"github.com/ksred/klear-broker/internal/ledger"
	"github.com/ksred/klear-broker/internal/notify"
	"github.com/ksred/klear-broker/internal/types"
)

// Ledger is the funds collaborator. Every reservation taken is either
// committed or released exactly once.
type Ledger interface {
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)
	Reserve(ctx context.Context, userID string, amount decimal.Decimal) (string, error)
	Commit(ctx context.Context, reservationID string, finalAmount decimal.Decimal) error
	Release(ctx context.Context, reservationID string) error
}

// Connections resolves a user's broker connections and opens adapters.
type Connections interface {
	ListConnections(ctx context.Context, userID string) ([]connections.BrokerConnection, error)
	GetConnection(ctx context.Context, id string) (*connections.BrokerConnection, error)
	GetType(ctx context.Context, id uint) (*connections.BrokerType, error)
	Open(ctx context.Context, conn *connections.BrokerConnection) (broker.Adapter, error)
}

// RegistrySource adapts a registry and factory to Connections.
type RegistrySource struct {
	*connections.Registry
	Factory connections.AdapterFactory
}

func (s RegistrySource) Open(ctx context.Context, conn *connections.BrokerConnection) (broker.Adapter, error) {
	return s.Registry.Adapter(ctx, s.Factory, conn)
}

var _ Ledger = (*ledger.Service)(nil)

// Service routes trades to brokers. Orders on the same connection are
// submitted one at a time.
type Service struct {
	conns     Connections
	ledger    Ledger
	journal   Journal
	publisher notify.Publisher
	weights   Weights
	slippage  decimal.Decimal

	connLocks   keyedMutex
	clientLocks keyedMutex
}

type Option func(*Service)

func WithWeights(w Weights) Option {
	return func(s *Service) { s.weights = w }
}

func WithPublisher(p notify.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// DefaultSlippage is the allowance added to a quote when reserving funds
// for market and stop orders.
var DefaultSlippage = decimal.RequireFromString("0.05")

func WithSlippage(fraction decimal.Decimal) Option {
	return func(s *Service) { s.slippage = fraction }
}

func NewService(conns Connections, l Ledger, journal Journal, opts ...Option) *Service {
	s := &Service{
		conns:     conns,
		ledger:    l,
		journal:   journal,
		publisher: notify.Discard{},
		weights:   DefaultWeights,
		slippage:  DefaultSlippage,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetTrade returns a journal row.
func (s *Service) GetTrade(ctx context.Context, id string) (*TradeRecord, error) {
	rec, err := s.journal.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrTradeNotFound
	}
	return rec, nil
}

// ExecuteTrade reserves funds, picks a connection, submits the order and
// settles the reservation against what actually filled.
//
// Limit orders reserve quantity times the limit price before routing.
// Market and stop orders have no such bound, so the chosen connection is
// quoted first and the hold is the quote plus the slippage allowance.
//
// Broker rejections and insufficient funds are not silent: rejections
// return a result in StateRejected, insufficient funds a *TradeError at
// StageReservation. Every other failure is a *TradeError naming its stage,
// and any reservation taken has been released before it is returned,
// unless the broker may already have executed against it.
func (s *Service) ExecuteTrade(ctx context.Context, userID string, req types.OrderRequest, preferredConnectionID string) (*TradeResult, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}

	if req.ClientOrderID != "" {
		unlock := s.clientLocks.Lock(userID + "|" + req.ClientOrderID)
		defer unlock()

		prior, err := s.journal.FindFinal(ctx, userID, req.ClientOrderID)
		if err != nil {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
		if prior != nil {
			res := resultOf(prior)
			res.Replayed = true
			return res, nil
		}
	}

	rec := &TradeRecord{
		ID:            "TRD_" + uuid.New().String(),
		UserID:        userID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		State:         StateRequested,
		RequestedQty:  req.Quantity,
	}
	if err := s.journal.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("journal trade: %w", err)
	}

	logger := log.With().
		Str("service", "orchestrator").
		Str("trade_id", rec.ID).
		Str("user_id", userID).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Logger()
	logger.Info().Str("order_type", string(req.Type)).Str("quantity", req.Quantity.String()).Msg("trade requested")

	t := &trade{Service: s, rec: rec, req: req, logger: logger}
	return t.run(ctx, preferredConnectionID)
}

// trade carries one ExecuteTrade through its stages.
type trade struct {
	*Service
	rec    *TradeRecord
	req    types.OrderRequest
	logger zerolog.Logger

	reservationID string
	settled       bool
	// kept is set once the broker may have executed against the hold.
	kept bool
}

func (t *trade) run(ctx context.Context, preferredID string) (*TradeResult, error) {
	// A reservation is closed on every path out of run, including panics
	// and cancelled contexts.
	defer t.releaseIfOpen(ctx)

	var cand *Candidate
	notional, bounded := t.req.Notional()
	if !bounded {
		var err error
		if cand, err = t.route(ctx, preferredID); err != nil {
			return nil, t.fail(ctx, StageRouting, err)
		}
		if notional, err = t.quoteNotional(ctx, cand.Adapter); err != nil {
			return nil, t.fail(ctx, StageReservation, err)
		}
	}
	t.rec.Reserved = notional

	if err := t.reserve(ctx, notional); err != nil {
		return nil, err
	}

	if cand == nil {
		var err error
		if cand, err = t.route(ctx, preferredID); err != nil {
			return nil, t.fail(ctx, StageRouting, err)
		}
	}
	t.rec.ConnectionID = cand.Connection.ID
	t.rec.Broker = cand.Connection.BrokerName
	t.rec.Score = cand.Score
	t.advance(ctx, StateRouted)
	t.logger.Info().
		Str("connection_id", cand.Connection.ID).
		Str("broker", cand.Connection.BrokerName).
		Float64("score", cand.Score).
		Msg("trade routed")

	resp, err := t.submit(ctx, cand)
	if err != nil {
		return nil, t.fail(ctx, StageSubmission, err)
	}
	t.record(resp)

	switch {
	case resp.Status == types.OrderStatusRejected:
		return t.reject(ctx, resp.Reason), nil
	case resp.FilledQuantity.IsPositive():
	case resp.Status == types.OrderStatusCanceled:
		return t.reject(ctx, reasonOr(resp, "canceled by broker with nothing filled")), nil
	default:
		// Still working with nothing filled. The trade cannot finish
		// while the order can still fill, so it is withdrawn.
		final, err := t.withdraw(ctx, cand, resp)
		if err != nil {
			return nil, t.keep(ctx, StageSettlement, err)
		}
		t.record(final)
		if !final.FilledQuantity.IsPositive() {
			return t.reject(ctx, reasonOr(final, "not filled at submission and withdrawn")), nil
		}
	}

	if err := t.commit(ctx, t.rec.Order); err != nil {
		return nil, t.keep(ctx, StageSettlement, err)
	}
	t.finish(ctx, StateFilled)
	t.logger.Info().
		Str("order_id", t.rec.BrokerOrderID).
		Str("status", string(t.rec.OrderStatus)).
		Str("filled", t.rec.FilledQty.String()).
		Str("committed", t.rec.Committed.String()).
		Msg("trade settled")
	return resultOf(t.rec), nil
}

func (t *trade) record(resp *types.OrderResponse) {
	t.rec.Order = resp
	t.rec.BrokerOrderID = resp.OrderID
	t.rec.OrderStatus = resp.Status
	t.rec.FilledQty = resp.FilledQuantity
	t.rec.AveragePrice = resp.AveragePrice
}

// reject closes a trade the broker refused or that ended with nothing
// filled.
func (t *trade) reject(ctx context.Context, reason string) *TradeResult {
	t.release(ctx)
	t.rec.Error = reason
	t.finish(ctx, StateRejected)
	t.logger.Warn().Str("status", string(t.rec.OrderStatus)).Str("reason", reason).Msg("order not filled")
	return resultOf(t.rec)
}

func reasonOr(resp *types.OrderResponse, fallback string) string {
	if resp.Reason != "" {
		return resp.Reason
	}
	return fallback
}

// quoteNotional values an order without a limit price: buys at the ask,
// sells at the bid, never below a stop price, plus the slippage allowance.
func (t *trade) quoteNotional(ctx context.Context, a broker.Adapter) (decimal.Decimal, error) {
	q, err := a.GetQuote(ctx, t.req.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("quote %s: %w", t.req.Symbol, err)
	}

	price := q.Ask
	if t.req.Side == types.SideSell {
		price = q.Bid
	}
	if !price.IsPositive() && q.Last != nil {
		price = *q.Last
	}
	if t.req.StopPrice != nil && t.req.StopPrice.GreaterThan(price) {
		price = *t.req.StopPrice
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("quote %s: no usable price", t.req.Symbol)
	}

	notional := t.req.Quantity.Mul(price).Mul(decimal.NewFromInt(1).Add(t.slippage))
	t.logger.Debug().
		Str("quote", price.String()).
		Str("notional", notional.String()).
		Msg("priced from quote")
	return notional, nil
}

// withdraw cancels a working order and returns the broker's final view of
// it. An order that is still not terminal after the cancel is an error.
func (t *trade) withdraw(ctx context.Context, cand *Candidate, resp *types.OrderResponse) (*types.OrderResponse, error) {
	ctx = context.WithoutCancel(ctx)
	if _, err := cand.Adapter.CancelOrder(ctx, resp.OrderID); err != nil {
		return nil, fmt.Errorf("cancel unfilled order %s: %w", resp.OrderID, err)
	}
	final, err := cand.Adapter.GetOrderStatus(ctx, resp.OrderID)
	if err != nil {
		return nil, fmt.Errorf("status of order %s after cancel: %w", resp.OrderID, err)
	}
	if !final.Status.IsTerminal() && !final.FilledQuantity.IsPositive() {
		return nil, fmt.Errorf("order %s still %s after cancel", resp.OrderID, final.Status)
	}
	t.logger.Info().Str("order_id", resp.OrderID).Str("status", string(final.Status)).Msg("withdrew unfilled order")
	return final, nil
}

func (t *trade) reserve(ctx context.Context, notional decimal.Decimal) error {
	available, err := t.ledger.GetBalance(ctx, t.rec.UserID)
	if err != nil {
		return t.fail(ctx, StageReservation, fmt.Errorf("get balance: %w", err))
	}
	if available.LessThan(notional) {
		return t.refuse(ctx, &InsufficientFundsError{UserID: t.rec.UserID, Required: notional, Available: available})
	}

	id, err := t.ledger.Reserve(ctx, t.rec.UserID, notional)
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		// Another trade took the balance between the check and the hold.
		return t.refuse(ctx, &InsufficientFundsError{UserID: t.rec.UserID, Required: notional, Available: available})
	}
	if err != nil {
		return t.fail(ctx, StageReservation, fmt.Errorf("reserve: %w", err))
	}

	t.reservationID = id
	t.rec.ReservationID = id
	t.advance(ctx, StateFundsReserved)
	return nil
}

// refuse records a reservation-stage rejection. No broker is called.
func (t *trade) refuse(ctx context.Context, err *InsufficientFundsError) error {
	t.rec.Stage = StageReservation
	t.rec.Error = err.Error()
	t.finish(ctx, StateRejected)
	t.logger.Warn().
		Str("required", err.Required.String()).
		Str("available", err.Available.String()).
		Msg("insufficient funds")
	return &TradeError{TradeID: t.rec.ID, Stage: StageReservation, Err: err}
}

func (t *trade) route(ctx context.Context, preferredID string) (*Candidate, error) {
	if preferredID != "" {
		return t.preferred(ctx, preferredID)
	}

	conns, err := t.conns.ListConnections(ctx, t.rec.UserID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	eligible := conns[:0]
	for _, c := range conns {
		if c.Validated() {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return nil, &NoBrokerAvailableError{UserID: t.rec.UserID, Reason: "no active validated connections"}
	}

	cands := t.score(ctx, eligible)
	if len(cands) == 0 {
		return nil, &NoBrokerAvailableError{UserID: t.rec.UserID, Reason: "no connection could be opened"}
	}
	Rank(cands)
	return &cands[0], nil
}

func (t *trade) preferred(ctx context.Context, id string) (*Candidate, error) {
	conn, err := t.conns.GetConnection(ctx, id)
	if errors.Is(err, connections.ErrConnectionNotFound) || (err == nil && conn.UserID != t.rec.UserID) {
		return nil, &NoBrokerAvailableError{UserID: t.rec.UserID, Reason: "connection " + id + " not found"}
	}
	if err != nil {
		return nil, err
	}
	if !conn.IsActive {
		return nil, &NoBrokerAvailableError{UserID: t.rec.UserID, Reason: "connection " + id + " is inactive"}
	}

	a, err := t.conns.Open(ctx, conn)
	if err != nil {
		return nil, err
	}
	cands := t.measure(ctx, []connections.BrokerConnection{*conn}, []broker.Adapter{a})
	return &cands[0], nil
}

// score opens every eligible connection concurrently and measures the ones
// that open. Failures are logged and skipped.
func (t *trade) score(ctx context.Context, conns []connections.BrokerConnection) []Candidate {
	adapters := make([]broker.Adapter, len(conns))
	var wg sync.WaitGroup
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := t.conns.Open(ctx, &conns[i])
			if err != nil {
				t.logger.Warn().Err(err).
					Str("connection_id", conns[i].ID).
					Str("broker", conns[i].BrokerName).
					Msg("skipping connection for routing")
				return
			}
			adapters[i] = a
		}(i)
	}
	wg.Wait()

	var (
		open []connections.BrokerConnection
		as   []broker.Adapter
	)
	for i, a := range adapters {
		if a != nil {
			open = append(open, conns[i])
			as = append(as, a)
		}
	}
	return t.measure(ctx, open, as)
}

func (t *trade) measure(ctx context.Context, conns []connections.BrokerConnection, adapters []broker.Adapter) []Candidate {
	cands := make([]Candidate, 0, len(conns))
	for i, conn := range conns {
		stats, err := t.journal.Stats(ctx, conn.ID)
		if err != nil {
			t.logger.Warn().Err(err).Str("connection_id", conn.ID).Msg("journal stats unavailable")
		}

		var m broker.Metrics
		reported := false
		if r, ok := broker.MetricsOf(adapters[i]); ok {
			if m, err = r.Metrics(ctx); err == nil {
				reported = true
			}
		}
		if !reported {
			bt, err := t.conns.GetType(ctx, conn.BrokerTypeID)
			if err != nil {
				t.logger.Warn().Err(err).Str("connection_id", conn.ID).Msg("broker type defaults unavailable")
			}
			m = Estimate(stats, bt)
		}

		cands = append(cands, Candidate{
			Connection:  conn,
			Adapter:     adapters[i],
			Metrics:     m,
			Score:       t.weights.Score(m),
			LastSuccess: stats.LastSuccess,
		})
	}
	return cands
}

// submit places the order once. A transport failure with a client order
// id is followed by a single lookup, since the broker may have accepted
// the order before the connection dropped.
func (t *trade) submit(ctx context.Context, cand *Candidate) (*types.OrderResponse, error) {
	unlock := t.connLocks.Lock(cand.Connection.ID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, broker.Transport(cand.Connection.BrokerName, "PlaceOrder", err)
	}

	start := time.Now()
	resp, err := cand.Adapter.PlaceOrder(ctx, t.req)
	elapsed := time.Since(start)
	t.rec.SubmitLatency = elapsed
	submitSeconds.WithLabelValues(cand.Connection.BrokerName).Observe(elapsed.Seconds())

	if err != nil && broker.IsTransport(err) && t.req.ClientOrderID != "" {
		if lookup, ok := broker.LookupOf(cand.Adapter); ok {
			found, lerr := lookup.GetOrderByClientID(context.WithoutCancel(ctx), t.req.ClientOrderID)
			if lerr == nil && found != nil {
				t.logger.Warn().Err(err).
					Str("order_id", found.OrderID).
					Msg("recovered ambiguous submission by client order id")
				t.rec.Recovered = true
				return found, nil
			}
			t.logger.Warn().Err(lerr).Msg("client order id lookup did not find the order")
		}
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// commit debits what actually filled, including any excess over the hold.
func (t *trade) commit(ctx context.Context, resp *types.OrderResponse) error {
	final := resp.FilledNotional()
	if err := t.ledger.Commit(context.WithoutCancel(ctx), t.reservationID, final); err != nil {
		return fmt.Errorf("commit reservation: %w", err)
	}
	t.settled = true
	t.rec.Committed = final
	if final.GreaterThan(t.rec.Reserved) {
		t.logger.Warn().
			Str("reserved", t.rec.Reserved.String()).
			Str("committed", final.String()).
			Msg("fill exceeded reservation")
	}
	return nil
}

func (t *trade) release(ctx context.Context) {
	if t.reservationID == "" || t.settled || t.kept {
		return
	}
	t.settled = true
	if err := t.ledger.Release(context.WithoutCancel(ctx), t.reservationID); err != nil {
		t.logger.Error().Err(err).Str("reservation_id", t.reservationID).Msg("failed to release reservation")
	}
}

func (t *trade) releaseIfOpen(ctx context.Context) {
	if t.reservationID != "" && !t.settled && !t.kept {
		t.logger.Warn().Str("reservation_id", t.reservationID).Msg("releasing open reservation")
	}
	t.release(ctx)
}

func (t *trade) advance(ctx context.Context, state TradeState) {
	t.rec.State = state
	if err := t.journal.Save(context.WithoutCancel(ctx), t.rec); err != nil {
		t.logger.Error().Err(err).Str("state", string(state)).Msg("failed to journal trade")
	}
}

// finish records a final state, counts it and publishes the event.
func (t *trade) finish(ctx context.Context, state TradeState) {
	t.advance(ctx, state)
	observeTrade(t.rec)
	t.publish(ctx)
}

// keep fails the trade after the broker may have executed. The hold stays
// HELD for reconciliation against the broker instead of being released.
func (t *trade) keep(ctx context.Context, stage Stage, err error) error {
	t.kept = true
	t.logger.Error().Str("reservation_id", t.reservationID).Msg("reservation kept for reconciliation")
	return t.fail(ctx, stage, err)
}

func (t *trade) fail(ctx context.Context, stage Stage, err error) error {
	t.release(ctx)
	t.rec.Stage = stage
	t.rec.Error = err.Error()
	t.finish(ctx, StateFailed)
	t.logger.Error().Err(err).Str("stage", string(stage)).Msg("trade failed")
	return &TradeError{TradeID: t.rec.ID, Stage: stage, Err: err}
}

// publish never affects the trade outcome.
func (t *trade) publish(ctx context.Context) {
	ev := notify.OrderEvent{
		TradeID:        t.rec.ID,
		UserID:         t.rec.UserID,
		ConnectionID:   t.rec.ConnectionID,
		BrokerOrderID:  t.rec.BrokerOrderID,
		Symbol:         t.rec.Symbol,
		Side:           string(t.rec.Side),
		State:          string(t.rec.State),
		Status:         string(t.rec.OrderStatus),
		FilledQuantity: t.rec.FilledQty,
		AveragePrice:   t.rec.AveragePrice,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		t.logger.Error().Err(err).Msg("failed to encode order event")
		return
	}
	if err := t.publisher.Publish(context.WithoutCancel(ctx), notify.Topic(t.rec.Symbol), payload); err != nil {
		t.logger.Warn().Err(err).Msg("failed to publish order event")
	}
}

// keyedMutex serializes work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until key is free and returns the unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
