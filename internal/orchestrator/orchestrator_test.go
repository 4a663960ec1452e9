package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-broker/internal/broker"
	brokermock "github.com/ksred/klear-broker/internal/broker/mock"
	"github.com/ksred/klear-broker/internal/connections"
	"github.com/ksred/klear-broker/internal/ledger"
	"github.com/ksred/klear-broker/internal/notify"
	"github.com/ksred/klear-broker/internal/types"
)

const testUser = "USR_1"

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *mockLedger) Reserve(ctx context.Context, userID string, amount decimal.Decimal) (string, error) {
	args := m.Called(ctx, userID, amount)
	return args.String(0), args.Error(1)
}

func (m *mockLedger) Commit(ctx context.Context, reservationID string, finalAmount decimal.Decimal) error {
	return m.Called(ctx, reservationID, finalAmount).Error(0)
}

func (m *mockLedger) Release(ctx context.Context, reservationID string) error {
	return m.Called(ctx, reservationID).Error(0)
}

func amount(s string) interface{} {
	want := decimal.RequireFromString(s)
	return mock.MatchedBy(func(d decimal.Decimal) bool { return d.Equal(want) })
}

// fundedLedger expects one reservation of RSV_1 against a 10000 balance.
func fundedLedger() *mockLedger {
	l := &mockLedger{}
	l.On("GetBalance", mock.Anything, testUser).Return(decimal.NewFromInt(10000), nil)
	l.On("Reserve", mock.Anything, testUser, mock.Anything).Return("RSV_1", nil).Once()
	return l
}

type fakeConns struct {
	mu       sync.Mutex
	conns    []connections.BrokerConnection
	adapters map[string]broker.Adapter
	types    map[uint]*connections.BrokerType
	opened   int
}

func newFakeConns() *fakeConns {
	return &fakeConns{
		adapters: make(map[string]broker.Adapter),
		types: map[uint]*connections.BrokerType{
			4: {ID: 4, Name: "paper", DefaultFeeRate: 0.001, DefaultLiquidity: 0.9},
		},
	}
}

func (f *fakeConns) add(conn connections.BrokerConnection, a broker.Adapter) {
	f.conns = append(f.conns, conn)
	if a != nil {
		f.adapters[conn.ID] = a
	}
}

func (f *fakeConns) ListConnections(ctx context.Context, userID string) ([]connections.BrokerConnection, error) {
	var out []connections.BrokerConnection
	for _, c := range f.conns {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeConns) GetConnection(ctx context.Context, id string) (*connections.BrokerConnection, error) {
	for _, c := range f.conns {
		if c.ID == id {
			c := c
			return &c, nil
		}
	}
	return nil, connections.ErrConnectionNotFound
}

func (f *fakeConns) GetType(ctx context.Context, id uint) (*connections.BrokerType, error) {
	if bt, ok := f.types[id]; ok {
		return bt, nil
	}
	return nil, connections.ErrBrokerTypeNotFound
}

func (f *fakeConns) Open(ctx context.Context, conn *connections.BrokerConnection) (broker.Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	a, ok := f.adapters[conn.ID]
	if !ok {
		return nil, &broker.TransportError{Broker: conn.BrokerName, Op: "Initialize", Err: errors.New("unreachable")}
	}
	return a, nil
}

type memJournal struct {
	mu    sync.Mutex
	recs  map[string]TradeRecord
	order []string
	stats map[string]Stats
}

func newMemJournal() *memJournal {
	return &memJournal{recs: make(map[string]TradeRecord), stats: make(map[string]Stats)}
}

func (j *memJournal) Create(ctx context.Context, rec *TradeRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec.CreatedAt = time.Now()
	j.recs[rec.ID] = *rec
	j.order = append(j.order, rec.ID)
	return nil
}

func (j *memJournal) Save(ctx context.Context, rec *TradeRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.recs[rec.ID] = *rec
	return nil
}

func (j *memJournal) Get(ctx context.Context, id string) (*TradeRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.recs[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (j *memJournal) FindFinal(ctx context.Context, userID, clientOrderID string) (*TradeRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := len(j.order) - 1; i >= 0; i-- {
		rec := j.recs[j.order[i]]
		if rec.UserID == userID && rec.ClientOrderID == clientOrderID && rec.State.Final() {
			return &rec, nil
		}
	}
	return nil, nil
}

func (j *memJournal) Stats(ctx context.Context, connectionID string) (Stats, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stats[connectionID], nil
}

func (j *memJournal) only(t *testing.T) TradeRecord {
	t.Helper()
	j.mu.Lock()
	defer j.mu.Unlock()
	require.Len(t, j.recs, 1)
	for _, rec := range j.recs {
		return rec
	}
	return TradeRecord{}
}

func validated(id string) connections.BrokerConnection {
	now := time.Now()
	return connections.BrokerConnection{
		ID:              id,
		UserID:          testUser,
		BrokerTypeID:    4,
		BrokerName:      brokermock.Name,
		IsActive:        true,
		LastConnectedAt: &now,
	}
}

func limitBuy(qty, price int64, clientOrderID string) types.OrderRequest {
	p := decimal.NewFromInt(price)
	return types.OrderRequest{
		Symbol:        "AAPL",
		Side:          types.SideBuy,
		Quantity:      decimal.NewFromInt(qty),
		Type:          types.OrderTypeLimit,
		LimitPrice:    &p,
		ClientOrderID: clientOrderID,
	}
}

func TestInsufficientFundsNeverReachesBroker(t *testing.T) {
	conns := newFakeConns()
	venue := brokermock.New(brokermock.Config{})
	conns.add(validated("CONN_A"), venue)

	l := &mockLedger{}
	l.On("GetBalance", mock.Anything, testUser).Return(decimal.NewFromInt(50), nil)
	journal := newMemJournal()
	svc := NewService(conns, l, journal)

	_, err := svc.ExecuteTrade(context.Background(), testUser, limitBuy(1, 100, ""), "")
	require.Error(t, err)
	assert.True(t, IsInsufficientFunds(err))
	assert.Equal(t, StageReservation, StageOf(err))

	var funds *InsufficientFundsError
	require.True(t, errors.As(err, &funds))
	assert.True(t, funds.Required.Equal(decimal.NewFromInt(100)))
	assert.True(t, funds.Available.Equal(decimal.NewFromInt(50)))

	assert.Zero(t, venue.PlaceCalls())
	assert.Zero(t, conns.opened)
	l.AssertNotCalled(t, "Reserve", mock.Anything, mock.Anything, mock.Anything)

	rec := journal.only(t)
	assert.Equal(t, StateRejected, rec.State)
	assert.Equal(t, StageReservation, rec.Stage)
	assert.False(t, rec.Submitted())
}

func TestReserveRaceIsInsufficientFunds(t *testing.T) {
	conns := newFakeConns()
	venue := brokermock.New(brokermock.Config{})
	conns.add(validated("CONN_A"), venue)

	l := &mockLedger{}
	l.On("GetBalance", mock.Anything, testUser).Return(decimal.NewFromInt(1000), nil)
	l.On("Reserve", mock.Anything, testUser, mock.Anything).
		Return("", fmt.Errorf("wrapped: %w", ledger.ErrInsufficientFunds))
	svc := NewService(conns, l, newMemJournal())

	_, err := svc.ExecuteTrade(context.Background(), testUser, limitBuy(1, 100, ""), "")
	assert.True(t, IsInsufficientFunds(err))
	assert.Zero(t, venue.PlaceCalls())
	l.AssertNotCalled(t, "Release", mock.Anything, mock.Anything)
}

func TestRoutesToHighestScore(t *testing.T) {
	conns := newFakeConns()
	a := brokermock.New(brokermock.Config{Metrics: &broker.Metrics{Speed: 0.8, SuccessRate: 0.9, Fee: 0.8, Liquidity: 0.75}})
	b := brokermock.New(brokermock.Config{Metrics: &broker.Metrics{Speed: 0.7, SuccessRate: 0.8, Fee: 0.8, Liquidity: 0.8}})
	conns.add(validated("CONN_B"), b)
	conns.add(validated("CONN_A"), a)

	l := fundedLedger()
	l.On("Commit", mock.Anything, "RSV_1", amount("1000")).Return(nil).Once()
	svc := NewService(conns, l, newMemJournal())

	res, err := svc.ExecuteTrade(context.Background(), testUser, limitBuy(10, 100, ""), "")
	require.NoError(t, err)
	assert.Equal(t, "CONN_A", res.ConnectionID)
	assert.InDelta(t, 0.82, res.Score, 1e-9)
	assert.Equal(t, StateFilled, res.State)
	assert.Equal(t, 1, a.PlaceCalls())
	assert.Zero(t, b.PlaceCalls())

	l.AssertExpectations(t)
	l.AssertNotCalled(t, "Release", mock.Anything, mock.Anything)
}

func TestUnvalidatedConnectionsAreNotCandidates(t *testing.T) {
	conns := newFakeConns()
	inactive := validated("CONN_INACTIVE")
	inactive.IsActive = false
	untested := validated("CONN_UNTESTED")
	untested.LastConnectedAt = nil
	conns.add(inactive, brokermock.New(brokermock.Config{}))
	conns.add(untested, brokermock.New(brokermock.Config{}))

	l := fundedLedger()
	l.On("Release", mock.Anything, "RSV_1").Return(nil).Once()
	svc := NewService(conns, l, newMemJournal())

	_, err := svc.ExecuteTrade(context.Background(), testUser, limitBuy(1, 100, ""), "")
	assert.True(t, IsNoBrokerAvailable(err))
	assert.Equal(t, StageRouting, StageOf(err))
	assert.Zero(t, conns.opened)
	l.AssertNumberOfCalls(t, "Release", 1)
}

func TestUnopenableConnectionsAreSkipped(t *testing.T) {
	conns := newFakeConns()
	conns.add(validated("CONN_DOWN"), nil)
	good := brokermock.New(brokermock.Config{})
	conns.add(validated("CONN_UP"), good)

	l := fundedLedger()
	l.On("Commit", mock.Anything, "RSV_1", amount("100")).Return(nil).Once()
	svc := NewService(conns, l, newMemJournal())

	res, err := svc.ExecuteTrade(context.Background(), testUser, limitBuy(1, 100, ""), "")
	require.NoError(t, err)
	assert.Equal(t, "CONN_UP", res.ConnectionID)
	assert.Equal(t, 2, conns.opened)
}

func TestPartialFillCommitsFilledNotional(t *testing.T) {
	conns := newFakeConns()
	conns.add(validated("CONN_A"), brokermock.New(brokermock.Config{FillRatio: decimal.RequireFromString("0.6")}))

	l := fundedLedger()
	l.On("Commit", mock.Anything, "RSV_1", amount("600")).Return(nil).Once()
	journal := newMemJournal()
	svc := NewService(conns, l, journal)

	res, err := svc.ExecuteTrade(context.Background(), testUser, limitBuy(10, 100, ""), "")
	require.NoError(t, err)
	assert.Equal(t, StateFilled, res.State)
	assert.True(t, res.Committed.Equal(decimal.NewFromInt(600)))
	require.NotNil(t, res.Order)
	assert.Equal(t, types.OrderStatusPartialFill, res.Order.Status)
	assert.True(t, res.Order.FilledQuantity.Equal(decimal.NewFromInt(6)))

	rec := journal.only(t)
	assert.True(t, rec.Reserved.Equal(decimal.NewFromInt(1000)))
	assert.True(t, rec.Committed.Equal(decimal.NewFromInt(600)))
	l.AssertExpectations(t)
	l.AssertNotCalled(t, "Release", mock.Anything, mock.Anything)
}

func TestTransportFailureReleasesOnce(t *testing.T) {
	conns := newFakeConns()
	conns.add(validated("CONN_A"), brokermock.New(brokermock.Config{PlaceErr: errors.New("connection reset")}))

	l := fundedLedger()
	l.On("Release", mock.Anything, "RSV_1").Return(nil)
	journal := newMemJournal()
	svc := NewService(conns, l, journal)

	_, err := svc.ExecuteTrade(context.Background(), testUser, limitBuy(1, 100, ""), "")
	require.Error(t, err)
	assert.Equal(t, StageSubmission, StageOf(err))
	assert.True(t, broker.IsTransport(err))

	var te *TradeError
	require.True(t, errors.As(err, &te))
	assert.NotEmpty(t, te.TradeID)

	l.AssertNumberOfCalls(t, "Release", 1)
	l.AssertNotCalled(t, "Commit", mock.Anything, mock.Anything, mock.Anything)

	rec := journal.only(t)
	assert.Equal(t, StateFailed, rec.State)
	assert.Equal(t, StageSubmission, rec.Stage)
	assert.Equal(t, "CONN_A", rec.ConnectionID)
}

func TestAmbiguousSubmissionRecoveredByClientOrderID(t *testing.T) {
	conns := newFakeConns()
	venue := brokermock.New(brokermock.Config{PlaceErr: errors.New("read timeout")})
	conns.add(validated("CONN_A"), venue)

	l := fundedLedger()
	l.On("Commit", mock.Anything, "RSV_1", amount("500")).Return(nil).Once()
	journal := newMemJournal()
	svc := NewService(conns, l, journal)

	res, err := svc.ExecuteTrade(context.Background(), testUser, limitBuy(5, 100, "cid-1"), "")
	require.NoError(t, err)
	assert.Equal(t, StateFilled, res.State)
	require.NotNil(t, res.Order)
	assert.Equal(t, "cid-1", res.Order.ClientOrderID)
	assert.Equal(t, 1, venue.PlaceCalls())

	assert.True(t, journal.only(t).Recovered)
	l.AssertNotCalled(t, "Release", mock.Anything, mock.Anything)
}

func TestBrokerRejectionIsAResult(t *testing.T) {
	conns := newFakeConns()
	conns.add(validated("CONN_A"), brokermock.New(brokermock.Config{RejectReason: "market closed"}))

	l := fundedLedger()
	l.On("Release", mock.Anything, "RSV_1").Return(nil)
	svc := NewService(conns, l, newMemJournal())

	res, err := svc.ExecuteTrade(context.Background(), testUser, limitBuy(1, 100, ""), "")
	require.NoError(t, err)
	assert.Equal(t, StateRejected, res.State)
	require.NotNil(t, res.Order)
	assert.Equal(t, "market closed", res.Order.Reason)
	assert.True(t, res.Committed.IsZero())

	l.AssertNumberOfCalls(t, "Release", 1)
	l.AssertNotCalled(t, "Commit", mock.Anything, mock.Anything, mock.Anything)
}

func TestCommitFailureKeepsHold(t *testing.T) {
	conns := newFakeConns()
	conns.add(validated("CONN_A"), brokermock.New(brokermock.Config{}))

	l := fundedLedger()
	l.On("Commit", mock.Anything, "RSV_1", mock.Anything).Return(errors.New("disk full")).Once()
	journal := newMemJournal()
	svc := NewService(conns, l, journal)

	_, err := svc.ExecuteTrade(context.Background(), testUser, limitBuy(1, 100, ""), "")
	require.Error(t, err)
	assert.Equal(t, StageSettlement, StageOf(err))

	// The order executed, so the hold stays for reconciliation.
	l.AssertNotCalled(t, "Release", mock.Anything, mock.Anything)
	rec := journal.only(t)
	assert.Equal(t, StateFailed, rec.State)
	assert.Equal(t, "RSV_1", rec.ReservationID)
}

func TestMarketOrderReservesFromQuote(t *testing.T) {
	conns := newFakeConns()
	conns.add(validated("CONN_A"), brokermock.New(brokermock.Config{Slippage: decimal.RequireFromString("0.1")}))

	l := &mockLedger{}
	l.On("GetBalance", mock.Anything, testUser).Return(decimal.NewFromInt(10000), nil)
	l.On("Reserve", mock.Anything, testUser, amount("1051.05")).Return("RSV_1", nil).Once()
	l.On("Commit", mock.Anything, "RSV_1", amount("1100")).Return(nil).Once()
	journal := newMemJournal()
	svc := NewService(conns, l, journal)

	market := types.OrderRequest{Symbol: "MSFT", Side: types.SideBuy, Quantity: decimal.NewFromInt(10), Type: types.OrderTypeMarket}
	res, err := svc.ExecuteTrade(context.Background(), testUser, market, "")
	require.NoError(t, err)
	assert.Equal(t, StateFilled, res.State)
	assert.True(t, res.Committed.Equal(decimal.NewFromInt(1100)))

	rec := journal.only(t)
	assert.True(t, rec.Reserved.Equal(decimal.RequireFromString("1051.05")))
	l.AssertExpectations(t)
	l.AssertNotCalled(t, "Release", mock.Anything, mock.Anything)
}

func TestMarketOrderRefusedOnQuotedNotional(t *testing.T) {
	conns := newFakeConns()
	venue := brokermock.New(brokermock.Config{})
	conns.add(validated("CONN_A"), venue)

	l := &mockLedger{}
	l.On("GetBalance", mock.Anything, testUser).Return(decimal.NewFromInt(1000), nil)
	svc := NewService(conns, l, newMemJournal(), WithSlippage(decimal.RequireFromString("0.02")))

	market := types.OrderRequest{Symbol: "MSFT", Side: types.SideBuy, Quantity: decimal.NewFromInt(10), Type: types.OrderTypeMarket}
	_, err := svc.ExecuteTrade(context.Background(), testUser, market, "")
	require.Error(t, err)
	assert.True(t, IsInsufficientFunds(err))

	var funds *InsufficientFundsError
	require.True(t, errors.As(err, &funds))
	assert.True(t, funds.Required.Equal(decimal.RequireFromString("1021.02")), funds.Required.String())
	assert.Zero(t, venue.PlaceCalls())
	l.AssertNotCalled(t, "Reserve", mock.Anything, mock.Anything, mock.Anything)
}

func TestCanceledWithoutFillIsRejected(t *testing.T) {
	conns := newFakeConns()
	venue := brokermock.New(brokermock.Config{ExpireUnfilled: true})
	conns.add(validated("CONN_A"), venue)

	l := fundedLedger()
	l.On("Release", mock.Anything, "RSV_1").Return(nil).Once()
	journal := newMemJournal()
	svc := NewService(conns, l, journal)

	res, err := svc.ExecuteTrade(context.Background(), testUser, limitBuy(3, 100, "ioc-1"), "")
	require.NoError(t, err)
	assert.Equal(t, StateRejected, res.State)
	require.NotNil(t, res.Order)
	assert.Equal(t, types.OrderStatusCanceled, res.Order.Status)
	assert.True(t, res.Committed.IsZero())

	rec := journal.only(t)
	assert.Equal(t, "no liquidity at submission", rec.Error)
	l.AssertNumberOfCalls(t, "Release", 1)
	l.AssertNotCalled(t, "Commit", mock.Anything, mock.Anything, mock.Anything)

	replay, err := svc.ExecuteTrade(context.Background(), testUser, limitBuy(3, 100, "ioc-1"), "")
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, StateRejected, replay.State)
	assert.Equal(t, 1, venue.PlaceCalls())
}

func TestUnfilledWorkingOrderIsWithdrawn(t *testing.T) {
	conns := newFakeConns()
	venue := brokermock.New(brokermock.Config{Resting: true})
	conns.add(validated("CONN_A"), venue)

	l := fundedLedger()
	l.On("Release", mock.Anything, "RSV_1").Return(nil).Once()
	journal := newMemJournal()
	svc := NewService(conns, l, journal)

	res, err := svc.ExecuteTrade(context.Background(), testUser, limitBuy(3, 100, ""), "")
	require.NoError(t, err)
	assert.Equal(t, StateRejected, res.State)
	require.NotNil(t, res.Order)

	final, err := venue.GetOrderStatus(context.Background(), res.Order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusCanceled, final.Status)

	rec := journal.only(t)
	assert.Equal(t, types.OrderStatusCanceled, rec.OrderStatus)
	assert.Equal(t, "not filled at submission and withdrawn", rec.Error)
	l.AssertNumberOfCalls(t, "Release", 1)
	l.AssertNotCalled(t, "Commit", mock.Anything, mock.Anything, mock.Anything)
}

func TestDeadlineDuringSubmissionReleasesOnce(t *testing.T) {
	conns := newFakeConns()
	venue := brokermock.New(brokermock.Config{Venue: brokermock.Venues[3], SimulateLatency: true})
	conns.add(validated("CONN_A"), venue)

	l := fundedLedger()
	l.On("Release", mock.Anything, "RSV_1").Return(nil)
	journal := newMemJournal()
	svc := NewService(conns, l, journal)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := svc.ExecuteTrade(ctx, testUser, limitBuy(1, 100, ""), "")
	require.Error(t, err)
	assert.Equal(t, StageSubmission, StageOf(err))
	assert.True(t, broker.IsTransport(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	l.AssertNumberOfCalls(t, "Release", 1)
	l.AssertNotCalled(t, "Commit", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, StateFailed, journal.only(t).State)
}

func TestIdempotentReplay(t *testing.T) {
	conns := newFakeConns()
	venue := brokermock.New(brokermock.Config{})
	conns.add(validated("CONN_A"), venue)

	l := fundedLedger()
	l.On("Commit", mock.Anything, "RSV_1", amount("100")).Return(nil).Once()
	svc := NewService(conns, l, newMemJournal())
	ctx := context.Background()

	first, err := svc.ExecuteTrade(ctx, testUser, limitBuy(1, 100, "dup-1"), "")
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := svc.ExecuteTrade(ctx, testUser, limitBuy(1, 100, "dup-1"), "")
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.TradeID, second.TradeID)
	assert.Equal(t, 1, venue.PlaceCalls())
	l.AssertNumberOfCalls(t, "Reserve", 1)
}

func TestConcurrentDuplicatesSubmitOnce(t *testing.T) {
	conns := newFakeConns()
	venue := brokermock.New(brokermock.Config{})
	conns.add(validated("CONN_A"), venue)

	l := fundedLedger()
	l.On("Commit", mock.Anything, "RSV_1", amount("100")).Return(nil).Once()
	svc := NewService(conns, l, newMemJournal())

	var wg sync.WaitGroup
	results := make([]*TradeResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.ExecuteTrade(context.Background(), testUser, limitBuy(1, 100, "dup-2"), "")
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, venue.PlaceCalls())
	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, results[0].TradeID, res.TradeID)
	}
}

func TestPreferredConnection(t *testing.T) {
	conns := newFakeConns()
	best := brokermock.New(brokermock.Config{Metrics: &broker.Metrics{Speed: 1, SuccessRate: 1, Fee: 1, Liquidity: 1}})
	chosen := brokermock.New(brokermock.Config{Metrics: &broker.Metrics{Speed: 0.1}})
	conns.add(validated("CONN_BEST"), best)
	conns.add(validated("CONN_CHOSEN"), chosen)
	other := validated("CONN_OTHER")
	other.UserID = "USR_2"
	conns.add(other, brokermock.New(brokermock.Config{}))

	t.Run("used even when outscored", func(t *testing.T) {
		l := fundedLedger()
		l.On("Commit", mock.Anything, "RSV_1", amount("100")).Return(nil).Once()
		svc := NewService(conns, l, newMemJournal())

		res, err := svc.ExecuteTrade(context.Background(), testUser, limitBuy(1, 100, ""), "CONN_CHOSEN")
		require.NoError(t, err)
		assert.Equal(t, "CONN_CHOSEN", res.ConnectionID)
		assert.Zero(t, best.PlaceCalls())
	})

	t.Run("another user's connection", func(t *testing.T) {
		l := fundedLedger()
		l.On("Release", mock.Anything, "RSV_1").Return(nil).Once()
		svc := NewService(conns, l, newMemJournal())

		_, err := svc.ExecuteTrade(context.Background(), testUser, limitBuy(1, 100, ""), "CONN_OTHER")
		assert.True(t, IsNoBrokerAvailable(err))
		assert.Equal(t, StageRouting, StageOf(err))
		l.AssertNumberOfCalls(t, "Release", 1)
	})

	t.Run("unknown connection", func(t *testing.T) {
		l := fundedLedger()
		l.On("Release", mock.Anything, "RSV_1").Return(nil).Once()
		svc := NewService(conns, l, newMemJournal())

		_, err := svc.ExecuteTrade(context.Background(), testUser, limitBuy(1, 100, ""), "CONN_NOPE")
		assert.True(t, IsNoBrokerAvailable(err))
	})
}

func TestInvalidOrderTouchesNothing(t *testing.T) {
	l := &mockLedger{}
	svc := NewService(newFakeConns(), l, newMemJournal())

	noSymbol := types.OrderRequest{Side: types.SideBuy, Quantity: decimal.NewFromInt(1), Type: types.OrderTypeMarket}
	_, err := svc.ExecuteTrade(context.Background(), testUser, noSymbol, "")
	assert.ErrorIs(t, err, ErrInvalidOrder)

	bad := limitBuy(0, 100, "")
	_, err = svc.ExecuteTrade(context.Background(), testUser, bad, "")
	assert.ErrorIs(t, err, ErrInvalidOrder)

	l.AssertNotCalled(t, "GetBalance", mock.Anything, mock.Anything)
}

func TestSettledTradePublishesEvent(t *testing.T) {
	conns := newFakeConns()
	conns.add(validated("CONN_A"), brokermock.New(brokermock.Config{}))
	l := fundedLedger()
	l.On("Commit", mock.Anything, "RSV_1", amount("200")).Return(nil).Once()

	hub := notify.NewHub(4)
	events, unsubscribe := hub.Subscribe(notify.Topic("aapl"))
	defer unsubscribe()
	svc := NewService(conns, l, newMemJournal(), WithPublisher(hub))

	res, err := svc.ExecuteTrade(context.Background(), testUser, limitBuy(2, 100, ""), "")
	require.NoError(t, err)

	select {
	case msg := <-events:
		var ev notify.OrderEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &ev))
		assert.Equal(t, res.TradeID, ev.TradeID)
		assert.Equal(t, string(StateFilled), ev.State)
		assert.True(t, ev.FilledQuantity.Equal(decimal.NewFromInt(2)))
	case <-time.After(time.Second):
		t.Fatal("no order event published")
	}
}

func TestGetTrade(t *testing.T) {
	svc := NewService(newFakeConns(), &mockLedger{}, newMemJournal())
	_, err := svc.GetTrade(context.Background(), "TRD_missing")
	assert.ErrorIs(t, err, ErrTradeNotFound)
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	var (
		km      keyedMutex
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("CONN_A")
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Empty(t, km.locks)
}
