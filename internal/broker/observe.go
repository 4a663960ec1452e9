package broker

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ksred/klear-broker/internal/types"
)

const tracerName = "github.com/ksred/klear-broker/internal/broker"

// observed wraps an Adapter with spans and structured logs.
type observed struct {
	inner        Adapter
	connectionID string
	tracer       trace.Tracer
	logger       zerolog.Logger
}

var (
	_ Adapter           = (*observed)(nil)
	_ ClientOrderLookup = (*observed)(nil)
)

// Observe wraps a so every call runs in a span named broker.<Method> and
// failures are logged with the connection id. Credentials never reach the
// logger.
func Observe(a Adapter, connectionID string) Adapter {
	if o, ok := a.(*observed); ok {
		return o
	}
	return &observed{
		inner:        a,
		connectionID: connectionID,
		tracer:       otel.Tracer(tracerName),
		logger: log.With().
			Str("component", "broker").
			Str("broker", a.Name()).
			Str("connection_id", connectionID).
			Logger(),
	}
}

// Unwrap returns the adapter behind an Observe wrapper.
func Unwrap(a Adapter) Adapter {
	if o, ok := a.(*observed); ok {
		return o.inner
	}
	return a
}

func (o *observed) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("broker.name", o.inner.Name()),
		attribute.String("broker.connection_id", o.connectionID),
	)
	return o.tracer.Start(ctx, "broker."+op, trace.WithAttributes(attrs...))
}

func (o *observed) finish(span trace.Span, op string, err error) {
	defer span.End()
	if err == nil {
		o.logger.Debug().Str("op", op).Msg("broker call succeeded")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	o.logger.Error().Err(err).Str("op", op).Msg("broker call failed")
}

func (o *observed) Name() string { return o.inner.Name() }

func (o *observed) Initialize(ctx context.Context) (err error) {
	ctx, span := o.start(ctx, "Initialize")
	defer func() { o.finish(span, "Initialize", err) }()
	return o.inner.Initialize(ctx)
}

func (o *observed) ValidateCredentials(ctx context.Context) bool {
	ctx, span := o.start(ctx, "ValidateCredentials")
	defer span.End()
	ok := o.inner.ValidateCredentials(ctx)
	span.SetAttributes(attribute.Bool("broker.valid", ok))
	return ok
}

func (o *observed) GetAccountInfo(ctx context.Context) (info *types.AccountInfo, err error) {
	ctx, span := o.start(ctx, "GetAccountInfo")
	defer func() { o.finish(span, "GetAccountInfo", err) }()
	return o.inner.GetAccountInfo(ctx)
}

func (o *observed) GetPositions(ctx context.Context) (positions []types.Position, err error) {
	ctx, span := o.start(ctx, "GetPositions")
	defer func() { o.finish(span, "GetPositions", err) }()
	return o.inner.GetPositions(ctx)
}

func (o *observed) PlaceOrder(ctx context.Context, req types.OrderRequest) (resp *types.OrderResponse, err error) {
	ctx, span := o.start(ctx, "PlaceOrder",
		attribute.String("order.symbol", req.Symbol),
		attribute.String("order.side", string(req.Side)),
		attribute.String("order.type", string(req.Type)),
		attribute.String("order.quantity", req.Quantity.String()),
	)
	defer func() { o.finish(span, "PlaceOrder", err) }()

	o.logger.Info().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("order_type", string(req.Type)).
		Str("quantity", req.Quantity.String()).
		Str("client_order_id", req.ClientOrderID).
		Msg("placing order")

	resp, err = o.inner.PlaceOrder(ctx, req)
	if err == nil && resp != nil {
		span.SetAttributes(
			attribute.String("order.id", resp.OrderID),
			attribute.String("order.status", string(resp.Status)),
		)
		o.logger.Info().
			Str("order_id", resp.OrderID).
			Str("status", string(resp.Status)).
			Str("native_status", resp.NativeStatus).
			Str("filled_quantity", resp.FilledQuantity.String()).
			Str("reason", resp.Reason).
			Msg("order placed")
	}
	return resp, err
}

func (o *observed) GetOrderHistory(ctx context.Context) (orders []types.OrderResponse, err error) {
	ctx, span := o.start(ctx, "GetOrderHistory")
	defer func() { o.finish(span, "GetOrderHistory", err) }()
	return o.inner.GetOrderHistory(ctx)
}

func (o *observed) GetOrderStatus(ctx context.Context, orderID string) (resp *types.OrderResponse, err error) {
	ctx, span := o.start(ctx, "GetOrderStatus", attribute.String("order.id", orderID))
	defer func() { o.finish(span, "GetOrderStatus", err) }()
	return o.inner.GetOrderStatus(ctx, orderID)
}

func (o *observed) CancelOrder(ctx context.Context, orderID string) (ok bool, err error) {
	ctx, span := o.start(ctx, "CancelOrder", attribute.String("order.id", orderID))
	defer func() { o.finish(span, "CancelOrder", err) }()
	return o.inner.CancelOrder(ctx, orderID)
}

func (o *observed) ClosePosition(ctx context.Context, symbol string, quantity *decimal.Decimal) (resp *types.OrderResponse, err error) {
	ctx, span := o.start(ctx, "ClosePosition", attribute.String("order.symbol", symbol))
	defer func() { o.finish(span, "ClosePosition", err) }()
	return o.inner.ClosePosition(ctx, symbol, quantity)
}

func (o *observed) GetQuote(ctx context.Context, symbol string) (q *types.Quote, err error) {
	ctx, span := o.start(ctx, "GetQuote", attribute.String("order.symbol", symbol))
	defer func() { o.finish(span, "GetQuote", err) }()
	return o.inner.GetQuote(ctx, symbol)
}

func (o *observed) GetOrderByClientID(ctx context.Context, clientOrderID string) (resp *types.OrderResponse, err error) {
	ctx, span := o.start(ctx, "GetOrderByClientID", attribute.String("order.client_id", clientOrderID))
	defer func() { o.finish(span, "GetOrderByClientID", err) }()

	lookup, ok := o.inner.(ClientOrderLookup)
	if !ok {
		return nil, ErrOrderNotFound
	}
	return lookup.GetOrderByClientID(ctx, clientOrderID)
}
