package kite

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-broker/internal/broker"
	"github.com/ksred/klear-broker/internal/types"
)

func TestNewRequiresAccessToken(t *testing.T) {
	_, err := New(types.Credentials{Secrets: map[types.SecretField]string{
		types.SecretAPIKey: "kite-key",
	}}, broker.Options{})
	assert.ErrorIs(t, err, broker.ErrMissingSecret)

	a, err := New(types.Credentials{Secrets: map[types.SecretField]string{
		types.SecretAPIKey:      "kite-key",
		types.SecretAccessToken: "session",
	}}, broker.Options{})
	require.NoError(t, err)
	assert.Equal(t, Name, a.Name())
}

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		native string
		filled float64
		want   types.OrderStatus
	}{
		{"OPEN", 0, types.OrderStatusAccepted},
		{"OPEN", 4, types.OrderStatusPartialFill},
		{"TRIGGER PENDING", 0, types.OrderStatusAccepted},
		{"COMPLETE", 10, types.OrderStatusFilled},
		{"CANCELLED", 0, types.OrderStatusCanceled},
		{"REJECTED", 0, types.OrderStatusRejected},
		{"PUT ORDER REQ RECEIVED", 0, types.OrderStatusPending},
		{"VALIDATION PENDING", 0, types.OrderStatusPending},
		{"MODIFY PENDING", 0, types.OrderStatusPending},
		{"UNHEARD OF", 0, types.OrderStatusPending},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeStatus(tt.native, tt.filled), tt.native)
	}
}

func TestOrderParams(t *testing.T) {
	limit := decimal.NewFromFloat(1520.5)
	stop := decimal.NewFromInt(1500)

	params, err := orderParams(types.OrderRequest{
		Symbol:        "nse:infy",
		Side:          types.SideSell,
		Quantity:      decimal.NewFromInt(3),
		Type:          types.OrderTypeStopLimit,
		LimitPrice:    &limit,
		StopPrice:     &stop,
		TimeInForce:   types.TimeInForceIOC,
		ClientOrderID: "cid-7",
	})
	require.NoError(t, err)
	assert.Equal(t, "NSE", params.Exchange)
	assert.Equal(t, "INFY", params.Tradingsymbol)
	assert.Equal(t, "SL", params.OrderType)
	assert.Equal(t, "SELL", params.TransactionType)
	assert.Equal(t, "IOC", params.Validity)
	assert.Equal(t, 3, params.Quantity)
	assert.Equal(t, 1520.5, params.Price)
	assert.Equal(t, 1500.0, params.TriggerPrice)
	assert.Equal(t, "cid-7", params.Tag)

	bare, err := orderParams(types.OrderRequest{
		Symbol:   "RELIANCE",
		Side:     types.SideBuy,
		Quantity: decimal.NewFromInt(1),
		Type:     types.OrderTypeMarket,
	})
	require.NoError(t, err)
	assert.Equal(t, "NSE", bare.Exchange)
	assert.Equal(t, "DAY", bare.Validity)
}

func TestOrderParamsRefusesWhatKiteCannotExpress(t *testing.T) {
	base := types.OrderRequest{
		Symbol:   "INFY",
		Side:     types.SideBuy,
		Quantity: decimal.NewFromInt(1),
		Type:     types.OrderTypeMarket,
	}

	gtc := base
	gtc.TimeInForce = types.TimeInForceGTC

	fractional := base
	fractional.Quantity = decimal.NewFromFloat(1.5)

	longTag := base
	longTag.ClientOrderID = "this-client-order-id-is-too-long"

	postOnly := base
	postOnly.PostOnly = true

	for name, req := range map[string]types.OrderRequest{
		"gtc":        gtc,
		"fractional": fractional,
		"long tag":   longTag,
		"post only":  postOnly,
	} {
		_, err := orderParams(req)
		assert.True(t, broker.IsUnsupportedOrder(err), name)
	}
}
