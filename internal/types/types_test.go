package types

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestOrderRequestValidate(t *testing.T) {
	base := OrderRequest{Symbol: "AAPL", Side: SideBuy, Quantity: decimal.NewFromInt(1), Type: OrderTypeMarket}

	tests := []struct {
		name   string
		mutate func(r *OrderRequest)
		want   error
	}{
		{"market", func(r *OrderRequest) {}, nil},
		{"missing symbol", func(r *OrderRequest) { r.Symbol = "" }, ErrMissingSymbol},
		{"bad side", func(r *OrderRequest) { r.Side = "hold" }, ErrInvalidSide},
		{"zero quantity", func(r *OrderRequest) { r.Quantity = decimal.Zero }, ErrInvalidQuantity},
		{"limit without price", func(r *OrderRequest) { r.Type = OrderTypeLimit }, ErrMissingLimitPrice},
		{"limit", func(r *OrderRequest) { r.Type = OrderTypeLimit; r.LimitPrice = dec("10") }, nil},
		{"stop without price", func(r *OrderRequest) { r.Type = OrderTypeStop }, ErrMissingStopPrice},
		{"stop limit needs both", func(r *OrderRequest) { r.Type = OrderTypeStopLimit; r.LimitPrice = dec("10") }, ErrMissingStopPrice},
		{"unknown type", func(r *OrderRequest) { r.Type = "iceberg" }, ErrInvalidOrderType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := base
			tt.mutate(&r)
			err := r.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestOrderRequestNotional(t *testing.T) {
	r := OrderRequest{Symbol: "AAPL", Side: SideBuy, Quantity: decimal.NewFromInt(3), Type: OrderTypeMarket}

	_, ok := r.Notional()
	assert.False(t, ok)

	r.Type, r.StopPrice = OrderTypeStop, dec("6")
	_, ok = r.Notional()
	assert.False(t, ok)

	r.Type, r.LimitPrice = OrderTypeStopLimit, dec("7.5")
	n, ok := r.Notional()
	require.True(t, ok)
	assert.True(t, n.Equal(decimal.RequireFromString("22.5")))
}

func TestOrderResponseApply(t *testing.T) {
	o := OrderResponse{OrderID: "1", Status: OrderStatusAccepted}

	assert.True(t, o.Apply(OrderResponse{Status: OrderStatusPartialFill, FilledQuantity: decimal.NewFromInt(2), AveragePrice: decimal.NewFromInt(10)}))
	assert.Equal(t, OrderStatusPartialFill, o.Status)
	assert.True(t, o.FilledNotional().Equal(decimal.NewFromInt(20)))

	assert.True(t, o.Apply(OrderResponse{Status: OrderStatusFilled, FilledQuantity: decimal.NewFromInt(4), AveragePrice: decimal.NewFromInt(10)}))

	// Terminal states do not move.
	assert.False(t, o.Apply(OrderResponse{Status: OrderStatusCanceled}))
	assert.Equal(t, OrderStatusFilled, o.Status)
	assert.True(t, o.FilledQuantity.Equal(decimal.NewFromInt(4)))
}

func TestRejected(t *testing.T) {
	req := OrderRequest{Symbol: "AAPL", ClientOrderID: "c1"}
	o := Rejected(req, "REJECTED", "halted")
	assert.Equal(t, OrderStatusRejected, o.Status)
	assert.Equal(t, "c1", o.ClientOrderID)
	assert.Equal(t, "halted", o.Reason)
	assert.True(t, o.Status.IsTerminal())
}

func TestCredentialsNeverPrintSecrets(t *testing.T) {
	creds := Credentials{
		Secrets: map[SecretField]string{
			SecretAPIKey:    "AKIA-visible?",
			SecretSecretKey: "s3cr3t",
			SecretPassword:  "",
		},
		AccountID: "ACC-1",
	}

	assert.Equal(t, []SecretField{SecretAPIKey, SecretSecretKey}, creds.Fields())
	assert.True(t, creds.Has(SecretAPIKey))
	assert.False(t, creds.Has(SecretPassword))

	for _, out := range []string{
		creds.String(),
		fmt.Sprintf("%v", creds),
		fmt.Sprintf("%+v", creds),
		fmt.Sprintf("%#v", creds),
	} {
		assert.NotContains(t, out, "AKIA")
		assert.NotContains(t, out, "s3cr3t")
	}

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	logger.Info().Object("credentials", creds).Msg("x")
	assert.NotContains(t, buf.String(), "s3cr3t")
	assert.Contains(t, buf.String(), `"secret_fields":["api_key","secret_key"]`)
}

func TestPositionPnL(t *testing.T) {
	assert.False(t, Position{}.PnLAvailable())
	assert.True(t, Position{UnrealizedPnL: dec("1")}.PnLAvailable())
}
