package broker

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/klear-broker/internal/types"
)

// Adapter is the normalized trading contract every broker implementation
// satisfies. Adapters are not required to be safe for concurrent order
// submission; callers serialize PlaceOrder per connection.
type Adapter interface {
	// Name returns the broker type machine name, e.g. "alpaca".
	Name() string

	// Initialize performs one authenticated call. It returns an
	// *InvalidCredentialsError when the broker rejects the credentials.
	Initialize(ctx context.Context) error

	// ValidateCredentials is a non-failing credential check. It does not
	// change adapter state.
	ValidateCredentials(ctx context.Context) bool

	GetAccountInfo(ctx context.Context) (*types.AccountInfo, error)
	GetPositions(ctx context.Context) ([]types.Position, error)

	// PlaceOrder returns a rejected response, not an error, when the
	// broker refuses the order. Errors are transport or auth failures.
	PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResponse, error)

	GetOrderHistory(ctx context.Context) ([]types.OrderResponse, error)
	GetOrderStatus(ctx context.Context, orderID string) (*types.OrderResponse, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)

	// ClosePosition flattens symbol. A nil quantity closes the whole position.
	ClosePosition(ctx context.Context, symbol string, quantity *decimal.Decimal) (*types.OrderResponse, error)

	GetQuote(ctx context.Context, symbol string) (*types.Quote, error)
}

// ClientOrderLookup is implemented by adapters that can find an order by
// the caller supplied client order id.
type ClientOrderLookup interface {
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*types.OrderResponse, error)
}

// Metrics are routing scores in [0,1].
type Metrics struct {
	Speed       float64 `json:"speed"`
	SuccessRate float64 `json:"success_rate"`
	Fee         float64 `json:"fee"`
	Liquidity   float64 `json:"liquidity"`
}

// MetricsReporter is implemented by adapters that can report their own
// routing metrics.
type MetricsReporter interface {
	Metrics(ctx context.Context) (Metrics, error)
}

// Options carry per-connection, non-secret construction settings.
type Options struct {
	BaseURL    string
	DataURL    string
	Paper      bool
	AccountID  string
	HTTPClient *http.Client
	Timeout    time.Duration
}

const DefaultTimeout = 15 * time.Second

// Client returns the configured HTTP client or a default one with the
// configured timeout.
func (o Options) Client() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// LookupOf returns the ClientOrderLookup behind a, seeing through Observe.
func LookupOf(a Adapter) (ClientOrderLookup, bool) {
	if o, ok := a.(*observed); ok {
		if _, ok := o.inner.(ClientOrderLookup); !ok {
			return nil, false
		}
		return o, true
	}
	l, ok := a.(ClientOrderLookup)
	return l, ok
}

// MetricsOf returns the MetricsReporter behind a, seeing through Observe.
func MetricsOf(a Adapter) (MetricsReporter, bool) {
	if o, ok := a.(*observed); ok {
		m, ok := o.inner.(MetricsReporter)
		return m, ok
	}
	m, ok := a.(MetricsReporter)
	return m, ok
}
