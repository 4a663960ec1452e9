package factory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-broker/internal/broker"
	"github.com/ksred/klear-broker/internal/broker/alpaca"
	"github.com/ksred/klear-broker/internal/broker/binance"
	"github.com/ksred/klear-broker/internal/broker/kite"
	"github.com/ksred/klear-broker/internal/broker/mock"
	"github.com/ksred/klear-broker/internal/types"
)

var ErrUnsupportedBroker = errors.New("no adapter registered for broker type")

var fallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "klear_factory_fallbacks_total",
	Help: "Adapters replaced by the mock adapter, by requested broker type.",
}, []string{"broker"})

// Constructor builds an adapter from decrypted credentials. It must not
// perform network calls; Initialize does that.
type Constructor func(creds types.Credentials, opts broker.Options) (broker.Adapter, error)

// FallbackPolicy decides whether a failed adapter may be replaced by a
// simulated one. The zero value disables fallback.
type FallbackPolicy struct {
	Allow bool
	// NewAdapter builds the replacement. Nil means a default mock adapter.
	NewAdapter func() broker.Adapter
}

// NoFallback is the production policy.
func NoFallback() FallbackPolicy { return FallbackPolicy{} }

// MockFallback degrades to a mock adapter built from cfg.
func MockFallback(cfg mock.Config) FallbackPolicy {
	return FallbackPolicy{
		Allow:      true,
		NewAdapter: func() broker.Adapter { return mock.New(cfg) },
	}
}

func (p FallbackPolicy) adapter() broker.Adapter {
	if p.NewAdapter != nil {
		return p.NewAdapter()
	}
	return mock.New(mock.Config{})
}

// CreateOptions describe one adapter instantiation.
type CreateOptions struct {
	ConnectionID string
	// Live marks a live trading connection. Live connections never fall
	// back to a simulated adapter.
	Live    bool
	Options broker.Options
}

// Factory maps broker type names to adapter constructors.
type Factory struct {
	mu       sync.RWMutex
	ctors    map[string]Constructor
	defaults map[string]broker.Options
	fallback FallbackPolicy
}

func New(fallback FallbackPolicy) *Factory {
	return &Factory{
		ctors:    make(map[string]Constructor),
		defaults: make(map[string]broker.Options),
		fallback: fallback,
	}
}

// Endpoints override broker API base URLs, mostly for sandboxes and tests.
type Endpoints struct {
	AlpacaURL     string
	AlpacaDataURL string
	BinanceURL    string
	KiteURL       string
}

// Default returns a factory with every built-in adapter registered.
func Default(fallback FallbackPolicy, endpoints Endpoints) *Factory {
	f := New(fallback)
	f.Register(alpaca.Name, func(creds types.Credentials, opts broker.Options) (broker.Adapter, error) {
		return alpaca.New(creds, opts)
	}, broker.Options{BaseURL: endpoints.AlpacaURL, DataURL: endpoints.AlpacaDataURL})
	f.Register(binance.Name, func(creds types.Credentials, opts broker.Options) (broker.Adapter, error) {
		return binance.New(creds, opts)
	}, broker.Options{BaseURL: endpoints.BinanceURL})
	f.Register(kite.Name, func(creds types.Credentials, opts broker.Options) (broker.Adapter, error) {
		return kite.New(creds, opts)
	}, broker.Options{BaseURL: endpoints.KiteURL})
	f.Register(mock.Name, func(creds types.Credentials, opts broker.Options) (broker.Adapter, error) {
		return mock.New(mock.Config{}), nil
	}, broker.Options{})
	return f
}

// Register adds or replaces the constructor for a broker type. defaults
// fill any option the caller leaves empty.
func (f *Factory) Register(brokerType string, ctor Constructor, defaults broker.Options) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctors[brokerType] = ctor
	f.defaults[brokerType] = defaults
}

// Types lists registered broker types.
func (f *Factory) Types() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.ctors))
	for name := range f.ctors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *Factory) lookup(brokerType string, opts broker.Options) (Constructor, broker.Options, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ctor, ok := f.ctors[brokerType]
	if !ok {
		return nil, opts, false
	}
	d := f.defaults[brokerType]
	if opts.BaseURL == "" {
		opts.BaseURL = d.BaseURL
	}
	if opts.DataURL == "" {
		opts.DataURL = d.DataURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = d.HTTPClient
	}
	return ctor, opts, true
}

// Create builds and initializes the adapter for brokerType. On failure the
// error is returned untouched unless the fallback policy allows a mock and
// the connection is not live.
func (f *Factory) Create(ctx context.Context, brokerType string, creds types.Credentials, opts CreateOptions) (broker.Adapter, error) {
	logger := log.With().
		Str("component", "broker_factory").
		Str("broker", brokerType).
		Str("connection_id", opts.ConnectionID).
		Bool("live", opts.Live).
		Logger()

	adapter, err := f.build(ctx, brokerType, creds, opts)
	if err == nil {
		return adapter, nil
	}

	logger.Error().Err(err).Msg("failed to create broker adapter")
	if !f.fallback.Allow || opts.Live {
		return nil, err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}

	logger.Warn().Msg("falling back to mock adapter")
	fallbacksTotal.WithLabelValues(brokerType).Inc()

	fb := broker.Observe(f.fallback.adapter(), opts.ConnectionID)
	if err := fb.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize fallback adapter: %w", err)
	}
	return fb, nil
}

func (f *Factory) build(ctx context.Context, brokerType string, creds types.Credentials, opts CreateOptions) (broker.Adapter, error) {
	ctor, options, ok := f.lookup(brokerType, opts.Options)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBroker, brokerType)
	}
	options.Paper = options.Paper || !opts.Live

	raw, err := ctor(creds, options)
	if err != nil {
		return nil, fmt.Errorf("construct %s adapter: %w", brokerType, err)
	}
	adapter := broker.Observe(raw, opts.ConnectionID)
	if err := adapter.Initialize(ctx); err != nil {
		return nil, err
	}
	return adapter, nil
}

// TestConnection reports whether the credentials work against the real
// broker. It never falls back, since a mock would always pass.
func (f *Factory) TestConnection(ctx context.Context, brokerType string, creds types.Credentials, opts CreateOptions) (bool, error) {
	if _, err := f.build(ctx, brokerType, creds, opts); err != nil {
		return false, err
	}
	return true, nil
}
