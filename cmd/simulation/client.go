package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-broker/internal/auth"
	"github.com/ksred/klear-broker/internal/types"
)

const (
	maxRateLimitRetries = 30
	rateLimitBackoff    = 700 * time.Millisecond
)

// routeStats tracks latency for one API endpoint. Workers share it.
type routeStats struct {
	name string

	mu         sync.Mutex
	durations  []time.Duration
	totalCalls int
	failures   int
	throttled  int
}

func (rs *routeStats) record(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

func (rs *routeStats) throttle() {
	rs.mu.Lock()
	rs.throttled++
	rs.mu.Unlock()
}

// calculate returns min, max, mean, median, p95 and p99.
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]
	return
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Stage   string `json:"stage"`
	} `json:"error"`
}

// apiError is a non-2xx response.
type apiError struct {
	Status  int
	Code    string
	Message string
	Stage   string
}

func (e *apiError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%d %s at %s: %s", e.Status, e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// simulationClient handles HTTP communication with the broker API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
	order     []string
}

func newSimulationClient(ctx context.Context, baseURL string) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":       {name: "Authentication"},
			"deposit":    {name: "Deposit"},
			"connection": {name: "Create Connection"},
			"trade":      {name: "Execute Trade"},
			"get":        {name: "Get Trade"},
			"balance":    {name: "Balance"},
		},
		order: []string{"auth", "deposit", "connection", "trade", "get", "balance"},
	}

	if err := sc.authenticate(ctx); err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	return sc, nil
}

// do sends one request, retrying while rate limited, and decodes data
// into out.
func (sc *simulationClient) do(ctx context.Context, route, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, sc.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if sc.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+sc.authToken)
		}

		start := time.Now()
		resp, err := sc.client.Do(req)
		if err != nil {
			sc.stats[route].record(time.Since(start), true)
			return err
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		elapsed := time.Since(start)
		if err != nil {
			sc.stats[route].record(elapsed, true)
			return fmt.Errorf("failed to read response body: %w", err)
		}
		log.Debug().Str("route", route).Int("status", resp.StatusCode).Str("response", string(respBody)).Msg("API response")

		if resp.StatusCode == http.StatusTooManyRequests && attempt < maxRateLimitRetries {
			sc.stats[route].throttle()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(rateLimitBackoff):
			}
			continue
		}

		var env envelope
		if err := json.Unmarshal(respBody, &env); err != nil {
			sc.stats[route].record(elapsed, true)
			return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
		}
		if resp.StatusCode >= http.StatusBadRequest {
			sc.stats[route].record(elapsed, true)
			apiErr := &apiError{Status: resp.StatusCode}
			if env.Error != nil {
				apiErr.Code, apiErr.Message, apiErr.Stage = env.Error.Code, env.Error.Message, env.Error.Stage
			}
			return apiErr
		}

		sc.stats[route].record(elapsed, false)
		if out == nil {
			return nil
		}
		return json.Unmarshal(env.Data, out)
	}
}

func (sc *simulationClient) authenticate(ctx context.Context) error {
	var tok auth.TokenResponse
	err := sc.do(ctx, "auth", http.MethodPost, "/api/v1/auth/token", auth.Credentials{
		APIKey:    auth.TestAPIKey,
		APISecret: auth.TestAPISecret,
	}, &tok)
	if err != nil {
		return err
	}
	sc.authToken = tok.Token
	return nil
}

func (sc *simulationClient) deposit(ctx context.Context, amount decimal.Decimal) error {
	return sc.do(ctx, "deposit", http.MethodPost, "/api/v1/ledger/deposit", map[string]decimal.Decimal{"amount": amount}, nil)
}

type balance struct {
	Balance   decimal.Decimal `json:"balance"`
	Held      decimal.Decimal `json:"held"`
	Available decimal.Decimal `json:"available"`
}

func (sc *simulationClient) balance(ctx context.Context) (*balance, error) {
	var b balance
	if err := sc.do(ctx, "balance", http.MethodGet, "/api/v1/ledger/balance", nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// createPaperConnection adds a paper trading connection and returns its id.
func (sc *simulationClient) createPaperConnection(ctx context.Context, label string, primary bool) (string, error) {
	var conn struct {
		ID string `json:"id"`
	}
	err := sc.do(ctx, "connection", http.MethodPost, "/api/v1/connections", map[string]any{
		"broker_type": "paper",
		"label":       label,
		"is_primary":  primary,
	}, &conn)
	return conn.ID, err
}

type tradeResult struct {
	TradeID      string          `json:"trade_id"`
	State        string          `json:"state"`
	ConnectionID string          `json:"connection_id"`
	Score        float64         `json:"score"`
	Committed    decimal.Decimal `json:"committed"`
	Replayed     bool            `json:"replayed"`
}

func (sc *simulationClient) executeTrade(ctx context.Context, req types.OrderRequest) (*tradeResult, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = "SIM_" + uuid.New().String()
	}
	var res tradeResult
	if err := sc.do(ctx, "trade", http.MethodPost, "/api/v1/trades", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (sc *simulationClient) getTrade(ctx context.Context, id string) (*tradeResult, error) {
	var res tradeResult
	if err := sc.do(ctx, "get", http.MethodGet, "/api/v1/trades/"+id, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 110))
	fmt.Printf("%-20s %8s %8s %8s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "429s", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 110))

	for _, key := range sc.order {
		stats := sc.stats[key]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %8d %8d %8d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			stats.throttled,
			min.Round(time.Microsecond),
			max.Round(time.Microsecond),
			mean.Round(time.Microsecond),
			median.Round(time.Microsecond),
			p95.Round(time.Microsecond),
			p99.Round(time.Microsecond))
	}
	fmt.Println(strings.Repeat("-", 110))
}
