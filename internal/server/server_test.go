package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-broker/internal/auth"
	"github.com/ksred/klear-broker/internal/config"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code  string `json:"code"`
		Stage string `json:"stage"`
	} `json:"error"`
}

type client struct {
	t     *testing.T
	base  string
	token string
}

func (c *client) do(method, path string, body any) (int, envelope) {
	c.t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, r)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	var env envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(c.t, json.Unmarshal(raw, &env))
	}
	return resp.StatusCode, env
}

func newTestServer(t *testing.T) (*Server, *client) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.Vault.Secret = "server-test-secret"
	cfg.Database.Path = fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())

	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, &client{t: t, base: ts.URL}
}

func (c *client) login() {
	c.t.Helper()
	status, env := c.do(http.MethodPost, "/api/v1/auth/token", auth.Credentials{
		APIKey:    auth.TestAPIKey,
		APISecret: auth.TestAPISecret,
	})
	require.Equal(c.t, http.StatusCreated, status)
	var tok auth.TokenResponse
	require.NoError(c.t, json.Unmarshal(env.Data, &tok))
	c.token = tok.Token
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	_, c := newTestServer(t)

	status, _ := c.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = c.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	_, c := newTestServer(t)

	status, env := c.do(http.MethodGet, "/api/v1/connections", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.False(t, env.Success)

	status, _ = c.do(http.MethodPost, "/api/v1/auth/token", auth.Credentials{APIKey: auth.TestAPIKey, APISecret: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestPaperTradeEndToEnd(t *testing.T) {
	s, c := newTestServer(t)
	c.login()

	status, _ := c.do(http.MethodPost, "/api/v1/ledger/deposit", map[string]string{"amount": "10000"})
	require.Equal(t, http.StatusCreated, status)

	status, env := c.do(http.MethodPost, "/api/v1/connections", map[string]any{
		"broker_type": "paper",
		"label":       "sim",
		"is_primary":  true,
	})
	require.Equal(t, http.StatusCreated, status)
	var conn struct {
		ID              string `json:"id"`
		ConnectionToken string `json:"connection_token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &conn))
	assert.NotEmpty(t, conn.ConnectionToken)

	status, env = c.do(http.MethodPost, "/api/v1/trades", map[string]any{
		"symbol":          "AAPL",
		"side":            "buy",
		"quantity":        "10",
		"order_type":      "limit",
		"limit_price":     "100",
		"client_order_id": "sim-1",
	})
	require.Equal(t, http.StatusCreated, status)
	var result struct {
		TradeID      string          `json:"trade_id"`
		State        string          `json:"state"`
		ConnectionID string          `json:"connection_id"`
		Committed    decimal.Decimal `json:"committed"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, "filled", result.State)
	assert.Equal(t, conn.ID, result.ConnectionID)
	assert.True(t, decimal.NewFromInt(1000).Equal(result.Committed))

	bal, err := s.Ledger.GetBalance(context.Background(), auth.TestUserID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(9000).Equal(bal), bal.String())

	status, _ = c.do(http.MethodGet, "/api/v1/trades/"+result.TradeID, nil)
	assert.Equal(t, http.StatusOK, status)

	status, env = c.do(http.MethodPost, "/api/v1/trades", map[string]any{
		"symbol":      "AAPL",
		"side":        "buy",
		"quantity":    "1000",
		"order_type":  "limit",
		"limit_price": "100",
	})
	assert.Equal(t, http.StatusPaymentRequired, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "reservation", env.Error.Stage)
}
