package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-broker/internal/auth"
)

func TestStreamOnlyCarriesCallersEvents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub(8)

	r := gin.New()
	g := r.Group("/api/v1", func(c *gin.Context) {
		c.Set(auth.UserIDKey, "USR_1")
		c.Next()
	})
	NewGinHandlers(hub).Routes(g)
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mine, err := json.Marshal(OrderEvent{TradeID: "TRD_mine", UserID: "USR_1", Symbol: "AAPL", State: "filled"})
	require.NoError(t, err)
	theirs, err := json.Marshal(OrderEvent{TradeID: "TRD_theirs", UserID: "USR_2", Symbol: "AAPL", State: "filled"})
	require.NoError(t, err)

	// Publish until the subscriber has attached and received one event.
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				hub.Publish(ctx, Topic("AAPL"), theirs)
				hub.Publish(ctx, Topic("AAPL"), mine)
			}
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events/orders/aapl", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") {
			event = strings.TrimPrefix(line, "event:")
		}
		if strings.HasPrefix(line, "data:") {
			data = strings.TrimPrefix(line, "data:")
			break
		}
	}
	cancel()

	assert.Equal(t, "order", event)
	assert.Contains(t, data, "TRD_mine")
	assert.NotContains(t, data, "TRD_theirs")
}
