package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-broker/internal/broker"
	"github.com/ksred/klear-broker/internal/vault"
)

func TestHandleStage(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"unreadable credentials", &vault.DecryptionError{Reason: "bad tag"}, http.StatusConflict, ErrCodeReconnectRequired},
		{"invalid credentials", &broker.InvalidCredentialsError{Broker: "alpaca"}, http.StatusUnauthorized, ErrCodeInvalidBrokerCreds},
		{"unsupported order", &broker.UnsupportedOrderError{Broker: "kite", Reason: "post-only"}, http.StatusBadRequest, ErrCodeUnsupportedOrder},
		{"transport", &broker.TransportError{Broker: "binance", Op: "GetQuote", Err: errors.New("timeout")}, http.StatusBadGateway, ErrCodeBrokerUnavailable},
		{"refused request", &broker.RequestError{Broker: "alpaca", Op: "GetAccountInfo", Code: "40310000", Message: "account is restricted"}, http.StatusUnprocessableEntity, ErrCodeBrokerRefused},
		{"order not found", fmt.Errorf("kite GetOrderStatus: %w", broker.ErrOrderNotFound), http.StatusNotFound, ErrCodeNotFound},
		{"anything else", errors.New("boom"), http.StatusInternalServerError, ErrCodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)

			HandleStage(c, "submission", tt.err)

			assert.Equal(t, tt.wantStatus, w.Code)
			var body Response
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			require.NotNil(t, body.Error)
			assert.Equal(t, tt.wantCode, body.Error.Code)
			assert.Equal(t, "submission", body.Error.Stage)
		})
	}
}
