package orchestrator

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-broker/internal/auth"
	"github.com/ksred/klear-broker/internal/types"
	"github.com/ksred/klear-broker/pkg/response"
)

type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// TradeRequest is the body of POST /trades.
type TradeRequest struct {
	types.OrderRequest
	PreferredConnectionID string `json:"preferred_connection_id,omitempty"`
}

func writeError(c *gin.Context, err error) {
	stage := string(StageOf(err))

	var (
		funds    *InsufficientFundsError
		noBroker *NoBrokerAvailableError
	)
	switch {
	case errors.Is(err, ErrInvalidOrder):
		response.ValidationFailed(c, err.Error())
	case errors.Is(err, ErrTradeNotFound):
		response.NotFound(c, err.Error())
	case errors.As(err, &funds):
		response.Fail(c, http.StatusPaymentRequired, response.ErrCodeInsufficientFunds, funds.Error(), stage)
	case errors.As(err, &noBroker):
		response.Fail(c, http.StatusServiceUnavailable, response.ErrCodeNoBrokerAvailable, noBroker.Error(), stage)
	default:
		response.HandleStage(c, stage, err)
	}
}

// ExecuteTradeHandler handles POST /trades. A broker rejection is a
// successful call whose trade state is rejected.
func (h *GinHandlers) ExecuteTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TradeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if req.ClientOrderID == "" {
			req.ClientOrderID = c.GetHeader("Idempotency-Key")
		}

		result, err := h.service.ExecuteTrade(c.Request.Context(), auth.UserID(c), req.OrderRequest, req.PreferredConnectionID)
		if err != nil {
			writeError(c, err)
			return
		}
		response.Success(c, result)
	}
}

func (h *GinHandlers) GetTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := h.service.GetTrade(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		if rec.UserID != auth.UserID(c) {
			response.NotFound(c, ErrTradeNotFound.Error())
			return
		}
		response.Success(c, rec)
	}
}

func (h *GinHandlers) Routes(g *gin.RouterGroup) {
	trades := g.Group("/trades")
	trades.POST("", h.ExecuteTradeHandler())
	trades.GET("/:id", h.GetTradeHandler())
}
