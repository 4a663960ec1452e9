package ledger

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-broker/internal/auth"
	"github.com/ksred/klear-broker/pkg/response"
)

type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (h *GinHandlers) BalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sum, err := h.service.Summary(c.Request.Context(), auth.UserID(c))
		response.Handle(c, sum, err)
	}
}

func (h *GinHandlers) DepositHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req DepositRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		sum, err := h.service.Deposit(c.Request.Context(), auth.UserID(c), req.Amount)
		if errors.Is(err, ErrInvalidAmount) {
			response.ValidationFailed(c, err.Error())
			return
		}
		response.Handle(c, sum, err)
	}
}

func (h *GinHandlers) Routes(g *gin.RouterGroup) {
	l := g.Group("/ledger")
	l.GET("/balance", h.BalanceHandler())
	l.POST("/deposit", h.DepositHandler())
}
