package connections

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-broker/internal/auth"
	"github.com/ksred/klear-broker/internal/broker"
	"github.com/ksred/klear-broker/internal/factory"
	"github.com/ksred/klear-broker/internal/types"
	"github.com/ksred/klear-broker/pkg/response"
)

// GinHandlers serves the connection endpoints.
type GinHandlers struct {
	registry *Registry
	factory  AdapterFactory
}

func NewGinHandlers(registry *Registry, f AdapterFactory) *GinHandlers {
	return &GinHandlers{registry: registry, factory: f}
}

// CreateRequest is the body of POST /connections. BrokerType may name the
// type instead of BrokerTypeID.
type CreateRequest struct {
	BrokerTypeID uint              `json:"broker_type_id"`
	BrokerType   string            `json:"broker_type"`
	Label        string            `json:"label"`
	Credentials  types.Credentials `json:"credentials"`
	Flags
}

// CreateResponse returns the connection token. It is never shown again.
type CreateResponse struct {
	*BrokerConnection
	ConnectionToken string `json:"connection_token"`
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrConnectionNotFound), errors.Is(err, ErrBrokerTypeNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, ErrMissingCredential),
		errors.Is(err, ErrLiveTradingUnsupported),
		errors.Is(err, ErrPaperTradingUnsupported):
		response.ValidationFailed(c, err.Error())
	case errors.Is(err, ErrConnectionInactive):
		response.Fail(c, http.StatusConflict, response.ErrCodeReconnectRequired, err.Error(), "")
	case errors.Is(err, factory.ErrUnsupportedBroker):
		response.BadRequest(c, err.Error())
	default:
		response.Handle(c, nil, err)
	}
}

// owned loads the :id connection and checks it belongs to the caller.
// Other users' connections look absent.
func (h *GinHandlers) owned(c *gin.Context) (*BrokerConnection, bool) {
	conn, err := h.registry.GetConnection(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	if conn.UserID != auth.UserID(c) {
		response.NotFound(c, ErrConnectionNotFound.Error())
		return nil, false
	}
	return conn, true
}

func (h *GinHandlers) ListTypesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := h.registry.ListTypes(c.Request.Context())
		response.Handle(c, list, err)
	}
}

func (h *GinHandlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := h.registry.ListConnections(c.Request.Context(), auth.UserID(c))
		response.Handle(c, list, err)
	}
}

// CreateHandler validates the secrets, proves them against the broker,
// then stores the connection and marks it connected.
func (h *GinHandlers) CreateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		userID := auth.UserID(c)

		var req CreateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		var (
			bt  *BrokerType
			err error
		)
		if req.BrokerType != "" {
			bt, err = h.registry.GetTypeByName(ctx, strings.ToLower(req.BrokerType))
		} else {
			bt, err = h.registry.GetType(ctx, req.BrokerTypeID)
		}
		if err != nil {
			writeError(c, err)
			return
		}
		if err := CheckCredentials(bt, req.Credentials, req.IsLiveTrading); err != nil {
			writeError(c, err)
			return
		}

		if _, err := h.factory.TestConnection(ctx, bt.Name, req.Credentials, factory.CreateOptions{Live: req.IsLiveTrading}); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Str("broker", bt.Name).Msg("connection test failed")
			writeError(c, err)
			return
		}

		label := req.Label
		if label == "" {
			label = bt.DisplayName
		}
		conn, err := h.registry.Create(ctx, userID, bt.ID, label, req.Credentials, req.Flags)
		if err != nil {
			writeError(c, err)
			return
		}

		now := time.Now()
		if err := h.registry.MarkConnected(ctx, conn.ID, now); err != nil {
			writeError(c, err)
			return
		}
		conn.LastConnectedAt = &now

		token := conn.ConnectionToken
		conn.ConnectionToken = ""
		response.Success(c, CreateResponse{BrokerConnection: conn, ConnectionToken: token})
	}
}

func (h *GinHandlers) GetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, ok := h.owned(c)
		if !ok {
			return
		}
		response.Success(c, conn)
	}
}

func (h *GinHandlers) UpdateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, ok := h.owned(c)
		if !ok {
			return
		}
		var patch Patch
		if err := c.ShouldBindJSON(&patch); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		updated, err := h.registry.Update(c.Request.Context(), conn.ID, patch)
		if err != nil {
			writeError(c, err)
			return
		}
		response.Success(c, updated)
	}
}

func (h *GinHandlers) DeleteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, ok := h.owned(c)
		if !ok {
			return
		}
		deleted, err := h.registry.Delete(c.Request.Context(), conn.ID)
		if err != nil {
			writeError(c, err)
			return
		}
		response.Success(c, gin.H{"deleted": deleted})
	}
}

func (h *GinHandlers) SetPrimaryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, ok := h.owned(c)
		if !ok {
			return
		}
		if err := h.registry.SetPrimary(c.Request.Context(), conn.UserID, conn.ID); err != nil {
			writeError(c, err)
			return
		}
		conn.IsPrimary = true
		response.Success(c, conn)
	}
}

// TestHandler re-checks stored credentials. Rejected credentials
// deactivate the connection.
func (h *GinHandlers) TestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, ok := h.owned(c)
		if !ok {
			return
		}
		result, err := Test(c.Request.Context(), h.registry, h.factory, conn)
		if err != nil && !broker.IsInvalidCredentials(err) {
			writeError(c, err)
			return
		}
		response.Success(c, result)
	}
}

// TestResult is the outcome of re-testing a stored connection.
type TestResult struct {
	OK          bool   `json:"ok"`
	Deactivated bool   `json:"deactivated"`
	Message     string `json:"message,omitempty"`
}

// Test decrypts conn's secrets and checks them against the broker without
// fallback. It records success and deactivates on rejected credentials.
// Transport failures leave the connection untouched.
func Test(ctx context.Context, r *Registry, f AdapterFactory, conn *BrokerConnection) (TestResult, error) {
	creds, err := r.DecryptCredentials(ctx, conn.ID)
	if err != nil {
		return TestResult{}, err
	}
	if creds == nil {
		return TestResult{}, ErrConnectionNotFound
	}

	_, err = f.TestConnection(ctx, conn.BrokerName, *creds, factory.CreateOptions{
		ConnectionID: conn.ID,
		Live:         conn.IsLiveTrading,
	})
	switch {
	case err == nil:
		if err := r.MarkConnected(ctx, conn.ID, time.Now()); err != nil {
			return TestResult{}, err
		}
		return TestResult{OK: true}, nil
	case broker.IsInvalidCredentials(err):
		if derr := r.Deactivate(ctx, conn.ID); derr != nil {
			return TestResult{}, derr
		}
		log.Warn().Str("connection_id", conn.ID).Str("broker", conn.BrokerName).Msg("credentials rejected, connection deactivated")
		return TestResult{Deactivated: true, Message: err.Error()}, err
	default:
		return TestResult{}, err
	}
}

// withAdapter builds the caller's adapter for :id and runs fn with it.
func (h *GinHandlers) withAdapter(c *gin.Context, fn func(ctx context.Context, a broker.Adapter) (interface{}, error)) {
	conn, ok := h.owned(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	a, err := h.registry.Adapter(ctx, h.factory, conn)
	if err != nil {
		writeError(c, err)
		return
	}
	data, err := fn(ctx, a)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, data)
}

func (h *GinHandlers) AccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.withAdapter(c, func(ctx context.Context, a broker.Adapter) (interface{}, error) {
			return broker.RetryRead(ctx, a.GetAccountInfo)
		})
	}
}

func (h *GinHandlers) PositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.withAdapter(c, func(ctx context.Context, a broker.Adapter) (interface{}, error) {
			return broker.RetryRead(ctx, a.GetPositions)
		})
	}
}

func (h *GinHandlers) QuoteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := strings.ToUpper(c.Param("symbol"))
		h.withAdapter(c, func(ctx context.Context, a broker.Adapter) (interface{}, error) {
			return broker.RetryRead(ctx, func(ctx context.Context) (*types.Quote, error) {
				return a.GetQuote(ctx, symbol)
			})
		})
	}
}

func (h *GinHandlers) OrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.withAdapter(c, func(ctx context.Context, a broker.Adapter) (interface{}, error) {
			return broker.RetryRead(ctx, a.GetOrderHistory)
		})
	}
}

// Routes mounts the connection endpoints on an authenticated group.
func (h *GinHandlers) Routes(g *gin.RouterGroup) {
	g.GET("/broker-types", h.ListTypesHandler())

	conns := g.Group("/connections")
	conns.GET("", h.ListHandler())
	conns.POST("", h.CreateHandler())
	conns.GET("/:id", h.GetHandler())
	conns.PATCH("/:id", h.UpdateHandler())
	conns.DELETE("/:id", h.DeleteHandler())
	conns.POST("/:id/primary", h.SetPrimaryHandler())
	conns.POST("/:id/test", h.TestHandler())
	conns.GET("/:id/account", h.AccountHandler())
	conns.GET("/:id/positions", h.PositionsHandler())
	conns.GET("/:id/quote/:symbol", h.QuoteHandler())
	conns.GET("/:id/orders", h.OrdersHandler())
}
