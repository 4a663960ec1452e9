package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/ksred/klear-broker/internal/broker"
	"github.com/ksred/klear-broker/internal/vault"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
}

// Common error codes
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeDuplicateResource  = "DUPLICATE_RESOURCE"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeReconnectRequired  = "RECONNECT_REQUIRED"
	ErrCodeInvalidBrokerCreds = "INVALID_BROKER_CREDENTIALS"
	ErrCodeInsufficientFunds  = "INSUFFICIENT_FUNDS"
	ErrCodeNoBrokerAvailable  = "NO_BROKER_AVAILABLE"
	ErrCodeBrokerUnavailable  = "BROKER_UNAVAILABLE"
	ErrCodeUnsupportedOrder   = "UNSUPPORTED_ORDER"
	ErrCodeBrokerRefused      = "BROKER_REFUSED"
)

// Handle writes data on success, or maps err onto a status and code.
// Broker, vault and gorm errors are recognized here; packages map their own
// errors with Fail before falling back to Handle.
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}
	HandleStage(c, "", err)
}

// HandleStage maps err like Handle and tags the response with the stage
// that failed.
func HandleStage(c *gin.Context, stage string, err error) {
	switch {
	case vault.IsDecryptionError(err):
		Fail(c, http.StatusConflict, ErrCodeReconnectRequired, "Stored broker credentials are unreadable; reconnect the broker", stage)
	case broker.IsInvalidCredentials(err):
		Fail(c, http.StatusUnauthorized, ErrCodeInvalidBrokerCreds, err.Error(), stage)
	case broker.IsUnsupportedOrder(err):
		Fail(c, http.StatusBadRequest, ErrCodeUnsupportedOrder, err.Error(), stage)
	case broker.IsTransport(err):
		Fail(c, http.StatusBadGateway, ErrCodeBrokerUnavailable, err.Error(), stage)
	case broker.IsRequest(err):
		Fail(c, http.StatusUnprocessableEntity, ErrCodeBrokerRefused, err.Error(), stage)
	case errors.Is(err, broker.ErrOrderNotFound), errors.Is(err, broker.ErrPositionNotFound):
		Fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error(), stage)
	case errors.Is(err, gorm.ErrRecordNotFound):
		Fail(c, http.StatusNotFound, ErrCodeNotFound, "Resource not found", stage)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Fail(c, http.StatusConflict, ErrCodeDuplicateResource, "Resource already exists", stage)
	default:
		Fail(c, http.StatusInternalServerError, ErrCodeInternalError, "An unexpected error occurred", stage)
	}
}

// Fail writes an error response. stage is omitted when empty.
func Fail(c *gin.Context, status int, code, message, stage string) {
	c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
			Stage:   stage,
		},
	})
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == http.MethodPost {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	Fail(c, http.StatusNotFound, ErrCodeNotFound, message, "")
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	Fail(c, http.StatusBadRequest, ErrCodeBadRequest, message, "")
}

// ValidationFailed sends a 422 response
func ValidationFailed(c *gin.Context, message string) {
	Fail(c, http.StatusUnprocessableEntity, ErrCodeValidationFailed, message, "")
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	Fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, message, "")
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	Fail(c, http.StatusForbidden, ErrCodeForbidden, message, "")
}

// TooManyRequests sends a 429 response
func TooManyRequests(c *gin.Context, message string) {
	Fail(c, http.StatusTooManyRequests, ErrCodeRateLimited, message, "")
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	Fail(c, http.StatusInternalServerError, ErrCodeInternalError, message, "")
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	Fail(c, http.StatusConflict, ErrCodeDuplicateResource, message, "")
}
