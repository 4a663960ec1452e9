package auth

import (
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ksred/klear-broker/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrInvalidToken       = errors.New("invalid token")
)

// UserIDKey is the gin context key holding the authenticated user id.
const UserIDKey = "userID"

const tokenTTL = 24 * time.Hour

// Demo credentials registered by the server outside production.
var (
	TestAPIKey    = "test-api-key"
	TestAPISecret = "test-api-secret"
	TestUserID    = "USR_demo"
)

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// Claims carries the user a token was issued to.
type Claims struct {
	jwt.RegisteredClaims
	UserID      string   `json:"user_id"`
	Permissions []string `json:"permissions"`
}

type apiUser struct {
	secret string
	userID string
}

// Service issues and validates API tokens.
type Service struct {
	jwtSecret []byte

	mu    sync.RWMutex
	users map[string]apiUser // by API key
	now   func() time.Time
}

// NewService creates a new authentication service with the given JWT secret
func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret: []byte(jwtSecret),
		users:     make(map[string]apiUser),
		now:       time.Now,
	}
}

// GenerateToken exchanges API credentials for a JWT carrying user_id.
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	s.mu.RLock()
	user, ok := s.users[creds.APIKey]
	s.mu.RUnlock()
	if !ok || subtle.ConstantTimeCompare([]byte(user.secret), []byte(creds.APISecret)) != 1 {
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	expiration := now.Add(tokenTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.userID,
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		UserID:      user.userID,
		Permissions: []string{"trade", "connect"},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      signed,
		Expiration: expiration,
	}, nil
}

// ValidateToken checks signature and expiry and returns the claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RegisterAPICredentials maps an API key pair to a user.
func (s *Service) RegisterAPICredentials(apiKey, apiSecret, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[apiKey] = apiUser{secret: apiSecret, userID: userID}
}

// UserID returns the authenticated user set by the JWT middleware.
func UserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// GenerateTokenHandler handles POST /auth/token.
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}
