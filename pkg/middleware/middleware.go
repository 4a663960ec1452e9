package middleware

import (
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/ksred/klear-broker/internal/auth"
	"github.com/ksred/klear-broker/pkg/response"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limits per route family, in requests per second.
type Limits struct {
	Auth        rate.Limit
	Trades      rate.Limit
	Connections rate.Limit
	Burst       int
}

var DefaultLimits = Limits{
	Auth:        rate.Limit(10.0 / 60.0),
	Trades:      rate.Limit(100.0 / 60.0),
	Connections: rate.Limit(300.0 / 60.0),
	Burst:       5,
}

// RateLimiter keys token buckets by caller and route.
type RateLimiter struct {
	limits Limits

	mu       sync.Mutex
	visitors map[string]*visitor
}

func NewRateLimiter(limits Limits) *RateLimiter {
	return &RateLimiter{
		limits:   limits,
		visitors: make(map[string]*visitor),
	}
}

func (rl *RateLimiter) limitFor(path string) rate.Limit {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return rl.limits.Auth
	case strings.HasPrefix(path, "/api/v1/trades"):
		return rl.limits.Trades
	case strings.HasPrefix(path, "/api/v1/connections"):
		return rl.limits.Connections
	default:
		return rate.Inf
	}
}

func (rl *RateLimiter) get(path, caller string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := caller + ":" + path
	v, ok := rl.visitors[key]
	if !ok {
		burst := rl.limits.Burst
		if burst < 1 {
			burst = 1
		}
		v = &visitor{limiter: rate.NewLimiter(rl.limitFor(path), burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Sweep drops visitors idle longer than idle. Run it from a ticker.
func (rl *RateLimiter) Sweep(idle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, v := range rl.visitors {
		if time.Since(v.lastSeen) > idle {
			delete(rl.visitors, key)
		}
	}
}

// Handler limits by authenticated user when known, else client IP.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := auth.UserID(c)
		if caller == "" {
			caller = c.ClientIP()
		}

		if !rl.get(c.FullPath(), caller).Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}
		c.Next()
	}
}

// JWTAuth validates the bearer token and stores the user id on the context.
func JWTAuth(svc *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		parts := strings.Split(c.GetHeader("Authorization"), " ")
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		claims, err := svc.ValidateToken(parts[1])
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		c.Set(auth.UserIDKey, claims.UserID)
		c.Set("claims", claims)
		c.Next()
	}
}
