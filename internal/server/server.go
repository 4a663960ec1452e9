// Package server assembles the broker API from config: vault, database,
// adapter factory, registry, ledger, orchestrator and the HTTP routes.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	zlog "github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-broker/internal/auth"
	"github.com/ksred/klear-broker/internal/broker/mock"
	"github.com/ksred/klear-broker/internal/config"
	"github.com/ksred/klear-broker/internal/connections"
	"github.com/ksred/klear-broker/internal/database"
	"github.com/ksred/klear-broker/internal/factory"
	"github.com/ksred/klear-broker/internal/ledger"
	"github.com/ksred/klear-broker/internal/notify"
	"github.com/ksred/klear-broker/internal/orchestrator"
	"github.com/ksred/klear-broker/internal/tracing"
	"github.com/ksred/klear-broker/internal/vault"
	"github.com/ksred/klear-broker/pkg/middleware"
)

const (
	limiterSweepInterval = time.Minute
	limiterIdle          = 10 * time.Minute
	hubBuffer            = 64
)

type Server struct {
	cfg     *config.Config
	db      *gorm.DB
	router  *gin.Engine
	sweeper *connections.Sweeper
	limiter *middleware.RateLimiter
	tracing tracing.Shutdown

	Registry *connections.Registry
	Ledger   *ledger.Service
	Trades   *orchestrator.Service
	Hub      *notify.Hub
}

// New wires every component. cfg must already be validated.
func New(cfg *config.Config) (*Server, error) {
	shutdownTracing, err := tracing.Init(cfg.Tracing.Enabled, nil)
	if err != nil {
		return nil, err
	}

	cipher, err := vault.New(cfg.Vault.Secret)
	if err != nil {
		return nil, err
	}

	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	policy := factory.NoFallback()
	if cfg.Broker.AllowMockFallback {
		zlog.Warn().Msg("Mock fallback enabled: failed live adapters will be replaced by paper trading")
		policy = factory.MockFallback(mock.Config{})
	}
	adapters := factory.Default(policy, factory.Endpoints{
		AlpacaURL:     cfg.Broker.AlpacaURL,
		AlpacaDataURL: cfg.Broker.AlpacaDataURL,
		BinanceURL:    cfg.Broker.BinanceURL,
		KiteURL:       cfg.Broker.KiteURL,
	})

	s := &Server{
		cfg:      cfg,
		db:       db,
		tracing:  shutdownTracing,
		Registry: connections.NewRegistry(connections.NewDatabase(db), cipher),
		Ledger:   ledger.NewService(db),
		Hub:      notify.NewHub(hubBuffer),
		limiter:  middleware.NewRateLimiter(middleware.DefaultLimits),
	}
	s.sweeper = connections.NewSweeper(s.Registry, adapters, cfg.Broker.SweepInterval)

	publisher := notify.Multi{s.Hub}
	if cfg.TelegramEnabled() {
		tg, err := notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
		if err != nil {
			zlog.Error().Err(err).Msg("Telegram notifications disabled")
		} else {
			publisher = append(publisher, tg)
		}
	}

	s.Trades = orchestrator.NewService(
		orchestrator.RegistrySource{Registry: s.Registry, Factory: adapters},
		s.Ledger,
		orchestrator.NewDatabase(db),
		orchestrator.WithPublisher(publisher),
		orchestrator.WithSlippage(decimal.NewFromFloat(cfg.Broker.SlippageBuffer)),
	)

	authService := auth.NewService(cfg.Auth.JWTSecret)
	if !cfg.Production() {
		authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret, auth.TestUserID)
	}

	s.router = gin.Default()
	s.setupRoutes(authService, handlers{
		auth:        auth.NewGinHandlers(authService),
		connections: connections.NewGinHandlers(s.Registry, adapters),
		ledger:      ledger.NewGinHandlers(s.Ledger),
		trades:      orchestrator.NewGinHandlers(s.Trades),
		events:      notify.NewGinHandlers(s.Hub),
	})

	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the connection sweeper and the rate limiter cleanup until
// ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	go s.sweeper.Start(ctx)

	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.Sweep(limiterIdle)
		}
	}
}

// Close flushes traces and closes the database.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	if err := s.tracing(ctx); err != nil {
		errs = append(errs, err)
	}
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.Close()
	}
	if err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type handlers struct {
	auth        *auth.GinHandlers
	connections *connections.GinHandlers
	ledger      *ledger.GinHandlers
	trades      *orchestrator.GinHandlers
	events      *notify.GinHandlers
}

// setupRoutes mounts the API. Token issuance is public and rate limited
// per client IP; everything else requires a JWT and is limited per user.
func (s *Server) setupRoutes(authService *auth.Service, h handlers) {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		authGroup.Use(s.limiter.Handler())
		{
			authGroup.POST("/token", h.auth.GenerateTokenHandler())
		}

		protected := v1.Group("")
		protected.Use(middleware.JWTAuth(authService), s.limiter.Handler())
		{
			h.connections.Routes(protected)
			h.ledger.Routes(protected)
			h.trades.Routes(protected)
			h.events.Routes(protected)
		}
	}
}
