package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-broker/internal/config"
	"github.com/ksred/klear-broker/internal/server"
)

// setupLogging configures zerolog from the loaded config.
// Outside production logs are pretty printed with timestamps.
func setupLogging(cfg *config.Config) {
	if !cfg.Production() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}
	zerolog.SetGlobalLevel(cfg.LogLevel())
}

// main runs the broker API with graceful shutdown.
func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load config")
	}
	setupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		zlog.Fatal().Err(err).Msg("Invalid config")
	}
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	app, err := server.New(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize server")
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go app.Start(bgCtx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: app.Handler(),
	}

	go func() {
		zlog.Info().Int("port", cfg.Server.Port).Str("env", cfg.Environment).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")
	bgCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := app.Close(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Shutdown cleanup failed")
	}

	zlog.Info().Msg("Server exiting")
}
