package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ksred/klear-broker/internal/config"
	"github.com/ksred/klear-broker/internal/server"
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

type options struct {
	addr     string
	embedded bool
	orders   int
	workers  int
	deposit  string
	venues   int
	verbose  bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("simulation failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := options{}

	cmd := &cobra.Command{
		Use:          "simulation",
		Short:        "Drive the broker API with concurrent paper trades and report latency",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			if opts.embedded {
				base, stop, err := startEmbedded(cmd.Context())
				if err != nil {
					return err
				}
				defer stop()
				opts.addr = base
			}
			return run(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", "http://localhost:8080", "API base URL")
	cmd.Flags().BoolVar(&opts.embedded, "embedded", false, "start an in-memory server instead of using --addr")
	cmd.Flags().IntVar(&opts.orders, "orders", 100, "number of trades to submit")
	cmd.Flags().IntVar(&opts.workers, "workers", 5, "concurrent workers")
	cmd.Flags().StringVar(&opts.deposit, "deposit", "1000000", "cash deposited before trading")
	cmd.Flags().IntVar(&opts.venues, "connections", 2, "paper connections to route across")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	return cmd
}

// startEmbedded runs the full API on a random local port against an
// in-memory database.
func startEmbedded(ctx context.Context) (string, func(), error) {
	gin.SetMode(gin.ReleaseMode)

	cfg := config.Default()
	cfg.Vault.Secret = "simulation-vault-secret"
	cfg.Database.Path = "file:simulation?mode=memory&cache=shared"

	app, err := server.New(cfg)
	if err != nil {
		return "", nil, fmt.Errorf("failed to start embedded server: %w", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	srv := &http.Server{Handler: app.Handler()}

	bgCtx, cancel := context.WithCancel(ctx)
	go app.Start(bgCtx)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("embedded server stopped")
		}
	}()

	stop := func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		srv.Shutdown(shutdownCtx)
		app.Close(shutdownCtx)
	}
	return "http://" + ln.Addr().String(), stop, nil
}
