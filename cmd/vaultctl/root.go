package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/ksred/klear-broker/internal/config"
	"github.com/ksred/klear-broker/internal/connections"
	"github.com/ksred/klear-broker/internal/database"
	"github.com/ksred/klear-broker/internal/factory"
	"github.com/ksred/klear-broker/internal/vault"
)

// rootConfig is shared by every subcommand.
type rootConfig struct {
	configPath string
	dbPath     string
	verbose    bool
}

// app is the opened state a subcommand works against.
type app struct {
	cfg      *config.Config
	db       *gorm.DB
	cipher   *vault.Cipher
	registry *connections.Registry
	factory  *factory.Factory
}

func (a *app) Close() {
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
}

// open loads config and the database. Connection tests from the CLI never
// fall back to the paper adapter.
func (rc *rootConfig) open() (*app, error) {
	cfg, err := config.Load(rc.configPath)
	if err != nil {
		return nil, err
	}
	if rc.dbPath != "" {
		cfg.Database.Path = rc.dbPath
	}
	if err := cfg.Validate(); err != nil {
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

	return &app{
		cfg:      cfg,
		db:       db,
		cipher:   cipher,
		registry: connections.NewRegistry(connections.NewDatabase(db), cipher),
		factory: factory.Default(factory.NoFallback(), factory.Endpoints{
			AlpacaURL:     cfg.Broker.AlpacaURL,
			AlpacaDataURL: cfg.Broker.AlpacaDataURL,
			BinanceURL:    cfg.Broker.BinanceURL,
			KiteURL:       cfg.Broker.KiteURL,
		}),
	}, nil
}

func newRootCmd() *cobra.Command {
	rc := &rootConfig{}

	cmd := &cobra.Command{
		Use:           "vaultctl",
		Short:         "Operate the broker credential vault",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			zlog.Logger = zerolog.New(zerolog.ConsoleWriter{
				Out:        os.Stderr,
				TimeFormat: time.RFC3339,
			}).With().Timestamp().Logger()
			zerolog.SetGlobalLevel(zerolog.WarnLevel)
			if rc.verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	cmd.PersistentFlags().StringVar(&rc.configPath, "config", "config.yaml", "path to the YAML config file")
	cmd.PersistentFlags().StringVar(&rc.dbPath, "db", "", "database path (overrides config)")
	cmd.PersistentFlags().BoolVarP(&rc.verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(
		newTypesCmd(rc),
		newConnectionsCmd(rc),
		newTestCmd(rc),
		newRotateKeyCmd(rc),
	)

	return cmd
}
