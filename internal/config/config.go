package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const EnvProduction = "production"

var (
	ErrMissingVaultSecret = errors.New("vault secret is required")
	ErrFallbackInProd     = errors.New("mock fallback cannot be enabled in production")
	ErrBadSlippageBuffer  = errors.New("slippage buffer must be in [0, 1)")
)

// Config is the server and CLI configuration.
type Config struct {
	Environment string   `yaml:"environment"`
	Server      Server   `yaml:"server"`
	Database    Database `yaml:"database"`
	Vault       Vault    `yaml:"vault"`
	Auth        Auth     `yaml:"auth"`
	Broker      Broker   `yaml:"broker"`
	Logging     Logging  `yaml:"logging"`
	Tracing     Tracing  `yaml:"tracing"`
	Telegram    Telegram `yaml:"telegram"`
}

type Server struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Database struct {
	Path string `yaml:"path"`
}

type Vault struct {
	Secret string `yaml:"secret"`
}

type Auth struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// Broker holds factory and sweeper settings. Base URLs left empty use
// each adapter's production endpoint.
type Broker struct {
	AllowMockFallback bool          `yaml:"allow_mock_fallback"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	AlpacaURL         string        `yaml:"alpaca_base_url"`
	AlpacaDataURL     string        `yaml:"alpaca_data_url"`
	BinanceURL        string        `yaml:"binance_base_url"`
	KiteURL           string        `yaml:"kite_base_url"`
	// SlippageBuffer is added to a quote when reserving funds for orders
	// without a limit price, as a fraction of the quoted notional.
	SlippageBuffer float64 `yaml:"slippage_buffer"`
}

type Logging struct {
	Level string `yaml:"level"`
}

type Tracing struct {
	Enabled bool `yaml:"enabled"`
}

// Telegram publishing is off unless both fields are set.
type Telegram struct {
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

func Default() *Config {
	return &Config{
		Environment: "development",
		Server: Server{
			Port:            8080,
			ShutdownTimeout: 5 * time.Second,
		},
		Database: Database{Path: "klear.db"},
		Auth:     Auth{JWTSecret: "klear-secret-key"},
		Broker:   Broker{SweepInterval: 15 * time.Minute, SlippageBuffer: 0.05},
		Logging:  Logging{Level: "info"},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// it exists), a .env file in the working directory, and the environment,
// in that order of precedence from lowest to highest.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	str("ENV", &cfg.Environment)
	str("DATABASE_PATH", &cfg.Database.Path)
	str("VAULT_SECRET", &cfg.Vault.Secret)
	str("JWT_SECRET", &cfg.Auth.JWTSecret)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("TELEGRAM_BOT_TOKEN", &cfg.Telegram.BotToken)
	str("ALPACA_BASE_URL", &cfg.Broker.AlpacaURL)
	str("ALPACA_DATA_URL", &cfg.Broker.AlpacaDataURL)
	str("BINANCE_BASE_URL", &cfg.Broker.BinanceURL)
	str("KITE_BASE_URL", &cfg.Broker.KiteURL)

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("BROKER_ALLOW_MOCK_FALLBACK"); v != "" {
		allow, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BROKER_ALLOW_MOCK_FALLBACK: %w", err)
		}
		cfg.Broker.AllowMockFallback = allow
	}
	if v := os.Getenv("BROKER_SLIPPAGE_BUFFER"); v != "" {
		buffer, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("BROKER_SLIPPAGE_BUFFER: %w", err)
		}
		cfg.Broker.SlippageBuffer = buffer
	}
	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TRACING_ENABLED: %w", err)
		}
		cfg.Tracing.Enabled = enabled
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.Telegram.ChatID = id
	}
	return nil
}

// Validate rejects configurations the server must not start with.
func (c *Config) Validate() error {
	if c.Vault.Secret == "" {
		return ErrMissingVaultSecret
	}
	if c.Production() && c.Broker.AllowMockFallback {
		return ErrFallbackInProd
	}
	if c.Broker.SlippageBuffer < 0 || c.Broker.SlippageBuffer >= 1 {
		return ErrBadSlippageBuffer
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("log level %q: %w", c.Logging.Level, err)
	}
	return nil
}

func (c *Config) Production() bool {
	return c.Environment == EnvProduction
}

// LogLevel returns the configured level, defaulting to info.
func (c *Config) LogLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(c.Logging.Level)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func (c *Config) TelegramEnabled() bool {
	return c.Telegram.BotToken != "" && c.Telegram.ChatID != 0
}
