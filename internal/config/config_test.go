package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir moves into dir for the test so a stray .env is never read.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "klear.db", cfg.Database.Path)
	assert.False(t, cfg.Broker.AllowMockFallback)
	assert.Equal(t, zerolog.InfoLevel, cfg.LogLevel())
	assert.Equal(t, 15*time.Minute, cfg.Broker.SweepInterval)
	assert.Equal(t, 0.05, cfg.Broker.SlippageBuffer)
	assert.False(t, cfg.TelegramEnabled())
}

func TestMissingFileIsNotAnError(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadYAML(t *testing.T) {
	chdir(t, t.TempDir())
	path := writeFile(t, `
environment: staging
server:
  port: 9090
database:
  path: /var/lib/klear/klear.db
vault:
  secret: from-file
broker:
  allow_mock_fallback: true
  sweep_interval: 5m
  binance_base_url: https://testnet.binance.vision
logging:
  level: debug
telegram:
  bot_token: tok
  chat_id: 12345
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/var/lib/klear/klear.db", cfg.Database.Path)
	assert.Equal(t, "from-file", cfg.Vault.Secret)
	assert.True(t, cfg.Broker.AllowMockFallback)
	assert.Equal(t, 5*time.Minute, cfg.Broker.SweepInterval)
	assert.Equal(t, "https://testnet.binance.vision", cfg.Broker.BinanceURL)
	assert.Equal(t, zerolog.DebugLevel, cfg.LogLevel())
	assert.True(t, cfg.TelegramEnabled())
	assert.NoError(t, cfg.Validate())
}

func TestEnvOverridesFile(t *testing.T) {
	chdir(t, t.TempDir())
	path := writeFile(t, "server:\n  port: 9090\nvault:\n  secret: from-file\n")

	t.Setenv("PORT", "7000")
	t.Setenv("VAULT_SECRET", "from-env")
	t.Setenv("BROKER_ALLOW_MOCK_FALLBACK", "true")
	t.Setenv("TRACING_ENABLED", "1")
	t.Setenv("TELEGRAM_CHAT_ID", "-100200")
	t.Setenv("KITE_BASE_URL", "http://localhost:9999")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.Vault.Secret)
	assert.True(t, cfg.Broker.AllowMockFallback)
	assert.True(t, cfg.Tracing.Enabled)
	assert.EqualValues(t, -100200, cfg.Telegram.ChatID)
	assert.Equal(t, "http://localhost:9999", cfg.Broker.KiteURL)
}

func TestDotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("JWT_SECRET=from-dotenv\n"), 0o600))
	t.Setenv("JWT_SECRET", "")
	os.Unsetenv("JWT_SECRET")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Auth.JWTSecret)
}

func TestBadEnvValues(t *testing.T) {
	chdir(t, t.TempDir())

	for key, value := range map[string]string{
		"PORT":                       "eighty",
		"BROKER_ALLOW_MOCK_FALLBACK": "maybe",
		"TELEGRAM_CHAT_ID":           "chat",
		"BROKER_SLIPPAGE_BUFFER":     "some",
	} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load("")
			assert.ErrorContains(t, err, key)
		})
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	assert.ErrorIs(t, cfg.Validate(), ErrMissingVaultSecret)

	cfg.Vault.Secret = "s"
	assert.NoError(t, cfg.Validate())

	cfg.Broker.AllowMockFallback = true
	assert.NoError(t, cfg.Validate())

	cfg.Environment = EnvProduction
	assert.ErrorIs(t, cfg.Validate(), ErrFallbackInProd)

	cfg.Broker.AllowMockFallback = false
	cfg.Broker.SlippageBuffer = 1
	assert.ErrorIs(t, cfg.Validate(), ErrBadSlippageBuffer)

	cfg.Broker.SlippageBuffer = 0
	cfg.Logging.Level = "loud"
	assert.Error(t, cfg.Validate())
}
