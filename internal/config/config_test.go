package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	deviceSecret  = "device-secret-0123456789abcdef0123456789"
	sessionSecret = "session-secret-0123456789abcdef012345678"
)

func env(vars map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := LoadFrom(env(map[string]string{
		"DEVICE_TOKEN_SECRET": deviceSecret,
		"JWT_SECRET":          sessionSecret,
	}), zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, time.Hour, cfg.Auth.DeviceTokenTTL)
	assert.Equal(t, 24*time.Hour, cfg.Auth.SessionTTL)
	assert.Equal(t, 10*time.Minute, cfg.Liveness.OfflineAfter)
	assert.Equal(t, time.Minute, cfg.Liveness.SweepInterval)
	assert.Len(t, cfg.CORS.AllowedOrigins, 2)
}

func TestFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kidgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.TrimSpace(`
port: "9000"
database:
  driver: sqlite
  url: /var/lib/kidgate/kidgate.db
auth:
  device_token_secret: `+deviceSecret+`
  jwt_secret: `+sessionSecret+`
  device_token_ttl: 30m
liveness:
  offline_after: 5m
log:
  level: debug
`)), 0o600))

	cfg, err := LoadFrom(env(map[string]string{
		"CONFIG_FILE":          path,
		"PORT":                 "9100",
		"SWEEP_INTERVAL":       "15s",
		"CORS_ALLOWED_ORIGINS": "https://app.example.com, ,https://admin.example.com",
		"TRUSTED_PROXIES":      "10.0.0.0/8, 127.0.0.1",
	}), zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, "9100", cfg.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/var/lib/kidgate/kidgate.db", cfg.Database.URL)
	assert.Equal(t, 30*time.Minute, cfg.Auth.DeviceTokenTTL)
	assert.Equal(t, 5*time.Minute, cfg.Liveness.OfflineAfter)
	assert.Equal(t, 15*time.Second, cfg.Liveness.SweepInterval)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, []string{"10.0.0.0/8", "127.0.0.1"}, cfg.TrustedProxies)
}

func TestMissingSecretsAreGenerated(t *testing.T) {
	cfg, err := LoadFrom(env(nil), zerolog.Nop())
	require.NoError(t, err)
	assert.Len(t, cfg.Auth.DeviceTokenSecret, 32)
	assert.Len(t, cfg.Auth.JWTSecret, 32)
	assert.NotEqual(t, cfg.Auth.DeviceTokenSecret, cfg.Auth.JWTSecret)
}

func TestInvalidConfig(t *testing.T) {
	tests := map[string]map[string]string{
		"short secret":  {"DEVICE_TOKEN_SECRET": "short", "JWT_SECRET": sessionSecret},
		"shared secret": {"DEVICE_TOKEN_SECRET": deviceSecret, "JWT_SECRET": deviceSecret},
		"bad driver":    {"DATABASE_DRIVER": "mysql"},
		"bad duration":  {"DEVICE_TOKEN_TTL": "soon"},
		"zero duration": {"OFFLINE_AFTER": "0s"},
		"missing file":  {"CONFIG_FILE": "/nonexistent/kidgate.yaml"},
	}
	for name, vars := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFrom(env(vars), zerolog.Nop())
			assert.Error(t, err)
		})
	}
}

func TestLogger(t *testing.T) {
	cfg := defaults()
	cfg.Log.Level = "WARN"
	assert.Equal(t, zerolog.WarnLevel, cfg.Logger().GetLevel())

	cfg.Log.Level = "nonsense"
	assert.Equal(t, zerolog.InfoLevel, cfg.Logger().GetLevel())
}
