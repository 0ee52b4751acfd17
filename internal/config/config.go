// Package config loads server settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"crypto/rand"
	"fmt"
	"os"
	"strings"
	"time"

	"kidgate/internal/auth"
	"kidgate/internal/database"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port string `yaml:"port"`

	// Peers allowed to set X-Forwarded-For. Empty means the socket peer is
	// always the client.
	TrustedProxies []string `yaml:"trusted_proxies"`

	Database struct {
		Driver string `yaml:"driver"` // postgres or sqlite
		URL    string `yaml:"url"`
	} `yaml:"database"`

	Auth struct {
		DeviceTokenSecret string        `yaml:"device_token_secret"` // signs device bearer tokens
		JWTSecret         string        `yaml:"jwt_secret"`          // signs parent session tokens
		DeviceTokenTTL    time.Duration `yaml:"device_token_ttl"`
		SessionTTL        time.Duration `yaml:"session_ttl"`
		AdminAPIKey       string        `yaml:"admin_api_key"` // X-API-Key for /api/admin
	} `yaml:"auth"`

	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`

	Liveness struct {
		OfflineAfter  time.Duration `yaml:"offline_after"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
	} `yaml:"liveness"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // json or console
	} `yaml:"log"`
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

func defaults() *Config {
	cfg := &Config{Port: "8080"}
	cfg.Database.Driver = database.DriverPostgres
	cfg.Auth.DeviceTokenTTL = time.Hour
	cfg.Auth.SessionTTL = 24 * time.Hour
	cfg.CORS.AllowedOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	cfg.Liveness.OfflineAfter = 10 * time.Minute
	cfg.Liveness.SweepInterval = time.Minute
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return cfg
}

// Load reads the process environment, including CONFIG_FILE.
func Load(log zerolog.Logger) (*Config, error) {
	return LoadFrom(os.LookupEnv, log)
}

// LoadFrom builds a Config from defaults, the YAML file named by CONFIG_FILE
// and then the environment. Missing signing secrets are replaced with random
// ones; secrets shorter than auth.MinKeyLength are rejected.
func LoadFrom(lookup LookupFunc, log zerolog.Logger) (*Config, error) {
	cfg := defaults()

	if path, ok := lookup("CONFIG_FILE"); ok && path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.validate(log); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("PORT", &c.Port)
	str("DATABASE_DRIVER", &c.Database.Driver)
	str("DATABASE_URL", &c.Database.URL)
	str("DEVICE_TOKEN_SECRET", &c.Auth.DeviceTokenSecret)
	str("JWT_SECRET", &c.Auth.JWTSecret)
	str("ADMIN_API_KEY", &c.Auth.AdminAPIKey)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("TRUSTED_PROXIES"); ok && v != "" {
		c.TrustedProxies = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.TrustedProxies = append(c.TrustedProxies, p)
			}
		}
	}

	if v, ok := lookup("CORS_ALLOWED_ORIGINS"); ok && v != "" {
		c.CORS.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.CORS.AllowedOrigins = append(c.CORS.AllowedOrigins, o)
			}
		}
	}

	for key, dst := range map[string]*time.Duration{
		"DEVICE_TOKEN_TTL": &c.Auth.DeviceTokenTTL,
		"SESSION_TTL":      &c.Auth.SessionTTL,
		"OFFLINE_AFTER":    &c.Liveness.OfflineAfter,
		"SWEEP_INTERVAL":   &c.Liveness.SweepInterval,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validate(log zerolog.Logger) error {
	switch c.Database.Driver {
	case database.DriverPostgres, database.DriverSQLite:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	for name, secret := range map[string]*string{
		"DEVICE_TOKEN_SECRET": &c.Auth.DeviceTokenSecret,
		"JWT_SECRET":          &c.Auth.JWTSecret,
	} {
		if *secret == "" {
			log.Warn().Str("key", name).Msg("Secret not set! Using random secret (tokens will not persist across restarts)")
			random, err := randomSecret()
			if err != nil {
				return err
			}
			*secret = random
			continue
		}
		if len(*secret) < auth.MinKeyLength {
			return fmt.Errorf("%s is too short (need at least %d characters)", name, auth.MinKeyLength)
		}
	}
	if c.Auth.DeviceTokenSecret == c.Auth.JWTSecret {
		return fmt.Errorf("DEVICE_TOKEN_SECRET and JWT_SECRET must differ")
	}
	if c.Auth.AdminAPIKey == "" {
		log.Warn().Msg("ADMIN_API_KEY not set, admin endpoints are disabled")
	}

	for name, d := range map[string]time.Duration{
		"DEVICE_TOKEN_TTL": c.Auth.DeviceTokenTTL,
		"SESSION_TTL":      c.Auth.SessionTTL,
		"OFFLINE_AFTER":    c.Liveness.OfflineAfter,
		"SWEEP_INTERVAL":   c.Liveness.SweepInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, auth.MinKeyLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random secret: %w", err)
	}
	return string(b), nil
}

// Logger builds the root logger described by the Log section.
func (c *Config) Logger() zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var log zerolog.Logger
	if c.Log.Format == "console" {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger()
}
