// Package config loads service configuration.
//
// Sources, later ones win:
//
//	DefaultConfig()
//	TOML file (khata.toml, or --config)
//	.env file, then process environment (KHATA_* variables)
//	command-line flags (applied by the caller)
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTP     HTTPConfig     `toml:"http"`
	Database DatabaseConfig `toml:"database"`
	Auth     AuthConfig     `toml:"auth"`
	Redis    RedisConfig    `toml:"redis"`
	Log      LogConfig      `toml:"log"`
	Ledger   LedgerConfig   `toml:"ledger"`
}

type HTTPConfig struct {
	Addr string `toml:"addr"`
	// CORSOrigins is a comma-separated list of allowed origins.
	CORSOrigins string `toml:"cors_origins"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type AuthConfig struct {
	// Secret signs tenant tokens. Required to serve the API.
	Secret   string `toml:"secret"`
	TokenTTL string `toml:"token_ttl"`
}

type RedisConfig struct {
	// Addr enables the distributed closure lock when set.
	Addr    string `toml:"addr"`
	LockTTL string `toml:"lock_ttl"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type LedgerConfig struct {
	// PhoneRegion is the default region for party phone numbers (ISO 3166).
	PhoneRegion string `toml:"phone_region"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		HTTP:     HTTPConfig{Addr: ":8080", CORSOrigins: "*"},
		Database: DatabaseConfig{Path: "./data/khata.db"},
		Auth:     AuthConfig{TokenTTL: "720h"},
		Redis:    RedisConfig{LockTTL: "30s"},
		Log:      LogConfig{Level: "info"},
		Ledger:   LedgerConfig{PhoneRegion: "IN"},
	}
}

// Load builds the configuration from defaults, the TOML file at path and the
// environment. A missing file at the default path is not an error; a
// missing file that was asked for explicitly is.
func Load(path string, explicit bool) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if !errors.Is(err, os.ErrNotExist) || explicit {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	// .env is optional
	_ = godotenv.Load()
	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set("KHATA_HTTP_ADDR", &c.HTTP.Addr)
	set("KHATA_CORS_ORIGINS", &c.HTTP.CORSOrigins)
	set("KHATA_DATABASE_PATH", &c.Database.Path)
	set("KHATA_AUTH_SECRET", &c.Auth.Secret)
	set("KHATA_AUTH_TOKEN_TTL", &c.Auth.TokenTTL)
	set("KHATA_REDIS_ADDR", &c.Redis.Addr)
	set("KHATA_REDIS_LOCK_TTL", &c.Redis.LockTTL)
	set("LOG_LEVEL", &c.Log.Level)
	set("KHATA_PHONE_REGION", &c.Ledger.PhoneRegion)
}

// Validate checks values that can be checked without side effects.
func (c Config) Validate() error {
	if _, err := c.TokenTTL(); err != nil {
		return err
	}
	if _, err := c.LockTTL(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level: unknown level %q", c.Log.Level)
	}
	if len(c.Ledger.PhoneRegion) != 2 {
		return fmt.Errorf("ledger.phone_region: want a two-letter region code, got %q", c.Ledger.PhoneRegion)
	}
	return nil
}

func (c Config) TokenTTL() (time.Duration, error) {
	d, err := time.ParseDuration(c.Auth.TokenTTL)
	if err != nil {
		return 0, fmt.Errorf("auth.token_ttl: %w", err)
	}
	return d, nil
}

func (c Config) LockTTL() (time.Duration, error) {
	d, err := time.ParseDuration(c.Redis.LockTTL)
	if err != nil {
		return 0, fmt.Errorf("redis.lock_ttl: %w", err)
	}
	return d, nil
}

// Origins splits HTTP.CORSOrigins.
func (c Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.HTTP.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
