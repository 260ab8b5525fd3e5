package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	BaseURL     string `mapstructure:"BASE_URL"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	// StateSigningSecret signs the OAuth state tokens. Required outside
	// development; a forgeable state parameter breaks the CSRF defense.
	StateSigningSecret string `mapstructure:"STATE_SIGNING_SECRET"`

	// TokenEncryptionKey is the current AES-256 key (64 hex chars) used to
	// encrypt provider tokens at rest. TokenPreviousKeys holds retired keys
	// as "version=hexkey" pairs, comma separated, kept for decryption only.
	TokenEncryptionKey        string `mapstructure:"TOKEN_ENCRYPTION_KEY"`
	TokenEncryptionKeyVersion int    `mapstructure:"TOKEN_ENCRYPTION_KEY_VERSION"`
	TokenPreviousKeys         string `mapstructure:"TOKEN_PREVIOUS_KEYS"`

	StateTTL       time.Duration `mapstructure:"STATE_TTL"`
	WidgetTokenTTL time.Duration `mapstructure:"WIDGET_TOKEN_TTL"`
	PublicTokenTTL time.Duration `mapstructure:"PUBLIC_TOKEN_TTL"`

	RefreshInterval time.Duration `mapstructure:"REFRESH_INTERVAL"`
	RefreshWindow   time.Duration `mapstructure:"REFRESH_WINDOW"`

	WebhookRetryInterval time.Duration `mapstructure:"WEBHOOK_RETRY_INTERVAL"`

	// RateLimitMode is "enforce" or "observe". Empty means inferred from ENV:
	// production enforces, everything else observes.
	RateLimitMode   string        `mapstructure:"RATE_LIMIT_MODE"`
	RateLimitWindow time.Duration `mapstructure:"RATE_LIMIT_WINDOW"`
	RateLimitMax    int           `mapstructure:"RATE_LIMIT_MAX"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("BASE_URL", "http://localhost:8000")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("TOKEN_ENCRYPTION_KEY_VERSION", 1)
	v.SetDefault("STATE_TTL", 10*time.Minute)
	v.SetDefault("WIDGET_TOKEN_TTL", 30*time.Minute)
	v.SetDefault("PUBLIC_TOKEN_TTL", 15*time.Minute)
	v.SetDefault("REFRESH_INTERVAL", 5*time.Minute)
	v.SetDefault("REFRESH_WINDOW", 30*time.Minute)
	v.SetDefault("WEBHOOK_RETRY_INTERVAL", time.Minute)
	v.SetDefault("RATE_LIMIT_MODE", "")
	v.SetDefault("RATE_LIMIT_WINDOW", time.Minute)
	v.SetDefault("RATE_LIMIT_MAX", 120)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "BASE_URL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"STATE_SIGNING_SECRET", "TOKEN_ENCRYPTION_KEY", "TOKEN_ENCRYPTION_KEY_VERSION",
		"TOKEN_PREVIOUS_KEYS", "STATE_TTL", "WIDGET_TOKEN_TTL", "PUBLIC_TOKEN_TTL",
		"REFRESH_INTERVAL", "REFRESH_WINDOW", "WEBHOOK_RETRY_INTERVAL",
		"RATE_LIMIT_MODE", "RATE_LIMIT_WINDOW", "RATE_LIMIT_MAX", "CORS_ORIGINS",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: rate limiting runs in observe mode and missing secrets are tolerated.")
		log.Println("WARNING: set ENV=production before handling real patient data.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedRateLimitMode returns the effective rate-limit mode. An explicit
// RATE_LIMIT_MODE wins; otherwise production enforces and every other
// environment only observes. Observe mode never blocks, but every would-be
// denial is still logged.
func (c *Config) ResolvedRateLimitMode() string {
	if c.RateLimitMode != "" {
		return c.RateLimitMode
	}
	if c.IsProduction() {
		return "enforce"
	}
	return "observe"
}

// PreviousKeys parses TOKEN_PREVIOUS_KEYS ("1=<hex>,2=<hex>") into a
// version-to-key map.
func (c *Config) PreviousKeys() (map[int][]byte, error) {
	keys := make(map[int][]byte)
	if strings.TrimSpace(c.TokenPreviousKeys) == "" {
		return keys, nil
	}
	for _, pair := range strings.Split(c.TokenPreviousKeys, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("TOKEN_PREVIOUS_KEYS entry %q is not version=hexkey", pair)
		}
		var version int
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
			return nil, fmt.Errorf("TOKEN_PREVIOUS_KEYS version %q: %w", parts[0], err)
		}
		key, err := hex.DecodeString(parts[1])
		if err != nil {
			return nil, fmt.Errorf("TOKEN_PREVIOUS_KEYS key for version %d is not valid hex: %w", version, err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("TOKEN_PREVIOUS_KEYS key for version %d must be 32 bytes, got %d", version, len(key))
		}
		keys[version] = key
	}
	return keys, nil
}

// Validate checks that the configuration is safe to run. Outside development
// the state signing secret and a valid 32-byte hex token encryption key are
// required, since without them OAuth state tokens are forgeable and provider
// tokens would sit unencrypted.
func (c *Config) Validate() error {
	mode := c.ResolvedRateLimitMode()
	if mode != "enforce" && mode != "observe" {
		return fmt.Errorf("RATE_LIMIT_MODE must be \"enforce\" or \"observe\", got %q", mode)
	}

	if !c.IsDev() && c.StateSigningSecret == "" {
		return fmt.Errorf("STATE_SIGNING_SECRET is required when ENV=%q", c.Env)
	}

	if !c.IsDev() && c.TokenEncryptionKey == "" {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY is required when ENV=%q", c.Env)
	}
	if c.TokenEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.TokenEncryptionKey)
		if err != nil {
			return fmt.Errorf("TOKEN_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}
	if _, err := c.PreviousKeys(); err != nil {
		return err
	}

	if c.RateLimitMax <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX must be positive, got %d", c.RateLimitMax)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %s", c.RateLimitWindow)
	}

	return nil
}
