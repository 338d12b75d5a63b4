package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/hengadev/errsx"
	"github.com/spf13/viper"
)

// Key sources for the PHI encryption key.
const (
	KeySourceEnv   = "env"
	KeySourceVault = "vault"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	PHIEncryptionKey string `mapstructure:"PHI_ENCRYPTION_KEY"`
	PHIKeySource     string `mapstructure:"PHI_KEY_SOURCE"`
	VaultAddr        string `mapstructure:"VAULT_ADDR"`
	VaultToken       string `mapstructure:"VAULT_TOKEN"`
	VaultNamespace   string `mapstructure:"VAULT_NAMESPACE"`
	VaultPHIKeyMount string `mapstructure:"VAULT_PHI_KEY_MOUNT"`
	VaultPHIKeyPath  string `mapstructure:"VAULT_PHI_KEY_PATH"`

	AuditKafkaBrokers []string `mapstructure:"AUDIT_KAFKA_BROKERS"`
	AuditKafkaTopic   string   `mapstructure:"AUDIT_KAFKA_TOPIC"`

	RedisURL      string        `mapstructure:"REDIS_URL"`
	ActorCacheTTL time.Duration `mapstructure:"ACTOR_CACHE_TTL"`

	ScanConcurrency int `mapstructure:"SCAN_CONCURRENCY"`

	BodyLimit      string  `mapstructure:"BODY_LIMIT"`
	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	AuthIssuer    string `mapstructure:"AUTH_ISSUER"`
	AuthAudience  string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL   string `mapstructure:"AUTH_JWKS_URL"`
	JWTSigningKey string `mapstructure:"JWT_SIGNING_KEY"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"PHI_ENCRYPTION_KEY", "PHI_KEY_SOURCE",
	"VAULT_ADDR", "VAULT_TOKEN", "VAULT_NAMESPACE", "VAULT_PHI_KEY_MOUNT", "VAULT_PHI_KEY_PATH",
	"AUDIT_KAFKA_BROKERS", "AUDIT_KAFKA_TOPIC",
	"REDIS_URL", "ACTOR_CACHE_TTL", "SCAN_CONCURRENCY",
	"BODY_LIMIT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "JWT_SIGNING_KEY",
}

// Load reads configuration from the environment and an optional .env file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("PHI_KEY_SOURCE", KeySourceEnv)
	v.SetDefault("VAULT_PHI_KEY_MOUNT", "secret")
	v.SetDefault("AUDIT_KAFKA_TOPIC", "phi-audit")
	v.SetDefault("ACTOR_CACHE_TTL", "30s")
	v.SetDefault("SCAN_CONCURRENCY", 4)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)

	// Unmarshal only sees keys viper knows about.
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.AuditKafkaBrokers) == 1 {
		cfg.AuditKafkaBrokers = splitList(cfg.AuditKafkaBrokers[0])
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Every problem is
// reported, keyed by setting name.
func (c *Config) Validate() error {
	errs := errsx.Map{}

	switch c.PHIKeySource {
	case KeySourceEnv:
		if c.IsProduction() && c.PHIEncryptionKey == "" {
			errs.Set("PHI_ENCRYPTION_KEY", fmt.Errorf("required in production"))
		}
		if c.PHIEncryptionKey != "" {
			if err := validateHexKey(c.PHIEncryptionKey); err != nil {
				errs.Set("PHI_ENCRYPTION_KEY", err)
			}
		}
	case KeySourceVault:
		if c.VaultAddr == "" {
			errs.Set("VAULT_ADDR", fmt.Errorf("required when PHI_KEY_SOURCE is vault"))
		}
		if c.VaultPHIKeyPath == "" {
			errs.Set("VAULT_PHI_KEY_PATH", fmt.Errorf("required when PHI_KEY_SOURCE is vault"))
		}
	default:
		errs.Set("PHI_KEY_SOURCE", fmt.Errorf("must be %q or %q, got %q", KeySourceEnv, KeySourceVault, c.PHIKeySource))
	}

	if !c.IsDev() && c.AuthIssuer == "" && c.JWTSigningKey == "" {
		errs.Set("AUTH_ISSUER", fmt.Errorf("AUTH_ISSUER or JWT_SIGNING_KEY is required outside development (ENV=%q)", c.Env))
	}

	if c.ScanConcurrency < 1 {
		errs.Set("SCAN_CONCURRENCY", fmt.Errorf("must be at least 1, got %d", c.ScanConcurrency))
	}
	if c.DBMinConns > c.DBMaxConns {
		errs.Set("DB_MIN_CONNS", fmt.Errorf("must not exceed DB_MAX_CONNS (%d > %d)", c.DBMinConns, c.DBMaxConns))
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		errs.Set("RATE_LIMIT_RPS", fmt.Errorf("rate and burst must be positive, got %g/%d", c.RateLimitRPS, c.RateLimitBurst))
	}
	if c.ActorCacheTTL < 0 {
		errs.Set("ACTOR_CACHE_TTL", fmt.Errorf("must not be negative, got %s", c.ActorCacheTTL))
	}

	return errs.AsError()
}

func validateHexKey(key string) error {
	keyBytes, err := hex.DecodeString(key)
	if err != nil {
		return fmt.Errorf("not valid hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return fmt.Errorf("must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
	}
	return nil
}
