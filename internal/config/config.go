package config

import (
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Epic client registrations. EPIC_CLIENT_ID overrides both.
const (
	EpicProductionClientID    = "e098fdbf-3af1-4514-a08e-13cdbf4ba63c"
	EpicNonProductionClientID = "fa15fa9c-8443-4b22-ade7-15de5287ffcc"
)

const minSessionSecretLen = 32

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	FHIRAPIBase      string `mapstructure:"FHIR_API_BASE"`
	EpicEnv          string `mapstructure:"EPIC_ENV"`
	EpicClientID     string `mapstructure:"EPIC_CLIENT_ID"`
	EpicClientSecret string `mapstructure:"EPIC_CLIENT_SECRET"`
	EpicAuthURL      string `mapstructure:"EPIC_AUTH_URL"`
	EpicTokenURL     string `mapstructure:"EPIC_TOKEN_URL"`
	EpicRedirectURI  string `mapstructure:"EPIC_REDIRECT_URI"`

	SessionSecret     string `mapstructure:"SESSION_SECRET"`
	SessionStore      string `mapstructure:"SESSION_STORE"`
	SessionCookieName string `mapstructure:"SESSION_COOKIE_NAME"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	UpstreamAttemptTimeout time.Duration `mapstructure:"UPSTREAM_ATTEMPT_TIMEOUT"`
	RetryBackoffInitial    time.Duration `mapstructure:"RETRY_BACKOFF_INITIAL"`
	RetryBackoffMax        time.Duration `mapstructure:"RETRY_BACKOFF_MAX"`
	RequestTimeout         time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
	MetricsEnabled bool    `mapstructure:"METRICS_ENABLED"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"FHIR_API_BASE", "EPIC_ENV", "EPIC_CLIENT_ID", "EPIC_CLIENT_SECRET",
	"EPIC_AUTH_URL", "EPIC_TOKEN_URL", "EPIC_REDIRECT_URI",
	"SESSION_SECRET", "SESSION_STORE", "SESSION_COOKIE_NAME",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"UPSTREAM_ATTEMPT_TIMEOUT", "RETRY_BACKOFF_INITIAL", "RETRY_BACKOFF_MAX",
	"REQUEST_TIMEOUT", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "METRICS_ENABLED",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "5000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("FHIR_API_BASE", "https://epic.fhir.example.com")
	v.SetDefault("EPIC_ENV", "non-production")
	v.SetDefault("EPIC_REDIRECT_URI", "http://localhost:5000/callback")
	v.SetDefault("SESSION_STORE", "memory")
	v.SetDefault("SESSION_COOKIE_NAME", "gg_session")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("UPSTREAM_ATTEMPT_TIMEOUT", "10s")
	v.SetDefault("RETRY_BACKOFF_INITIAL", "200ms")
	v.SetDefault("RETRY_BACKOFF_MAX", "2s")
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 5)
	v.SetDefault("RATE_LIMIT_BURST", 20)
	v.SetDefault("METRICS_ENABLED", true)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	if cfg.EpicClientID == "" {
		cfg.EpicClientID = EpicClientIDFor(cfg.EpicEnv)
	}

	if cfg.IsDev() && cfg.SessionSecret == "" {
		log.Println("WARNING: SESSION_SECRET is not set; using an insecure development secret.")
		cfg.SessionSecret = "development-only-session-secret-change-me"
	}

	return cfg, nil
}

// EpicClientIDFor picks the Epic client registration for an EPIC_ENV value.
func EpicClientIDFor(env string) string {
	if env == "production" {
		return EpicProductionClientID
	}
	return EpicNonProductionClientID
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	u, err := url.Parse(c.FHIRAPIBase)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("FHIR_API_BASE must be an absolute URL, got %q", c.FHIRAPIBase)
	}

	if !c.IsDev() && len(c.SessionSecret) < minSessionSecretLen {
		return fmt.Errorf("SESSION_SECRET must be at least %d bytes outside development", minSessionSecretLen)
	}

	switch c.SessionStore {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when SESSION_STORE is \"postgres\"")
		}
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when SESSION_STORE is \"redis\"")
		}
	default:
		return fmt.Errorf("SESSION_STORE must be \"memory\", \"postgres\", or \"redis\", got %q", c.SessionStore)
	}

	if c.UpstreamAttemptTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_ATTEMPT_TIMEOUT must be positive")
	}
	if c.RetryBackoffInitial < 0 || c.RetryBackoffMax < c.RetryBackoffInitial {
		return fmt.Errorf("RETRY_BACKOFF_INITIAL must be >= 0 and not exceed RETRY_BACKOFF_MAX")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}
	if c.IsProduction() && (c.EpicAuthURL == "" || c.EpicTokenURL == "") {
		return fmt.Errorf("EPIC_AUTH_URL and EPIC_TOKEN_URL are required in production")
	}
	return nil
}
