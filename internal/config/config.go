// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// PointPackage is a purchasable bundle: Amount is charged in the currency's
// minor unit and Points are credited on settlement.
type PointPackage struct {
	ID     string
	Amount int64
	Points int64
}

// ActionPrice is a paid generation action and its cost in points.
type ActionPrice struct {
	Name string
	Cost int64
}

// Config holds all application configuration
type Config struct {
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseDriver string
	DatabaseURL    string
	SQLitePath     string
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Auth and HTTP edge
	JWTSecret      string
	CORSOrigins    []string
	RateLimitRPM   int
	RateLimitBurst int

	// Payments
	StripeSecretKey     string
	StripeWebhookSecret string
	PaymentCurrency     string
	Packages            []PointPackage
	GatewayTimeout      time.Duration

	// Ledger and spend
	SignupGrant        int64
	SpendActionTimeout time.Duration
	SpendStaleAfter    time.Duration
	RefundMaxAttempts  int

	// Background work
	ReconcileInterval  time.Duration
	AlertWebhookURL    string
	AlertWebhookSecret string

	// Collaborators
	GenerationURL     string
	GenerationActions []ActionPrice
	OTLPEndpoint      string
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultSQLitePath         = "pointledger.db"
	DefaultCurrency           = "usd"
	DefaultPackages           = "starter:1000:1000,standard:4900:5500,premium:9900:12000"
	DefaultGenerationActions  = "quiz:200,worksheet:300,answer_key:100"
	DefaultGatewayTimeout     = 15 * time.Second
	DefaultSpendActionTimeout = 2 * time.Minute
	DefaultSpendStaleAfter    = 10 * time.Minute
	DefaultRefundMaxAttempts  = 5
	DefaultReconcileInterval  = 5 * time.Minute
	DefaultRateLimitRPM       = 120
	DefaultRateLimitBurst     = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	packages, err := ParsePackages(getEnv("POINT_PACKAGES", DefaultPackages))
	if err != nil {
		return nil, err
	}

	actions, err := ParseActions(getEnv("GENERATION_ACTIONS", DefaultGenerationActions))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseDriver:      getEnv("DATABASE_DRIVER", ""),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		SQLitePath:          getEnv("SQLITE_PATH", DefaultSQLitePath),
		DBMaxOpenConns:      int(getEnvInt64("DB_MAX_OPEN_CONNS", 25)),
		DBMaxIdleConns:      int(getEnvInt64("DB_MAX_IDLE_CONNS", 10)),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		CORSOrigins:         splitList(os.Getenv("CORS_ORIGINS")),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:      int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		PaymentCurrency:     strings.ToLower(getEnv("PAYMENT_CURRENCY", DefaultCurrency)),
		Packages:            packages,
		GatewayTimeout:      getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		SignupGrant:         getEnvInt64("SIGNUP_GRANT", 0),
		SpendActionTimeout:  getEnvDuration("SPEND_ACTION_TIMEOUT", DefaultSpendActionTimeout),
		SpendStaleAfter:     getEnvDuration("SPEND_STALE_AFTER", DefaultSpendStaleAfter),
		RefundMaxAttempts:   int(getEnvInt64("REFUND_MAX_ATTEMPTS", DefaultRefundMaxAttempts)),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		AlertWebhookURL:     os.Getenv("ALERT_WEBHOOK_URL"),
		AlertWebhookSecret:  os.Getenv("ALERT_WEBHOOK_SECRET"),
		GenerationURL:       os.Getenv("GENERATION_URL"),
		GenerationActions:   actions,
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if cfg.DatabaseDriver == "" {
		if cfg.DatabaseURL != "" {
			cfg.DatabaseDriver = DriverPostgres
		} else {
			cfg.DatabaseDriver = DriverMemory
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.IsProduction() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}

	switch c.DatabaseDriver {
	case DriverMemory:
		if c.IsProduction() {
			return fmt.Errorf("DATABASE_DRIVER=memory is not allowed in production")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown DATABASE_DRIVER %q", c.DatabaseDriver)
	}

	if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" && c.IsProduction() {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when payments are enabled in production")
	}
	if c.RateLimitRPM < 1 || c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be positive")
	}
	if c.SignupGrant < 0 {
		return fmt.Errorf("SIGNUP_GRANT must not be negative")
	}
	if c.RefundMaxAttempts < 1 {
		return fmt.Errorf("REFUND_MAX_ATTEMPTS must be at least 1")
	}
	if c.SpendStaleAfter <= c.SpendActionTimeout {
		return fmt.Errorf("SPEND_STALE_AFTER must exceed SPEND_ACTION_TIMEOUT")
	}
	return nil
}

// PaymentsEnabled reports whether a gateway key is configured.
func (c *Config) PaymentsEnabled() bool {
	return c.StripeSecretKey != ""
}

// Package returns the configured package with the given ID.
func (c *Config) Package(id string) (PointPackage, bool) {
	for _, p := range c.Packages {
		if p.ID == id {
			return p, true
		}
	}
	return PointPackage{}, false
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ParsePackages parses "id:amount:points" entries separated by commas.
func ParsePackages(s string) ([]PointPackage, error) {
	var out []PointPackage
	seen := make(map[string]bool)
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parts := strings.Split(raw, ":")
		if len(parts) != 3 || parts[0] == "" {
			return nil, fmt.Errorf("POINT_PACKAGES: malformed entry %q", raw)
		}
		amount, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || amount <= 0 {
			return nil, fmt.Errorf("POINT_PACKAGES: invalid amount in %q", raw)
		}
		points, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || points <= 0 {
			return nil, fmt.Errorf("POINT_PACKAGES: invalid points in %q", raw)
		}
		if seen[parts[0]] {
			return nil, fmt.Errorf("POINT_PACKAGES: duplicate package %q", parts[0])
		}
		seen[parts[0]] = true
		out = append(out, PointPackage{ID: parts[0], Amount: amount, Points: points})
	}
	return out, nil
}

// ParseActions parses "name:cost" entries separated by commas.
func ParseActions(s string) ([]ActionPrice, error) {
	var out []ActionPrice
	seen := make(map[string]bool)
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		name, costStr, ok := strings.Cut(raw, ":")
		if !ok || name == "" {
			return nil, fmt.Errorf("GENERATION_ACTIONS: malformed entry %q", raw)
		}
		cost, err := strconv.ParseInt(costStr, 10, 64)
		if err != nil || cost <= 0 {
			return nil, fmt.Errorf("GENERATION_ACTIONS: invalid cost in %q", raw)
		}
		if seen[name] {
			return nil, fmt.Errorf("GENERATION_ACTIONS: duplicate action %q", name)
		}
		seen[name] = true
		out = append(out, ActionPrice{Name: name, Cost: cost})
	}
	return out, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
