// Package config binds arenad flags and ARENA_ environment variables into a validated Config.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/MarkoPoloResearchLab/arena/internal/reconcile"
	"github.com/MarkoPoloResearchLab/arena/pkg/tournament"
)

const (
	EnvPrefix = "ARENA"

	KeyDatabaseURL          = "database-url"
	KeyStoreDriver          = "store-driver"
	KeyListenAddr           = "listen-addr"
	KeyGRPCListenAddr       = "grpc-listen-addr"
	KeyAllowedOrigins       = "allowed-origins"
	KeySessionSigningKey    = "session-signing-key"
	KeySessionIssuer        = "session-issuer"
	KeySessionCookieName    = "session-cookie-name"
	KeyBearerSigningKey     = "bearer-signing-key"
	KeyBearerIssuer         = "bearer-issuer"
	KeyGatewayURL           = "gateway-url"
	KeyGatewayAPIKey        = "gateway-api-key"
	KeyGatewayTimeout       = "gateway-timeout"
	KeyReconcileInterval    = "reconcile-interval"
	KeyReconcileGrace       = "reconcile-grace"
	KeyReconcileMaxAge      = "reconcile-max-age"
	KeyReconcileConcurrency = "reconcile-concurrency"
	KeyReconcileMaxAttempts = "reconcile-max-attempts"
	KeyReconcileBaseBackoff = "reconcile-base-backoff"
	KeyReconcileMaxBackoff  = "reconcile-max-backoff"
	KeyReconcileBatchSize   = "reconcile-batch-size"
	KeyIdleThreshold        = "idle-threshold"
	KeyRedisAddr            = "redis-addr"
	KeyElasticsearchURL     = "elasticsearch-url"
	KeyElasticsearchIndex   = "elasticsearch-index"
	KeyHealthInterval       = "health-interval"
	KeyLogDevelopment       = "log-development"
)

const (
	StoreDriverGorm   = "gorm"
	StoreDriverPgx    = "pgx"
	StoreDriverMemory = "memory"

	defaultDatabaseURL       = "sqlite:///tmp/arena.db"
	defaultListenAddr        = ":8080"
	defaultGRPCListenAddr    = ":7000"
	defaultSessionIssuer     = "tauth"
	defaultSessionCookieName = "app_session"
	defaultGatewayTimeout    = 5 * time.Second
	defaultHealthInterval    = 15 * time.Second
)

var ErrInvalidConfig = errors.New("invalid config")

// Config aggregates runtime settings for arenad.
type Config struct {
	DatabaseURL        string
	StoreDriver        string
	ListenAddr         string
	GRPCListenAddr     string
	AllowedOrigins     []string
	SessionSigningKey  string
	SessionIssuer      string
	SessionCookieName  string
	BearerSigningKey   string
	BearerIssuer       string
	GatewayURL         string
	GatewayAPIKey      string
	GatewayTimeout     time.Duration
	Reconcile          reconcile.Config
	IdleThreshold      time.Duration
	RedisAddr          string
	ElasticsearchURL   string
	ElasticsearchIndex string
	HealthInterval     time.Duration
	LogDevelopment     bool
}

// RegisterFlags declares every key on flags. Defaults live in Validate so env and flags share them.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String(KeyDatabaseURL, "", "database URL: sqlite path, sqlite:// or postgres://")
	flags.String(KeyStoreDriver, "", "ledger store driver: gorm, pgx or memory")
	flags.String(KeyListenAddr, "", "HTTP listen address")
	flags.String(KeyGRPCListenAddr, "", "gRPC health listen address")
	flags.String(KeyAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(KeySessionSigningKey, "", "TAuth session signing key")
	flags.String(KeySessionIssuer, "", "expected session issuer")
	flags.String(KeySessionCookieName, "", "session cookie name")
	flags.String(KeyBearerSigningKey, "", "HS256 key for service bearer tokens")
	flags.String(KeyBearerIssuer, "", "expected bearer token issuer")
	flags.String(KeyGatewayURL, "", "payment gateway base URL; empty disables reconciliation")
	flags.String(KeyGatewayAPIKey, "", "payment gateway API key")
	flags.Duration(KeyGatewayTimeout, 0, "payment gateway HTTP timeout")
	flags.Duration(KeyReconcileInterval, 0, "reconciliation pass interval")
	flags.Duration(KeyReconcileGrace, 0, "minimum topup age before reconciliation")
	flags.Duration(KeyReconcileMaxAge, 0, "age after which pending topups are reported stale")
	flags.Int(KeyReconcileConcurrency, 0, "gateway calls in flight per pass")
	flags.Int(KeyReconcileMaxAttempts, 0, "gateway attempts per topup per pass")
	flags.Duration(KeyReconcileBaseBackoff, 0, "first retry delay")
	flags.Duration(KeyReconcileMaxBackoff, 0, "retry delay cap")
	flags.Int(KeyReconcileBatchSize, 0, "pending topups examined per pass")
	flags.Duration(KeyIdleThreshold, 0, "tournament idle time before archiving is recommended")
	flags.String(KeyRedisAddr, "", "Redis address for distributed locks; empty uses in-process locks")
	flags.String(KeyElasticsearchURL, "", "Elasticsearch URL for the audit mirror")
	flags.String(KeyElasticsearchIndex, "", "Elasticsearch audit index")
	flags.Duration(KeyHealthInterval, 0, "database health check interval")
	flags.Bool(KeyLogDevelopment, false, "use the development logger")
}

// NewViper binds flags and ARENA_ environment variables.
func NewViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	var bindErr error
	flags.VisitAll(func(flag *pflag.Flag) {
		if bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(flag.Name, flag)
	})
	if bindErr != nil {
		return nil, bindErr
	}
	return v, nil
}

// Load reads every key from v and validates the result.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		DatabaseURL:       strings.TrimSpace(v.GetString(KeyDatabaseURL)),
		StoreDriver:       strings.ToLower(strings.TrimSpace(v.GetString(KeyStoreDriver))),
		ListenAddr:        strings.TrimSpace(v.GetString(KeyListenAddr)),
		GRPCListenAddr:    strings.TrimSpace(v.GetString(KeyGRPCListenAddr)),
		AllowedOrigins:    ParseAllowedOrigins(v.GetString(KeyAllowedOrigins)),
		SessionSigningKey: v.GetString(KeySessionSigningKey),
		SessionIssuer:     strings.TrimSpace(v.GetString(KeySessionIssuer)),
		SessionCookieName: strings.TrimSpace(v.GetString(KeySessionCookieName)),
		BearerSigningKey:  v.GetString(KeyBearerSigningKey),
		BearerIssuer:      strings.TrimSpace(v.GetString(KeyBearerIssuer)),
		GatewayURL:        strings.TrimSpace(v.GetString(KeyGatewayURL)),
		GatewayAPIKey:     v.GetString(KeyGatewayAPIKey),
		GatewayTimeout:    v.GetDuration(KeyGatewayTimeout),
		Reconcile: reconcile.Config{
			Interval:    v.GetDuration(KeyReconcileInterval),
			GracePeriod: v.GetDuration(KeyReconcileGrace),
			MaxAge:      v.GetDuration(KeyReconcileMaxAge),
			BaseBackoff: v.GetDuration(KeyReconcileBaseBackoff),
			MaxBackoff:  v.GetDuration(KeyReconcileMaxBackoff),
			Concurrency: v.GetInt(KeyReconcileConcurrency),
			MaxAttempts: v.GetInt(KeyReconcileMaxAttempts),
			BatchSize:   v.GetInt(KeyReconcileBatchSize),
		},
		IdleThreshold:      v.GetDuration(KeyIdleThreshold),
		RedisAddr:          strings.TrimSpace(v.GetString(KeyRedisAddr)),
		ElasticsearchURL:   strings.TrimSpace(v.GetString(KeyElasticsearchURL)),
		ElasticsearchIndex: strings.TrimSpace(v.GetString(KeyElasticsearchIndex)),
		HealthInterval:     v.GetDuration(KeyHealthInterval),
		LogDevelopment:     v.GetBool(KeyLogDevelopment),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate fills defaults and rejects unusable values.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreDriver = defaultIfEmpty(cfg.StoreDriver, StoreDriverGorm)
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookieName)
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = defaultGatewayTimeout
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = tournament.DefaultIdleThreshold
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}

	switch cfg.StoreDriver {
	case StoreDriverGorm, StoreDriverMemory:
	case StoreDriverPgx:
		if !strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
			return fmt.Errorf("%w: %s %q needs a postgres database url", ErrInvalidConfig, KeyStoreDriver, cfg.StoreDriver)
		}
	default:
		return fmt.Errorf("%w: unknown %s %q", ErrInvalidConfig, KeyStoreDriver, cfg.StoreDriver)
	}
	if cfg.Reconcile.Concurrency < 0 || cfg.Reconcile.MaxAttempts < 0 || cfg.Reconcile.BatchSize < 0 {
		return fmt.Errorf("%w: reconcile counts must not be negative", ErrInvalidConfig)
	}
	if cfg.Reconcile.BaseBackoff > 0 && cfg.Reconcile.MaxBackoff > 0 && cfg.Reconcile.BaseBackoff > cfg.Reconcile.MaxBackoff {
		return fmt.Errorf("%w: %s exceeds %s", ErrInvalidConfig, KeyReconcileBaseBackoff, KeyReconcileMaxBackoff)
	}
	return nil
}

// RequireAuth rejects a config that cannot authenticate HTTP callers.
func (cfg Config) RequireAuth() error {
	if len(cfg.SessionSigningKey) == 0 && len(cfg.BearerSigningKey) == 0 {
		return fmt.Errorf("%w: %s or %s is required", ErrInvalidConfig, KeySessionSigningKey, KeyBearerSigningKey)
	}
	return nil
}

// LoadDotEnv loads an optional .env file into the environment without overriding set variables.
func LoadDotEnv(paths ...string) error {
	if err := godotenv.Load(paths...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// ReconcileEnabled reports whether a payment gateway is configured.
func (cfg Config) ReconcileEnabled() bool {
	return cfg.GatewayURL != ""
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
