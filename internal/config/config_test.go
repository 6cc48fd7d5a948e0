package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/MarkoPoloResearchLab/arena/pkg/tournament"
)

func TestValidateFillsDefaults(test *testing.T) {
	test.Parallel()
	cfg := Config{BearerSigningKey: "secret"}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.DatabaseURL != defaultDatabaseURL {
		test.Fatalf("expected default database url, got %q", cfg.DatabaseURL)
	}
	if cfg.StoreDriver != StoreDriverGorm {
		test.Fatalf("expected gorm driver, got %q", cfg.StoreDriver)
	}
	if cfg.ListenAddr != defaultListenAddr || cfg.GRPCListenAddr != defaultGRPCListenAddr {
		test.Fatalf("unexpected listen addrs %q %q", cfg.ListenAddr, cfg.GRPCListenAddr)
	}
	if cfg.IdleThreshold != tournament.DefaultIdleThreshold {
		test.Fatalf("expected default idle threshold, got %s", cfg.IdleThreshold)
	}
	if cfg.GatewayTimeout != defaultGatewayTimeout {
		test.Fatalf("expected default gateway timeout, got %s", cfg.GatewayTimeout)
	}
	if cfg.ReconcileEnabled() {
		test.Fatalf("expected reconciliation disabled without a gateway url")
	}
}

func TestValidateRejectsInvalidValues(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name string
		cfg  Config
	}{
		{name: "unknown driver", cfg: Config{BearerSigningKey: "secret", StoreDriver: "mongo"}},
		{name: "pgx on sqlite", cfg: Config{BearerSigningKey: "secret", StoreDriver: StoreDriverPgx, DatabaseURL: "/tmp/arena.db"}},
		{name: "negative concurrency", cfg: func() Config {
			cfg := Config{BearerSigningKey: "secret"}
			cfg.Reconcile.Concurrency = -1
			return cfg
		}()},
		{name: "backoff inverted", cfg: func() Config {
			cfg := Config{BearerSigningKey: "secret"}
			cfg.Reconcile.BaseBackoff = time.Minute
			cfg.Reconcile.MaxBackoff = time.Second
			return cfg
		}()},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if err := testCase.cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				test.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestRequireAuth(test *testing.T) {
	test.Parallel()
	if err := (Config{}).RequireAuth(); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if err := (Config{SessionSigningKey: "session"}).RequireAuth(); err != nil {
		test.Fatalf("expected session key to satisfy auth, got %v", err)
	}
}

func TestLoadDotEnvIgnoresMissingFile(test *testing.T) {
	test.Parallel()
	if err := LoadDotEnv(filepath.Join(test.TempDir(), "missing.env")); err != nil {
		test.Fatalf("expected missing file to be ignored, got %v", err)
	}
}

func TestLoadDotEnvSetsVariables(test *testing.T) {
	path := filepath.Join(test.TempDir(), "arena.env")
	if err := os.WriteFile(path, []byte("ARENA_TEST_DOTENV_KEY=from-file\n"), 0o600); err != nil {
		test.Fatalf("write env file: %v", err)
	}
	test.Setenv("ARENA_TEST_DOTENV_KEY", "")
	if err := os.Unsetenv("ARENA_TEST_DOTENV_KEY"); err != nil {
		test.Fatalf("unset: %v", err)
	}
	if err := LoadDotEnv(path); err != nil {
		test.Fatalf("load: %v", err)
	}
	if got := os.Getenv("ARENA_TEST_DOTENV_KEY"); got != "from-file" {
		test.Fatalf("expected value from file, got %q", got)
	}
}

func TestLoadReadsFlagsAndEnvironment(test *testing.T) {
	test.Setenv("ARENA_BEARER_SIGNING_KEY", "env-secret")
	test.Setenv("ARENA_RECONCILE_CONCURRENCY", "8")
	test.Setenv("ARENA_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")

	flags := pflag.NewFlagSet("arenad", pflag.ContinueOnError)
	RegisterFlags(flags)
	if err := flags.Parse([]string{"--store-driver=pgx", "--database-url=postgres://arena@localhost/arena", "--gateway-url=https://pay.example", "--reconcile-interval=30s"}); err != nil {
		test.Fatalf("parse flags: %v", err)
	}
	v, err := NewViper(flags)
	if err != nil {
		test.Fatalf("bind: %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		test.Fatalf("load: %v", err)
	}
	if cfg.StoreDriver != StoreDriverPgx {
		test.Fatalf("expected pgx driver, got %q", cfg.StoreDriver)
	}
	if cfg.BearerSigningKey != "env-secret" {
		test.Fatalf("expected bearer key from env, got %q", cfg.BearerSigningKey)
	}
	if cfg.Reconcile.Concurrency != 8 || cfg.Reconcile.Interval != 30*time.Second {
		test.Fatalf("unexpected reconcile config %+v", cfg.Reconcile)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		test.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if !cfg.ReconcileEnabled() {
		test.Fatalf("expected reconciliation enabled")
	}
}

func TestParseAllowedOrigins(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		raw      string
		expected int
	}{
		{raw: "", expected: 0},
		{raw: "  ", expected: 0},
		{raw: "https://a.example", expected: 1},
		{raw: "https://a.example,https://b.example,", expected: 2},
	}
	for _, testCase := range testCases {
		if got := ParseAllowedOrigins(testCase.raw); len(got) != testCase.expected {
			test.Fatalf("ParseAllowedOrigins(%q) = %v", testCase.raw, got)
		}
	}
}
