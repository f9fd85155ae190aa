package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func setEnvWithCleanup(t *testing.T, key, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func TestLoadConfigDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("ServerPort = %q, want 8080", cfg.ServerPort)
	}
	if cfg.PINMaxFailures != 5 || cfg.PINLockoutSeconds != 600 {
		t.Fatalf("lockout defaults = %d/%d, want 5/600", cfg.PINMaxFailures, cfg.PINLockoutSeconds)
	}
	if cfg.CodeTTLSeconds != 300 || cfg.CodeLength != 6 {
		t.Fatalf("code defaults = %d/%d, want 300/6", cfg.CodeTTLSeconds, cfg.CodeLength)
	}
	if cfg.LedgerEventExchange != "ledger_events" {
		t.Fatalf("exchange = %q, want ledger_events", cfg.LedgerEventExchange)
	}
	if cfg.SweepCron != "@every 10m" {
		t.Fatalf("sweep cron = %q", cfg.SweepCron)
	}
}

func TestLoadConfigReadsEnvironment(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "9999")
	setEnvWithCleanup(t, "DATABASE_URL", " postgres://corebank:pw@db/corebank ")
	setEnvWithCleanup(t, "PIN_LOCKOUT_SECONDS", "120")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9999" {
		t.Fatalf("ServerPort = %q, want 9999", cfg.ServerPort)
	}
	if cfg.DatabaseURL != "postgres://corebank:pw@db/corebank" {
		t.Fatalf("DatabaseURL not trimmed: %q", cfg.DatabaseURL)
	}
	if cfg.PINLockoutSeconds != 120 {
		t.Fatalf("PINLockoutSeconds = %d, want 120", cfg.PINLockoutSeconds)
	}
}

func TestLoadConfigCoercesInvalidNumbers(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "PIN_MAX_FAILURES", "-3")
	setEnvWithCleanup(t, "CODE_LENGTH", "0")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PINMaxFailures != 5 {
		t.Fatalf("PINMaxFailures = %d, want default 5", cfg.PINMaxFailures)
	}
	if cfg.CodeLength != 6 {
		t.Fatalf("CodeLength = %d, want default 6", cfg.CodeLength)
	}
}
