package config

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadConfig_RequiresInternalAPIKey(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	unsetEnvWithCleanup(t, "ESCROW_SERVICE_INTERNAL_API_KEY")

	_, err := LoadConfig(t.TempDir(), testLogger())
	if !errors.Is(err, ErrMissingInternalAPIKey) {
		t.Fatalf("expected ErrMissingInternalAPIKey, got %v", err)
	}
}

func TestLoadConfig_UsesEscrowServiceInternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	setEnvWithCleanup(t, "ESCROW_SERVICE_INTERNAL_API_KEY", "alias-only-key")

	cfg, err := LoadConfig(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-only-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
	if cfg.PayoutServiceAPIKey != "alias-only-key" {
		t.Fatalf("expected payout key to fall back to internal key, got %q", cfg.PayoutServiceAPIKey)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "INTERNAL_API_KEY", "k")
	for _, key := range []string{"PORT", "SERVER_PORT", "DEFAULT_COMMISSION_RATE", "AUTO_CONFIRM_WINDOW_HOURS", "SETTLEMENT_WORKERS", "STORE_DRIVER", "CURRENCY"} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.ServerPort)
	}
	if cfg.CommissionRate.String() != "0.1" {
		t.Fatalf("expected default commission rate 0.1, got %s", cfg.CommissionRate)
	}
	if cfg.AutoConfirmWindow() != 168*time.Hour {
		t.Fatalf("unexpected auto confirm window %s", cfg.AutoConfirmWindow())
	}
	if cfg.SettlementWorkers != 4 || cfg.SettlementBatchLimit != 200 {
		t.Fatalf("unexpected settlement defaults workers=%d limit=%d", cfg.SettlementWorkers, cfg.SettlementBatchLimit)
	}
	if cfg.StoreDriver != StoreDriverPostgres || cfg.Currency != "KRW" {
		t.Fatalf("unexpected driver/currency %q/%q", cfg.StoreDriver, cfg.Currency)
	}
	if cfg.EventExchange != "transfa.events" || cfg.DeliveryEventQueue != "escrow_service.delivery_events" || cfg.DeliveryDeadLetter != "escrow_service.delivery_events.dead" {
		t.Fatalf("unexpected messaging defaults %q %q %q", cfg.EventExchange, cfg.DeliveryEventQueue, cfg.DeliveryDeadLetter)
	}
}

func TestLoadConfig_CoercesInvalidValues(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "INTERNAL_API_KEY", "k")
	setEnvWithCleanup(t, "DEFAULT_COMMISSION_RATE", "1.5")
	setEnvWithCleanup(t, "SETTLEMENT_WORKERS", "0")
	setEnvWithCleanup(t, "GATEWAY_MAX_ATTEMPTS", "50")
	setEnvWithCleanup(t, "STORE_DRIVER", "sqlite")
	setEnvWithCleanup(t, "PORT", "9090")

	cfg, err := LoadConfig(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.CommissionRate.String() != "0.1" {
		t.Fatalf("expected out-of-range rate to fall back to 0.1, got %s", cfg.CommissionRate)
	}
	if cfg.SettlementWorkers != 4 {
		t.Fatalf("expected workers coerced to 4, got %d", cfg.SettlementWorkers)
	}
	if cfg.GatewayMaxAttempts != 10 {
		t.Fatalf("expected attempts capped at 10, got %d", cfg.GatewayMaxAttempts)
	}
	if cfg.StoreDriver != StoreDriverPostgres {
		t.Fatalf("expected unknown driver coerced to postgres, got %q", cfg.StoreDriver)
	}
	if cfg.ServerPort != "9090" {
		t.Fatalf("expected PORT to override SERVER_PORT, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_ParsesCommissionRate(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "INTERNAL_API_KEY", "k")
	setEnvWithCleanup(t, "DEFAULT_COMMISSION_RATE", "0.035")

	cfg, err := LoadConfig(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.CommissionRate.String() != "0.035" {
		t.Fatalf("expected 0.035, got %s", cfg.CommissionRate)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
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

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func TestLoadConfig_RejectsOverPreciseCommissionRate(t *testing.T) {
	for _, raw := range []string{"0.123456", "0.999996", "1.2"} {
		t.Run(raw, func(t *testing.T) {
			viper.Reset()
			t.Cleanup(viper.Reset)

			setEnvWithCleanup(t, "INTERNAL_API_KEY", "k")
			setEnvWithCleanup(t, "DEFAULT_COMMISSION_RATE", raw)

			cfg, err := LoadConfig(t.TempDir(), testLogger())
			if err != nil {
				t.Fatalf("LoadConfig returned error: %v", err)
			}
			if cfg.CommissionRate.String() != "0.1" {
				t.Fatalf("expected fallback rate 0.1 for %s, got %s", raw, cfg.CommissionRate)
			}
		})
	}
}
