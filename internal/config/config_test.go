package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dsla/sla-engine/internal/model"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PROTOCOL_OWNER", "owner")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Port)
	}
	if cfg.ProtocolToken != "DSLA" {
		t.Errorf("expected DSLA, got %s", cfg.ProtocolToken)
	}
	if cfg.CacheTTL != 30*time.Second {
		t.Errorf("expected 30s cache ttl, got %v", cfg.CacheTTL)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("expected info level, got %v", cfg.LogLevel)
	}
	if cfg.ChoresAccount != "owner" {
		t.Errorf("expected chores to run as the owner, got %s", cfg.ChoresAccount)
	}
	if cfg.NATSRequestSubject != "sla.sli.request" || cfg.NATSFulfillSubject != "sla.sli.fulfill" {
		t.Errorf("unexpected subjects %s %s", cfg.NATSRequestSubject, cfg.NATSFulfillSubject)
	}
	if !cfg.Params.DepositPerPeriod.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("expected default deposit 1000, got %s", cfg.Params.DepositPerPeriod)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PROTOCOL_OWNER", "owner")
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("DEPOSIT_PER_PERIOD", "400")
	t.Setenv("PLATFORM_REWARD", "100")
	t.Setenv("MESSENGER_REWARD", "100")
	t.Setenv("USER_REWARD", "100")
	t.Setenv("BURNED_BY_VERIFICATION", "100")
	t.Setenv("BOOTSTRAP_PERIODS", "12")
	t.Setenv("BOOTSTRAP_PERIOD_TYPE", "weekly")
	t.Setenv("BOOTSTRAP_START", "2026-01-05T00:00:00Z")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "9090" || cfg.LogLevel != slog.LevelDebug {
		t.Errorf("unexpected port/level %s %v", cfg.Port, cfg.LogLevel)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("unexpected origins %v", cfg.CORSOrigins)
	}
	if !cfg.Params.DepositPerPeriod.Equal(decimal.NewFromInt(400)) {
		t.Errorf("expected deposit 400, got %s", cfg.Params.DepositPerPeriod)
	}
	if cfg.BootstrapPeriods != 12 || cfg.BootstrapPeriodType != model.Weekly {
		t.Errorf("unexpected bootstrap %d %s", cfg.BootstrapPeriods, cfg.BootstrapPeriodType)
	}
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing owner", map[string]string{}},
		{"rewards do not sum to deposit", map[string]string{"PROTOCOL_OWNER": "owner", "USER_REWARD": "1"}},
		{"leverage above ceiling", map[string]string{"PROTOCOL_OWNER": "owner", "MAX_LEVERAGE": "500"}},
		{"fractional deposit", map[string]string{"PROTOCOL_OWNER": "owner", "DEPOSIT_PER_PERIOD": "1000.5"}},
		{"bad log level", map[string]string{"PROTOCOL_OWNER": "owner", "LOG_LEVEL": "loud"}},
		{"bad period type", map[string]string{"PROTOCOL_OWNER": "owner", "BOOTSTRAP_PERIOD_TYPE": "fortnightly"}},
		{"bootstrap without start", map[string]string{"PROTOCOL_OWNER": "owner", "BOOTSTRAP_PERIODS": "3"}},
		{"bad nats precision", map[string]string{"PROTOCOL_OWNER": "owner", "NATS_URL": "nats://localhost:4222", "NATS_MESSENGER_PRECISION": "150"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("PROTOCOL_OWNER", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
