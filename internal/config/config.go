// Package config loads the service configuration from the environment and
// an optional .env file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/dsla/sla-engine/internal/model"
	"github.com/dsla/sla-engine/internal/stake"
)

// Config holds application configuration.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration
	LogLevel    slog.Level

	NATSURL            string
	NATSRequestSubject string
	NATSFulfillSubject string
	// NATSMessenger is the address the NATS messenger registers under.
	NATSMessenger  model.Address
	NATSPrecision  int64
	NATSSpecURL    string
	CORSOrigins    []string
	ChoresSchedule string
	ChoresAccount  model.Address

	ProtocolOwner model.Address
	ProtocolToken string
	// BootstrapPeriods, when positive, initializes that many periods of
	// BootstrapPeriodType starting at BootstrapStart.
	BootstrapPeriods    int
	BootstrapPeriodType model.PeriodType
	BootstrapStart      time.Time

	Params stake.Parameters
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	defaults := stake.DefaultParameters()
	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", ""),
		CacheTTL:           getEnvAsDuration("CACHE_TTL", 30*time.Second),
		NATSURL:            getEnv("NATS_URL", ""),
		NATSRequestSubject: getEnv("NATS_REQUEST_SUBJECT", "sla.sli.request"),
		NATSFulfillSubject: getEnv("NATS_FULFILL_SUBJECT", "sla.sli.fulfill"),
		NATSMessenger:      model.Address(getEnv("NATS_MESSENGER_ADDRESS", "nats-messenger")),
		NATSPrecision:      int64(getEnvAsInt("NATS_MESSENGER_PRECISION", 10000)),
		NATSSpecURL:        getEnv("NATS_MESSENGER_SPEC_URL", ""),
		CORSOrigins:        getEnvAsList("CORS_ORIGINS"),
		ChoresSchedule:     getEnv("CHORES_SCHEDULE", ""),
		ProtocolOwner:      model.Address(getEnv("PROTOCOL_OWNER", "")),
		ProtocolToken:      getEnv("PROTOCOL_TOKEN", "DSLA"),
		BootstrapPeriods:   getEnvAsInt("BOOTSTRAP_PERIODS", 0),
		Params: stake.Parameters{
			DepositPerPeriod:     getEnvAsDecimal("DEPOSIT_PER_PERIOD", defaults.DepositPerPeriod),
			PlatformReward:       getEnvAsDecimal("PLATFORM_REWARD", defaults.PlatformReward),
			MessengerReward:      getEnvAsDecimal("MESSENGER_REWARD", defaults.MessengerReward),
			UserReward:           getEnvAsDecimal("USER_REWARD", defaults.UserReward),
			BurnedByVerification: getEnvAsDecimal("BURNED_BY_VERIFICATION", defaults.BurnedByVerification),
			MaxLeverage:          int64(getEnvAsInt("MAX_LEVERAGE", int(defaults.MaxLeverage))),
			MaxTokenLength:       getEnvAsInt("MAX_TOKEN_LENGTH", defaults.MaxTokenLength),
			BurnEnabled:          getEnvAsBool("BURN_ENABLED", defaults.BurnEnabled),
		},
	}
	cfg.ChoresAccount = model.Address(getEnv("CHORES_ACCOUNT", string(cfg.ProtocolOwner)))

	level, err := parseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level

	pt, err := model.ParsePeriodType(getEnv("BOOTSTRAP_PERIOD_TYPE", "Daily"))
	if err != nil {
		return nil, fmt.Errorf("BOOTSTRAP_PERIOD_TYPE: %w", err)
	}
	cfg.BootstrapPeriodType = pt
	if v := getEnv("BOOTSTRAP_START", ""); v != "" {
		start, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("BOOTSTRAP_START: %w", err)
		}
		cfg.BootstrapStart = start
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c *Config) Validate() error {
	if c.ProtocolOwner == "" {
		return fmt.Errorf("PROTOCOL_OWNER is required")
	}
	if c.ProtocolToken == "" {
		return fmt.Errorf("PROTOCOL_TOKEN is required")
	}
	if err := c.Params.Validate(); err != nil {
		return fmt.Errorf("staking parameters: %w", err)
	}
	if c.ChoresSchedule != "" && c.ChoresAccount == "" {
		return fmt.Errorf("CHORES_ACCOUNT is required when CHORES_SCHEDULE is set")
	}
	if c.BootstrapPeriods > 0 && c.BootstrapStart.IsZero() {
		return fmt.Errorf("BOOTSTRAP_START is required when BOOTSTRAP_PERIODS is set")
	}
	if c.NATSURL != "" && (c.NATSPrecision <= 0 || c.NATSPrecision%100 != 0) {
		return fmt.Errorf("NATS_MESSENGER_PRECISION should be a nonzero multiple of 100")
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
