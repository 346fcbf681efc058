/**
 * @description
 * This package handles the configuration management for the escrow service. It uses the
 * Viper library to read configuration from environment variables, with an optional .env
 * file for local development.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: Parses the default commission rate exactly.
 */

package config

import (
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/transfa/escrow-service/internal/domain"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	defaultCommissionRate = "0.1"
)

// ErrMissingInternalAPIKey is returned when INTERNAL_API_KEY is not configured.
var ErrMissingInternalAPIKey = errors.New("INTERNAL_API_KEY is required")

// Config holds all the configuration variables for the escrow-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort             string `mapstructure:"SERVER_PORT"`
	DatabaseURL            string `mapstructure:"DATABASE_URL"`
	StoreDriver            string `mapstructure:"STORE_DRIVER"`
	RedisURL               string `mapstructure:"REDIS_URL"`
	RedisLockPrefix        string `mapstructure:"REDIS_LOCK_PREFIX"`
	RabbitMQURL            string `mapstructure:"RABBITMQ_URL"`
	EventExchange          string `mapstructure:"EVENT_EXCHANGE"`
	DeliveryEventQueue     string `mapstructure:"DELIVERY_EVENT_QUEUE"`
	DeliveryDeadLetter     string `mapstructure:"DELIVERY_DEAD_LETTER_QUEUE"`
	GatewayAPIBaseURL      string `mapstructure:"GATEWAY_API_BASE_URL"`
	GatewayAPIKey          string `mapstructure:"GATEWAY_API_KEY"`
	GatewayWebhookSecret   string `mapstructure:"GATEWAY_WEBHOOK_SECRET"`
	PayoutServiceURL       string `mapstructure:"PAYOUT_SERVICE_URL"`
	PayoutServiceAPIKey    string `mapstructure:"PAYOUT_SERVICE_API_KEY"`
	InternalAPIKey         string `mapstructure:"INTERNAL_API_KEY"`
	JWTSigningSecret       string `mapstructure:"JWT_SIGNING_SECRET"`
	DefaultCommissionRate  string `mapstructure:"DEFAULT_COMMISSION_RATE"`
	AutoConfirmWindowHours int    `mapstructure:"AUTO_CONFIRM_WINDOW_HOURS"`
	SettlementJobSchedule  string `mapstructure:"SETTLEMENT_JOB_SCHEDULE"`
	AutoConfirmJobSchedule string `mapstructure:"AUTO_CONFIRM_JOB_SCHEDULE"`
	SettlementBatchLimit   int    `mapstructure:"SETTLEMENT_BATCH_LIMIT"`
	SettlementWorkers      int    `mapstructure:"SETTLEMENT_WORKERS"`
	GatewayMaxAttempts     int    `mapstructure:"GATEWAY_MAX_ATTEMPTS"`
	GatewayRetryBackoffMS  int    `mapstructure:"GATEWAY_RETRY_BACKOFF_MS"`
	Currency               string `mapstructure:"CURRENCY"`

	// CommissionRate is DefaultCommissionRate parsed and range-checked.
	CommissionRate decimal.Decimal `mapstructure:"-"`
}

// AutoConfirmWindow returns the buyer confirmation window after delivery.
func (c Config) AutoConfirmWindow() time.Duration {
	return time.Duration(c.AutoConfirmWindowHours) * time.Hour
}

// GatewayRetryBackoff returns the base delay between collaborator retries.
func (c Config) GatewayRetryBackoff() time.Duration {
	return time.Duration(c.GatewayRetryBackoffMS) * time.Millisecond
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
// Coerced values are reported on logger; a nil logger uses slog.Default.
func LoadConfig(path string, logger *slog.Logger) (config Config, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "config")

	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("REDIS_LOCK_PREFIX", "transfa:escrow:lock")
	viper.SetDefault("EVENT_EXCHANGE", "transfa.events")
	viper.SetDefault("DELIVERY_EVENT_QUEUE", "escrow_service.delivery_events")
	viper.SetDefault("DELIVERY_DEAD_LETTER_QUEUE", "escrow_service.delivery_events.dead")
	viper.SetDefault("DEFAULT_COMMISSION_RATE", defaultCommissionRate)
	viper.SetDefault("AUTO_CONFIRM_WINDOW_HOURS", 168)
	viper.SetDefault("SETTLEMENT_JOB_SCHEDULE", "0 3 * * *")
	viper.SetDefault("AUTO_CONFIRM_JOB_SCHEDULE", "*/15 * * * *")
	viper.SetDefault("SETTLEMENT_BATCH_LIMIT", 200)
	viper.SetDefault("SETTLEMENT_WORKERS", 4)
	viper.SetDefault("GATEWAY_MAX_ATTEMPTS", 3)
	viper.SetDefault("GATEWAY_RETRY_BACKOFF_MS", 200)
	viper.SetDefault("CURRENCY", "KRW")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "ESCROW_REDIS_URL")
	_ = viper.BindEnv("REDIS_LOCK_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENT_EXCHANGE")
	_ = viper.BindEnv("DELIVERY_EVENT_QUEUE")
	_ = viper.BindEnv("DELIVERY_DEAD_LETTER_QUEUE")
	_ = viper.BindEnv("GATEWAY_API_BASE_URL")
	_ = viper.BindEnv("GATEWAY_API_KEY")
	_ = viper.BindEnv("GATEWAY_WEBHOOK_SECRET")
	_ = viper.BindEnv("PAYOUT_SERVICE_URL")
	_ = viper.BindEnv("PAYOUT_SERVICE_API_KEY")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "ESCROW_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("JWT_SIGNING_SECRET")
	_ = viper.BindEnv("DEFAULT_COMMISSION_RATE")
	_ = viper.BindEnv("AUTO_CONFIRM_WINDOW_HOURS")
	_ = viper.BindEnv("SETTLEMENT_JOB_SCHEDULE")
	_ = viper.BindEnv("AUTO_CONFIRM_JOB_SCHEDULE")
	_ = viper.BindEnv("SETTLEMENT_BATCH_LIMIT")
	_ = viper.BindEnv("SETTLEMENT_WORKERS")
	_ = viper.BindEnv("GATEWAY_MAX_ATTEMPTS")
	_ = viper.BindEnv("GATEWAY_RETRY_BACKOFF_MS")
	_ = viper.BindEnv("CURRENCY")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			logger.Warn("failed to read config file; using environment values", "error", err)
		}
		err = nil
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	if config.InternalAPIKey == "" {
		err = ErrMissingInternalAPIKey
		return
	}
	config.PayoutServiceAPIKey = strings.TrimSpace(config.PayoutServiceAPIKey)
	if config.PayoutServiceAPIKey == "" {
		config.PayoutServiceAPIKey = config.InternalAPIKey
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisLockPrefix = strings.TrimSpace(config.RedisLockPrefix)
	if config.RedisLockPrefix == "" {
		config.RedisLockPrefix = "transfa:escrow:lock"
	}

	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	if config.StoreDriver != StoreDriverPostgres && config.StoreDriver != StoreDriverMemory {
		logger.Warn("unknown store driver; using postgres", "store_driver", config.StoreDriver)
		config.StoreDriver = StoreDriverPostgres
	}

	config.CommissionRate = parseCommissionRate(config.DefaultCommissionRate, logger)

	if config.AutoConfirmWindowHours <= 0 {
		logger.Warn("non-positive auto confirm window; using default", "hours", config.AutoConfirmWindowHours)
		config.AutoConfirmWindowHours = 168
	}
	if config.SettlementBatchLimit <= 0 {
		config.SettlementBatchLimit = 200
	}
	if config.SettlementWorkers <= 0 {
		config.SettlementWorkers = 4
	}
	if config.GatewayMaxAttempts <= 0 {
		config.GatewayMaxAttempts = 3
	}
	if config.GatewayMaxAttempts > 10 {
		logger.Warn("gateway max attempts too high; capping at 10", "attempts", config.GatewayMaxAttempts)
		config.GatewayMaxAttempts = 10
	}
	if config.GatewayRetryBackoffMS < 0 {
		config.GatewayRetryBackoffMS = 200
	}
	if strings.TrimSpace(config.SettlementJobSchedule) == "" {
		config.SettlementJobSchedule = "0 3 * * *"
	}
	if strings.TrimSpace(config.AutoConfirmJobSchedule) == "" {
		config.AutoConfirmJobSchedule = "*/15 * * * *"
	}
	config.Currency = strings.ToUpper(strings.TrimSpace(config.Currency))
	if config.Currency == "" {
		config.Currency = "KRW"
	}

	return
}

func parseCommissionRate(raw string, logger *slog.Logger) decimal.Decimal {
	fallback := decimal.RequireFromString(defaultCommissionRate)
	value := strings.TrimSpace(raw)
	if value == "" {
		return fallback
	}
	rate, err := decimal.NewFromString(value)
	if err != nil {
		logger.Warn("invalid DEFAULT_COMMISSION_RATE; using default", "value", value, "error", err)
		return fallback
	}
	if err := domain.ValidateCommissionRate(rate); err != nil {
		logger.Warn("DEFAULT_COMMISSION_RATE rejected; using default", "value", rate.String(), "error", err)
		return fallback
	}
	return rate
}
