/**
 * @description
 * This package handles the configuration management for the membership-service.
 * Settings come from environment variables (and an optional .env file) through
 * Viper, with defaults for schedules, batch sizes and thresholds.
 *
 * @dependencies
 * - github.com/spf13/viper: Configuration loading and env binding.
 */

package config

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all the configuration variables for the membership-service.
type Config struct {
	ServerPort  string `mapstructure:"SERVER_PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	RabbitMQURL string `mapstructure:"RABBITMQ_URL"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	MembershipEventsExchange string `mapstructure:"MEMBERSHIP_EVENTS_EXCHANGE"`
	NotificationQueue        string `mapstructure:"NOTIFICATION_QUEUE"`

	ClerkJWKSURL        string `mapstructure:"CLERK_JWKS_URL"`
	AdminUserIDsRaw     string `mapstructure:"ADMIN_USER_IDS"`
	InternalAPIKey      string `mapstructure:"INTERNAL_API_KEY"`
	WebhookSecretDaimo  string `mapstructure:"WEBHOOK_SECRET_DAIMO"`
	WebhookSecretEpayco string `mapstructure:"WEBHOOK_SECRET_EPAYCO"`
	WebhookSecretStripe string `mapstructure:"WEBHOOK_SECRET_STRIPE"`
	CORSAllowedOrigins  string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	CatalogServiceURL string `mapstructure:"CATALOG_SERVICE_URL"`
	NotifierURL       string `mapstructure:"NOTIFIER_URL"`
	NotifierAPIKey    string `mapstructure:"NOTIFIER_API_KEY"`

	SweepSchedule        string `mapstructure:"SWEEP_SCHEDULE"`
	IntentExpirySchedule string `mapstructure:"INTENT_EXPIRY_SCHEDULE"`
	OutboxPollIntervalMs int    `mapstructure:"OUTBOX_POLL_INTERVAL_MS"`

	SweepMaxBatchSize     int   `mapstructure:"SWEEP_MAX_BATCH_SIZE"`
	IntentTTLMinutes      int   `mapstructure:"INTENT_TTL_MINUTES"`
	LifetimeThresholdDays int   `mapstructure:"LIFETIME_THRESHOLD_DAYS"`
	ExpiringSoonDays      int   `mapstructure:"EXPIRING_SOON_DAYS"`
	AmountToleranceMinor  int64 `mapstructure:"AMOUNT_TOLERANCE_MINOR"`

	CallbackRateLimitPerMinute int    `mapstructure:"CALLBACK_RATE_LIMIT_PER_MINUTE"`
	RedisKeyPrefix             string `mapstructure:"REDIS_KEY_PREFIX"`
	WebhookDedupeTTLMinutes    int    `mapstructure:"WEBHOOK_DEDUPE_TTL_MINUTES"`

	// Derived after Unmarshal.
	AdminUserIDs   []string          `mapstructure:"-"`
	AllowedOrigins []string          `mapstructure:"-"`
	WebhookSecrets map[string]string `mapstructure:"-"`
}

// LoadConfig reads configuration from environment variables and an optional .env
// file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("MEMBERSHIP_EVENTS_EXCHANGE", "membership.events")
	viper.SetDefault("NOTIFICATION_QUEUE", "membership_service.notifications")
	viper.SetDefault("SWEEP_SCHEDULE", "0 */6 * * *")
	viper.SetDefault("INTENT_EXPIRY_SCHEDULE", "*/15 * * * *")
	viper.SetDefault("OUTBOX_POLL_INTERVAL_MS", 1200)
	viper.SetDefault("SWEEP_MAX_BATCH_SIZE", 500)
	viper.SetDefault("INTENT_TTL_MINUTES", 1440)
	viper.SetDefault("LIFETIME_THRESHOLD_DAYS", 36500)
	viper.SetDefault("EXPIRING_SOON_DAYS", 7)
	viper.SetDefault("AMOUNT_TOLERANCE_MINOR", 0)
	viper.SetDefault("CALLBACK_RATE_LIMIT_PER_MINUTE", 20)
	viper.SetDefault("REDIS_KEY_PREFIX", "membership")
	viper.SetDefault("WEBHOOK_DEDUPE_TTL_MINUTES", 1440)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "MEMBERSHIP_REDIS_URL")
	_ = viper.BindEnv("MEMBERSHIP_EVENTS_EXCHANGE")
	_ = viper.BindEnv("NOTIFICATION_QUEUE")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("ADMIN_USER_IDS")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "MEMBERSHIP_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("WEBHOOK_SECRET_DAIMO")
	_ = viper.BindEnv("WEBHOOK_SECRET_EPAYCO")
	_ = viper.BindEnv("WEBHOOK_SECRET_STRIPE")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("CATALOG_SERVICE_URL")
	_ = viper.BindEnv("NOTIFIER_URL")
	_ = viper.BindEnv("NOTIFIER_API_KEY")
	_ = viper.BindEnv("SWEEP_SCHEDULE")
	_ = viper.BindEnv("INTENT_EXPIRY_SCHEDULE")
	_ = viper.BindEnv("OUTBOX_POLL_INTERVAL_MS")
	_ = viper.BindEnv("SWEEP_MAX_BATCH_SIZE")
	_ = viper.BindEnv("INTENT_TTL_MINUTES")
	_ = viper.BindEnv("LIFETIME_THRESHOLD_DAYS")
	_ = viper.BindEnv("EXPIRING_SOON_DAYS")
	_ = viper.BindEnv("AMOUNT_TOLERANCE_MINOR")
	_ = viper.BindEnv("CALLBACK_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("WEBHOOK_DEDUPE_TTL_MINUTES")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "membership"
	}
	config.AdminUserIDs = splitList(config.AdminUserIDsRaw)
	config.AllowedOrigins = splitList(config.CORSAllowedOrigins)
	config.WebhookSecrets = map[string]string{}
	for gateway, secret := range map[string]string{
		"daimo":  config.WebhookSecretDaimo,
		"epayco": config.WebhookSecretEpayco,
		"stripe": config.WebhookSecretStripe,
	} {
		if secret = strings.TrimSpace(secret); secret != "" {
			config.WebhookSecrets[gateway] = secret
		}
	}

	if config.SweepMaxBatchSize <= 0 {
		log.Printf("level=warn component=config msg=\"invalid SWEEP_MAX_BATCH_SIZE; using default\" value=%d", config.SweepMaxBatchSize)
		config.SweepMaxBatchSize = 500
	}
	if config.IntentTTLMinutes <= 0 {
		config.IntentTTLMinutes = 1440
	}
	if config.LifetimeThresholdDays <= 0 {
		config.LifetimeThresholdDays = 36500
	}
	if config.ExpiringSoonDays <= 0 {
		config.ExpiringSoonDays = 7
	}
	if config.AmountToleranceMinor < 0 {
		log.Printf("level=warn component=config msg=\"negative amount tolerance configured; coercing to zero\" value=%d", config.AmountToleranceMinor)
		config.AmountToleranceMinor = 0
	}
	if config.OutboxPollIntervalMs <= 0 {
		config.OutboxPollIntervalMs = 1200
	}
	if config.CallbackRateLimitPerMinute <= 0 {
		config.CallbackRateLimitPerMinute = 20
	}
	if config.WebhookDedupeTTLMinutes <= 0 {
		config.WebhookDedupeTTLMinutes = 1440
	}

	switch config.StoreDriver {
	case StoreDriverPostgres:
		if strings.TrimSpace(config.DatabaseURL) == "" {
			err = fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=%s", StoreDriverPostgres)
			return
		}
	case StoreDriverMemory:
	default:
		err = fmt.Errorf("unsupported STORE_DRIVER %q", config.StoreDriver)
		return
	}
	if config.InternalAPIKey == "" {
		err = fmt.Errorf("INTERNAL_API_KEY is required")
		return
	}

	return
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
