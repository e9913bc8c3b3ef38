/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 *
 * @notes
 * - Webhook signing keys are validated by `Validate`, not here: in production a
 *   missing key must abort startup, in development unverified webhooks can be
 *   explicitly allowed.
 */

package config

import (
	"errors"
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the booking-service.
// These values are loaded from environment variables.
type Config struct {
	Environment string `mapstructure:"ENVIRONMENT"`
	ServerPort  string `mapstructure:"SERVER_PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RedisURL    string `mapstructure:"REDIS_URL"`
	RabbitMQURL string `mapstructure:"RABBITMQ_URL"`

	AuthJWTSecret string `mapstructure:"AUTH_JWT_SECRET"`

	CalendlySchedulingURL         string `mapstructure:"CALENDLY_SCHEDULING_URL"`
	CalendlySigningKey            string `mapstructure:"CALENDLY_WEBHOOK_SIGNING_KEY"`
	CalendlySecondarySigningKey   string `mapstructure:"CALENDLY_WEBHOOK_SECONDARY_SIGNING_KEY"`
	CalendlySignatureScheme       string `mapstructure:"CALENDLY_WEBHOOK_SIGNATURE_SCHEME"`
	StripeSigningKey              string `mapstructure:"STRIPE_WEBHOOK_SIGNING_KEY"`
	StripeSecondarySigningKey     string `mapstructure:"STRIPE_WEBHOOK_SECONDARY_SIGNING_KEY"`
	StripeSignatureScheme         string `mapstructure:"STRIPE_WEBHOOK_SIGNATURE_SCHEME"`
	WebhookToleranceSeconds       int    `mapstructure:"WEBHOOK_TOLERANCE_SECONDS"`
	AllowUnverifiedWebhooks       bool   `mapstructure:"ALLOW_UNVERIFIED_WEBHOOKS"`
	WebhookRateLimitPerMinute     int    `mapstructure:"WEBHOOK_RATE_LIMIT_PER_MINUTE"`
	ResumeRateLimitPerMinute      int    `mapstructure:"RESUME_RATE_LIMIT_PER_MINUTE"`
	RedisRateLimitPrefix          string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RecoveryTokenSecret           string `mapstructure:"RECOVERY_TOKEN_SECRET"`
	RecoveryTokenMaxAgeMinutes    int    `mapstructure:"RECOVERY_TOKEN_MAX_AGE_MINUTES"`
	PaymentRetryLimit             int    `mapstructure:"PAYMENT_RETRY_LIMIT"`
	StaleBookingTTLMinutes        int    `mapstructure:"STALE_BOOKING_TTL_MINUTES"`
	StaleBookingSweepSchedule     string `mapstructure:"STALE_BOOKING_SWEEP_SCHEDULE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("ENVIRONMENT", "development")
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("CALENDLY_SCHEDULING_URL", "https://calendly.com/builderhub")
	viper.SetDefault("CALENDLY_WEBHOOK_SIGNATURE_SCHEME", "body")
	viper.SetDefault("STRIPE_WEBHOOK_SIGNATURE_SCHEME", "timestamped")
	viper.SetDefault("WEBHOOK_TOLERANCE_SECONDS", 300)
	viper.SetDefault("WEBHOOK_RATE_LIMIT_PER_MINUTE", 300)
	viper.SetDefault("RESUME_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "booking:rate_limit")
	viper.SetDefault("RECOVERY_TOKEN_MAX_AGE_MINUTES", 30)
	viper.SetDefault("PAYMENT_RETRY_LIMIT", 3)
	viper.SetDefault("STALE_BOOKING_TTL_MINUTES", 1440)
	viper.SetDefault("STALE_BOOKING_SWEEP_SCHEDULE", "@every 15m")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("ENVIRONMENT")
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "BOOKING_REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("AUTH_JWT_SECRET")
	_ = viper.BindEnv("CALENDLY_SCHEDULING_URL")
	_ = viper.BindEnv("CALENDLY_WEBHOOK_SIGNING_KEY")
	_ = viper.BindEnv("CALENDLY_WEBHOOK_SECONDARY_SIGNING_KEY")
	_ = viper.BindEnv("CALENDLY_WEBHOOK_SIGNATURE_SCHEME")
	_ = viper.BindEnv("STRIPE_WEBHOOK_SIGNATURE_SCHEME")
	_ = viper.BindEnv("STRIPE_WEBHOOK_SIGNING_KEY")
	_ = viper.BindEnv("STRIPE_WEBHOOK_SECONDARY_SIGNING_KEY")
	_ = viper.BindEnv("WEBHOOK_TOLERANCE_SECONDS")
	_ = viper.BindEnv("ALLOW_UNVERIFIED_WEBHOOKS")
	_ = viper.BindEnv("WEBHOOK_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RESUME_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RECOVERY_TOKEN_SECRET")
	_ = viper.BindEnv("RECOVERY_TOKEN_MAX_AGE_MINUTES")
	_ = viper.BindEnv("PAYMENT_RETRY_LIMIT")
	_ = viper.BindEnv("STALE_BOOKING_TTL_MINUTES")
	_ = viper.BindEnv("STALE_BOOKING_SWEEP_SCHEDULE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.Environment = strings.ToLower(strings.TrimSpace(config.Environment))
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "booking:rate_limit"
	}

	if config.WebhookToleranceSeconds < 0 {
		log.Printf("level=warn component=config msg=\"negative webhook tolerance configured; coercing to zero\" tolerance_seconds=%d", config.WebhookToleranceSeconds)
		config.WebhookToleranceSeconds = 0
	}
	if config.WebhookRateLimitPerMinute <= 0 {
		config.WebhookRateLimitPerMinute = 300
	}
	if config.ResumeRateLimitPerMinute <= 0 {
		config.ResumeRateLimitPerMinute = 30
	}
	if config.RecoveryTokenMaxAgeMinutes <= 0 {
		config.RecoveryTokenMaxAgeMinutes = 30
	}
	if config.PaymentRetryLimit <= 0 {
		config.PaymentRetryLimit = 3
	}
	if config.StaleBookingTTLMinutes <= 0 {
		config.StaleBookingTTLMinutes = 1440
	}
	if strings.TrimSpace(config.StaleBookingSweepSchedule) == "" {
		config.StaleBookingSweepSchedule = "@every 15m"
	}

	return
}

// Production reports whether the service runs with production guarantees.
func (c Config) Production() bool {
	return c.Environment == "production"
}

// Validate enforces the settings the service cannot run safely without. A
// missing webhook signing key is fatal in production; outside production it is
// tolerated only when unverified webhooks were explicitly allowed.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("DATABASE_URL is required")
	}
	if strings.TrimSpace(c.AuthJWTSecret) == "" {
		return errors.New("AUTH_JWT_SECRET is required")
	}
	if strings.TrimSpace(c.RecoveryTokenSecret) == "" {
		return errors.New("RECOVERY_TOKEN_SECRET is required")
	}

	missingKeys := strings.TrimSpace(c.CalendlySigningKey) == "" || strings.TrimSpace(c.StripeSigningKey) == ""
	if missingKeys {
		if c.Production() {
			return errors.New("webhook signing keys are required in production")
		}
		if !c.AllowUnverifiedWebhooks {
			return errors.New("webhook signing keys are missing; set them or ALLOW_UNVERIFIED_WEBHOOKS=true outside production")
		}
		log.Printf("level=warn component=config msg=\"running with unverified webhooks\" environment=%s", c.Environment)
	}
	return nil
}
