// Package config provides application configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration values loaded from file or environment variables.
type Config struct {
	Env                   string        `mapstructure:"APP_ENV"`
	Port                  string        `mapstructure:"PORT"`
	ActorHost             string        `mapstructure:"ACTOR_HOST"`
	CanisterID            string        `mapstructure:"CANISTER_ID"`
	CallTimeout           time.Duration `mapstructure:"CALL_TIMEOUT"`
	FeedPageSize          int           `mapstructure:"FEED_PAGE_SIZE"`
	PushURL               string        `mapstructure:"PUSH_URL"`
	PollInterval          time.Duration `mapstructure:"POLL_INTERVAL"`
	RedisURL              string        `mapstructure:"REDIS_URL"`
	IdentityClientID      string        `mapstructure:"IDENTITY_CLIENT_ID"`
	IdentityDeviceAuthURL string        `mapstructure:"IDENTITY_DEVICE_AUTH_URL"`
	IdentityTokenURL      string        `mapstructure:"IDENTITY_TOKEN_URL"`
	IdentitySigningKey    string        `mapstructure:"IDENTITY_SIGNING_KEY"`
	CredentialTTL         time.Duration `mapstructure:"CREDENTIAL_TTL"`
	DevPrincipal          string        `mapstructure:"DEV_PRINCIPAL"`
	FeatureFlags          string        `mapstructure:"FEATURE_FLAGS"`
	TracingEnabled        bool          `mapstructure:"TRACING_ENABLED"`
	TracingExporter       string        `mapstructure:"TRACING_EXPORTER"`
	OTLPEndpoint          string        `mapstructure:"OTLP_ENDPOINT"`
	AllowedOrigins        string        `mapstructure:"ALLOWED_ORIGINS"`
}

// LoadConfig loads application configuration from file and environment variables.
func LoadConfig() (*Config, error) {
	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.AddConfigPath("../..")
	viper.SetConfigName("config")
	viper.SetConfigType("yml")
	viper.AutomaticEnv()

	// The base file is optional; APP_ENV may come from it or the environment.
	_ = viper.ReadInConfig()

	env := viper.GetString("APP_ENV")
	if env == "" {
		env = "development"
	}

	if env != "development" {
		viper.SetConfigName("config." + env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("required profile-specific config 'config.%s.yml' not found: %w", env, err)
		}
		log.Printf("Loaded profile-specific configuration: config.%s.yml", env)
	}

	viper.SetDefault("APP_ENV", "development")
	viper.SetDefault("PORT", "8376")
	viper.SetDefault("ACTOR_HOST", "http://localhost:8000")
	viper.SetDefault("CANISTER_ID", "")
	viper.SetDefault("CALL_TIMEOUT", "30s")
	viper.SetDefault("FEED_PAGE_SIZE", 10)
	viper.SetDefault("PUSH_URL", "")
	viper.SetDefault("POLL_INTERVAL", "15s")
	viper.SetDefault("REDIS_URL", "")
	viper.SetDefault("IDENTITY_CLIENT_ID", "blockverse")
	viper.SetDefault("IDENTITY_DEVICE_AUTH_URL", "")
	viper.SetDefault("IDENTITY_TOKEN_URL", "")
	viper.SetDefault("IDENTITY_SIGNING_KEY", "")
	viper.SetDefault("CREDENTIAL_TTL", "168h")
	viper.SetDefault("DEV_PRINCIPAL", "local-developer")
	viper.SetDefault("FEATURE_FLAGS", "")
	viper.SetDefault("TRACING_ENABLED", false)
	viper.SetDefault("TRACING_EXPORTER", "stdout")
	viper.SetDefault("OTLP_ENDPOINT", "localhost:4318")
	viper.SetDefault("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000")

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// IsProduction reports whether the configured environment is production.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// Validate ensures that required configuration values are present and meet security standards.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if c.CanisterID == "" {
		return errors.New("CANISTER_ID is required")
	}
	if c.ActorHost == "" {
		return errors.New("ACTOR_HOST is required")
	}
	if c.CallTimeout <= 0 {
		return errors.New("CALL_TIMEOUT must be positive")
	}
	if c.FeedPageSize <= 0 {
		return errors.New("FEED_PAGE_SIZE must be positive")
	}
	if c.PollInterval <= 0 {
		return errors.New("POLL_INTERVAL must be positive")
	}

	if c.IsProduction() {
		if c.IdentitySigningKey == "" {
			return errors.New("IDENTITY_SIGNING_KEY is required in production")
		}
		if !strings.HasPrefix(c.ActorHost, "https://") {
			return errors.New("ACTOR_HOST must use https in production")
		}
		if c.AllowedOrigins == "*" {
			log.Println("WARNING: ALLOWED_ORIGINS is set to '*' in production. This is insecure.")
		}
	} else if c.IdentitySigningKey == "" {
		log.Println("WARNING: IDENTITY_SIGNING_KEY is empty; credential tokens will not be verified.")
	}

	return nil
}
