package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Port        int    `mapstructure:"port"`
	DatabaseURL string `mapstructure:"database_url"`
	BaseURL     string `mapstructure:"base_url"` // external origin used in magic-link mails
	Environment string `mapstructure:"environment"`

	AuthSecret        string  `mapstructure:"auth_secret"` // >=32 bytes; realm keys are derived from it
	SessionTTLDays    int     `mapstructure:"session_ttl_days"`
	TokenTTLMinutes   int     `mapstructure:"token_ttl_minutes"`   // magic-link validity
	TOTPIssuer        string  `mapstructure:"totp_issuer"`         // label shown in authenticator apps
	SigninRatePerMin  float64 `mapstructure:"signin_rate_per_min"` // magic-link requests per email per minute
	SigninBurst       int     `mapstructure:"signin_burst"`
	RequestTimeoutSec int     `mapstructure:"request_timeout_sec"`

	SMTPHost     string `mapstructure:"smtp_host"` // empty = log-only dev sender
	SMTPPort     int    `mapstructure:"smtp_port"`
	SMTPUsername string `mapstructure:"smtp_username"`
	SMTPPassword string `mapstructure:"smtp_password"`
	SMTPFrom     string `mapstructure:"smtp_from"`
}

func Load() (*Config, error) {
	viper.SetConfigName("dealroom")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/dealroom/")
	viper.AddConfigPath(".")

	viper.SetDefault("port", 8080)
	viper.SetDefault("base_url", "http://localhost:8080")
	viper.SetDefault("environment", "development")
	viper.SetDefault("session_ttl_days", 30)
	viper.SetDefault("token_ttl_minutes", 15)
	viper.SetDefault("totp_issuer", "Deal Room")
	viper.SetDefault("signin_rate_per_min", 3)
	viper.SetDefault("signin_burst", 3)
	viper.SetDefault("request_timeout_sec", 10)
	viper.SetDefault("smtp_port", 587)
	viper.SetDefault("smtp_from", "no-reply@dealroom.local")

	viper.SetEnvPrefix("DEALROOM")
	viper.AutomaticEnv()
	// AutomaticEnv alone does not surface env-only keys to Unmarshal;
	// every key must be bound explicitly or set through a default.
	for _, key := range []string{
		"port", "database_url", "base_url", "environment",
		"auth_secret", "session_ttl_days", "token_ttl_minutes", "totp_issuer",
		"signin_rate_per_min", "signin_burst", "request_timeout_sec",
		"smtp_host", "smtp_port", "smtp_username", "smtp_password", "smtp_from",
	} {
		viper.MustBindEnv(key)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	if len(c.AuthSecret) < 32 {
		return fmt.Errorf("auth_secret must be at least 32 bytes")
	}
	if c.SessionTTLDays <= 0 || c.TokenTTLMinutes <= 0 {
		return fmt.Errorf("session_ttl_days and token_ttl_minutes must be positive")
	}
	return nil
}

// Production reports whether cookies must be marked Secure.
func (c *Config) Production() bool { return c.Environment == "production" }
