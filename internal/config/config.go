package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "TRACKER"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "tracker.db"
	defaultLogLevel        = "info"
	defaultTimezone        = "UTC"
	defaultTokenTTLMinutes = 30
	defaultParseBatchSize  = 200
	defaultParseIdleSec    = 1
	defaultCacheCronSpec   = "@every 5s"
)

// AppConfig captures runtime configuration for the tracker backend.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	Timezone          string
	OperatorKey       string
	SigningSecret     string
	TokenTTL          time.Duration
	ParseBatchSize    int
	ParseIdleInterval time.Duration
	CacheCronSpec     string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("time.timezone", defaultTimezone)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("worker.parse_batch_size", defaultParseBatchSize)
	configViper.SetDefault("worker.parse_idle_seconds", defaultParseIdleSec)
	configViper.SetDefault("worker.cache_cron", defaultCacheCronSpec)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		Timezone:          configViper.GetString("time.timezone"),
		OperatorKey:       configViper.GetString("auth.operator_key"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		TokenTTL:          time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		ParseBatchSize:    configViper.GetInt("worker.parse_batch_size"),
		ParseIdleInterval: time.Duration(configViper.GetInt("worker.parse_idle_seconds")) * time.Second,
		CacheCronSpec:     configViper.GetString("worker.cache_cron"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.OperatorKey) == "" {
		return fmt.Errorf("auth.operator_key is required")
	}
	if c.ParseBatchSize <= 0 {
		return fmt.Errorf("worker.parse_batch_size must be positive")
	}
	if c.ParseIdleInterval <= 0 {
		return fmt.Errorf("worker.parse_idle_seconds must be positive")
	}
	if strings.TrimSpace(c.CacheCronSpec) == "" {
		return fmt.Errorf("worker.cache_cron is required")
	}
	return nil
}
