package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/database"
	"github.com/spf13/viper"
)

const (
	envPrefix                = "COLLAB"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = database.DriverSQLite
	defaultDatabaseDSN       = "collab.db"
	defaultRedisTTL          = 10 * time.Minute
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultAuthIssuer        = "collab-auth"
	defaultCookieName        = "app_session"
	defaultQueryTimeout      = 5 * time.Second
	defaultDispatchQueueSize = 256
	defaultSnapshotInterval  = 10 * time.Minute
	defaultSnapshotQueueSize = 64
	defaultTokenTTL          = 24 * time.Hour
)

// AppConfig captures runtime configuration for the collab server.
type AppConfig struct {
	HTTPAddress       string
	DatabaseDriver    string
	DatabaseDSN       string
	RedisAddress      string
	RedisTTL          time.Duration
	LogLevel          string
	LogFormat         string
	SigningSecret     string
	AuthIssuer        string
	CookieName        string
	TokenTTL          time.Duration
	QueryTimeout      time.Duration
	DispatchQueueSize int
	SnapshotInterval  time.Duration
	SnapshotQueueSize int
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
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.ttl", defaultRedisTTL)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("realtime.query_timeout", defaultQueryTimeout)
	configViper.SetDefault("dispatch.queue_size", defaultDispatchQueueSize)
	configViper.SetDefault("snapshot.interval", defaultSnapshotInterval)
	configViper.SetDefault("snapshot.queue_size", defaultSnapshotQueueSize)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:       configViper.GetString("database.dsn"),
		RedisAddress:      strings.TrimSpace(configViper.GetString("redis.address")),
		RedisTTL:          configViper.GetDuration("redis.ttl"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		CookieName:        configViper.GetString("auth.cookie_name"),
		TokenTTL:          configViper.GetDuration("auth.token_ttl"),
		QueryTimeout:      configViper.GetDuration("realtime.query_timeout"),
		DispatchQueueSize: configViper.GetInt("dispatch.queue_size"),
		SnapshotInterval:  configViper.GetDuration("snapshot.interval"),
		SnapshotQueueSize: configViper.GetInt("snapshot.queue_size"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// Database returns the database settings.
func (c AppConfig) Database() database.Config {
	return database.Config{Driver: c.DatabaseDriver, DSN: c.DatabaseDSN}
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.DatabaseDriver != database.DriverSQLite && c.DatabaseDriver != database.DriverPostgres {
		return fmt.Errorf("database.driver must be %q or %q", database.DriverSQLite, database.DriverPostgres)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log.format must be json or console")
	}
	if c.QueryTimeout <= 0 {
		return fmt.Errorf("realtime.query_timeout must be positive")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.DispatchQueueSize <= 0 || c.SnapshotQueueSize <= 0 {
		return fmt.Errorf("dispatch.queue_size and snapshot.queue_size must be positive")
	}
	return nil
}
