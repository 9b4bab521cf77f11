package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "NEXUS"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = DriverSQLite
	defaultDatabaseDSN       = "nexus.db"
	defaultLogLevel          = "info"
	defaultIssuer            = "nexus-auth"
	defaultCookieName        = "nexus_session"
	defaultTokenTTLMinutes   = 60
	defaultWorkers           = 4
	defaultRetryAttempts     = 5
	defaultRetryDelay        = 200 * time.Millisecond
	defaultQueueBuffer       = 64
	defaultSnapshotInterval  = 25
	defaultBranchName        = "master"
	defaultSuggestProvider   = "always"
	defaultHeartbeatInterval = 30 * time.Second

	// DriverSQLite selects the embedded SQLite driver.
	DriverSQLite = "sqlite"
	// DriverPostgres selects the Postgres driver.
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Database          DatabaseConfig
	LogLevel          string
	Auth              AuthConfig
	Pipeline          PipelineConfig
	Versioning        VersioningConfig
	Suggest           SuggestConfig
}

type DatabaseConfig struct {
	Driver string
	DSN    string
}

type AuthConfig struct {
	SigningSecret string
	Issuer        string
	CookieName    string
	TokenTTL      time.Duration
}

type PipelineConfig struct {
	Workers       int
	RetryAttempts int
	RetryDelay    time.Duration
	QueueBuffer   int
}

type VersioningConfig struct {
	SnapshotInterval int
	DefaultBranch    string
}

type SuggestConfig struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("http.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("pipeline.workers", defaultWorkers)
	configViper.SetDefault("pipeline.retry_attempts", defaultRetryAttempts)
	configViper.SetDefault("pipeline.retry_delay", defaultRetryDelay)
	configViper.SetDefault("pipeline.queue_buffer", defaultQueueBuffer)
	configViper.SetDefault("versioning.snapshot_interval", defaultSnapshotInterval)
	configViper.SetDefault("versioning.default_branch", defaultBranchName)
	configViper.SetDefault("suggest.provider", defaultSuggestProvider)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AllowedOrigins:    configViper.GetStringSlice("http.allowed_origins"),
		HeartbeatInterval: configViper.GetDuration("http.heartbeat_interval"),
		Database:          loadDatabase(configViper),
		LogLevel:          configViper.GetString("log.level"),
		Auth: AuthConfig{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			Issuer:        configViper.GetString("auth.issuer"),
			CookieName:    configViper.GetString("auth.cookie_name"),
			TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		},
		Pipeline: PipelineConfig{
			Workers:       configViper.GetInt("pipeline.workers"),
			RetryAttempts: configViper.GetInt("pipeline.retry_attempts"),
			RetryDelay:    configViper.GetDuration("pipeline.retry_delay"),
			QueueBuffer:   configViper.GetInt("pipeline.queue_buffer"),
		},
		Versioning: VersioningConfig{
			SnapshotInterval: configViper.GetInt("versioning.snapshot_interval"),
			DefaultBranch:    configViper.GetString("versioning.default_branch"),
		},
		Suggest: SuggestConfig{
			Provider: strings.ToLower(strings.TrimSpace(configViper.GetString("suggest.provider"))),
			APIKey:   configViper.GetString("suggest.api_key"),
			BaseURL:  configViper.GetString("suggest.base_url"),
			Model:    configViper.GetString("suggest.model"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.Auth.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.Auth.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.Auth.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if err := c.Database.validate(); err != nil {
		return err
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be positive")
	}
	if c.Versioning.SnapshotInterval < 0 {
		return fmt.Errorf("versioning.snapshot_interval must not be negative")
	}
	return nil
}

// LoadDatabase parses only the database settings, for commands that never serve traffic.
func LoadDatabase(configViper *viper.Viper) (DatabaseConfig, error) {
	cfg := loadDatabase(configViper)
	if err := cfg.validate(); err != nil {
		return DatabaseConfig{}, err
	}
	return cfg, nil
}

func loadDatabase(configViper *viper.Viper) DatabaseConfig {
	return DatabaseConfig{
		Driver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DSN:    configViper.GetString("database.dsn"),
	}
}

func (c DatabaseConfig) validate() error {
	switch c.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Driver)
	}
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	return nil
}
