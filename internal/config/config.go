package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "REQGRID"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = "sqlite"
	defaultDatabasePath      = "reqgrid.db"
	defaultLogLevel          = "info"
	defaultSessionIssuer     = "reqgrid"
	defaultCookieName        = "reqgrid_session"
	defaultSessionLeeway     = 30 * time.Second
	defaultServerURL         = "http://localhost:8080"
	defaultCleanupDelay      = 5 * time.Second
	defaultPresenceThrottle  = 500 * time.Millisecond
	defaultCursorDebounce    = 50 * time.Millisecond
	defaultBatchConcurrency  = 4
	defaultAllowedOriginsCSV = "http://localhost:8000"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress          string
	DatabaseDriver       string
	DatabasePath         string
	DatabaseDSN          string
	LogLevel             string
	SessionSigningSecret string
	SessionIssuer        string
	SessionCookieName    string
	SessionLeeway        time.Duration
	RedisURL             string
	AllowedOrigins       []string
}

// ClientConfig captures configuration for the editing CLI.
type ClientConfig struct {
	ServerURL        string
	SessionToken     string
	BlockID          string
	LogLevel         string
	CleanupDelay     time.Duration
	PresenceThrottle time.Duration
	CursorDebounce   time.Duration
	BatchConcurrency int
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.leeway", defaultSessionLeeway)
	configViper.SetDefault("cors.allowed_origins", defaultAllowedOriginsCSV)

	configViper.SetDefault("server.url", defaultServerURL)
	configViper.SetDefault("sync.cleanup_delay", defaultCleanupDelay)
	configViper.SetDefault("sync.presence_throttle", defaultPresenceThrottle)
	configViper.SetDefault("sync.cursor_debounce", defaultCursorDebounce)
	configViper.SetDefault("sync.batch_concurrency", defaultBatchConcurrency)
}

// Load parses server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabaseDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:         configViper.GetString("database.path"),
		DatabaseDSN:          configViper.GetString("database.dsn"),
		LogLevel:             configViper.GetString("log.level"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		SessionCookieName:    configViper.GetString("session.cookie_name"),
		SessionLeeway:        configViper.GetDuration("session.leeway"),
		RedisURL:             strings.TrimSpace(configViper.GetString("redis.url")),
		AllowedOrigins:       splitList(configViper.GetString("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadClient parses CLI configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:        strings.TrimRight(strings.TrimSpace(configViper.GetString("server.url")), "/"),
		SessionToken:     strings.TrimSpace(configViper.GetString("session.token")),
		BlockID:          strings.TrimSpace(configViper.GetString("table.block_id")),
		LogLevel:         configViper.GetString("log.level"),
		CleanupDelay:     configViper.GetDuration("sync.cleanup_delay"),
		PresenceThrottle: configViper.GetDuration("sync.presence_throttle"),
		CursorDebounce:   configViper.GetDuration("sync.cursor_debounce"),
		BatchConcurrency: configViper.GetInt("sync.batch_concurrency"),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case "sqlite":
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case "postgres":
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	return nil
}

func (c ClientConfig) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server.url is required")
	}
	if c.SessionToken == "" {
		return fmt.Errorf("session.token is required")
	}
	if c.BlockID == "" {
		return fmt.Errorf("table.block_id is required")
	}
	if c.BatchConcurrency < 1 {
		return fmt.Errorf("sync.batch_concurrency must be positive")
	}
	return nil
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
