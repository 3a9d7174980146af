package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "RELAY"
	defaultHTTPAddress     = "0.0.0.0:3001"
	defaultSocketPath      = "/socket"
	defaultAllowedOrigins  = "*"
	defaultDatabasePath    = "relay.db"
	defaultLogLevel        = "info"
	defaultCookieName      = "auth_token"
	defaultAuthGrace       = 100 * time.Millisecond
	defaultDedupCapacity   = 1000
	defaultDedupEvict      = 0.1
	defaultPushRatePerSec  = 50
	allowedOriginsWildcard = "*"
)

// AppConfig captures runtime configuration for the relay.
type AppConfig struct {
	HTTPAddress    string
	SocketPath     string
	AllowedOrigins []string
	DatabasePath   string
	LogLevel       string

	SigningSecret string
	CookieName    string
	Issuer        string
	AuthGrace     time.Duration

	DedupCapacity      int
	DedupEvictFraction float64

	Push PushConfig
}

// PushConfig holds the push delivery settings.
type PushConfig struct {
	Enabled            bool
	ProjectID          string
	ServiceAccountJSON []byte
	RatePerSecond      int
}

// AllowsAnyOrigin reports whether CORS should reflect every origin.
func (c AppConfig) AllowsAnyOrigin() bool {
	return len(c.AllowedOrigins) == 0 || (len(c.AllowedOrigins) == 1 && c.AllowedOrigins[0] == allowedOriginsWildcard)
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
	configViper.SetDefault("http.socket_path", defaultSocketPath)
	configViper.SetDefault("http.allowed_origins", defaultAllowedOrigins)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.issuer", "")
	configViper.SetDefault("session.auth_grace", defaultAuthGrace)
	configViper.SetDefault("dedup.capacity", defaultDedupCapacity)
	configViper.SetDefault("dedup.evict_fraction", defaultDedupEvict)
	configViper.SetDefault("push.enabled", false)
	configViper.SetDefault("push.rate_per_second", defaultPushRatePerSec)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		SocketPath:         configViper.GetString("http.socket_path"),
		AllowedOrigins:     splitOrigins(configViper.GetString("http.allowed_origins")),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		CookieName:         configViper.GetString("auth.cookie_name"),
		Issuer:             strings.TrimSpace(configViper.GetString("auth.issuer")),
		AuthGrace:          configViper.GetDuration("session.auth_grace"),
		DedupCapacity:      configViper.GetInt("dedup.capacity"),
		DedupEvictFraction: configViper.GetFloat64("dedup.evict_fraction"),
		Push: PushConfig{
			Enabled:       configViper.GetBool("push.enabled"),
			ProjectID:     strings.TrimSpace(configViper.GetString("push.project_id")),
			RatePerSecond: configViper.GetInt("push.rate_per_second"),
		},
	}

	serviceAccount, err := loadServiceAccount(
		configViper.GetString("push.service_account_json"),
		configViper.GetString("push.service_account_b64"),
	)
	if err != nil {
		return AppConfig{}, err
	}
	cfg.Push.ServiceAccountJSON = serviceAccount

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if !strings.HasPrefix(c.SocketPath, "/") {
		return fmt.Errorf("http.socket_path must start with /")
	}
	if c.AuthGrace < 0 {
		return fmt.Errorf("session.auth_grace must not be negative")
	}
	if c.DedupCapacity <= 0 {
		return fmt.Errorf("dedup.capacity must be positive")
	}
	if c.DedupEvictFraction <= 0 || c.DedupEvictFraction > 1 {
		return fmt.Errorf("dedup.evict_fraction must be within (0, 1]")
	}
	if c.Push.Enabled {
		if len(c.Push.ServiceAccountJSON) == 0 {
			return fmt.Errorf("push.service_account_json or push.service_account_b64 is required when push is enabled")
		}
		if c.Push.RatePerSecond <= 0 {
			return fmt.Errorf("push.rate_per_second must be positive")
		}
	}
	return nil
}

func splitOrigins(raw string) []string {
	origins := make([]string, 0)
	for _, origin := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		origins = append(origins, trimmed)
	}
	return origins
}

// loadServiceAccount prefers the raw JSON value and falls back to the base64 form.
func loadServiceAccount(rawJSON, rawBase64 string) ([]byte, error) {
	if trimmed := strings.TrimSpace(rawJSON); trimmed != "" {
		return []byte(trimmed), nil
	}
	trimmed := strings.TrimSpace(rawBase64)
	if trimmed == "" {
		return nil, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("push.service_account_b64 is not valid base64: %w", err)
	}
	return decoded, nil
}
