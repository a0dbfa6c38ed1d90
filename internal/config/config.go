package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "GATEKEEPER"
	defaultHTTPAddress        = "0.0.0.0:3000"
	defaultEnvironment        = "development"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultDatabaseDriver     = "sqlite"
	defaultDatabaseDSN        = "gatekeeper.db"
	defaultRedisURL           = "redis://localhost:6379/0"
	defaultIssuer             = "gatekeeper"
	defaultAccessTTLMinutes   = 15
	defaultRefreshTTLDays     = 7
	defaultAuthRequests       = 5
	defaultAuthWindowSeconds  = 60
	defaultGoogleJWKSURL      = "https://www.googleapis.com/oauth2/v3/certs"
	defaultOAuthCallbackBase  = "http://localhost:3000"
	databaseDriverSQLite      = "sqlite"
	databaseDriverPostgres    = "postgres"
	oauthCallbackPathTemplate = "%s/auth/%s/callback"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	Environment        string
	LogLevel           string
	LogFormat          string
	DatabaseDriver     string
	DatabaseDSN        string
	RedisURL           string
	AccessTokenSecret  string
	RefreshTokenSecret string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	TokenIssuer        string
	HashWorkers        int
	CORSAllowedOrigins []string
	AuthRateLimit      RateLimitConfig
	OAuth              OAuthConfig
}

// RateLimitConfig bounds how many requests a single client may issue per window.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// OAuthConfig groups provider credentials and the state signing secret.
type OAuthConfig struct {
	StateSecret  string
	CallbackBase string
	Google       OAuthProviderConfig
	GitHub       OAuthProviderConfig
}

// OAuthProviderConfig describes a single OAuth client registration.
type OAuthProviderConfig struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string
	JWKSURL      string
}

// Enabled reports whether the provider has a client registration.
func (p OAuthProviderConfig) Enabled() bool {
	return strings.TrimSpace(p.ClientID) != ""
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
	configViper.SetDefault("environment", defaultEnvironment)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("redis.url", defaultRedisURL)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.access_ttl_minutes", defaultAccessTTLMinutes)
	configViper.SetDefault("auth.refresh_ttl_days", defaultRefreshTTLDays)
	configViper.SetDefault("auth.hash_workers", 0)
	configViper.SetDefault("cors.allowed_origins", []string{"*"})
	configViper.SetDefault("ratelimit.auth_requests", defaultAuthRequests)
	configViper.SetDefault("ratelimit.auth_window_seconds", defaultAuthWindowSeconds)
	configViper.SetDefault("oauth.callback_base", defaultOAuthCallbackBase)
	configViper.SetDefault("oauth.google.jwks_url", defaultGoogleJWKSURL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	callbackBase := strings.TrimRight(strings.TrimSpace(configViper.GetString("oauth.callback_base")), "/")
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		Environment:        configViper.GetString("environment"),
		LogLevel:           configViper.GetString("log.level"),
		LogFormat:          configViper.GetString("log.format"),
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:        configViper.GetString("database.dsn"),
		RedisURL:           configViper.GetString("redis.url"),
		AccessTokenSecret:  configViper.GetString("auth.access_secret"),
		RefreshTokenSecret: configViper.GetString("auth.refresh_secret"),
		AccessTokenTTL:     time.Duration(configViper.GetInt("auth.access_ttl_minutes")) * time.Minute,
		RefreshTokenTTL:    time.Duration(configViper.GetInt("auth.refresh_ttl_days")) * 24 * time.Hour,
		TokenIssuer:        configViper.GetString("auth.issuer"),
		HashWorkers:        configViper.GetInt("auth.hash_workers"),
		CORSAllowedOrigins: splitList(configViper.GetStringSlice("cors.allowed_origins")),
		AuthRateLimit: RateLimitConfig{
			Requests: configViper.GetInt("ratelimit.auth_requests"),
			Window:   time.Duration(configViper.GetInt("ratelimit.auth_window_seconds")) * time.Second,
		},
		OAuth: OAuthConfig{
			StateSecret:  configViper.GetString("oauth.state_secret"),
			CallbackBase: callbackBase,
			Google: OAuthProviderConfig{
				ClientID:     configViper.GetString("oauth.google.client_id"),
				ClientSecret: configViper.GetString("oauth.google.client_secret"),
				CallbackURL:  configViper.GetString("oauth.google.callback_url"),
				JWKSURL:      configViper.GetString("oauth.google.jwks_url"),
			},
			GitHub: OAuthProviderConfig{
				ClientID:     configViper.GetString("oauth.github.client_id"),
				ClientSecret: configViper.GetString("oauth.github.client_secret"),
				CallbackURL:  configViper.GetString("oauth.github.callback_url"),
			},
		},
	}

	if strings.TrimSpace(cfg.OAuth.Google.CallbackURL) == "" {
		cfg.OAuth.Google.CallbackURL = fmt.Sprintf(oauthCallbackPathTemplate, callbackBase, "google")
	}
	if strings.TrimSpace(cfg.OAuth.GitHub.CallbackURL) == "" {
		cfg.OAuth.GitHub.CallbackURL = fmt.Sprintf(oauthCallbackPathTemplate, callbackBase, "github")
	}
	if strings.TrimSpace(cfg.OAuth.StateSecret) == "" {
		cfg.OAuth.StateSecret = cfg.AccessTokenSecret
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AccessTokenSecret) == "" {
		return fmt.Errorf("auth.access_secret is required")
	}
	if strings.TrimSpace(c.RefreshTokenSecret) == "" {
		return fmt.Errorf("auth.refresh_secret is required")
	}
	if c.AccessTokenSecret == c.RefreshTokenSecret {
		return fmt.Errorf("auth.refresh_secret must differ from auth.access_secret")
	}
	if c.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_ttl_minutes must be positive")
	}
	if c.RefreshTokenTTL <= 0 {
		return fmt.Errorf("auth.refresh_ttl_days must be positive")
	}
	switch c.DatabaseDriver {
	case databaseDriverSQLite, databaseDriverPostgres:
	default:
		return fmt.Errorf("database.driver must be %q or %q", databaseDriverSQLite, databaseDriverPostgres)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("redis.url is required")
	}
	if c.AuthRateLimit.Requests <= 0 || c.AuthRateLimit.Window <= 0 {
		return fmt.Errorf("ratelimit.auth_requests and ratelimit.auth_window_seconds must be positive")
	}
	if c.OAuth.Google.Enabled() && strings.TrimSpace(c.OAuth.Google.ClientSecret) == "" {
		return fmt.Errorf("oauth.google.client_secret is required")
	}
	if c.OAuth.GitHub.Enabled() && strings.TrimSpace(c.OAuth.GitHub.ClientSecret) == "" {
		return fmt.Errorf("oauth.github.client_secret is required")
	}
	return nil
}

// splitList accepts both repeated values and a single comma separated env value.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
