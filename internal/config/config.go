package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "SIGELO"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseDriver     = "sqlite"
	defaultDatabaseDSN        = "sigelo.db"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultSessionCookieName  = "app_session"
	defaultSessionIssuer      = "sigelo-auth"
	defaultAuthorizeURL       = "https://auth.contaazul.com/oauth2/authorize"
	defaultTokenURL           = "https://auth.contaazul.com/oauth2/token"
	defaultAPIBaseURL         = "https://api-v2.contaazul.com"
	defaultScope              = "openid profile aws.cognito.signin.user.admin"
	defaultRequestsPerSecond  = 5.0
	defaultIntegrationsPath   = "/integrations"
	defaultLoginPath          = "/login"
	databaseDriverSQLite      = "sqlite"
	databaseDriverPostgres    = "postgres"
	defaultAllowedCORSOrigins = "*"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	DatabaseDriver     string
	DatabaseDSN        string
	LogLevel           string
	LogFormat          string
	SessionSigningKey  string
	SessionIssuer      string
	SessionCookieName  string
	RedisAddress       string
	CORSAllowedOrigins []string
	ContaAzul          ContaAzulConfig
	OAuth              OAuthConfig
}

// ContaAzulConfig holds the provider credentials and endpoints.
type ContaAzulConfig struct {
	ClientID          string
	ClientSecret      string
	AuthorizeURL      string
	TokenURL          string
	APIBaseURL        string
	RedirectURI       string
	Scope             string
	RequestsPerSecond float64
}

// OAuthConfig holds the settings of the browser-side authorization round trip.
type OAuthConfig struct {
	StateSecret      string
	SecureCookies    bool
	IntegrationsPath string
	LoginPath        string
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
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("session.cookie_name", defaultSessionCookieName)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("contaazul.authorize_url", defaultAuthorizeURL)
	configViper.SetDefault("contaazul.token_url", defaultTokenURL)
	configViper.SetDefault("contaazul.api_base_url", defaultAPIBaseURL)
	configViper.SetDefault("contaazul.scope", defaultScope)
	configViper.SetDefault("contaazul.requests_per_second", defaultRequestsPerSecond)
	configViper.SetDefault("oauth.secure_cookies", true)
	configViper.SetDefault("oauth.integrations_path", defaultIntegrationsPath)
	configViper.SetDefault("oauth.login_path", defaultLoginPath)
	configViper.SetDefault("cors.allowed_origins", defaultAllowedCORSOrigins)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:        configViper.GetString("database.dsn"),
		LogLevel:           configViper.GetString("log.level"),
		LogFormat:          configViper.GetString("log.format"),
		SessionSigningKey:  configViper.GetString("session.signing_secret"),
		SessionIssuer:      configViper.GetString("session.issuer"),
		SessionCookieName:  configViper.GetString("session.cookie_name"),
		RedisAddress:       strings.TrimSpace(configViper.GetString("redis.address")),
		CORSAllowedOrigins: splitList(configViper.GetString("cors.allowed_origins")),
		ContaAzul: ContaAzulConfig{
			ClientID:          strings.TrimSpace(configViper.GetString("contaazul.client_id")),
			ClientSecret:      strings.TrimSpace(configViper.GetString("contaazul.client_secret")),
			AuthorizeURL:      strings.TrimSpace(configViper.GetString("contaazul.authorize_url")),
			TokenURL:          strings.TrimSpace(configViper.GetString("contaazul.token_url")),
			APIBaseURL:        strings.TrimSpace(configViper.GetString("contaazul.api_base_url")),
			RedirectURI:       strings.TrimSpace(configViper.GetString("contaazul.redirect_uri")),
			Scope:             strings.TrimSpace(configViper.GetString("contaazul.scope")),
			RequestsPerSecond: configViper.GetFloat64("contaazul.requests_per_second"),
		},
		OAuth: OAuthConfig{
			StateSecret:      configViper.GetString("oauth.state_secret"),
			SecureCookies:    configViper.GetBool("oauth.secure_cookies"),
			IntegrationsPath: configViper.GetString("oauth.integrations_path"),
			LoginPath:        configViper.GetString("oauth.login_path"),
		},
	}
	if strings.TrimSpace(cfg.OAuth.StateSecret) == "" {
		cfg.OAuth.StateSecret = cfg.SessionSigningKey
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningKey) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.DatabaseDriver {
	case databaseDriverSQLite, databaseDriverPostgres:
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if !c.ContaAzul.Enabled() {
		return nil
	}
	return c.ContaAzul.Validate()
}

// Enabled reports whether any provider credential was supplied. A deployment
// without credentials runs with the integration switched off.
func (c ContaAzulConfig) Enabled() bool {
	return c.ClientID != "" || c.ClientSecret != ""
}

// Validate checks the provider settings that every OAuth and sync call depends on.
func (c ContaAzulConfig) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("contaazul.client_id is required")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("contaazul.client_secret is required")
	}
	if c.Scope == "" {
		return fmt.Errorf("contaazul.scope is required")
	}
	for key, value := range map[string]string{
		"contaazul.authorize_url": c.AuthorizeURL,
		"contaazul.token_url":     c.TokenURL,
		"contaazul.api_base_url":  c.APIBaseURL,
		"contaazul.redirect_uri":  c.RedirectURI,
	} {
		if err := requireAbsoluteURL(key, value); err != nil {
			return err
		}
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("contaazul.requests_per_second must not be negative")
	}
	return nil
}

func requireAbsoluteURL(key, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", key)
	}
	parsed, err := url.Parse(value)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%s must be an absolute url", key)
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
