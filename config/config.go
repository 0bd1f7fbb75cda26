package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ConfigurationError reports required settings that are absent or malformed.
// It is fatal for the operation that needed them and is never retried.
type ConfigurationError struct {
	Component string
	Missing   []string
	Invalid   []string
}

func (e *ConfigurationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid "+strings.Join(e.Invalid, ", "))
	}
	if len(parts) == 0 {
		parts = append(parts, "incomplete configuration")
	}
	return fmt.Sprintf("%s configuration: %s", e.Component, strings.Join(parts, "; "))
}

// IsConfigurationError reports whether err is (or wraps) a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

type OAuth struct {
	ClientID      string
	ClientSecret  string
	RedirectURI   string
	StateSecret   string
	EncryptionKey []byte
}

type ServiceAccount struct {
	Email                    string
	PrivateKey               string
	CredentialsJSON          []byte
	Subject                  string
	WorkloadIdentityProvider string
	Domain                   string
}

// Config holds every environment driven setting of the service. Required
// groups are validated lazily by OAuth and ServiceAccount so that a missing
// OAuth client does not prevent unattended service-account syncs.
type Config struct {
	Environment string
	HTTPPort    int

	OAuthClientID     string
	OAuthClientSecret string
	OAuthRedirectURI  string
	OAuthStateSecret  string
	EncryptionKeyHex  string
	AdminStatusPath   string

	ServiceAccountEmail      string
	ServiceAccountPrivateKey string
	ServiceAccountJSON       []byte
	WorkspaceAdmin           string
	WorkloadIdentityProvider string
	WorkspaceDomain          string

	KsmConfigBase64 string
	KsmRecordUID    string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string

	AuthTokenSecret string
	AuthTokenIssuer string

	WebhookToken string

	SyncWorkers             int
	SyncTimeout             time.Duration
	DirectoryPageTimeout    time.Duration
	DirectoryPagesPerSecond float64
	LoginRateLimit          int
	LoginRateWindow         time.Duration
}

// LoadDotEnv reads a .env file into the process environment when one exists.
// Values already present in the environment win.
func LoadDotEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			_ = godotenv.Load(f)
		}
	}
}

// Load parses the process environment. Only malformed optional values fail
// here; required groups are checked by OAuth and ServiceAccount.
func Load() (Config, error) {
	cfg := Config{
		Environment:             "prod",
		HTTPPort:                8080,
		AdminStatusPath:         "/admin/workspace",
		SyncWorkers:             1,
		SyncTimeout:             5 * time.Minute,
		DirectoryPageTimeout:    10 * time.Second,
		DirectoryPagesPerSecond: 5,
		LoginRateLimit:          5,
		LoginRateWindow:         15 * time.Minute,
	}
	invalid := make([]string, 0, 4)

	if v := env("APP_ENV"); v != "" {
		cfg.Environment = strings.ToLower(v)
	}
	if v := env("HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 {
			invalid = append(invalid, "HTTP_PORT")
		} else {
			cfg.HTTPPort = port
		}
	}

	cfg.OAuthClientID = env("GOOGLE_OAUTH_CLIENT_ID")
	cfg.OAuthClientSecret = env("GOOGLE_OAUTH_CLIENT_SECRET")
	cfg.OAuthRedirectURI = env("GOOGLE_OAUTH_REDIRECT_URI")
	cfg.OAuthStateSecret = env("OAUTH_STATE_SECRET")
	cfg.EncryptionKeyHex = env("ENCRYPTION_KEY")
	if v := env("ADMIN_STATUS_PATH"); v != "" {
		cfg.AdminStatusPath = v
	}

	cfg.ServiceAccountEmail = env("GOOGLE_SERVICE_ACCOUNT")
	// keys pasted into env files usually carry escaped newlines
	cfg.ServiceAccountPrivateKey = strings.ReplaceAll(env("GOOGLE_SERVICE_ACCOUNT_PRIVATE_KEY"), `\n`, "\n")
	cfg.WorkspaceAdmin = env("GOOGLE_WORKSPACE_ADMIN")
	cfg.WorkloadIdentityProvider = env("GOOGLE_WORKLOAD_IDENTITY_PROVIDER")
	cfg.WorkspaceDomain = env("GOOGLE_WORKSPACE_DOMAIN")

	cfg.KsmConfigBase64 = env("KSM_CONFIG_BASE64")
	cfg.KsmRecordUID = env("KSM_RECORD_UID")

	cfg.DatabaseURL = env("DATABASE_URL")
	cfg.RedisAddr = env("REDIS_ADDR")
	cfg.RedisPassword = env("REDIS_PASSWORD")

	cfg.AuthTokenSecret = env("AUTH_TOKEN_SECRET")
	cfg.AuthTokenIssuer = env("AUTH_TOKEN_ISSUER")
	cfg.WebhookToken = env("WORKSPACE_WEBHOOK_TOKEN")

	if v := env("SYNC_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			invalid = append(invalid, "SYNC_WORKERS")
		} else {
			cfg.SyncWorkers = n
		}
	}
	parseDuration("SYNC_TIMEOUT", &cfg.SyncTimeout, &invalid)
	parseDuration("DIRECTORY_PAGE_TIMEOUT", &cfg.DirectoryPageTimeout, &invalid)
	parseDuration("LOGIN_RATE_WINDOW", &cfg.LoginRateWindow, &invalid)
	if v := env("DIRECTORY_PAGES_PER_SECOND"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			invalid = append(invalid, "DIRECTORY_PAGES_PER_SECOND")
		} else {
			cfg.DirectoryPagesPerSecond = f
		}
	}
	if v := env("LOGIN_RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			invalid = append(invalid, "LOGIN_RATE_LIMIT")
		} else {
			cfg.LoginRateLimit = n
		}
	}

	if len(invalid) > 0 {
		return Config{}, &ConfigurationError{Component: "service", Invalid: invalid}
	}
	return cfg, nil
}

func (c Config) IsDev() bool {
	return c.Environment == "dev" || c.Environment == "development"
}

// OAuth returns the interactive OAuth settings or a ConfigurationError naming
// every missing variable.
func (c Config) OAuth() (OAuth, error) {
	var missing, invalid []string
	if c.OAuthClientID == "" {
		missing = append(missing, "GOOGLE_OAUTH_CLIENT_ID")
	}
	if c.OAuthClientSecret == "" {
		missing = append(missing, "GOOGLE_OAUTH_CLIENT_SECRET")
	}
	if c.OAuthRedirectURI == "" {
		missing = append(missing, "GOOGLE_OAUTH_REDIRECT_URI")
	}
	if c.OAuthStateSecret == "" {
		missing = append(missing, "OAUTH_STATE_SECRET")
	}
	var key []byte
	if c.EncryptionKeyHex == "" {
		missing = append(missing, "ENCRYPTION_KEY")
	} else if k, err := hex.DecodeString(c.EncryptionKeyHex); err != nil || len(k) != 32 {
		invalid = append(invalid, "ENCRYPTION_KEY")
	} else {
		key = k
	}
	if len(missing) > 0 || len(invalid) > 0 {
		return OAuth{}, &ConfigurationError{Component: "oauth", Missing: missing, Invalid: invalid}
	}
	return OAuth{
		ClientID:      c.OAuthClientID,
		ClientSecret:  c.OAuthClientSecret,
		RedirectURI:   c.OAuthRedirectURI,
		StateSecret:   c.OAuthStateSecret,
		EncryptionKey: key,
	}, nil
}

// ServiceAccount returns the unattended sync settings. Either an email and
// private key pair or a credentials JSON document must be present.
func (c Config) ServiceAccount() (ServiceAccount, error) {
	var missing []string
	if len(c.ServiceAccountJSON) == 0 {
		if c.ServiceAccountEmail == "" {
			missing = append(missing, "GOOGLE_SERVICE_ACCOUNT")
		}
		if c.ServiceAccountPrivateKey == "" {
			missing = append(missing, "GOOGLE_SERVICE_ACCOUNT_PRIVATE_KEY")
		}
	}
	if c.WorkloadIdentityProvider == "" {
		missing = append(missing, "GOOGLE_WORKLOAD_IDENTITY_PROVIDER")
	}
	if c.WorkspaceDomain == "" {
		missing = append(missing, "GOOGLE_WORKSPACE_DOMAIN")
	}
	if len(missing) > 0 {
		return ServiceAccount{}, &ConfigurationError{Component: "service account", Missing: missing}
	}
	return ServiceAccount{
		Email:                    c.ServiceAccountEmail,
		PrivateKey:               c.ServiceAccountPrivateKey,
		CredentialsJSON:          c.ServiceAccountJSON,
		Subject:                  c.WorkspaceAdmin,
		WorkloadIdentityProvider: c.WorkloadIdentityProvider,
		Domain:                   c.WorkspaceDomain,
	}, nil
}

// Secrets lists configured secret values so error payloads can be scrubbed.
func (c Config) Secrets() []string {
	var out []string
	for _, s := range []string{
		c.OAuthClientSecret, c.OAuthStateSecret, c.EncryptionKeyHex,
		c.ServiceAccountPrivateKey, c.AuthTokenSecret, c.WebhookToken,
		c.RedisPassword, c.KsmConfigBase64,
	} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func parseDuration(key string, dst *time.Duration, invalid *[]string) {
	v := env(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		*invalid = append(*invalid, key)
		return
	}
	*dst = d
}
