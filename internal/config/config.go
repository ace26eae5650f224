// Package config loads the server configuration from TASKAUTH_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
)

// Prefix is prepended to every variable name.
const Prefix = "TASKAUTH_"

// MinSecretLength is the shortest accepted JWT signing secret.
const MinSecretLength = 32

// Config is the full server configuration.
type Config struct {
	Addr     string `env:"ADDR"      envDefault:":8080"`
	GRPCAddr string `env:"GRPC_ADDR"` // empty disables the gRPC listener

	// BaseURL is where browser logins land when no return URL is given.
	BaseURL       string   `env:"BASE_URL"       envDefault:"http://localhost:8080"`
	CookieDomains []string `env:"COOKIE_DOMAINS" envSeparator:","`
	// TokenInRedirect also hands browser logins their token as ?token=.
	TokenInRedirect bool `env:"TOKEN_IN_REDIRECT"`

	BcryptCost int `env:"BCRYPT_COST" envDefault:"10"`

	DB        DBConfig        `envPrefix:"DB_"`
	Datastore DatastoreConfig `envPrefix:"DATASTORE_"`
	JWT       JWTConfig       `envPrefix:"JWT_"`
	Session   SessionConfig   `envPrefix:"SESSION_"`
	Log       LogConfig       `envPrefix:"LOG_"`

	Google ProviderConfig `envPrefix:"GOOGLE_"`
	GitHub ProviderConfig `envPrefix:"GITHUB_"`

	// DefaultRedirectURI is sent on code exchange when neither the request
	// nor the provider names one.
	DefaultRedirectURI string        `env:"DEFAULT_REDIRECT_URI" envDefault:"http://localhost:3000/callback"`
	ProviderTimeout    time.Duration `env:"PROVIDER_TIMEOUT"     envDefault:"10s"`
}

// DBConfig selects the user store.
type DBConfig struct {
	// sqlite, postgres, datastore or fs
	Driver string `env:"DRIVER" envDefault:"sqlite"`
	// connection string for sqlite and postgres, directory for fs
	DSN string `env:"DSN" envDefault:"taskauth.db"`
}

type DatastoreConfig struct {
	Project   string `env:"PROJECT"`
	Namespace string `env:"NAMESPACE"`
}

type JWTConfig struct {
	Secret string        `env:"SECRET,unset"`
	Issuer string        `env:"ISSUER" envDefault:"taskauth"`
	Expiry time.Duration `env:"EXPIRY" envDefault:"24h"`
}

// SessionConfig configures the browser flow session used for OAuth2 state.
type SessionConfig struct {
	// memory or redis
	Store     string        `env:"STORE"      envDefault:"memory"`
	RedisAddr string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Lifetime  time.Duration `env:"LIFETIME"   envDefault:"15m"`
}

type LogConfig struct {
	Level  string `env:"LEVEL"  envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"text"` // text or json
}

// ProviderConfig holds one OAuth2 client registration. A provider without a
// client id is disabled.
type ProviderConfig struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET,unset"`
	RedirectURI  string `env:"REDIRECT_URI"`
}

// Enabled reports whether the provider is configured.
func (p ProviderConfig) Enabled() bool {
	return p.ClientID != ""
}

var (
	dbDrivers     = []string{"sqlite", "postgres", "datastore", "fs"}
	sessionStores = []string{"memory", "redis"}
	logFormats    = []string{"text", "json"}
)

// Load parses the process environment.
func Load() (*Config, error) {
	return LoadFrom(env.ToMap(os.Environ()))
}

// LoadFrom parses environ and validates the result.
func LoadFrom(environ map[string]string) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix, Environment: environ}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if len(c.JWT.Secret) < MinSecretLength {
		errs = append(errs, fmt.Errorf("%sJWT_SECRET must be at least %d bytes", Prefix, MinSecretLength))
	}
	if c.JWT.Expiry <= 0 {
		errs = append(errs, fmt.Errorf("%sJWT_EXPIRY must be positive", Prefix))
	}
	if !slices.Contains(dbDrivers, c.DB.Driver) {
		errs = append(errs, fmt.Errorf("%sDB_DRIVER %q is not one of %v", Prefix, c.DB.Driver, dbDrivers))
	} else if c.DB.Driver == "datastore" {
		if c.Datastore.Project == "" {
			errs = append(errs, fmt.Errorf("%sDATASTORE_PROJECT is required for the datastore driver", Prefix))
		}
	} else if c.DB.DSN == "" {
		errs = append(errs, fmt.Errorf("%sDB_DSN is required for the %s driver", Prefix, c.DB.Driver))
	}
	if !slices.Contains(sessionStores, c.Session.Store) {
		errs = append(errs, fmt.Errorf("%sSESSION_STORE %q is not one of %v", Prefix, c.Session.Store, sessionStores))
	}
	if !slices.Contains(logFormats, c.Log.Format) {
		errs = append(errs, fmt.Errorf("%sLOG_FORMAT %q is not one of %v", Prefix, c.Log.Format, logFormats))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, fmt.Errorf("%sLOG_LEVEL: %w", Prefix, err))
	}
	for name, p := range map[string]ProviderConfig{"GOOGLE": c.Google, "GITHUB": c.GitHub} {
		if p.Enabled() && p.ClientSecret == "" {
			errs = append(errs, fmt.Errorf("%s%s_CLIENT_SECRET is required when %s%s_CLIENT_ID is set", Prefix, name, Prefix, name))
		}
	}
	if c.ProviderTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%sPROVIDER_TIMEOUT must be positive", Prefix))
	}
	return errors.Join(errs...)
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(c.Log.Level))
	return level, err
}

// RedirectURI returns the redirect registered for p, or the default.
func (c *Config) RedirectURI(p ProviderConfig) string {
	if p.RedirectURI != "" {
		return p.RedirectURI
	}
	return c.DefaultRedirectURI
}
