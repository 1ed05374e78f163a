// Package config loads ironguard's runtime settings from IRONGUARD_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/jmcleod/ironguard/account"
	"github.com/jmcleod/ironguard/auth"
	"github.com/jmcleod/ironguard/session"
)

// Prefix is prepended to every variable name.
const Prefix = "IRONGUARD_"

// Storage backends.
const (
	StorageMemory   = "memory"
	StorageBBolt    = "bbolt"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
)

// Config holds all runtime configuration.
type Config struct {
	// SessionKey seals session cookies. Only the server needs it.
	SessionKey string        `env:"SESSION_KEY,unset"`
	SessionTTL time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	CookieName string        `env:"COOKIE_NAME" envDefault:"session"`
	CookiePath string        `env:"COOKIE_PATH" envDefault:"/"`

	Collection          string `env:"COLLECTION"             envDefault:"accounts"`
	DecorateRequest     string `env:"DECORATE_REQUEST"       envDefault:"user"`
	UsernameToLowerCase bool   `env:"USERNAME_TO_LOWER_CASE" envDefault:"true"`
	UsernameField       string `env:"USERNAME_FIELD"         envDefault:"username"`
	PasswordField       string `env:"PASSWORD_FIELD"         envDefault:"password"`
	// RegisterFields are the extra body fields registration may store.
	RegisterFields []string `env:"REGISTER_FIELDS" envSeparator:","`
	// ExcludeDisabled rejects logins for accounts with disabled=true.
	ExcludeDisabled bool   `env:"EXCLUDE_DISABLED" envDefault:"true"`
	KDFProfile      string `env:"KDF_PROFILE"      envDefault:"moderate"`

	Storage     string `env:"STORAGE"  envDefault:"bbolt"`
	DataDir     string `env:"DATA_DIR" envDefault:"./data"`
	PostgresDSN string `env:"POSTGRES_DSN,unset"`
	RedisURL    string `env:"REDIS_URL,unset"`

	Port      int    `env:"PORT"       envDefault:"8080"`
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses the process environment.
func Load() (*Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

// LoadFrom parses vars instead of the process environment. Keys include the
// prefix.
func LoadFrom(vars map[string]string) (*Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("config: failed to parse environment variables: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings every command depends on.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage {
	case StorageMemory, StorageBBolt:
	case StoragePostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, fmt.Errorf("%sPOSTGRES_DSN is required for postgres storage", Prefix))
		}
	case StorageRedis:
		if c.RedisURL == "" {
			errs = append(errs, fmt.Errorf("%sREDIS_URL is required for redis storage", Prefix))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage %q", c.Storage))
	}
	if !strings.HasPrefix(c.CookiePath, "/") {
		errs = append(errs, fmt.Errorf("%sCOOKIE_PATH must start with /, got %q", Prefix, c.CookiePath))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("invalid log format %q", c.LogFormat))
	}
	if _, err := c.level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RequireSessionKey checks the settings only the server needs.
func (c *Config) RequireSessionKey() error {
	if len(c.SessionKey) < session.MinSecretLength {
		return fmt.Errorf("%sSESSION_KEY must be at least %d bytes", Prefix, session.MinSecretLength)
	}
	return nil
}

// BBoltPath is the database file used by the bbolt backend.
func (c *Config) BBoltPath() string {
	return filepath.Join(c.DataDir, "accounts.db")
}

// AuthConfig returns the guard configuration.
func (c *Config) AuthConfig() auth.Config {
	cfg := auth.Config{
		DecorateRequest:     c.DecorateRequest,
		UsernameToLowerCase: auth.Bool(c.UsernameToLowerCase),
		UsernameField:       c.UsernameField,
		PasswordField:       c.PasswordField,
		RegisterFields:      c.RegisterFields,
	}
	if c.ExcludeDisabled {
		cfg.Filter = account.Filter{account.Ne(account.FieldDisabled, true)}
	}
	return cfg
}

func (c *Config) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return lvl, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return lvl, nil
}

// Logger builds the process logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	lvl, _ := c.level()
	opts := &slog.HandlerOptions{Level: lvl}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
