package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App      ApplicationConfig `yaml:"app"`
	SQLite   SQLiteConfig      `yaml:"sqlite"`
	Content  ContentConfig     `yaml:"content"`
	Cache    CacheConfig       `yaml:"cache"`
	Remote   RemoteConfig      `yaml:"remote"`
	Prefetch PrefetchConfig    `yaml:"prefetch"`
	Sync     SyncConfig        `yaml:"sync"`
	Auth     AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	for _, v := range []validation.Validatable{
		&c.App, &c.SQLite, &c.Content, &c.Cache, &c.Remote, &c.Prefetch, &c.Sync, &c.Auth,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// ContentConfig holds the directory downloaded packages are stored in.
type ContentConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the content configuration.
func (c *ContentConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// CacheConfig holds the remote-metadata cache configuration.
// A zero TTL keeps entries fresh until invalidated.
type CacheConfig struct {
	Path string        `yaml:"path"`
	TTL  time.Duration `yaml:"ttl"`
}

// Validate validates the cache configuration.
func (c *CacheConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.TTL, validation.Min(time.Duration(0))),
	)
}

// RemoteConfig describes the authoritative remote service.
type RemoteConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// Validate validates the remote configuration.
func (c *RemoteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.BaseURL, validation.Required, is.URL),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
	)
}

// PrefetchConfig holds prefetch coordinator configuration.
//
// UpdateChecks reports whether the remote can tell that a downloaded
// resource is current. When false, every downloaded resource is shown as
// outdated.
type PrefetchConfig struct {
	Concurrency  int  `yaml:"concurrency"`
	UpdateChecks bool `yaml:"update_checks"`
}

// Validate validates the prefetch configuration.
func (c *PrefetchConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Concurrency, validation.Min(1), validation.Max(64)),
	)
}

// SyncConfig holds sync coordinator configuration.
//
// MinInterval is the shortest time between two automatic syncs of one
// entity. AutoInterval is how often all sites are synced in the background;
// zero disables the background loop.
type SyncConfig struct {
	MinInterval  time.Duration `yaml:"min_interval"`
	AutoInterval time.Duration `yaml:"auto_interval"`
	Concurrency  int           `yaml:"concurrency"`
}

// Validate validates the sync configuration.
func (c *SyncConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MinInterval, validation.Min(time.Duration(0))),
		validation.Field(&c.AutoInterval, validation.Min(time.Duration(0))),
		validation.Field(&c.Concurrency, validation.Min(1), validation.Max(64)),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		SQLite: SQLiteConfig{
			Path: "./offsync.db",
		},
		Content: ContentConfig{
			Path: "./data/content",
		},
		Cache: CacheConfig{
			Path: "./data/meta",
			TTL:  time.Hour,
		},
		Remote: RemoteConfig{
			Timeout: 30 * time.Second,
		},
		Prefetch: PrefetchConfig{
			Concurrency:  4,
			UpdateChecks: true,
		},
		Sync: SyncConfig{
			MinInterval:  5 * time.Minute,
			AutoInterval: 10 * time.Minute,
			Concurrency:  2,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
