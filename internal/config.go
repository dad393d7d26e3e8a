package internal

import (
	"fmt"
	"log/slog"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/recordbook/internal/codec"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App        ApplicationConfig `yaml:"app"`
	Repository RepositoryConfig  `yaml:"repository"`
	SQLite     SQLiteConfig      `yaml:"sqlite"`
	Auth       AuthConfig        `yaml:"auth"`
	Git        GitConfig         `yaml:"git"`
	Machines   MachinesConfig    `yaml:"machines"`
	Format     codec.Config      `yaml:"format"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	for _, v := range []validation.Validatable{&c.App, &c.Repository, &c.SQLite, &c.Auth, &c.Git, &c.Machines, &c.Format} {
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

// RepositoryConfig holds the path to the document repository. With git
// enabled it is also the working tree commits are made in.
type RepositoryConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the repository configuration.
func (c *RepositoryConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
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

// GitConfig controls version control of executed proposals. When disabled,
// changes are written but never committed.
type GitConfig struct {
	Enabled     bool   `yaml:"enabled"`
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
}

// Validate validates the git configuration.
func (c *GitConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.AuthorName, validation.When(c.Enabled, validation.Required)),
		validation.Field(&c.AuthorEmail, validation.When(c.Enabled, validation.Required)),
	)
}

// MachinesConfig points at the directory of state machine definitions.
type MachinesConfig struct {
	Dir string `yaml:"dir"`
}

// Validate validates the machines configuration.
func (c *MachinesConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Dir, validation.Required),
	)
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
		Repository: RepositoryConfig{
			Path: "./records",
		},
		SQLite: SQLiteConfig{
			Path: "./recordbook.db",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Git: GitConfig{
			Enabled:     true,
			AuthorName:  "recordbook",
			AuthorEmail: "recordbook@localhost",
		},
		Machines: MachinesConfig{
			Dir: "./machines",
		},
		Format: codec.Default(),
	}
}
