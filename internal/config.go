package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Auth modes for the read API.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App      ApplicationConfig `yaml:"app"`
	Telegram TelegramConfig    `yaml:"telegram"`
	AI       AIConfig          `yaml:"ai"`
	Git      GitConfig         `yaml:"git"`
	Vault    VaultConfig       `yaml:"vault"`
	Catalog  CatalogConfig     `yaml:"catalog"`
	Queue    QueueConfig       `yaml:"queue"`
	Auth     AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Telegram.Validate(); err != nil {
		return err
	}
	if err := c.AI.Validate(); err != nil {
		return err
	}
	if err := c.Vault.Validate(); err != nil {
		return err
	}
	if err := c.Catalog.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
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

// TelegramConfig holds the bot credentials and inbound filtering.
type TelegramConfig struct {
	Token          string  `yaml:"token"`
	WebhookSecret  string  `yaml:"webhook_secret"`
	AllowedUserIDs []int64 `yaml:"allowed_user_ids"`
	APIBase        string  `yaml:"api_base"`
	MaxFileSizeMB  int64   `yaml:"max_file_size_mb"`
}

// Validate validates the Telegram configuration.
func (c *TelegramConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Token, validation.Required),
		validation.Field(&c.MaxFileSizeMB, validation.Min(int64(0)), validation.Max(int64(20))),
	)
}

// MaxFileSize returns the download cap in bytes, zero when unset.
func (c *TelegramConfig) MaxFileSize() int64 {
	return c.MaxFileSizeMB << 20
}

// AIConfig holds the chat-completion endpoint used for note metadata.
type AIConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// Validate validates the AI configuration.
func (c *AIConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.BaseURL, validation.Required),
		validation.Field(&c.Model, validation.Required),
	)
}

// GitConfig controls the periodic vault pull.
type GitConfig struct {
	PullIntervalSeconds int `yaml:"pull_interval_seconds"`
	PullInitialSeconds  int `yaml:"pull_initial_seconds"`
}

// PullInterval returns the pull period; zero disables periodic pulling.
func (c *GitConfig) PullInterval() time.Duration {
	return time.Duration(c.PullIntervalSeconds) * time.Second
}

// PullInitialDelay returns the delay before the first pull.
func (c *GitConfig) PullInitialDelay() time.Duration {
	return time.Duration(c.PullInitialSeconds) * time.Second
}

// VaultConfig locates the synced repository clone and its layout.
type VaultConfig struct {
	Path      string `yaml:"path"`
	NotesDir  string `yaml:"notes_dir"`
	AssetsDir string `yaml:"assets_dir"`
}

// Validate validates the vault configuration.
func (c *VaultConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.NotesDir, validation.Required),
		validation.Field(&c.AssetsDir, validation.Required),
	)
}

// CatalogConfig holds the SQLite catalog location.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the catalog configuration.
func (c *CatalogConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// QueueConfig bounds the ingestion buffer.
type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

// AuthConfig protects the read API.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
//
// The Telegram webhook is never covered by this: it carries its own secret
// header.
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

// APIToken returns the Bearer token the read API should enforce, empty when
// auth is disabled.
func (c *AuthConfig) APIToken() string {
	if c.AuthEnabled() {
		return c.Token
	}
	return ""
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
		Telegram: TelegramConfig{
			MaxFileSizeMB: 20,
		},
		AI: AIConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
		},
		Git: GitConfig{
			PullIntervalSeconds: 300,
			PullInitialSeconds:  10,
		},
		Vault: VaultConfig{
			Path:      "./vault",
			NotesDir:  "notes",
			AssetsDir: "assets",
		},
		Catalog: CatalogConfig{
			Path: "./ansuz.db",
		},
		Queue: QueueConfig{
			Capacity: 64,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
