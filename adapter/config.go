package marketplace

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	StorageFile   = "file"
	StorageSQLite = "sqlite"
	StorageMemory = "memory"
)

// Config is the client configuration: defaults, then the TOML file, then
// environment overrides.
type Config struct {
	APIBaseURL   string          `toml:"api_base_url"`
	AuthBaseURL  string          `toml:"auth_base_url"`
	WebSocketURL string          `toml:"websocket_url"`
	HTTPTimeout  Duration        `toml:"http_timeout"`
	LogLevel     string          `toml:"log_level"`
	TokenStorage StorageConfig   `toml:"token_storage"`
	Reconnect    ReconnectConfig `toml:"reconnect"`
}

type StorageConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
}

type ReconnectConfig struct {
	BaseDelay Duration `toml:"base_delay"`
	MaxDelay  Duration `toml:"max_delay"`
}

// Duration reads "1s"-style strings from TOML
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// DefaultConfig targets a local development backend
func DefaultConfig() Config {
	return Config{
		APIBaseURL:   "http://localhost:8000/api/v1",
		AuthBaseURL:  "http://localhost:8000/api/auth",
		WebSocketURL: "ws://localhost:8000",
		HTTPTimeout:  Duration{30 * time.Second},
		LogLevel:     "info",
		TokenStorage: StorageConfig{Driver: StorageFile, Path: "data"},
		Reconnect: ReconnectConfig{
			BaseDelay: Duration{1 * time.Second},
			MaxDelay:  Duration{30 * time.Second},
		},
	}
}

// LoadConfig reads path (if non-empty and present) and applies env overrides
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("cannot parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// defaults only
		default:
			return Config{}, fmt.Errorf("cannot read config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SaveConfig writes cfg as TOML with owner-only permissions
func SaveConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MARKETPLACE_API_URL"); v != "" {
		c.APIBaseURL = v
	}
	if v := os.Getenv("MARKETPLACE_AUTH_URL"); v != "" {
		c.AuthBaseURL = v
	}
	if v := os.Getenv("MARKETPLACE_WS_URL"); v != "" {
		c.WebSocketURL = v
	}
	if v := os.Getenv("TOKEN_STORAGE_DRIVER"); v != "" {
		c.TokenStorage.Driver = v
	}
	if v := os.Getenv("TOKEN_STORAGE_PATH"); v != "" {
		c.TokenStorage.Path = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks required fields
func (c Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("api_base_url is required")
	}
	if c.AuthBaseURL == "" {
		return fmt.Errorf("auth_base_url is required")
	}
	if c.WebSocketURL == "" {
		return fmt.Errorf("websocket_url is required")
	}
	switch c.TokenStorage.Driver {
	case StorageFile, StorageSQLite, StorageMemory:
	default:
		return fmt.Errorf("invalid token_storage.driver: %s (must be 'file', 'sqlite' or 'memory')", c.TokenStorage.Driver)
	}
	if c.Reconnect.BaseDelay.Duration <= 0 || c.Reconnect.MaxDelay.Duration < c.Reconnect.BaseDelay.Duration {
		return fmt.Errorf("reconnect delays must satisfy 0 < base_delay <= max_delay")
	}
	return nil
}

// OpenTokenStorage builds the configured storage backend
func OpenTokenStorage(cfg StorageConfig) (TokenStorage, error) {
	switch cfg.Driver {
	case StorageMemory:
		return NewMemoryTokenStorage(), nil
	case StorageSQLite:
		path := cfg.Path
		if path == "" {
			path = "data"
		}
		if err := os.MkdirAll(path, 0700); err != nil {
			return nil, fmt.Errorf("failed to create token directory: %w", err)
		}
		return NewSQLiteTokenStorage(filepath.Join(path, "session.db"))
	default:
		return NewFileTokenStorage(cfg.Path)
	}
}
