package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for chat-sync.
type Config struct {
	// REST and websocket base URLs of the chat service.
	APIURL string `env:"CHAT_API_URL" envDefault:"http://localhost:8000/api/v1"`
	WSURL  string `env:"CHAT_WS_URL" envDefault:"ws://localhost:8000/ws"`

	// Account credentials. Required unless CHAT_TOKEN_FILE supplies a token.
	Email    string `env:"CHAT_EMAIL"`
	Password string `env:"CHAT_PASSWORD"`

	// Display name, only used by the register subcommand.
	Name string `env:"CHAT_NAME"`

	// File holding a bearer token maintained by something else. Watched
	// for changes so a refreshed token is used on the next reconnect.
	TokenFile string `env:"CHAT_TOKEN_FILE"`

	// Location of the credential cache. Defaults to ~/.chat-sync/state.db.
	StatePath string `env:"CHAT_STATE_PATH"`

	// Conversation to open on startup.
	Conversation string `env:"CHAT_CONVERSATION"`

	HistoryPageSize      int           `env:"CHAT_HISTORY_PAGE_SIZE" envDefault:"100"`
	ReconnectInterval    time.Duration `env:"CHAT_RECONNECT_INTERVAL" envDefault:"3s"`
	MaxReconnectAttempts int           `env:"CHAT_MAX_RECONNECT_ATTEMPTS" envDefault:"5"`
	DedupCapacity        int           `env:"CHAT_DEDUP_CAPACITY" envDefault:"100"`

	DesktopNotifications bool `env:"CHAT_DESKTOP_NOTIFICATIONS" envDefault:"false"`

	// Prometheus endpoint. Disabled when empty.
	MetricsListenAddr string `env:"METRICS_LISTEN_ADDR"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.TokenFile != "" {
		abs, err := filepath.Abs(cfg.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("resolving token file to absolute path: %w", err)
		}

		cfg.TokenFile = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if err := checkURL("CHAT_API_URL", c.APIURL, "http", "https"); err != nil {
		return err
	}

	if err := checkURL("CHAT_WS_URL", c.WSURL, "ws", "wss"); err != nil {
		return err
	}

	if c.TokenFile == "" {
		if c.Email == "" {
			return errors.New("CHAT_EMAIL is required when CHAT_TOKEN_FILE is not set")
		}

		if c.Password == "" {
			return errors.New("CHAT_PASSWORD is required when CHAT_TOKEN_FILE is not set")
		}
	}

	if c.HistoryPageSize <= 0 {
		return fmt.Errorf("CHAT_HISTORY_PAGE_SIZE must be positive, got %d", c.HistoryPageSize)
	}

	if c.ReconnectInterval <= 0 {
		return fmt.Errorf("CHAT_RECONNECT_INTERVAL must be positive, got %s", c.ReconnectInterval)
	}

	if c.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("CHAT_MAX_RECONNECT_ATTEMPTS must be positive, got %d", c.MaxReconnectAttempts)
	}

	if c.DedupCapacity <= 0 {
		return fmt.Errorf("CHAT_DEDUP_CAPACITY must be positive, got %d", c.DedupCapacity)
	}

	return nil
}

func checkURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}

	if u.Host == "" {
		return fmt.Errorf("%s must include a host", name)
	}

	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}

	return fmt.Errorf("%s scheme must be one of %v, got %q", name, schemes, u.Scheme)
}

// CanLogin reports whether email and password are both configured.
func (c *Config) CanLogin() bool {
	return c.Email != "" && c.Password != ""
}

// ValidateRegister checks the fields the register subcommand needs.
func (c *Config) ValidateRegister() error {
	if !c.CanLogin() {
		return errors.New("CHAT_EMAIL and CHAT_PASSWORD are required to register")
	}

	if c.Name == "" {
		return errors.New("CHAT_NAME is required to register")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
