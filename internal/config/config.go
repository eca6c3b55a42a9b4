package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all environment-based configuration for huddle.
type Config struct {
	// Sync server websocket endpoint, e.g. wss://sync.example.com/ws.
	ServerURL string `env:"HUDDLE_SERVER_URL"`

	// Bearer token for the account connection.
	Token string `env:"HUDDLE_TOKEN"`

	// Account identity. Stream ids are derived from it, so changing
	// the user id resets every cursor.
	UserID string `env:"HUDDLE_USER_ID"`

	// Workspace this process replicates.
	WorkspaceID string `env:"HUDDLE_WORKSPACE"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Directory holding the local replica database. Defaults to
	// ~/.huddle/.
	DataDir string `env:"HUDDLE_DATA_DIR"`

	// Path to the YAML file listing the streams to subscribe to.
	// Defaults to <DataDir>/subscriptions.yaml.
	SubscriptionsPath string `env:"HUDDLE_SUBSCRIPTIONS"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Subscription names one stream to replicate: a kind of entity under a
// root container.
type Subscription struct {
	Kind string `yaml:"kind"`
	Root string `yaml:"root"`
}

// Input is the stable stream input string. Combined with the user id
// it derives the stream identifier, so its format must never change.
func (s Subscription) Input() string {
	return s.Kind + ":" + s.Root
}

type subscriptionsFile struct {
	Subscriptions []Subscription `yaml:"subscriptions"`
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

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "huddle"
		}

		cfg.DeviceName = hostname
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}

		cfg.DataDir = filepath.Join(home, ".huddle")
	}

	absDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir to absolute path: %w", err)
	}
	cfg.DataDir = absDir

	if cfg.SubscriptionsPath == "" {
		cfg.SubscriptionsPath = filepath.Join(cfg.DataDir, "subscriptions.yaml")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("HUDDLE_SERVER_URL is required")
	}

	if c.Token == "" {
		return fmt.Errorf("HUDDLE_TOKEN is required")
	}

	if c.UserID == "" {
		return fmt.Errorf("HUDDLE_USER_ID is required")
	}

	if c.WorkspaceID == "" {
		return fmt.Errorf("HUDDLE_WORKSPACE is required")
	}

	return nil
}

// DatabasePath is the location of the local replica database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "huddle.db")
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// LoadSubscriptions reads the subscription list. A missing file is not
// an error: the process starts with no streams and only pushes local
// edits.
func (c *Config) LoadSubscriptions() ([]Subscription, error) {
	data, err := os.ReadFile(c.SubscriptionsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading subscriptions file: %w", err)
	}

	var f subscriptionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing subscriptions file: %w", err)
	}

	for i, sub := range f.Subscriptions {
		if sub.Kind == "" || sub.Root == "" {
			return nil, fmt.Errorf("subscription %d: kind and root are required", i+1)
		}
	}

	return f.Subscriptions, nil
}
