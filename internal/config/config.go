package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for crewsync.
type Config struct {
	// Remote structured store (document API) base URL.
	RemoteURL string `env:"CREWSYNC_REMOTE_URL"`

	// Remote realtime store websocket URL.
	RealtimeURL string `env:"CREWSYNC_REALTIME_URL"`

	// Session principal identifying this participant. Supplied by the
	// authentication collaborator; crewsync never mints its own.
	Principal string `env:"CREWSYNC_PRINCIPAL"`

	// DisplayName shown in typing indicators. Defaults to Principal.
	DisplayName string `env:"CREWSYNC_DISPLAY_NAME"`

	// Path to the local record database. Defaults to
	// ~/.crewsync/records.db.
	StorePath string `env:"CREWSYNC_STORE_PATH"`

	// DeviceName this client identifies as. Defaults to system hostname.
	DeviceName string `env:"CREWSYNC_DEVICE_NAME"`

	// FullResync forces the first sync cycle to drop the pull cursor.
	FullResync bool `env:"CREWSYNC_FULL_RESYNC" envDefault:"false"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Reference backend settings (crewsyncd only).
	ListenAddr  string `env:"CREWSYNCD_LISTEN_ADDR" envDefault:":8080"`
	PostgresDSN string `env:"CREWSYNCD_POSTGRES_DSN"`
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
			hostname = "crewsync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.DisplayName == "" {
		cfg.DisplayName = cfg.Principal
	}

	if cfg.StorePath == "" {
		path, err := DefaultStorePath()
		if err != nil {
			return nil, err
		}

		cfg.StorePath = path
	}

	// Resolve to an absolute path at startup so the daemon is immune to
	// later working-directory changes.
	absPath, err := filepath.Abs(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("resolving store path: %w", err)
	}

	cfg.StorePath = absPath

	return cfg, nil
}

// ValidateClient checks the fields the sync daemon requires.
// The reference backend (crewsyncd) does not call this.
func (c *Config) ValidateClient() error {
	if c.RemoteURL == "" {
		return fmt.Errorf("CREWSYNC_REMOTE_URL is required")
	}

	if c.RealtimeURL == "" {
		return fmt.Errorf("CREWSYNC_REALTIME_URL is required")
	}

	if c.Principal == "" {
		return fmt.Errorf("CREWSYNC_PRINCIPAL is required")
	}

	return nil
}

// DefaultStorePath returns ~/.crewsync/records.db.
func DefaultStorePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".crewsync", "records.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
