package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Cache backend names accepted in AXM_CACHE_BACKEND.
const (
	CacheBackendFile = "file"
	CacheBackendBolt = "bolt"
)

// Config holds all environment-based configuration for axmctl.
type Config struct {
	// Apple Business/School Manager API credentials. All required.
	ClientID       string `env:"AXM_CLIENT_ID"`
	KeyID          string `env:"AXM_KEY_ID"`
	PrivateKeyPath string `env:"AXM_PRIVATE_KEY_PATH"`
	Scope          string `env:"AXM_SCOPE"`

	// Passphrase the token-cache encryption key is derived from. Required.
	CacheKey string `env:"AXM_CACHE_KEY"`

	// Where the encrypted token cache lives. Defaults to
	// ~/.axmctl/token.cache (file backend) or ~/.axmctl/cache.db (bolt).
	CachePath string `env:"AXM_CACHE_PATH"`

	// Cache backend: "file" or "bolt".
	CacheBackend string `env:"AXM_CACHE_BACKEND" envDefault:"file"`

	// Cumulative seconds a single API call may spend sleeping on 429
	// responses before giving up. 0 disables the cap, matching the
	// behavior of waiting as long as the server keeps asking.
	MaxRetryWaitSeconds int `env:"AXM_MAX_RETRY_WAIT" envDefault:"900"`

	// Seconds to wait between submitting a bulk device activity and
	// polling its status once.
	ActivityWaitSeconds int `env:"AXM_ACTIVITY_WAIT" envDefault:"30"`

	// Directory downloaded activity artifacts are written to.
	// Defaults to the current working directory.
	DownloadDir string `env:"AXM_DOWNLOAD_DIR" envDefault:"."`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
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

	if cfg.CachePath == "" {
		path, err := DefaultCachePath(cfg.CacheBackend)
		if err != nil {
			return nil, err
		}

		cfg.CachePath = path
	}

	return cfg, nil
}

func (c *Config) validate() error {
	required := []struct {
		name, value string
	}{
		{"AXM_CLIENT_ID", c.ClientID},
		{"AXM_KEY_ID", c.KeyID},
		{"AXM_PRIVATE_KEY_PATH", c.PrivateKeyPath},
		{"AXM_SCOPE", c.Scope},
		{"AXM_CACHE_KEY", c.CacheKey},
	}

	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}

	if c.CacheBackend != CacheBackendFile && c.CacheBackend != CacheBackendBolt {
		return fmt.Errorf("AXM_CACHE_BACKEND must be %q or %q, got %q",
			CacheBackendFile, CacheBackendBolt, c.CacheBackend)
	}

	if c.MaxRetryWaitSeconds < 0 {
		return fmt.Errorf("AXM_MAX_RETRY_WAIT must not be negative")
	}

	if c.ActivityWaitSeconds < 0 {
		return fmt.Errorf("AXM_ACTIVITY_WAIT must not be negative")
	}

	return nil
}

// DefaultCachePath returns the default token-cache location for a backend:
// ~/.axmctl/token.cache for the file backend, ~/.axmctl/cache.db for bolt.
func DefaultCachePath(backend string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	name := "token.cache"
	if backend == CacheBackendBolt {
		name = "cache.db"
	}

	return filepath.Join(home, ".axmctl", name), nil
}

// MaxRetryWait returns the 429 wait budget as a duration. Zero means no cap.
func (c *Config) MaxRetryWait() time.Duration {
	return time.Duration(c.MaxRetryWaitSeconds) * time.Second
}

// ActivityWait returns the post-submission wait as a duration.
func (c *Config) ActivityWait() time.Duration {
	return time.Duration(c.ActivityWaitSeconds) * time.Second
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
