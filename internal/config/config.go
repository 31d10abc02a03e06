// Package config contains everything related to configuration
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends accepted by STORE_BACKEND.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config holds the application configuration.
type Config struct {
	AccountsPath         string
	DatabasePath         string
	SecretKeyPath        string
	StoreBackend         string
	BaseURL              string
	LogLevel             string
	LogFile              string
	HTTPTimeout          time.Duration
	WakeCheckInterval    time.Duration
	NotificationsEnabled bool
	ResumeAfterReauth    bool
	HistoryEnabled       bool
}

// Default values
const (
	defaultBaseURL           = "https://claude.ai"
	defaultHTTPTimeout       = 30 * time.Second
	defaultWakeCheckInterval = 30 * time.Second
	appDirName               = "claude-usage-agent"
)

// Load reads configuration from .env files and environment variables.
func Load() (*Config, error) {
	// Try loading .env from multiple locations
	for _, path := range getEnvPaths() {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			break
		}
	}

	dir := getDefaultDataDir()

	cfg := &Config{
		AccountsPath:         getEnvString("ACCOUNTS_PATH", filepath.Join(dir, "accounts.json")),
		DatabasePath:         getEnvString("DATABASE_PATH", filepath.Join(dir, "usage.db")),
		SecretKeyPath:        getEnvString("SECRET_KEY_PATH", filepath.Join(dir, "store.key")),
		StoreBackend:         strings.ToLower(getEnvString("STORE_BACKEND", BackendFile)),
		BaseURL:              strings.TrimRight(getEnvString("CLAUDE_BASE_URL", defaultBaseURL), "/"),
		LogLevel:             getEnvString("LOG_LEVEL", "info"),
		LogFile:              getEnvString("LOG_FILE", ""),
		HTTPTimeout:          getEnvDuration("HTTP_TIMEOUT", defaultHTTPTimeout),
		WakeCheckInterval:    getEnvDuration("WAKE_CHECK_INTERVAL", defaultWakeCheckInterval),
		NotificationsEnabled: getEnvBool("NOTIFICATIONS_ENABLED", true),
		ResumeAfterReauth:    getEnvBool("RESUME_AFTER_REAUTH", true),
		HistoryEnabled:       getEnvBool("HISTORY_ENABLED", true),
	}

	if cfg.StoreBackend != BackendFile && cfg.StoreBackend != BackendSQLite {
		return nil, fmt.Errorf("unsupported STORE_BACKEND %q (want %q or %q)",
			cfg.StoreBackend, BackendFile, BackendSQLite)
	}

	for _, path := range []string{cfg.AccountsPath, cfg.DatabasePath, cfg.SecretKeyPath} {
		if err := ensureDir(filepath.Dir(path)); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
	}

	return cfg, nil
}

// getEnvPaths returns a list of paths to check for .env files.
func getEnvPaths() []string {
	var paths []string

	// Current directory
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".env"))
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", appDirName, ".env"))
	}

	return paths
}

// getDefaultDataDir returns the directory holding accounts, keys and history.
func getDefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", appDirName)
}

// getEnvString retrieves a string environment variable or returns the default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable or returns the default.
// Accepts values like "30s", "1m", "500ms".
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		// Try parsing as seconds if no unit specified
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns the default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// ensureDir creates a directory and all parent directories if they don't exist.
func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	return os.MkdirAll(path, 0o700)
}
