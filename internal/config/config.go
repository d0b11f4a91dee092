package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// API configuration
	API APIConfig `mapstructure:"api" json:"api"`

	// Authentication configuration
	Auth AuthConfig `mapstructure:"auth" json:"auth"`

	// Local storage paths
	Storage StorageConfig `mapstructure:"storage" json:"storage"`

	// Sync behavior
	Sync SyncConfig `mapstructure:"sync" json:"sync"`

	// Logging
	Log LogConfig `mapstructure:"log" json:"log"`
}

// APIConfig for communication with the remote authority.
type APIConfig struct {
	BaseURL        string        `mapstructure:"base_url" json:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" json:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent" json:"user_agent"`

	// PresenceURL is the websocket endpoint used by the connectivity
	// watcher. Empty disables the watcher.
	PresenceURL string `mapstructure:"presence_url" json:"presence_url"`
}

// AuthConfig for credential handling.
type AuthConfig struct {
	// Email used by non-interactive logins.
	Email string `mapstructure:"email" json:"email,omitempty"`

	// RefreshWindow triggers a proactive refresh when the access token
	// expires within it.
	RefreshWindow time.Duration `mapstructure:"refresh_window" json:"refresh_window"`
}

// StorageConfig for the durable local store.
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir" json:"data_dir"`
	DBFile  string `mapstructure:"db_file" json:"db_file"`
}

// SyncConfig for queue processing behavior.
type SyncConfig struct {
	// MaxRetries before a pending item is archived as failed.
	MaxRetries int `mapstructure:"max_retries" json:"max_retries"`

	// CallTimeout bounds each remote call made by the processor.
	CallTimeout time.Duration `mapstructure:"call_timeout" json:"call_timeout"`

	// PollInterval between pending-count refreshes.
	PollInterval time.Duration `mapstructure:"poll_interval" json:"poll_interval"`
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level      string `mapstructure:"level" json:"level"`             // debug, info, warn, error
	Format     string `mapstructure:"format" json:"format"`           // text, json
	File       string `mapstructure:"file" json:"file"`               // empty = stdout
	MaxSize    int    `mapstructure:"max_size" json:"max_size"`       // MB per log file
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups"` // rotated files kept
	MaxAge     int    `mapstructure:"max_age" json:"max_age"`         // days
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".fieldsync"

	return &Config{
		API: APIConfig{
			BaseURL:        "https://api.fieldsales.example.com",
			RequestTimeout: 30 * time.Second,
			UserAgent:      "fieldsync-go",
		},
		Auth: AuthConfig{
			RefreshWindow: 5 * time.Minute,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
			DBFile:  filepath.Join(dataDir, "fieldsync.db"),
		},
		Sync: SyncConfig{
			MaxRetries:   5,
			CallTimeout:  20 * time.Second,
			PollInterval: 10 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			File:       "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}

	if c.API.RequestTimeout <= 0 {
		return errors.New("api.request_timeout must be positive")
	}

	if c.Storage.DBFile == "" {
		return errors.New("storage.db_file is required")
	}

	if c.Sync.MaxRetries <= 0 {
		return errors.New("sync.max_retries must be positive")
	}

	if c.Sync.CallTimeout <= 0 {
		return errors.New("sync.call_timeout must be positive")
	}

	if c.Sync.PollInterval <= 0 {
		return errors.New("sync.poll_interval must be positive")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		filepath.Dir(c.Storage.DBFile),
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
