// Package config loads configuration and sets up logging.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration values.
type Config struct {
	// Backend endpoints
	APIURL string `yaml:"api_url"`
	WSURL  string `yaml:"ws_url"`

	// Project identity
	APIKey    string `yaml:"api_key"`
	ProjectID int64  `yaml:"project_id"`

	// Session persistence
	SessionFile string `yaml:"session_file"`

	// Request timeout for ticket-create and message-send calls. Bounds how
	// long an optimistic entry can stay pending before the caller surfaces
	// a retry affordance.
	SendTimeout time.Duration `yaml:"send_timeout"`

	// Logging
	LogFile  string     `yaml:"log_file"`
	LogLevel slog.Level `yaml:"-"`
}

// Load reads configuration from an optional YAML file at
// ~/.config/nova/config.yaml, then overlays environment variables.
// Environment always wins over the file.
func Load() Config {
	cfg := Config{
		APIURL:      "http://localhost:8080",
		WSURL:       "ws://localhost:8080/ws",
		ProjectID:   1,
		SessionFile: defaultSessionFile(),
		SendTimeout: 15 * time.Second,
		LogFile:     "/tmp/nova-support.log",
		LogLevel:    slog.LevelInfo,
	}

	if path, err := configFilePath(); err == nil {
		_ = loadFile(path, &cfg)
	}

	cfg.APIURL = getEnv("NOVA_API_URL", cfg.APIURL)
	cfg.WSURL = getEnv("NOVA_WS_URL", cfg.WSURL)
	cfg.APIKey = getEnv("NOVA_API_KEY", cfg.APIKey)
	cfg.SessionFile = getEnv("NOVA_SESSION_FILE", cfg.SessionFile)
	cfg.LogFile = getEnv("NOVA_LOG_FILE", cfg.LogFile)
	cfg.LogLevel = parseLogLevel(getEnv("NOVA_LOG_LEVEL", "INFO"))

	if v := os.Getenv("NOVA_PROJECT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.ProjectID = id
		}
	}
	if v := os.Getenv("NOVA_SEND_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SendTimeout = d
		}
	}

	return cfg
}

// loadFile merges a YAML config file into cfg. A missing file is not an error.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func configFilePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "nova", "config.yaml"), nil
}

func defaultSessionFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "nova-session")
	}
	return filepath.Join(dir, "nova", "session")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
