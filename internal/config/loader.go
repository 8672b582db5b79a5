package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/btouchard/tidings/internal/store"
)

// searchPaths returns the ordered list of config file locations to try.
func searchPaths() []string {
	paths := []string{
		"/etc/tidings/tidings.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "tidings", "tidings.yaml"))
	}

	paths = append(paths, "tidings.yaml")

	if envPath := os.Getenv("TIDINGS_CONFIG"); envPath != "" {
		paths = append(paths, envPath)
	}

	return paths
}

// activePath returns the highest-priority config file that exists, or "".
func activePath() string {
	paths := searchPaths()
	for i := len(paths) - 1; i >= 0; i-- {
		if _, err := os.Stat(paths[i]); err == nil {
			return paths[i]
		}
	}
	return ""
}

// Load reads configuration from YAML files and environment variables.
// Files are loaded in order (each overrides the previous):
// /etc/tidings/tidings.yaml < ~/.config/tidings/tidings.yaml < ./tidings.yaml < $TIDINGS_CONFIG
func Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range searchPaths() {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	cfg := Defaults()

	if err := loadFile(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables have higher priority than YAML config values.
func applyEnvOverrides(cfg *Config) {
	if password := os.Getenv("TIDINGS_REDIS_PASSWORD"); password != "" {
		cfg.Store.Redis.Password = password
	}
	if backend := os.Getenv("TIDINGS_STORE_BACKEND"); backend != "" {
		cfg.Store.Backend = backend
	}
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted config search paths
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	slog.Debug("loading config file", "path", path)

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	if cfg.Server.Host == "0.0.0.0" {
		return fmt.Errorf("server.host must not be 0.0.0.0, Tidings listens on localhost only (put a reverse proxy in front for external access)")
	}

	n := cfg.Notifier
	if n.MaxMessagesPerJob < 0 || n.MaxJobsPerType < 0 || n.MaxAgeDays < 0 {
		return fmt.Errorf("notifier limits must not be negative (0 disables a limit)")
	}
	if n.CleanAfterIdle < 0 {
		return fmt.Errorf("notifier.clean_after_idle must not be negative")
	}
	if n.AgeSweepInterval < 0 {
		return fmt.Errorf("notifier.age_sweep_interval must not be negative")
	}
	if n.QueueSize < 1 {
		return fmt.Errorf("notifier.queue_size must be at least 1")
	}
	if n.Retry.Attempts < 1 {
		return fmt.Errorf("notifier.retry.attempts must be at least 1")
	}
	if n.Retry.MinDelay > n.Retry.MaxDelay {
		return fmt.Errorf("notifier.retry.min_delay (%s) exceeds max_delay (%s)", n.Retry.MinDelay, n.Retry.MaxDelay)
	}

	switch cfg.Store.Backend {
	case BackendLocal:
	case BackendRedis:
		if cfg.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis backend")
		}
	case BackendSQLite:
		if cfg.Store.SQLite.Path == "" {
			return fmt.Errorf("store.sqlite.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("store.backend must be one of %s, %s, %s, got %q",
			BackendLocal, BackendRedis, BackendSQLite, cfg.Store.Backend)
	}
	if cfg.Store.Backend != BackendLocal {
		if err := store.CheckKeyPrefix(cfg.Store.KeyPrefix); err != nil {
			return fmt.Errorf("store.key_prefix: %w", err)
		}
	}

	cfg.Store.SQLite.Path = ExpandHome(cfg.Store.SQLite.Path)

	return nil
}
