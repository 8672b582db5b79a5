package config

import "time"

// Config is the root configuration for Tidings.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Notifier NotifierConfig `yaml:"notifier"`
	Store    StoreConfig    `yaml:"store"`
	MCP      MCPConfig      `yaml:"mcp"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// NotifierConfig holds the retention limits and ingestion tuning. The
// retention limits are re-read on every write, so they can be changed
// without a restart.
type NotifierConfig struct {
	MaxMessagesPerJob int           `yaml:"max_messages_per_job"`
	MaxJobsPerType    int           `yaml:"max_jobs_per_type"`
	MaxAgeDays        int           `yaml:"max_age_days"`
	GistOverview      bool          `yaml:"gist_overview"`
	CleanAfterIdle    time.Duration `yaml:"clean_after_idle"`
	QueueSize         int           `yaml:"queue_size"`
	EnqueueTimeout    time.Duration `yaml:"enqueue_timeout"`
	AgeSweepInterval  time.Duration `yaml:"age_sweep_interval"`
	Retry             RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	MinDelay time.Duration `yaml:"min_delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

// Store backends.
const (
	BackendLocal  = "local"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

type StoreConfig struct {
	Backend   string       `yaml:"backend"`
	KeyPrefix string       `yaml:"key_prefix"`
	Redis     RedisConfig  `yaml:"redis"`
	SQLite    SQLiteConfig `yaml:"sqlite"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type MCPConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "127.0.0.1",
			Port:     8430,
			LogLevel: "info",
		},
		Notifier: NotifierConfig{
			MaxMessagesPerJob: 100,
			MaxJobsPerType:    50,
			MaxAgeDays:        7,
			GistOverview:      true,
			CleanAfterIdle:    5 * time.Minute,
			QueueSize:         4096,
			EnqueueTimeout:    time.Second,
			AgeSweepInterval:  time.Hour,
			Retry: RetryConfig{
				Attempts: 3,
				MinDelay: 50 * time.Millisecond,
				MaxDelay: 2 * time.Second,
			},
		},
		Store: StoreConfig{
			Backend:   BackendLocal,
			KeyPrefix: "tidings",
			Redis: RedisConfig{
				Addr: "127.0.0.1:6379",
			},
			SQLite: SQLiteConfig{
				Path: "~/.config/tidings/tidings.db",
			},
		},
		MCP: MCPConfig{
			Enabled: true,
		},
	}
}
