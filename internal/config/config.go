// Package config loads vaultd settings from defaults, an optional JSON
// config file, and VAULTD_* environment variables, in that order.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Embedding EmbeddingConfig
	Queue     QueueConfig
	Search    SearchConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	MCPPort  int
	APIToken string // empty disables bearer auth (local development)
}

type StorageConfig struct {
	DataDir string
}

type EmbeddingConfig struct {
	BaseURL   string
	Model     string
	Dimension int
}

type QueueConfig struct {
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxRetries  int
}

type SearchConfig struct {
	DefaultLimit     int
	DefaultThreshold float64
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4600,
			MCPPort: 4601,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Embedding: EmbeddingConfig{
			BaseURL:   "http://localhost:11434",
			Model:     "nomic-embed-text",
			Dimension: 768,
		},
		Queue: QueueConfig{
			BaseBackoff: 2 * time.Second,
			MaxBackoff:  30 * time.Second,
			MaxRetries:  3,
		},
		Search: SearchConfig{
			DefaultLimit:     10,
			DefaultThreshold: 0.3,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "vaultd-data"
		}
	}
	return filepath.Join(dir, "vaultd")
}

// Load reads configuration from the JSON config file (if present) and
// applies VAULTD_* environment overrides on top of the defaults.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()
	applyBackend(&cfg, b)
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyBackend(cfg *Config, b Backend) {
	if v, ok := b.Int("server.port"); ok {
		cfg.Server.Port = v
	}
	if v, ok := b.Int("server.mcp_port"); ok {
		cfg.Server.MCPPort = v
	}
	if v, ok := b.String("server.api_token"); ok {
		cfg.Server.APIToken = v
	}
	if v, ok := b.String("storage.data_dir"); ok {
		cfg.Storage.DataDir = v
	}
	if v, ok := b.String("embedding.base_url"); ok {
		cfg.Embedding.BaseURL = v
	}
	if v, ok := b.String("embedding.model"); ok {
		cfg.Embedding.Model = v
	}
	if v, ok := b.Int("embedding.dimension"); ok {
		cfg.Embedding.Dimension = v
	}
	if v, ok := b.Int("queue.base_backoff_ms"); ok {
		cfg.Queue.BaseBackoff = time.Duration(v) * time.Millisecond
	}
	if v, ok := b.Int("queue.max_backoff_ms"); ok {
		cfg.Queue.MaxBackoff = time.Duration(v) * time.Millisecond
	}
	if v, ok := b.Int("queue.max_retries"); ok {
		cfg.Queue.MaxRetries = v
	}
	if v, ok := b.Int("search.default_limit"); ok {
		cfg.Search.DefaultLimit = v
	}
	if v, ok := b.Float("search.default_threshold"); ok {
		cfg.Search.DefaultThreshold = v
	}
	if v, ok := b.String("log.level"); ok {
		cfg.Log.Level = v
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VAULTD_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("VAULTD_MCP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.MCPPort = n
		}
	}
	if v := os.Getenv("VAULTD_API_TOKEN"); v != "" {
		cfg.Server.APIToken = v
	}
	if v := os.Getenv("VAULTD_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("VAULTD_EMBED_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("VAULTD_EMBED_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("VAULTD_EMBED_DIMENSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Embedding.Dimension = n
		}
	}
	if v := os.Getenv("VAULTD_QUEUE_BASE_BACKOFF_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Queue.BaseBackoff = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("VAULTD_QUEUE_MAX_BACKOFF_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Queue.MaxBackoff = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("VAULTD_QUEUE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Queue.MaxRetries = n
		}
	}
	if v := os.Getenv("VAULTD_SEARCH_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Search.DefaultLimit = n
		}
	}
	if v := os.Getenv("VAULTD_SEARCH_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Search.DefaultThreshold = f
		}
	}
	if v := os.Getenv("VAULTD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
