package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"goalrank/internal/rank"
)

// Config models goalrank.yml.
type Config struct {
	Database struct {
		Driver string `yaml:"driver" json:"driver"`
		DSN    string `yaml:"dsn" json:"dsn,omitempty"`
	} `yaml:"database" json:"database"`
	Ranking struct {
		SeriesMin float64 `yaml:"series_min" json:"series_min"`
		SeriesMax float64 `yaml:"series_max" json:"series_max"`
		Jitter    float64 `yaml:"jitter" json:"jitter"`
	} `yaml:"ranking" json:"ranking"`
	Lock struct {
		Backend   string        `yaml:"backend" json:"backend"`
		RedisAddr string        `yaml:"redis_addr" json:"redis_addr,omitempty"`
		TTL       time.Duration `yaml:"ttl" json:"ttl"`
	} `yaml:"lock" json:"lock"`
	Server struct {
		Addr     string `yaml:"addr" json:"addr"`
		BasePath string `yaml:"base_path" json:"base_path"`
	} `yaml:"server" json:"server"`
	Log struct {
		Mode string `yaml:"mode" json:"mode"`
	} `yaml:"log" json:"log"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
	case "pgx":
		if c.Database.DSN == "" {
			return fmt.Errorf("config.database.dsn is required for driver pgx")
		}
	default:
		return fmt.Errorf("config.database.driver must be sqlite or pgx")
	}
	if c.Ranking.SeriesMin >= c.Ranking.SeriesMax {
		return fmt.Errorf("config.ranking.series_min must be below series_max")
	}
	if c.Ranking.Jitter <= 0 || c.Ranking.Jitter >= 0.5 {
		return fmt.Errorf("config.ranking.jitter must be in (0, 0.5)")
	}
	switch c.Lock.Backend {
	case "none", "local":
	case "redis":
		if c.Lock.RedisAddr == "" {
			return fmt.Errorf("config.lock.redis_addr is required for backend redis")
		}
	default:
		return fmt.Errorf("config.lock.backend must be none, local or redis")
	}
	if c.Lock.TTL < 0 {
		return fmt.Errorf("config.lock.ttl must not be negative")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	return nil
}

// Series returns the configured rank series domain.
func (c *Config) Series() rank.Series {
	return rank.Series{Min: c.Ranking.SeriesMin, Max: c.Ranking.SeriesMax}
}

// Allocator returns an allocator with the configured jitter.
func (c *Config) Allocator() rank.Allocator {
	return rank.Allocator{Jitter: c.Ranking.Jitter}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "goalrank.yml")
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	cfg.Database.Driver = "sqlite"
	cfg.Ranking.SeriesMin = rank.DefaultSeriesMin
	cfg.Ranking.SeriesMax = rank.DefaultSeriesMax
	cfg.Ranking.Jitter = rank.DefaultJitter
	cfg.Lock.Backend = "local"
	cfg.Lock.TTL = 10 * time.Second
	cfg.Server.Addr = "127.0.0.1:8080"
	cfg.Server.BasePath = "/v0"
	cfg.Log.Mode = "dev"
	return &cfg
}

// LoadOptional returns Default() if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `database:
  driver: sqlite
  # dsn: postgres://localhost/goalrank?sslmode=disable

ranking:
  series_min: 1
  series_max: 1000
  jitter: 0.05

lock:
  backend: local
  # redis_addr: 127.0.0.1:6379
  ttl: 10s

server:
  addr: 127.0.0.1:8080
  base_path: /v0

log:
  mode: dev
`
