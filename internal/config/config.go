package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config models laudos.yml. Environment variables prefixed LAUDOS_ override
// the file; CLI flags override both.
type Config struct {
	Database struct {
		Driver    string `yaml:"driver" env:"DRIVER"`
		DSN       string `yaml:"dsn" env:"DSN"`
		Workspace string `yaml:"workspace" env:"WORKSPACE"`
	} `yaml:"database" envPrefix:"DB_"`
	Server struct {
		Addr     string `yaml:"addr" env:"ADDR"`
		BasePath string `yaml:"base_path" env:"BASE_PATH"`
	} `yaml:"server" envPrefix:"SERVER_"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	} `yaml:"auth" envPrefix:"AUTH_"`
	Queue   QueueConfig `yaml:"queue" envPrefix:"QUEUE_"`
	Storage struct {
		Root string `yaml:"root" env:"ROOT"`
	} `yaml:"storage" envPrefix:"STORAGE_"`
	Delivery struct {
		URL      string        `yaml:"url" env:"URL"`
		Secret   string        `yaml:"secret" env:"SECRET"`
		Interval time.Duration `yaml:"interval" env:"INTERVAL"`
		Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
	} `yaml:"delivery" envPrefix:"DELIVERY_"`
	Batches struct {
		AutoComplete bool `yaml:"auto_complete" env:"AUTO_COMPLETE"`
	} `yaml:"batches" envPrefix:"BATCHES_"`
	Log struct {
		Level  string `yaml:"level" env:"LEVEL"`
		Format string `yaml:"format" env:"FORMAT"`
	} `yaml:"log" envPrefix:"LOG_"`
	Access struct {
		Grants map[string][]string `yaml:"grants" env:"-"`
	} `yaml:"access"`
}

// QueueConfig tunes the emission worker pool and the stale-claim reaper.
type QueueConfig struct {
	Workers      int           `yaml:"workers" env:"WORKERS"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	StaleAfter   time.Duration `yaml:"stale_after" env:"STALE_AFTER"`
	ReapInterval time.Duration `yaml:"reap_interval" env:"REAP_INTERVAL"`
	// MaxAttempts caps claims per entry across reprocessing. 0 means unlimited.
	MaxAttempts     int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	LastErrorMaxLen int `yaml:"last_error_max_len" env:"LAST_ERROR_MAX_LEN"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if strings.EqualFold(c.Database.Driver, "postgres") && c.Database.DSN == "" {
		return fmt.Errorf("config.database.dsn is required for postgres")
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("config.queue.workers must be at least 1")
	}
	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("config.queue.poll_interval must be positive")
	}
	if c.Queue.StaleAfter <= 0 {
		return fmt.Errorf("config.queue.stale_after must be positive")
	}
	if c.Queue.ReapInterval <= 0 {
		return fmt.Errorf("config.queue.reap_interval must be positive")
	}
	if c.Queue.MaxAttempts < 0 {
		return fmt.Errorf("config.queue.max_attempts must not be negative")
	}
	if c.Storage.Root == "" {
		return fmt.Errorf("config.storage.root is required")
	}
	if c.Delivery.URL != "" && c.Delivery.Interval <= 0 {
		return fmt.Errorf("config.delivery.interval must be positive when delivery.url is set")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	for role, ops := range c.Access.Grants {
		if role == "" {
			return fmt.Errorf("config.access.grants contains empty role")
		}
		for _, op := range ops {
			if op == "" {
				return fmt.Errorf("role %s has empty operation grant", role)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "laudos.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses config from raw YAML bytes layered over Default.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	return cfg, nil
}

// Load reads path (or the workspace default when path is empty), then applies
// .env files and LAUDOS_* environment variables, and validates the result.
// A missing default file is not an error; a missing explicit path is.
func Load(path, workspace string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = Path(workspace)
	}
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if cfg, err = FromYAML(data); err != nil {
			return nil, err
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := LoadEnvFiles(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if cfg.Database.Workspace == "" {
		cfg.Database.Workspace = workspace
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFiles loads the files that exist into the process environment
// without overriding variables already set.
func LoadEnvFiles(files ...string) error {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

// ApplyEnv overrides cfg with LAUDOS_* environment variables.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "LAUDOS_"}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

const defaultTemplate = `database:
  driver: sqlite
  dsn: ""

server:
  addr: 127.0.0.1:8080
  base_path: /v1

auth:
  jwt_secret: ""

queue:
  workers: 2
  poll_interval: 1s
  stale_after: 10m
  reap_interval: 1m
  max_attempts: 0
  last_error_max_len: 2000

storage:
  root: .laudos/objects

delivery:
  url: ""
  secret: ""
  interval: 30s
  timeout: 10s

batches:
  auto_complete: false

log:
  level: info
  format: text

access:
  grants: {}
`
