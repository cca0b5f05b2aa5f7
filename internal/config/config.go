package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. SANCTUARY_HTTP_PORT
const EnvPrefix = "SANCTUARY"

// Store backends
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config is the full service configuration
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"      envconfig:"http"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"websocket"`
	Store     StoreConfig     `yaml:"store"     envconfig:"store"`
	Database  DatabaseConfig  `yaml:"database"  envconfig:"database"`
	Auth      AuthConfig      `yaml:"auth"      envconfig:"auth"`
	API       APIConfig       `yaml:"api"       envconfig:"api"`
	Router    RouterConfig    `yaml:"router"    envconfig:"router"`
	Hub       HubConfig       `yaml:"hub"       envconfig:"hub"`
	Log       LogConfig       `yaml:"log"       envconfig:"log"`
}

type HTTPConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"     split_words:"true"`
	WriteTimeout    time.Duration `yaml:"write_timeout"    split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true"`
}

// Addr is the listen address
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

type WebSocketConfig struct {
	PingInterval   time.Duration `yaml:"ping_interval"   split_words:"true"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"    split_words:"true"`
	WriteTimeout   time.Duration `yaml:"write_timeout"   split_words:"true"`
	BufferSize     int           `yaml:"buffer_size"     split_words:"true"`
	MaxFrameBytes  int64         `yaml:"max_frame_bytes" split_words:"true"`
	AllowedOrigins []string      `yaml:"allowed_origins" split_words:"true"`
}

// StoreConfig selects the ephemeral keyed store
type StoreConfig struct {
	Backend       string        `yaml:"backend"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval" split_words:"true"`
	Redis         RedisConfig   `yaml:"redis"          envconfig:"redis"`
}

type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix" split_words:"true"`
	Timeout   time.Duration `yaml:"timeout"`
}

type DatabaseConfig struct {
	Path           string        `yaml:"path"`
	MaxConnections int           `yaml:"max_connections" split_words:"true"`
	BusyTimeout    time.Duration `yaml:"busy_timeout"    split_words:"true"`
	MigrationsPath string        `yaml:"migrations_path" split_words:"true"`
}

// AuthConfig configures credential verification and host grants. Without
// a JWT secret every connection is anonymous.
type AuthConfig struct {
	JWTSecret    string        `yaml:"jwt_secret"     split_words:"true"`
	JWTIssuer    string        `yaml:"jwt_issuer"     split_words:"true"`
	HostGrantTTL time.Duration `yaml:"host_grant_ttl" split_words:"true"`
}

// APIConfig guards the administrative HTTP routes; an empty AdminKey
// leaves them open
type APIConfig struct {
	AdminKey   string `yaml:"admin_key"   split_words:"true"`
	CORSOrigin string `yaml:"cors_origin" split_words:"true"`
}

type RouterConfig struct {
	RateLimit  int           `yaml:"rate_limit"  split_words:"true"`
	RateWindow time.Duration `yaml:"rate_window" split_words:"true"`
}

type HubConfig struct {
	QueueSize           int           `yaml:"queue_size"           split_words:"true"`
	Workers             int           `yaml:"workers"`
	CleanupTimeout      time.Duration `yaml:"cleanup_timeout"      split_words:"true"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval" split_words:"true"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns production defaults
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		WebSocket: WebSocketConfig{
			PingInterval:  30 * time.Second,
			IdleTimeout:   60 * time.Second,
			WriteTimeout:  10 * time.Second,
			BufferSize:    100,
			MaxFrameBytes: 64 * 1024,
		},
		Store: StoreConfig{
			Backend:       StoreMemory,
			TTL:           6 * time.Hour,
			SweepInterval: time.Minute,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "sanctuary:",
				Timeout:   2 * time.Second,
			},
		},
		Database: DatabaseConfig{
			Path:           "./data/sanctuary.db",
			MaxConnections: 10,
			BusyTimeout:    5 * time.Second,
		},
		Auth: AuthConfig{
			HostGrantTTL: 12 * time.Hour,
		},
		API: APIConfig{
			CORSOrigin: "*",
		},
		Router: RouterConfig{
			RateLimit:  100,
			RateWindow: time.Minute,
		},
		Hub: HubConfig{
			QueueSize:           1000,
			Workers:             4,
			CleanupTimeout:      5 * time.Second,
			MaintenanceInterval: 5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate rejects configurations the service cannot run with
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	check(c.HTTP.Host != "", "HTTP host cannot be empty")
	check(c.HTTP.Port >= 0 && c.HTTP.Port <= 65535, "HTTP port must be between 0 and 65535")
	check(c.HTTP.ReadTimeout > 0, "HTTP read timeout must be positive")
	check(c.HTTP.WriteTimeout > 0, "HTTP write timeout must be positive")
	check(c.HTTP.ShutdownTimeout > 0, "HTTP shutdown timeout must be positive")

	check(c.WebSocket.PingInterval > 0, "WebSocket ping interval must be positive")
	check(c.WebSocket.IdleTimeout > c.WebSocket.PingInterval, "WebSocket idle timeout must exceed the ping interval")
	check(c.WebSocket.WriteTimeout > 0, "WebSocket write timeout must be positive")
	check(c.WebSocket.BufferSize > 0, "WebSocket buffer size must be positive")
	check(c.WebSocket.MaxFrameBytes > 0, "WebSocket max frame bytes must be positive")

	switch c.Store.Backend {
	case StoreMemory:
	case StoreRedis:
		check(c.Store.Redis.Addr != "", "redis address is required for the redis store")
	default:
		check(false, fmt.Sprintf("unknown store backend %q", c.Store.Backend))
	}
	check(c.Store.TTL > 0, "store TTL must be positive")
	check(c.Store.SweepInterval > 0, "store sweep interval must be positive")

	check(c.Database.Path != "", "database path cannot be empty")
	check(c.Database.MaxConnections > 0, "database max connections must be positive")

	check(c.Auth.HostGrantTTL > 0, "host grant TTL must be positive")
	check(c.Router.RateLimit > 0, "router rate limit must be positive")
	check(c.Router.RateWindow > 0, "router rate window must be positive")

	check(c.Hub.QueueSize > 0, "hub queue size must be positive")
	check(c.Hub.Workers > 0, "hub workers must be positive")
	check(c.Hub.CleanupTimeout > 0, "hub cleanup timeout must be positive")
	check(c.Hub.MaintenanceInterval > 0, "hub maintenance interval must be positive")

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		check(false, fmt.Sprintf("unknown log level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		check(false, fmt.Sprintf("unknown log format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// LoadFromEnv applies SANCTUARY_* overrides on top of defaults
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile applies a YAML file on top of defaults. Keys missing from
// the file keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := applyFile(cfg, path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

// Load builds the runtime configuration. Precedence: file > environment >
// defaults. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("error processing environment: %w", err)
	}
	return nil
}

func applyFile(cfg *Config, path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}
