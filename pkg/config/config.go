// Package config provides configuration handling for flowengine.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tcmartin/flowengine/pkg/logging"
	"github.com/tcmartin/flowengine/pkg/storage"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "FLOWENGINE_"

// Config represents the application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `json:"server" yaml:"server"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Engine configuration
	Engine EngineConfig `json:"engine" yaml:"engine"`

	// Events configuration
	Events EventsConfig `json:"events" yaml:"events"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Metrics configuration
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`

	// Triggers configuration
	Triggers TriggersConfig `json:"triggers" yaml:"triggers"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Host to bind to
	Host string `json:"host" yaml:"host"`

	// Port to listen on
	Port int `json:"port" yaml:"port"`

	// TLS configuration
	TLS TLSConfig `json:"tls" yaml:"tls"`

	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// TLSConfig contains TLS settings
type TLSConfig struct {
	// Enabled indicates whether TLS is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`

	// CertFile is the path to the certificate file
	CertFile string `json:"cert_file" yaml:"cert_file"`

	// KeyFile is the path to the key file
	KeyFile string `json:"key_file" yaml:"key_file"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	// Type of storage to use
	Type string `json:"type" yaml:"type"` // "memory", "postgres"

	// StateBackend moves workflow state elsewhere
	StateBackend string `json:"state_backend" yaml:"state_backend"` // "", "redis", "dynamodb"

	// DynamoDB configuration
	DynamoDB DynamoDBConfig `json:"dynamodb" yaml:"dynamodb"`

	// PostgreSQL configuration
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`

	// Redis configuration
	Redis RedisConfig `json:"redis" yaml:"redis"`
}

// DynamoDBConfig contains DynamoDB settings
type DynamoDBConfig struct {
	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the DynamoDB endpoint (for local development)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// TablePrefix is the prefix for all tables
	TablePrefix string `json:"table_prefix" yaml:"table_prefix"`
}

// PostgresConfig contains PostgreSQL settings
type PostgresConfig struct {
	// Host is the database host
	Host string `json:"host" yaml:"host"`

	// Port is the database port
	Port int `json:"port" yaml:"port"`

	// Database is the database name
	Database string `json:"database" yaml:"database"`

	// User is the database user
	User string `json:"user" yaml:"user"`

	// Password is the database password
	Password string `json:"password" yaml:"password"`

	// SSLMode is the SSL mode
	SSLMode string `json:"ssl_mode" yaml:"ssl_mode"`
}

// RedisConfig contains Redis settings
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`

	// Prefix namespaces every key
	Prefix string `json:"prefix" yaml:"prefix"`
}

// EngineConfig contains execution settings
type EngineConfig struct {
	// MaxConcurrentNodes bounds parallel node invocations within one execution
	MaxConcurrentNodes int `json:"max_concurrent_nodes" yaml:"max_concurrent_nodes"`

	// MaxConcurrentExecutions bounds running executions
	MaxConcurrentExecutions int `json:"max_concurrent_executions" yaml:"max_concurrent_executions"`

	// FailFast stops dispatch on the first node failure
	FailFast bool `json:"fail_fast" yaml:"fail_fast"`

	// AwaitTimeout is the default wait of await-mode starts
	AwaitTimeout Duration `json:"await_timeout" yaml:"await_timeout"`

	// MaxLoopIterations caps every loop
	MaxLoopIterations int `json:"max_loop_iterations" yaml:"max_loop_iterations"`

	// TimeScale is the virtual time factor applied to delays
	TimeScale float64 `json:"time_scale" yaml:"time_scale"`

	// RecoverOnStart marks executions orphaned by a crash as failed at startup
	RecoverOnStart bool `json:"recover_on_start" yaml:"recover_on_start"`
}

// Settings returns the engine settings as the global configuration layer
func (e EngineConfig) Settings() map[string]interface{} {
	return map[string]interface{}{
		"max_concurrent_nodes": e.MaxConcurrentNodes,
		"fail_fast":            e.FailFast,
		"max_loop_iterations":  e.MaxLoopIterations,
		"time_scale":           e.TimeScale,
	}
}

// EventsConfig contains event bus settings
type EventsConfig struct {
	// QueueSize bounds each subscriber queue
	QueueSize int `json:"queue_size" yaml:"queue_size"`

	// HeartbeatInterval is the period of heartbeat events
	HeartbeatInterval Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	// Level is the logging level
	Level string `json:"level" yaml:"level"` // "debug", "info", "warn", "error"

	// Format is the log format
	Format string `json:"format" yaml:"format"` // "json", "console"

	// Output is the log output
	Output string `json:"output" yaml:"output"` // "stdout", "stderr", "file"

	// FilePath is the path to the log file
	FilePath string `json:"file_path" yaml:"file_path"`

	// IncludeCaller adds file:line to every entry
	IncludeCaller bool `json:"include_caller" yaml:"include_caller"`
}

// MetricsConfig contains Prometheus settings
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Namespace prefixes every metric name
	Namespace string `json:"namespace" yaml:"namespace"`

	// Path the metrics are served under
	Path string `json:"path" yaml:"path"`
}

// TriggersConfig contains schedule trigger settings
type TriggersConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Timezone is the default zone of schedules without one
	Timezone string `json:"timezone" yaml:"timezone"`

	// ResyncInterval re-reads schedules from storage
	ResyncInterval Duration `json:"resync_interval" yaml:"resync_interval"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Storage: StorageConfig{
			Type: "memory",
			DynamoDB: DynamoDBConfig{
				Region:      "us-west-2",
				TablePrefix: "flowengine_",
			},
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "flowengine",
				User:     "flowengine",
				SSLMode:  "disable",
			},
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "flowengine",
			},
		},
		Engine: EngineConfig{
			MaxConcurrentNodes:      8,
			MaxConcurrentExecutions: 32,
			AwaitTimeout:            Duration(30 * time.Second),
			MaxLoopIterations:       1000,
			TimeScale:               1.0,
			RecoverOnStart:          true,
		},
		Events: EventsConfig{
			QueueSize:         256,
			HeartbeatInterval: Duration(15 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "flowengine",
			Path:      "/metrics",
		},
		Triggers: TriggersConfig{
			Enabled:        true,
			Timezone:       "UTC",
			ResyncInterval: Duration(time.Minute),
		},
	}
}

// Load reads a .env file when present, then the config file (when path is non-empty)
// over the defaults, then FLOWENGINE_* environment overrides
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := DefaultConfig()
	if path != "" {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig loads the configuration from a file over the defaults.
// Files ending in .yaml or .yml are parsed as YAML, everything else as JSON.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if isYAML(path) {
		err = yaml.Unmarshal(data, config)
	} else {
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveConfig saves the configuration to a file in the format its extension names
func SaveConfig(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(config)
	} else {
		data, err = json.MarshalIndent(config, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Validate checks values the components cannot default themselves
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "memory", "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}
	switch c.Storage.StateBackend {
	case "", "redis", "dynamodb":
	default:
		return fmt.Errorf("unsupported state backend: %s", c.Storage.StateBackend)
	}
	if c.Engine.MaxConcurrentNodes < 1 {
		return fmt.Errorf("engine.max_concurrent_nodes must be at least 1")
	}
	if c.Engine.TimeScale <= 0 {
		return fmt.Errorf("engine.time_scale must be positive")
	}
	if c.Triggers.Timezone != "" {
		if _, err := time.LoadLocation(c.Triggers.Timezone); err != nil {
			return fmt.Errorf("triggers.timezone: %w", err)
		}
	}
	return nil
}

// ProviderConfig maps the storage section onto the storage factory
func (c *Config) ProviderConfig() storage.ProviderConfig {
	pc := storage.ProviderConfig{
		Type:         storage.MemoryProviderType,
		StateBackend: storage.StateBackendType(c.Storage.StateBackend),
	}
	if c.Storage.Type == "postgres" || c.Storage.Type == "postgresql" {
		pc.Type = storage.PostgreSQLProviderType
		pc.PostgreSQL = &storage.PostgreSQLProviderConfig{
			Host:     c.Storage.Postgres.Host,
			Port:     c.Storage.Postgres.Port,
			User:     c.Storage.Postgres.User,
			Password: c.Storage.Postgres.Password,
			Database: c.Storage.Postgres.Database,
			SSLMode:  c.Storage.Postgres.SSLMode,
		}
	}
	switch pc.StateBackend {
	case storage.StateBackendRedis:
		pc.Redis = &storage.RedisStateConfig{
			Addr:     c.Storage.Redis.Addr,
			Password: c.Storage.Redis.Password,
			DB:       c.Storage.Redis.DB,
			Prefix:   c.Storage.Redis.Prefix,
		}
	case storage.StateBackendDynamoDB:
		pc.DynamoDB = &storage.DynamoDBProviderConfig{
			Region:      c.Storage.DynamoDB.Region,
			Endpoint:    c.Storage.DynamoDB.Endpoint,
			TablePrefix: c.Storage.DynamoDB.TablePrefix,
		}
	}
	return pc
}

// LogConfig maps the logging section onto the logger
func (c *Config) LogConfig() logging.LogConfig {
	return logging.LogConfig{
		Level:            c.Logging.Level,
		Format:           c.Logging.Format,
		Output:           c.Logging.Output,
		FilePath:         c.Logging.FilePath,
		IncludeTimestamp: true,
		IncludeCaller:    c.Logging.IncludeCaller,
	}
}

// Duration is a time.Duration written as a Go duration string in config files
type Duration time.Duration

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON writes the duration as a string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts "1m30s" or a number of seconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

// MarshalYAML writes the duration as a string
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML accepts "1m30s" or a number of seconds
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) set(raw interface{}) error {
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(v * float64(time.Second))
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	default:
		return fmt.Errorf("invalid duration %v", raw)
	}
	return nil
}

// ApplyEnv overrides configuration values from environment variables
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	env := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		return v, ok && v != ""
	}
	str := func(name string, dst *string) {
		if v, ok := env(name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := env(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := env(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	dur := func(name string, dst *Duration) {
		if v, ok := env(name); ok {
			if err := dst.set(v); err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			}
		}
	}

	// Server configuration
	str("SERVER_HOST", &cfg.Server.Host)
	num("SERVER_PORT", &cfg.Server.Port)

	// Storage configuration
	str("STORAGE_TYPE", &cfg.Storage.Type)
	str("STATE_BACKEND", &cfg.Storage.StateBackend)
	str("POSTGRES_HOST", &cfg.Storage.Postgres.Host)
	num("POSTGRES_PORT", &cfg.Storage.Postgres.Port)
	str("POSTGRES_DATABASE", &cfg.Storage.Postgres.Database)
	str("POSTGRES_USER", &cfg.Storage.Postgres.User)
	str("POSTGRES_PASSWORD", &cfg.Storage.Postgres.Password)
	str("POSTGRES_SSL_MODE", &cfg.Storage.Postgres.SSLMode)
	str("REDIS_ADDR", &cfg.Storage.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Storage.Redis.Password)
	num("REDIS_DB", &cfg.Storage.Redis.DB)
	str("DYNAMODB_REGION", &cfg.Storage.DynamoDB.Region)
	str("DYNAMODB_ENDPOINT", &cfg.Storage.DynamoDB.Endpoint)
	str("DYNAMODB_TABLE_PREFIX", &cfg.Storage.DynamoDB.TablePrefix)

	// Engine configuration
	num("MAX_CONCURRENT_NODES", &cfg.Engine.MaxConcurrentNodes)
	num("MAX_CONCURRENT_EXECUTIONS", &cfg.Engine.MaxConcurrentExecutions)
	flag("FAIL_FAST", &cfg.Engine.FailFast)
	dur("AWAIT_TIMEOUT", &cfg.Engine.AwaitTimeout)
	num("MAX_LOOP_ITERATIONS", &cfg.Engine.MaxLoopIterations)
	if v, ok := env("TIME_SCALE"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sTIME_SCALE: %w", EnvPrefix, err))
		} else {
			cfg.Engine.TimeScale = f
		}
	}

	// Logging configuration
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)

	// Triggers configuration
	flag("TRIGGERS_ENABLED", &cfg.Triggers.Enabled)
	str("TRIGGERS_TIMEZONE", &cfg.Triggers.Timezone)

	return errors.Join(errs...)
}
