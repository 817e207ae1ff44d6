package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by WithDefaults.
type Config struct {
	Addr         string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir    string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	DefaultModel string `json:"default_model" yaml:"default_model" toml:"default_model"`
	Device       string `json:"device" yaml:"device" toml:"device"`
	// Engine selects the backend: "sim" or "llama".
	Engine string `json:"engine" yaml:"engine" toml:"engine"`
	// MaxNumSequence is forwarded in the engine config on reload.
	MaxNumSequence int `json:"max_num_sequence" yaml:"max_num_sequence" toml:"max_num_sequence"`

	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFile  string `json:"log_file" yaml:"log_file" toml:"log_file"`

	QueueSize      int           `json:"queue_size" yaml:"queue_size" toml:"queue_size"`
	MaxBodyBytes   int64         `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout" toml:"request_timeout"`
	// RateLimit is admitted chat requests per second; 0 disables limiting.
	RateLimit  float64 `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
	RateBurst  int     `json:"rate_burst" yaml:"rate_burst" toml:"rate_burst"`
	AuthSecret string  `json:"auth_secret" yaml:"auth_secret" toml:"auth_secret"`
	CORS       CORS    `json:"cors" yaml:"cors" toml:"cors"`
}

// CORS configures cross-origin access to the HTTP API.
type CORS struct {
	Enabled        bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
	AllowedMethods []string `json:"allowed_methods" yaml:"allowed_methods" toml:"allowed_methods"`
	AllowedHeaders []string `json:"allowed_headers" yaml:"allowed_headers" toml:"allowed_headers"`
}

// Defaults.
const (
	DefaultAddr           = ":8080"
	DefaultModelsDir      = "~/models/chat"
	DefaultDevice         = "cpu"
	DefaultEngine         = "sim"
	DefaultLogLevel       = "info"
	DefaultQueueSize      = 1024
	DefaultMaxBodyBytes   = 1 << 20
	DefaultRequestTimeout = 5 * time.Minute
)

// Environment variables read by ApplyEnv.
const (
	EnvAddr      = "CHATBRIDGE_ADDR"
	EnvModelsDir = "CHATBRIDGE_MODELS_DIR"
	EnvLogLevel  = "CHATBRIDGE_LOG_LEVEL"
	EnvRateLimit = "CHATBRIDGE_RATE_LIMIT"
)

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// WithDefaults fills unspecified fields.
func (c Config) WithDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.ModelsDir == "" {
		c.ModelsDir = DefaultModelsDir
	}
	if c.Device == "" {
		c.Device = DefaultDevice
	}
	if c.Engine == "" {
		c.Engine = DefaultEngine
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = max(1, int(c.RateLimit))
	}
	return c
}

// ApplyEnv overrides fields from the environment. lookup is usually
// os.LookupEnv.
func (c Config) ApplyEnv(lookup func(string) (string, bool)) (Config, error) {
	if v, ok := lookup(EnvAddr); ok && v != "" {
		c.Addr = v
	}
	if v, ok := lookup(EnvModelsDir); ok && v != "" {
		c.ModelsDir = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup(EnvRateLimit); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return c, fmt.Errorf("%s: %w", EnvRateLimit, err)
		}
		c.RateLimit = f
	}
	return c, nil
}
