package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/nodeflow/errors"
	"github.com/c360/nodeflow/pkg/tlsutil"
	"github.com/c360/nodeflow/storage/file"
	"github.com/c360/nodeflow/storage/natskv"
	"github.com/c360/nodeflow/storage/redisstore"
)

// Storage mode constants
const (
	StorageModeMemory = "memory"
	StorageModeFile   = "file"
	StorageModeNATS   = "nats"
	StorageModeRedis  = "redis"
)

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "NODEFLOW"

// Config is the complete runtime configuration.
type Config struct {
	Runtime RuntimeConfig `json:"runtime" yaml:"runtime"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
	HTTP    HTTPConfig    `json:"http" yaml:"http"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	NATS    NATSConfig    `json:"nats" yaml:"nats"`
	Log     LogConfig     `json:"log" yaml:"log"`
}

// RuntimeConfig tunes the flow manager and the built-in nodes.
type RuntimeConfig struct {
	StopTimeout     time.Duration `json:"stop_timeout" yaml:"stop_timeout"`
	LinkCallTimeout time.Duration `json:"link_call_timeout" yaml:"link_call_timeout"`
	MaxCatchDepth   int           `json:"max_catch_depth" yaml:"max_catch_depth"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Mode  string            `json:"mode" yaml:"mode"`
	File  file.Config       `json:"file" yaml:"file"`
	NATS  natskv.Config     `json:"nats" yaml:"nats"`
	Redis redisstore.Config `json:"redis" yaml:"redis"`
}

// HTTPConfig configures the admin API.
type HTTPConfig struct {
	Port      int                  `json:"port" yaml:"port"`
	CommsPath string               `json:"comms_path" yaml:"comms_path"`
	TLS       tlsutil.ServerConfig `json:"tls" yaml:"tls"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

// NATSConfig defines NATS connection settings. The connection is only made
// when URLs is set.
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty" yaml:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty" yaml:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty" yaml:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string        `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string        `json:"token,omitempty" yaml:"token,omitempty"`
	// EventsSubject prefixes runtime events published to NATS; empty
	// disables publishing.
	EventsSubject string `json:"events_subject,omitempty" yaml:"events_subject,omitempty"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns the default configuration: in-memory storage, API on
// port 1880, metrics off.
func Default() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			StopTimeout:     15 * time.Second,
			LinkCallTimeout: 30 * time.Second,
			MaxCatchDepth:   10,
		},
		Storage: StorageConfig{
			Mode:  StorageModeMemory,
			File:  file.DefaultConfig(".nodeflow"),
			NATS:  natskv.DefaultConfig(),
			Redis: redisstore.Config{Address: "localhost:6379", Prefix: "nodeflow:"},
		},
		HTTP: HTTPConfig{
			Port:      1880,
			CommsPath: "/comms",
		},
		Metrics: MetricsConfig{
			Port: 9090,
			Path: "/metrics",
		},
		NATS: NATSConfig{
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			EventsSubject: "nodeflow.events",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Runtime.StopTimeout <= 0 {
		return invalid("runtime.stop_timeout must be positive")
	}
	if c.Runtime.LinkCallTimeout <= 0 {
		return invalid("runtime.link_call_timeout must be positive")
	}
	if c.Runtime.MaxCatchDepth < 1 {
		return invalid("runtime.max_catch_depth must be at least 1")
	}

	switch c.Storage.Mode {
	case StorageModeMemory:
	case StorageModeFile:
		if c.Storage.File.Dir == "" {
			return invalid("storage.file.dir is required in file mode")
		}
	case StorageModeNATS:
		if len(c.NATS.URLs) == 0 {
			return invalid("nats.urls is required in nats storage mode")
		}
		if c.Storage.NATS.Bucket == "" {
			return invalid("storage.nats.bucket is required in nats mode")
		}
	case StorageModeRedis:
		if c.Storage.Redis.Address == "" {
			return invalid("storage.redis.address is required in redis mode")
		}
	default:
		return invalid(fmt.Sprintf("storage.mode %q is not one of memory, file, nats, redis", c.Storage.Mode))
	}

	if err := validatePort("http.port", c.HTTP.Port); err != nil {
		return err
	}
	if !strings.HasPrefix(c.HTTP.CommsPath, "/") {
		return invalid("http.comms_path must start with /")
	}
	if err := c.HTTP.TLS.Validate(); err != nil {
		return invalid("http.tls: " + err.Error())
	}
	if c.Metrics.Enabled {
		if err := validatePort("metrics.port", c.Metrics.Port); err != nil {
			return err
		}
		if c.Metrics.Port == c.HTTP.Port {
			return invalid("metrics.port must differ from http.port")
		}
	}

	for i, u := range c.NATS.URLs {
		if !strings.HasPrefix(u, "nats://") && !strings.HasPrefix(u, "tls://") {
			return invalid(fmt.Sprintf("nats.urls[%d] %q must use nats:// or tls://", i, u))
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return invalid(fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return invalid(fmt.Sprintf("log.format %q is not one of json, text", c.Log.Format))
	}
	return nil
}

func validatePort(field string, port int) error {
	if port < 1 || port > 65535 {
		return invalid(fmt.Sprintf("%s %d is out of range", field, port))
	}
	return nil
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg)
}

// String returns the configuration as indented JSON with secrets masked.
func (c *Config) String() string {
	masked := *c
	if masked.NATS.Password != "" {
		masked.NATS.Password = "***"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "***"
	}
	if masked.Storage.Redis.Password != "" {
		masked.Storage.Redis.Password = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{envPrefix: DefaultEnvPrefix}
}

// AddLayer adds a configuration file layer. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges the defaults, every layer and the environment.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		cfg, err = mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "merge "+path)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "apply environment")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "validate")
		}
	}
	return cfg, nil
}

// loadRaw reads one layer into a generic map.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
		}
	}

	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// durationFields lists the keys holding time.Duration values.
var durationFields = [][]string{
	{"runtime", "stop_timeout"},
	{"runtime", "link_call_timeout"},
	{"nats", "reconnect_wait"},
}

// parseDurations converts duration strings to nanoseconds for json
// unmarshaling.
func parseDurations(raw map[string]any) error {
	for _, path := range durationFields {
		section, ok := raw[path[0]].(map[string]any)
		if !ok {
			continue
		}
		s, ok := section[path[1]].(string)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", path[0], path[1], err)
		}
		section[path[1]] = d.Nanoseconds()
	}
	return nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields
// present in the map.
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	lookup := func(name string) (string, bool, error) {
		key := l.envPrefix + "_" + name
		val := os.Getenv(key)
		if val == "" {
			return "", false, nil
		}
		if err := validateEnvVar(key, val); err != nil {
			return "", false, err
		}
		return val, true, nil
	}

	strs := []struct {
		name   string
		target *string
	}{
		{"STORAGE_MODE", &cfg.Storage.Mode},
		{"STORAGE_DIR", &cfg.Storage.File.Dir},
		{"STORAGE_BUCKET", &cfg.Storage.NATS.Bucket},
		{"REDIS_ADDRESS", &cfg.Storage.Redis.Address},
		{"REDIS_PASSWORD", &cfg.Storage.Redis.Password},
		{"NATS_USERNAME", &cfg.NATS.Username},
		{"NATS_PASSWORD", &cfg.NATS.Password},
		{"NATS_TOKEN", &cfg.NATS.Token},
		{"LOG_LEVEL", &cfg.Log.Level},
		{"LOG_FORMAT", &cfg.Log.Format},
	}
	for _, s := range strs {
		val, ok, err := lookup(s.name)
		if err != nil {
			return err
		}
		if ok {
			*s.target = val
		}
	}

	ints := []struct {
		name   string
		target *int
	}{
		{"HTTP_PORT", &cfg.HTTP.Port},
		{"METRICS_PORT", &cfg.Metrics.Port},
	}
	for _, i := range ints {
		val, ok, err := lookup(i.name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s_%s: %w", l.envPrefix, i.name, err)
		}
		*i.target = n
	}

	if val, ok, err := lookup("NATS_URLS"); err != nil {
		return err
	} else if ok {
		cfg.NATS.URLs = strings.Split(val, ",")
	}
	if val, ok, err := lookup("METRICS_ENABLED"); err != nil {
		return err
	} else if ok {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("%s_METRICS_ENABLED: %w", l.envPrefix, err)
		}
		cfg.Metrics.Enabled = enabled
	}
	return nil
}
