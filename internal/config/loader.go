package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Defaults applied by WithDefaults when the corresponding field is unset.
const (
	DefaultRoot            = "~/.autovisor"
	DefaultVenvName        = "venvi"
	DefaultIndexURL        = "https://pypi.org/pypi"
	DefaultCycleInterval   = 60 * time.Second
	DefaultCacheSize       = 8
	DefaultCacheTTL        = 120 * time.Second
	DefaultRegistryTimeout = 30 * time.Second
	DefaultChunkSize       = 512 * 1024
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "console"
)

// Config holds runtime parameters for the supervisor.
// Zero values mean "unspecified" and are replaced by WithDefaults.
type Config struct {
	Package  string   `json:"package" yaml:"package" toml:"package"`
	Command  []string `json:"command" yaml:"command" toml:"command"`
	Root     string   `json:"root" yaml:"root" toml:"root"`
	VenvName string   `json:"venv_name" yaml:"venv_name" toml:"venv_name"`
	IndexURL string   `json:"index_url" yaml:"index_url" toml:"index_url"`

	// Durations use time.ParseDuration syntax, e.g. "60s".
	CycleInterval   string `json:"cycle_interval" yaml:"cycle_interval" toml:"cycle_interval"`
	CacheSize       int    `json:"cache_size" yaml:"cache_size" toml:"cache_size"`
	CacheTTL        string `json:"cache_ttl" yaml:"cache_ttl" toml:"cache_ttl"`
	RegistryTimeout string `json:"registry_timeout" yaml:"registry_timeout" toml:"registry_timeout"`
	ChunkSize       int    `json:"chunk_size" yaml:"chunk_size" toml:"chunk_size"`
	VerifyDigest    bool   `json:"verify_digest" yaml:"verify_digest" toml:"verify_digest"`
	StopOnExit      bool   `json:"stop_on_exit" yaml:"stop_on_exit" toml:"stop_on_exit"`

	Addr        string   `json:"addr" yaml:"addr" toml:"addr"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`

	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format"`
	LogFile   string `json:"log_file" yaml:"log_file" toml:"log_file"`
}

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

// Defaults returns a Config with every field set to its default.
func Defaults() Config { return Config{}.WithDefaults() }

// WithDefaults fills unset fields. The managed command defaults to the package name.
func (c Config) WithDefaults() Config {
	if c.Root == "" {
		c.Root = DefaultRoot
	}
	if c.VenvName == "" {
		c.VenvName = DefaultVenvName
	}
	if c.IndexURL == "" {
		c.IndexURL = DefaultIndexURL
	}
	c.IndexURL = strings.TrimRight(c.IndexURL, "/")
	if len(c.Command) == 0 && c.Package != "" {
		c.Command = []string{c.Package}
	}
	if c.CycleInterval == "" {
		c.CycleInterval = DefaultCycleInterval.String()
	}
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.CacheTTL == "" {
		c.CacheTTL = DefaultCacheTTL.String()
	}
	if c.RegistryTimeout == "" {
		c.RegistryTimeout = DefaultRegistryTimeout.String()
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	return c
}

// Validate reports the first configuration problem, if any.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Package) == "" {
		return fmt.Errorf("package is required")
	}
	if len(c.Command) == 0 {
		return fmt.Errorf("command is required")
	}
	for name, v := range map[string]string{
		"cycle_interval":   c.CycleInterval,
		"cache_ttl":        c.CacheTTL,
		"registry_timeout": c.RegistryTimeout,
	} {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if d, _ := time.ParseDuration(c.CacheTTL); d <= 0 {
		return fmt.Errorf("cache_ttl must be positive")
	}
	return nil
}

// Durations returns the parsed cycle interval, cache TTL and registry timeout.
// Call Validate first; unparsable values fall back to defaults.
func (c Config) Durations() (cycle, cacheTTL, registryTimeout time.Duration) {
	return parseOr(c.CycleInterval, DefaultCycleInterval),
		parseOr(c.CacheTTL, DefaultCacheTTL),
		parseOr(c.RegistryTimeout, DefaultRegistryTimeout)
}

func parseOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
