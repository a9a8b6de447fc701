package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is read when present and no file is named explicitly.
const DefaultConfigFile = "multiagent.yaml"

type LoadOptions struct {
	// ConfigFile names a YAML file that must exist. Empty means
	// DefaultConfigFile if it exists.
	ConfigFile string
	// EnvPrefix defaults to EnvPrefix.
	EnvPrefix string
	// Flags, when set, overrides settings whose flags were changed.
	Flags *pflag.FlagSet
}

// overlay holds optional values from one layer. Nil means unset. Env names
// are the prefix plus the split field name, e.g. MULTIAGENT_IDLE_TIMEOUT.
type overlay struct {
	Addr                     *string        `yaml:"addr" split_words:"true"`
	AuthToken                *string        `yaml:"auth_token" split_words:"true"`
	AllowedOrigins           *[]string      `yaml:"allowed_origins" split_words:"true"`
	LogLevel                 *string        `yaml:"log_level" split_words:"true"`
	LogBufferSize            *int           `yaml:"log_buffer_size" split_words:"true"`
	MaxConnectionsPerChannel *int           `yaml:"max_connections_per_channel" split_words:"true"`
	WriteTimeout             *time.Duration `yaml:"write_timeout" split_words:"true"`
	MaxActiveCrews           *int           `yaml:"max_active_crews" split_words:"true"`
	CleanupInterval          *time.Duration `yaml:"cleanup_interval" split_words:"true"`
	IdleTimeout              *time.Duration `yaml:"idle_timeout" split_words:"true"`
	CatalogDir               *string        `yaml:"catalog_dir" split_words:"true"`
	WatchCatalog             *bool          `yaml:"watch_catalog" split_words:"true"`
	DemoStepDelay            *time.Duration `yaml:"demo_step_delay" split_words:"true"`
}

// Load layers defaults, the YAML file, the environment and changed flags, in
// that order, then validates the result.
func Load(opts LoadOptions) (Config, error) {
	cfg := Default()

	path, required := opts.ConfigFile, true
	if path == "" {
		path, required = DefaultConfigFile, false
	}
	file, found, err := readFile(path, required)
	if err != nil {
		return Config{}, err
	}
	if found {
		cfg.ConfigFile = path
		cfg.apply(file, SourceFile)
	}

	prefix := opts.EnvPrefix
	if prefix == "" {
		prefix = EnvPrefix
	}
	var env overlay
	if err := envconfig.Process(prefix, &env); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	cfg.apply(env, SourceEnv)

	if opts.Flags != nil {
		flags, err := readFlags(opts.Flags)
		if err != nil {
			return Config{}, err
		}
		cfg.apply(flags, SourceFlag)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func readFile(path string, required bool) (overlay, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return overlay{}, false, nil
		}
		return overlay{}, false, fmt.Errorf("read config file: %w", err)
	}
	var values overlay
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&values); err != nil && !errors.Is(err, io.EOF) {
		return overlay{}, false, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return values, true, nil
}

func (c *Config) apply(values overlay, source Source) {
	setString(c, KeyAddr, &c.Addr, values.Addr, source)
	setString(c, KeyAuthToken, &c.AuthToken, values.AuthToken, source)
	if values.AllowedOrigins != nil {
		c.AllowedOrigins = normalizeOrigins(*values.AllowedOrigins)
		c.Sources[KeyAllowedOrigins] = source
	}
	setString(c, KeyLogLevel, &c.LogLevel, values.LogLevel, source)
	setValue(c, KeyLogBufferSize, &c.LogBufferSize, values.LogBufferSize, source)
	setValue(c, KeyMaxConnectionsPerChannel, &c.MaxConnectionsPerChannel, values.MaxConnectionsPerChannel, source)
	setValue(c, KeyWriteTimeout, &c.WriteTimeout, values.WriteTimeout, source)
	setValue(c, KeyMaxActiveCrews, &c.MaxActiveCrews, values.MaxActiveCrews, source)
	setValue(c, KeyCleanupInterval, &c.CleanupInterval, values.CleanupInterval, source)
	setValue(c, KeyIdleTimeout, &c.IdleTimeout, values.IdleTimeout, source)
	setString(c, KeyCatalogDir, &c.CatalogDir, values.CatalogDir, source)
	setValue(c, KeyWatchCatalog, &c.WatchCatalog, values.WatchCatalog, source)
	setValue(c, KeyDemoStepDelay, &c.DemoStepDelay, values.DemoStepDelay, source)
}

func setValue[T any](c *Config, key string, target *T, value *T, source Source) {
	if value == nil {
		return
	}
	*target = *value
	c.Sources[key] = source
}

func setString(c *Config, key string, target *string, value *string, source Source) {
	if value == nil {
		return
	}
	trimmed := strings.TrimSpace(*value)
	setValue(c, key, target, &trimmed, source)
}

func normalizeOrigins(origins []string) []string {
	normalized := make([]string, 0, len(origins))
	for _, origin := range origins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
