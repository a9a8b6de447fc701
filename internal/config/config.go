package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iamthamanic/multiagentultra/internal/logging"
)

// Source names the layer that supplied a setting.
type Source string

const (
	SourceDefault Source = "default"
	SourceFile    Source = "file"
	SourceEnv     Source = "env"
	SourceFlag    Source = "flag"
)

// Setting keys. They double as YAML keys and flag names with underscores
// replaced by dashes.
const (
	KeyAddr                     = "addr"
	KeyAuthToken                = "auth_token"
	KeyAllowedOrigins           = "allowed_origins"
	KeyLogLevel                 = "log_level"
	KeyLogBufferSize            = "log_buffer_size"
	KeyMaxConnectionsPerChannel = "max_connections_per_channel"
	KeyWriteTimeout             = "write_timeout"
	KeyMaxActiveCrews           = "max_active_crews"
	KeyCleanupInterval          = "cleanup_interval"
	KeyIdleTimeout              = "idle_timeout"
	KeyCatalogDir               = "catalog_dir"
	KeyWatchCatalog             = "watch_catalog"
	KeyDemoStepDelay            = "demo_step_delay"
)

var keys = []string{
	KeyAddr,
	KeyAuthToken,
	KeyAllowedOrigins,
	KeyLogLevel,
	KeyLogBufferSize,
	KeyMaxConnectionsPerChannel,
	KeyWriteTimeout,
	KeyMaxActiveCrews,
	KeyCleanupInterval,
	KeyIdleTimeout,
	KeyCatalogDir,
	KeyWatchCatalog,
	KeyDemoStepDelay,
}

const EnvPrefix = "MULTIAGENT"

type Config struct {
	Addr                     string
	AuthToken                string
	AllowedOrigins           []string
	LogLevel                 string
	LogBufferSize            int
	MaxConnectionsPerChannel int
	WriteTimeout             time.Duration
	MaxActiveCrews           int
	CleanupInterval          time.Duration
	IdleTimeout              time.Duration
	CatalogDir               string
	WatchCatalog             bool
	DemoStepDelay            time.Duration
	ConfigFile               string
	Sources                  map[string]Source
}

func Default() Config {
	cfg := Config{
		Addr:                     ":8888",
		LogLevel:                 string(logging.LevelInfo),
		LogBufferSize:            logging.DefaultBufferSize,
		MaxConnectionsPerChannel: 100,
		WriteTimeout:             10 * time.Second,
		MaxActiveCrews:           10,
		CleanupInterval:          5 * time.Minute,
		IdleTimeout:              time.Hour,
		CatalogDir:               "config/crews",
		WatchCatalog:             true,
		DemoStepDelay:            2 * time.Second,
		Sources:                  make(map[string]Source, len(keys)),
	}
	for _, key := range keys {
		cfg.Sources[key] = SourceDefault
	}
	return cfg
}

// Level returns the parsed log level. Call after Validate.
func (c Config) Level() logging.Level {
	level, _ := logging.ParseLevel(c.LogLevel)
	return level
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if _, ok := logging.ParseLevel(c.LogLevel); !ok {
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warning, error", c.LogLevel))
	}
	positiveInts := []struct {
		key   string
		value int
	}{
		{KeyLogBufferSize, c.LogBufferSize},
		{KeyMaxConnectionsPerChannel, c.MaxConnectionsPerChannel},
		{KeyMaxActiveCrews, c.MaxActiveCrews},
	}
	for _, setting := range positiveInts {
		if setting.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", setting.key, setting.value))
		}
	}
	positiveDurations := []struct {
		key   string
		value time.Duration
	}{
		{KeyWriteTimeout, c.WriteTimeout},
		{KeyCleanupInterval, c.CleanupInterval},
		{KeyIdleTimeout, c.IdleTimeout},
	}
	for _, setting := range positiveDurations {
		if setting.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", setting.key, setting.value))
		}
	}
	if c.DemoStepDelay < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyDemoStepDelay))
	}
	return errors.Join(errs...)
}

// SourceFields renders Sources for a startup log line.
func (c Config) SourceFields() map[string]string {
	fields := make(map[string]string, len(c.Sources))
	for key, source := range c.Sources {
		fields["source."+key] = string(source)
	}
	return fields
}
