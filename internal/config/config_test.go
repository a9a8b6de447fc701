package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)
	cfg, err := Load(LoadOptions{EnvPrefix: "MULTIAGENT_TEST_DEFAULTS"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8888" || cfg.MaxConnectionsPerChannel != 100 || cfg.MaxActiveCrews != 10 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.CleanupInterval != 5*time.Minute || cfg.IdleTimeout != time.Hour || !cfg.WatchCatalog {
		t.Fatalf("unexpected durations %+v", cfg)
	}
	if cfg.ConfigFile != "" {
		t.Fatalf("expected no config file, got %q", cfg.ConfigFile)
	}
	for _, key := range keys {
		if cfg.Sources[key] != SourceDefault {
			t.Fatalf("expected %s from defaults, got %s", key, cfg.Sources[key])
		}
	}
}

func TestLoadLayersFileEnvAndFlags(t *testing.T) {
	dir := chdirTemp(t)
	content := "addr: ':9000'\nmax_active_crews: 3\nidle_timeout: 30m\nallowed_origins: [' https://app.example ', '']\n"
	if err := os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MULTIAGENT_MAX_ACTIVE_CREWS", "4")
	t.Setenv("MULTIAGENT_WATCH_CATALOG", "false")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(flags)
	if err := flags.Parse([]string{"--max-connections-per-channel=2", "--log-level=debug"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := Load(LoadOptions{Flags: flags})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9000" || cfg.Sources[KeyAddr] != SourceFile {
		t.Fatalf("expected addr from file, got %q (%s)", cfg.Addr, cfg.Sources[KeyAddr])
	}
	if cfg.IdleTimeout != 30*time.Minute {
		t.Fatalf("expected idle timeout from file, got %s", cfg.IdleTimeout)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://app.example" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.MaxActiveCrews != 4 || cfg.Sources[KeyMaxActiveCrews] != SourceEnv {
		t.Fatalf("expected env to override file, got %d (%s)", cfg.MaxActiveCrews, cfg.Sources[KeyMaxActiveCrews])
	}
	if cfg.WatchCatalog {
		t.Fatal("expected watch_catalog disabled by env")
	}
	if cfg.MaxConnectionsPerChannel != 2 || cfg.Sources[KeyMaxConnectionsPerChannel] != SourceFlag {
		t.Fatalf("expected flag override, got %d", cfg.MaxConnectionsPerChannel)
	}
	if cfg.Sources[KeyCatalogDir] != SourceDefault {
		t.Fatalf("unchanged flag must not override, got %s", cfg.Sources[KeyCatalogDir])
	}
	if cfg.Level() != "debug" {
		t.Fatalf("expected debug level, got %s", cfg.Level())
	}
	if cfg.SourceFields()["source.addr"] != "file" {
		t.Fatalf("unexpected source fields %v", cfg.SourceFields())
	}
}

func TestLoadExplicitFileMustExist(t *testing.T) {
	chdirTemp(t)
	if _, err := Load(LoadOptions{ConfigFile: "missing.yaml"}); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "custom.yaml")
	if err := os.WriteFile(path, []byte("max_crews: 3\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(LoadOptions{ConfigFile: path}); err == nil {
		t.Fatal("expected unknown key error")
	}
}

func TestLoadRejectsBadEnvValue(t *testing.T) {
	chdirTemp(t)
	t.Setenv("MULTIAGENT_IDLE_TIMEOUT", "soon")
	if _, err := Load(LoadOptions{}); err == nil {
		t.Fatal("expected env parse error")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Addr = " "
	cfg.LogLevel = "loud"
	cfg.MaxConnectionsPerChannel = 0
	cfg.CleanupInterval = 0
	cfg.DemoStepDelay = -time.Second

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"addr is required", "log_level", "max_connections_per_channel", "cleanup_interval", "demo_step_delay"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}
