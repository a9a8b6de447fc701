package config

import (
	"strings"

	"github.com/spf13/pflag"
)

// FlagName converts a setting key to its command-line flag name.
func FlagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

// RegisterFlags adds one flag per setting to flags, using defaults from
// Default. Only flags the user changes take effect in Load.
func RegisterFlags(flags *pflag.FlagSet) {
	defaults := Default()
	flags.String(FlagName(KeyAddr), defaults.Addr, "HTTP listen address")
	flags.String(FlagName(KeyAuthToken), "", "bearer token required by every endpoint (empty disables auth)")
	flags.StringSlice(FlagName(KeyAllowedOrigins), nil, "extra origins allowed to open websocket connections")
	flags.String(FlagName(KeyLogLevel), defaults.LogLevel, "minimum log level: debug, info, warning, error")
	flags.Int(FlagName(KeyLogBufferSize), defaults.LogBufferSize, "number of recent log entries kept for /api/logs")
	flags.Int(FlagName(KeyMaxConnectionsPerChannel), defaults.MaxConnectionsPerChannel, "live log subscribers allowed per project")
	flags.Duration(FlagName(KeyWriteTimeout), defaults.WriteTimeout, "per-subscriber websocket write timeout")
	flags.Int(FlagName(KeyMaxActiveCrews), defaults.MaxActiveCrews, "crew sessions kept materialized at once")
	flags.Duration(FlagName(KeyCleanupInterval), defaults.CleanupInterval, "interval between idle crew sweeps")
	flags.Duration(FlagName(KeyIdleTimeout), defaults.IdleTimeout, "idle time after which a crew session is reclaimed")
	flags.String(FlagName(KeyCatalogDir), defaults.CatalogDir, "directory of crew definition YAML files")
	flags.Bool(FlagName(KeyWatchCatalog), defaults.WatchCatalog, "reload the crew catalog when its directory changes")
	flags.Duration(FlagName(KeyDemoStepDelay), defaults.DemoStepDelay, "delay between events of the demo activity script")
}

func readFlags(flags *pflag.FlagSet) (overlay, error) {
	var values overlay
	var err error
	changed := func(key string) bool {
		return err == nil && flags.Lookup(FlagName(key)) != nil && flags.Changed(FlagName(key))
	}
	if changed(KeyAddr) {
		values.Addr = lookup(flags.GetString, KeyAddr, &err)
	}
	if changed(KeyAuthToken) {
		values.AuthToken = lookup(flags.GetString, KeyAuthToken, &err)
	}
	if changed(KeyAllowedOrigins) {
		values.AllowedOrigins = lookup(flags.GetStringSlice, KeyAllowedOrigins, &err)
	}
	if changed(KeyLogLevel) {
		values.LogLevel = lookup(flags.GetString, KeyLogLevel, &err)
	}
	if changed(KeyLogBufferSize) {
		values.LogBufferSize = lookup(flags.GetInt, KeyLogBufferSize, &err)
	}
	if changed(KeyMaxConnectionsPerChannel) {
		values.MaxConnectionsPerChannel = lookup(flags.GetInt, KeyMaxConnectionsPerChannel, &err)
	}
	if changed(KeyWriteTimeout) {
		values.WriteTimeout = lookup(flags.GetDuration, KeyWriteTimeout, &err)
	}
	if changed(KeyMaxActiveCrews) {
		values.MaxActiveCrews = lookup(flags.GetInt, KeyMaxActiveCrews, &err)
	}
	if changed(KeyCleanupInterval) {
		values.CleanupInterval = lookup(flags.GetDuration, KeyCleanupInterval, &err)
	}
	if changed(KeyIdleTimeout) {
		values.IdleTimeout = lookup(flags.GetDuration, KeyIdleTimeout, &err)
	}
	if changed(KeyCatalogDir) {
		values.CatalogDir = lookup(flags.GetString, KeyCatalogDir, &err)
	}
	if changed(KeyWatchCatalog) {
		values.WatchCatalog = lookup(flags.GetBool, KeyWatchCatalog, &err)
	}
	if changed(KeyDemoStepDelay) {
		values.DemoStepDelay = lookup(flags.GetDuration, KeyDemoStepDelay, &err)
	}
	return values, err
}

func lookup[T any](get func(string) (T, error), key string, errp *error) *T {
	value, err := get(FlagName(key))
	if err != nil {
		*errp = err
		return nil
	}
	return &value
}
