// Package config provides centralized configuration management for flagwire.
// Settings are layered in this order:
// Layer 1: built-in defaults (Defaults)
// Layer 2: the user config file, read by viper in the cmd package
// Layer 3: FLAGWIRE_* environment variables and runtime overrides
package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/appidentity"
	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"

	"github.com/flagwire/flagwire/internal/appid"
)

var (
	// appConfig holds the current application configuration
	appConfig   *Config
	configMu    sync.RWMutex
	appIdentity *appidentity.Identity
)

// EnvVarSpec defines environment variable mappings for config fields
// following the pattern: {PREFIX}{NAME} maps to config path
type EnvVarSpec = gfconfig.EnvVarSpec

// Environment variable types
const (
	EnvString = gfconfig.EnvString
	EnvInt    = gfconfig.EnvInt
	EnvBool   = gfconfig.EnvBool
)

// Defaults returns the built-in settings keyed by dotted config path.
func Defaults() map[string]any {
	return map[string]any{
		"client.api_host":                "http://localhost:8080",
		"client.project_token":           "",
		"client.bootstrap_distinct_id":   "",
		"client.initial_properties":      map[string]any{},
		"client.debounce":                "0s",
		"client.request_timeout":         "10s",
		"client.max_requests_per_second": 0.0,

		"rate_limit.bucket_size":     10,
		"rate_limit.refill_rate":     1,
		"rate_limit.refill_interval": "10s",

		"exception_rate_limit.bucket_size":     10,
		"exception_rate_limit.refill_rate":     1,
		"exception_rate_limit.refill_interval": "10s",

		"server.host":             "localhost",
		"server.port":             8080,
		"server.read_timeout":     "30s",
		"server.write_timeout":    "30s",
		"server.idle_timeout":     "120s",
		"server.shutdown_timeout": "10s",

		"store.driver":     "libsql",
		"store.path":       "",
		"store.url":        "",
		"store.auth_token": "",

		"backend.flags":                      map[string]any{},
		"backend.flags_file":                 "",
		"backend.rate_limit.bucket_size":     20,
		"backend.rate_limit.refill_rate":     5,
		"backend.rate_limit.refill_interval": "1s",

		"logging.level":   "info",
		"logging.profile": "structured",

		"metrics.enabled": true,
		"metrics.port":    9090,

		"health.enabled": true,
	}
}

// Load builds the typed configuration from settings (usually
// viper.AllSettings()) layered over Defaults, then environment variables,
// then runtimeOverrides.
//
// This function is safe to call multiple times (e.g., for config reload)
func Load(ctx context.Context, settings map[string]any, runtimeOverrides ...map[string]any) (*Config, error) {
	if appIdentity == nil {
		identity, err := appid.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load app identity: %w", err)
		}
		appIdentity = identity
	}

	merged := map[string]any{}
	for path, value := range Defaults() {
		setPath(merged, path, value)
	}
	mergeMaps(merged, settings)

	envOverrides, err := gfconfig.LoadEnvOverrides(getEnvSpecs())
	if err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}
	mergeMaps(merged, envOverrides)
	for _, overrides := range runtimeOverrides {
		mergeMaps(merged, overrides)
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(merged); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setConfig(cfg)
	return cfg, nil
}

// Validate checks settings that cannot be clamped into range.
func (c *Config) Validate() error {
	var problems []string
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		problems = append(problems, fmt.Sprintf("metrics.port %d is out of range", c.Metrics.Port))
	}
	if c.Client.RequestTimeout < 0 {
		problems = append(problems, "client.request_timeout must not be negative")
	}
	if c.Client.MaxRequestsPerSecond < 0 {
		problems = append(problems, "client.max_requests_per_second must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Validate checks that the client can reach a backend.
func (c ClientConfig) Validate() error {
	if strings.TrimSpace(c.ProjectToken) == "" {
		return errors.New("client.project_token is required")
	}
	host := strings.TrimSpace(c.APIHost)
	if host == "" {
		return errors.New("client.api_host is required")
	}
	parsed, err := url.Parse(host)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("client.api_host %q is not an absolute URL", host)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("client.api_host scheme %q is not supported", parsed.Scheme)
	}
	return nil
}

// ResolveFlags returns the configured flags with FlagsFile merged over them.
func (b BackendConfig) ResolveFlags() (map[string]any, error) {
	flags := make(map[string]any, len(b.Flags))
	for key, value := range b.Flags {
		flags[key] = value
	}
	if strings.TrimSpace(b.FlagsFile) == "" {
		return flags, nil
	}

	fromFile, err := LoadFlagsFile(b.FlagsFile)
	if err != nil {
		return nil, err
	}
	for key, value := range fromFile {
		flags[key] = value
	}
	return flags, nil
}

// LoadFlagsFile reads a YAML mapping of flag key to value.
func LoadFlagsFile(path string) (map[string]any, error) {
	// #nosec G304 -- path comes from operator configuration
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read flags file: %w", err)
	}
	flags := map[string]any{}
	if err := yaml.Unmarshal(raw, &flags); err != nil {
		return nil, fmt.Errorf("parse flags file %s: %w", path, err)
	}
	for key, value := range flags {
		switch value.(type) {
		case bool, string:
		default:
			return nil, fmt.Errorf("flag %q in %s must be a boolean or variant string", key, path)
		}
	}
	return flags, nil
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// getEnvSpecs returns the environment variable bindings for config keys
// Maps {PREFIX}{NAME} environment variables to config paths
func getEnvSpecs() []EnvVarSpec {
	if appIdentity == nil {
		return []EnvVarSpec{}
	}

	prefix := appIdentity.EnvPrefix
	if !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}

	return []EnvVarSpec{
		// Client config
		{Name: prefix + "API_HOST", Path: []string{"client", "api_host"}, Type: EnvString},
		{Name: prefix + "PROJECT_TOKEN", Path: []string{"client", "project_token"}, Type: EnvString},
		{Name: prefix + "BOOTSTRAP_DISTINCT_ID", Path: []string{"client", "bootstrap_distinct_id"}, Type: EnvString},
		// Duration and float fields are parsed as strings and converted by mapstructure decode hooks
		{Name: prefix + "DEBOUNCE", Path: []string{"client", "debounce"}, Type: EnvString},
		{Name: prefix + "REQUEST_TIMEOUT", Path: []string{"client", "request_timeout"}, Type: EnvString},
		{Name: prefix + "MAX_REQUESTS_PER_SECOND", Path: []string{"client", "max_requests_per_second"}, Type: EnvString},

		// Rate limit config
		{Name: prefix + "RATE_LIMIT_BUCKET_SIZE", Path: []string{"rate_limit", "bucket_size"}, Type: EnvInt},
		{Name: prefix + "RATE_LIMIT_REFILL_RATE", Path: []string{"rate_limit", "refill_rate"}, Type: EnvInt},
		{Name: prefix + "RATE_LIMIT_REFILL_INTERVAL", Path: []string{"rate_limit", "refill_interval"}, Type: EnvString},

		// Server config
		{Name: prefix + "HOST", Path: []string{"server", "host"}, Type: EnvString},
		{Name: prefix + "PORT", Path: []string{"server", "port"}, Type: EnvInt},
		{Name: prefix + "READ_TIMEOUT", Path: []string{"server", "read_timeout"}, Type: EnvString},
		{Name: prefix + "WRITE_TIMEOUT", Path: []string{"server", "write_timeout"}, Type: EnvString},
		{Name: prefix + "IDLE_TIMEOUT", Path: []string{"server", "idle_timeout"}, Type: EnvString},
		{Name: prefix + "SHUTDOWN_TIMEOUT", Path: []string{"server", "shutdown_timeout"}, Type: EnvString},

		// Logging config
		{Name: prefix + "LOG_LEVEL", Path: []string{"logging", "level"}, Type: EnvString},
		{Name: prefix + "LOG_PROFILE", Path: []string{"logging", "profile"}, Type: EnvString},

		// Store config
		{Name: prefix + "DB_DRIVER", Path: []string{"store", "driver"}, Type: EnvString},
		{Name: prefix + "DB_PATH", Path: []string{"store", "path"}, Type: EnvString},
		{Name: prefix + "DB_URL", Path: []string{"store", "url"}, Type: EnvString},
		{Name: prefix + "DB_AUTH_TOKEN", Path: []string{"store", "auth_token"}, Type: EnvString},

		// Backend config
		{Name: prefix + "BACKEND_FLAGS_FILE", Path: []string{"backend", "flags_file"}, Type: EnvString},

		// Metrics config
		{Name: prefix + "METRICS_ENABLED", Path: []string{"metrics", "enabled"}, Type: EnvBool},
		{Name: prefix + "METRICS_PORT", Path: []string{"metrics", "port"}, Type: EnvInt},

		// Health config
		{Name: prefix + "HEALTH_ENABLED", Path: []string{"health", "enabled"}, Type: EnvBool},
	}
}

// EnvVarNames lists the recognised environment variables, sorted.
func EnvVarNames() []string {
	specs := getEnvSpecs()
	names := make([]string, 0, len(specs))
	for _, spec := range specs {
		names = append(names, spec.Name)
	}
	sort.Strings(names)
	return names
}

// appNamesForPaths returns the config name and binary name from app identity,
// falling back to "flagwire" if not set.
func appNamesForPaths() (configName string, binaryName string) {
	configName = "flagwire"
	binaryName = "flagwire"
	if appIdentity == nil {
		if identity, err := appid.Get(context.Background()); err == nil {
			appIdentity = identity
		}
	}
	if appIdentity == nil {
		return configName, binaryName
	}

	if strings.TrimSpace(appIdentity.ConfigName) != "" {
		configName = appIdentity.ConfigName
	}
	if strings.TrimSpace(appIdentity.BinaryName) != "" {
		binaryName = appIdentity.BinaryName
	}
	return configName, binaryName
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configName, _ := appNamesForPaths()
	configDir := gfconfig.GetAppConfigDir(configName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	configName, binaryName := appNamesForPaths()
	dataDir := gfconfig.GetAppDataDir(configName)
	if strings.TrimSpace(dataDir) == "" {
		return "./" + binaryName + ".db"
	}
	return filepath.Join(dataDir, binaryName+".db")
}

// setPath stores value under a dotted path, creating intermediate maps.
func setPath(root map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	node := root
	for _, part := range parts[:len(parts)-1] {
		node = ensureMap(node, part)
	}
	node[parts[len(parts)-1]] = value
}

// mergeMaps deep-merges src into dst; src wins on conflicts.
func mergeMaps(dst, src map[string]any) {
	for key, value := range src {
		srcMap, srcIsMap := asStringMap(value)
		dstMap, dstIsMap := asStringMap(dst[key])
		if srcIsMap && dstIsMap {
			mergeMaps(dstMap, srcMap)
			dst[key] = dstMap
			continue
		}
		dst[key] = value
	}
}

func asStringMap(value any) (map[string]any, bool) {
	switch typed := value.(type) {
	case map[string]any:
		return typed, true
	case map[any]any:
		out := make(map[string]any, len(typed))
		for k, v := range typed {
			out[fmt.Sprint(k)] = v
		}
		return out, true
	default:
		return nil, false
	}
}

func ensureMap(parent map[string]any, key string) map[string]any {
	if existing, ok := parent[key]; ok {
		if typed, ok := existing.(map[string]any); ok {
			return typed
		}
	}
	next := map[string]any{}
	parent[key] = next
	return next
}
