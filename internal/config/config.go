package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/ghodss/yaml"
	"github.com/gobwas/glob"
	"github.com/mitchellh/go-homedir"
)

// envOverrides holds settings that may be supplied through the environment
type envOverrides struct {
	LogLevel  string `env:"OFFLINEGATE_LOG_LEVEL"`
	OriginURL string `env:"OFFLINEGATE_ORIGIN_URL"`
	CacheName string `env:"OFFLINEGATE_CACHE_NAME"`
	CachePath string `env:"OFFLINEGATE_CACHE_PATH"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand config path: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := decode(path, data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithDefaults is Load that tolerates a missing file: every field then
// comes from defaults and the environment.
func LoadWithDefaults(path string) (*Config, error) {
	if path == "" {
		cfg := &Config{}
		if err := finish(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	cfg, err := Load(path)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		cfg = &Config{}
		if err := finish(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return cfg, err
}

// finish applies environment overrides, defaults and validation
func finish(cfg *Config) error {
	if err := applyEnv(cfg); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	applyDefaults(cfg)

	if cfg.Cache.Path != "" {
		p, err := homedir.Expand(cfg.Cache.Path)
		if err != nil {
			return fmt.Errorf("failed to expand cache.path: %w", err)
		}
		cfg.Cache.Path = p
	}

	if err := validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// decode picks the decoder by file extension; JSON is the default
func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func applyEnv(cfg *Config) error {
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return err
	}
	if ov.LogLevel != "" {
		cfg.LogLevel = ov.LogLevel
	}
	if ov.OriginURL != "" {
		cfg.Origin.URL = ov.OriginURL
	}
	if ov.CacheName != "" {
		cfg.Cache.Name = ov.CacheName
	}
	if ov.CachePath != "" {
		cfg.Cache.Path = ov.CachePath
	}
	return nil
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.AdminPort == 0 {
		cfg.AdminPort = DefaultAdminPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}

	if cfg.Origin.URL == "" {
		cfg.Origin.URL = DefaultOriginURL
	}
	if cfg.Origin.RequestTimeout == 0 {
		cfg.Origin.RequestTimeout = DefaultRequestTimeout
	}
	if cb := cfg.Origin.CircuitBreaker; cb != nil {
		if cb.FailureThreshold == 0 {
			cb.FailureThreshold = DefaultFailureThreshold
		}
		if cb.RecoveryTimeout == 0 {
			cb.RecoveryTimeout = DefaultRecoveryTimeout
		}
		if cb.HalfOpenRequests == 0 {
			cb.HalfOpenRequests = DefaultHalfOpenRequests
		}
	}
	if hc := cfg.Origin.HealthCheck; hc != nil {
		if hc.Interval == 0 {
			hc.Interval = DefaultHealthInterval
		}
		if hc.Path == "" {
			hc.Path = cfg.Cache.FallbackRoute
			if hc.Path == "" {
				hc.Path = DefaultFallbackRoute
			}
		}
	}

	if cfg.Cache.Name == "" {
		cfg.Cache.Name = DefaultCacheName
	}
	// nil means unset; an explicit empty list disables stale deletion
	if cfg.Cache.StalePatterns == nil {
		cfg.Cache.StalePatterns = append([]string(nil), DefaultStalePatterns...)
	}
	if cfg.Cache.Routes == nil {
		cfg.Cache.Routes = append([]string(nil), DefaultRoutes...)
	}
	cfg.Cache.Routes = dedupRoutes(cfg.Cache.Routes)
	if cfg.Cache.FallbackRoute == "" {
		cfg.Cache.FallbackRoute = DefaultFallbackRoute
	}
	if cfg.Cache.Store == "" {
		cfg.Cache.Store = DefaultStore
	}
	if cfg.Cache.Store == StoreSQLite && cfg.Cache.Path == "" {
		cfg.Cache.Path = DefaultSQLitePath
	}
	if cfg.Cache.Size == 0 {
		cfg.Cache.Size = DefaultCacheSize
	}

	if cfg.Offline == nil {
		cfg.Offline = &OfflineConfig{}
	}
	if cfg.Offline.Status == 0 {
		cfg.Offline.Status = DefaultOfflineStatus
	}
	if cfg.Offline.Body == "" {
		cfg.Offline.Body = DefaultOfflineBody
	}
}

// dedupRoutes drops repeated routes, keeping the first occurrence
func dedupRoutes(routes []string) []string {
	seen := make(map[string]bool, len(routes))
	out := make([]string, 0, len(routes))
	for _, r := range routes {
		r = strings.TrimSpace(r)
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if cfg.AdminPort < 1 || cfg.AdminPort > 65535 {
		return fmt.Errorf("adminPort must be between 1 and 65535")
	}
	if cfg.Port == cfg.AdminPort {
		return fmt.Errorf("port and adminPort must differ")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}

	u, err := url.Parse(cfg.Origin.URL)
	if err != nil {
		return fmt.Errorf("origin.url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin.url must use http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("origin.url must include a host")
	}
	if cfg.Origin.RequestTimeout < 0 {
		return fmt.Errorf("origin.requestTimeout must be non-negative")
	}
	if cfg.Origin.MaxBodySize < 0 {
		return fmt.Errorf("origin.maxBodySize must be non-negative")
	}
	if cb := cfg.Origin.CircuitBreaker; cb != nil && cb.Enabled {
		if cb.FailureThreshold < 1 {
			return fmt.Errorf("origin.circuitBreaker.failureThreshold must be positive")
		}
		if cb.RecoveryTimeout < 1 {
			return fmt.Errorf("origin.circuitBreaker.recoveryTimeout must be positive")
		}
	}
	if hc := cfg.Origin.HealthCheck; hc != nil && hc.Enabled {
		if hc.Interval < 1 {
			return fmt.Errorf("origin.healthCheck.interval must be positive")
		}
		if !strings.HasPrefix(hc.Path, "/") {
			return fmt.Errorf("origin.healthCheck.path must start with /")
		}
	}

	if strings.TrimSpace(cfg.Cache.Name) == "" {
		return errors.New("cache.name is required")
	}
	for i, p := range cfg.Cache.StalePatterns {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("cache.stalePatterns[%d]: pattern is empty", i)
		}
		if _, err := glob.Compile(p); err != nil {
			return fmt.Errorf("cache.stalePatterns[%d]: %w", i, err)
		}
	}
	for i, r := range cfg.Cache.Routes {
		if !strings.HasPrefix(r, "/") {
			return fmt.Errorf("cache.routes[%d]: route '%s' must start with '/'", i, r)
		}
	}
	if !strings.HasPrefix(cfg.Cache.FallbackRoute, "/") {
		return fmt.Errorf("cache.fallbackRoute must start with '/'")
	}

	switch cfg.Cache.Store {
	case StoreMemory:
		if cfg.Cache.Size < 1 {
			return fmt.Errorf("cache.size must be positive")
		}
		if cfg.Cache.Size <= len(cfg.Cache.Routes) {
			return fmt.Errorf("cache.size must exceed the number of cache.routes (%d)", len(cfg.Cache.Routes))
		}
	case StoreSQLite:
	default:
		return fmt.Errorf("cache.store must be 'memory' or 'sqlite'")
	}

	if cfg.Offline.Status < 400 || cfg.Offline.Status > 599 {
		return fmt.Errorf("offline.status must be an error status (400-599)")
	}

	return nil
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
