package config

import "time"

// StoreKind selects the cache storage backend
type StoreKind string

const (
	StoreMemory StoreKind = "memory"
	StoreSQLite StoreKind = "sqlite"
)

// Config represents the main configuration structure
type Config struct {
	Host      string         `json:"host" toml:"host"`
	Port      int            `json:"port" toml:"port"`
	AdminPort int            `json:"adminPort" toml:"adminPort"`
	LogLevel  string         `json:"logLevel" toml:"logLevel"`
	Origin    OriginConfig   `json:"origin" toml:"origin"`
	Cache     CacheConfig    `json:"cache" toml:"cache"`
	Offline   *OfflineConfig `json:"offline,omitempty" toml:"offline"`
}

// OriginConfig describes the upstream application server
type OriginConfig struct {
	URL            string                `json:"url" toml:"url"`
	RequestTimeout int                   `json:"requestTimeout" toml:"requestTimeout"` // ms
	MaxBodySize    int64                 `json:"maxBodySize" toml:"maxBodySize"`       // bytes, 0 means no limit
	CircuitBreaker *CircuitBreakerConfig `json:"circuitBreaker,omitempty" toml:"circuitBreaker"`
	HealthCheck    *HealthCheckConfig    `json:"healthCheck,omitempty" toml:"healthCheck"`
}

// HealthCheckConfig controls periodic origin probing
type HealthCheckConfig struct {
	Enabled  bool   `json:"enabled" toml:"enabled"`
	Interval int    `json:"interval" toml:"interval"` // ms
	Path     string `json:"path" toml:"path"`
}

// CircuitBreakerConfig controls fast offline detection for the origin
type CircuitBreakerConfig struct {
	Enabled          bool `json:"enabled" toml:"enabled"`
	FailureThreshold int  `json:"failureThreshold" toml:"failureThreshold"`
	RecoveryTimeout  int  `json:"recoveryTimeout" toml:"recoveryTimeout"` // ms
	HalfOpenRequests int  `json:"halfOpenRequests" toml:"halfOpenRequests"`
}

// CacheConfig describes the versioned offline cache
type CacheConfig struct {
	Name          string    `json:"name" toml:"name"`                   // current cache name, carries the version tag
	StalePatterns []string  `json:"stalePatterns" toml:"stalePatterns"` // glob patterns of superseded cache names
	Routes        []string  `json:"routes" toml:"routes"`               // paths prefetched at install
	FallbackRoute string    `json:"fallbackRoute" toml:"fallbackRoute"` // served when the origin is unreachable
	Store         StoreKind `json:"store" toml:"store"`
	Path          string    `json:"path" toml:"path"` // sqlite file path
	Size          int       `json:"size" toml:"size"` // entries per named cache (memory store)
}

// OfflineConfig is the page returned when neither cache nor origin can answer
type OfflineConfig struct {
	Status int    `json:"status" toml:"status"`
	Body   string `json:"body" toml:"body"`
}

// Default values
const (
	DefaultHost             = "localhost"
	DefaultPort             = 8080
	DefaultAdminPort        = 8081
	DefaultLogLevel         = "info"
	DefaultOriginURL        = "http://127.0.0.1:8000"
	DefaultRequestTimeout   = 10000 // ms
	DefaultCacheName        = "todo-v2"
	DefaultFallbackRoute    = "/"
	DefaultStore            = StoreMemory
	DefaultSQLitePath       = "offlinegate.db"
	DefaultCacheSize        = 1000
	DefaultFailureThreshold = 3
	DefaultRecoveryTimeout  = 15000 // ms
	DefaultHalfOpenRequests = 1
	DefaultHealthInterval   = 30000 // ms
	DefaultOfflineStatus    = 503
	DefaultOfflineBody      = `<!doctype html><html><head><title>Offline</title></head><body><h1>You are offline</h1><p>This page has not been saved for offline use yet.</p></body></html>`
)

// DefaultRoutes is the navigation allowlist prefetched at install
var DefaultRoutes = []string{"/", "/inbox/", "/today/", "/upcoming/", "/today/", "/done/", "/projects/"}

// DefaultStalePatterns names the cache lineages this version supersedes
var DefaultStalePatterns = []string{"solo-todo-*", "todo-v1"}

// GetRequestTimeoutDuration returns origin request timeout as time.Duration
func (c *OriginConfig) GetRequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

// IsCircuitBreakerEnabled returns true if the breaker is configured and enabled
func (c *OriginConfig) IsCircuitBreakerEnabled() bool {
	return c.CircuitBreaker != nil && c.CircuitBreaker.Enabled
}

// IsHealthCheckEnabled returns true if origin probing is configured and enabled
func (c *OriginConfig) IsHealthCheckEnabled() bool {
	return c.HealthCheck != nil && c.HealthCheck.Enabled
}

// GetIntervalDuration returns the probe interval as time.Duration
func (c *HealthCheckConfig) GetIntervalDuration() time.Duration {
	return time.Duration(c.Interval) * time.Millisecond
}

// GetRecoveryTimeoutDuration returns breaker recovery timeout as time.Duration
func (c *CircuitBreakerConfig) GetRecoveryTimeoutDuration() time.Duration {
	return time.Duration(c.RecoveryTimeout) * time.Millisecond
}

// ProxyAddr returns the listen address of the proxy
func (c *Config) ProxyAddr() string {
	return joinHostPort(c.Host, c.Port)
}

// AdminAddr returns the listen address of the admin endpoints
func (c *Config) AdminAddr() string {
	return joinHostPort(c.Host, c.AdminPort)
}
