// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Quota       QuotaConfig       `yaml:"quota"`
	Routing     RoutingConfig     `yaml:"routing"`
	Resolver    ResolverConfig    `yaml:"resolver"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Adaptive    AdaptiveConfig    `yaml:"adaptive"`
	Health      HealthConfig      `yaml:"health"`
	Affinity    AffinityConfig    `yaml:"affinity"`
	Stream      StreamConfig      `yaml:"stream"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Recorder    RecorderConfig    `yaml:"recorder"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Providers   []ProviderSeed    `yaml:"providers"`
	Models      []ModelSeed       `yaml:"models"`
	Mappings    []MappingSeed     `yaml:"mappings"`
	Keys        []KeySeed         `yaml:"keys"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// RedisConfig holds the shared-state store settings. An empty Addr disables
// Redis; slot counters and affinity then run on the in-process backends.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QuotaConfig holds caller rate limiting defaults.
type QuotaConfig struct {
	DefaultRPM int64 `yaml:"default_rpm"` // 0 = unlimited
}

// RoutingConfig controls candidate ordering.
type RoutingConfig struct {
	// PriorityMode selects the primary sort key after cache affinity:
	// "provider" (default) or "credential".
	PriorityMode string `yaml:"priority_mode"`
	// ProviderBatch bounds enumeration per batch over pathological catalogs.
	ProviderBatch int `yaml:"provider_batch"`
}

// ResolverConfig controls the model resolution cache.
type ResolverConfig struct {
	CacheTTL   time.Duration `yaml:"cache_ttl"`
	CacheSize  int           `yaml:"cache_size"`
	SimilarTop int           `yaml:"similar_top"` // suggestions on unknown model
}

// ConcurrencyConfig controls the slot manager.
type ConcurrencyConfig struct {
	// Backend is "auto" (redis when configured, else memory), "redis", or "memory".
	Backend string        `yaml:"backend"`
	SlotTTL time.Duration `yaml:"slot_ttl"`
	// ReservationRatio is the credential-cap share reserved for cache-affine
	// callers, 0 <= r < 1.
	ReservationRatio float64 `yaml:"reservation_ratio"`
	// FailPolicy decides behavior when redis is configured but unreachable:
	// "open" degrades to local counters at half cap, "closed" refuses slots.
	FailPolicy   string        `yaml:"fail_policy"`
	LongHoldWarn time.Duration `yaml:"long_hold_warn"`
}

// AdaptiveConfig holds the concurrency tuner defaults.
type AdaptiveConfig struct {
	Initial            int           `yaml:"initial"`
	Min                int           `yaml:"min"`
	Max                int           `yaml:"max"`
	IncreaseStep       int           `yaml:"increase_step"`
	DecreaseMultiplier float64       `yaml:"decrease_multiplier"` // on concurrency 429
	UnknownMultiplier  float64       `yaml:"unknown_multiplier"`  // on unknown 429
	UtilThreshold      float64       `yaml:"util_threshold"`
	UtilShare          float64       `yaml:"util_share"` // fraction of samples above threshold
	WindowMinSamples   int           `yaml:"window_min_samples"`
	WindowMaxSamples   int           `yaml:"window_max_samples"`
	WindowAge          time.Duration `yaml:"window_age"`
	Cooldown           time.Duration `yaml:"cooldown"` // post-429 increase freeze
	ProbeInterval      time.Duration `yaml:"probe_interval"`
	ProbeMinRequests   int           `yaml:"probe_min_requests"`
	ProbeMinAvgUtil    float64       `yaml:"probe_min_avg_util"`
	HistorySize        int           `yaml:"history_size"`
}

// HealthConfig holds circuit breaker thresholds.
type HealthConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// AffinityConfig controls the cache-affinity store.
type AffinityConfig struct {
	// Backend is "auto", "redis", or "memory".
	Backend    string `yaml:"backend"`
	MaxEntries int    `yaml:"max_entries"` // memory backend bound
}

// StreamConfig holds stream processor thresholds.
type StreamConfig struct {
	SniffFrames   int           `yaml:"sniff_frames"` // early error detection depth
	EmptyChunkMax int           `yaml:"empty_chunk_max"`
	DataTimeout   time.Duration `yaml:"data_timeout"`
	FlushDelay    time.Duration `yaml:"flush_delay"` // pre-telemetry settle
	KeepAlive     time.Duration `yaml:"keep_alive"`
}

// UpstreamConfig holds outbound HTTP transport settings.
type UpstreamConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	DefaultTimeout time.Duration `yaml:"default_timeout"` // endpoint override wins
	IdleConnTTL    time.Duration `yaml:"idle_conn_ttl"`
	MaxIdleConns   int           `yaml:"max_idle_conns"`
}

// RecorderConfig holds async writer settings.
type RecorderConfig struct {
	UsageBatch      int           `yaml:"usage_batch"`
	UsageInterval   time.Duration `yaml:"usage_interval"`
	RecordBatch     int           `yaml:"record_batch"`
	RecordInterval  time.Duration `yaml:"record_interval"`
	AdaptiveSync    time.Duration `yaml:"adaptive_sync"`
	CatalogReload   time.Duration `yaml:"catalog_reload"`
	EvictionSweep   time.Duration `yaml:"eviction_sweep"`
	RetentionPeriod time.Duration `yaml:"retention_period"` // candidate record GC
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// --- Catalog seeds (bootstrap on empty store) ---

// ProviderSeed declares a provider with its endpoints and credentials.
type ProviderSeed struct {
	Name      string         `yaml:"name"`
	Priority  int            `yaml:"priority"`
	Endpoints []EndpointSeed `yaml:"endpoints"`
}

// EndpointSeed declares one endpoint of a provider.
type EndpointSeed struct {
	BaseURL        string            `yaml:"base_url"`
	Format         string            `yaml:"format"`
	PathTemplate   string            `yaml:"path_template"`
	Headers        map[string]string `yaml:"headers"`
	AuthMode       string            `yaml:"auth_mode"`
	Region         string            `yaml:"region"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	MaxRetries     int               `yaml:"max_retries"`
	MaxConcurrent  *int              `yaml:"max_concurrent"`
	NoStream       bool              `yaml:"no_stream"`
	Credentials    []CredentialSeed  `yaml:"credentials"`
}

// CredentialSeed declares one upstream key.
type CredentialSeed struct {
	Name            string   `yaml:"name"`
	Secret          string   `yaml:"secret"`
	Priority        int      `yaml:"priority"`
	MaxConcurrent   *int     `yaml:"max_concurrent"` // absent = adaptive
	CacheTTLMinutes int      `yaml:"cache_ttl_minutes"`
	Capabilities    []string `yaml:"capabilities"`
}

// ModelSeed declares a GlobalModel and its per-provider implementations.
type ModelSeed struct {
	Name         string          `yaml:"name"`
	DisplayName  string          `yaml:"display_name"`
	Capabilities []string        `yaml:"capabilities"`
	Providers    []ModelImplSeed `yaml:"providers"`
}

// ModelImplSeed binds a model to a provider under an upstream name.
type ModelImplSeed struct {
	Provider     string `yaml:"provider"` // provider name
	UpstreamName string `yaml:"upstream_name"`
}

// MappingSeed declares a model rewrite rule.
type MappingSeed struct {
	Source   string `yaml:"source"`
	Target   string `yaml:"target"`   // GlobalModel name
	Provider string `yaml:"provider"` // scope; empty = global
	Kind     string `yaml:"kind"`     // "alias" or "mapping"
}

// KeySeed is a caller API key seed.
type KeySeed struct {
	Name             string   `yaml:"name"`
	Key              string   `yaml:"key"` // plaintext, hashed on bootstrap
	AllowedProviders []string `yaml:"allowed_providers"`
	RPMLimit         int64    `yaml:"rpm_limit"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Default returns the configuration defaults applied before unmarshal.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{DSN: "strider.db"},
		Quota:    QuotaConfig{DefaultRPM: 60},
		Routing: RoutingConfig{
			PriorityMode:  "provider",
			ProviderBatch: 20,
		},
		Resolver: ResolverConfig{
			CacheTTL:   5 * time.Minute,
			CacheSize:  10_000,
			SimilarTop: 5,
		},
		Concurrency: ConcurrencyConfig{
			Backend:          "auto",
			SlotTTL:          5 * time.Minute,
			ReservationRatio: 0.3,
			FailPolicy:       "open",
			LongHoldWarn:     60 * time.Second,
		},
		Adaptive: AdaptiveConfig{
			Initial:            5,
			Min:                1,
			Max:                200,
			IncreaseStep:       1,
			DecreaseMultiplier: 0.7,
			UnknownMultiplier:  0.9,
			UtilThreshold:      0.7,
			UtilShare:          0.6,
			WindowMinSamples:   20,
			WindowMaxSamples:   200,
			WindowAge:          10 * time.Minute,
			Cooldown:           60 * time.Second,
			ProbeInterval:      30 * time.Minute,
			ProbeMinRequests:   100,
			ProbeMinAvgUtil:    0.3,
			HistorySize:        20,
		},
		Health: HealthConfig{
			FailureThreshold: 5,
			FailureWindow:    60 * time.Second,
			OpenTimeout:      30 * time.Second,
		},
		Affinity: AffinityConfig{
			Backend:    "auto",
			MaxEntries: 100_000,
		},
		Stream: StreamConfig{
			SniffFrames:   5,
			EmptyChunkMax: 8,
			DataTimeout:   30 * time.Second,
			FlushDelay:    100 * time.Millisecond,
			KeepAlive:     15 * time.Second,
		},
		Upstream: UpstreamConfig{
			ConnectTimeout: 10 * time.Second,
			DefaultTimeout: 5 * time.Minute,
			IdleConnTTL:    90 * time.Second,
			MaxIdleConns:   100,
		},
		Recorder: RecorderConfig{
			UsageBatch:      100,
			UsageInterval:   5 * time.Second,
			RecordBatch:     100,
			RecordInterval:  5 * time.Second,
			AdaptiveSync:    30 * time.Second,
			CatalogReload:   time.Minute,
			EvictionSweep:   10 * time.Minute,
			RetentionPeriod: 7 * 24 * time.Hour,
		},
	}
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges that would otherwise fail deep inside the core.
func (c *Config) Validate() error {
	if r := c.Concurrency.ReservationRatio; r < 0 || r >= 1 {
		return fmt.Errorf("concurrency.reservation_ratio %v out of range [0,1)", r)
	}
	switch c.Concurrency.Backend {
	case "auto", "redis", "memory":
	default:
		return fmt.Errorf("concurrency.backend %q invalid", c.Concurrency.Backend)
	}
	switch c.Concurrency.FailPolicy {
	case "open", "closed":
	default:
		return fmt.Errorf("concurrency.fail_policy %q invalid", c.Concurrency.FailPolicy)
	}
	switch c.Affinity.Backend {
	case "auto", "redis", "memory":
	default:
		return fmt.Errorf("affinity.backend %q invalid", c.Affinity.Backend)
	}
	switch c.Routing.PriorityMode {
	case "provider", "credential":
	default:
		return fmt.Errorf("routing.priority_mode %q invalid", c.Routing.PriorityMode)
	}
	if (c.Concurrency.Backend == "redis" || c.Affinity.Backend == "redis") && c.Redis.Addr == "" {
		return fmt.Errorf("redis backend selected but redis.addr is empty")
	}
	if c.Adaptive.Min < 1 {
		return fmt.Errorf("adaptive.min must be >= 1, got %d", c.Adaptive.Min)
	}
	if c.Adaptive.Max < c.Adaptive.Min {
		return fmt.Errorf("adaptive.max %d below adaptive.min %d", c.Adaptive.Max, c.Adaptive.Min)
	}
	return nil
}
