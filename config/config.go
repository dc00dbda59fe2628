// Package config loads the brokeragg YAML configuration.
//
// The file is expanded with ExpandEnvStrict before parsing, so API keys are
// written as `apiKey: ${T212_LIVE_KEY}` and never stored in the file.
// Durations use Go syntax ("90s", "5m").
package config

import (
	"fmt"
	"math"
	"os"
	"slices"
	"time"

	"go.trai.ch/zerr"
	"gopkg.in/yaml.v3"

	"github.com/jonwraymond/brokeragg/aggregator"
	"github.com/jonwraymond/brokeragg/batch"
	"github.com/jonwraymond/brokeragg/cache"
	"github.com/jonwraymond/brokeragg/observe"
	"github.com/jonwraymond/brokeragg/resilience"
	"github.com/jonwraymond/brokeragg/upstream"
)

// Errors returned by Load and Validate. zerr copies them when metadata is
// attached, so match on the message rather than with errors.Is.
var (
	ErrReadFailed    = zerr.New("failed to read config")
	ErrParseFailed   = zerr.New("failed to parse config")
	ErrMissingEnv    = zerr.New("missing required environment variables")
	ErrInvalidConfig = zerr.New("invalid config")
)

// Config is the root of the configuration file.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Batch     BatchConfig     `yaml:"batch"`
	Observe   ObserveConfig   `yaml:"observe"`
	Server    ServerConfig    `yaml:"server"`
	Sync      SyncConfig      `yaml:"sync"`
}

type ServiceConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type UpstreamConfig struct {
	LiveBaseURL     string        `yaml:"liveBaseURL"`
	DemoBaseURL     string        `yaml:"demoBaseURL"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxBodyBytes    int64         `yaml:"maxBodyBytes"`
	UserAgent       string        `yaml:"userAgent"`
	FetchTimeout    time.Duration `yaml:"fetchTimeout"`
	DefaultCurrency string        `yaml:"defaultCurrency"`
}

type CacheConfig struct {
	TTLs           map[string]time.Duration `yaml:"ttls"`
	MaxEntries     int                      `yaml:"maxEntries"`
	EvictFraction  float64                  `yaml:"evictFraction"`
	StaleRetention int                      `yaml:"staleRetention"`
	// HealthThreshold is the utilization at which /readyz reports degraded.
	HealthThreshold float64 `yaml:"healthThreshold"`
}

type RateLimitConfig struct {
	Window time.Duration `yaml:"window"`
	// A negative limit means unbounded.
	RequestLimit  float64 `yaml:"requestLimit"`
	UpstreamLimit float64 `yaml:"upstreamLimit"`
}

type BreakerConfig struct {
	MaxFailures        int           `yaml:"maxFailures"`
	MaxTimeoutFailures int           `yaml:"maxTimeoutFailures"`
	Cooldown           time.Duration `yaml:"cooldown"`
	TimeoutCooldown    time.Duration `yaml:"timeoutCooldown"`
}

type BatchConfig struct {
	Window        time.Duration `yaml:"window"`
	MaxBatchSize  int           `yaml:"maxBatchSize"`
	CallTimeout   time.Duration `yaml:"callTimeout"`
	MaxConcurrent int           `yaml:"maxConcurrent"`
}

type ObserveConfig struct {
	Tracing struct {
		Enabled   bool    `yaml:"enabled"`
		Exporter  string  `yaml:"exporter"`
		SamplePct float64 `yaml:"samplePct"`
	} `yaml:"tracing"`
	Metrics struct {
		Enabled  bool   `yaml:"enabled"`
		Exporter string `yaml:"exporter"`
	} `yaml:"metrics"`
	Logging struct {
		Enabled bool   `yaml:"enabled"`
		Level   string `yaml:"level"`
	} `yaml:"logging"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// Debug mounts the /debug introspection endpoints.
	Debug bool `yaml:"debug"`
}

type SyncConfig struct {
	Enabled       bool                   `yaml:"enabled"`
	Interval      time.Duration          `yaml:"interval"`
	IncludeOrders bool                   `yaml:"includeOrders"`
	Owner         string                 `yaml:"owner"`
	Accounts      []upstream.Credentials `yaml:"accounts"`
}

// Default returns the configuration used for every omitted field.
func Default() Config {
	var c Config
	c.Service = ServiceConfig{Name: "brokeragg", Version: "dev"}
	c.Upstream = UpstreamConfig{
		LiveBaseURL:     upstream.DefaultLiveBaseURL,
		DemoBaseURL:     upstream.DefaultDemoBaseURL,
		Timeout:         10 * time.Second,
		MaxBodyBytes:    4 << 20,
		UserAgent:       "brokeragg",
		FetchTimeout:    10 * time.Second,
		DefaultCurrency: "GBP",
	}

	p := cache.DefaultPolicy()
	c.Cache = CacheConfig{
		TTLs:            make(map[string]time.Duration, len(p.TTLs)),
		MaxEntries:      p.MaxEntries,
		EvictFraction:   p.EvictFraction,
		StaleRetention:  p.StaleRetention,
		HealthThreshold: 0.9,
	}
	for dt, ttl := range p.TTLs {
		c.Cache.TTLs[string(dt)] = ttl
	}

	c.RateLimit = RateLimitConfig{Window: time.Minute, RequestLimit: 30, UpstreamLimit: 30}
	c.Breaker = BreakerConfig{
		MaxFailures:        3,
		MaxTimeoutFailures: 5,
		Cooldown:           30 * time.Second,
		TimeoutCooldown:    45 * time.Second,
	}
	c.Batch = BatchConfig{
		Window:        50 * time.Millisecond,
		MaxBatchSize:  50,
		CallTimeout:   8 * time.Second,
		MaxConcurrent: 8,
	}

	c.Observe.Tracing.Exporter = "none"
	c.Observe.Tracing.SamplePct = 1
	c.Observe.Metrics.Enabled = true
	c.Observe.Metrics.Exporter = "prometheus"
	c.Observe.Logging.Enabled = true
	c.Observe.Logging.Level = "info"

	c.Server = ServerConfig{
		Addr:            ":8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
	c.Sync = SyncConfig{Interval: 5 * time.Minute, IncludeOrders: true, Owner: "default"}
	return c
}

// Load reads, expands and validates the file at path over Default().
func Load(path string) (Config, error) {
	// #nosec G304 -- path comes from the operator
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, zerr.With(zerr.Wrap(err, ErrReadFailed.Error()), "path", path)
	}
	return Parse(raw)
}

// Parse expands and decodes data over Default() and validates the result.
func Parse(data []byte) (Config, error) {
	expanded, err := ExpandEnvStrict(string(data))
	if err != nil {
		return Config{}, err
	}

	c := Default()
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return Config{}, zerr.Wrap(err, ErrParseFailed.Error())
	}
	if c.Cache.TTLs == nil {
		c.Cache.TTLs = make(map[string]time.Duration)
	}
	for name, ttl := range Default().Cache.TTLs {
		if _, ok := c.Cache.TTLs[name]; !ok {
			c.Cache.TTLs[name] = ttl
		}
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func invalid(field string, value any) error {
	err := zerr.Wrap(fmt.Errorf("%s = %v", field, value), ErrInvalidConfig.Error())
	return zerr.With(err, "field", field)
}

// Validate checks ranges and the sync account list.
func (c Config) Validate() error {
	if c.Service.Name == "" {
		return invalid("service.name", c.Service.Name)
	}
	for name, ttl := range c.Cache.TTLs {
		if !slices.Contains(cache.DataTypes, cache.DataType(name)) {
			return invalid("cache.ttls", name)
		}
		if ttl <= 0 {
			return invalid("cache.ttls."+name, ttl)
		}
	}
	if c.Cache.MaxEntries <= 0 {
		return invalid("cache.maxEntries", c.Cache.MaxEntries)
	}
	if c.Cache.EvictFraction <= 0 || c.Cache.EvictFraction > 1 {
		return invalid("cache.evictFraction", c.Cache.EvictFraction)
	}
	if c.RateLimit.Window <= 0 {
		return invalid("rateLimit.window", c.RateLimit.Window)
	}
	if c.RateLimit.RequestLimit == 0 || math.IsNaN(c.RateLimit.RequestLimit) {
		return invalid("rateLimit.requestLimit", c.RateLimit.RequestLimit)
	}
	if c.RateLimit.UpstreamLimit == 0 || math.IsNaN(c.RateLimit.UpstreamLimit) {
		return invalid("rateLimit.upstreamLimit", c.RateLimit.UpstreamLimit)
	}
	if c.Breaker.MaxFailures <= 0 {
		return invalid("breaker.maxFailures", c.Breaker.MaxFailures)
	}
	if c.Breaker.MaxTimeoutFailures <= 0 {
		return invalid("breaker.maxTimeoutFailures", c.Breaker.MaxTimeoutFailures)
	}
	if c.Batch.CallTimeout <= 0 || c.Batch.CallTimeout >= c.Upstream.FetchTimeout {
		return invalid("batch.callTimeout", c.Batch.CallTimeout)
	}
	if c.Sync.Enabled {
		if c.Sync.Interval <= 0 {
			return invalid("sync.interval", c.Sync.Interval)
		}
		if c.Sync.Owner == "" {
			return invalid("sync.owner", c.Sync.Owner)
		}
	}
	seen := make(map[string]bool, len(c.Sync.Accounts))
	for _, acct := range c.Sync.Accounts {
		if err := acct.Validate(); err != nil {
			err = zerr.Wrap(fmt.Errorf("sync.accounts: %w", err), ErrInvalidConfig.Error())
			return zerr.With(err, "field", "sync.accounts")
		}
		if seen[acct.Scope] {
			return invalid("sync.accounts.scope", acct.Scope)
		}
		seen[acct.Scope] = true
	}

	obs := c.ObserveConfig()
	if err := obs.Validate(); err != nil {
		return zerr.Wrap(err, ErrInvalidConfig.Error())
	}
	return nil
}

// Account returns the sync account for scope.
func (c Config) Account(scope string) (upstream.Credentials, bool) {
	for _, acct := range c.Sync.Accounts {
		if acct.Scope == scope {
			return acct, true
		}
	}
	return upstream.Credentials{}, false
}

func limit(v float64) float64 {
	if v < 0 {
		return math.Inf(1)
	}
	return v
}

// AggregatorConfig converts to aggregator.Config.
func (c Config) AggregatorConfig() aggregator.Config {
	return aggregator.Config{
		Window:            c.RateLimit.Window,
		RequestLimit:      limit(c.RateLimit.RequestLimit),
		UpstreamLimit:     limit(c.RateLimit.UpstreamLimit),
		FetchTimeout:      c.Upstream.FetchTimeout,
		DefaultCurrency:   c.Upstream.DefaultCurrency,
		SyncIncludeOrders: c.Sync.IncludeOrders,
		Cache:             c.CachePolicy(),
		Breaker:           c.BreakerConfig(),
		Batch:             c.BatchConfig(),
	}
}

// CachePolicy converts to cache.Policy.
func (c Config) CachePolicy() cache.Policy {
	p := cache.Policy{
		TTLs:           make(map[cache.DataType]time.Duration, len(c.Cache.TTLs)),
		MaxEntries:     c.Cache.MaxEntries,
		EvictFraction:  c.Cache.EvictFraction,
		StaleRetention: c.Cache.StaleRetention,
	}
	for name, ttl := range c.Cache.TTLs {
		p.TTLs[cache.DataType(name)] = ttl
	}
	return p
}

// BreakerConfig converts to resilience.CircuitBreakerConfig.
func (c Config) BreakerConfig() resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		MaxFailures:        c.Breaker.MaxFailures,
		MaxTimeoutFailures: c.Breaker.MaxTimeoutFailures,
		Cooldown:           c.Breaker.Cooldown,
		TimeoutCooldown:    c.Breaker.TimeoutCooldown,
	}
}

// BatchConfig converts to batch.Config.
func (c Config) BatchConfig() batch.Config {
	return batch.Config{
		Window:        c.Batch.Window,
		MaxBatchSize:  c.Batch.MaxBatchSize,
		CallTimeout:   c.Batch.CallTimeout,
		MaxConcurrent: c.Batch.MaxConcurrent,
	}
}

// HTTPConfig converts to upstream.HTTPConfig.
func (c Config) HTTPConfig() upstream.HTTPConfig {
	return upstream.HTTPConfig{
		LiveBaseURL:  c.Upstream.LiveBaseURL,
		DemoBaseURL:  c.Upstream.DemoBaseURL,
		Timeout:      c.Upstream.Timeout,
		MaxBodyBytes: c.Upstream.MaxBodyBytes,
		UserAgent:    c.Upstream.UserAgent,
	}
}

// ObserveConfig converts to observe.Config.
func (c Config) ObserveConfig() observe.Config {
	return observe.Config{
		ServiceName: c.Service.Name,
		Version:     c.Service.Version,
		Tracing: observe.TracingConfig{
			Enabled:   c.Observe.Tracing.Enabled,
			Exporter:  c.Observe.Tracing.Exporter,
			SamplePct: c.Observe.Tracing.SamplePct,
		},
		Metrics: observe.MetricsConfig{
			Enabled:  c.Observe.Metrics.Enabled,
			Exporter: c.Observe.Metrics.Exporter,
		},
		Logging: observe.LoggingConfig{
			Enabled: c.Observe.Logging.Enabled,
			Level:   c.Observe.Logging.Level,
		},
	}
}
