package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sandarbhasthana/pms-gateway/internal/validation"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	Environment string

	ServerPort string

	PMSAPIKey            string
	UpstreamURL          string
	UpstreamTimeout      time.Duration
	UpstreamPingPath     string
	UpstreamMaxBodyBytes int64

	RequestTimeout time.Duration
	// MaxPathLength bounds resource paths accepted on /v1, /cache and /watch.
	MaxPathLength int

	CacheBackend string // "in_memory" or "memcached"
	CacheTTL     time.Duration

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	CoalesceTimeout       time.Duration
	CoalesceSweepInterval time.Duration

	SWR SWRConfig

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	ProbeInterval   time.Duration
	RecoveryInitial time.Duration
	RecoveryMax     time.Duration

	DegradedWindow       time.Duration
	DegradedErrorPct     int
	OverloadWindow       time.Duration
	OverloadThresholdPct int

	WarmKeys        []string
	WarmInterval    time.Duration
	WarmConcurrency int

	ShutdownTimeout         time.Duration
	ShutdownInFlightTimeout time.Duration

	SentryDSN string

	TrackedResources []string
}

// SWRConfig holds the cache client's default revalidation options.
type SWRConfig struct {
	RevalidateOnFocus     bool
	RevalidateOnReconnect bool
	RevalidateIfStale     bool
	DedupingInterval      time.Duration
	RefreshInterval       time.Duration
	ShouldRetryOnError    bool
	ErrorRetryCount       int
	ErrorRetryInterval    time.Duration
	KeepPreviousData      bool
	RevalidateAfterForce  bool
	EvictUnsubscribed     bool
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Upstream struct {
		URL          string `yaml:"url"`
		Timeout      string `yaml:"timeout"`
		PingPath     string `yaml:"ping_path"`
		MaxBodyBytes int64  `yaml:"max_body_bytes"`
	} `yaml:"upstream"`

	Request struct {
		Timeout       string `yaml:"timeout"`
		MaxPathLength int    `yaml:"max_path_length"`
	} `yaml:"request"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Coalesce struct {
		Timeout       string `yaml:"timeout"`
		SweepInterval string `yaml:"sweep_interval"`
	} `yaml:"coalesce"`

	SWR struct {
		RevalidateOnFocus     *bool  `yaml:"revalidate_on_focus"`
		RevalidateOnReconnect *bool  `yaml:"revalidate_on_reconnect"`
		RevalidateIfStale     *bool  `yaml:"revalidate_if_stale"`
		DedupingInterval      string `yaml:"deduping_interval"`
		RefreshInterval       string `yaml:"refresh_interval"`
		ShouldRetryOnError    *bool  `yaml:"should_retry_on_error"`
		ErrorRetryCount       *int   `yaml:"error_retry_count"`
		ErrorRetryInterval    string `yaml:"error_retry_interval"`
		KeepPreviousData      bool   `yaml:"keep_previous_data"`
		RevalidateAfterForce  bool   `yaml:"revalidate_after_force"`
		EvictUnsubscribed     bool   `yaml:"evict_unsubscribed"`
	} `yaml:"swr"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
		CircuitBreaker   struct {
			Enabled          *bool  `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	Connectivity struct {
		ProbeInterval   string `yaml:"probe_interval"`
		RecoveryInitial string `yaml:"recovery_initial"`
		RecoveryMax     string `yaml:"recovery_max"`
	} `yaml:"connectivity"`

	Health struct {
		DegradedWindow       string `yaml:"degraded_window"`
		DegradedErrorPct     int    `yaml:"degraded_error_pct"`
		OverloadWindow       string `yaml:"overload_window"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
	} `yaml:"health"`

	Warming struct {
		Keys        []string `yaml:"keys"`
		Interval    string   `yaml:"interval"`
		Concurrency int      `yaml:"concurrency"`
	} `yaml:"warming"`

	Shutdown struct {
		Timeout         string `yaml:"timeout"`
		InFlightTimeout string `yaml:"in_flight_timeout"`
	} `yaml:"shutdown"`

	Reporting struct {
		SentryDSN string `yaml:"sentry_dsn"`
	} `yaml:"reporting"`

	Metrics struct {
		TrackedResources []string `yaml:"tracked_resources"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	PMSAPIKey string `yaml:"pms_api_key"`
	SentryDSN string `yaml:"sentry_dsn"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml.
// API key comes from PMS_API_KEY env or secrets file. Call from project root.
func Load() (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	var sec secretsFile
	secretsData, err := os.ReadFile(filepath.Join(cwd, "config", "secrets.yaml"))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read secrets file: %w", err)
		}
	} else if err := yaml.Unmarshal(secretsData, &sec); err != nil {
		return nil, fmt.Errorf("parse secrets file: %w", err)
	}

	cfg := &Config{Environment: env}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.PMSAPIKey = firstNonEmpty(os.Getenv("PMS_API_KEY"), sec.PMSAPIKey)
	if cfg.PMSAPIKey == "" {
		return nil, fmt.Errorf("PMS_API_KEY required (set env or config/secrets.yaml pms_api_key)")
	}

	cfg.UpstreamURL = fc.Upstream.URL
	if cfg.UpstreamURL == "" {
		cfg.UpstreamURL = "http://localhost:3000/api"
	}
	cfg.UpstreamTimeout = parseDurationOrZero(fc.Upstream.Timeout, 3*time.Second)
	cfg.UpstreamPingPath = fc.Upstream.PingPath
	cfg.UpstreamMaxBodyBytes = fc.Upstream.MaxBodyBytes

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 10*time.Second)
	cfg.MaxPathLength = fc.Request.MaxPathLength
	if cfg.MaxPathLength <= 0 {
		cfg.MaxPathLength = validation.DefaultMaxPathLength
	}

	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 10*time.Minute)
	cfg.MemcachedAddrs = firstNonEmpty(strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS")), strings.TrimSpace(fc.Cache.Memcached.Addrs), "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.CoalesceTimeout = parseDuration(fc.Coalesce.Timeout, 30*time.Second)
	cfg.CoalesceSweepInterval = parseDuration(fc.Coalesce.SweepInterval, 10*time.Second)

	cfg.SWR = SWRConfig{
		RevalidateOnFocus:     boolOr(fc.SWR.RevalidateOnFocus, true),
		RevalidateOnReconnect: boolOr(fc.SWR.RevalidateOnReconnect, true),
		RevalidateIfStale:     boolOr(fc.SWR.RevalidateIfStale, true),
		DedupingInterval:      parseDurationOrZero(fc.SWR.DedupingInterval, 2*time.Second),
		RefreshInterval:       parseDurationOrZero(fc.SWR.RefreshInterval, 0),
		ShouldRetryOnError:    boolOr(fc.SWR.ShouldRetryOnError, true),
		ErrorRetryCount:       3,
		ErrorRetryInterval:    parseDuration(fc.SWR.ErrorRetryInterval, 5*time.Second),
		KeepPreviousData:      fc.SWR.KeepPreviousData,
		RevalidateAfterForce:  fc.SWR.RevalidateAfterForce,
		EvictUnsubscribed:     fc.SWR.EvictUnsubscribed,
	}
	if fc.SWR.ErrorRetryCount != nil {
		cfg.SWR.ErrorRetryCount = *fc.SWR.ErrorRetryCount
	}

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}
	cb := fc.Reliability.CircuitBreaker
	cfg.CircuitBreakerEnabled = boolOr(cb.Enabled, true)
	cfg.CircuitBreakerFailureThreshold = cb.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerSuccessThreshold = cb.SuccessThreshold
	if cfg.CircuitBreakerSuccessThreshold <= 0 {
		cfg.CircuitBreakerSuccessThreshold = 2
	}
	cfg.CircuitBreakerTimeout = parseDuration(cb.Timeout, 30*time.Second)

	cfg.ProbeInterval = parseDurationOrZero(fc.Connectivity.ProbeInterval, 15*time.Second)
	cfg.RecoveryInitial = parseDuration(fc.Connectivity.RecoveryInitial, time.Second)
	cfg.RecoveryMax = parseDuration(fc.Connectivity.RecoveryMax, time.Minute)

	cfg.DegradedWindow = parseDuration(fc.Health.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Health.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 50
	}
	cfg.OverloadWindow = parseDuration(fc.Health.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = fc.Health.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}

	cfg.WarmKeys = fc.Warming.Keys
	cfg.WarmInterval = parseDurationOrZero(fc.Warming.Interval, 0)
	cfg.WarmConcurrency = fc.Warming.Concurrency
	if cfg.WarmConcurrency <= 0 {
		cfg.WarmConcurrency = 4
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)

	cfg.SentryDSN = firstNonEmpty(os.Getenv("SENTRY_DSN"), sec.SentryDSN, fc.Reporting.SentryDSN)

	cfg.TrackedResources = fc.Metrics.TrackedResources

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero is returned as-is so "0s" can disable a feature.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// validate performs post-load validation of configuration values.
// RequestTimeout is raised above UpstreamTimeout when needed.
func validate(cfg *Config) error {
	if cfg.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.UpstreamTimeout {
		cfg.RequestTimeout = cfg.UpstreamTimeout + time.Second
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	if cfg.SWR.DedupingInterval < 0 || cfg.SWR.RefreshInterval < 0 {
		return fmt.Errorf("swr intervals must not be negative")
	}
	if cfg.SWR.ErrorRetryCount < 0 {
		return fmt.Errorf("swr.error_retry_count must not be negative, got %d", cfg.SWR.ErrorRetryCount)
	}
	if cfg.RecoveryMax < cfg.RecoveryInitial {
		return fmt.Errorf("connectivity.recovery_max (%s) must be >= recovery_initial (%s)", cfg.RecoveryMax, cfg.RecoveryInitial)
	}
	return nil
}
