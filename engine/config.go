package engine

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"beacon/engine/internal/backoff"
	"beacon/engine/internal/policy"
	"beacon/engine/internal/store"
	"beacon/engine/internal/transmitter"
	"beacon/engine/models"
)

// Config is the public configuration surface, enumerating the keys of the
// original SDK's JSON configuration tree — re-expressed as a typed YAML
// document per the config-as-dynamic-tree redesign — plus three keys of
// this module's own: allowedTenants, metricsBackend and prometheusListenAddr.
type Config struct {
	EventCollectorURI string `yaml:"eventCollectorUri"`
	PrimaryToken      string `yaml:"primaryToken"`

	CacheFilePath                       string `yaml:"cacheFilePath"`
	CacheFileSizeLimitInBytes           int64  `yaml:"cacheFileSizeLimitInBytes"`
	CacheFileFullNotificationPercentage int    `yaml:"cacheFileFullNotificationPercentage"`
	CacheMemorySizeLimitInBytes         int64  `yaml:"cacheMemorySizeLimitInBytes"`
	CacheMemoryFullNotificationPercent  int    `yaml:"cacheMemoryFullNotificationPercentage"`

	MaxDBFlushQueues           int `yaml:"maxDBFlushQueues"`
	MaxPendingHTTPRequests     int `yaml:"maxPendingHTTPRequests"`
	MaxTeardownUploadTimeInSec int `yaml:"maxTeardownUploadTimeInSec"`

	TPMBackoffConfig    string `yaml:"tpm.backoffConfig"`
	TPMClockSkewEnabled bool   `yaml:"tpm.clockSkewEnabled"`
	TPMMaxBlobSize      int64  `yaml:"tpm.maxBlobSize"`
	TPMMaxRetryCount    int    `yaml:"tpm.maxRetryCount"`

	SampleRate int `yaml:"sample.rate"`

	StatsIntervalSec int    `yaml:"stats.interval"`
	StatsTokenInt    string `yaml:"stats.tokenInt"`
	StatsTokenProd   string `yaml:"stats.tokenProd"`

	HTTPCompress bool `yaml:"http.compress"`

	UTCProviderGroupID string `yaml:"utc.providerGroupId"`
	UTCActive          bool   `yaml:"utc.active"`
	UTCLargePayloads   bool   `yaml:"utc.largePayloads"`

	HostMode           bool     `yaml:"hostMode"`
	MultiTenantEnabled bool     `yaml:"multiTenantEnabled"`
	AllowedTenants     []string `yaml:"allowedTenants"`
	MinimumTraceLevel  int      `yaml:"minimumTraceLevel"`
	TraceLevelMask     int      `yaml:"traceLevelMask"`
	SDKMode            string   `yaml:"sdkmode"`

	MetricsBackend       string `yaml:"metricsBackend"`
	PrometheusListenAddr string `yaml:"prometheusListenAddr"`
}

// Defaults returns a Config with conservative defaults, modeled after the
// original SDK's out-of-the-box behavior: bounded local caching, exponential
// backoff, and sampling/stats disabled.
func Defaults() Config {
	return Config{
		CacheFilePath:                       "",
		CacheFileSizeLimitInBytes:           50 * 1024 * 1024,
		CacheFileFullNotificationPercentage: 75,
		CacheMemorySizeLimitInBytes:         8 * 1024 * 1024,
		CacheMemoryFullNotificationPercent:  75,
		MaxDBFlushQueues:                    3,
		MaxPendingHTTPRequests:              4,
		MaxTeardownUploadTimeInSec:          5,
		TPMBackoffConfig:                    "E,3000,300000,2,1",
		TPMClockSkewEnabled:                 false,
		TPMMaxBlobSize:                      2 * 1024 * 1024,
		TPMMaxRetryCount:                    5,
		SampleRate:                          100,
		StatsIntervalSec:                    0,
		HTTPCompress:                        false,
		HostMode:                            false,
		MultiTenantEnabled:                  true,
		MinimumTraceLevel:                   0,
		TraceLevelMask:                      0,
		SDKMode:                             "normal",
		MetricsBackend:                      "prom",
	}
}

// LoadConfig reads and validates a YAML configuration document, layering it
// over Defaults() so a partial document still produces a usable Config.
func LoadConfig(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, models.NewError(models.ConfigInvalid, "reading config file", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, models.NewError(models.ConfigInvalid, "parsing config yaml", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the keys that must be present and internally consistent
// for Initialize to produce a working pipeline.
func (c Config) Validate() error {
	if c.EventCollectorURI == "" {
		return models.NewError(models.ConfigInvalid, "eventCollectorUri is required", nil)
	}
	if c.PrimaryToken == "" {
		return models.NewError(models.ConfigInvalid, "primaryToken is required", nil)
	}
	if _, err := backoff.ParsePolicy(c.TPMBackoffConfig); err != nil {
		return models.NewError(models.ConfigInvalid, "invalid tpm.backoffConfig", err)
	}
	if c.SampleRate < 0 || c.SampleRate > 100 {
		return models.NewError(models.ConfigInvalid, "sample.rate must be 0-100", nil)
	}
	if c.MinimumTraceLevel < 0 || c.MinimumTraceLevel > 6 {
		return models.NewError(models.ConfigInvalid, "minimumTraceLevel must be 0-6", nil)
	}
	switch c.SDKMode {
	case "", "normal", "application-insights", "utc":
	default:
		return models.NewError(models.ConfigInvalid, fmt.Sprintf("unknown sdkmode %q", c.SDKMode), nil)
	}
	return nil
}

func (c Config) storeConfig() store.Config {
	return store.Config{
		DiskSizeLimitBytes:      c.CacheFileSizeLimitInBytes,
		DiskFullNotifyPercent:   float64(c.CacheFileFullNotificationPercentage),
		MemorySizeLimitBytes:    c.CacheMemorySizeLimitInBytes,
		MemoryFullNotifyPercent: float64(c.CacheMemoryFullNotificationPercent),
		CheckpointPath:          c.CacheFilePath,
		MaxRetryCount:           c.TPMMaxRetryCount,
	}
}

func (c Config) transmitterConfig() transmitter.Config {
	return transmitter.Config{
		Endpoint:               c.EventCollectorURI,
		PrimaryToken:           c.PrimaryToken,
		MaxPendingHTTPRequests: c.MaxPendingHTTPRequests,
		MaxBlobSize:            c.TPMMaxBlobSize,
		MaxRetryCount:          c.TPMMaxRetryCount,
		BackoffPolicy:          c.TPMBackoffConfig,
		ClockSkewEnabled:       c.TPMClockSkewEnabled,
		TickInterval:           500 * time.Millisecond,
		Compress:               c.HTTPCompress,
	}
}

func (c Config) policyConfig() policy.Config {
	allowed := make(map[string]struct{}, len(c.AllowedTenants))
	for _, t := range c.AllowedTenants {
		allowed[t] = struct{}{}
	}
	return policy.Config{
		MultiTenantEnabled: c.MultiTenantEnabled,
		AllowedTenants:     allowed,
		MinimumTraceLevel:  c.MinimumTraceLevel,
		TraceLevelMask:     c.TraceLevelMask,
		UTCModeActive:      c.SDKMode == "utc" && c.UTCActive,
	}
}

// watchable keys are those a running engine may reload without a fresh
// Initialize/Teardown cycle: sampling, trace-level filtering, and the
// backoff policy string.
type watchable struct {
	mu                sync.RWMutex
	sampleRate        int
	minimumTraceLevel int
	traceLevelMask    int
	backoffConfig     string
}

func newWatchable(c Config) *watchable {
	return &watchable{
		sampleRate:        c.SampleRate,
		minimumTraceLevel: c.MinimumTraceLevel,
		traceLevelMask:    c.TraceLevelMask,
		backoffConfig:     c.TPMBackoffConfig,
	}
}

func (w *watchable) apply(c Config) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sampleRate = c.SampleRate
	w.minimumTraceLevel = c.MinimumTraceLevel
	w.traceLevelMask = c.TraceLevelMask
	w.backoffConfig = c.TPMBackoffConfig
}

func (w *watchable) snapshot() (sampleRate, minimumTraceLevel, traceLevelMask int, backoffConfig string) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.sampleRate, w.minimumTraceLevel, w.traceLevelMask, w.backoffConfig
}
