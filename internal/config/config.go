// Package config loads and validates the tracker's configuration from a
// YAML file with environment-variable overrides, the way spec.md §6
// describes the config surface: environment overrides YAML, YAML
// overrides defaults. Unknown FUNDINGWATCH_-prefixed env vars are merely
// warned about; unrelated system env vars are ignored by viper itself.
package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Weights are the scoring coefficients used by the watchlist builder's
// final ranking stage (spec.md §4.2 step 7).
type Weights struct {
	Funding    float64 `mapstructure:"funding"`
	Volume     float64 `mapstructure:"volume"`
	Spread     float64 `mapstructure:"spread"`
	Volatility float64 `mapstructure:"volatility"`
	TopSymbols int     `mapstructure:"top_symbols"`
}

// Config holds every tweakable parameter enumerated in spec.md §3, plus
// the ambient knobs (rate limiting, retries, breaker, timeouts) needed to
// run the REST/WS fabric. All fields are optional unless stated; bound
// fields use pointers so "unset" is distinguishable from "zero".
type Config struct {
	// Filter pipeline (spec.md §3 "Config")
	FundingMin             *float64 `mapstructure:"funding_min"`
	FundingMax             *float64 `mapstructure:"funding_max"`
	VolumeMinMillions      float64  `mapstructure:"volume_min_millions"`
	SpreadMax              float64  `mapstructure:"spread_max"`
	VolatilityMin          *float64 `mapstructure:"volatility_min"`
	VolatilityMax          *float64 `mapstructure:"volatility_max"`
	FundingTimeMinMinutes  int      `mapstructure:"funding_time_min_minutes"`
	FundingTimeMaxMinutes  int      `mapstructure:"funding_time_max_minutes"`
	Category               string   `mapstructure:"category"` // linear | inverse | both
	Limit                  int      `mapstructure:"limit"`
	VolatilityTTLSec       int      `mapstructure:"volatility_ttl_sec"`
	DisplayIntervalSeconds int      `mapstructure:"display_interval_seconds"`
	Weights                Weights  `mapstructure:"weights"`

	// Scheduler
	RescanIntervalSec        int     `mapstructure:"rescan_interval_sec"`
	ScanSchedulerIntervalSec int     `mapstructure:"scan_scheduler_interval_sec"`
	FundingThresholdMinutes  float64 `mapstructure:"funding_threshold_minutes"`

	// ExchangeClient: rate limiter, retries, breaker
	RateLimitN           int     `mapstructure:"rate_limit_n"`
	RateLimitWindowSec   float64 `mapstructure:"rate_limit_window_sec"`
	RetryMaxAttempts     int     `mapstructure:"retry_max_attempts"`
	RetryBaseSeconds     float64 `mapstructure:"retry_base_seconds"`
	BreakerFailThreshold int     `mapstructure:"breaker_fail_threshold"`
	BreakerOpenSec       float64 `mapstructure:"breaker_open_sec"`
	HTTPTimeoutSec       float64 `mapstructure:"http_timeout_sec"`

	// WSConnector
	WSIdleTimeoutSec float64 `mapstructure:"ws_idle_timeout_sec"`
	WSSubChunkSize   int     `mapstructure:"ws_sub_chunk_size"`
	BaseWSURLLinear  string  `mapstructure:"ws_url_linear"`
	BaseWSURLInverse string  `mapstructure:"ws_url_inverse"`
	BaseRESTURL      string  `mapstructure:"rest_url"`

	// Store / lifecycle
	LiveTickerTTLSec   int `mapstructure:"live_ticker_ttl_sec"`
	VolatilityPoolSize int `mapstructure:"volatility_pool_size"`
	ShutdownTimeoutSec int `mapstructure:"shutdown_timeout_sec"`

	// Logging (ambient, generalized from the teacher's logger.Rotator)
	LogLevel      string `mapstructure:"log_level"`
	LogFile       string `mapstructure:"log_file"`
	MaxLogSizeMB  int64  `mapstructure:"max_log_size_mb"`
	MaxLogBackups int    `mapstructure:"max_log_backups"`
}

// RateLimitWindow returns the sliding-window duration.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSec * float64(time.Second))
}

// RetryBase returns the exponential-backoff base duration.
func (c *Config) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseSeconds * float64(time.Second))
}

// BreakerOpenDuration returns how long the breaker stays open.
func (c *Config) BreakerOpenDuration() time.Duration {
	return time.Duration(c.BreakerOpenSec * float64(time.Second))
}

// HTTPTimeout returns the per-request REST timeout.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSec * float64(time.Second))
}

// WSIdleTimeout returns the WS heartbeat idle timeout.
func (c *Config) WSIdleTimeout() time.Duration {
	return time.Duration(c.WSIdleTimeoutSec * float64(time.Second))
}

// VolatilityTTL returns T_vol as a duration.
func (c *Config) VolatilityTTL() time.Duration {
	return time.Duration(c.VolatilityTTLSec) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("volume_min_millions", 0.0)
	v.SetDefault("spread_max", 1.0)
	v.SetDefault("funding_time_min_minutes", 0)
	v.SetDefault("funding_time_max_minutes", 1440)
	v.SetDefault("category", "both")
	v.SetDefault("limit", 100)
	v.SetDefault("volatility_ttl_sec", 120)
	v.SetDefault("display_interval_seconds", 15)
	v.SetDefault("weights.funding", 10.0)
	v.SetDefault("weights.volume", 0.5)
	v.SetDefault("weights.spread", 5.0)
	v.SetDefault("weights.volatility", 2.0)
	v.SetDefault("weights.top_symbols", 20)

	v.SetDefault("rescan_interval_sec", 60)
	v.SetDefault("scan_scheduler_interval_sec", 5)
	v.SetDefault("funding_threshold_minutes", 5.0)

	v.SetDefault("rate_limit_n", 5)
	v.SetDefault("rate_limit_window_sec", 1.0)
	v.SetDefault("retry_max_attempts", 4)
	v.SetDefault("retry_base_seconds", 0.5)
	v.SetDefault("breaker_fail_threshold", 5)
	v.SetDefault("breaker_open_sec", 60.0)
	v.SetDefault("http_timeout_sec", 10.0)

	v.SetDefault("ws_idle_timeout_sec", 30.0)
	v.SetDefault("ws_sub_chunk_size", 200)
	v.SetDefault("ws_url_linear", "wss://stream.bybit.com/v5/public/linear")
	v.SetDefault("ws_url_inverse", "wss://stream.bybit.com/v5/public/inverse")
	v.SetDefault("rest_url", "https://api.bybit.com")

	v.SetDefault("live_ticker_ttl_sec", 120)
	v.SetDefault("volatility_pool_size", 8)
	v.SetDefault("shutdown_timeout_sec", 10)

	v.SetDefault("log_level", "INFO")
	v.SetDefault("log_file", "fundingwatch.log")
	v.SetDefault("max_log_size_mb", 5)
	v.SetDefault("max_log_backups", 3)
}

// Load reads an optional YAML config file, layers FUNDINGWATCH_-prefixed
// environment variable overrides on top, and validates ranges/enums,
// failing fast (returning an error, not exiting) on anything invalid —
// the orchestrator is the one that decides to abort the process.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FUNDINGWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Keys with no default are invisible to Unmarshal under AutomaticEnv
	// unless bound explicitly.
	for _, k := range []string{"funding_min", "funding_max", "volatility_min", "volatility_max"} {
		_ = v.BindEnv(k)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: reading %s: %w", path, err)
			}
			log.Printf("config: %s not found, using defaults + env overrides", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	known := make(map[string]bool)
	for _, k := range v.AllKeys() {
		known["FUNDINGWATCH_"+strings.ToUpper(strings.ReplaceAll(k, ".", "_"))] = true
	}
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, "FUNDINGWATCH_") && !known[name] {
			log.Printf("config: ignoring unknown environment variable %s", name)
		}
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return &cfg, nil
}

func validate(c *Config) error {
	inRange := func(name string, v, lo, hi float64) error {
		if v < lo || v > hi {
			return fmt.Errorf("%s=%v out of range [%v, %v]", name, v, lo, hi)
		}
		return nil
	}

	if c.FundingMin != nil && c.FundingMax != nil && *c.FundingMin > *c.FundingMax {
		return fmt.Errorf("funding_min (%v) > funding_max (%v)", *c.FundingMin, *c.FundingMax)
	}
	if c.VolumeMinMillions < 0 {
		return fmt.Errorf("volume_min_millions must be >= 0, got %v", c.VolumeMinMillions)
	}
	if err := inRange("spread_max", c.SpreadMax, 0, 1); err != nil {
		return err
	}
	if c.VolatilityMin != nil {
		if err := inRange("volatility_min", *c.VolatilityMin, 0, 1); err != nil {
			return err
		}
	}
	if c.VolatilityMax != nil {
		if err := inRange("volatility_max", *c.VolatilityMax, 0, 1); err != nil {
			return err
		}
	}
	if err := inRange("funding_time_min_minutes", float64(c.FundingTimeMinMinutes), 0, 1440); err != nil {
		return err
	}
	if err := inRange("funding_time_max_minutes", float64(c.FundingTimeMaxMinutes), 0, 1440); err != nil {
		return err
	}
	if c.FundingTimeMinMinutes > c.FundingTimeMaxMinutes {
		return fmt.Errorf("funding_time_min_minutes (%d) > funding_time_max_minutes (%d)", c.FundingTimeMinMinutes, c.FundingTimeMaxMinutes)
	}
	switch c.Category {
	case "linear", "inverse", "both":
	default:
		return fmt.Errorf("category must be one of linear|inverse|both, got %q", c.Category)
	}
	if c.Limit < 1 || c.Limit > 1000 {
		return fmt.Errorf("limit=%d out of range [1, 1000]", c.Limit)
	}
	if c.VolatilityTTLSec < 10 || c.VolatilityTTLSec > 3600 {
		return fmt.Errorf("volatility_ttl_sec=%d out of range [10, 3600]", c.VolatilityTTLSec)
	}
	if c.DisplayIntervalSeconds < 1 || c.DisplayIntervalSeconds > 300 {
		return fmt.Errorf("display_interval_seconds=%d out of range [1, 300]", c.DisplayIntervalSeconds)
	}
	if c.Weights.TopSymbols < 1 {
		return fmt.Errorf("weights.top_symbols must be >= 1, got %d", c.Weights.TopSymbols)
	}
	return nil
}

// VolatilityRefreshInterval implements the refresh-loop cadence from
// spec.md §4.4: max(30, min(60, T_vol - 10)) seconds.
func (c *Config) VolatilityRefreshInterval() time.Duration {
	tvol := c.VolatilityTTLSec
	candidate := tvol - 10
	if candidate > 60 {
		candidate = 60
	}
	if candidate < 30 {
		candidate = 30
	}
	return time.Duration(candidate) * time.Second
}
