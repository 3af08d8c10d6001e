// Package config loads the process configuration from environment
// variables. Every key has a default, everything is read exactly once
// at startup, and the resulting struct is never mutated afterwards.
//
// Keys use the VIEWERFLEET_ prefix: VIEWERFLEET_WORKERS,
// VIEWERFLEET_TARGET_URL, and so on.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full configuration for both binaries. fleetd and
// fingerprintd read the same surface and use the keys they care about.
type Config struct {
	// Fleet shape.
	Workers              int    `mapstructure:"workers"`
	SubsessionsPerWorker int    `mapstructure:"subsessions_per_worker"`
	TabsPerSubsession    int    `mapstructure:"tabs_per_subsession"`
	TargetURL            string `mapstructure:"target_url"`
	IdentityBuffer       int    `mapstructure:"identity_buffer"`

	// Identity pool service.
	FingerprintAddrs     []string `mapstructure:"fingerprint_addrs"`
	PoolSize             int      `mapstructure:"pool_size"`
	LandscapeProbability float64  `mapstructure:"landscape_probability"`

	// Tunnel.
	TunnelProfile string        `mapstructure:"tunnel_profile"`
	TunnelBinary  string        `mapstructure:"tunnel_binary"`
	TunnelWait    time.Duration `mapstructure:"tunnel_wait"`

	// Provisioning cadence. These delays are the throttling mechanism
	// that keeps staged resource acquisition under the memory ceiling.
	WorkerCooldown     time.Duration `mapstructure:"worker_cooldown"`
	SubsessionCooldown time.Duration `mapstructure:"subsession_cooldown"`
	TabCooldown        time.Duration `mapstructure:"tab_cooldown"`
	LaunchBackoff      time.Duration `mapstructure:"launch_backoff"`
	ContextBackoff     time.Duration `mapstructure:"context_backoff"`
	TabBackoff         time.Duration `mapstructure:"tab_backoff"`
	NavigationTimeout  time.Duration `mapstructure:"navigation_timeout"`

	// Monitoring.
	HealthInterval     time.Duration `mapstructure:"health_interval"`
	ReportInterval     time.Duration `mapstructure:"report_interval"`
	ScreenshotInterval time.Duration `mapstructure:"screenshot_interval"`
	MemoryThresholdMB  int           `mapstructure:"memory_threshold_mb"`

	// Paths and listeners.
	ScreenshotDir  string `mapstructure:"screenshot_dir"`
	LogDir         string `mapstructure:"log_dir"`
	ListenAddr     string `mapstructure:"listen_addr"`
	PoolListenAddr string `mapstructure:"pool_listen_addr"`

	// Engine.
	Headless     bool     `mapstructure:"headless"`
	AllowDomains []string `mapstructure:"allow_domains"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VIEWERFLEET")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	// AutomaticEnv does not surface env-only keys through Unmarshal
	// unless each key is registered, which SetDefault does.
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workers", 2)
	v.SetDefault("subsessions_per_worker", 2)
	v.SetDefault("tabs_per_subsession", 1)
	v.SetDefault("target_url", "https://kick.com")
	v.SetDefault("identity_buffer", 2)

	v.SetDefault("fingerprint_addrs", []string{"http://127.0.0.1:8181"})
	v.SetDefault("pool_size", 50)
	v.SetDefault("landscape_probability", 0.25)

	v.SetDefault("tunnel_profile", "")
	v.SetDefault("tunnel_binary", "openvpn")
	v.SetDefault("tunnel_wait", 45*time.Second)

	v.SetDefault("worker_cooldown", 20*time.Second)
	v.SetDefault("subsession_cooldown", 15*time.Second)
	v.SetDefault("tab_cooldown", 10*time.Second)
	v.SetDefault("launch_backoff", 15*time.Second)
	v.SetDefault("context_backoff", 10*time.Second)
	v.SetDefault("tab_backoff", 5*time.Second)
	v.SetDefault("navigation_timeout", 90*time.Second)

	v.SetDefault("health_interval", 2*time.Minute)
	v.SetDefault("report_interval", 2*time.Minute)
	v.SetDefault("screenshot_interval", 10*time.Minute)
	v.SetDefault("memory_threshold_mb", 2048)

	v.SetDefault("screenshot_dir", "")
	v.SetDefault("log_dir", "")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("pool_listen_addr", ":8181")

	v.SetDefault("headless", true)
	v.SetDefault("allow_domains", []string{})
}

func (c *Config) validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.SubsessionsPerWorker < 1 {
		return fmt.Errorf("subsessions_per_worker must be at least 1, got %d", c.SubsessionsPerWorker)
	}
	if c.TabsPerSubsession < 1 {
		return fmt.Errorf("tabs_per_subsession must be at least 1, got %d", c.TabsPerSubsession)
	}
	if c.TargetURL == "" {
		return fmt.Errorf("target_url must not be empty")
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("pool_size must be at least 1, got %d", c.PoolSize)
	}
	// The monitor loops run on tickers, which reject non-positive
	// periods at runtime; catch that at load time instead.
	if c.HealthInterval <= 0 {
		return fmt.Errorf("health_interval must be positive, got %s", c.HealthInterval)
	}
	if c.ReportInterval <= 0 {
		return fmt.Errorf("report_interval must be positive, got %s", c.ReportInterval)
	}
	return nil
}

// IdentitiesNeeded is the total identity count the orchestrator
// requests up front: one per worker, one per sub-session, plus the
// configured buffer.
func (c *Config) IdentitiesNeeded() int {
	return c.Workers*(c.SubsessionsPerWorker+1) + c.IdentityBuffer
}
