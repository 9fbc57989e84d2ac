// Package config loads the daemon's configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Provider names accepted by PROVIDER.
const (
	ProviderWindowManager = "windowmanager"
	ProviderDocker        = "docker"
)

// Config holds every tunable of the daemon. Defaults suit a single-host
// deployment with a local window manager.
type Config struct {
	// Listeners
	ControlAddr string `env:"CONTROL_ADDR" envDefault:":6470"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":6471"`

	// Persistence. An empty DATABASE_URL runs the engine in volatile mode:
	// jobs and account health are lost on restart.
	DatabaseURL string `env:"DATABASE_URL"`
	Migrate     bool   `env:"MIGRATE" envDefault:"true"`

	// Event stream. An empty REDIS_ADDR disables the Redis leg; in-process
	// subscribers still receive events.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	EventChannel  string `env:"EVENT_CHANNEL" envDefault:"pubplane.events"`

	// Tracing. Empty disables trace export.
	OTELCollectorAddr string `env:"OTEL_COLLECTOR_ADDR"`

	// Dispatch
	Workers        int           `env:"WORKERS" envDefault:"4"`
	PollInterval   time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	AttemptTimeout time.Duration `env:"ATTEMPT_TIMEOUT" envDefault:"30m"`
	RequeueDelay   time.Duration `env:"REQUEUE_DELAY" envDefault:"2s"`
	DrainGrace     time.Duration `env:"DRAIN_GRACE" envDefault:"1m"`

	// Retry policy
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	BackoffBase time.Duration `env:"BACKOFF_BASE" envDefault:"10s"`
	BackoffCap  time.Duration `env:"BACKOFF_CAP" envDefault:"10m"`

	// Environment pool
	PoolMax       int           `env:"POOL_MAX" envDefault:"4"`
	PoolMinIdle   int           `env:"POOL_MIN_IDLE" envDefault:"0"`
	ProbeInterval time.Duration `env:"PROBE_INTERVAL" envDefault:"1m"`
	Prewarm       bool          `env:"PREWARM" envDefault:"false"`

	// Account health scoring
	SuccessRecovery  int           `env:"HEALTH_SUCCESS_RECOVERY" envDefault:"10"`
	MinorDecay       int           `env:"HEALTH_MINOR_DECAY" envDefault:"10"`
	MajorDecay       int           `env:"HEALTH_MAJOR_DECAY" envDefault:"25"`
	CooldownFloor    int           `env:"HEALTH_COOLDOWN_FLOOR" envDefault:"40"`
	CooldownDuration time.Duration `env:"HEALTH_COOLDOWN_DURATION" envDefault:"10m"`
	RatePerMinute    int           `env:"ACCOUNT_RATE_PER_MINUTE" envDefault:"0"`

	// Publish automation agent
	AgentURL string `env:"AGENT_URL" envDefault:"http://127.0.0.1:8700/publish"`

	// Environment provider
	Provider         string        `env:"PROVIDER" envDefault:"windowmanager"`
	WindowManagerURL string        `env:"WINDOW_MANAGER_URL" envDefault:"http://127.0.0.1:54345"`
	WindowOpenWait   time.Duration `env:"WINDOW_OPEN_WAIT" envDefault:"5m"`
	ChromeImage      string        `env:"CHROME_IMAGE" envDefault:"chromedp/headless-shell:latest"`
}

// Load parses the environment and validates cross-field constraints.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fails fast on contradictory settings.
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive, got %d", c.Workers)
	}
	if c.PoolMax <= 0 {
		return fmt.Errorf("POOL_MAX must be positive, got %d", c.PoolMax)
	}
	if c.PoolMinIdle > c.PoolMax {
		return fmt.Errorf("POOL_MIN_IDLE %d exceeds POOL_MAX %d", c.PoolMinIdle, c.PoolMax)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("MAX_ATTEMPTS must be positive, got %d", c.MaxAttempts)
	}
	if c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("BACKOFF_CAP %v is below BACKOFF_BASE %v", c.BackoffCap, c.BackoffBase)
	}
	if c.CooldownFloor < 0 || c.CooldownFloor > 100 {
		return fmt.Errorf("HEALTH_COOLDOWN_FLOOR must be in 0..100, got %d", c.CooldownFloor)
	}
	switch c.Provider {
	case ProviderWindowManager, ProviderDocker:
	default:
		return fmt.Errorf("unknown PROVIDER %q", c.Provider)
	}
	return nil
}
