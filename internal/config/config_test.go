package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Workers != 4 {
		t.Errorf("got Workers %d, want 4", cfg.Workers)
	}
	if cfg.PoolMax != 4 {
		t.Errorf("got PoolMax %d, want 4", cfg.PoolMax)
	}
	if cfg.AttemptTimeout != 30*time.Minute {
		t.Errorf("got AttemptTimeout %v, want 30m", cfg.AttemptTimeout)
	}
	if cfg.BackoffBase != 10*time.Second {
		t.Errorf("got BackoffBase %v, want 10s", cfg.BackoffBase)
	}
	if cfg.Provider != ProviderWindowManager {
		t.Errorf("got Provider %q, want windowmanager", cfg.Provider)
	}
	if cfg.CooldownFloor != 40 {
		t.Errorf("got CooldownFloor %d, want 40", cfg.CooldownFloor)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("WORKERS", "8")
	t.Setenv("POOL_MAX", "16")
	t.Setenv("POOL_MIN_IDLE", "2")
	t.Setenv("ATTEMPT_TIMEOUT", "5m")
	t.Setenv("PROVIDER", "docker")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Workers != 8 {
		t.Errorf("got Workers %d, want 8", cfg.Workers)
	}
	if cfg.PoolMax != 16 || cfg.PoolMinIdle != 2 {
		t.Errorf("pool settings not applied: max=%d minIdle=%d", cfg.PoolMax, cfg.PoolMinIdle)
	}
	if cfg.AttemptTimeout != 5*time.Minute {
		t.Errorf("got AttemptTimeout %v, want 5m", cfg.AttemptTimeout)
	}
	if cfg.Provider != ProviderDocker {
		t.Errorf("got Provider %q, want docker", cfg.Provider)
	}
}

func TestLoad_RejectsMinIdleAboveMax(t *testing.T) {
	t.Setenv("POOL_MAX", "2")
	t.Setenv("POOL_MIN_IDLE", "5")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for POOL_MIN_IDLE > POOL_MAX")
	}
}

func TestLoad_RejectsBackoffCapBelowBase(t *testing.T) {
	t.Setenv("BACKOFF_BASE", "1m")
	t.Setenv("BACKOFF_CAP", "10s")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for BACKOFF_CAP < BACKOFF_BASE")
	}
}

func TestLoad_RejectsUnknownProvider(t *testing.T) {
	t.Setenv("PROVIDER", "firefox")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "not-a-duration")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed duration")
	}
}
