package app

import (
	"context"
	"testing"
	"time"

	"modbot/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Prefix.Primary = "!"
	return cfg
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	if err := validateConfig(ctx, nil); err == nil {
		t.Fatalf("nil config must be rejected")
	}
	if err := validateConfig(ctx, baseConfig()); err != nil {
		t.Fatalf("minimal config rejected: %v", err)
	}

	cfg := baseConfig()
	cfg.Prefix.Primary = ""
	if err := validateConfig(ctx, cfg); err == nil {
		t.Fatalf("enabled prefixing without a primary prefix must be rejected")
	}
	off := false
	cfg.Prefix.Enabled = &off
	if err := validateConfig(ctx, cfg); err != nil {
		t.Fatalf("prefixing disabled, empty primary is fine: %v", err)
	}

	cfg = baseConfig()
	cfg.SweepInterval = "not-a-duration"
	if err := validateConfig(ctx, cfg); err == nil {
		t.Fatalf("bad sweep interval must be rejected")
	}

	cfg = baseConfig()
	cfg.Maintenance.NotifyCooldown = "-5s"
	if err := validateConfig(ctx, cfg); err == nil {
		t.Fatalf("negative notify cooldown must be rejected")
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	if got := mapStorageConfig(nil); got.Driver != "" {
		t.Fatalf("nil section must map to a disabled store, got %+v", got)
	}

	got := mapStorageConfig(&config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "2s"})
	if got.Driver != "sqlite" || got.Path != "x.db" || got.BusyTimeout != 2*time.Second {
		t.Fatalf("mapped = %+v", got)
	}

	got = mapStorageConfig(&config.StorageConfig{Driver: "file", Path: "dir"})
	if got.BusyTimeout != time.Second {
		t.Fatalf("unset busy timeout must default to 1s, got %v", got.BusyTimeout)
	}
}

func TestMapLoggingConfigCarriesPlatformThread(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.Platform.Enabled = true
	cfg.Logging.Platform.MinLevel = "warn"
	cfg.Bot.LogThreadID = "t-logs"

	lc := mapLoggingConfig(cfg)
	if lc.Level != "debug" || !lc.Platform.Enabled || lc.Platform.ThreadID != "t-logs" {
		t.Fatalf("mapped = %+v", lc)
	}
}
