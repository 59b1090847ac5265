package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPlatformDefaults(t *testing.T) {
	cfg := &Config{Platforms: map[string]PlatformConfig{}}

	if got := cfg.InitialWindow("slack"); got != 7*24*time.Hour {
		t.Errorf("slack initial window = %v", got)
	}
	if got := cfg.TTL("notion"); got != 60*24*time.Hour {
		t.Errorf("notion ttl = %v", got)
	}
	if got := cfg.Platform("gmail").PoolSize; got != 5 {
		t.Errorf("gmail pool size = %d", got)
	}
	// Unknown platforms still get a sane fallback.
	if got := cfg.TTL("mystery"); got != 14*24*time.Hour {
		t.Errorf("unknown platform ttl = %v", got)
	}
}

func TestPlatformOverridesKeepUnsetDefaults(t *testing.T) {
	cfg := &Config{Platforms: map[string]PlatformConfig{
		"slack": {Enabled: true, TTLDays: 3},
	}}

	pc := cfg.Platform("slack")
	if pc.TTLDays != 3 {
		t.Errorf("override lost: ttl_days = %d", pc.TTLDays)
	}
	if pc.InitialWindowDays != 7 || pc.PoolSize != 5 {
		t.Errorf("unset fields must fall back to defaults: %+v", pc)
	}
}

func TestSweepIntervalDefault(t *testing.T) {
	cfg := &Config{}
	if got := cfg.SweepInterval(); got != 15*time.Minute {
		t.Errorf("default sweep interval = %v", got)
	}
	cfg.Sweep.IntervalMinutes = 5
	if got := cfg.SweepInterval(); got != 5*time.Minute {
		t.Errorf("configured sweep interval = %v", got)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("TETHER_CONFIG_DIR", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Platforms == nil {
		t.Fatalf("platforms map must be initialized")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TETHER_CONFIG_DIR", dir)

	cfg := &Config{
		LogLevel: "debug",
		Sweep:    SweepConfig{IntervalMinutes: 30},
		Platforms: map[string]PlatformConfig{
			"slack": {Enabled: true, InitialWindowDays: 3, TTLDays: 7, PoolSize: 2},
		},
	}
	if err := cfg.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.yaml")); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.LogLevel != "debug" || loaded.Sweep.IntervalMinutes != 30 {
		t.Fatalf("round trip lost fields: %+v", loaded)
	}
	pc := loaded.Platforms["slack"]
	if !pc.Enabled || pc.InitialWindowDays != 3 || pc.TTLDays != 7 || pc.PoolSize != 2 {
		t.Fatalf("platform config lost: %+v", pc)
	}
}

func TestConfigDirOverride(t *testing.T) {
	t.Setenv("TETHER_CONFIG_DIR", "/tmp/tether-test-config")
	dir, err := GetConfigDir()
	if err != nil {
		t.Fatalf("get config dir: %v", err)
	}
	if dir != "/tmp/tether-test-config" {
		t.Fatalf("override ignored: %s", dir)
	}
}
