package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Guard.LookbackDays != 730 {
		t.Errorf("default lookback = %d, want 730", cfg.Guard.LookbackDays)
	}
	if cfg.Guard.Proximity.SameParagraph != 0.9 || cfg.Guard.Proximity.CrossVolume != 0.2 {
		t.Errorf("default proximity multipliers wrong: %+v", cfg.Guard.Proximity)
	}
}

func TestLoadExpandsEnvAndOverrides(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "hunter2")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
database:
  host: dbhost
  password: ${TEST_DB_PASSWORD}
guard:
  lookback_days: 365
  proximity:
    same_section: 0.6
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Password != "hunter2" {
		t.Errorf("env expansion failed: %q", cfg.Database.Password)
	}
	if cfg.Guard.LookbackDays != 365 {
		t.Errorf("lookback = %d, want 365", cfg.Guard.LookbackDays)
	}
	if cfg.Guard.Proximity.SameSection != 0.6 {
		t.Errorf("same_section = %v, want 0.6", cfg.Guard.Proximity.SameSection)
	}
	// untouched multipliers still default
	if cfg.Guard.Proximity.SameVolume != 0.4 {
		t.Errorf("same_volume = %v, want default 0.4", cfg.Guard.Proximity.SameVolume)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
