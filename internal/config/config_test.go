package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadJSON5WithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		// bot credentials
		telegram: {token: "123:abc", group_id: "-100123"},
		permission: {port: 9100},
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || cfg.Telegram.GroupID != "-100123" {
		t.Errorf("telegram config = %+v", cfg.Telegram)
	}
	if cfg.Permission.Port != 9100 {
		t.Errorf("port = %d", cfg.Permission.Port)
	}
	// Untouched fields keep their defaults.
	if cfg.Permission.RequestTimeout != 300 || cfg.Recovery.Cron == "" {
		t.Errorf("defaults lost: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Permission.Port != 9000 {
		t.Errorf("port = %d", cfg.Permission.Port)
	}
	// No credentials anywhere means the daemon must refuse to start.
	if err := cfg.Validate(); err == nil {
		t.Error("Validate passed without credentials")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENTHERD_TELEGRAM_TOKEN", "env:token")
	t.Setenv("AGENTHERD_PERMISSION_PORT", "9200")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "env:token" {
		t.Errorf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Permission.Port != 9200 {
		t.Errorf("port = %d", cfg.Permission.Port)
	}
	if got := cfg.PermissionURL(); got != "http://localhost:9200" {
		t.Errorf("PermissionURL = %q", got)
	}
}
