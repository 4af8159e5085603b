package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.TickInterval != time.Minute {
		t.Errorf("TickInterval = %v, want 1m", cfg.TickInterval)
	}
	if cfg.DatabaseURL != "sqlite://floorkeeper.db" {
		t.Errorf("DatabaseURL = %q, want sqlite default", cfg.DatabaseURL)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "json" {
		t.Errorf("logging defaults = %q/%q, want info/json", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.PageSize != 1000 {
		t.Errorf("PageSize = %d, want 1000", cfg.PageSize)
	}
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
engine:
  port: 9090
  tick_interval: 5m
  tick_scope: inventory
  collections:
    - stock_items
    - work_orders
  commands:
    - refresh_summary
smtp:
  host: mail.example.com
  username: floorkeeper@example.com
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.TickInterval != 5*time.Minute {
		t.Errorf("TickInterval = %v, want 5m", cfg.TickInterval)
	}
	if cfg.TickScope != "inventory" {
		t.Errorf("TickScope = %q, want inventory", cfg.TickScope)
	}
	if len(cfg.Collections) != 2 || cfg.Collections[0] != "stock_items" {
		t.Errorf("Collections = %v, want [stock_items work_orders]", cfg.Collections)
	}
	if len(cfg.Commands) != 1 || cfg.Commands[0] != "refresh_summary" {
		t.Errorf("Commands = %v, want [refresh_summary]", cfg.Commands)
	}
	if !cfg.SMTP.Enabled() || cfg.SMTP.Host != "mail.example.com" {
		t.Errorf("SMTP = %+v, want enabled relay", cfg.SMTP)
	}
}

func TestLoadConfig_RejectsSecretInFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
smtp:
  host: mail.example.com
  password: hunter2
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for SMTP password in config file")
	}
}

func TestLoadConfig_SMTPPasswordFromEnv(t *testing.T) {
	os.Setenv("FK_SMTP_PASSWORD", "from-env")
	defer os.Unsetenv("FK_SMTP_PASSWORD")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.SMTP.Password != "from-env" {
		t.Errorf("SMTP.Password = %q, want from-env", cfg.SMTP.Password)
	}

	// The env secret must coexist with a config file that sets the other
	// SMTP fields; only a password key in the file itself is rejected.
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
smtp:
  host: mail.example.com
  username: floorkeeper
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err = LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig with file failed: %v", err)
	}
	if cfg.SMTP.Password != "from-env" || cfg.SMTP.Host != "mail.example.com" {
		t.Errorf("SMTP = %+v, want env password and file host", cfg.SMTP)
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad port", "engine:\n  port: 70000\n"},
		{"bad page size", "engine:\n  page_size: 5000\n"},
		{"bad log level", "engine:\n  log_level: verbose\n"},
		{"bad log format", "engine:\n  log_format: xml\n"},
		{"zero workers", "engine:\n  workers: 0\n"},
		{"empty database", "engine:\n  database_url: \"\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			if _, err := LoadConfig(path); err == nil {
				t.Errorf("expected validation error for %s", tt.name)
			}
		})
	}
}

func TestStringSet(t *testing.T) {
	set := StringSet([]string{"a", "b", "a"})
	if len(set) != 2 {
		t.Errorf("set size = %d, want 2", len(set))
	}
	if _, ok := set["a"]; !ok {
		t.Error("missing element a")
	}
}
