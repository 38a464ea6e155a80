package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	chdir(t, t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.File() != "" {
		t.Errorf("File() = %q, want none", cfg.File())
	}
	if cfg.Server.Addr != "127.0.0.1:8787" {
		t.Errorf("Server.Addr = %q", cfg.Server.Addr)
	}
	if cfg.Policy.DefaultURL != DefaultPolicyURL {
		t.Errorf("Policy.DefaultURL = %q", cfg.Policy.DefaultURL)
	}
	if cfg.Enforce.FallbackDelay != 800*time.Millisecond {
		t.Errorf("Enforce.FallbackDelay = %v, want 800ms", cfg.Enforce.FallbackDelay)
	}
	if cfg.Enforce.NotifyCooldown != 3*time.Second {
		t.Errorf("Enforce.NotifyCooldown = %v, want 3s", cfg.Enforce.NotifyCooldown)
	}
	if cfg.Enforce.TabTTL != 2*time.Minute {
		t.Errorf("Enforce.TabTTL = %v, want 2m", cfg.Enforce.TabTTL)
	}
	if len(cfg.Decision.GenericMIMETypes) != 6 {
		t.Errorf("GenericMIMETypes = %v", cfg.Decision.GenericMIMETypes)
	}
	if want := filepath.Join(home, ".waguard", "settings.db"); cfg.Store.Path != want {
		t.Errorf("Store.Path = %q, want %q", cfg.Store.Path, want)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	path := filepath.Join(dir, "waguard.yaml")

	data := `
server:
  addr: 127.0.0.1:9999
enforce:
  fallback_delay: 1500ms
  extension_id: abcdef
decision:
  generic_mime_types:
    - application/octet-stream
store:
  path: ~/custom/settings.db
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("WAGUARD_LOGGING_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.File() != path {
		t.Errorf("File() = %q, want %q", cfg.File(), path)
	}
	if cfg.Server.Addr != "127.0.0.1:9999" {
		t.Errorf("Server.Addr = %q", cfg.Server.Addr)
	}
	if cfg.Enforce.FallbackDelay != 1500*time.Millisecond {
		t.Errorf("FallbackDelay = %v", cfg.Enforce.FallbackDelay)
	}
	if cfg.Enforce.ExtensionID != "abcdef" {
		t.Errorf("ExtensionID = %q", cfg.Enforce.ExtensionID)
	}
	if len(cfg.Decision.GenericMIMETypes) != 1 {
		t.Errorf("GenericMIMETypes = %v", cfg.Decision.GenericMIMETypes)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want env override", cfg.Logging.Level)
	}
	if filepath.Base(filepath.Dir(cfg.Store.Path)) != "custom" || cfg.Store.Path[0] == '~' {
		t.Errorf("Store.Path = %q, want expanded", cfg.Store.Path)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Errorf("Load() error = nil for missing explicit file")
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	chdir(t, t.TempDir())

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"empty server addr", func(c *Config) { c.Server.Addr = "" }, true},
		{"proxy without addr", func(c *Config) { c.Proxy.Enabled = true; c.Proxy.Addr = "" }, true},
		{"zero fallback delay", func(c *Config) { c.Enforce.FallbackDelay = 0 }, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd() error = %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir(%q) error = %v", dir, err)
	}
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
