package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestNewDefaultConfig_IsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should be valid, got: %v", err)
	}
	if cfg.Maintenance.FallbackServer != "lobby" {
		t.Errorf("Expected default fallback 'lobby', got %q", cfg.Maintenance.FallbackServer)
	}
	if got := cfg.Maintenance.GetRedirectTimeoutWithDefault(); got != 10*time.Second {
		t.Errorf("Expected default redirect timeout 10s, got %v", got)
	}
	if !strings.HasSuffix(cfg.Messages.Prefix, " ") {
		t.Errorf("Expected default prefix to end with a space, got %q", cfg.Messages.Prefix)
	}
}

func TestLoadConfigFromFile_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[maintenance]
enabled = true
servers = ["  survival ", "creative"]
fallback_server = "hub"
redirect_timeout = "3s"

[messages]
prefix = "&7[M] "

[whitelist]
"069a79f4-44e9-4726-a5be-fca90e38aaf5" = " Notch "
`)

	cfg := NewDefaultConfig()
	if err := LoadConfigFromFile(path, &cfg); err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if !cfg.Maintenance.Enabled {
		t.Error("Expected maintenance.enabled to be true")
	}
	if len(cfg.Maintenance.Servers) != 2 || cfg.Maintenance.Servers[0] != "survival" {
		t.Errorf("Expected trimmed servers, got %q", cfg.Maintenance.Servers)
	}
	if cfg.Maintenance.FallbackServer != "hub" {
		t.Errorf("Expected fallback 'hub', got %q", cfg.Maintenance.FallbackServer)
	}
	if got := cfg.Maintenance.GetRedirectTimeoutWithDefault(); got != 3*time.Second {
		t.Errorf("Expected redirect timeout 3s, got %v", got)
	}
	// Untouched keys keep their defaults.
	if cfg.Maintenance.BypassPermission != "maintenance.bypass" {
		t.Errorf("Expected default bypass permission, got %q", cfg.Maintenance.BypassPermission)
	}
	if cfg.Messages.Prefix != "&7[M] " {
		t.Errorf("Expected prefix whitespace to be preserved, got %q", cfg.Messages.Prefix)
	}
	if cfg.Whitelist["069a79f4-44e9-4726-a5be-fca90e38aaf5"] != "Notch" {
		t.Errorf("Expected trimmed whitelist name, got %v", cfg.Whitelist)
	}
}

func TestLoadConfigFromFile_UnknownKeysAreIgnored(t *testing.T) {
	path := writeConfig(t, `
[maintenance]
enabled = true
not_a_real_key = "value"
`)
	cfg := NewDefaultConfig()
	if err := LoadConfigFromFile(path, &cfg); err != nil {
		t.Fatalf("Unknown keys should only warn, got: %v", err)
	}
	if !cfg.Maintenance.Enabled {
		t.Error("Expected known keys to still be applied")
	}
}

func TestLoadConfigFromFile_SyntaxErrorHasHint(t *testing.T) {
	path := writeConfig(t, `
[maintenance]
enabled = yes
`)
	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(path, &cfg)
	if err == nil {
		t.Fatal("Expected an error for invalid boolean")
	}
	if !strings.Contains(err.Error(), "HINT") {
		t.Errorf("Expected a hint in the error, got: %v", err)
	}
}

func TestSaveToFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := NewDefaultConfig()
	cfg.Maintenance.Enabled = true
	cfg.Maintenance.Servers = []string{"survival"}
	cfg.Whitelist["069a79f4-44e9-4726-a5be-fca90e38aaf5"] = "Notch"

	if err := SaveToFile(path, &cfg); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	loaded := NewDefaultConfig()
	if err := LoadConfigFromFile(path, &loaded); err != nil {
		t.Fatalf("Failed to reload config: %v", err)
	}
	if !loaded.Maintenance.Enabled {
		t.Error("Expected enabled to survive a save")
	}
	if len(loaded.Maintenance.Servers) != 1 || loaded.Maintenance.Servers[0] != "survival" {
		t.Errorf("Expected servers to survive a save, got %q", loaded.Maintenance.Servers)
	}
	if loaded.Messages.Prefix != cfg.Messages.Prefix {
		t.Errorf("Expected prefix %q, got %q", cfg.Messages.Prefix, loaded.Messages.Prefix)
	}
	if loaded.Whitelist["069a79f4-44e9-4726-a5be-fca90e38aaf5"] != "Notch" {
		t.Errorf("Expected whitelist entry to survive a save, got %v", loaded.Whitelist)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("Expected temporary files to be cleaned up, found %d entries", len(entries))
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad redirect timeout", func(c *Config) { c.Maintenance.RedirectTimeout = "soon" }, "redirect_timeout"},
		{"non-positive broadcast", func(c *Config) { c.Maintenance.TimerBroadcastForSeconds = []int{10, 0} }, "timer_broadcast_for_seconds"},
		{"empty server name", func(c *Config) { c.Maintenance.Servers = []string{" "} }, "maintenance.servers"},
		{"bad host timeout", func(c *Config) { c.Host.Timeout = "x" }, "host.timeout"},
		{"unknown driver", func(c *Config) {
			c.SharedState.Enabled = true
			c.SharedState.Driver = "redis"
		}, "shared_state.driver"},
		{"postgres without dsn", func(c *Config) {
			c.SharedState.Enabled = true
			c.SharedState.Driver = "postgres"
		}, "shared_state.dsn"},
		{"admin api without key", func(c *Config) { c.AdminAPI.Start = true }, "admin_api.api_key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestWhitelistEntries(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Whitelist = map[string]string{
		"069a79f4-44e9-4726-a5be-fca90e38aaf5": "Notch",
		"not-a-uuid":                           "Broken",
	}

	entries, errs := cfg.WhitelistEntries()
	if len(errs) != 1 {
		t.Errorf("Expected one parse error, got %d", len(errs))
	}
	id := uuid.MustParse("069a79f4-44e9-4726-a5be-fca90e38aaf5")
	if entries[id] != "Notch" {
		t.Errorf("Expected Notch, got %v", entries)
	}
	if len(entries) != 1 {
		t.Errorf("Expected one valid entry, got %d", len(entries))
	}
}

func TestGetters_Defaults(t *testing.T) {
	var s SharedStateConfig
	if got := s.GetPollIntervalWithDefault(); got != 5*time.Second {
		t.Errorf("Expected default poll interval 5s, got %v", got)
	}
	s.PollInterval = "100ms"
	if got := s.GetPollIntervalWithDefault(); got != 5*time.Second {
		t.Errorf("Expected sub-second poll interval to fall back to 5s, got %v", got)
	}

	var h HostConfig
	if got := h.GetTimeoutWithDefault(); got != 5*time.Second {
		t.Errorf("Expected default host timeout 5s, got %v", got)
	}

	m := MaintenanceConfig{DataDir: "/srv/proxy", Ping: PingConfig{IconFile: "icon.png"}}
	if got := m.GetIconPath(); got != filepath.Join("/srv/proxy", "icon.png") {
		t.Errorf("Unexpected icon path %q", got)
	}
	m.Ping.IconFile = "/abs/icon.png"
	if got := m.GetIconPath(); got != "/abs/icon.png" {
		t.Errorf("Expected absolute icon path to be kept, got %q", got)
	}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := writeConfig(t, "[maintenance]\nenabled = false\n")

	changes := make(chan Config, 4)
	w, err := NewWatcher(path, 50*time.Millisecond, func(c Config) { changes <- c })
	if err != nil {
		t.Fatalf("Failed to create watcher: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("[maintenance]\nenabled = true\n"), 0644); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}

	select {
	case c := <-changes:
		if !c.Maintenance.Enabled {
			t.Error("Expected reloaded config to have maintenance enabled")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for config reload")
	}
}

func TestWatcher_IgnoresInvalidConfig(t *testing.T) {
	path := writeConfig(t, "[maintenance]\nenabled = false\n")

	changes := make(chan Config, 4)
	w, err := NewWatcher(path, 50*time.Millisecond, func(c Config) { changes <- c })
	if err != nil {
		t.Fatalf("Failed to create watcher: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("[maintenance]\nredirect_timeout = \"never\"\n"), 0644); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}

	select {
	case <-changes:
		t.Fatal("Invalid config should not be delivered")
	case <-time.After(500 * time.Millisecond):
	}
}
