package agent

import (
	"path/filepath"
	"testing"
)

func TestConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load missing config: %v", err)
	}
	if cfg.ServerURL != "" || cfg.APIKey != "" {
		t.Fatalf("missing config not empty: %+v", cfg)
	}

	cfg.ServerURL = "https://tunnel.example.com"
	cfg.APIKey = "secret"
	if !cfg.RememberSubdomain(3000, "brave-fox-abcd") {
		t.Fatal("first mapping should report a change")
	}
	if cfg.RememberSubdomain(3000, "brave-fox-abcd") {
		t.Fatal("identical mapping should not report a change")
	}
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if loaded.ServerURL != cfg.ServerURL || loaded.APIKey != cfg.APIKey {
		t.Errorf("reloaded config = %+v", loaded)
	}
	if loaded.Subdomain(3000) != "brave-fox-abcd" {
		t.Errorf("Subdomain(3000) = %q", loaded.Subdomain(3000))
	}
	if loaded.Subdomain(8080) != "" {
		t.Errorf("Subdomain(8080) = %q, want empty", loaded.Subdomain(8080))
	}
}

func TestBuildPublicURL(t *testing.T) {
	tests := []struct {
		server string
		want   string
	}{
		{"https://tunnel.example.com", "https://quiet-owl-1a2b.tunnel.example.com"},
		{"https://tunnel.example.com:3100", "https://quiet-owl-1a2b.tunnel.example.com"},
		{"http://localhost:3100", "https://quiet-owl-1a2b.localhost"},
	}
	for _, tt := range tests {
		if got := buildPublicURL(tt.server, "quiet-owl-1a2b"); got != tt.want {
			t.Errorf("buildPublicURL(%q) = %q, want %q", tt.server, got, tt.want)
		}
	}
}
