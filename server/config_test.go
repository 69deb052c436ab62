package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeTempConfig(t, `
server:
  public_url: http://127.0.0.1:8080
  unknown_field: true
upstream:
  base_url: https://upstream.example.com
`)
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatalf("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "typos") {
		t.Fatalf("expected hint in error, got %v", err)
	}
}

func TestLoadConfigRequiresUpstreamURL(t *testing.T) {
	path := writeTempConfig(t, `
server:
  public_url: http://127.0.0.1:8080
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error without upstream.base_url")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
server:
  public_url: http://127.0.0.1:8080
upstream:
  base_url: https://upstream.example.com
`)
	t.Setenv("MCPAUTHD_UPSTREAM_URL", "https://other.example.com/")
	t.Setenv("MCPAUTHD_DEV_MODE", "false")
	t.Setenv("MCPAUTHD_PUBLIC_URL", "https://auth.example.com")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Upstream.BaseURL != "https://other.example.com" {
		t.Fatalf("env override not applied, got %q", cfg.Upstream.BaseURL)
	}
	if cfg.Server.DevMode {
		t.Fatalf("dev_mode override not applied")
	}
	if cfg.Server.PublicURL != "https://auth.example.com" {
		t.Fatalf("public_url override not applied")
	}
}

func TestValidateProdRequiresTLSDomains(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Upstream.BaseURL = "https://upstream.example.com"
	cfg.Server.DevMode = false
	cfg.Server.TLS.Domains = nil
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error without TLS domains in prod")
	}
}
