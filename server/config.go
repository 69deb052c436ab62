package server

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded token and session defaults
const (
	DefaultAccessTTL  = 10 * time.Minute
	DefaultCodeTTL    = 5 * time.Minute
	DefaultSessionTTL = 12 * time.Hour
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type", "Mcp-Session-Id", "Last-Event-ID"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
)

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Tokens   TokenConfig    `yaml:"tokens"`
	Sessions SessionConfig  `yaml:"sessions"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string     `yaml:"public_url"`
	DevListenAddr   string     `yaml:"dev_listen_addr"`
	HTTPListenAddr  string     `yaml:"http_listen_addr"`
	HTTPSListenAddr string     `yaml:"https_listen_addr"`
	DevMode         bool       `yaml:"dev_mode"`
	CookieDomain    string     `yaml:"cookie_domain"`
	SecretsPath     string     `yaml:"secrets_path"`
	TLS             TLSConfig  `yaml:"tls"`
	CORS            CORSConfig `yaml:"cors"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains []string `yaml:"domains"`
	Email   string   `yaml:"email"`
}

// CORSConfig lists browser origins allowed to reach the OAuth endpoints.
type CORSConfig struct {
	ClientOriginURLs []string `yaml:"client_origin_urls"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
}

// UpstreamConfig points at the vendor account API.
type UpstreamConfig struct {
	BaseURL       string        `yaml:"base_url"`
	LoginPath     string        `yaml:"login_path"`
	AccountPath   string        `yaml:"account_path"`
	SessionHeader string        `yaml:"session_header"`
	ClientName    string        `yaml:"client_name"`
	ClientVersion string        `yaml:"client_version"`
	Timeout       time.Duration `yaml:"timeout"`
}

// TokenConfig bounds token and code lifetimes.
type TokenConfig struct {
	AccessTTL time.Duration `yaml:"access_ttl"`
	CodeTTL   time.Duration `yaml:"code_ttl"`
}

// SessionConfig bounds browser session lifetime.
type SessionConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		// Strict unmarshaling to detect unknown fields.
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w (check for typos or deprecated fields)", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains: []string{"localhost"},
			},
			CORS: CORSConfig{
				AllowedMethods: DefaultCORSAllowedMethods,
				AllowedHeaders: DefaultCORSAllowedHeaders,
			},
		},
		Upstream: UpstreamConfig{
			LoginPath:     "/rest/login",
			AccountPath:   "/rest/account",
			SessionHeader: "X-Session-Key",
			ClientName:    "mcpauthd",
			ClientVersion: "1.0.0",
			Timeout:       15 * time.Second,
		},
		Tokens: TokenConfig{
			AccessTTL: DefaultAccessTTL,
			CodeTTL:   DefaultCodeTTL,
		},
		Sessions: SessionConfig{
			TTL: DefaultSessionTTL,
		},
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return fmt.Errorf("server.public_url required")
	}
	if _, err := url.Parse(c.Server.PublicURL); err != nil {
		return fmt.Errorf("server.public_url invalid: %w", err)
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url required")
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("upstream.base_url must be an absolute URL")
	}
	if c.Tokens.AccessTTL <= 0 {
		return fmt.Errorf("tokens.access_ttl must be positive")
	}
	if c.Tokens.CodeTTL <= 0 {
		return fmt.Errorf("tokens.code_ttl must be positive")
	}
	if c.Sessions.TTL <= 0 {
		return fmt.Errorf("sessions.ttl must be positive")
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return fmt.Errorf("server.tls.domains required outside dev mode")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MCPAUTHD_PUBLIC_URL"); v != "" {
		cfg.Server.PublicURL = strings.TrimSuffix(v, "/")
	}
	if v := os.Getenv("MCPAUTHD_LISTEN_ADDR"); v != "" {
		cfg.Server.DevListenAddr = v
	}
	if v := os.Getenv("MCPAUTHD_UPSTREAM_URL"); v != "" {
		cfg.Upstream.BaseURL = strings.TrimSuffix(v, "/")
	}
	if v := os.Getenv("MCPAUTHD_DEV_MODE"); v != "" {
		cfg.Server.DevMode = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("MCPAUTHD_COOKIE_DOMAIN"); v != "" {
		cfg.Server.CookieDomain = v
	}
}
