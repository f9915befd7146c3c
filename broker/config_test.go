package broker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
server:
  public_url: http://127.0.0.1:8080
  dev_mode: true
providers:
  - name: mock
    endpoint_url: /auth/mock
    upstream_issuer: https://issuer.example.com
    upstream_client_id: broker-app
oauth2_clients:
  - client_id: webapp
    client_secret: supersecret
    redirect_uris:
      - http://127.0.0.1:3000/callback
    scopes: [openid, profile, email]
`

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfigFile(t, minimalConfig)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	p := cfg.Provider("mock")
	if p == nil {
		t.Fatalf("provider missing")
	}
	if p.AuthProtocol != "oidc" {
		t.Fatalf("auth_protocol default: %q", p.AuthProtocol)
	}
	if p.AccessTTL() != 10*time.Minute {
		t.Fatalf("access ttl default: %v", p.AccessTTL())
	}
	if !p.FlowAllowed("authorization_code") || !p.FlowAllowed("refresh_token") {
		t.Fatalf("default flows wrong: %v", p.SupportedAuthFlows)
	}
	if cfg.Sessions.SessionTTL != DefaultSessionTTL || cfg.Sessions.CodeTTL != DefaultCodeTTL {
		t.Fatalf("session defaults wrong: %+v", cfg.Sessions)
	}
	if cfg.Keys.RetirementWindow != DefaultRetirementWindow {
		t.Fatalf("retirement window default: %v", cfg.Keys.RetirementWindow)
	}
	if cfg.Upstream.Timeout != DefaultUpstreamTimeout || cfg.Upstream.DiscoveryRetries != DefaultDiscoveryRetries {
		t.Fatalf("upstream defaults wrong: %+v", cfg.Upstream)
	}
}

func TestIssuerFor(t *testing.T) {
	path := writeConfigFile(t, minimalConfig)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	got := cfg.IssuerFor(cfg.Provider("mock"))
	if got != "http://127.0.0.1:8080/auth/mock" {
		t.Fatalf("issuer: %q", got)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeConfigFile(t, minimalConfig+"\nbogus_key: true\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected unknown-field error")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no providers", func(c *Config) { c.Providers = nil }, "at least one provider"},
		{"no clients", func(c *Config) { c.OAuth2Clients = nil }, "at least one OAuth2 client"},
		{"duplicate provider name", func(c *Config) {
			p := c.Providers[0]
			p.EndpointURL = "/auth/other"
			c.Providers = append(c.Providers, p)
		}, "duplicate provider name"},
		{"duplicate endpoint", func(c *Config) {
			p := c.Providers[0]
			p.Name = "other"
			c.Providers = append(c.Providers, p)
		}, "duplicate endpoint_url"},
		{"bad protocol", func(c *Config) { c.Providers[0].AuthProtocol = "ldap" }, "auth_protocol"},
		{"missing issuer", func(c *Config) { c.Providers[0].UpstreamIssuer = "" }, "upstream_issuer"},
		{"bad redirect", func(c *Config) { c.OAuth2Clients[0].RedirectURIs = []string{"ftp://x"} }, "redirect_uris"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfigFile(t, minimalConfig)
			cfg, err := LoadConfig(path)
			if err != nil {
				t.Fatalf("LoadConfig: %v", err)
			}
			tc.mutate(&cfg)
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BROKERD_SERVER_PUBLIC_URL", "https://auth.example.com")
	t.Setenv("BROKERD_SERVER_DEV_MODE", "false")
	t.Setenv("BROKERD_SERVER_TLS_DOMAINS", "auth.example.com, alt.example.com")

	path := writeConfigFile(t, minimalConfig)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.PublicURL != "https://auth.example.com" {
		t.Fatalf("public_url override: %q", cfg.Server.PublicURL)
	}
	if cfg.Server.DevMode {
		t.Fatalf("dev_mode override ignored")
	}
	if len(cfg.Server.TLS.Domains) != 2 || cfg.Server.TLS.Domains[1] != "alt.example.com" {
		t.Fatalf("tls domains: %v", cfg.Server.TLS.Domains)
	}
}

func TestEndpointURLNormalized(t *testing.T) {
	content := strings.Replace(minimalConfig, "endpoint_url: /auth/mock", "endpoint_url: auth/mock/", 1)
	path := writeConfigFile(t, content)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Providers[0].EndpointURL != "/auth/mock" {
		t.Fatalf("endpoint not normalized: %q", cfg.Providers[0].EndpointURL)
	}
}
