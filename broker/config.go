package broker

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded defaults for session, code, key, and upstream behaviour.
const (
	DefaultSessionTTL       = 10 * time.Minute
	DefaultCodeTTL          = 60 * time.Second
	DefaultSweepInterval    = 60 * time.Second
	DefaultAccessTTLSecs    = 600
	DefaultIDTTLSecs        = 600
	DefaultRefreshTTLSecs   = 86400
	DefaultRetirementWindow = 24 * time.Hour
	DefaultUpstreamTimeout  = 5 * time.Second
	DefaultDiscoveryRetries = 3
)

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server        ServerConfig     `yaml:"server"`
	Providers     []ProviderConfig `yaml:"providers"`
	OAuth2Clients []ClientConfig   `yaml:"oauth2_clients"`
	Sessions      SessionConfig    `yaml:"sessions"`
	Tokens        TokensConfig     `yaml:"tokens"`
	Keys          KeyConfig        `yaml:"keys"`
	Upstream      UpstreamConfig   `yaml:"upstream"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	SecretsPath     string    `yaml:"secrets_path"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains []string `yaml:"domains"`
	Email   string   `yaml:"email"`
}

// ProviderConfig describes one identity-broker endpoint exposed to
// downstream clients and the upstream issuer it federates to. Immutable
// after load.
type ProviderConfig struct {
	Name                    string   `yaml:"name"`
	AuthProtocol            string   `yaml:"auth_protocol"`
	EndpointURL             string   `yaml:"endpoint_url"`
	UpstreamIssuer          string   `yaml:"upstream_issuer"`
	UpstreamClientID        string   `yaml:"upstream_client_id"`
	UpstreamClientSecretRef string   `yaml:"upstream_client_secret_ref"`
	UpstreamScopes          []string `yaml:"upstream_scopes"`
	SupportedAuthFlows      []string `yaml:"supported_auth_flows"`
	AccessTTLSeconds        int      `yaml:"access_ttl_seconds"`
	IDTTLSeconds            int      `yaml:"id_ttl_seconds"`
	RefreshTTLSeconds       int      `yaml:"refresh_ttl_seconds"`
}

// ClientConfig describes a downstream OAuth client.
type ClientConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURIs []string `yaml:"redirect_uris"`
	Scopes       []string `yaml:"scopes"`
	Audiences    []string `yaml:"audiences"`
}

// SessionConfig controls session, code, and sweep timing.
type SessionConfig struct {
	SessionTTL    time.Duration `yaml:"session_ttl"`
	CodeTTL       time.Duration `yaml:"code_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// TokensConfig controls token issuance policy.
type TokensConfig struct {
	RotateRefresh bool `yaml:"rotate_refresh"`
}

// KeyConfig controls signing key rotation.
type KeyConfig struct {
	RotateInterval   time.Duration `yaml:"rotate_interval"`
	RetirementWindow time.Duration `yaml:"retirement_window"`
}

// UpstreamConfig bounds network calls to upstream issuers.
type UpstreamConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	DiscoveryRetries int           `yaml:"discovery_retries"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig returns the configuration template with development defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
		},
		Sessions: SessionConfig{
			SessionTTL:    DefaultSessionTTL,
			CodeTTL:       DefaultCodeTTL,
			SweepInterval: DefaultSweepInterval,
		},
		Tokens: TokensConfig{RotateRefresh: true},
		Keys: KeyConfig{
			RetirementWindow: DefaultRetirementWindow,
		},
		Upstream: UpstreamConfig{
			Timeout:          DefaultUpstreamTimeout,
			DiscoveryRetries: DefaultDiscoveryRetries,
		},
	}
}

func (c *Config) applyDefaults() {
	if c.Sessions.SessionTTL <= 0 {
		c.Sessions.SessionTTL = DefaultSessionTTL
	}
	if c.Sessions.CodeTTL <= 0 {
		c.Sessions.CodeTTL = DefaultCodeTTL
	}
	if c.Sessions.SweepInterval <= 0 {
		c.Sessions.SweepInterval = DefaultSweepInterval
	}
	if c.Keys.RetirementWindow <= 0 {
		c.Keys.RetirementWindow = DefaultRetirementWindow
	}
	if c.Upstream.Timeout <= 0 {
		c.Upstream.Timeout = DefaultUpstreamTimeout
	}
	if c.Upstream.DiscoveryRetries <= 0 {
		c.Upstream.DiscoveryRetries = DefaultDiscoveryRetries
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.AuthProtocol == "" {
			p.AuthProtocol = "oidc"
		}
		if p.AccessTTLSeconds <= 0 {
			p.AccessTTLSeconds = DefaultAccessTTLSecs
		}
		if p.IDTTLSeconds <= 0 {
			p.IDTTLSeconds = DefaultIDTTLSecs
		}
		if p.RefreshTTLSeconds <= 0 {
			p.RefreshTTLSeconds = DefaultRefreshTTLSecs
		}
		if len(p.UpstreamScopes) == 0 {
			p.UpstreamScopes = []string{"openid", "profile", "email"}
		}
		if len(p.SupportedAuthFlows) == 0 {
			p.SupportedAuthFlows = []string{"authorization_code", "refresh_token"}
		}
		if !strings.HasPrefix(p.EndpointURL, "/") {
			p.EndpointURL = "/" + p.EndpointURL
		}
		p.EndpointURL = strings.TrimSuffix(p.EndpointURL, "/")
	}
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"BROKERD_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"BROKERD_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"BROKERD_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"BROKERD_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"BROKERD_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"BROKERD_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"BROKERD_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"BROKERD_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
	}
	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config. Per-provider problems that
// only affect that provider are left to registration time (log and skip);
// Validate rejects configurations that cannot serve anything at all.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}

	if len(c.Providers) == 0 {
		return errors.New("at least one provider must be configured")
	}
	seen := make(map[string]bool, len(c.Providers))
	paths := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("providers[%d] (%s): duplicate provider name", i, p.Name)
		}
		seen[p.Name] = true
		switch p.AuthProtocol {
		case "oidc", "oauth2", "saml":
		default:
			return fmt.Errorf("providers[%d] (%s): auth_protocol must be oidc, oauth2, or saml", i, p.Name)
		}
		if p.EndpointURL == "" || p.EndpointURL == "/" {
			return fmt.Errorf("providers[%d] (%s): endpoint_url is required", i, p.Name)
		}
		if paths[p.EndpointURL] {
			return fmt.Errorf("providers[%d] (%s): duplicate endpoint_url %s", i, p.Name, p.EndpointURL)
		}
		paths[p.EndpointURL] = true
		if p.UpstreamIssuer == "" {
			return fmt.Errorf("providers[%d] (%s): upstream_issuer is required", i, p.Name)
		}
		if p.UpstreamClientID == "" {
			return fmt.Errorf("providers[%d] (%s): upstream_client_id is required", i, p.Name)
		}
	}

	if len(c.OAuth2Clients) == 0 {
		return errors.New("at least one OAuth2 client must be configured")
	}
	for i, client := range c.OAuth2Clients {
		if client.ClientID == "" {
			return fmt.Errorf("oauth2_clients[%d]: client_id is required", i)
		}
		if len(client.RedirectURIs) == 0 {
			return fmt.Errorf("oauth2_clients[%d] (%s): at least one redirect_uri is required", i, client.ClientID)
		}
		for j, uri := range client.RedirectURIs {
			if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
				return fmt.Errorf("oauth2_clients[%d] (%s): redirect_uris[%d] must start with http:// or https://, got: %s", i, client.ClientID, j, uri)
			}
		}
	}

	return nil
}

// Provider returns the provider config by name.
func (c Config) Provider(name string) *ProviderConfig {
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i]
		}
	}
	return nil
}

// IssuerFor returns the downstream-facing issuer for a provider: the public
// base URL joined with the provider's endpoint path.
func (c Config) IssuerFor(p *ProviderConfig) string {
	return strings.TrimSuffix(c.Server.PublicURL, "/") + p.EndpointURL
}

// AccessTTL returns the access-token lifetime as a duration.
func (p *ProviderConfig) AccessTTL() time.Duration {
	return time.Duration(p.AccessTTLSeconds) * time.Second
}

// IDTTL returns the ID-token lifetime as a duration.
func (p *ProviderConfig) IDTTL() time.Duration {
	return time.Duration(p.IDTTLSeconds) * time.Second
}

// RefreshTTL returns the refresh-token lifetime as a duration.
func (p *ProviderConfig) RefreshTTL() time.Duration {
	return time.Duration(p.RefreshTTLSeconds) * time.Second
}

// FlowAllowed reports whether a grant/flow is enabled for the provider.
func (p *ProviderConfig) FlowAllowed(flow string) bool {
	for _, f := range p.SupportedAuthFlows {
		if f == flow {
			return true
		}
	}
	return false
}
