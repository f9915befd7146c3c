package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// UpstreamClientConfig is the resolved, live configuration for federating
// to one upstream issuer: discovered endpoints, client credentials, and an
// ID token verifier. Owned exclusively by the registry; rebuilt only on
// explicit re-registration.
type UpstreamClientConfig struct {
	Name     string
	Provider *oidc.Provider
	OAuth    *oauth2.Config
	Verifier *oidc.IDTokenVerifier
}

// UpstreamRegistry builds per-provider upstream configuration from
// discovery documents fetched at registration time. Discovery is fetched
// once; there is no background refresh.
type UpstreamRegistry struct {
	mu      sync.RWMutex
	configs map[string]*UpstreamClientConfig

	secrets SecretResolver
	timeout time.Duration
	retries int
	logger  *slog.Logger
}

// NewUpstreamRegistry constructs the registry. The secret resolver must be
// ready before registration begins.
func NewUpstreamRegistry(cfg UpstreamConfig, secrets SecretResolver, logger *slog.Logger) *UpstreamRegistry {
	return &UpstreamRegistry{
		configs: make(map[string]*UpstreamClientConfig),
		secrets: secrets,
		timeout: cfg.Timeout,
		retries: cfg.DiscoveryRetries,
		logger:  logger,
	}
}

// Register fetches the upstream discovery document, resolves the client
// secret, and stores the resulting config. The registry lock is only taken
// for the final map insert, never across the network fetch.
func (r *UpstreamRegistry) Register(ctx context.Context, p ProviderConfig, redirectURL string) error {
	if p.AuthProtocol != "oidc" {
		return fmt.Errorf("provider %s: auth_protocol %s not supported", p.Name, p.AuthProtocol)
	}

	secret := ""
	if p.UpstreamClientSecretRef != "" {
		var err error
		secret, err = r.secrets.GetSecret(p.UpstreamClientSecretRef)
		if err != nil {
			return fmt.Errorf("%w: provider %s ref %s: %w", ErrSecretResolution, p.Name, p.UpstreamClientSecretRef, err)
		}
	}

	op, err := r.discover(ctx, p.UpstreamIssuer)
	if err != nil {
		return fmt.Errorf("provider %s: %w", p.Name, err)
	}

	endpoint := op.Endpoint()
	if secret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	cfg := &UpstreamClientConfig{
		Name:     p.Name,
		Provider: op,
		OAuth: &oauth2.Config{
			ClientID:     p.UpstreamClientID,
			ClientSecret: secret,
			RedirectURL:  redirectURL,
			Endpoint:     endpoint,
			Scopes:       p.UpstreamScopes,
		},
		Verifier: op.Verifier(&oidc.Config{ClientID: p.UpstreamClientID}),
	}

	r.mu.Lock()
	r.configs[p.Name] = cfg
	r.mu.Unlock()

	r.logger.Info("upstream registered", "provider", p.Name, "issuer", p.UpstreamIssuer)
	return nil
}

// RegisterAll registers every configured provider. One provider failing
// never blocks the others: failures are logged and skipped. Returns the
// names that registered successfully.
func (r *UpstreamRegistry) RegisterAll(ctx context.Context, cfg Config) []string {
	registered := make([]string, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		redirect := cfg.IssuerFor(&p) + "/callback"
		if err := r.Register(ctx, p, redirect); err != nil {
			r.logger.Error("provider registration failed", "provider", p.Name, "error", err)
			continue
		}
		registered = append(registered, p.Name)
	}
	return registered
}

// Resolve returns the upstream config for a provider name.
func (r *UpstreamRegistry) Resolve(name string) (*UpstreamClientConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return cfg, nil
}

// discover fetches the discovery document with bounded per-attempt timeouts
// and exponential backoff. Discovery is idempotent, so retrying is safe.
func (r *UpstreamRegistry) discover(ctx context.Context, issuer string) (*oidc.Provider, error) {
	operation := func() (*oidc.Provider, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return oidc.NewProvider(attemptCtx, issuer)
	}

	op, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(r.retries)),
		backoff.WithNotify(func(err error, d time.Duration) {
			r.logger.Warn("discovery retry", "issuer", issuer, "delay", d, "error", err)
		}),
	)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: discovery %s: %w", ErrUpstreamUnavailable, issuer, err)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrDiscovery, issuer, err)
	}
	return op, nil
}

// FederationClient drives the upstream OAuth2/OIDC exchange for registered
// providers.
type FederationClient struct {
	registry *UpstreamRegistry
	timeout  time.Duration
	logger   *slog.Logger
}

// NewFederationClient constructs the federation client.
func NewFederationClient(registry *UpstreamRegistry, cfg UpstreamConfig, logger *slog.Logger) *FederationClient {
	return &FederationClient{registry: registry, timeout: cfg.Timeout, logger: logger}
}

// AuthorizationURL constructs the upstream authorization request. The PKCE
// method toward upstream is always S256; a plain challenge accepted from a
// downstream client is never forwarded.
func (f *FederationClient) AuthorizationURL(providerName, state, nonce, codeChallenge string) (string, error) {
	cfg, err := f.registry.Resolve(providerName)
	if err != nil {
		return "", err
	}
	opts := []oauth2.AuthCodeOption{}
	if nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", nonce))
	}
	if codeChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", codeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}
	return cfg.OAuth.AuthCodeURL(state, opts...), nil
}

// UpstreamIdentity is the verified result of an upstream code exchange.
type UpstreamIdentity struct {
	Subject string
	Claims  map[string]any
	Tokens  UpstreamTokens
}

// Exchange posts the code to the upstream token endpoint, verifies the
// returned ID token, and checks the nonce. Exchanges are never retried:
// upstream codes are one-time. A timeout is reported as
// ErrUpstreamUnavailable, a protocol-level rejection as ErrExchange.
func (f *FederationClient) Exchange(ctx context.Context, providerName, code, codeVerifier, expectedNonce string) (UpstreamIdentity, error) {
	cfg, err := f.registry.Resolve(providerName)
	if err != nil {
		return UpstreamIdentity{}, err
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	opts := []oauth2.AuthCodeOption{}
	if codeVerifier != "" {
		opts = append(opts, oauth2.SetAuthURLParam("code_verifier", codeVerifier))
	}
	tok, err := cfg.OAuth.Exchange(exchangeCtx, code, opts...)
	if err != nil {
		if isTimeout(err) {
			return UpstreamIdentity{}, fmt.Errorf("%w: exchange: %w", ErrUpstreamUnavailable, err)
		}
		return UpstreamIdentity{}, fmt.Errorf("%w: %w", ErrExchange, err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return UpstreamIdentity{}, fmt.Errorf("%w: id_token missing in response", ErrExchange)
	}

	idToken, err := cfg.Verifier.Verify(exchangeCtx, rawIDToken)
	if err != nil {
		return UpstreamIdentity{}, fmt.Errorf("%w: verify id_token: %w", ErrExchange, err)
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return UpstreamIdentity{}, fmt.Errorf("%w: parse claims: %w", ErrExchange, err)
	}

	if expectedNonce != "" {
		if nonce, ok := claims["nonce"].(string); !ok || nonce != expectedNonce {
			return UpstreamIdentity{}, ErrNonceMismatch
		}
	}

	return UpstreamIdentity{
		Subject: idToken.Subject,
		Claims:  claims,
		Tokens: UpstreamTokens{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			IDToken:      rawIDToken,
			Expiry:       tok.Expiry,
		},
	}, nil
}

// UserInfo fetches the upstream userinfo document. The sub claim must match
// the subject of the verified upstream ID token, which blocks token
// substitution.
func (f *FederationClient) UserInfo(ctx context.Context, providerName string, tokens UpstreamTokens, expectedSubject string) (map[string]any, error) {
	cfg, err := f.registry.Resolve(providerName)
	if err != nil {
		return nil, err
	}

	infoCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tokens.AccessToken, Expiry: tokens.Expiry})
	info, err := cfg.Provider.UserInfo(infoCtx, src)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: userinfo: %w", ErrUpstreamUnavailable, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrUserInfo, err)
	}

	if expectedSubject != "" && info.Subject != expectedSubject {
		return nil, fmt.Errorf("%w: subject mismatch", ErrUserInfo)
	}

	var claims map[string]any
	if err := info.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: parse claims: %w", ErrUserInfo, err)
	}
	return claims, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "context deadline exceeded")
}
