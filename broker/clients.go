package broker

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ClientRegistry holds registered downstream OAuth clients.
type ClientRegistry struct {
	clients map[string]*Client
}

// NewClientRegistry builds the registry from configuration.
func NewClientRegistry(cfgs []ClientConfig) (*ClientRegistry, error) {
	clients := make(map[string]*Client, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.ClientID == "" {
			return nil, errors.New("client_id required")
		}
		clients[cfg.ClientID] = &Client{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURIs: cfg.RedirectURIs,
			Scopes:       cfg.Scopes,
			Audiences:    cfg.Audiences,
			Public:       cfg.ClientSecret == "",
		}
	}
	return &ClientRegistry{clients: clients}, nil
}

// Get retrieves a client definition.
func (cr *ClientRegistry) Get(id string) (*Client, bool) {
	client, ok := cr.clients[id]
	return client, ok
}

// Authenticate validates client credentials (or public client PKCE use).
func (cr *ClientRegistry) Authenticate(id, secret string) (*Client, error) {
	client, ok := cr.clients[id]
	if !ok {
		return nil, ErrInvalidClient
	}
	if client.Public {
		return client, nil
	}
	if secret == "" || secret != client.ClientSecret {
		return nil, ErrInvalidClient
	}
	return client, nil
}

// ValidRedirect ensures the redirect URI is registered and safe.
func (c *Client) ValidRedirect(uri string) bool {
	if !isSafeRedirectURI(uri) {
		return false
	}
	return slices.Contains(c.RedirectURIs, uri)
}

// isSafeRedirectURI screens a redirect URI before it is ever used as a
// redirect target, blocking dangerous schemes and malformed URIs.
func isSafeRedirectURI(uri string) bool {
	if uri == "" {
		return false
	}

	lower := strings.ToLower(uri)
	dangerousSchemes := []string{"javascript:", "data:", "file:", "vbscript:", "about:"}
	for _, scheme := range dangerousSchemes {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}

	// Protocol-relative URLs could redirect anywhere.
	if strings.HasPrefix(uri, "//") {
		return false
	}

	idx := strings.Index(uri, "://")
	if idx == -1 {
		return false
	}
	scheme := uri[:idx]
	rest := uri[idx+3:]

	if scheme != "http" && scheme != "https" {
		return false
	}

	// Blocks user:pass@host and path@domain confusion.
	if strings.Contains(rest, "@") {
		return false
	}

	// Blocks http://evil.com#http://trusted.com/callback tricks.
	hostPart := rest
	if slashIdx := strings.Index(rest, "/"); slashIdx != -1 {
		hostPart = rest[:slashIdx]
	}
	return !strings.Contains(hostPart, "#")
}

// ValidateScopes ensures requested scopes are a subset of configured scopes.
func (c *Client) ValidateScopes(scope string) bool {
	if scope == "" {
		return true
	}
	for _, sc := range strings.Fields(scope) {
		if !slices.Contains(c.Scopes, sc) {
			return false
		}
	}
	return true
}

// CheckScope validates a scope string and returns a descriptive error.
func (c *Client) CheckScope(scope string) error {
	if !c.ValidateScopes(scope) {
		return fmt.Errorf("scope not permitted for client %s", c.ClientID)
	}
	return nil
}
