package broker

// DiscoveryDocument is a simple alias for discovery metadata.
type DiscoveryDocument map[string]any

// BuildDiscoveryDocument constructs the broker's own OIDC discovery
// document for one provider endpoint. Pure function of provider config,
// base URL, and the signing algorithm; safe to call on every request.
func BuildDiscoveryDocument(p *ProviderConfig, issuer, signingAlg string) DiscoveryDocument {
	scopes := []string{"openid"}
	for _, s := range p.UpstreamScopes {
		if s != "openid" {
			scopes = append(scopes, s)
		}
	}
	return DiscoveryDocument{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/authorize",
		"token_endpoint":                        issuer + "/token",
		"userinfo_endpoint":                     issuer + "/userinfo",
		"jwks_uri":                              issuer + "/jwks",
		"end_session_endpoint":                  issuer + "/logout",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 p.SupportedAuthFlows,
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{signingAlg},
		"code_challenge_methods_supported":      []string{"S256"},
		"scopes_supported":                      scopes,
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post", "none"},
		"claims_supported":                      []string{"sub", "iss", "aud", "exp", "iat", "email", "name"},
	}
}
