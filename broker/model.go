package broker

import "time"

// AuthorizationSession tracks one in-flight /authorize attempt from the
// moment the downstream client is redirected upstream until the callback
// returns. The session id doubles as the state parameter sent upstream and
// is single-use: the callback consumes it.
type AuthorizationSession struct {
	ID                  string
	Provider            string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string // downstream state, echoed back verbatim
	Nonce               string // downstream nonce, surfaces in the ID token
	CodeChallenge       string
	CodeChallengeMethod string
	UpstreamNonce       string // broker-generated, bound to the upstream hop
	UpstreamVerifier    string // broker-generated PKCE verifier for upstream
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// AuthorizationCode is the one-time local code minted after a successful
// upstream callback. Consumed records stay in the store (flagged) until the
// sweep removes them, so replay is distinguishable from an unknown code.
type AuthorizationCode struct {
	Code                string
	SessionID           string
	Provider            string
	ClientID            string
	RedirectURI         string
	Scope               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	Subject             string
	Claims              map[string]any
	Upstream            UpstreamTokens
	AuthTime            time.Time
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Consumed            bool
}

// RefreshTokenRecord backs an opaque refresh token. A revoked or expired
// record never again yields an access token.
type RefreshTokenRecord struct {
	Token           string
	Provider        string
	Subject         string
	ClientID        string
	Scope           string
	UpstreamRefresh string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	Revoked         bool
}

// UpstreamTokens carries the material returned by the upstream token
// endpoint that the broker keeps alongside the local code.
type UpstreamTokens struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	Expiry       time.Time
}

// Client records downstream OAuth client metadata.
type Client struct {
	ClientID     string
	ClientSecret string
	RedirectURIs []string
	Scopes       []string
	Audiences    []string
	Public       bool
}

// TokenResponse matches the OAuth token endpoint success payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// tokenError is the standard OAuth2 error body.
type tokenError struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
}
