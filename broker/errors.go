package broker

import "errors"

// Typed failures crossing component boundaries. Components return these
// (wrapped with context via %w); the orchestrator in handlers.go is the
// single place mapping them to HTTP-facing OAuth2 responses.
var (
	// Session store.
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrUnknownSession  = errors.New("unknown session")
	ErrCodeInvalid     = errors.New("authorization code invalid")
	ErrCodeExpired     = errors.New("authorization code expired")
	ErrCodeConsumed    = errors.New("authorization code already consumed")
	ErrRefreshInvalid  = errors.New("refresh token invalid")
	ErrRefreshExpired  = errors.New("refresh token expired")
	ErrRefreshRevoked  = errors.New("refresh token revoked")

	// Token service.
	ErrSignatureInvalid = errors.New("token signature invalid")
	ErrTokenExpired     = errors.New("token expired")
	ErrAudienceMismatch = errors.New("token audience mismatch")
	ErrIssuerMismatch   = errors.New("token issuer mismatch")
	ErrMalformedToken   = errors.New("malformed token")

	// Key manager.
	ErrKeyGeneration = errors.New("key generation failed")
	ErrRotation      = errors.New("key rotation failed")

	// Upstream registry / federation.
	ErrProviderNotFound    = errors.New("provider not registered")
	ErrDiscovery           = errors.New("upstream discovery failed")
	ErrSecretResolution    = errors.New("client secret resolution failed")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrExchange            = errors.New("upstream code exchange rejected")
	ErrUserInfo            = errors.New("upstream userinfo failed")
	ErrNonceMismatch       = errors.New("nonce mismatch")

	// Secret resolver.
	ErrSecretNotFound = errors.New("secret not found")

	// Client registry.
	ErrInvalidClient = errors.New("invalid client")
)
