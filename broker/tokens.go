package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessTokenClaims captures the JWT claims the broker mints and validates.
type AccessTokenClaims struct {
	Scope    string `json:"scope"`
	ClientID string `json:"client_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenService issues and validates broker-signed tokens using the key
// manager's active key, and persists refresh token records in the store.
type TokenService struct {
	keys          *KeyManager
	store         *SessionStore
	rotateRefresh bool
	logger        *slog.Logger
}

// NewTokenService constructs a TokenService.
func NewTokenService(cfg TokensConfig, keys *KeyManager, store *SessionStore, logger *slog.Logger) *TokenService {
	return &TokenService{
		keys:          keys,
		store:         store,
		rotateRefresh: cfg.RotateRefresh,
		logger:        logger,
	}
}

// IssueAccessToken mints a signed JWT access token. All time claims are
// Unix seconds.
func (ts *TokenService) IssueAccessToken(issuer, subject, clientID, scope string, lifetime time.Duration) (string, error) {
	now := time.Now()
	claims := AccessTokenClaims{
		Scope:    scope,
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{clientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
			ID:        uuid.NewString(),
		},
	}
	return ts.sign(claims)
}

// IssueIDToken mints a signed OIDC ID token. The nonce is included whenever
// the original authorization request supplied one; enforcing its presence is
// the orchestrator's job, omission here is never silent because the caller
// passes the stored session nonce straight through.
func (ts *TokenService) IssueIDToken(issuer, subject, clientID, nonce string, authTime time.Time, profile map[string]any, lifetime time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": issuer,
		"sub": subject,
		"aud": clientID,
		"iat": now.Unix(),
		"exp": now.Add(lifetime).Unix(),
		"jti": uuid.NewString(),
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	if !authTime.IsZero() {
		claims["auth_time"] = authTime.Unix()
	}
	for _, k := range []string{"email", "email_verified", "name", "preferred_username", "given_name", "family_name"} {
		if v, ok := profile[k]; ok {
			claims[k] = v
		}
	}
	return ts.signMap(claims)
}

// IssueRefreshToken mints an opaque refresh token and persists its record.
func (ts *TokenService) IssueRefreshToken(provider, subject, clientID, scope, upstreamRefresh string, lifetime time.Duration) string {
	now := time.Now()
	rec := RefreshTokenRecord{
		Token:           NewID(),
		Provider:        provider,
		Subject:         subject,
		ClientID:        clientID,
		Scope:           scope,
		UpstreamRefresh: upstreamRefresh,
		CreatedAt:       now,
		ExpiresAt:       now.Add(lifetime),
	}
	ts.store.StoreRefreshToken(rec)
	return rec.Token
}

// RefreshAccessToken validates a refresh token and mints a new access token.
// With rotation enabled (the default) the presented token is revoked and a
// replacement issued; replay of a rotated token surfaces as ErrRefreshRevoked.
func (ts *TokenService) RefreshAccessToken(p *ProviderConfig, issuer, token, clientID string) (TokenResponse, error) {
	rec, err := ts.store.ValidateRefreshToken(token)
	if err != nil {
		return TokenResponse{}, err
	}
	if rec.ClientID != clientID {
		return TokenResponse{}, fmt.Errorf("%w: client mismatch", ErrRefreshInvalid)
	}

	access, err := ts.IssueAccessToken(issuer, rec.Subject, rec.ClientID, rec.Scope, p.AccessTTL())
	if err != nil {
		return TokenResponse{}, err
	}

	resp := TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(p.AccessTTLSeconds),
		Scope:        rec.Scope,
		RefreshToken: rec.Token,
	}
	if ts.rotateRefresh {
		ts.store.RevokeRefreshToken(rec.Token)
		resp.RefreshToken = ts.IssueRefreshToken(rec.Provider, rec.Subject, rec.ClientID, rec.Scope, rec.UpstreamRefresh, p.RefreshTTL())
	}
	return resp, nil
}

// ValidateAccessToken validates a broker-issued JWT. Checks run in order:
// signature against all current verification keys, then expiry, then
// audience, then issuer, so callers can tell the failure classes apart.
// Expiry uses now >= exp as the rejection condition (exp is exclusive).
func (ts *TokenService) ValidateAccessToken(raw, expectedAudience, expectedIssuer string) (*AccessTokenClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	tok, err := parser.ParseWithClaims(raw, &AccessTokenClaims{}, ts.keys.Keyfunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, fmt.Errorf("%w: %w", ErrMalformedToken, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	}
	claims, ok := tok.Claims.(*AccessTokenClaims)
	if !ok || !tok.Valid {
		return nil, ErrSignatureInvalid
	}

	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing exp", ErrMalformedToken)
	}
	if !time.Now().Before(claims.ExpiresAt.Time) {
		return nil, ErrTokenExpired
	}

	if expectedAudience != "" {
		found := false
		for _, aud := range claims.Audience {
			if aud == expectedAudience {
				found = true
				break
			}
		}
		if !found {
			return nil, ErrAudienceMismatch
		}
	}

	if expectedIssuer != "" && claims.Issuer != expectedIssuer {
		return nil, ErrIssuerMismatch
	}

	return claims, nil
}

func (ts *TokenService) sign(claims AccessTokenClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	key := ts.keys.ActiveKey()
	token.Header["kid"] = key.Kid
	return token.SignedString(key.PrivateKey)
}

func (ts *TokenService) signMap(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	key := ts.keys.ActiveKey()
	token.Header["kid"] = key.Kid
	return token.SignedString(key.PrivateKey)
}

// ParseIDTokenHint verifies a broker-issued id_token_hint: signature and
// issuer are checked, expiry deliberately is not (an expired ID token still
// identifies the subject being logged out).
func (ts *TokenService) ParseIDTokenHint(raw, expectedIssuer string) (subject string, err error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	claims := jwt.MapClaims{}
	_, err = parser.ParseWithClaims(raw, claims, ts.keys.Keyfunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return "", fmt.Errorf("%w: %w", ErrMalformedToken, err)
		}
		return "", fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	}
	iss, _ := claims["iss"].(string)
	if expectedIssuer != "" && iss != expectedIssuer {
		return "", ErrIssuerMismatch
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("%w: missing sub", ErrMalformedToken)
	}
	return sub, nil
}
