package broker

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// App bundles the broker's runtime components: the protocol orchestrator
// composes them to drive the authorize/callback/token/userinfo/logout state
// machine for every mounted provider.
type App struct {
	Config     Config
	Logger     *slog.Logger
	Store      *SessionStore
	Keys       *KeyManager
	Tokens     *TokenService
	Clients    *ClientRegistry
	Registry   *UpstreamRegistry
	Federation *FederationClient
	Mounted    []string // providers whose upstream registered successfully
}

// NewApp wires together the application state from configuration and
// registers all upstream providers. Providers that fail registration are
// logged and skipped; the app serves the rest.
func NewApp(ctx context.Context, cfg Config, secrets SecretResolver, logger *slog.Logger) (*App, error) {
	keys, err := NewKeyManager(cfg.Keys, logger)
	if err != nil {
		return nil, err
	}

	store := NewSessionStore(cfg.Sessions, logger)
	tokens := NewTokenService(cfg.Tokens, keys, store, logger)

	clients, err := NewClientRegistry(cfg.OAuth2Clients)
	if err != nil {
		return nil, err
	}

	registry := NewUpstreamRegistry(cfg.Upstream, secrets, logger)
	mounted := registry.RegisterAll(ctx, cfg)
	if len(mounted) == 0 {
		logger.Warn("no providers registered; broker will serve nothing")
	}

	return &App{
		Config:     cfg,
		Logger:     logger,
		Store:      store,
		Keys:       keys,
		Tokens:     tokens,
		Clients:    clients,
		Registry:   registry,
		Federation: NewFederationClient(registry, cfg.Upstream, logger),
		Mounted:    mounted,
	}, nil
}

func (a *App) handleDiscovery(p *ProviderConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, BuildDiscoveryDocument(p, a.Config.IssuerFor(p), a.Keys.Alg()))
	}
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "max-age=3600")
	writeJSON(w, http.StatusOK, a.Keys.PublicJWKS())
}

// authorizeRequest encapsulates parsed parameters for /authorize.
type authorizeRequest struct {
	Client              *Client
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

func (a *App) handleAuthorize(p *ProviderConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := a.parseAuthorizeRequest(p, r)
		if err != nil {
			a.Logger.Warn("authorize invalid request", "provider", p.Name, "error", err)
			// Redirect errors to the client only when the redirect_uri is
			// itself validated; anything else gets a direct response so an
			// unvalidated URI is never used as a redirect target.
			if req.Client != nil && req.RedirectURI != "" && req.Client.ValidRedirect(req.RedirectURI) {
				redirectError(w, req.RedirectURI, req.State, "invalid_request", err.Error())
			} else {
				writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_request", Description: err.Error()})
			}
			return
		}

		upstreamNonce := NewID()
		upstreamVerifier := newPKCEVerifier()

		sess, err := a.Store.CreateSession(SessionRequest{
			Provider:            p.Name,
			ClientID:            req.Client.ClientID,
			RedirectURI:         req.RedirectURI,
			Scope:               req.Scope,
			State:               req.State,
			Nonce:               req.Nonce,
			CodeChallenge:       req.CodeChallenge,
			CodeChallengeMethod: req.CodeChallengeMethod,
			UpstreamNonce:       upstreamNonce,
			UpstreamVerifier:    upstreamVerifier,
		})
		if err != nil {
			a.Logger.Error("session create", "provider", p.Name, "error", err)
			redirectError(w, req.RedirectURI, req.State, "server_error", "failed to start authorization")
			return
		}

		// The session id travels upstream as the state parameter and is the
		// lookup key on callback.
		authURL, err := a.Federation.AuthorizationURL(p.Name, sess.ID, upstreamNonce, pkceChallengeS256(upstreamVerifier))
		if err != nil {
			a.Logger.Error("authorization url", "provider", p.Name, "error", err)
			redirectError(w, req.RedirectURI, req.State, "temporarily_unavailable", "provider not available")
			return
		}

		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

func (a *App) parseAuthorizeRequest(p *ProviderConfig, r *http.Request) (authorizeRequest, error) {
	q := r.URL.Query()

	clientID := q.Get("client_id")
	if clientID == "" {
		return authorizeRequest{}, errors.New("client_id required")
	}
	client, ok := a.Clients.Get(clientID)
	if !ok {
		return authorizeRequest{RedirectURI: q.Get("redirect_uri"), State: q.Get("state")}, errors.New("unknown client")
	}

	req := authorizeRequest{
		Client:      client,
		RedirectURI: q.Get("redirect_uri"),
		State:       q.Get("state"),
		Nonce:       q.Get("nonce"),
	}

	if req.RedirectURI == "" || !client.ValidRedirect(req.RedirectURI) {
		return req, errors.New("invalid redirect_uri")
	}
	if q.Get("response_type") != "code" {
		return req, errors.New("unsupported response_type")
	}
	if !p.FlowAllowed("authorization_code") {
		return req, errors.New("authorization_code flow not enabled for provider")
	}

	scope := q.Get("scope")
	if scope == "" || !strings.Contains(" "+scope+" ", " openid ") {
		return req, errors.New("scope must include openid")
	}
	if !client.ValidateScopes(scope) {
		return req, errors.New("scope not permitted for client")
	}
	req.Scope = scope

	req.CodeChallenge = q.Get("code_challenge")
	req.CodeChallengeMethod = q.Get("code_challenge_method")
	switch req.CodeChallengeMethod {
	case "", "plain", "S256":
	default:
		return req, errors.New("unsupported code_challenge_method")
	}
	if req.CodeChallengeMethod != "" && req.CodeChallenge == "" {
		return req, errors.New("code_challenge required")
	}
	if req.CodeChallenge != "" && req.CodeChallengeMethod == "" {
		// RFC 7636 defaults an omitted method to plain.
		req.CodeChallengeMethod = "plain"
	}
	if client.Public && (req.CodeChallenge == "" || req.CodeChallengeMethod != "S256") {
		return req, errors.New("pkce with S256 required for public clients")
	}

	return req, nil
}

func (a *App) handleCallback(p *ProviderConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		state := q.Get("state")
		if state == "" {
			writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_request", Description: "missing state"})
			return
		}

		sess, err := a.Store.GetSession(state)
		if err != nil {
			a.Logger.Warn("callback with invalid state", "provider", p.Name, "error", err)
			writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_request", Description: "invalid state"})
			return
		}
		if sess.Provider != p.Name {
			a.Logger.Warn("callback provider mismatch", "provider", p.Name, "session_provider", sess.Provider)
			writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_request", Description: "invalid state"})
			return
		}

		if upstreamErr := q.Get("error"); upstreamErr != "" {
			a.Logger.Warn("upstream returned error", "provider", p.Name, "error", upstreamErr)
			redirectError(w, sess.RedirectURI, sess.State, "access_denied", upstreamErr)
			return
		}

		code := q.Get("code")
		if code == "" {
			redirectError(w, sess.RedirectURI, sess.State, "invalid_request", "missing code")
			return
		}

		identity, err := a.Federation.Exchange(r.Context(), p.Name, code, sess.UpstreamVerifier, sess.UpstreamNonce)
		if err != nil {
			a.logUpstreamFailure("exchange", p.Name, err)
			redirectError(w, sess.RedirectURI, sess.State, "server_error", "upstream exchange failed")
			return
		}

		info, err := a.Federation.UserInfo(r.Context(), p.Name, identity.Tokens, identity.Subject)
		if err != nil {
			a.logUpstreamFailure("userinfo", p.Name, err)
			redirectError(w, sess.RedirectURI, sess.State, "server_error", "upstream userinfo failed")
			return
		}
		// Userinfo claims take precedence over ID token claims.
		claims := make(map[string]any, len(identity.Claims)+len(info))
		for k, v := range identity.Claims {
			claims[k] = v
		}
		for k, v := range info {
			claims[k] = v
		}

		a.Store.SaveSubjectClaims(identity.Subject, claims)

		authCode, err := a.Store.CreateAuthorizationCode(sess.ID, identity.Subject, claims, identity.Tokens, time.Now())
		if err != nil {
			a.Logger.Error("mint authorization code", "provider", p.Name, "error", err)
			redirectError(w, sess.RedirectURI, sess.State, "server_error", "failed to issue code")
			return
		}

		redirect, err := url.Parse(sess.RedirectURI)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_request", Description: "invalid redirect_uri"})
			return
		}
		values := redirect.Query()
		values.Set("code", authCode.Code)
		if sess.State != "" {
			values.Set("state", sess.State)
		}
		redirect.RawQuery = values.Encode()
		http.Redirect(w, r, redirect.String(), http.StatusFound)
	}
}

func (a *App) handleToken(p *ProviderConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_request", Description: "invalid form"})
			return
		}

		client, err := a.authenticateClient(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
			writeJSON(w, http.StatusUnauthorized, tokenError{Error: "invalid_client"})
			return
		}

		switch grantType := r.FormValue("grant_type"); grantType {
		case "authorization_code":
			a.tokenAuthorizationCode(w, r, p, client)
		case "refresh_token":
			a.tokenRefresh(w, r, p, client)
		default:
			writeJSON(w, http.StatusBadRequest, tokenError{Error: "unsupported_grant_type", Description: grantType})
		}
	}
}

func (a *App) tokenAuthorizationCode(w http.ResponseWriter, r *http.Request, p *ProviderConfig, client *Client) {
	codeValue := r.FormValue("code")
	if codeValue == "" {
		writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_request", Description: "missing code"})
		return
	}

	// Consumption is atomic and never rolled back: if the client disconnects
	// after this point the code stays spent, preserving at-most-once.
	code, err := a.Store.ConsumeAuthorizationCode(codeValue)
	if err != nil {
		if errors.Is(err, ErrCodeConsumed) {
			a.Logger.Warn("authorization code replay", "provider", p.Name, "client_id", client.ClientID)
		}
		writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_grant", Description: "code invalid, expired, or already used"})
		return
	}

	if code.ClientID != client.ClientID {
		a.Logger.Warn("code client mismatch", "provider", p.Name, "client_id", client.ClientID)
		writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_grant", Description: "client mismatch"})
		return
	}
	if code.Provider != p.Name {
		writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_grant", Description: "code issued for another provider"})
		return
	}
	if redirectURI := r.FormValue("redirect_uri"); redirectURI != code.RedirectURI {
		writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_grant", Description: "redirect_uri mismatch"})
		return
	}

	if code.CodeChallenge != "" {
		if err := verifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, r.FormValue("code_verifier")); err != nil {
			a.Logger.Warn("pkce verification failed", "provider", p.Name, "client_id", client.ClientID)
			writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_grant", Description: err.Error()})
			return
		}
	}

	issuer := a.Config.IssuerFor(p)

	accessToken, err := a.Tokens.IssueAccessToken(issuer, code.Subject, client.ClientID, code.Scope, p.AccessTTL())
	if err != nil {
		a.serverError(w, "issue access token", err)
		return
	}

	idToken, err := a.Tokens.IssueIDToken(issuer, code.Subject, client.ClientID, code.Nonce, code.AuthTime, code.Claims, p.IDTTL())
	if err != nil {
		a.serverError(w, "issue id token", err)
		return
	}

	resp := TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(p.AccessTTLSeconds),
		Scope:       code.Scope,
		IDToken:     idToken,
	}
	if p.FlowAllowed("refresh_token") {
		resp.RefreshToken = a.Tokens.IssueRefreshToken(p.Name, code.Subject, client.ClientID, code.Scope, code.Upstream.RefreshToken, p.RefreshTTL())
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *App) tokenRefresh(w http.ResponseWriter, r *http.Request, p *ProviderConfig, client *Client) {
	if !p.FlowAllowed("refresh_token") {
		writeJSON(w, http.StatusBadRequest, tokenError{Error: "unsupported_grant_type", Description: "refresh_token flow not enabled"})
		return
	}
	refreshToken := r.FormValue("refresh_token")
	if refreshToken == "" {
		writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_request", Description: "missing refresh_token"})
		return
	}

	resp, err := a.Tokens.RefreshAccessToken(p, a.Config.IssuerFor(p), refreshToken, client.ClientID)
	if err != nil {
		if errors.Is(err, ErrRefreshRevoked) {
			a.Logger.Warn("revoked refresh token presented", "provider", p.Name, "client_id", client.ClientID)
		} else {
			a.Logger.Warn("refresh failed", "provider", p.Name, "error", err)
		}
		writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_grant", Description: "refresh token invalid, expired, or revoked"})
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleUserInfo(p *ProviderConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" {
			unauthorized(w, "invalid_request", "missing bearer token")
			return
		}

		claims, err := a.Tokens.ValidateAccessToken(token, "", a.Config.IssuerFor(p))
		if err != nil {
			a.Logger.Warn("userinfo token rejected", "provider", p.Name, "error", err)
			unauthorized(w, "invalid_token", "token invalid or expired")
			return
		}

		resp := map[string]any{"sub": claims.Subject}
		profile := a.Store.SubjectClaims(claims.Subject)
		scope := " " + claims.Scope + " "
		if profile != nil {
			if strings.Contains(scope, " email ") {
				for _, k := range []string{"email", "email_verified"} {
					if v, ok := profile[k]; ok {
						resp[k] = v
					}
				}
			}
			if strings.Contains(scope, " profile ") {
				for _, k := range []string{"name", "preferred_username", "given_name", "family_name"} {
					if v, ok := profile[k]; ok {
						resp[k] = v
					}
				}
			}
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func (a *App) handleLogout(p *ProviderConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_request", Description: "invalid form"})
			return
		}

		hint := r.FormValue("id_token_hint")
		postLogout := r.FormValue("post_logout_redirect_uri")

		var subject string
		if hint != "" {
			sub, err := a.Tokens.ParseIDTokenHint(hint, a.Config.IssuerFor(p))
			if err != nil {
				a.Logger.Warn("invalid id_token_hint", "provider", p.Name, "error", err)
				writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_request", Description: "invalid id_token_hint"})
				return
			}
			subject = sub
			revoked := a.Store.RevokeRefreshTokensForSubject(subject)
			a.Logger.Info("logout", "provider", p.Name, "revoked_refresh_tokens", revoked)
		}

		if postLogout != "" {
			// Redirecting after logout requires a validated id_token_hint;
			// otherwise this would be an open redirect.
			if subject == "" || !isSafeRedirectURI(postLogout) {
				writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_request", Description: "post_logout_redirect_uri requires a valid id_token_hint"})
				return
			}
			redirect, err := url.Parse(postLogout)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_request", Description: "invalid post_logout_redirect_uri"})
				return
			}
			if state := r.FormValue("state"); state != "" {
				values := redirect.Query()
				values.Set("state", state)
				redirect.RawQuery = values.Encode()
			}
			http.Redirect(w, r, redirect.String(), http.StatusFound)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *App) authenticateClient(r *http.Request) (*Client, error) {
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.FormValue("client_id")
		clientSecret = r.FormValue("client_secret")
	}
	return a.Clients.Authenticate(clientID, clientSecret)
}

func (a *App) serverError(w http.ResponseWriter, op string, err error) {
	a.Logger.Error(op, "error", err)
	writeJSON(w, http.StatusInternalServerError, tokenError{Error: "server_error"})
}

func (a *App) logUpstreamFailure(op, provider string, err error) {
	if errors.Is(err, ErrUpstreamUnavailable) {
		a.Logger.Error("upstream unavailable", "op", op, "provider", provider, "error", err)
		return
	}
	a.Logger.Warn("upstream rejected", "op", op, "provider", provider, "error", err)
}

func verifyPKCE(challenge, method, verifier string) error {
	if verifier == "" {
		return errors.New("code_verifier required")
	}
	switch method {
	case "plain":
		if verifier != challenge {
			return errors.New("pkce verification failed")
		}
	case "S256":
		if pkceChallengeS256(verifier) != challenge {
			return errors.New("pkce verification failed")
		}
	default:
		return fmt.Errorf("unsupported code_challenge_method %s", method)
	}
	return nil
}

func pkceChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func newPKCEVerifier() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("entropy unavailable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func extractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err == nil {
			return r.FormValue("access_token")
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func unauthorized(w http.ResponseWriter, code, desc string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf("Bearer error=%q, error_description=%q", code, desc))
	writeJSON(w, http.StatusUnauthorized, tokenError{Error: code, Description: desc})
}

// redirectError reports a protocol error to the downstream client via its
// redirect_uri. Callers must only pass redirect URIs that have already been
// validated against the client registration.
func redirectError(w http.ResponseWriter, redirectURI, state, code, desc string) {
	if redirectURI == "" || !isSafeRedirectURI(redirectURI) {
		writeJSON(w, http.StatusBadRequest, tokenError{Error: code, Description: desc})
		return
	}
	uri, err := url.Parse(redirectURI)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, tokenError{Error: code, Description: desc})
		return
	}
	q := uri.Query()
	q.Set("error", code)
	if desc != "" {
		q.Set("error_description", desc)
	}
	if state != "" {
		q.Set("state", state)
	}
	uri.RawQuery = q.Encode()
	w.Header().Set("Location", uri.String())
	w.WriteHeader(http.StatusFound)
}
