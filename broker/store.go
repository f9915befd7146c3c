package broker

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SessionRequest is the validated input for creating an authorization
// session.
type SessionRequest struct {
	Provider            string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	UpstreamNonce       string
	UpstreamVerifier    string
}

// SessionStore keeps in-flight authorization sessions, one-time codes, and
// refresh token records. All state is in memory behind one mutex; the
// contract is written so a persistent backend can replace it without
// touching the orchestrator, provided consumption stays atomic. The lock is
// never held across network calls.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]AuthorizationSession
	codes    map[string]*AuthorizationCode
	refresh  map[string]*RefreshTokenRecord
	profiles map[string]map[string]any

	sessionTTL    time.Duration
	codeTTL       time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger
}

// NewSessionStore constructs the store.
func NewSessionStore(cfg SessionConfig, logger *slog.Logger) *SessionStore {
	return &SessionStore{
		sessions:      make(map[string]AuthorizationSession),
		codes:         make(map[string]*AuthorizationCode),
		refresh:       make(map[string]*RefreshTokenRecord),
		profiles:      make(map[string]map[string]any),
		sessionTTL:    cfg.SessionTTL,
		codeTTL:       cfg.CodeTTL,
		sweepInterval: cfg.SweepInterval,
		logger:        logger,
	}
}

// NewID generates a 128-bit random identifier.
func NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("entropy unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}

// CreateSession validates the request shape, generates a random session id,
// and stores the session with its TTL.
func (s *SessionStore) CreateSession(req SessionRequest) (AuthorizationSession, error) {
	if req.RedirectURI == "" {
		return AuthorizationSession{}, errors.New("redirect_uri required")
	}
	if req.Scope == "" {
		return AuthorizationSession{}, errors.New("scope required")
	}
	if req.CodeChallengeMethod != "" && req.CodeChallenge == "" {
		return AuthorizationSession{}, errors.New("code_challenge required when method given")
	}

	now := time.Now()
	sess := AuthorizationSession{
		ID:                  NewID(),
		Provider:            req.Provider,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		State:               req.State,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		UpstreamNonce:       req.UpstreamNonce,
		UpstreamVerifier:    req.UpstreamVerifier,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.sessionTTL),
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess, nil
}

// GetSession retrieves a session by id, distinguishing expiry from absence.
// Expired sessions are deleted on access.
func (s *SessionStore) GetSession(id string) (AuthorizationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return AuthorizationSession{}, ErrSessionNotFound
	}
	if time.Now().After(sess.ExpiresAt) {
		delete(s.sessions, id)
		return AuthorizationSession{}, ErrSessionExpired
	}
	return sess, nil
}

// CreateAuthorizationCode mints a one-time local code bound to the session
// and deletes the session: one authorization attempt yields one code.
func (s *SessionStore) CreateAuthorizationCode(sessionID, subject string, claims map[string]any, upstream UpstreamTokens, authTime time.Time) (AuthorizationCode, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return AuthorizationCode{}, ErrUnknownSession
	}
	delete(s.sessions, sessionID)

	code := AuthorizationCode{
		Code:                NewID(),
		SessionID:           sessionID,
		Provider:            sess.Provider,
		ClientID:            sess.ClientID,
		RedirectURI:         sess.RedirectURI,
		Scope:               sess.Scope,
		Nonce:               sess.Nonce,
		CodeChallenge:       sess.CodeChallenge,
		CodeChallengeMethod: sess.CodeChallengeMethod,
		Subject:             subject,
		Claims:              claims,
		Upstream:            upstream,
		AuthTime:            authTime,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.codeTTL),
	}
	s.codes[code.Code] = &code
	return code, nil
}

// ConsumeAuthorizationCode atomically consumes a code. Exactly one caller
// ever receives a successful result for a given code value; replay returns
// ErrCodeConsumed. The consumed record is kept (flagged) until the sweep so
// replay stays distinguishable from an unknown code.
func (s *SessionStore) ConsumeAuthorizationCode(value string) (AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.codes[value]
	if !ok {
		return AuthorizationCode{}, ErrCodeInvalid
	}
	if code.Consumed {
		return AuthorizationCode{}, ErrCodeConsumed
	}
	if time.Now().After(code.ExpiresAt) {
		delete(s.codes, value)
		return AuthorizationCode{}, ErrCodeExpired
	}
	code.Consumed = true
	return *code, nil
}

// StoreRefreshToken persists a refresh token record.
func (s *SessionStore) StoreRefreshToken(rec RefreshTokenRecord) {
	s.mu.Lock()
	s.refresh[rec.Token] = &rec
	s.mu.Unlock()
}

// ValidateRefreshToken returns the record when the token is live.
func (s *SessionStore) ValidateRefreshToken(token string) (RefreshTokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.refresh[token]
	if !ok {
		return RefreshTokenRecord{}, ErrRefreshInvalid
	}
	if rec.Revoked {
		return RefreshTokenRecord{}, ErrRefreshRevoked
	}
	if time.Now().After(rec.ExpiresAt) {
		return RefreshTokenRecord{}, ErrRefreshExpired
	}
	return *rec, nil
}

// RevokeRefreshToken marks a record revoked. Revocation is permanent; the
// sweep removes the record once its TTL elapses.
func (s *SessionStore) RevokeRefreshToken(token string) {
	s.mu.Lock()
	if rec, ok := s.refresh[token]; ok {
		rec.Revoked = true
	}
	s.mu.Unlock()
}

// RevokeRefreshTokensForSubject revokes all refresh tokens held by a
// subject, used by logout.
func (s *SessionStore) RevokeRefreshTokensForSubject(subject string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.refresh {
		if rec.Subject == subject && !rec.Revoked {
			rec.Revoked = true
			n++
		}
	}
	return n
}

// SaveSubjectClaims caches the upstream claim set for /userinfo replies.
func (s *SessionStore) SaveSubjectClaims(subject string, claims map[string]any) {
	s.mu.Lock()
	s.profiles[subject] = claims
	s.mu.Unlock()
}

// SubjectClaims returns the cached claim set for a subject, if any.
func (s *SessionStore) SubjectClaims(subject string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profiles[subject]
}

// StartSweep launches the periodic expiry sweep. Sweep problems are logged,
// never fatal.
func (s *SessionStore) StartSweep(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep(time.Now())
			case <-stop:
				return
			}
		}
	}()
}

func (s *SessionStore) sweep(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("store sweep panicked", "error", r)
		}
	}()

	s.mu.Lock()
	sessions, codes, tokens := 0, 0, 0
	for id, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, id)
			sessions++
		}
	}
	for value, code := range s.codes {
		if now.After(code.ExpiresAt) {
			delete(s.codes, value)
			codes++
		}
	}
	for value, rec := range s.refresh {
		if now.After(rec.ExpiresAt) {
			delete(s.refresh, value)
			tokens++
		}
	}
	s.mu.Unlock()

	if sessions+codes+tokens > 0 {
		s.logger.Debug("store sweep", "sessions", sessions, "codes", codes, "refresh_tokens", tokens)
	}
}
