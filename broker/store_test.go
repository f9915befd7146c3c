package broker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestStore(sessionTTL, codeTTL time.Duration) *SessionStore {
	return NewSessionStore(SessionConfig{
		SessionTTL:    sessionTTL,
		CodeTTL:       codeTTL,
		SweepInterval: time.Minute,
	}, testLogger())
}

func validSessionRequest() SessionRequest {
	return SessionRequest{
		Provider:         "mock",
		ClientID:         "webapp",
		RedirectURI:      "http://127.0.0.1:3000/callback",
		Scope:            "openid profile",
		State:            "client-state",
		UpstreamNonce:    "nonce",
		UpstreamVerifier: "verifier",
	}
}

func TestSessionRoundTrip(t *testing.T) {
	store := newTestStore(time.Minute, time.Minute)

	sess, err := store.CreateSession(validSessionRequest())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.ID == "" {
		t.Fatalf("session id empty")
	}

	got, err := store.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.State != "client-state" || got.UpstreamVerifier != "verifier" {
		t.Fatalf("session fields lost: %+v", got)
	}

	if _, err := store.GetSession("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSessionExpiryDistinguishedFromAbsence(t *testing.T) {
	store := newTestStore(-time.Second, time.Minute)

	sess, err := store.CreateSession(validSessionRequest())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if _, err := store.GetSession(sess.ID); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	// Expired session is deleted on access; second read reports absence.
	if _, err := store.GetSession(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}
}

func TestCreateAuthorizationCodeConsumesSession(t *testing.T) {
	store := newTestStore(time.Minute, time.Minute)

	sess, _ := store.CreateSession(validSessionRequest())
	code, err := store.CreateAuthorizationCode(sess.ID, "user-1", nil, UpstreamTokens{}, time.Now())
	if err != nil {
		t.Fatalf("CreateAuthorizationCode: %v", err)
	}
	if code.ClientID != "webapp" || code.Subject != "user-1" {
		t.Fatalf("code fields wrong: %+v", code)
	}

	if _, err := store.GetSession(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("session should be gone after code mint, got %v", err)
	}
	if _, err := store.CreateAuthorizationCode(sess.ID, "user-1", nil, UpstreamTokens{}, time.Now()); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession on reuse, got %v", err)
	}
}

func TestConsumeAuthorizationCodeExactlyOnce(t *testing.T) {
	store := newTestStore(time.Minute, time.Minute)
	sess, _ := store.CreateSession(validSessionRequest())
	code, err := store.CreateAuthorizationCode(sess.ID, "user-1", nil, UpstreamTokens{}, time.Now())
	if err != nil {
		t.Fatalf("CreateAuthorizationCode: %v", err)
	}

	const workers = 32
	var wg sync.WaitGroup
	successes := make(chan AuthorizationCode, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got, err := store.ConsumeAuthorizationCode(code.Code); err == nil {
				successes <- got
			}
		}()
	}
	wg.Wait()
	close(successes)

	n := 0
	for range successes {
		n++
	}
	if n != 1 {
		t.Fatalf("expected exactly one consumption, got %d", n)
	}

	// Replay is distinguishable from an unknown code.
	if _, err := store.ConsumeAuthorizationCode(code.Code); !errors.Is(err, ErrCodeConsumed) {
		t.Fatalf("expected ErrCodeConsumed, got %v", err)
	}
	if _, err := store.ConsumeAuthorizationCode("nope"); !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("expected ErrCodeInvalid, got %v", err)
	}
}

func TestConsumeExpiredCode(t *testing.T) {
	store := newTestStore(time.Minute, -time.Second)
	sess, _ := store.CreateSession(validSessionRequest())
	code, _ := store.CreateAuthorizationCode(sess.ID, "user-1", nil, UpstreamTokens{}, time.Now())

	if _, err := store.ConsumeAuthorizationCode(code.Code); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("expected ErrCodeExpired, got %v", err)
	}
}

func TestRefreshTokenLifecycle(t *testing.T) {
	store := newTestStore(time.Minute, time.Minute)

	rec := RefreshTokenRecord{
		Token:     NewID(),
		Provider:  "mock",
		Subject:   "user-1",
		ClientID:  "webapp",
		Scope:     "openid",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	store.StoreRefreshToken(rec)

	got, err := store.ValidateRefreshToken(rec.Token)
	if err != nil {
		t.Fatalf("ValidateRefreshToken: %v", err)
	}
	if got.Subject != "user-1" {
		t.Fatalf("wrong record: %+v", got)
	}

	store.RevokeRefreshToken(rec.Token)
	if _, err := store.ValidateRefreshToken(rec.Token); !errors.Is(err, ErrRefreshRevoked) {
		t.Fatalf("expected ErrRefreshRevoked, got %v", err)
	}
	// Revocation is permanent.
	if _, err := store.ValidateRefreshToken(rec.Token); !errors.Is(err, ErrRefreshRevoked) {
		t.Fatalf("revocation did not stick")
	}

	if _, err := store.ValidateRefreshToken("unknown"); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("expected ErrRefreshInvalid, got %v", err)
	}
}

func TestRevokeRefreshTokensForSubject(t *testing.T) {
	store := newTestStore(time.Minute, time.Minute)
	for i := 0; i < 3; i++ {
		store.StoreRefreshToken(RefreshTokenRecord{
			Token:     NewID(),
			Subject:   "user-1",
			ExpiresAt: time.Now().Add(time.Hour),
		})
	}
	other := RefreshTokenRecord{Token: NewID(), Subject: "user-2", ExpiresAt: time.Now().Add(time.Hour)}
	store.StoreRefreshToken(other)

	if n := store.RevokeRefreshTokensForSubject("user-1"); n != 3 {
		t.Fatalf("expected 3 revocations, got %d", n)
	}
	if _, err := store.ValidateRefreshToken(other.Token); err != nil {
		t.Fatalf("unrelated subject's token revoked: %v", err)
	}
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	store := newTestStore(time.Minute, time.Minute)
	sess, _ := store.CreateSession(validSessionRequest())
	code, _ := store.CreateAuthorizationCode(sess.ID, "user-1", nil, UpstreamTokens{}, time.Now())
	if _, err := store.ConsumeAuthorizationCode(code.Code); err != nil {
		t.Fatalf("ConsumeAuthorizationCode: %v", err)
	}
	store.StoreRefreshToken(RefreshTokenRecord{Token: "rt", Subject: "user-1", ExpiresAt: time.Now().Add(time.Minute)})

	store.sweep(time.Now().Add(time.Hour))

	if _, err := store.ConsumeAuthorizationCode(code.Code); !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("consumed code should be swept, got %v", err)
	}
	if _, err := store.ValidateRefreshToken("rt"); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("expired refresh token should be swept, got %v", err)
	}
}
