package broker

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestKeyManagerDeterministicKid(t *testing.T) {
	m, err := NewKeyManager(KeyConfig{RetirementWindow: time.Hour}, testLogger())
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}

	key := m.ActiveKey()
	kid, err := keyID(&key.PrivateKey.PublicKey)
	if err != nil {
		t.Fatalf("keyID: %v", err)
	}
	if kid != key.Kid {
		t.Fatalf("kid not stable for same key: %q vs %q", kid, key.Kid)
	}
}

func TestKeyManagerRotateKeepsRetiringKey(t *testing.T) {
	m, err := NewKeyManager(KeyConfig{RetirementWindow: time.Hour}, testLogger())
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	oldKid := m.ActiveKey().Kid

	newKey, err := m.Rotate()
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if newKey.Kid == oldKid {
		t.Fatalf("rotation produced the same key")
	}
	if m.ActiveKey().Kid != newKey.Kid {
		t.Fatalf("new key not active after rotation")
	}

	kids := map[string]bool{}
	for _, k := range m.VerificationKeys() {
		kids[k.Kid] = true
	}
	if !kids[oldKid] || !kids[newKey.Kid] {
		t.Fatalf("expected both keys verifiable during grace window, got %v", kids)
	}

	jwks := m.PublicJWKS()
	if len(jwks.Keys) != 2 {
		t.Fatalf("expected 2 JWKS entries, got %d", len(jwks.Keys))
	}
}

func TestKeyManagerRetiredKeyDropsOut(t *testing.T) {
	// A negative window retires the demoted key immediately.
	m, err := NewKeyManager(KeyConfig{RetirementWindow: -time.Second}, testLogger())
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	oldKid := m.ActiveKey().Kid

	if _, err := m.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	for _, k := range m.VerificationKeys() {
		if k.Kid == oldKid {
			t.Fatalf("retired key still in verification set")
		}
	}
	if len(m.VerificationKeys()) != 1 {
		t.Fatalf("expected only active key, got %d", len(m.VerificationKeys()))
	}
}

func TestKeyManagerSecondRotationPrunes(t *testing.T) {
	m, err := NewKeyManager(KeyConfig{RetirementWindow: -time.Second}, testLogger())
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	if _, err := m.Rotate(); err != nil {
		t.Fatalf("first Rotate: %v", err)
	}
	if _, err := m.Rotate(); err != nil {
		t.Fatalf("second Rotate: %v", err)
	}
	// Both demoted keys carry an already-elapsed window; only the latest
	// demotion survives in the retiring list until the next prune.
	for _, k := range m.VerificationKeys()[1:] {
		if !time.Now().Before(k.RetireAt) {
			t.Fatalf("expired retiring key exposed for verification")
		}
	}
}
