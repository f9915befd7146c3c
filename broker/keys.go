package broker

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// SigningKey is an asymmetric signing key pair. Exactly one key is active
// (used for new signatures); retiring keys remain valid for verification
// until their retirement window elapses.
type SigningKey struct {
	Kid        string
	PrivateKey *rsa.PrivateKey
	CreatedAt  time.Time
	RetireAt   time.Time // zero while active
}

// KeyManager owns signing key material: generation, rotation, and public
// key-set export. Rotation is a single atomic state transition; readers
// never observe zero active keys.
type KeyManager struct {
	mu               sync.RWMutex
	active           *SigningKey
	retiring         []*SigningKey
	retirementWindow time.Duration
	logger           *slog.Logger
}

// NewKeyManager generates the initial active key.
func NewKeyManager(cfg KeyConfig, logger *slog.Logger) (*KeyManager, error) {
	m := &KeyManager{
		retirementWindow: cfg.RetirementWindow,
		logger:           logger,
	}
	key, err := generateSigningKey()
	if err != nil {
		return nil, err
	}
	m.active = key
	logger.Info("signing key generated", "kid", key.Kid)
	return m, nil
}

// Alg returns the signing algorithm for all keys the manager produces.
func (m *KeyManager) Alg() string {
	return string(jose.RS256)
}

// ActiveKey returns the current signing key.
func (m *KeyManager) ActiveKey() *SigningKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// VerificationKeys returns the active key plus retiring keys whose window
// has not elapsed, for signature verification and JWKS export.
func (m *KeyManager) VerificationKeys() []*SigningKey {
	now := time.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := []*SigningKey{m.active}
	for _, k := range m.retiring {
		if now.Before(k.RetireAt) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Rotate generates a new key, marks it active, and demotes the previous
// active key to retiring. All-or-nothing: on generation failure the previous
// active key stays active.
func (m *KeyManager) Rotate() (*SigningKey, error) {
	key, err := generateSigningKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRotation, err)
	}

	now := time.Now()
	m.mu.Lock()
	prev := m.active
	prev.RetireAt = now.Add(m.retirementWindow)
	kept := m.retiring[:0]
	for _, k := range m.retiring {
		if now.Before(k.RetireAt) {
			kept = append(kept, k)
		}
	}
	m.retiring = append([]*SigningKey{prev}, kept...)
	m.active = key
	m.mu.Unlock()

	m.logger.Info("signing key rotated", "kid", key.Kid, "retiring_kid", prev.Kid)
	return key, nil
}

// PublicJWKS maps each verification key's public material to its JWK
// representation.
func (m *KeyManager) PublicJWKS() jose.JSONWebKeySet {
	keys := m.VerificationKeys()
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(keys))}
	for _, k := range keys {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       &k.PrivateKey.PublicKey,
			KeyID:     k.Kid,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		})
	}
	return set
}

// Keyfunc resolves the verification key for a JWT by kid. Unknown or
// missing kids are rejected rather than falling back to the active key, so
// tokens signed by fully retired keys fail signature validation.
func (m *KeyManager) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("token missing kid header")
	}
	for _, k := range m.VerificationKeys() {
		if k.Kid == kid {
			return &k.PrivateKey.PublicKey, nil
		}
	}
	return nil, fmt.Errorf("no verification key for kid %s", kid)
}

// StartRotation launches the background rotation ticker. A zero or negative
// interval disables scheduled rotation.
func (m *KeyManager) StartRotation(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := m.Rotate(); err != nil {
					m.logger.Error("scheduled key rotation failed", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

func generateSigningKey() (*SigningKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}
	kid, err := keyID(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}
	return &SigningKey{
		Kid:        kid,
		PrivateKey: priv,
		CreatedAt:  time.Now(),
	}, nil
}

// keyID derives a stable kid from the public key (RFC 7638 thumbprint), so
// the same key always maps to the same kid.
func keyID(pub *rsa.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	tp, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}
