// Package token issues and verifies signed, self-contained session tokens.
//
// Tokens are HS256 JWTs. Verification needs no stored state: the signature is
// checked first, then expiry. Revocation is a separate step layered on top by
// the caller.
package token

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juancabe/sensor-proyect-sub000/internal/errs"
	"github.com/juancabe/sensor-proyect-sub000/internal/model"
)

// DefaultLifetime is the fixed validity window of a session.
const DefaultLifetime = 24 * time.Hour

// KeySource provides the symmetric signing secret.
type KeySource interface {
	SigningKey() ([]byte, error)
}

type sessionClaims struct {
	jwt.RegisteredClaims
	Kind  model.PrincipalKind `json:"knd"`
	Email string              `json:"email,omitempty"`
}

// Manager is the issuer/verifier pair. Safe for concurrent use.
type Manager struct {
	keys     KeySource
	lifetime time.Duration
	now      func() time.Time

	// bootID keeps token ids unique across restarts that reuse a persisted key;
	// counter keeps them unique within the process.
	bootID  [8]byte
	counter atomic.Uint64

	parser *jwt.Parser
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager constructs a Manager. A non-positive lifetime selects DefaultLifetime.
func NewManager(keys KeySource, lifetime time.Duration, opts ...Option) (*Manager, error) {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	m := &Manager{
		keys:     keys,
		lifetime: lifetime,
		now:      time.Now,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
			jwt.WithStrictDecoding(),
		),
	}
	if _, err := rand.Read(m.bootID[:]); err != nil {
		return nil, fmt.Errorf("%w: boot id: %w", errs.ErrInternal, err)
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Lifetime returns the validity window of issued tokens.
func (m *Manager) Lifetime() time.Duration { return m.lifetime }

// nextID returns a token id never handed out before by this Manager.
func (m *Manager) nextID() string {
	var b [16]byte
	copy(b[:8], m.bootID[:])
	binary.BigEndian.PutUint64(b[8:], m.counter.Add(1))
	return hex.EncodeToString(b[:])
}

// Issue signs a new session for p. Email is embedded for humans when non-empty.
func (m *Manager) Issue(p model.Principal, email string) (model.Session, error) {
	if !p.Valid() {
		return model.Session{}, fmt.Errorf("%w: principal", errs.ErrMalformedInput)
	}
	switch p.Kind {
	case model.PrincipalHuman:
	case model.PrincipalDevice:
		email = ""
	}

	key, err := m.keys.SigningKey()
	if err != nil {
		return model.Session{}, err
	}

	now := m.now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        m.nextID(),
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.lifetime)),
		},
		Kind:  p.Kind,
		Email: email,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return model.Session{}, fmt.Errorf("%w: signing token: %w", errs.ErrInternal, err)
	}
	return model.Session{Token: signed, Claims: toModel(&claims)}, nil
}

// Verify checks the signature, then expiry, and returns the claims.
// Signature or structure failures map to errs.ErrInvalidCredential,
// an elapsed expiry to errs.ErrExpired.
func (m *Manager) Verify(tokenString string) (model.Claims, error) {
	key, err := m.keys.SigningKey()
	if err != nil {
		return model.Claims{}, err
	}

	var c sessionClaims
	_, err = m.parser.ParseWithClaims(tokenString, &c, func(*jwt.Token) (any, error) { return key, nil })
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return model.Claims{}, fmt.Errorf("%w: bad signature", errs.ErrInvalidCredential)
		}
		return model.Claims{}, fmt.Errorf("%w: %w", errs.ErrInvalidCredential, err)
	}

	if c.ID == "" || c.Subject == "" || c.IssuedAt == nil || c.ExpiresAt == nil {
		return model.Claims{}, fmt.Errorf("%w: missing claims", errs.ErrInvalidCredential)
	}
	if !c.ExpiresAt.After(c.IssuedAt.Time) {
		return model.Claims{}, fmt.Errorf("%w: expiry not after issuance", errs.ErrInvalidCredential)
	}
	if !(model.Principal{Kind: c.Kind, ID: c.Subject}).Valid() {
		return model.Claims{}, fmt.Errorf("%w: principal kind", errs.ErrInvalidCredential)
	}
	if !m.now().Before(c.ExpiresAt.Time) {
		return model.Claims{}, errs.ErrExpired
	}
	return toModel(&c), nil
}

func toModel(c *sessionClaims) model.Claims {
	return model.Claims{
		TokenID:   c.ID,
		Subject:   c.Subject,
		Kind:      c.Kind,
		Email:     c.Email,
		IssuedAt:  c.IssuedAt.Unix(),
		ExpiresAt: c.ExpiresAt.Unix(),
	}
}
