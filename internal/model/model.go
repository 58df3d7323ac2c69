// Package model defines domain entities used by services and repositories.
package model

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
)

// PrincipalKind tags the variant of a Principal.
type PrincipalKind string

const (
	// PrincipalHuman is a user authenticated by password.
	PrincipalHuman PrincipalKind = "human"
	// PrincipalDevice is a sensor authenticated by a signed challenge.
	PrincipalDevice PrincipalKind = "device"
)

// Principal is an authenticated identity: a username for humans, a device id for sensors.
type Principal struct {
	Kind PrincipalKind
	ID   string
}

// HumanPrincipal builds a principal for a user.
func HumanPrincipal(username string) Principal {
	return Principal{Kind: PrincipalHuman, ID: username}
}

// DevicePrincipal builds a principal for a sensor device.
func DevicePrincipal(deviceID string) Principal {
	return Principal{Kind: PrincipalDevice, ID: deviceID}
}

// Valid reports whether the principal has a known kind and a non-empty id.
func (p Principal) Valid() bool {
	switch p.Kind {
	case PrincipalHuman, PrincipalDevice:
		return p.ID != ""
	default:
		return false
	}
}

func (p Principal) String() string { return string(p.Kind) + ":" + p.ID }

// CredentialKind tags the variant of a Credential.
type CredentialKind int

const (
	CredentialPassword CredentialKind = iota + 1
	CredentialSignature
)

// Credential is the material presented at login. Exactly one of Password or
// Signature is set, according to Kind.
type Credential struct {
	Kind      CredentialKind
	Password  *PasswordCredential
	Signature *SignatureCredential
}

// PasswordCredential carries a raw password. It is never persisted or logged.
type PasswordCredential struct {
	Username string
	Password string
}

// String redacts the password.
func (c PasswordCredential) String() string {
	return fmt.Sprintf("PasswordCredential{Username:%q Password:<redacted>}", c.Username)
}

// SignatureCredential is a device's answer to a challenge: the nonce it signed
// and the Ed25519 signature over exactly those bytes, hex encoded.
type SignatureCredential struct {
	DeviceID     string
	Nonce        []byte
	SignatureHex string
}

// NewPasswordCredential wraps a username/password pair.
func NewPasswordCredential(username, password string) Credential {
	return Credential{Kind: CredentialPassword, Password: &PasswordCredential{Username: username, Password: password}}
}

// NewSignatureCredential wraps a signed device challenge.
func NewSignatureCredential(deviceID string, nonce []byte, signatureHex string) Credential {
	return Credential{Kind: CredentialSignature, Signature: &SignatureCredential{DeviceID: deviceID, Nonce: nonce, SignatureHex: signatureHex}}
}

// Claims is the signed payload of a session token.
type Claims struct {
	TokenID   string        // per-issuance id, revocation key
	Subject   string        // username or device id
	Kind      PrincipalKind // principal variant
	Email     string        // humans only, optional
	IssuedAt  int64         // unix seconds
	ExpiresAt int64         // unix seconds, > IssuedAt
}

// Principal returns the identity embedded in the claims.
func (c Claims) Principal() Principal { return Principal{Kind: c.Kind, ID: c.Subject} }

// Session is an issued token together with its decoded claims.
type Session struct {
	Token  string
	Claims Claims
}

// ExpiresAt returns the token expiry as time (for diagnostics and responses).
func (s Session) ExpiresAt() time.Time { return time.Unix(s.Claims.ExpiresAt, 0).UTC() }

// ResourceKind identifies a class of owned resource.
type ResourceKind string

const (
	ResourcePlace  ResourceKind = "place"
	ResourceSensor ResourceKind = "sensor"
)

// Resource references a non-public entity whose owner is resolved by the data layer.
type Resource struct {
	Kind ResourceKind
	ID   string
}

// User represents an account stored on the server.
type User struct {
	ID           uuid.UUID // PK
	Username     string    // unique
	Email        string    // unique
	PasswordHash string    // Argon2id PHC string
	CreatedAt    time.Time
}

// Place groups sensors and is owned by a user.
type Place struct {
	ID            uuid.UUID
	OwnerUsername string
	Name          string
	CreatedAt     time.Time
}

// Sensor is a registered device. Only the public half of its key pair is stored.
type Sensor struct {
	DeviceID      string
	OwnerUsername string
	PlaceID       uuid.UUID
	PublicKeyHex  string // 64 lowercase hex chars
	CreatedAt     time.Time
}

// AccountUpdate describes a change of account fields; nil fields are left unchanged.
type AccountUpdate struct {
	Username     *string
	Email        *string
	PasswordHash *string
}
