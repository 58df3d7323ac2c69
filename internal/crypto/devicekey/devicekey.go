// Package devicekey contains device-side primitives: Ed25519 key generation,
// challenge signing, and passphrase sealing of the private key at rest.
package devicekey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// KEK derivation params for sealing the private key.
const (
	kekLen              = 32
	saltLen             = 16
	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

// Keypair is a device identity. Only Public ever leaves the device.
type Keypair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Generate creates a new Ed25519 device keypair.
func Generate() (Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("generating Ed25519 keypair: %w", err)
	}
	return Keypair{Public: pub, Private: priv}, nil
}

// PublicHex returns the public key as lowercase hex, the form the server stores.
func (k Keypair) PublicHex() string { return hex.EncodeToString(k.Public) }

// SignHex signs nonce and returns the signature as lowercase hex.
func (k Keypair) SignHex(nonce []byte) string {
	return hex.EncodeToString(ed25519.Sign(k.Private, nonce))
}

// FromSeedHex rebuilds a keypair from a hex-encoded 32-byte seed.
func FromSeedHex(seedHex string) (Keypair, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return Keypair{}, fmt.Errorf("decoding seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return Keypair{}, fmt.Errorf("seed has %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return Keypair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// SeedHex returns the private seed as hex.
func (k Keypair) SeedHex() string { return hex.EncodeToString(k.Private.Seed()) }

// Seal encrypts the private seed with a passphrase-derived key using
// XChaCha20-Poly1305. Layout: salt || nonce || ciphertext. The public key
// is bound as additional data.
func Seal(k Keypair, passphrase []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(deriveKEK(passphrase, salt))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, saltLen+len(nonce)+ed25519.PublicKeySize+ed25519.SeedSize+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, k.Public...)
	out = append(out, aead.Seal(nil, nonce, k.Private.Seed(), k.Public)...)
	return out, nil
}

// Open reverses Seal.
func Open(sealed, passphrase []byte) (Keypair, error) {
	head := saltLen + chacha20poly1305.NonceSizeX + ed25519.PublicKeySize
	if len(sealed) < head {
		return Keypair{}, errors.New("sealed key too short")
	}
	salt := sealed[:saltLen]
	nonce := sealed[saltLen : saltLen+chacha20poly1305.NonceSizeX]
	pub := sealed[saltLen+chacha20poly1305.NonceSizeX : head]

	aead, err := chacha20poly1305.NewX(deriveKEK(passphrase, salt))
	if err != nil {
		return Keypair{}, err
	}
	seed, err := aead.Open(nil, nonce, sealed[head:], pub)
	if err != nil {
		return Keypair{}, fmt.Errorf("opening sealed key: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return Keypair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

func deriveKEK(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, kekLen)
}
