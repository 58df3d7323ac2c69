package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/juancabe/sensor-proyect-sub000/internal/errs"
)

// NonceSize is the length in bytes of a device login challenge.
const NonceSize = 64

// Hex lengths of the challenge-response wire values.
const (
	PublicKeyHexLen = ed25519.PublicKeySize * 2
	SignatureHexLen = ed25519.SignatureSize * 2
)

// Diagnostic kinds of a failed challenge. Each one also matches
// errs.ErrInvalidCredential, which is all a caller should act on.
var (
	ErrInvalidEncoding    = errors.New("invalid hex encoding")
	ErrInvalidKeyMaterial = errors.New("invalid public key material")
	ErrSignatureMismatch  = errors.New("signature mismatch")
)

// NewNonce returns a fresh random challenge for one login attempt.
func NewNonce() ([]byte, error) {
	n, err := RandBytes(NonceSize)
	if err != nil {
		return nil, fmt.Errorf("%w: generating nonce: %w", errs.ErrInternal, err)
	}
	return n, nil
}

// VerifyChallenge checks that signatureHex is a valid Ed25519 signature over
// exactly nonce, made by the private half of publicKeyHex.
//
// Nonce freshness is not checked here; callers hand out one nonce per attempt.
func VerifyChallenge(publicKeyHex string, nonce []byte, signatureHex string) error {
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return fmt.Errorf("%w: %w: public key: %w", errs.ErrInvalidCredential, ErrInvalidEncoding, err)
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return fmt.Errorf("%w: %w: signature: %w", errs.ErrInvalidCredential, ErrInvalidEncoding, err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: %w: key has %d bytes", errs.ErrInvalidCredential, ErrInvalidKeyMaterial, len(pub))
	}
	if len(sig) != ed25519.SignatureSize || !ed25519.Verify(ed25519.PublicKey(pub), nonce, sig) {
		return fmt.Errorf("%w: %w", errs.ErrInvalidCredential, ErrSignatureMismatch)
	}
	return nil
}

// ValidPublicKeyHex reports whether s is a lowercase hex-encoded Ed25519 public key.
func ValidPublicKeyHex(s string) bool {
	if len(s) != PublicKeyHexLen {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
