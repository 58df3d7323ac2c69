// Package keystore holds the server's token signing secret and resolves
// per-device public keys through the data layer.
package keystore

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/juancabe/sensor-proyect-sub000/internal/errs"
	"go.uber.org/zap"
)

// SigningKeySize is the length of a generated HS256 secret.
const SigningKeySize = 32

// PublicKeySource resolves a device's registered public key (hex).
type PublicKeySource interface {
	PublicKey(ctx context.Context, deviceID string) (string, error)
}

// Store owns the signing secret. The secret is loaded or generated once, on
// first use, and is read-only afterwards.
type Store struct {
	path    string
	devices PublicKeySource
	log     *zap.Logger

	once sync.Once
	key  []byte
	err  error
}

// New returns a Store. An empty path keeps the secret in memory only, which
// invalidates every outstanding token on restart.
func New(path string, devices PublicKeySource, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{path: path, devices: devices, log: log}
}

// NewStatic returns a Store with a fixed secret. Used by tests and tools.
func NewStatic(key []byte, devices PublicKeySource) *Store {
	s := &Store{devices: devices, log: zap.NewNop()}
	s.once.Do(func() { s.key = append([]byte(nil), key...) })
	return s
}

// SigningKey returns the process-wide signing secret.
func (s *Store) SigningKey() ([]byte, error) {
	s.once.Do(func() {
		s.key, s.err = s.loadOrGenerate()
	})
	if s.err != nil {
		return nil, fmt.Errorf("%w: signing key: %w", errs.ErrInternal, s.err)
	}
	return s.key, nil
}

func (s *Store) loadOrGenerate() ([]byte, error) {
	if s.path == "" {
		s.log.Warn("signing key not persisted; tokens will not survive a restart")
		return generate()
	}

	b, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		if len(b) < SigningKeySize {
			return nil, fmt.Errorf("signing key %s has %d bytes, want at least %d", s.path, len(b), SigningKeySize)
		}
		return b, nil
	case errors.Is(err, fs.ErrNotExist):
		// first boot
	default:
		return nil, fmt.Errorf("reading signing key: %w", err)
	}

	key, err := generate()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return nil, fmt.Errorf("creating key dir: %w", err)
	}
	if err := os.WriteFile(s.path, key, 0o600); err != nil {
		return nil, fmt.Errorf("writing signing key: %w", err)
	}
	s.log.Info("generated new signing key", zap.String("path", s.path))
	return key, nil
}

func generate() ([]byte, error) {
	key := make([]byte, SigningKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	return key, nil
}

// DevicePublicKey returns the hex public key registered for deviceID, or
// errs.ErrNotFound.
func (s *Store) DevicePublicKey(ctx context.Context, deviceID string) (string, error) {
	if s.devices == nil {
		return "", errs.ErrNotFound
	}
	return s.devices.PublicKey(ctx, deviceID)
}
