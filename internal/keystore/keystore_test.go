package keystore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/juancabe/sensor-proyect-sub000/internal/errs"
	"go.uber.org/zap/zaptest"
)

type fakeDevices map[string]string

func (f fakeDevices) PublicKey(_ context.Context, id string) (string, error) {
	k, ok := f[id]
	if !ok {
		return "", errs.ErrNotFound
	}
	return k, nil
}

func TestSigningKey_EphemeralIsStableWithinProcess(t *testing.T) {
	t.Parallel()

	s := New("", nil, zaptest.NewLogger(t))
	a, err := s.SigningKey()
	if err != nil {
		t.Fatalf("SigningKey: %v", err)
	}
	b, _ := s.SigningKey()
	if len(a) != SigningKeySize || !bytes.Equal(a, b) {
		t.Fatalf("key must be generated once: len=%d equal=%v", len(a), bytes.Equal(a, b))
	}
}

func TestSigningKey_ConcurrentFirstUse(t *testing.T) {
	t.Parallel()

	s := New("", nil, nil)
	const n = 32
	keys := make([][]byte, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			keys[i], _ = s.SigningKey()
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		if !bytes.Equal(keys[0], keys[i]) {
			t.Fatalf("goroutine %d saw a different key", i)
		}
	}
}

func TestSigningKey_PersistedAcrossStores(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "keys", "signing.key")
	first, err := New(path, nil, zaptest.NewLogger(t)).SigningKey()
	if err != nil {
		t.Fatalf("first SigningKey: %v", err)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("key file not written: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("key file mode %v, want 0600", st.Mode().Perm())
	}

	second, err := New(path, nil, zaptest.NewLogger(t)).SigningKey()
	if err != nil {
		t.Fatalf("second SigningKey: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("restart must reuse the persisted key")
	}
}

func TestSigningKey_ShortFileIsInternalError(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "short.key")
	if err := os.WriteFile(path, []byte("short"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := New(path, nil, nil).SigningKey()
	if !errors.Is(err, errs.ErrInternal) {
		t.Fatalf("want ErrInternal, got %v", err)
	}
}

func TestDevicePublicKey(t *testing.T) {
	t.Parallel()

	s := NewStatic([]byte("k"), fakeDevices{"dev-1": "ab"})
	got, err := s.DevicePublicKey(context.Background(), "dev-1")
	if err != nil || got != "ab" {
		t.Fatalf("DevicePublicKey: %q %v", got, err)
	}
	if _, err := s.DevicePublicKey(context.Background(), "nope"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if _, err := NewStatic([]byte("k"), nil).DevicePublicKey(context.Background(), "x"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("want ErrNotFound without source, got %v", err)
	}
}
