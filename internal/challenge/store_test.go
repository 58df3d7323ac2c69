package challenge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juancabe/sensor-proyect-sub000/internal/crypto"
	"github.com/juancabe/sensor-proyect-sub000/internal/errs"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newStore() (*Store, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return New(time.Minute, WithClock(clk.Now)), clk
}

func TestIssueTake_OneShot(t *testing.T) {
	t.Parallel()

	s, clk := newStore()
	nonce, exp, err := s.Issue("sensor-a")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if len(nonce) != crypto.NonceSize {
		t.Fatalf("nonce len = %d", len(nonce))
	}
	if !exp.Equal(clk.Now().Add(time.Minute)) {
		t.Fatalf("expiry = %v", exp)
	}

	if err := s.Take("sensor-a", nonce); err != nil {
		t.Fatalf("Take: %v", err)
	}
	if err := s.Take("sensor-a", nonce); !errors.Is(err, errs.ErrInvalidCredential) {
		t.Fatalf("replay: want ErrInvalidCredential, got %v", err)
	}
}

func TestTake_WrongNonceKeepsChallenge(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	nonce, _, err := s.Issue("sensor-a")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	other := append([]byte(nil), nonce...)
	other[0] ^= 0xff

	if err := s.Take("sensor-a", other); !errors.Is(err, errs.ErrInvalidCredential) {
		t.Fatalf("mismatch: %v", err)
	}
	if err := s.Take("sensor-a", nil); !errors.Is(err, errs.ErrInvalidCredential) {
		t.Fatalf("empty nonce: %v", err)
	}
	if err := s.Take("sensor-a", nonce); err != nil {
		t.Fatalf("valid nonce after failed attempts: %v", err)
	}
}

func TestTake_Expired(t *testing.T) {
	t.Parallel()

	s, clk := newStore()
	nonce, _, err := s.Issue("sensor-a")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	clk.Advance(time.Minute)
	if err := s.Take("sensor-a", nonce); !errors.Is(err, errs.ErrInvalidCredential) {
		t.Fatalf("expired: %v", err)
	}
}

func TestIssue_KeepsEarlierNonces(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	first, _, err := s.Issue("sensor-a")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	second, _, err := s.Issue("sensor-a")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := s.Take("sensor-a", first); err != nil {
		t.Fatalf("earlier nonce: %v", err)
	}
	if err := s.Take("sensor-a", second); err != nil {
		t.Fatalf("latest nonce: %v", err)
	}
	if n := s.Len(); n != 0 {
		t.Fatalf("Len = %d, want 0", n)
	}
}

func TestIssue_EvictsOldestBeyondCap(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	var nonces [][]byte
	for i := 0; i < MaxPerDevice+1; i++ {
		n, _, err := s.Issue("sensor-a")
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		nonces = append(nonces, n)
	}
	if n := s.Len(); n != MaxPerDevice {
		t.Fatalf("Len = %d, want %d", n, MaxPerDevice)
	}
	if err := s.Take("sensor-a", nonces[0]); !errors.Is(err, errs.ErrInvalidCredential) {
		t.Fatalf("evicted nonce accepted: %v", err)
	}
	for _, n := range nonces[1:] {
		if err := s.Take("sensor-a", n); err != nil {
			t.Fatalf("Take: %v", err)
		}
	}
}

func TestDecoy_NotStored(t *testing.T) {
	t.Parallel()

	s, clk := newStore()
	nonce, exp, err := s.Decoy("ghost")
	if err != nil {
		t.Fatalf("Decoy: %v", err)
	}
	if len(nonce) != crypto.NonceSize || !exp.Equal(clk.Now().Add(time.Minute)) {
		t.Fatalf("decoy = %d bytes, %v", len(nonce), exp)
	}
	if n := s.Len(); n != 0 {
		t.Fatalf("Len = %d, want 0", n)
	}
	if err := s.Take("ghost", nonce); !errors.Is(err, errs.ErrInvalidCredential) {
		t.Fatalf("decoy accepted: %v", err)
	}
}

func TestSweep(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := New(time.Minute, WithClock(clk.Now), WithSweepEvery(4))
	for _, id := range []string{"a", "b", "c"} {
		if _, _, err := s.Issue(id); err != nil {
			t.Fatalf("Issue: %v", err)
		}
	}
	clk.Advance(time.Minute)

	// The fourth issue sweeps inline.
	if _, _, err := s.Issue("d"); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if n := s.Len(); n != 1 {
		t.Fatalf("Len after inline sweep = %d, want 1", n)
	}

	clk.Advance(time.Minute)
	if n := s.Sweep(); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	if n := s.Len(); n != 0 {
		t.Fatalf("Len = %d, want 0", n)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	s, clk := newStore()
	if _, _, err := s.Issue("a"); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	clk.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, time.Millisecond)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for s.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
	if n := s.Len(); n != 0 {
		t.Fatalf("reaper left %d entries", n)
	}
}

func TestIssue_Validation(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	if _, _, err := s.Issue(""); !errors.Is(err, errs.ErrMalformedInput) {
		t.Fatalf("empty id: %v", err)
	}

	s.newNonce = func() ([]byte, error) { return nil, errs.ErrInternal }
	if _, _, err := s.Issue("sensor-a"); !errors.Is(err, errs.ErrInternal) {
		t.Fatalf("rng failure: %v", err)
	}
	if s.TTL() != time.Minute {
		t.Fatalf("TTL = %v", s.TTL())
	}
	if New(0).TTL() != DefaultTTL {
		t.Fatalf("default TTL not applied")
	}
}
