// Package challenge keeps the pending login nonces handed out to devices.
// A nonce is valid for one successful login within its TTL.
package challenge

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/juancabe/sensor-proyect-sub000/internal/crypto"
	"github.com/juancabe/sensor-proyect-sub000/internal/errs"
)

// DefaultTTL bounds how long a device has to answer a challenge.
const DefaultTTL = 60 * time.Second

// MaxPerDevice is how many nonces a device may have pending at once. Issuing
// beyond it evicts the oldest.
const MaxPerDevice = 4

// defaultSweepEvery is how many issues trigger an inline sweep of the store.
const defaultSweepEvery = 64

type pending struct {
	nonce   []byte
	expires time.Time
}

// Store is safe for concurrent use.
type Store struct {
	mu         sync.Mutex
	pending    map[string][]pending
	issued     int
	ttl        time.Duration
	sweepEvery int
	now        func() time.Time
	newNonce   func() ([]byte, error)
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithSweepEvery sets the issue count between inline sweeps.
func WithSweepEvery(n int) Option { return func(s *Store) { s.sweepEvery = n } }

// New returns a Store. A non-positive ttl selects DefaultTTL.
func New(ttl time.Duration, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		pending:    make(map[string][]pending),
		ttl:        ttl,
		sweepEvery: defaultSweepEvery,
		now:        time.Now,
		newNonce:   crypto.NewNonce,
	}
	for _, o := range opts {
		o(s)
	}
	if s.sweepEvery <= 0 {
		s.sweepEvery = defaultSweepEvery
	}
	return s
}

// TTL returns the validity window of a nonce.
func (s *Store) TTL() time.Duration { return s.ttl }

// Issue creates a fresh nonce for deviceID and returns it with its deadline.
// Nonces issued earlier stay valid until used, expired or evicted.
func (s *Store) Issue(deviceID string) ([]byte, time.Time, error) {
	nonce, exp, err := s.Decoy(deviceID)
	if err != nil {
		return nil, time.Time{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.issued++
	if s.issued%s.sweepEvery == 0 {
		s.sweepLocked(now)
	}
	list := pruneExpired(s.pending[deviceID], now)
	if len(list) >= MaxPerDevice {
		list = list[len(list)-MaxPerDevice+1:]
	}
	s.pending[deviceID] = append(list, pending{nonce: nonce, expires: exp})
	return append([]byte(nil), nonce...), exp, nil
}

// Decoy returns a nonce shaped like Issue's without storing it. It is handed
// to ids that cannot log in, so a response does not reveal registration.
func (s *Store) Decoy(deviceID string) ([]byte, time.Time, error) {
	if deviceID == "" {
		return nil, time.Time{}, fmt.Errorf("%w: empty device id", errs.ErrMalformedInput)
	}
	nonce, err := s.newNonce()
	if err != nil {
		return nil, time.Time{}, err
	}
	return nonce, s.now().Add(s.ttl), nil
}

// Take consumes the pending nonce of deviceID equal to nonce if it has not
// expired. A nonce that matches nothing leaves the pending set untouched.
func (s *Store) Take(deviceID string, nonce []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	list := s.pending[deviceID]
	for i, p := range list {
		if subtle.ConstantTimeCompare(p.nonce, nonce) != 1 {
			continue
		}
		list = append(list[:i:i], list[i+1:]...)
		s.store(deviceID, pruneExpired(list, now))
		if !now.Before(p.expires) {
			return fmt.Errorf("%w: challenge expired", errs.ErrInvalidCredential)
		}
		return nil
	}
	s.store(deviceID, pruneExpired(list, now))
	return fmt.Errorf("%w: no matching challenge", errs.ErrInvalidCredential)
}

// Len returns the number of pending nonces across all devices.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, list := range s.pending {
		n += len(list)
	}
	return n
}

// Sweep drops expired nonces and returns how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.now())
}

// Run sweeps every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.ttl
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.Sweep()
		}
	}
}

func (s *Store) store(deviceID string, list []pending) {
	if len(list) == 0 {
		delete(s.pending, deviceID)
		return
	}
	s.pending[deviceID] = list
}

func (s *Store) sweepLocked(now time.Time) int {
	removed := 0
	for id, list := range s.pending {
		kept := pruneExpired(list, now)
		removed += len(list) - len(kept)
		s.store(id, kept)
	}
	return removed
}

// pruneExpired filters list in place.
func pruneExpired(list []pending, now time.Time) []pending {
	kept := list[:0]
	for _, p := range list {
		if now.Before(p.expires) {
			kept = append(kept, p)
		}
	}
	return kept
}
