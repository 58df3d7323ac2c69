// Package revocation implements the in-memory denylist consulted after token
// verification. Entries are keyed by token id, username, or email and stay
// active until their poison deadline; expired entries are swept lazily on
// insert and by a background reaper.
package revocation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juancabe/sensor-proyect-sub000/internal/errs"
	"go.uber.org/zap"
)

// DefaultTTL is the poison window used by Poison.
const DefaultTTL = 10 * time.Minute

// defaultSweepEvery is how many inserts into one map trigger an inline sweep.
const defaultSweepEvery = 64

// ErrLockPoisoned reports a map whose critical section panicked. The map
// stays unusable; every call on it fails with errs.ErrInternal.
var ErrLockPoisoned = errors.New("revocation: lock poisoned")

// Kind selects which of the three registries an identifier belongs to.
type Kind int

const (
	KindTokenID Kind = iota
	KindUsername
	KindEmail
	numKinds
)

func (k Kind) String() string {
	switch k {
	case KindTokenID:
		return "token_id"
	case KindUsername:
		return "username"
	case KindEmail:
		return "email"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type table struct {
	mu      sync.RWMutex
	entries map[string]time.Time // key -> poison until
	inserts int
	broken  atomic.Bool
}

// Registry is safe for concurrent use. Each kind has its own lock.
type Registry struct {
	tables     [numKinds]*table
	ttl        time.Duration
	sweepEvery int
	now        func() time.Time
	log        *zap.Logger
	lockHook   func(Kind)
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option { return func(r *Registry) { r.ttl = d } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithSweepEvery sets the insert count between inline sweeps of a map.
func WithSweepEvery(n int) Option { return func(r *Registry) { r.sweepEvery = n } }

// WithLockHook runs fn inside every critical section, with the lock held.
// A panic in fn breaks that map like any other panic under the lock.
func WithLockHook(fn func(Kind)) Option { return func(r *Registry) { r.lockHook = fn } }

// WithLogger sets the logger used by the reaper.
func WithLogger(l *zap.Logger) Option { return func(r *Registry) { r.log = l } }

// New constructs an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		ttl:        DefaultTTL,
		sweepEvery: defaultSweepEvery,
		now:        time.Now,
		log:        zap.NewNop(),
	}
	for i := range r.tables {
		r.tables[i] = &table{entries: make(map[string]time.Time)}
	}
	for _, o := range opts {
		o(r)
	}
	if r.ttl <= 0 {
		r.ttl = DefaultTTL
	}
	if r.sweepEvery <= 0 {
		r.sweepEvery = defaultSweepEvery
	}
	return r
}

// TTL returns the default poison window.
func (r *Registry) TTL() time.Duration { return r.ttl }

func (r *Registry) table(k Kind) (*table, error) {
	if k < 0 || k >= numKinds {
		return nil, fmt.Errorf("%w: revocation kind %d", errs.ErrMalformedInput, int(k))
	}
	return r.tables[k], nil
}

// locked runs fn under the table lock. A panic inside fn marks the table broken.
func (r *Registry) locked(k Kind, t *table, write bool, fn func()) (err error) {
	if t.broken.Load() {
		return fmt.Errorf("%w: %w (%s)", errs.ErrInternal, ErrLockPoisoned, k)
	}
	if write {
		t.mu.Lock()
		defer t.mu.Unlock()
	} else {
		t.mu.RLock()
		defer t.mu.RUnlock()
	}
	defer func() {
		if rec := recover(); rec != nil {
			t.broken.Store(true)
			err = fmt.Errorf("%w: %w (%s): %v", errs.ErrInternal, ErrLockPoisoned, k, rec)
		}
	}()
	if r.lockHook != nil {
		r.lockHook(k)
	}
	fn()
	return nil
}

// Poison marks id as revoked for the default TTL.
func (r *Registry) Poison(k Kind, id string) error {
	return r.PoisonFor(k, id, r.ttl)
}

// PoisonFor marks id as revoked for ttl from now.
func (r *Registry) PoisonFor(k Kind, id string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.ttl
	}
	return r.PoisonUntil(k, id, r.now().Add(ttl))
}

// PoisonUntil marks id as revoked until the given deadline. An active entry
// with a later deadline is kept; revocations are never shortened.
func (r *Registry) PoisonUntil(k Kind, id string, until time.Time) error {
	if id == "" {
		return fmt.Errorf("%w: empty revocation key", errs.ErrMalformedInput)
	}
	t, err := r.table(k)
	if err != nil {
		return err
	}
	return r.locked(k, t, true, func() {
		if cur, ok := t.entries[id]; !ok || cur.Before(until) {
			t.entries[id] = until
		}
		t.inserts++
		if t.inserts%r.sweepEvery == 0 {
			sweepLocked(t, r.now())
		}
	})
}

// IsPoisoned reports whether id has an entry whose deadline is still ahead.
func (r *Registry) IsPoisoned(k Kind, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	t, err := r.table(k)
	if err != nil {
		return false, err
	}
	now := r.now()
	var poisoned bool
	err = r.locked(k, t, false, func() {
		until, ok := t.entries[id]
		poisoned = ok && now.Before(until)
	})
	if err != nil {
		return false, err
	}
	return poisoned, nil
}

// Sweep removes inert entries from every map and returns how many were dropped.
func (r *Registry) Sweep() (int, error) {
	now := r.now()
	removed := 0
	var errList []error
	for k := Kind(0); k < numKinds; k++ {
		t := r.tables[k]
		if err := r.locked(k, t, true, func() { removed += sweepLocked(t, now) }); err != nil {
			errList = append(errList, err)
		}
	}
	return removed, errors.Join(errList...)
}

func sweepLocked(t *table, now time.Time) int {
	removed := 0
	for id, until := range t.entries {
		if !now.Before(until) {
			delete(t.entries, id)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.ttl
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			n, err := r.Sweep()
			if err != nil {
				r.log.Error("revocation sweep", zap.Error(err))
			}
			if n > 0 {
				r.log.Debug("revocation sweep", zap.Int("removed", n))
			}
		}
	}
}
