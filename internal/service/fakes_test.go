package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap/zaptest"

	"github.com/juancabe/sensor-proyect-sub000/internal/audit"
	"github.com/juancabe/sensor-proyect-sub000/internal/auth"
	"github.com/juancabe/sensor-proyect-sub000/internal/authz"
	"github.com/juancabe/sensor-proyect-sub000/internal/challenge"
	"github.com/juancabe/sensor-proyect-sub000/internal/errs"
	"github.com/juancabe/sensor-proyect-sub000/internal/keystore"
	"github.com/juancabe/sensor-proyect-sub000/internal/limiter"
	"github.com/juancabe/sensor-proyect-sub000/internal/model"
	"github.com/juancabe/sensor-proyect-sub000/internal/repository"
	"github.com/juancabe/sensor-proyect-sub000/internal/revocation"
	"github.com/juancabe/sensor-proyect-sub000/internal/token"
)

// fakeStore is an in-memory data layer shared by the repository fakes.
type fakeStore struct {
	mu      sync.Mutex
	users   map[string]*model.User
	places  map[uuid.UUID]*model.Place
	sensors map[string]*model.Sensor

	getErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:   map[string]*model.User{},
		places:  map[uuid.UUID]*model.Place{},
		sensors: map[string]*model.Sensor{},
	}
}

type fakeUsers struct{ *fakeStore }

var _ repository.UserRepository = fakeUsers{}

func (f fakeUsers) Create(_ context.Context, u *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, x := range f.users {
		if x.Username == u.Username || x.Email == u.Email {
			return errs.ErrAlreadyExists
		}
	}
	cpy := *u
	f.users[u.Username] = &cpy
	return nil
}

func (f fakeUsers) GetByUsername(_ context.Context, username string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	u, ok := f.users[username]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *u
	return &c, nil
}

func (f fakeUsers) PasswordHash(ctx context.Context, username string) (string, error) {
	u, err := f.GetByUsername(ctx, username)
	if err != nil {
		return "", err
	}
	return u.PasswordHash, nil
}

func (f fakeUsers) UpdateAccount(_ context.Context, username string, upd model.AccountUpdate) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[username]
	if !ok {
		return nil, errs.ErrNotFound
	}
	prev := *u
	if upd.Username != nil {
		if _, taken := f.users[*upd.Username]; taken && *upd.Username != username {
			return nil, errs.ErrAlreadyExists
		}
		delete(f.users, username)
		u.Username = *upd.Username
		f.users[u.Username] = u
		for _, p := range f.places {
			if p.OwnerUsername == username {
				p.OwnerUsername = u.Username
			}
		}
		for _, s := range f.sensors {
			if s.OwnerUsername == username {
				s.OwnerUsername = u.Username
			}
		}
	}
	if upd.Email != nil {
		u.Email = *upd.Email
	}
	if upd.PasswordHash != nil {
		u.PasswordHash = *upd.PasswordHash
	}
	return &prev, nil
}

type fakePlaces struct{ *fakeStore }

func (f fakePlaces) CreatePlace(_ context.Context, p *model.Place) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cpy := *p
	f.places[p.ID] = &cpy
	return nil
}

func (f fakePlaces) GetPlace(_ context.Context, id uuid.UUID) (*model.Place, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.places[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *p
	return &c, nil
}

type fakeSensors struct{ *fakeStore }

func (f fakeSensors) RegisterSensor(_ context.Context, s *model.Sensor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sensors[s.DeviceID]; ok {
		return errs.ErrAlreadyExists
	}
	if _, ok := f.places[s.PlaceID]; !ok {
		return errs.ErrNotFound
	}
	cpy := *s
	f.sensors[s.DeviceID] = &cpy
	return nil
}

func (f fakeSensors) GetSensor(_ context.Context, deviceID string) (*model.Sensor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sensors[deviceID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *s
	return &c, nil
}

func (f fakeSensors) PublicKey(ctx context.Context, deviceID string) (string, error) {
	s, err := f.GetSensor(ctx, deviceID)
	if err != nil {
		return "", err
	}
	return s.PublicKeyHex, nil
}

func (f *fakeStore) ResourceOwner(_ context.Context, r model.Resource) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Kind {
	case model.ResourcePlace:
		id, err := uuid.FromString(r.ID)
		if err != nil {
			return "", errs.ErrNotFound
		}
		if p, ok := f.places[id]; ok {
			return p.OwnerUsername, nil
		}
	case model.ResourceSensor:
		if s, ok := f.sensors[r.ID]; ok {
			return s.OwnerUsername, nil
		}
	}
	return "", errs.ErrNotFound
}

type fakeLimiter struct {
	mu sync.Mutex

	allowOK  bool
	allowErr error

	failBlocked bool
	failErr     error

	successErr error

	allowCalls   int
	failureCalls int
	successCalls int
	keys         []string
}

var _ limiter.Limiter = (*fakeLimiter)(nil)

func (l *fakeLimiter) Allow(_ context.Context, key string, _ []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowCalls++
	l.keys = append(l.keys, key)
	return l.allowOK, time.Minute, l.allowErr
}

func (l *fakeLimiter) Success(context.Context, string, []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.successCalls++
	return l.successErr
}

func (l *fakeLimiter) Failure(context.Context, string, []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failureCalls++
	return l.failBlocked, 0, l.failErr
}

type fakeNotifier struct {
	mu    sync.Mutex
	sent  map[string][]byte
	err   error
	calls int
}

func (n *fakeNotifier) NotifyChallenge(_ context.Context, deviceID string, nonce []byte, _ time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if n.err != nil {
		return n.err
	}
	if n.sent == nil {
		n.sent = map[string][]byte{}
	}
	n.sent[deviceID] = nonce
	return nil
}

type fakeAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *fakeAudit) Record(ev audit.Event) {
	a.mu.Lock()
	a.events = append(a.events, ev)
	a.mu.Unlock()
}

func (a *fakeAudit) last() audit.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.events[len(a.events)-1]
}

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

type env struct {
	store    *fakeStore
	core     *auth.Core
	lim      *fakeLimiter
	notifier *fakeNotifier
	audit    *fakeAudit
	clock    *fakeClock
	chal     *challenge.Store
	auth     *AuthServiceImpl
	sensors  *SensorServiceImpl
}

func newEnv(t *testing.T) *env {
	t.Helper()

	store := newFakeStore()
	clk := &fakeClock{t: time.Now()}
	keys := keystore.NewStatic([]byte("0123456789abcdef0123456789abcdef"), fakeSensors{store})
	tm, err := token.NewManager(keys, time.Hour, token.WithClock(clk.Now))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	log := zaptest.NewLogger(t)
	core := auth.New(auth.Deps{
		Tokens:     tm,
		Revocation: revocation.New(revocation.WithClock(clk.Now)),
		Authorizer: authz.New(store),
		Passwords:  fakeUsers{store},
		Devices:    keys,
		Logger:     log,
	})

	lim := &fakeLimiter{allowOK: true}
	n := &fakeNotifier{}
	rec := &fakeAudit{}
	chal := challenge.New(time.Minute, challenge.WithClock(clk.Now))
	return &env{
		store:    store,
		core:     core,
		lim:      lim,
		notifier: n,
		audit:    rec,
		clock:    clk,
		chal:     chal,
		auth: NewAuthService(AuthDeps{
			Core:        core,
			Users:       fakeUsers{store},
			Limiter:     lim,
			Challenges:  chal,
			Notifier:    n,
			Audit:       rec,
			HashWorkers: 2,
			Logger:      log,
		}),
		sensors: NewSensorService(core, fakePlaces{store}, fakeSensors{store}, rec),
	}
}

func strp(s string) *string { return &s }
