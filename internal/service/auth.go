// Package service contains the application services for accounts, device
// logins and sensor registration.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/juancabe/sensor-proyect-sub000/internal/audit"
	"github.com/juancabe/sensor-proyect-sub000/internal/auth"
	"github.com/juancabe/sensor-proyect-sub000/internal/challenge"
	pkgcrypto "github.com/juancabe/sensor-proyect-sub000/internal/crypto"
	"github.com/juancabe/sensor-proyect-sub000/internal/errs"
	"github.com/juancabe/sensor-proyect-sub000/internal/limiter"
	"github.com/juancabe/sensor-proyect-sub000/internal/model"
	"github.com/juancabe/sensor-proyect-sub000/internal/repository"
	"github.com/juancabe/sensor-proyect-sub000/internal/revocation"
)

var (
	usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_.-]{3,32}$`)
	deviceIDRe = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,64}$`)
)

// Challenge is a nonce handed to a device for one login attempt.
type Challenge struct {
	DeviceID  string
	Nonce     []byte
	ExpiresAt time.Time
}

// AccountChange lists the account fields to change; nil fields are kept.
type AccountChange struct {
	Username *string
	Email    *string
	Password *string
}

// Notifier delivers a challenge to the device out of band.
type Notifier interface {
	NotifyChallenge(ctx context.Context, deviceID string, nonce []byte, expires time.Time) error
}

// AuthService defines account and session operations.
type AuthService interface {
	// Register creates a new user with an Argon2id password hash.
	Register(ctx context.Context, username, email, password string) (model.User, error)
	// Login applies rate limiting and authenticates a user by password.
	Login(ctx context.Context, username, password, ip string) (model.Session, error)
	// RequestChallenge issues a fresh nonce for a device.
	RequestChallenge(ctx context.Context, deviceID string) (Challenge, error)
	// DeviceLogin authenticates a device by its signature over a pending nonce.
	DeviceLogin(ctx context.Context, deviceID string, nonce []byte, signatureHex, ip string) (model.Session, error)
	// Renew mints a new session and revokes the presented one.
	Renew(ctx context.Context, claims model.Claims) (model.Session, error)
	// Logout revokes the presented session.
	Logout(ctx context.Context, claims model.Claims) error
	// UpdateAccount changes account fields and returns a fresh session.
	UpdateAccount(ctx context.Context, claims model.Claims, ch AccountChange) (model.Session, error)
}

// AuthServiceImpl implements AuthService.
type AuthServiceImpl struct {
	core       *auth.Core
	users      repository.UserRepository
	lim        limiter.Limiter
	challenges *challenge.Store
	notifier   Notifier
	audit      audit.Recorder
	hashes     *hashPool
	log        *zap.Logger
}

// AuthDeps lists the collaborators of AuthServiceImpl. Notifier and Audit
// are optional.
type AuthDeps struct {
	Core        *auth.Core
	Users       repository.UserRepository
	Limiter     limiter.Limiter
	Challenges  *challenge.Store
	Notifier    Notifier
	Audit       audit.Recorder
	HashWorkers int
	Logger      *zap.Logger
}

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(d AuthDeps) *AuthServiceImpl {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	rec := d.Audit
	if rec == nil {
		rec = audit.NewSink(nil, log)
	}
	return &AuthServiceImpl{
		core:       d.Core,
		users:      d.Users,
		lim:        d.Limiter,
		challenges: d.Challenges,
		notifier:   d.Notifier,
		audit:      rec,
		hashes:     newHashPool(d.HashWorkers),
		log:        log,
	}
}

func validateUsername(u string) error {
	if !usernameRe.MatchString(u) {
		return fmt.Errorf("%w: username must be 3..32 of [a-zA-Z0-9_.-]", errs.ErrMalformedInput)
	}
	return nil
}

func validateEmail(e string) error {
	a, err := mail.ParseAddress(e)
	if err != nil || a.Address != e || len(e) > 254 {
		return fmt.Errorf("%w: invalid email", errs.ErrMalformedInput)
	}
	return nil
}

func validateDeviceID(id string) error {
	if !deviceIDRe.MatchString(id) {
		return fmt.Errorf("%w: device id must be 1..64 of [a-zA-Z0-9_.-]", errs.ErrMalformedInput)
	}
	return nil
}

func (s *AuthServiceImpl) hashPassword(ctx context.Context, password string) (string, error) {
	if err := pkgcrypto.ValidatePassword(password); err != nil {
		return "", err
	}
	var (
		h   string
		err error
	)
	if perr := s.hashes.do(ctx, func() { h, err = pkgcrypto.HashPassword(password) }); perr != nil {
		return "", perr
	}
	if err != nil {
		return "", fmt.Errorf("%w: hashing password: %w", errs.ErrInternal, err)
	}
	return h, nil
}

// Register creates a new user record.
func (s *AuthServiceImpl) Register(ctx context.Context, username, email, password string) (u model.User, err error) {
	defer func() {
		s.audit.Record(audit.Event{Action: audit.ActionRegister, Principal: model.HumanPrincipal(username), Err: err})
	}()

	if err := validateUsername(username); err != nil {
		return model.User{}, err
	}
	if err := validateEmail(email); err != nil {
		return model.User{}, err
	}
	hash, err := s.hashPassword(ctx, password)
	if err != nil {
		return model.User{}, err
	}
	uid, err := uuid.NewV4()
	if err != nil {
		return model.User{}, fmt.Errorf("%w: %w", errs.ErrInternal, err)
	}

	u = model.User{ID: uid, Username: username, Email: email, PasswordHash: hash, CreatedAt: time.Now().UTC()}
	if err := s.users.Create(ctx, &u); err != nil {
		return model.User{}, err
	}
	return u, nil
}

// allow consults the limiter for key.
func (s *AuthServiceImpl) allow(ctx context.Context, key string, ipHash []byte) error {
	ok, retry, err := s.lim.Allow(ctx, key, ipHash)
	if err != nil {
		return fmt.Errorf("%w: limiter: %w", errs.ErrInternal, err)
	}
	if !ok {
		return fmt.Errorf("%w: retry in %s", errs.ErrRateLimited, retry.Round(time.Second))
	}
	return nil
}

// settle records the outcome of a login attempt with the limiter. Only
// credential failures count against the caller.
func (s *AuthServiceImpl) settle(ctx context.Context, key string, ipHash []byte, loginErr error) error {
	if loginErr == nil {
		if err := s.lim.Success(ctx, key, ipHash); err != nil {
			s.log.Warn("limiter reset failed", zap.String("key", key), zap.Error(err))
		}
		return nil
	}
	if !errors.Is(loginErr, errs.ErrInvalidCredential) {
		return loginErr
	}
	blocked, _, err := s.lim.Failure(ctx, key, ipHash)
	if err != nil {
		s.log.Warn("limiter failure record failed", zap.String("key", key), zap.Error(err))
		return loginErr
	}
	if blocked {
		return fmt.Errorf("%w: too many failed attempts", errs.ErrRateLimited)
	}
	return loginErr
}

// Login authenticates with rate limiting by (principal, ip).
func (s *AuthServiceImpl) Login(ctx context.Context, username, password, ip string) (sess model.Session, err error) {
	p := model.HumanPrincipal(username)
	defer func() { s.audit.Record(audit.Event{Action: audit.ActionLogin, Principal: p, Err: err}) }()

	if username == "" {
		return model.Session{}, fmt.Errorf("%w: empty username", errs.ErrMalformedInput)
	}
	key, ipHash := p.String(), limiter.HashIP(ip)
	if err := s.allow(ctx, key, ipHash); err != nil {
		return model.Session{}, err
	}

	var verr error
	if perr := s.hashes.do(ctx, func() {
		_, verr = s.core.VerifyCredential(ctx, model.NewPasswordCredential(username, password))
	}); perr != nil {
		return model.Session{}, perr
	}
	if err := s.settle(ctx, key, ipHash, verr); err != nil {
		return model.Session{}, err
	}

	u, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		return model.Session{}, fmt.Errorf("%w: loading account: %w", errs.ErrInternal, err)
	}
	return s.core.IssueSession(p, u.Email)
}

// RequestChallenge issues a nonce for deviceID and publishes it to the device
// when a notifier is configured. Unknown devices get a nonce of the same
// shape that is never stored.
func (s *AuthServiceImpl) RequestChallenge(ctx context.Context, deviceID string) (c Challenge, err error) {
	defer func() {
		s.audit.Record(audit.Event{Action: audit.ActionChallenge, Principal: model.DevicePrincipal(deviceID), Err: err})
	}()

	if err := validateDeviceID(deviceID); err != nil {
		return Challenge{}, err
	}
	known, err := s.core.DeviceRegistered(ctx, deviceID)
	if err != nil {
		return Challenge{}, err
	}
	if !known {
		nonce, exp, err := s.challenges.Decoy(deviceID)
		if err != nil {
			return Challenge{}, err
		}
		return Challenge{DeviceID: deviceID, Nonce: nonce, ExpiresAt: exp}, nil
	}

	nonce, exp, err := s.challenges.Issue(deviceID)
	if err != nil {
		return Challenge{}, err
	}
	if s.notifier != nil {
		if nerr := s.notifier.NotifyChallenge(ctx, deviceID, nonce, exp); nerr != nil {
			s.log.Warn("challenge delivery failed", zap.String("device_id", deviceID), zap.Error(nerr))
		}
	}
	return Challenge{DeviceID: deviceID, Nonce: nonce, ExpiresAt: exp}, nil
}

// DeviceLogin verifies the device signature over nonce and then consumes the
// matching pending nonce. Unsigned attempts never consume a nonce.
func (s *AuthServiceImpl) DeviceLogin(
	ctx context.Context, deviceID string, nonce []byte, signatureHex, ip string,
) (sess model.Session, err error) {
	p := model.DevicePrincipal(deviceID)
	defer func() { s.audit.Record(audit.Event{Action: audit.ActionDeviceLogin, Principal: p, Err: err}) }()

	if err := validateDeviceID(deviceID); err != nil {
		return model.Session{}, err
	}
	key, ipHash := p.String(), limiter.HashIP(ip)
	if err := s.allow(ctx, key, ipHash); err != nil {
		return model.Session{}, err
	}

	_, verr := s.core.VerifyCredential(ctx, model.NewSignatureCredential(deviceID, nonce, strings.ToLower(signatureHex)))
	if verr == nil {
		verr = s.challenges.Take(deviceID, nonce)
	}
	if err := s.settle(ctx, key, ipHash, verr); err != nil {
		return model.Session{}, err
	}
	return s.core.IssueSession(p, "")
}

// Renew mints a new session for the same principal and revokes the old
// token id for the rest of its lifetime.
func (s *AuthServiceImpl) Renew(_ context.Context, claims model.Claims) (sess model.Session, err error) {
	defer func() {
		s.audit.Record(audit.Event{Action: audit.ActionRenew, Principal: claims.Principal(), Err: err})
	}()

	sess, err = s.core.IssueSession(claims.Principal(), claims.Email)
	if err != nil {
		return model.Session{}, err
	}
	if err := s.core.RevokeSession(claims); err != nil {
		return model.Session{}, err
	}
	return sess, nil
}

// Logout revokes the presented token.
func (s *AuthServiceImpl) Logout(_ context.Context, claims model.Claims) (err error) {
	defer func() {
		s.audit.Record(audit.Event{Action: audit.ActionLogout, Principal: claims.Principal(), Err: err})
	}()
	return s.core.RevokeSession(claims)
}

// UpdateAccount applies ch to the caller's account. A changed username or
// email is poisoned for a full token lifetime, which revokes every session
// issued under the old identifier. The presented token is always revoked and
// a fresh session for the updated account is returned.
func (s *AuthServiceImpl) UpdateAccount(ctx context.Context, claims model.Claims, ch AccountChange) (sess model.Session, err error) {
	defer func() {
		s.audit.Record(audit.Event{Action: audit.ActionAccountUpdate, Principal: claims.Principal(), Err: err})
	}()

	if claims.Kind != model.PrincipalHuman {
		return model.Session{}, fmt.Errorf("%w: devices have no account", errs.ErrUnauthorized)
	}
	if ch.Username == nil && ch.Email == nil && ch.Password == nil {
		return model.Session{}, fmt.Errorf("%w: nothing to update", errs.ErrMalformedInput)
	}

	var upd model.AccountUpdate
	if ch.Username != nil {
		if err := validateUsername(*ch.Username); err != nil {
			return model.Session{}, err
		}
		upd.Username = ch.Username
	}
	if ch.Email != nil {
		if err := validateEmail(*ch.Email); err != nil {
			return model.Session{}, err
		}
		upd.Email = ch.Email
	}
	if ch.Password != nil {
		h, err := s.hashPassword(ctx, *ch.Password)
		if err != nil {
			return model.Session{}, err
		}
		upd.PasswordHash = &h
	}

	prev, err := s.users.UpdateAccount(ctx, claims.Subject, upd)
	if err != nil {
		return model.Session{}, err
	}

	lifetime := s.core.TokenLifetime()
	username, email := prev.Username, prev.Email
	if upd.Username != nil && *upd.Username != prev.Username {
		if err := s.core.PoisonFor(revocation.KindUsername, prev.Username, lifetime); err != nil {
			return model.Session{}, err
		}
		username = *upd.Username
	}
	if upd.Email != nil && *upd.Email != prev.Email {
		if err := s.core.PoisonFor(revocation.KindEmail, prev.Email, lifetime); err != nil {
			return model.Session{}, err
		}
		email = *upd.Email
	}
	if err := s.core.RevokeSession(claims); err != nil {
		return model.Session{}, err
	}
	return s.core.IssueSession(model.HumanPrincipal(username), email)
}
