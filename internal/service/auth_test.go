package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/juancabe/sensor-proyect-sub000/internal/audit"
	"github.com/juancabe/sensor-proyect-sub000/internal/crypto/devicekey"
	"github.com/juancabe/sensor-proyect-sub000/internal/errs"
	"github.com/juancabe/sensor-proyect-sub000/internal/model"
	"github.com/juancabe/sensor-proyect-sub000/internal/revocation"
)

const alicePwd = "correct horse battery"

func registerAlice(t *testing.T, e *env) model.User {
	t.Helper()
	u, err := e.auth.Register(context.Background(), "alice", "alice@example.com", alicePwd)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return u
}

func TestAuth_Register(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	u := registerAlice(t, e)
	if u.PasswordHash == "" || u.PasswordHash == alicePwd {
		t.Fatalf("password must be stored hashed")
	}
	if _, err := e.auth.Register(ctx, "alice", "other@example.com", alicePwd); !errors.Is(err, errs.ErrAlreadyExists) {
		t.Fatalf("duplicate: %v", err)
	}

	bad := []struct{ user, email, pwd string }{
		{"", "a@example.com", alicePwd},
		{"a", "a@example.com", alicePwd},
		{"bad name", "a@example.com", alicePwd},
		{"bob", "not-an-email", alicePwd},
		{"bob", "Bob <bob@example.com>", alicePwd},
		{"bob", "bob@example.com", "short"},
		{"bob", "bob@example.com", " padded password "},
	}
	for _, b := range bad {
		if _, err := e.auth.Register(ctx, b.user, b.email, b.pwd); !errors.Is(err, errs.ErrMalformedInput) {
			t.Fatalf("Register(%q,%q): want ErrMalformedInput, got %v", b.user, b.email, err)
		}
	}
}

func TestAuth_Login_OK(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	registerAlice(t, e)

	sess, err := e.auth.Login(context.Background(), "alice", alicePwd, "10.0.0.1:5000")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	claims, err := e.core.Authenticate(sess.Token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if claims.Subject != "alice" || claims.Email != "alice@example.com" || claims.Kind != model.PrincipalHuman {
		t.Fatalf("claims = %+v", claims)
	}
	if e.lim.successCalls != 1 || e.lim.failureCalls != 0 || e.lim.keys[0] != "human:alice" {
		t.Fatalf("limiter: %+v", e.lim)
	}
	if ev := e.audit.last(); ev.Action != audit.ActionLogin || ev.Err != nil {
		t.Fatalf("audit = %+v", ev)
	}
}

func TestAuth_Login_Failures(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	registerAlice(t, e)
	ctx := context.Background()

	if _, err := e.auth.Login(ctx, "alice", "wrong password!", "ip"); !errors.Is(err, errs.ErrInvalidCredential) {
		t.Fatalf("wrong password: %v", err)
	}
	if _, err := e.auth.Login(ctx, "nobody", alicePwd, "ip"); !errors.Is(err, errs.ErrInvalidCredential) {
		t.Fatalf("unknown user: %v", err)
	}
	if e.lim.failureCalls != 2 {
		t.Fatalf("failures recorded = %d", e.lim.failureCalls)
	}

	e.lim.failBlocked = true
	if _, err := e.auth.Login(ctx, "alice", "wrong password!", "ip"); !errors.Is(err, errs.ErrRateLimited) {
		t.Fatalf("threshold: %v", err)
	}

	e.lim.allowOK = false
	if _, err := e.auth.Login(ctx, "alice", alicePwd, "ip"); !errors.Is(err, errs.ErrRateLimited) {
		t.Fatalf("blocked: %v", err)
	}

	e.lim.allowOK, e.lim.allowErr = true, errors.New("db down")
	if _, err := e.auth.Login(ctx, "alice", alicePwd, "ip"); !errors.Is(err, errs.ErrInternal) {
		t.Fatalf("limiter error: %v", err)
	}

	if _, err := e.auth.Login(ctx, "", alicePwd, "ip"); !errors.Is(err, errs.ErrMalformedInput) {
		t.Fatalf("empty username: %v", err)
	}
}

func TestAuth_Login_CancelledWhileWaitingForHashSlot(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	registerAlice(t, e)

	// Occupy every slot.
	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		started := make(chan struct{})
		go func() {
			defer wg.Done()
			_ = e.auth.hashes.do(context.Background(), func() {
				close(started)
				<-release
			})
		}()
		<-started
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.auth.Login(ctx, "alice", alicePwd, "ip")
	close(release)
	wg.Wait()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
}

// Alice logs in, renews, and the first token is rejected as revoked while
// still inside its natural lifetime.
func TestAuth_RenewRevokesPreviousToken(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	registerAlice(t, e)
	ctx := context.Background()

	t1, err := e.auth.Login(ctx, "alice", alicePwd, "ip")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	c1, err := e.core.Authenticate(t1.Token)
	if err != nil {
		t.Fatalf("Authenticate T1: %v", err)
	}

	t2, err := e.auth.Renew(ctx, c1)
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if t2.Claims.TokenID == c1.TokenID {
		t.Fatalf("renew must mint a new token id")
	}

	if !time.Now().Before(t1.ExpiresAt()) {
		t.Fatalf("T1 must still be inside its lifetime")
	}
	if _, err := e.core.Authenticate(t1.Token); !errors.Is(err, errs.ErrRevoked) {
		t.Fatalf("T1 after renew: want ErrRevoked, got %v", err)
	}
	if _, err := e.core.Authenticate(t2.Token); err != nil {
		t.Fatalf("T2: %v", err)
	}
}

func TestAuth_Logout(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	registerAlice(t, e)
	ctx := context.Background()

	s, err := e.auth.Login(ctx, "alice", alicePwd, "ip")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := e.auth.Logout(ctx, s.Claims); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := e.core.Authenticate(s.Token); !errors.Is(err, errs.ErrRevoked) {
		t.Fatalf("after logout: %v", err)
	}
}

func TestAuth_UpdateAccount_UsernameRevokesAllSessions(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	registerAlice(t, e)
	ctx := context.Background()

	a, err := e.auth.Login(ctx, "alice", alicePwd, "ip")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	b, err := e.auth.Login(ctx, "alice", alicePwd, "ip")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	fresh, err := e.auth.UpdateAccount(ctx, a.Claims, AccountChange{Username: strp("alicia"), Email: strp("alicia@example.com")})
	if err != nil {
		t.Fatalf("UpdateAccount: %v", err)
	}
	if fresh.Claims.Subject != "alicia" || fresh.Claims.Email != "alicia@example.com" {
		t.Fatalf("fresh claims = %+v", fresh.Claims)
	}
	for _, s := range []model.Session{a, b} {
		if _, err := e.core.Authenticate(s.Token); !errors.Is(err, errs.ErrRevoked) {
			t.Fatalf("old session survived: %v", err)
		}
	}
	if _, err := e.core.Authenticate(fresh.Token); err != nil {
		t.Fatalf("fresh session: %v", err)
	}
	for k, id := range map[revocation.Kind]string{revocation.KindUsername: "alice", revocation.KindEmail: "alice@example.com"} {
		if ok, err := e.core.IsPoisoned(k, id); err != nil || !ok {
			t.Fatalf("%s %q not poisoned: %v %v", k, id, ok, err)
		}
	}

	// Poisoning covers a full token lifetime.
	e.clock.Advance(59 * time.Minute)
	if _, err := e.core.Authenticate(b.Token); !errors.Is(err, errs.ErrRevoked) {
		t.Fatalf("old session before expiry: %v", err)
	}
}

func TestAuth_UpdateAccount_PasswordRevokesOnlyPresentingToken(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	registerAlice(t, e)
	ctx := context.Background()

	a, err := e.auth.Login(ctx, "alice", alicePwd, "ip")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	b, err := e.auth.Login(ctx, "alice", alicePwd, "ip")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	const newPwd = "tr0ub4dor&3 rules"
	fresh, err := e.auth.UpdateAccount(ctx, a.Claims, AccountChange{Password: strp(newPwd)})
	if err != nil {
		t.Fatalf("UpdateAccount: %v", err)
	}
	if _, err := e.core.Authenticate(a.Token); !errors.Is(err, errs.ErrRevoked) {
		t.Fatalf("presenting token: %v", err)
	}
	if _, err := e.core.Authenticate(b.Token); err != nil {
		t.Fatalf("other session: %v", err)
	}
	if fresh.Claims.Subject != "alice" {
		t.Fatalf("fresh = %+v", fresh.Claims)
	}

	if _, err := e.auth.Login(ctx, "alice", alicePwd, "ip"); !errors.Is(err, errs.ErrInvalidCredential) {
		t.Fatalf("old password: %v", err)
	}
	if _, err := e.auth.Login(ctx, "alice", newPwd, "ip"); err != nil {
		t.Fatalf("new password: %v", err)
	}
}

func TestAuth_UpdateAccount_Validation(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	registerAlice(t, e)
	ctx := context.Background()

	s, err := e.auth.Login(ctx, "alice", alicePwd, "ip")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := e.auth.UpdateAccount(ctx, s.Claims, AccountChange{}); !errors.Is(err, errs.ErrMalformedInput) {
		t.Fatalf("empty change: %v", err)
	}
	if _, err := e.auth.UpdateAccount(ctx, s.Claims, AccountChange{Email: strp("nope")}); !errors.Is(err, errs.ErrMalformedInput) {
		t.Fatalf("bad email: %v", err)
	}
	dev := model.Claims{TokenID: "x", Subject: "sensor-a", Kind: model.PrincipalDevice}
	if _, err := e.auth.UpdateAccount(ctx, dev, AccountChange{Username: strp("x12")}); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("device: %v", err)
	}
	ghost := model.Claims{TokenID: "y", Subject: "ghost", Kind: model.PrincipalHuman}
	if _, err := e.auth.UpdateAccount(ctx, ghost, AccountChange{Username: strp("ghost2")}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("ghost: %v", err)
	}
}

func registerDevice(t *testing.T, e *env, owner, deviceID string) devicekey.Keypair {
	t.Helper()
	ctx := context.Background()
	kp, err := devicekey.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	pl, err := e.sensors.CreatePlace(ctx, model.HumanPrincipal(owner), "greenhouse")
	if err != nil {
		t.Fatalf("CreatePlace: %v", err)
	}
	if _, err := e.sensors.RegisterSensor(ctx, model.HumanPrincipal(owner), pl.ID.String(), deviceID, kp.PublicHex()); err != nil {
		t.Fatalf("RegisterSensor: %v", err)
	}
	return kp
}

func TestAuth_DeviceLogin(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	registerAlice(t, e)
	kp := registerDevice(t, e, "alice", "sensor-a")
	ctx := context.Background()

	ch, err := e.auth.RequestChallenge(ctx, "sensor-a")
	if err != nil {
		t.Fatalf("RequestChallenge: %v", err)
	}
	if string(e.notifier.sent["sensor-a"]) != string(ch.Nonce) {
		t.Fatalf("nonce not delivered to device")
	}

	sess, err := e.auth.DeviceLogin(ctx, "sensor-a", ch.Nonce, kp.SignHex(ch.Nonce), "ip")
	if err != nil {
		t.Fatalf("DeviceLogin: %v", err)
	}
	claims, err := e.core.Authenticate(sess.Token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if claims.Principal() != model.DevicePrincipal("sensor-a") || claims.Email != "" {
		t.Fatalf("claims = %+v", claims)
	}

	// The nonce is single use.
	if _, err := e.auth.DeviceLogin(ctx, "sensor-a", ch.Nonce, kp.SignHex(ch.Nonce), "ip"); !errors.Is(err, errs.ErrInvalidCredential) {
		t.Fatalf("replay: %v", err)
	}
}

func TestAuth_DeviceLogin_Failures(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	registerAlice(t, e)
	kp := registerDevice(t, e, "alice", "sensor-a")
	ctx := context.Background()

	x, err := e.auth.RequestChallenge(ctx, "sensor-a")
	if err != nil {
		t.Fatalf("RequestChallenge: %v", err)
	}
	y := append([]byte(nil), x.Nonce...)
	y[0] ^= 1
	// Signature over X presented with nonce Y.
	if _, err := e.auth.DeviceLogin(ctx, "sensor-a", y, kp.SignHex(x.Nonce), "ip"); !errors.Is(err, errs.ErrInvalidCredential) {
		t.Fatalf("wrong nonce: %v", err)
	}

	x, err = e.auth.RequestChallenge(ctx, "sensor-a")
	if err != nil {
		t.Fatalf("RequestChallenge: %v", err)
	}
	other, err := devicekey.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := e.auth.DeviceLogin(ctx, "sensor-a", x.Nonce, other.SignHex(x.Nonce), "ip"); !errors.Is(err, errs.ErrInvalidCredential) {
		t.Fatalf("foreign key: %v", err)
	}

	g, err := e.auth.RequestChallenge(ctx, "ghost")
	if err != nil {
		t.Fatalf("unknown devices still get a challenge: %v", err)
	}
	if _, err := e.auth.DeviceLogin(ctx, "ghost", g.Nonce, kp.SignHex(g.Nonce), "ip"); !errors.Is(err, errs.ErrInvalidCredential) {
		t.Fatalf("unknown device: %v", err)
	}

	x, err = e.auth.RequestChallenge(ctx, "sensor-a")
	if err != nil {
		t.Fatalf("RequestChallenge: %v", err)
	}
	e.clock.Advance(time.Minute)
	if _, err := e.auth.DeviceLogin(ctx, "sensor-a", x.Nonce, kp.SignHex(x.Nonce), "ip"); !errors.Is(err, errs.ErrInvalidCredential) {
		t.Fatalf("expired challenge: %v", err)
	}

	if e.lim.failureCalls != 4 {
		t.Fatalf("failures recorded = %d", e.lim.failureCalls)
	}
	if _, err := e.auth.RequestChallenge(ctx, "bad/id"); !errors.Is(err, errs.ErrMalformedInput) {
		t.Fatalf("bad id: %v", err)
	}
}

func TestAuth_RequestChallenge_DeliveryFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	registerAlice(t, e)
	registerDevice(t, e, "alice", "sensor-a")
	e.notifier.err = errors.New("broker down")

	ch, err := e.auth.RequestChallenge(context.Background(), "sensor-a")
	if err != nil {
		t.Fatalf("RequestChallenge: %v", err)
	}
	if len(ch.Nonce) == 0 || e.notifier.calls != 1 {
		t.Fatalf("challenge = %+v, calls = %d", ch, e.notifier.calls)
	}
}

func TestAuth_DeviceLogin_SurvivesForeignChallengeTraffic(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	registerAlice(t, e)
	kp := registerDevice(t, e, "alice", "sensor-a")
	ctx := context.Background()

	ch, err := e.auth.RequestChallenge(ctx, "sensor-a")
	if err != nil {
		t.Fatalf("RequestChallenge: %v", err)
	}

	// Anyone may ask for another challenge or send a bogus answer.
	other, err := e.auth.RequestChallenge(ctx, "sensor-a")
	if err != nil {
		t.Fatalf("second RequestChallenge: %v", err)
	}
	if _, err := e.auth.DeviceLogin(ctx, "sensor-a", ch.Nonce, "00", "10.0.0.9"); !errors.Is(err, errs.ErrInvalidCredential) {
		t.Fatalf("bogus signature: %v", err)
	}
	if _, err := e.auth.DeviceLogin(ctx, "sensor-a", other.Nonce, kp.SignHex(ch.Nonce), "10.0.0.9"); !errors.Is(err, errs.ErrInvalidCredential) {
		t.Fatalf("signature over another nonce: %v", err)
	}

	if _, err := e.auth.DeviceLogin(ctx, "sensor-a", ch.Nonce, kp.SignHex(ch.Nonce), "ip"); err != nil {
		t.Fatalf("device login after foreign traffic: %v", err)
	}
	if _, err := e.auth.DeviceLogin(ctx, "sensor-a", other.Nonce, kp.SignHex(other.Nonce), "ip"); err != nil {
		t.Fatalf("second nonce still pending: %v", err)
	}
}

func TestAuth_RequestChallenge_UnknownDevicesAreNotStored(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		ch, err := e.auth.RequestChallenge(ctx, fmt.Sprintf("ghost-%d", i))
		if err != nil {
			t.Fatalf("RequestChallenge: %v", err)
		}
		if len(ch.Nonce) == 0 || ch.ExpiresAt.IsZero() {
			t.Fatalf("challenge = %+v", ch)
		}
	}
	if n := e.chal.Len(); n != 0 {
		t.Fatalf("pending challenges for unknown ids = %d", n)
	}
	if e.notifier.calls != 0 {
		t.Fatalf("notifier called %d times for unknown ids", e.notifier.calls)
	}
}
