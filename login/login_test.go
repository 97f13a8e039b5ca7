package login

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"badc0de.net/pkg/go-larnix/control"
	"badc0de.net/pkg/go-larnix/ttesting"
)

const (
	testSecret = int64(-424242)
	testRunID  = int64(99)
)

var (
	testNow = time.Unix(1700000000, 0)
	public  = netip.MustParseAddr("203.0.113.5")
)

func newTestAuthority(t *testing.T, allowRegistration bool) *Authority {
	t.Helper()
	h := NewHasher()
	h.Iterations = 1000
	a := NewAuthority(Config{
		ServerSecret:      testSecret,
		RunID:             testRunID,
		AllowRegistration: allowRegistration,
		MaskIPv4:          32,
		MaskIPv6:          56,
	}, NewMemoryStore(), h)
	a.Now = func() time.Time { return testNow }
	return a
}

func try(nick, password string, challenge int64) *control.LoginTryPrompt {
	return &control.LoginTryPrompt{
		Nickname:     nick,
		Password:     password,
		NewPassword:  password,
		ServerSecret: testSecret,
		ChallengeID:  challenge,
		Timestamp:    Timestamp(testNow),
		RunID:        testRunID,
	}
}

func challenge(t *testing.T, a *Authority, nick string) int64 {
	t.Helper()
	c, err := ChallengeID(a.Users(), nick)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestRegisterThenLogin(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthority(t, true)

	ttesting.AssertEqualInt(t, "unknown user", int(challenge(t, a, "player")), 0)
	ttesting.AssertErrorIs(t, "register", a.Login(ctx, public, try("player", "password1", 0), Establishment), nil)
	ttesting.AssertEqualInt(t, "initial challenge", int(challenge(t, a, "player")), InitialChallengeID)
	ttesting.AssertErrorIs(t, "register twice", a.Login(ctx, public, try("player", "password1", 0), Establishment), ErrChallenge)

	ttesting.AssertErrorIs(t, "login", a.Login(ctx, public, try("player", "password1", InitialChallengeID), Establishment), nil)
	ttesting.AssertEqualInt(t, "challenge bumped", int(challenge(t, a, "player")), InitialChallengeID+1)
	ttesting.AssertErrorIs(t, "replay", a.Login(ctx, public, try("player", "password1", InitialChallengeID), Establishment), ErrChallenge)

	ttesting.AssertErrorIs(t, "wrong password", a.Login(ctx, public, try("player", "password2", InitialChallengeID+1), Discovery), ErrPassword)
	ttesting.AssertEqualInt(t, "challenge kept on failure", int(challenge(t, a, "player")), InitialChallengeID+1)
}

func TestStale(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthority(t, true)

	old := try("player", "password1", 0)
	old.Timestamp = Timestamp(testNow) - TimestampWindow.Milliseconds() - 1
	ttesting.AssertErrorIs(t, "old", a.Login(ctx, public, old, Discovery), ErrStale)

	future := try("player", "password1", 0)
	future.Timestamp = Timestamp(testNow) + 1
	ttesting.AssertErrorIs(t, "future", a.Login(ctx, public, future, Discovery), ErrStale)

	other := try("player", "password1", 0)
	other.RunID++
	ttesting.AssertErrorIs(t, "other run", a.Login(ctx, public, other, Discovery), ErrStale)

	secret := try("player", "password1", 0)
	secret.ServerSecret++
	ttesting.AssertErrorIs(t, "other secret", a.Login(ctx, public, secret, Discovery), ErrStale)

	edge := try("player", "password1", 0)
	edge.Timestamp = Timestamp(testNow) - TimestampWindow.Milliseconds()
	ttesting.AssertErrorIs(t, "window edge", a.Login(ctx, public, edge, Discovery), nil)
}

func TestFresh(t *testing.T) {
	now := time.UnixMilli(10000)
	ttesting.AssertTrue(t, "now", Fresh(10000, now))
	ttesting.AssertTrue(t, "6s ago", Fresh(4000, now))
	ttesting.AssertTrue(t, "older", !Fresh(3999, now))
	ttesting.AssertTrue(t, "ahead", !Fresh(10001, now))
}

func TestPasswordChange(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthority(t, true)
	if err := SetPassword(a.Users(), a.Hasher(), "player", "password1"); err != nil {
		t.Fatal(err)
	}

	change := try("player", "password1", InitialChallengeID)
	change.NewPassword = "password2"
	ttesting.AssertErrorIs(t, "change", a.Login(ctx, public, change, PasswordChange), nil)
	ttesting.AssertEqualInt(t, "challenge bumped", int(challenge(t, a, "player")), InitialChallengeID+1)

	u, err := a.Users().User("player")
	if err != nil {
		t.Fatal(err)
	}
	ttesting.AssertTrue(t, "new password", a.Hasher().Verify("password2", u.PasswordHash))
	ttesting.AssertTrue(t, "old password gone", !a.Hasher().Verify("password1", u.PasswordHash))

	register := try("newbie", "password1", 0)
	register.NewPassword = "password2"
	ttesting.AssertErrorIs(t, "no change on registration", a.Login(ctx, public, register, PasswordChange), ErrChallenge)
}

func TestRegistrationDisabled(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthority(t, false)
	ttesting.AssertErrorIs(t, "public", a.Login(ctx, public, try("player", "password1", 0), Establishment), ErrNoRegister)
	ttesting.AssertErrorIs(t, "reserved range", a.Login(ctx, netip.MustParseAddr("240.0.0.1"), try("player", "password1", 0), Establishment), nil)
}

func TestHashBudget(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthority(t, true)
	if err := SetPassword(a.Users(), a.Hasher(), "player", "password1"); err != nil {
		t.Fatal(err)
	}

	wrong := []string{"wrong-01", "wrong-02", "wrong-03", "wrong-04", "wrong-05", "wrong-06", "wrong-07"}
	for _, pw := range wrong[:HashBudget] {
		ttesting.AssertErrorIs(t, pw, a.Login(ctx, public, try("player", pw, InitialChallengeID), Discovery), ErrPassword)
	}
	ttesting.AssertErrorIs(t, "over budget", a.Login(ctx, public, try("player", wrong[HashBudget], InitialChallengeID), Discovery), ErrBusy)
	ttesting.AssertErrorIs(t, "cached answers are free", a.Login(ctx, public, try("player", wrong[0], InitialChallengeID), Discovery), ErrPassword)

	other := netip.MustParseAddr("198.51.100.9")
	ttesting.AssertErrorIs(t, "other network", a.Login(ctx, other, try("player", wrong[HashBudget], InitialChallengeID), Discovery), ErrPassword)

	a.Tick(HashPeriod)
	ttesting.AssertErrorIs(t, "after reset", a.Login(ctx, public, try("player", "wrong-08", InitialChallengeID), Discovery), ErrPassword)
}

func TestRegisterBudget(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthority(t, true)
	nicks := []string{"user-1", "user-2", "user-3", "user-4", "user-5", "user-6", "user-7"}
	for _, n := range nicks[:RegisterBudget] {
		ttesting.AssertErrorIs(t, n, a.Login(ctx, public, try(n, "password1", 0), Establishment), nil)
		a.Tick(HashPeriod)
	}
	ttesting.AssertErrorIs(t, "over budget", a.Login(ctx, public, try(nicks[RegisterBudget], "password1", 0), Establishment), ErrBusy)
	a.ResetLimits()
	ttesting.AssertErrorIs(t, "after reset", a.Login(ctx, public, try(nicks[RegisterBudget], "password1", 0), Establishment), nil)
}

func TestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := newTestAuthority(t, true)
	ttesting.AssertErrorIs(t, "cancelled", a.Login(ctx, public, try("player", "password1", 0), Establishment), context.Canceled)
	ttesting.AssertEqualInt(t, "not registered", int(challenge(t, a, "player")), 0)
}

func TestReason(t *testing.T) {
	ttesting.AssertEqualString(t, "ok", Reason(nil), "ok")
	ttesting.AssertEqualString(t, "password", Reason(ErrPassword), "denied")
	ttesting.AssertEqualString(t, "no user", Reason(ErrNoUser), "denied")
	ttesting.AssertEqualString(t, "busy", Reason(ErrBusy), "rate limited")
	ttesting.AssertEqualInt(t, "answer success", int(Answer(nil).Code), 1)
	ttesting.AssertEqualInt(t, "answer failure", int(Answer(ErrPassword).Code), 0)
}
