// Package login decides whether a client may log in: it checks the
// freshness of the attempt, verifies the password against a UserStore and
// bounds the password hashing a client can cause.
package login

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"badc0de.net/pkg/go-larnix/control"
	"badc0de.net/pkg/go-larnix/limiter"
)

const (
	// TimestampWindow is how old a login attempt may be.
	TimestampWindow = 6 * time.Second

	// HashSlots is the number of password hashings running at once.
	HashSlots = 6

	// HashBudget is the number of hashings one InternetID may cause per
	// HashPeriod.
	HashBudget = 6
	HashPeriod = time.Minute

	// RegisterBudget is the number of registrations one InternetID may make
	// per RegisterPeriod.
	RegisterBudget = 6
	RegisterPeriod = 3 * time.Hour
)

// Mode selects what a successful login leads to.
type Mode int

const (
	// Discovery only answers whether the credentials are right.
	Discovery Mode = iota
	// Establishment admits a connection.
	Establishment
	// PasswordChange stores the new password after verifying the old one.
	PasswordChange
)

var (
	ErrStale      = errors.New("login: attempt is stale or for another server")
	ErrChallenge  = errors.New("login: wrong challenge")
	ErrBusy       = errors.New("login: hashing budget exhausted")
	ErrNoRegister = errors.New("login: registration disabled")
	ErrPassword   = errors.New("login: wrong password")
)

// Config describes the server the Authority admits clients to.
type Config struct {
	ServerSecret      int64
	RunID             int64
	AllowRegistration bool
	MaskIPv4          int
	MaskIPv6          int
}

// Authority runs login attempts. Login blocks for the duration of password
// hashing and may be called from many goroutines.
type Authority struct {
	cfg    Config
	users  UserStore
	hasher *Hasher

	slots     *semaphore.Weighted
	hashes    *limiter.Concurrent[limiter.InternetID]
	registers *limiter.Concurrent[limiter.InternetID]

	mu            sync.Mutex
	hashReset     limiter.Cadence
	registerReset limiter.Cadence

	// Now is the clock used for timestamps.
	Now func() time.Time
}

func NewAuthority(cfg Config, users UserStore, hasher *Hasher) *Authority {
	if hasher == nil {
		hasher = NewHasher()
	}
	return &Authority{
		cfg:           cfg,
		users:         users,
		hasher:        hasher,
		slots:         semaphore.NewWeighted(HashSlots),
		hashes:        limiter.NewConcurrent[limiter.InternetID](HashBudget, 0),
		registers:     limiter.NewConcurrent[limiter.InternetID](RegisterBudget, 0),
		hashReset:     limiter.NewCadence(HashPeriod),
		registerReset: limiter.NewCadence(RegisterPeriod),
		Now:           time.Now,
	}
}

func (a *Authority) Users() UserStore {
	return a.users
}

func (a *Authority) Hasher() *Hasher {
	return a.hasher
}

// Tick advances the budget resets.
func (a *Authority) Tick(dt time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.hashReset.Tick(dt) {
		a.hashes.Reset()
	}
	if a.registerReset.Tick(dt) {
		a.registers.Reset()
	}
}

// ResetLimits clears every per-client budget.
func (a *Authority) ResetLimits() {
	a.hashes.Reset()
	a.registers.Reset()
}

// Timestamp is the protocol timestamp: Unix milliseconds.
func Timestamp(t time.Time) int64 {
	return t.UnixMilli()
}

// Fresh reports whether ts lies within TimestampWindow before now.
func Fresh(ts int64, now time.Time) bool {
	n := Timestamp(now)
	return ts >= n-TimestampWindow.Milliseconds() && ts <= n
}

// Login checks try on behalf of a client at from. The challenge ID selects
// between login (the user's current challenge) and registration (zero).
// A nil error means success.
func (a *Authority) Login(ctx context.Context, from netip.Addr, try *control.LoginTryPrompt, mode Mode) error {
	if try.ServerSecret != a.cfg.ServerSecret || try.RunID != a.cfg.RunID || !Fresh(try.Timestamp, a.Now()) {
		return ErrStale
	}
	current, err := ChallengeID(a.users, try.Nickname)
	if err != nil {
		return err
	}
	if try.ChallengeID != current {
		return ErrChallenge
	}
	id := limiter.NewInternetID(from, a.cfg.MaskIPv4, a.cfg.MaskIPv6)

	if current == 0 {
		if mode == PasswordChange {
			return ErrChallenge
		}
		return a.register(ctx, id, try)
	}
	release, err := a.verify(ctx, id, try, mode)
	if err != nil {
		return err
	}
	defer release()
	ok, err := a.users.IncrementChallenge(try.Nickname, current)
	if err != nil {
		return err
	}
	if !ok {
		return ErrChallenge
	}
	if mode == PasswordChange {
		return a.changePassword(ctx, id, try)
	}
	return nil
}

// acquire takes n hashing slots and n units of the client's hash budget.
// The returned function releases the slots; the budget stays spent.
func (a *Authority) acquire(id limiter.InternetID, n int64) (func(), error) {
	if !a.hashes.TryIncreaseBy(id, int(n)) {
		return nil, ErrBusy
	}
	if !a.slots.TryAcquire(n) {
		for i := int64(0); i < n; i++ {
			a.hashes.Decrease(id)
		}
		return nil, ErrBusy
	}
	return func() { a.slots.Release(n) }, nil
}

// verify checks the password. It returns holding the hashing slots a
// password change still needs; the caller runs release when done.
func (a *Authority) verify(ctx context.Context, id limiter.InternetID, try *control.LoginTryPrompt, mode Mode) (release func(), err error) {
	u, err := a.users.User(try.Nickname)
	if err != nil {
		return nil, err
	}
	cost := int64(1)
	if mode == PasswordChange {
		cost = 2
	}
	matches, cached := a.hasher.Cached(try.Password, u.PasswordHash)
	if cached {
		if !matches {
			return nil, ErrPassword
		}
		if cost--; cost == 0 {
			return func() {}, nil
		}
	}

	release, err = a.acquire(id, cost)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		release()
		return nil, err
	}
	if !cached && !a.hasher.Verify(try.Password, u.PasswordHash) {
		release()
		return nil, ErrPassword
	}
	return release, nil
}

func (a *Authority) register(ctx context.Context, id limiter.InternetID, try *control.LoginTryPrompt) error {
	internal := from4Reserved(id)
	if !internal && !a.cfg.AllowRegistration {
		return ErrNoRegister
	}
	if !a.registers.TryIncrease(id) {
		glog.Warningf("network %s reached %d registrations; wait or restart the server", id, RegisterBudget)
		return ErrBusy
	}
	release, err := a.acquire(id, 1)
	if err != nil {
		a.registers.Decrease(id)
		return err
	}
	defer release()
	if err := ctx.Err(); err != nil {
		return err
	}

	hash, err := a.hasher.Hash(try.Password)
	if err != nil {
		return err
	}
	if err := a.users.AddUser(try.Nickname, hash); err != nil {
		return err
	}
	if !internal {
		glog.Infof("%s registered from network %s (%d/%d)", try.Nickname, id, a.registers.Local(id), RegisterBudget)
	}
	return nil
}

// changePassword runs inside the slot verify kept for it.
func (a *Authority) changePassword(ctx context.Context, id limiter.InternetID, try *control.LoginTryPrompt) error {
	u, err := a.users.User(try.Nickname)
	if err != nil {
		return err
	}
	if try.NewPassword == try.Password {
		return nil
	}
	hash, err := a.hasher.Hash(try.NewPassword)
	if err != nil {
		return err
	}
	ok, err := a.users.SetPasswordHash(try.Nickname, u.PasswordHash, hash)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPassword
	}
	glog.Infof("%s changed password from network %s", try.Nickname, id)
	return nil
}

// from4Reserved reports whether id is in 240.0.0.0/4, the range used for
// in-process and relay-translated peers.
func from4Reserved(id limiter.InternetID) bool {
	a := netip.Prefix(id).Addr()
	return a.Is4() && a.As4()[0]&0xF0 == 0xF0
}
