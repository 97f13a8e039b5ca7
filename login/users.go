package login

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// InitialChallengeID is the challenge of a freshly registered user. Zero is
// reserved for registration attempts.
const InitialChallengeID = 1000

var (
	ErrNoUser     = errors.New("login: no such user")
	ErrUserExists = errors.New("login: user exists")
)

// User is the stored part of an account.
type User struct {
	UID          int64
	Nickname     string
	PasswordHash string
	ChallengeID  int64
}

// UserStore persists accounts. Implementations must be safe for concurrent
// use.
type UserStore interface {
	// User returns ErrNoUser for unknown nicknames.
	User(nickname string) (*User, error)
	AddUser(nickname, passwordHash string) error
	// SetPasswordHash replaces the hash if the current one equals oldHash,
	// or unconditionally if oldHash is empty.
	SetPasswordHash(nickname, oldHash, newHash string) (bool, error)
	// IncrementChallenge bumps the challenge ID if it still equals current.
	IncrementChallenge(nickname string, current int64) (bool, error)
	Nicknames() ([]string, error)
}

// MemoryStore is a UserStore which lives as long as the process.
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]*User
	uid   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*User)}
}

func (s *MemoryStore) User(nickname string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[nickname]
	if !ok {
		return nil, ErrNoUser
	}
	c := *u
	return &c, nil
}

func (s *MemoryStore) AddUser(nickname, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[nickname]; ok {
		return ErrUserExists
	}
	s.uid++
	s.users[nickname] = &User{
		UID:          s.uid,
		Nickname:     nickname,
		PasswordHash: passwordHash,
		ChallengeID:  InitialChallengeID,
	}
	return nil
}

func (s *MemoryStore) SetPasswordHash(nickname, oldHash, newHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[nickname]
	if !ok || (oldHash != "" && u.PasswordHash != oldHash) {
		return false, nil
	}
	u.PasswordHash = newHash
	return true, nil
}

func (s *MemoryStore) IncrementChallenge(nickname string, current int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[nickname]
	if !ok || u.ChallengeID != current {
		return false, nil
	}
	u.ChallengeID++
	return true, nil
}

func (s *MemoryStore) Nicknames() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n []string
	for k := range s.users {
		n = append(n, k)
	}
	sort.Strings(n)
	return n, nil
}

// ChallengeID returns the current challenge of nickname, or 0 when the user
// does not exist and may register.
func ChallengeID(s UserStore, nickname string) (int64, error) {
	u, err := s.User(nickname)
	if errors.Cause(err) == ErrNoUser {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return u.ChallengeID, nil
}

// SetPassword hashes password and stores it, registering the user if
// needed. It is meant for administrative use.
func SetPassword(s UserStore, h *Hasher, nickname, password string) error {
	hash, err := h.Hash(password)
	if err != nil {
		return err
	}
	ok, err := s.SetPasswordHash(nickname, "", hash)
	if err != nil || ok {
		return err
	}
	return s.AddUser(nickname, hash)
}
