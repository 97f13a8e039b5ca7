package login

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/sync/singleflight"
)

const (
	Iterations = 100000
	SaltSize   = 16
	HashSize   = 32

	// cacheSize bounds the number of derived keys kept in memory.
	cacheSize = 256
)

var ErrMalformedHash = errors.New("login: stored hash is not salt:hash")

// Hasher derives and verifies salted PBKDF2-SHA256 password hashes, stored
// as "base64(salt):base64(hash)". Recently derived keys are cached, and
// concurrent derivations of the same input share one computation.
type Hasher struct {
	Iterations int

	mu    sync.Mutex
	cache map[string][]byte
	group singleflight.Group
}

func NewHasher() *Hasher {
	return &Hasher{
		Iterations: Iterations,
		cache:      make(map[string][]byte),
	}
}

func cacheKey(password string, salt []byte) string {
	return password + "\x00" + base64.StdEncoding.EncodeToString(salt)
}

func (h *Hasher) derive(password string, salt []byte) []byte {
	key := cacheKey(password, salt)
	h.mu.Lock()
	if d, ok := h.cache[key]; ok {
		h.mu.Unlock()
		return d
	}
	h.mu.Unlock()

	v, _, _ := h.group.Do(key, func() (interface{}, error) {
		d := pbkdf2.Key([]byte(password), salt, h.Iterations, HashSize, sha256.New)
		h.mu.Lock()
		if len(h.cache) >= cacheSize {
			h.cache = make(map[string][]byte)
		}
		h.cache[key] = d
		h.mu.Unlock()
		return d, nil
	})
	return v.([]byte)
}

func split(stored string) (salt, hash []byte, err error) {
	parts := strings.Split(stored, ":")
	if len(parts) != 2 {
		return nil, nil, ErrMalformedHash
	}
	if salt, err = base64.StdEncoding.DecodeString(parts[0]); err != nil {
		return nil, nil, errors.Wrap(ErrMalformedHash, err.Error())
	}
	if hash, err = base64.StdEncoding.DecodeString(parts[1]); err != nil {
		return nil, nil, errors.Wrap(ErrMalformedHash, err.Error())
	}
	return salt, hash, nil
}

// Hash returns a new stored hash of password with a random salt.
func (h *Hasher) Hash(password string) (string, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", errors.Wrap(err, "reading salt")
	}
	d := h.derive(password, salt)
	enc := base64.StdEncoding
	return enc.EncodeToString(salt) + ":" + enc.EncodeToString(d), nil
}

// Verify reports whether password matches stored.
func (h *Hasher) Verify(password, stored string) bool {
	salt, want, err := split(stored)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(h.derive(password, salt), want) == 1
}

// Cached reports whether verifying password against stored would be
// answered from the cache, and if so, the answer.
func (h *Hasher) Cached(password, stored string) (matches, ok bool) {
	salt, want, err := split(stored)
	if err != nil {
		return false, false
	}
	h.mu.Lock()
	d, ok := h.cache[cacheKey(password, salt)]
	h.mu.Unlock()
	if !ok {
		return false, false
	}
	return subtle.ConstantTimeCompare(d, want) == 1, true
}
