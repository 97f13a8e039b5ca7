package secrets

import (
	"crypto/cipher"
	"crypto/rand"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// SessionKeySize is the size of the symmetric key sent in AllowConnection.
const SessionKeySize = chacha20poly1305.KeySize

// SessionKey is the symmetric AEAD key of an established connection.
// Ciphertext layout is nonce || sealed, where sealed carries the tag.
type SessionKey struct {
	raw  [SessionKeySize]byte
	aead cipher.AEAD
}

func NewSessionKey(b []byte) (*SessionKey, error) {
	if len(b) != SessionKeySize {
		return nil, errors.Errorf("session key is %d bytes; want %d", len(b), SessionKeySize)
	}
	aead, err := chacha20poly1305.New(b)
	if err != nil {
		return nil, errors.Wrap(err, "creating session cipher")
	}
	k := &SessionKey{aead: aead}
	copy(k.raw[:], b)
	return k, nil
}

// GenerateSessionKey returns a fresh random key.
func GenerateSessionKey() (*SessionKey, error) {
	b := make([]byte, SessionKeySize)
	if _, err := rand.Read(b); err != nil {
		return nil, errors.Wrap(err, "reading random session key")
	}
	return NewSessionKey(b)
}

// Bytes returns a copy of the raw key.
func (k *SessionKey) Bytes() []byte {
	return append([]byte(nil), k.raw[:]...)
}

func (k *SessionKey) Encrypt(plaintext []byte) ([]byte, error) {
	ns := k.aead.NonceSize()
	out := make([]byte, ns, ns+len(plaintext)+k.aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, errors.Wrap(err, "reading nonce")
	}
	return k.aead.Seal(out, out[:ns], plaintext, nil), nil
}

func (k *SessionKey) Decrypt(ciphertext []byte) []byte {
	ns := k.aead.NonceSize()
	if len(ciphertext) < ns+k.aead.Overhead() {
		return []byte{}
	}
	plain, err := k.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
	if err != nil {
		return []byte{}
	}
	return plain
}
