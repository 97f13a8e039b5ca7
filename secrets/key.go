// Package secrets holds the encryption strategies of the transport and the
// persistence of the server's long-lived key material.
package secrets

import (
	"github.com/pkg/errors"
)

// Key encrypts and decrypts frame bodies.
//
// Decrypt never reports an error: malformed or forged input yields an empty
// slice, which the frame decoder rejects the same way as any other garbage.
type Key interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) []byte
}

var ErrPublicOnly = errors.New("secrets: key holds no private part")

type emptyKey struct{}

// Empty is the identity Key, used for connectionless prompts and for the
// plaintext SYN when no server key is known.
var Empty Key = emptyKey{}

func (emptyKey) Encrypt(b []byte) ([]byte, error) {
	return append([]byte(nil), b...), nil
}

func (emptyKey) Decrypt(b []byte) []byte {
	return append([]byte(nil), b...)
}
