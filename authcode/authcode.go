// Package authcode implements the shareable server address credential.
//
// An authcode is 24 characters of a 64-symbol alphabet, dash-grouped by 6:
// a 12-character fingerprint of the server public key, the 11-character
// server secret and one checksum character. A client which knows only the
// authcode can detect a server presenting a different public key.
package authcode

import (
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/scrypt"
)

const (
	Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz#&"

	verifyLen   = 12
	secretLen   = 11
	rawLen      = verifyLen + secretLen + 1
	segmentSize = 6

	// Len is the length of an authcode including dashes.
	Len = rawLen + (rawLen-1)/segmentSize
)

var saltValue int64 = -7264111368357934733

var ErrMalformed = errors.New("authcode: malformed")

func salt() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(saltValue))
	return b
}

// fingerprint derives the verification part from the exported public key.
func fingerprint(pub []byte) (string, error) {
	hash, err := scrypt.Key(pub, salt(), 1<<14, 8, 1, verifyLen)
	if err != nil {
		return "", errors.Wrap(err, "authcode: scrypt")
	}
	var sb strings.Builder
	for _, h := range hash {
		sb.WriteByte(Alphabet[h%64])
	}
	return sb.String(), nil
}

func checksum(s string) byte {
	sum := 0
	for i := 0; i < len(s); i++ {
		sum += int(s[i])
	}
	return Alphabet[sum%64]
}

// Produce returns the dashed authcode for a public key and secret.
func Produce(pub []byte, secret int64) (string, error) {
	fp, err := fingerprint(pub)
	if err != nil {
		return "", err
	}
	digits := make([]byte, secretLen)
	u := uint64(secret)
	for i := secretLen - 1; i >= 0; i-- {
		digits[i] = Alphabet[u%64]
		u /= 64
	}
	raw := fp + string(digits)
	raw += string(checksum(raw))
	return insertDashes(raw), nil
}

// IsWellFormed checks length, dash placement, alphabet and checksum. It does
// no cryptographic work.
func IsWellFormed(code string) bool {
	raw := strings.Replace(code, "-", "", -1)
	if len(raw) != rawLen || insertDashes(raw) != code {
		return false
	}
	for i := 0; i < len(raw); i++ {
		if strings.IndexByte(Alphabet, raw[i]) < 0 {
			return false
		}
	}
	return checksum(raw[:rawLen-1]) == raw[rawLen-1]
}

// VerifyPublicKey reports whether code was produced for pub.
func VerifyPublicKey(pub []byte, code string) bool {
	if !IsWellFormed(code) {
		return false
	}
	fp, err := fingerprint(pub)
	if err != nil {
		return false
	}
	return strings.Replace(code, "-", "", -1)[:verifyLen] == fp
}

// Secret decodes the server secret embedded in code.
func Secret(code string) (int64, error) {
	if !IsWellFormed(code) {
		return 0, ErrMalformed
	}
	part := strings.Replace(code, "-", "", -1)[verifyLen : verifyLen+secretLen]
	var u uint64
	for i := 0; i < len(part); i++ {
		u = u*64 + uint64(strings.IndexByte(Alphabet, part[i]))
	}
	return int64(u), nil
}

func insertDashes(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if i > 0 && i%segmentSize == 0 {
			sb.WriteByte('-')
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}
