package net

import (
	"encoding/binary"
	"strings"
	"unicode/utf16"
)

// Fixed-width string field sizes, in bytes. Each holds half as many UTF-16
// code units.
const (
	String32  = 32
	String64  = 64
	String256 = 256
	String512 = 512
)

// PutString writes s into dst as zero-padded UTF-16LE, truncating at
// len(dst)/2 code units.
func PutString(dst []byte, s string) {
	for i := range dst {
		dst[i] = 0
	}
	units := utf16.Encode([]rune(s))
	if max := len(dst) / 2; len(units) > max {
		units = units[:max]
	}
	for i, u := range units {
		binary.LittleEndian.PutUint16(dst[2*i:], u)
	}
}

// GetString reads a zero-padded UTF-16LE field.
func GetString(src []byte) string {
	units := make([]uint16, len(src)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(src[2*i:])
	}
	return strings.TrimRight(string(utf16.Decode(units)), "\x00")
}

// FitsString reports whether s survives PutString into a field of size
// bytes without truncation and contains no NUL.
func FitsString(s string, size int) bool {
	if strings.ContainsRune(s, 0) {
		return false
	}
	return len(utf16.Encode([]rune(s))) <= size/2
}
