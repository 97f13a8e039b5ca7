package net

import (
	"encoding/binary"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"badc0de.net/pkg/go-larnix/secrets"
)

// Version is the protocol version carried in every frame header.
const Version uint16 = 4

// HeaderSize is [checksum:u16][version:u16][seq:i32][ack:i32][flags:u8].
const HeaderSize = 2 + 2 + 4 + 4 + 1

// Frame flags.
const (
	FlagSYN        byte = 1 << 0 // connection start, client to server
	FlagFIN        byte = 1 << 1 // connection end
	FlagFast       byte = 1 << 2 // unreliable; also used for raw acks
	FlagAsymmetric byte = 1 << 3 // body encrypted with the server public key
	FlagNoSession  byte = 1 << 4 // connectionless prompt or answer
)

var (
	ErrMalformed = errors.New("frame malformed")
	ErrTampered  = errors.New("frame signature mismatch")
)

// Frame is a single datagram of the protocol. Body is the plaintext
// serialized message, or nil for a header-only decode.
type Frame struct {
	Seq   int32
	Ack   int32
	Flags byte
	Body  []byte
}

// NewFrame wraps m into a frame, signing the body with seq.
func NewFrame(seq, ack int32, flags byte, m *Message) *Frame {
	return &Frame{
		Seq:   seq,
		Ack:   ack,
		Flags: flags,
		Body:  m.Serialize(seq),
	}
}

func (f *Frame) Has(flag byte) bool {
	return f.Flags&flag != 0
}

// Encode serializes the frame with its body encrypted by k and the checksum
// filled in.
func (f *Frame) Encode(k secrets.Key) ([]byte, error) {
	enc, err := k.Encrypt(f.Body)
	if err != nil {
		return nil, errors.Wrap(err, "encrypting frame body")
	}
	b := make([]byte, HeaderSize+len(enc))
	binary.LittleEndian.PutUint16(b[2:], Version)
	binary.LittleEndian.PutUint32(b[4:], uint32(f.Seq))
	binary.LittleEndian.PutUint32(b[8:], uint32(f.Ack))
	b[12] = f.Flags
	copy(b[HeaderSize:], enc)
	binary.LittleEndian.PutUint16(b[0:], Checksum(b[2:]))
	return b, nil
}

// DecodeFrame parses and verifies a datagram. Version and checksum are
// checked before any decryption. A nil key decodes the header only.
func DecodeFrame(b []byte, k secrets.Key) (*Frame, error) {
	if len(b) < HeaderSize {
		return nil, errors.Wrapf(ErrMalformed, "short frame: %d bytes", len(b))
	}
	if v := binary.LittleEndian.Uint16(b[2:]); v != Version {
		return nil, errors.Wrapf(ErrMalformed, "version %d; want %d", v, Version)
	}
	if sum := binary.LittleEndian.Uint16(b[0:]); sum != Checksum(b[2:]) {
		return nil, errors.Wrap(ErrMalformed, "checksum mismatch")
	}
	f := &Frame{
		Seq:   int32(binary.LittleEndian.Uint32(b[4:])),
		Ack:   int32(binary.LittleEndian.Uint32(b[8:])),
		Flags: b[12],
	}
	if k == nil {
		return f, nil
	}

	f.Body = k.Decrypt(b[HeaderSize:])
	if len(f.Body) < BodyHeaderSize {
		return nil, errors.Wrapf(ErrMalformed, "body %d bytes", len(f.Body))
	}
	if seq := int32(binary.LittleEndian.Uint32(f.Body[3:])); seq != f.Seq {
		glog.V(3).Infof("frame seq %d carries signature %d", f.Seq, seq)
		return nil, ErrTampered
	}
	return f, nil
}

// DecodeHeader parses the header only, leaving Body nil.
func DecodeHeader(b []byte) (*Frame, error) {
	return DecodeFrame(b, nil)
}

// Message parses the decrypted body.
func (f *Frame) Message() (*Message, error) {
	if f.Body == nil {
		return nil, errors.Wrap(ErrMalformed, "header-only frame")
	}
	m, _, err := ParseMessage(f.Body)
	return m, err
}

// Checksum is the wrapping 16-bit sum of all bytes in b.
func Checksum(b []byte) uint16 {
	var sum uint16
	for _, c := range b {
		sum += uint16(c)
	}
	return sum
}
