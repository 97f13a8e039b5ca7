package net

import (
	"encoding/binary"
	"fmt"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"badc0de.net/pkg/go-larnix/commands"
)

const (
	// BodyHeaderSize is the size of [id:u16][code:u8][seq:i32] that precedes
	// message bytes inside the encrypted part of a frame.
	BodyHeaderSize = 2 + 1 + 4

	// MaxBodySize is the largest message body that may be constructed.
	MaxBodySize = 65536 - 100

	// SoftBodySize is the body size above which a message will likely be
	// fragmented at the IP layer.
	SoftBodySize = 1500 - 100
)

var (
	ErrTooLarge    = errors.New("message body too large")
	ErrInvalid     = errors.New("message body invalid")
	ErrWrongType   = errors.New("message has a different command identifier")
	ErrShortHeader = errors.New("message shorter than body header")
)

// WarningSuppressor is implemented by payloads which are expected to be
// larger than SoftBodySize.
type WarningSuppressor interface {
	SuppressSizeWarning() bool
}

// CodeSetter is implemented by payloads whose sub-code carries meaning.
// Decode passes the received code to it.
type CodeSetter interface {
	SetCode(code byte)
}

// Message is a finalized payload. It is immutable after construction.
type Message struct {
	ID   commands.ID
	Code byte
	Body []byte
}

// NewMessage finalizes p into a Message using commands.Default.
func NewMessage(p commands.Payload) (*Message, error) {
	return NewMessageFrom(commands.Default, p)
}

// NewMessageFrom finalizes p using the passed registry. The body is checked
// by round-tripping it through a fresh instance of the type, so a payload
// that was never properly constructed is refused here.
func NewMessageFrom(r *commands.Registry, p commands.Payload) (*Message, error) {
	id, err := r.IDOf(p)
	if err != nil {
		return nil, err
	}
	body, err := p.MarshalBinary()
	if err != nil {
		return nil, errors.Wrapf(err, "marshaling %T", p)
	}
	if len(body) > MaxBodySize {
		return nil, errors.Wrapf(ErrTooLarge, "%T body is %d bytes; limit is %d", p, len(body), MaxBodySize)
	}
	check, err := r.New(id)
	if err != nil {
		return nil, err
	}
	if err := check.UnmarshalBinary(body); err != nil {
		return nil, errors.Wrapf(ErrInvalid, "%T: %s", p, err)
	}
	if len(body) > SoftBodySize {
		if ws, ok := p.(WarningSuppressor); !ok || !ws.SuppressSizeWarning() {
			glog.Warningf("%T message body is %d bytes and may need fragmentation; keep payloads under %d bytes", p, len(body), SoftBodySize)
		}
	}
	return &Message{ID: id, Code: p.Code(), Body: body}, nil
}

// MustMessage is like NewMessage but panics on error. It is meant for
// constant control messages.
func MustMessage(p commands.Payload) *Message {
	m, err := NewMessage(p)
	if err != nil {
		panic(err)
	}
	return m
}

// Oversize reports whether the body exceeds SoftBodySize and will likely
// be fragmented on the wire.
func (m *Message) Oversize() bool {
	return len(m.Body) > SoftBodySize
}

// Serialize lays out the body header, embedding seq as the signature which
// DecodeFrame checks against the frame header.
func (m *Message) Serialize(seq int32) []byte {
	b := make([]byte, BodyHeaderSize+len(m.Body))
	binary.LittleEndian.PutUint16(b[0:], uint16(m.ID))
	b[2] = m.Code
	binary.LittleEndian.PutUint32(b[3:], uint32(seq))
	copy(b[BodyHeaderSize:], m.Body)
	return b
}

// ParseMessage splits a decrypted frame body into the message and the
// embedded sequence number.
func ParseMessage(b []byte) (*Message, int32, error) {
	if len(b) < BodyHeaderSize {
		return nil, 0, ErrShortHeader
	}
	m := &Message{
		ID:   commands.ID(binary.LittleEndian.Uint16(b[0:])),
		Code: b[2],
		Body: b[BodyHeaderSize:],
	}
	seq := int32(binary.LittleEndian.Uint32(b[3:]))
	return m, seq, nil
}

// Decode fills p from the message body, using commands.Default to check
// that p is of the right type.
func (m *Message) Decode(p commands.Payload) error {
	return m.DecodeFrom(commands.Default, p)
}

func (m *Message) DecodeFrom(r *commands.Registry, p commands.Payload) error {
	id, err := r.IDOf(p)
	if err != nil {
		return err
	}
	if id != m.ID {
		return errors.Wrapf(ErrWrongType, "got %d; want %d (%T)", m.ID, id, p)
	}
	if err := p.UnmarshalBinary(m.Body); err != nil {
		return errors.Wrapf(ErrInvalid, "%T: %s", p, err)
	}
	if cs, ok := p.(CodeSetter); ok {
		cs.SetCode(m.Code)
	}
	return nil
}

// Payload decodes the message into a new instance of its registered type.
func (m *Message) Payload() (commands.Payload, error) {
	p, err := commands.Default.New(m.ID)
	if err != nil {
		return nil, err
	}
	if err := p.UnmarshalBinary(m.Body); err != nil {
		return nil, errors.Wrapf(ErrInvalid, "%T: %s", p, err)
	}
	if cs, ok := p.(CodeSetter); ok {
		cs.SetCode(m.Code)
	}
	return p, nil
}

func (m *Message) String() string {
	return fmt.Sprintf("msg{id:%d code:%d len:%d}", m.ID, m.Code, len(m.Body))
}
