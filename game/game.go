// Package game defines the application messages exchanged once a player is
// connected, and the admission policy the server applies to them.
package game

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"badc0de.net/pkg/go-larnix/commands"
	"badc0de.net/pkg/go-larnix/limiter"
)

// Module is the registry module of the game messages.
const Module = "game"

func init() {
	commands.Register(Module, "BlockChange", func() commands.Payload { return &BlockChange{} })
	commands.Register(Module, "CodeInfo", func() commands.Payload { return &CodeInfo{} })
	commands.Register(Module, "PlayerUpdate", func() commands.Payload { return &PlayerUpdate{} })
}

func fixed(data []byte, v interface{}) error {
	if len(data) != binary.Size(v) {
		return errors.Errorf("body is %d bytes; want %d", len(data), binary.Size(v))
	}
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, v)
}

func write(v interface{}) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BlockChange is a request to place or break a block.
type BlockChange struct {
	X, Y      int32
	Block     [5]byte
	Operation int64
	Front     byte
}

func (*BlockChange) Code() byte { return 0 }

func (m *BlockChange) MarshalBinary() ([]byte, error) {
	if m.Front > 1 {
		return nil, errors.New("front must be 0 or 1")
	}
	return write(m)
}

func (m *BlockChange) UnmarshalBinary(data []byte) error {
	if err := fixed(data, m); err != nil {
		return err
	}
	if m.Front > 1 {
		return errors.New("front must be 0 or 1")
	}
	return nil
}

// PlayerUpdate is the client's view of its own player.
type PlayerUpdate struct {
	X, Y       float32
	Rotation   float32
	FixedFrame uint32
}

func (*PlayerUpdate) Code() byte { return 0 }

func (m *PlayerUpdate) finite() bool {
	for _, f := range []float32{m.X, m.Y, m.Rotation} {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return false
		}
	}
	return true
}

func (m *PlayerUpdate) MarshalBinary() ([]byte, error) {
	if !m.finite() {
		return nil, errors.New("non-finite coordinates")
	}
	return write(m)
}

func (m *PlayerUpdate) UnmarshalBinary(data []byte) error {
	if err := fixed(data, m); err != nil {
		return err
	}
	if !m.finite() {
		return errors.New("non-finite coordinates")
	}
	return nil
}

// Info values carried by CodeInfo.
const (
	RespawnMe byte = 1
)

// CodeInfo is a bodyless notification; the meaning is its code.
type CodeInfo struct {
	Info byte
}

func (m *CodeInfo) Code() byte        { return m.Info }
func (m *CodeInfo) SetCode(code byte) { m.Info = code }

func (*CodeInfo) MarshalBinary() ([]byte, error) { return []byte{}, nil }

func (*CodeInfo) UnmarshalBinary(data []byte) error {
	if len(data) != 0 {
		return errors.Errorf("body is %d bytes; want 0", len(data))
	}
	return nil
}

// Policies returns the per-second admission policy of game messages.
func Policies() (map[commands.ID]limiter.Policy, error) {
	out := make(map[commands.ID]limiter.Policy)
	for _, p := range []struct {
		msg    commands.Payload
		policy limiter.Policy
	}{
		{&PlayerUpdate{}, limiter.Policy{Max: 100}},
		{&CodeInfo{}, limiter.Policy{Max: 10, Hard: true}},
		{&BlockChange{}, limiter.Policy{Max: 500, Hard: true}},
	} {
		id, err := commands.Default.IDOf(p.msg)
		if err != nil {
			return nil, err
		}
		out[id] = p.policy
	}
	return out, nil
}
