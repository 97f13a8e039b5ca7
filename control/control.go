// Package control defines the connection control messages. They belong to
// the core module and receive pinned command identifiers.
package control

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode"

	"github.com/pkg/errors"

	"badc0de.net/pkg/go-larnix/commands"
	tnet "badc0de.net/pkg/go-larnix/net"
	"badc0de.net/pkg/go-larnix/secrets"
)

func init() {
	commands.Register(commands.CoreModule, "None", func() commands.Payload { return &None{} })
	commands.Register(commands.CoreModule, "AllowConnection", func() commands.Payload { return &AllowConnection{} })
	commands.Register(commands.CoreModule, "Stop", func() commands.Payload { return &Stop{} })
	commands.Register(commands.CoreModule, "DebugMessage", func() commands.Payload { return &DebugMessage{} })
	commands.Register(commands.CoreModule, "ServerInfoPrompt", func() commands.Payload { return &ServerInfoPrompt{} })
	commands.Register(commands.CoreModule, "ServerInfoAnswer", func() commands.Payload { return &ServerInfoAnswer{} })
	commands.Register(commands.CoreModule, "LoginTryPrompt", func() commands.Payload { return &LoginTryPrompt{} })
	commands.Register(commands.CoreModule, "LoginTryAnswer", func() commands.Payload { return &LoginTryAnswer{} })
}

// Identifiers of the core types, in commands.Pinned order.
const (
	NoneID commands.ID = iota
	AllowConnectionID
	StopID
	DebugMessageID
	ServerInfoPromptID
	ServerInfoAnswerID
	LoginTryPromptID
	LoginTryAnswerID
)

var errSize = errors.New("wrong body size")

// ValidNickname accepts 3 to 16 letters, digits, '-' and '_'.
func ValidNickname(s string) bool {
	r := []rune(s)
	if len(r) < 3 || len(r) > 16 {
		return false
	}
	for _, c := range r {
		if !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '-' && c != '_' {
			return false
		}
	}
	return true
}

// ValidPassword accepts 7 to 32 characters without NUL.
func ValidPassword(s string) bool {
	r := []rune(s)
	return len(r) >= 7 && len(r) <= 32 && tnet.FitsString(s, tnet.String64)
}

func marshal(v interface{}) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshal(data []byte, v interface{}) error {
	if len(data) != binary.Size(v) {
		return errors.Wrapf(errSize, "got %d; want %d", len(data), binary.Size(v))
	}
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, v)
}

func empty(data []byte) error {
	if len(data) != 0 {
		return errors.Wrapf(errSize, "got %d; want 0", len(data))
	}
	return nil
}

// None is the empty message used for acknowledgements and keepalives.
type None struct{}

func (*None) Code() byte                       { return 0 }
func (*None) MarshalBinary() ([]byte, error)   { return []byte{}, nil }
func (*None) UnmarshalBinary(data []byte) error { return empty(data) }

// Stop is synthesized locally when a connection dies. It is never accepted
// from the network.
type Stop struct{}

func (*Stop) Code() byte                       { return 0 }
func (*Stop) MarshalBinary() ([]byte, error)   { return []byte{}, nil }
func (*Stop) UnmarshalBinary(data []byte) error { return empty(data) }

// DebugMessage carries up to 256 characters of free text.
type DebugMessage struct {
	Text string
}

func (*DebugMessage) Code() byte { return 0 }

func (m *DebugMessage) MarshalBinary() ([]byte, error) {
	if !tnet.FitsString(m.Text, tnet.String512) {
		return nil, errors.New("debug text too long")
	}
	b := make([]byte, tnet.String512)
	tnet.PutString(b, m.Text)
	return b, nil
}

func (m *DebugMessage) UnmarshalBinary(data []byte) error {
	if len(data) != tnet.String512 {
		return errors.Wrapf(errSize, "got %d; want %d", len(data), tnet.String512)
	}
	m.Text = tnet.GetString(data)
	return nil
}

type allowConnectionWire struct {
	Nickname     [tnet.String32]byte
	Password     [tnet.String64]byte
	Key          [secrets.SessionKeySize]byte
	ServerSecret int64
	ChallengeID  int64
	Timestamp    int64
	RunID        int64
}

// AllowConnection is the SYN message. It carries the credentials and the
// session key chosen by the client.
type AllowConnection struct {
	Nickname     string
	Password     string
	SessionKey   [secrets.SessionKeySize]byte
	ServerSecret int64
	ChallengeID  int64
	Timestamp    int64
	RunID        int64
}

func (*AllowConnection) Code() byte { return 0 }

func (m *AllowConnection) MarshalBinary() ([]byte, error) {
	if !ValidNickname(m.Nickname) || !ValidPassword(m.Password) {
		return nil, errors.New("invalid credentials")
	}
	w := allowConnectionWire{
		Key:          m.SessionKey,
		ServerSecret: m.ServerSecret,
		ChallengeID:  m.ChallengeID,
		Timestamp:    m.Timestamp,
		RunID:        m.RunID,
	}
	tnet.PutString(w.Nickname[:], m.Nickname)
	tnet.PutString(w.Password[:], m.Password)
	return marshal(&w)
}

func (m *AllowConnection) UnmarshalBinary(data []byte) error {
	var w allowConnectionWire
	if err := unmarshal(data, &w); err != nil {
		return err
	}
	*m = AllowConnection{
		Nickname:     tnet.GetString(w.Nickname[:]),
		Password:     tnet.GetString(w.Password[:]),
		SessionKey:   w.Key,
		ServerSecret: w.ServerSecret,
		ChallengeID:  w.ChallengeID,
		Timestamp:    w.Timestamp,
		RunID:        w.RunID,
	}
	if !ValidNickname(m.Nickname) || !ValidPassword(m.Password) {
		return errors.New("invalid credentials")
	}
	return nil
}

// LoginTry converts the SYN credentials into an equivalent login prompt.
func (m *AllowConnection) LoginTry() *LoginTryPrompt {
	return &LoginTryPrompt{
		Nickname:     m.Nickname,
		Password:     m.Password,
		NewPassword:  m.Password,
		ServerSecret: m.ServerSecret,
		ChallengeID:  m.ChallengeID,
		Timestamp:    m.Timestamp,
		RunID:        m.RunID,
	}
}

// ServerInfoPrompt asks a server for its public information. The nickname
// selects the challenge identifier returned.
type ServerInfoPrompt struct {
	Nickname string
}

func (*ServerInfoPrompt) Code() byte { return 0 }

func (m *ServerInfoPrompt) MarshalBinary() ([]byte, error) {
	if !ValidNickname(m.Nickname) {
		return nil, errors.New("invalid nickname")
	}
	b := make([]byte, tnet.String32)
	tnet.PutString(b, m.Nickname)
	return b, nil
}

func (m *ServerInfoPrompt) UnmarshalBinary(data []byte) error {
	if len(data) != tnet.String32 {
		return errors.Wrapf(errSize, "got %d; want %d", len(data), tnet.String32)
	}
	m.Nickname = tnet.GetString(data)
	if !ValidNickname(m.Nickname) {
		return errors.New("invalid nickname")
	}
	return nil
}

type serverInfoWire struct {
	PublicKey      [secrets.PublicKeySize]byte
	CurrentPlayers uint16
	MaxPlayers     uint16
	GameVersion    uint32
	ChallengeID    int64
	Timestamp      int64
	RunID          int64
	Motd           [tnet.String256]byte
	HostUser       [tnet.String32]byte
}

// ServerInfoAnswer describes a server.
type ServerInfoAnswer struct {
	PublicKey      [secrets.PublicKeySize]byte
	CurrentPlayers uint16
	MaxPlayers     uint16
	GameVersion    uint32
	ChallengeID    int64
	Timestamp      int64
	RunID          int64
	Motd           string
	HostUser       string
}

func (*ServerInfoAnswer) Code() byte { return 0 }

func (*ServerInfoAnswer) SuppressSizeWarning() bool { return true }

func (m *ServerInfoAnswer) MarshalBinary() ([]byte, error) {
	if !tnet.FitsString(m.Motd, tnet.String256) || !tnet.FitsString(m.HostUser, tnet.String32) {
		return nil, errors.New("motd or host user too long")
	}
	w := serverInfoWire{
		PublicKey:      m.PublicKey,
		CurrentPlayers: m.CurrentPlayers,
		MaxPlayers:     m.MaxPlayers,
		GameVersion:    m.GameVersion,
		ChallengeID:    m.ChallengeID,
		Timestamp:      m.Timestamp,
		RunID:          m.RunID,
	}
	tnet.PutString(w.Motd[:], m.Motd)
	tnet.PutString(w.HostUser[:], m.HostUser)
	return marshal(&w)
}

func (m *ServerInfoAnswer) UnmarshalBinary(data []byte) error {
	var w serverInfoWire
	if err := unmarshal(data, &w); err != nil {
		return err
	}
	*m = ServerInfoAnswer{
		PublicKey:      w.PublicKey,
		CurrentPlayers: w.CurrentPlayers,
		MaxPlayers:     w.MaxPlayers,
		GameVersion:    w.GameVersion,
		ChallengeID:    w.ChallengeID,
		Timestamp:      w.Timestamp,
		RunID:          w.RunID,
		Motd:           tnet.GetString(w.Motd[:]),
		HostUser:       tnet.GetString(w.HostUser[:]),
	}
	return nil
}

type loginTryWire struct {
	Nickname     [tnet.String32]byte
	Password     [tnet.String64]byte
	NewPassword  [tnet.String64]byte
	ServerSecret int64
	ChallengeID  int64
	Timestamp    int64
	RunID        int64
}

// LoginTryPrompt checks credentials without opening a connection. When
// NewPassword differs from Password, the password is changed on success.
type LoginTryPrompt struct {
	Nickname     string
	Password     string
	NewPassword  string
	ServerSecret int64
	ChallengeID  int64
	Timestamp    int64
	RunID        int64
}

func (*LoginTryPrompt) Code() byte { return 0 }

func (m *LoginTryPrompt) valid(newPassword string) bool {
	return ValidNickname(m.Nickname) && ValidPassword(m.Password) && ValidPassword(newPassword)
}

// MarshalBinary sends Password as the new password when NewPassword is empty.
func (m *LoginTryPrompt) MarshalBinary() ([]byte, error) {
	newPassword := m.NewPassword
	if newPassword == "" {
		newPassword = m.Password
	}
	if !m.valid(newPassword) {
		return nil, errors.New("invalid credentials")
	}
	w := loginTryWire{
		ServerSecret: m.ServerSecret,
		ChallengeID:  m.ChallengeID,
		Timestamp:    m.Timestamp,
		RunID:        m.RunID,
	}
	tnet.PutString(w.Nickname[:], m.Nickname)
	tnet.PutString(w.Password[:], m.Password)
	tnet.PutString(w.NewPassword[:], newPassword)
	return marshal(&w)
}

func (m *LoginTryPrompt) UnmarshalBinary(data []byte) error {
	var w loginTryWire
	if err := unmarshal(data, &w); err != nil {
		return err
	}
	*m = LoginTryPrompt{
		Nickname:     tnet.GetString(w.Nickname[:]),
		Password:     tnet.GetString(w.Password[:]),
		NewPassword:  tnet.GetString(w.NewPassword[:]),
		ServerSecret: w.ServerSecret,
		ChallengeID:  w.ChallengeID,
		Timestamp:    w.Timestamp,
		RunID:        w.RunID,
	}
	if !m.valid(m.NewPassword) {
		return errors.New("invalid credentials")
	}
	return nil
}

// LoginTryAnswer reports the outcome of a LoginTryPrompt in its code.
type LoginTryAnswer struct {
	Success bool
}

func (m *LoginTryAnswer) Code() byte {
	if m.Success {
		return 1
	}
	return 0
}

func (m *LoginTryAnswer) SetCode(code byte) {
	m.Success = code == 1
}

func (*LoginTryAnswer) MarshalBinary() ([]byte, error)   { return []byte{}, nil }
func (*LoginTryAnswer) UnmarshalBinary(data []byte) error { return empty(data) }

func (m *LoginTryAnswer) String() string {
	return fmt.Sprintf("LoginTryAnswer{Success:%v}", m.Success)
}
