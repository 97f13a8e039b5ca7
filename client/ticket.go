package client

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"badc0de.net/pkg/go-larnix/authcode"
	"badc0de.net/pkg/go-larnix/control"
	"badc0de.net/pkg/go-larnix/login"
	"badc0de.net/pkg/go-larnix/secrets"
)

var ErrWrongServer = errors.New("client: server key does not match the authcode")

// Ticket is what a client learns about a server before connecting.
type Ticket struct {
	Info      control.ServerInfoAnswer
	ServerKey *secrets.RSAKey
	Secret    int64

	// Offset is the server clock minus the local clock.
	Offset time.Duration
}

// FetchTicket asks the server at address for its information and checks
// its public key against code.
func FetchTicket(ctx context.Context, address, code, nickname string) (*Ticket, error) {
	if !authcode.IsWellFormed(code) {
		return nil, authcode.ErrMalformed
	}
	secret, err := authcode.Secret(code)
	if err != nil {
		return nil, err
	}

	info := &control.ServerInfoAnswer{}
	if err := Prompt(ctx, address, &control.ServerInfoPrompt{Nickname: nickname}, info, nil); err != nil {
		return nil, err
	}
	received := time.Now()

	if !authcode.VerifyPublicKey(info.PublicKey[:], code) {
		return nil, errors.Wrap(ErrWrongServer, address)
	}
	key, err := secrets.ImportPublicKey(info.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Ticket{
		Info:      *info,
		ServerKey: key,
		Secret:    secret,
		Offset:    time.Duration(info.Timestamp-login.Timestamp(received)) * time.Millisecond,
	}, nil
}

// ServerTimestamp estimates the server clock at local time now.
func (t *Ticket) ServerTimestamp(now time.Time) int64 {
	return login.Timestamp(now.Add(t.Offset))
}

// LoginTry builds a login prompt for this server. An empty newPassword
// keeps the password.
func (t *Ticket) LoginTry(nickname, password, newPassword string) *control.LoginTryPrompt {
	if newPassword == "" {
		newPassword = password
	}
	return &control.LoginTryPrompt{
		Nickname:     nickname,
		Password:     password,
		NewPassword:  newPassword,
		ServerSecret: t.Secret,
		ChallengeID:  t.Info.ChallengeID,
		Timestamp:    t.ServerTimestamp(time.Now()),
		RunID:        t.Info.RunID,
	}
}

// TryLogin checks credentials without connecting. With a different
// newPassword the password is changed on success.
func TryLogin(ctx context.Context, address, code, nickname, password, newPassword string) (bool, error) {
	t, err := FetchTicket(ctx, address, code, nickname)
	if err != nil {
		return false, err
	}
	a := &control.LoginTryAnswer{}
	if err := Prompt(ctx, address, t.LoginTry(nickname, password, newPassword), a, t.ServerKey); err != nil {
		return false, err
	}
	return a.Success, nil
}
