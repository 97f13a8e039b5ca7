package login

// This file contains the messages a server sends back about a login.

import (
	"github.com/pkg/errors"

	"badc0de.net/pkg/go-larnix/control"
	tnet "badc0de.net/pkg/go-larnix/net"
)

// Answer builds the LoginTryAnswer for the outcome of Login.
func Answer(err error) *tnet.Message {
	return tnet.MustMessage(&control.LoginTryAnswer{Success: err == nil})
}

// Reason is a short description of a login outcome, for logs and traces.
// Credential failures are not told apart from each other.
func Reason(err error) string {
	switch errors.Cause(err) {
	case nil:
		return "ok"
	case ErrStale:
		return "stale"
	case ErrBusy:
		return "rate limited"
	case ErrNoRegister:
		return "registration disabled"
	case ErrChallenge, ErrPassword, ErrNoUser, ErrUserExists:
		return "denied"
	}
	return "error: " + err.Error()
}
