package server

import (
	"badc0de.net/pkg/go-larnix/control"
)

// MaxPreLogin is the number of frames kept for a client whose login is
// still being checked.
const MaxPreLogin = 64

// preLogin holds what a client sent between its SYN and the end of its
// login check, so nothing is lost when the connection is accepted.
type preLogin struct {
	syn    []byte
	allow  *control.AllowConnection
	frames [][]byte
}

func (p *preLogin) push(b []byte) {
	if len(p.frames) < MaxPreLogin {
		p.frames = append(p.frames, b)
	}
}

// replay returns the SYN followed by the buffered frames.
func (p *preLogin) replay() [][]byte {
	return append([][]byte{p.syn}, p.frames...)
}
