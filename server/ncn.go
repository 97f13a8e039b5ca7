package server

import (
	"net/netip"

	"github.com/golang/glog"

	"badc0de.net/pkg/go-larnix/control"
	"badc0de.net/pkg/go-larnix/login"
	tnet "badc0de.net/pkg/go-larnix/net"
	"badc0de.net/pkg/go-larnix/secrets"
)

// prompt answers a connectionless frame. The answer reuses the prompt's
// sequence number so the client can match it.
func (s *Server) prompt(addr netip.AddrPort, f *tnet.Frame) {
	m, err := f.Message()
	if err != nil {
		return
	}
	switch m.ID {
	case control.ServerInfoPromptID:
		p := &control.ServerInfoPrompt{}
		if err := m.Decode(p); err != nil {
			return
		}
		challenge, err := login.ChallengeID(s.cfg.Users, p.Nickname)
		if err != nil {
			glog.Errorf("challenge of %q: %s", p.Nickname, err)
			return
		}
		a := &control.ServerInfoAnswer{
			PublicKey:      s.key.ExportPublicKey(),
			CurrentPlayers: uint16(len(s.clients)),
			MaxPlayers:     uint16(s.cfg.MaxClients),
			GameVersion:    s.cfg.GameVersion,
			ChallengeID:    challenge,
			Timestamp:      login.Timestamp(s.Now()),
			RunID:          s.runID,
			Motd:           s.cfg.Motd,
			HostUser:       s.cfg.HostUser,
		}
		am, err := tnet.NewMessage(a)
		if err != nil {
			glog.Errorf("building server info: %s", err)
			return
		}
		s.sendPrompt(addr, f.Seq, am)

	case control.LoginTryPromptID:
		p := &control.LoginTryPrompt{}
		if err := m.Decode(p); err != nil {
			return
		}
		mode := login.Discovery
		if p.NewPassword != p.Password {
			mode = login.PasswordChange
		}
		s.startLogin(addr, f.Seq, p, mode)

	default:
		glog.V(2).Infof("unexpected prompt %d from %s", m.ID, addr)
	}
}

// sendPrompt answers in plaintext.
func (s *Server) sendPrompt(addr netip.AddrPort, seq int32, m *tnet.Message) {
	b, err := tnet.NewFrame(seq, 0, tnet.FlagNoSession, m).Encode(secrets.Empty)
	if err != nil {
		return
	}
	if err := s.sock.Send(addr, b); err != nil {
		glog.V(2).Infof("answering %s: %s", addr, err)
	}
}
