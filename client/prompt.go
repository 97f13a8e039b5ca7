// Package client connects to a game server: connectionless prompts, the
// entry ticket which authenticates the server, and the session itself.
package client

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"badc0de.net/pkg/go-larnix/commands"
	tnet "badc0de.net/pkg/go-larnix/net"
	"badc0de.net/pkg/go-larnix/secrets"
	"badc0de.net/pkg/go-larnix/transport"
)

const (
	PromptTimeout = 1500 * time.Millisecond
	promptPoll    = 100 * time.Millisecond
)

var ErrNoAnswer = errors.New("client: server did not answer")

// Prompt sends a connectionless prompt to the server at address and decodes
// the answer into answer. With a server key the prompt is encrypted; the
// answer always arrives in plaintext.
func Prompt(ctx context.Context, address string, prompt, answer commands.Payload, serverKey *secrets.RSAKey) error {
	target, err := transport.Resolve(ctx, address, transport.PreferredPort)
	if err != nil {
		return err
	}
	m, err := tnet.NewMessage(prompt)
	if err != nil {
		return err
	}

	udp, err := transport.ListenUDP(transport.UDPConfig{
		IPv6:        target.Addr().Is6(),
		Loopback:    target.Addr().IsLoopback(),
		Destination: target,
		RecvBuffer:  16 * 1024,
	})
	if err != nil {
		return err
	}
	defer udp.Close()

	id := rand.Int32()
	flags := tnet.FlagNoSession
	var key secrets.Key = secrets.Empty
	if serverKey != nil {
		flags |= tnet.FlagAsymmetric
		key = serverKey
	}
	b, err := tnet.NewFrame(id, 0, flags, m).Encode(key)
	if err != nil {
		return err
	}
	udp.Send(target, b)

	ctx, cancel := context.WithTimeout(ctx, PromptTimeout)
	defer cancel()
	tick := time.NewTicker(promptPoll)
	defer tick.Stop()
	for {
		for {
			d, ok := udp.TryReceive()
			if !ok {
				break
			}
			f, err := tnet.DecodeFrame(d.Data, secrets.Empty)
			if err != nil || f.Seq != id || !f.Has(tnet.FlagNoSession) {
				continue
			}
			am, err := f.Message()
			if err != nil {
				continue
			}
			if err := am.Decode(answer); err != nil {
				glog.V(2).Infof("prompt %d answered with %s: %s", id, am, err)
				continue
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(ErrNoAnswer, "%s after %s", target, PromptTimeout)
		case <-tick.C:
		}
	}
}
