package relay

import (
	"net/netip"
	"time"

	"github.com/golang/glog"

	"badc0de.net/pkg/go-larnix/transport"
)

// listener is the public port of one registered server.
type listener struct {
	server  netip.AddrPort
	port    uint16
	udp     *transport.UDPClient
	clients *expiringSet[netip.AddrPort]

	// alive is guarded by Relay.mu.
	alive time.Time
	done  chan struct{}
}

func (l *listener) run(r *Relay) {
	defer func() {
		if err := l.udp.Close(); err != nil {
			glog.V(2).Infof("closing listener %d: %s", l.port, err)
		}
	}()
	for {
		select {
		case <-l.done:
			return
		case <-l.udp.Ready():
		}
		for {
			d, ok := l.udp.TryReceive()
			if !ok {
				break
			}
			l.forward(r, d)
		}
		if err := l.udp.Err(); err != nil {
			glog.Errorf("listener for %s failed: %s", l.server, err)
			return
		}
	}
}

// forward envelopes a client datagram and passes it to the server.
func (l *listener) forward(r *Relay, d transport.Datagram) {
	if len(d.Data) > r.cfg.MaxMessageLength {
		return
	}
	peer := unmap(d.Addr)
	wrapped, err := transport.Wrap(peer, d.Data)
	if err != nil {
		return
	}
	if !r.allow(l.server, len(wrapped)) {
		return
	}
	l.clients.Add(peer, r.Now())
	r.udp.Send(l.server, wrapped)
}
