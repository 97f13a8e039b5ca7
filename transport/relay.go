package transport

import (
	"context"
	"encoding/binary"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

// RelayPort is the default port of a relay server.
const RelayPort = 27681

// Relay control bytes, sent alone in a datagram.
const (
	RelayKeepAlive byte = 0x00
	RelayStart     byte = 0x01
	RelayStop      byte = 0x02
)

const (
	// EnvelopeSize is [ipv4:4][port:2 big-endian] in front of relayed data.
	EnvelopeSize = 4 + 2

	relayStartTimeout = 1500 * time.Millisecond
	relayPoll         = 100 * time.Millisecond

	// BindingWindow is how long a translated relay address stays valid
	// without traffic.
	BindingWindow = 6 * time.Second
	maxBindings   = 1 << 16
)

var (
	ErrRelayTimeout = errors.New("transport: relay did not assign a port")
	ErrNotIPv4      = errors.New("transport: only IPv4 peers are reachable through a relay")
	ErrUnbound      = errors.New("transport: no relay binding for translated address")
)

// Wrap prepends the relay envelope for peer.
func Wrap(peer netip.AddrPort, data []byte) ([]byte, error) {
	a := peer.Addr().Unmap()
	if !a.Is4() {
		return nil, ErrNotIPv4
	}
	out := make([]byte, EnvelopeSize+len(data))
	ip := a.As4()
	copy(out, ip[:])
	binary.BigEndian.PutUint16(out[4:], peer.Port())
	copy(out[EnvelopeSize:], data)
	return out, nil
}

// Unwrap splits a relayed datagram into its peer and data.
func Unwrap(b []byte) (netip.AddrPort, []byte, bool) {
	if len(b) < EnvelopeSize {
		return netip.AddrPort{}, nil, false
	}
	addr := netip.AddrFrom4([4]byte{b[0], b[1], b[2], b[3]})
	return netip.AddrPortFrom(addr, binary.BigEndian.Uint16(b[4:])), b[EnvelopeSize:], true
}

type binding struct {
	real netip.AddrPort
	seen time.Time
}

// RelayTunnel is a session with a rendezvous relay. Peers which cannot reach
// us directly send to the public port the relay assigned; the relay forwards
// their datagrams in an envelope naming the real peer.
type RelayTunnel struct {
	udp    *UDPClient
	server netip.AddrPort
	port   uint16

	// Translate makes TryReceive report peers under a translated class E
	// address instead of their real one, so relayed peers never collide
	// with direct ones. Send maps translated addresses back.
	Translate bool

	mu       sync.Mutex
	bindings map[netip.AddrPort]binding
	closed   sync.Once

	Now func() time.Time
}

// Resolve parses "host" or "host:port" and looks the host up, using
// defaultPort when none is given.
func Resolve(ctx context.Context, address string, defaultPort int) (netip.AddrPort, error) {
	host, port := address, strconv.Itoa(defaultPort)
	if h, p, err := net.SplitHostPort(address); err == nil {
		host, port = h, p
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return netip.AddrPort{}, errors.Wrapf(err, "parsing port of %s", address)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(ip.Unmap(), uint16(p)), nil
	}
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.AddrPort{}, errors.Wrapf(err, "resolving %s", host)
	}
	if len(ips) == 0 {
		return netip.AddrPort{}, errors.Errorf("no addresses for %s", host)
	}
	return netip.AddrPortFrom(ips[0].Unmap(), uint16(p)), nil
}

// DialRelay asks the relay at address for a public port. It gives up after
// 1.5 seconds.
func DialRelay(ctx context.Context, address string) (*RelayTunnel, error) {
	server, err := Resolve(ctx, address, RelayPort)
	if err != nil {
		return nil, err
	}
	udp, err := ListenUDP(UDPConfig{
		IPv6:        server.Addr().Is6(),
		Loopback:    server.Addr().IsLoopback(),
		Destination: server,
		RecvBuffer:  1024 * 1024,
	})
	if err != nil {
		return nil, err
	}
	t := &RelayTunnel{
		udp:      udp,
		server:   server,
		bindings: make(map[netip.AddrPort]binding),
		Now:      time.Now,
	}

	ctx, cancel := context.WithTimeout(ctx, relayStartTimeout)
	defer cancel()
	tick := time.NewTicker(relayPoll)
	defer tick.Stop()

	udp.Send(server, []byte{RelayStart})
	for {
		for {
			d, ok := udp.TryReceive()
			if !ok {
				break
			}
			if len(d.Data) == 2 {
				t.port = binary.BigEndian.Uint16(d.Data)
				glog.Infof("relay %s assigned port %d", server, t.port)
				return t, nil
			}
		}
		select {
		case <-ctx.Done():
			t.Close()
			return nil, errors.Wrapf(ErrRelayTimeout, "relay %s", server)
		case <-tick.C:
		}
	}
}

// Port is the public port assigned by the relay.
func (t *RelayTunnel) Port() uint16 {
	return t.port
}

// Server is the relay address.
func (t *RelayTunnel) Server() netip.AddrPort {
	return t.server
}

// KeepAlive refreshes the relay reservation and evicts stale translated
// bindings.
func (t *RelayTunnel) KeepAlive() {
	t.udp.Send(t.server, []byte{RelayKeepAlive})

	now := t.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, b := range t.bindings {
		if now.Sub(b.seen) > BindingWindow {
			delete(t.bindings, k)
		}
	}
}

// Send forwards data to peer through the relay. With Translate set, peer
// must be a translated address whose binding has not expired.
func (t *RelayTunnel) Send(peer netip.AddrPort, data []byte) error {
	if t.Translate {
		t.mu.Lock()
		b, ok := t.bindings[peer]
		t.mu.Unlock()
		if !ok {
			return errors.Wrapf(ErrUnbound, "%s", peer)
		}
		peer = b.real
	}
	b, err := Wrap(peer, data)
	if err != nil {
		return err
	}
	t.udp.Send(t.server, b)
	return nil
}

// TryReceive returns the next relayed datagram, skipping control traffic.
func (t *RelayTunnel) TryReceive() (Datagram, bool) {
	for {
		d, ok := t.udp.TryReceive()
		if !ok {
			return Datagram{}, false
		}
		peer, data, ok := Unwrap(d.Data)
		if !ok {
			continue
		}
		if t.Translate {
			peer = t.translate(peer)
		}
		return Datagram{Addr: peer, Data: data}, true
	}
}

// Translated returns the class E stand-in for a real peer address.
func Translated(real netip.AddrPort) netip.AddrPort {
	ip := real.Addr().Unmap().As4()
	ip[0] |= 0xF0
	return netip.AddrPortFrom(netip.AddrFrom4(ip), real.Port())
}

func (t *RelayTunnel) translate(real netip.AddrPort) netip.AddrPort {
	fake := Translated(real)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.bindings[fake]; ok || len(t.bindings) < maxBindings {
		t.bindings[fake] = binding{real: real, seen: t.Now()}
	}
	return fake
}

// Err reports a failure of the underlying socket.
func (t *RelayTunnel) Err() error {
	return t.udp.Err()
}

// Close tells the relay to release the port and closes the socket.
func (t *RelayTunnel) Close() error {
	var err error
	t.closed.Do(func() {
		t.udp.Send(t.server, []byte{RelayStop})
		err = t.udp.Close()
	})
	return err
}
