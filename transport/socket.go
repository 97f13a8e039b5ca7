package transport

import (
	"context"
	"math/rand/v2"
	"net/netip"
	"sync"

	"github.com/bradfitz/iter"
	"github.com/golang/glog"
	"github.com/pkg/errors"
)

const (
	// PreferredPort is tried first when no port is configured.
	PreferredPort = 50000

	dynamicLow   = 49152
	dynamicHigh  = 65535
	randomTries  = 8
	maxRelayFrom = 1 << 16
)

var ErrNoPort = errors.New("transport: no free port")

// Config configures a Socket.
type Config struct {
	// Port 0 selects a dynamic port. Any other port is tried alone.
	Port       int
	Loopback   bool
	RecvBuffer int

	// IPv4Only skips the IPv6 listener.
	IPv4Only bool

	// TranslateRelay reports relayed peers under their class E stand-in
	// address. See RelayTunnel.Translate.
	TranslateRelay bool
}

// Socket multiplexes an IPv4 and an IPv6 listener bound to the same port,
// plus an optional relay tunnel for IPv4 peers that cannot reach us
// directly.
type Socket struct {
	cfg Config
	v4  *UDPClient
	v6  *UDPClient

	mu          sync.Mutex
	relay       *RelayTunnel
	relayOnce   sync.Once
	relayErr    error
	relayOrigin map[netip.AddrPort]struct{}
}

// NewSocket binds both listeners.
func NewSocket(cfg Config) (*Socket, error) {
	s := &Socket{cfg: cfg, relayOrigin: make(map[netip.AddrPort]struct{})}

	var candidates []int
	if cfg.Port != 0 {
		candidates = []int{cfg.Port}
	} else {
		candidates = []int{PreferredPort, 0}
		for range iter.N(randomTries) {
			candidates = append(candidates, dynamicLow+rand.IntN(dynamicHigh-dynamicLow+1))
		}
	}

	var lastErr error
	for _, port := range candidates {
		err := s.bind(port)
		if err == nil {
			glog.Infof("socket bound on port %d", s.Port())
			return s, nil
		}
		lastErr = err
		if isAddrInUse(errors.Cause(err)) {
			glog.V(2).Infof("port %d in use", port)
			continue
		}
		glog.Warningf("binding port %d: %s", port, err)
	}
	return nil, errors.Wrapf(ErrNoPort, "last error: %s", lastErr)
}

func (s *Socket) bind(port int) error {
	v4, err := ListenUDP(UDPConfig{
		Port:       port,
		Loopback:   s.cfg.Loopback,
		Listener:   true,
		RecvBuffer: s.cfg.RecvBuffer,
	})
	if err != nil {
		return err
	}
	if s.cfg.IPv4Only {
		s.v4 = v4
		return nil
	}
	v6, err := ListenUDP(UDPConfig{
		Port:       v4.Port(),
		IPv6:       true,
		Loopback:   s.cfg.Loopback,
		Listener:   true,
		RecvBuffer: s.cfg.RecvBuffer,
	})
	if err != nil {
		v4.Close()
		return err
	}
	s.v4, s.v6 = v4, v6
	return nil
}

// Port is the local port shared by both listeners.
func (s *Socket) Port() int {
	return s.v4.Port()
}

// StartRelay opens the relay tunnel. Only the first call does anything;
// later calls return its result.
func (s *Socket) StartRelay(ctx context.Context, address string) error {
	s.relayOnce.Do(func() {
		t, err := DialRelay(ctx, address)
		if err != nil {
			s.relayErr = err
			return
		}
		t.Translate = s.cfg.TranslateRelay
		s.mu.Lock()
		s.relay = t
		s.mu.Unlock()
	})
	return s.relayErr
}

// Relay returns the tunnel, or nil.
func (s *Socket) Relay() *RelayTunnel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relay
}

// TryReceive polls IPv4, then IPv6, then the relay.
func (s *Socket) TryReceive() (Datagram, bool) {
	if d, ok := s.v4.TryReceive(); ok {
		s.mu.Lock()
		delete(s.relayOrigin, d.Addr)
		s.mu.Unlock()
		return d, true
	}
	if s.v6 != nil {
		if d, ok := s.v6.TryReceive(); ok {
			return d, true
		}
	}
	if r := s.Relay(); r != nil {
		if d, ok := r.TryReceive(); ok {
			s.mu.Lock()
			if len(s.relayOrigin) < maxRelayFrom {
				s.relayOrigin[d.Addr] = struct{}{}
			}
			s.mu.Unlock()
			return d, true
		}
	}
	return Datagram{}, false
}

// ViaRelay reports whether addr was last heard from through the relay.
func (s *Socket) ViaRelay(addr netip.AddrPort) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.relayOrigin[unmap(addr)]
	return ok
}

// Send routes b to addr on the path the peer was last heard on.
func (s *Socket) Send(addr netip.AddrPort, b []byte) error {
	addr = unmap(addr)
	if addr.Addr().Is4() {
		if r := s.Relay(); r != nil && s.ViaRelay(addr) {
			return r.Send(addr, b)
		}
		s.v4.Send(addr, b)
		return nil
	}
	if s.v6 == nil {
		return errors.Errorf("transport: no IPv6 listener for %s", addr)
	}
	s.v6.Send(addr, b)
	return nil
}

// KeepAlive refreshes the relay reservation, if any.
func (s *Socket) KeepAlive() {
	if r := s.Relay(); r != nil {
		r.KeepAlive()
	}
}

// Err returns the first failure of any listener.
func (s *Socket) Err() error {
	if err := s.v4.Err(); err != nil {
		return err
	}
	if s.v6 != nil {
		if err := s.v6.Err(); err != nil {
			return err
		}
	}
	if r := s.Relay(); r != nil {
		return r.Err()
	}
	return nil
}

func (s *Socket) Close() error {
	var errs []error
	errs = append(errs, s.v4.Close())
	if s.v6 != nil {
		errs = append(errs, s.v6.Close())
	}
	if r := s.Relay(); r != nil {
		errs = append(errs, r.Close())
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func unmap(a netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(a.Addr().Unmap(), a.Port())
}
