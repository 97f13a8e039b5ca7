// Package relay implements the rendezvous relay. A server that cannot be
// reached directly registers with the relay and is given a public port.
// Clients send to that port; the relay forwards their datagrams to the
// server in an envelope naming the client, and forwards the server's
// enveloped replies back to clients it has heard from.
package relay

import (
	"context"
	"encoding/binary"
	"net/netip"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"badc0de.net/pkg/go-larnix/limiter"
	"badc0de.net/pkg/go-larnix/transport"
)

const (
	// ClientTTL is how long a client stays reachable by its server after the
	// client last sent something.
	ClientTTL     = 15 * time.Second
	clientCleanup = 5 * time.Second

	// RemoveDelay lets in-flight datagrams drain after a server says Stop.
	RemoveDelay = 250 * time.Millisecond

	maxUDPPayload = 65507

	budgetWindow = 100 * time.Millisecond
	controlReset = time.Second
)

var ErrClosed = errors.New("relay: closed")

type Config struct {
	Port     int
	Loopback bool

	// MinPort and MaxPort bound the client listener ports.
	MinPort, MaxPort uint16

	MaxServersPerIP    int
	MaxServersGlobally int

	// MaxMessageLength bounds relayed payloads, envelope excluded.
	MaxMessageLength int

	// MaxTransferPerSecond is the byte budget shared by all servers.
	MaxTransferPerSecond int

	// ServerLifetime is how long a server stays registered without a
	// KeepAlive.
	ServerLifetime time.Duration

	// ControlPerSecond bounds control datagrams per endpoint.
	ControlPerSecond int

	RecvBuffer int
}

func DefaultConfig() Config {
	return Config{
		Port:                 transport.RelayPort,
		MinPort:              transport.RelayPort + 1,
		MaxPort:              transport.RelayPort + 1000,
		MaxServersPerIP:      4,
		MaxServersGlobally:   1000,
		MaxMessageLength:     maxUDPPayload - transport.EnvelopeSize,
		MaxTransferPerSecond: 100 * 1024 * 1024,
		ServerLifetime:       20 * time.Second,
		ControlPerSecond:     6,
		RecvBuffer:           4 * 1024 * 1024,
	}
}

// Relay owns the control socket and one listener per registered server.
type Relay struct {
	cfg Config
	udp *transport.UDPClient

	control *limiter.Concurrent[netip.AddrPort]
	counts  *limiter.Concurrent[netip.Addr]

	mu       sync.Mutex
	servers  map[netip.AddrPort]*listener
	slots    *slots
	transfer map[netip.AddrPort]int
	closed   bool
	wg       sync.WaitGroup

	// Now is the clock used for lifetimes.
	Now func() time.Time
}

func New(cfg Config) (*Relay, error) {
	if cfg.MinPort == 0 || cfg.MaxPort < cfg.MinPort {
		return nil, errors.Errorf("relay: bad listener port range %d-%d", cfg.MinPort, cfg.MaxPort)
	}
	udp, err := transport.ListenUDP(transport.UDPConfig{
		Port:       cfg.Port,
		Loopback:   cfg.Loopback,
		Listener:   true,
		RecvBuffer: cfg.RecvBuffer,
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening relay socket")
	}
	return &Relay{
		cfg:      cfg,
		udp:      udp,
		control:  limiter.NewConcurrent[netip.AddrPort](cfg.ControlPerSecond, 0),
		counts:   limiter.NewConcurrent[netip.Addr](cfg.MaxServersPerIP, cfg.MaxServersGlobally),
		servers:  make(map[netip.AddrPort]*listener),
		slots:    newSlots(cfg.MinPort, cfg.MaxPort),
		transfer: make(map[netip.AddrPort]int),
		Now:      time.Now,
	}, nil
}

// Port returns the control port.
func (r *Relay) Port() int {
	return r.udp.Port()
}

// Servers returns the number of registered servers.
func (r *Relay) Servers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.servers)
}

// ListenerPort returns the public port assigned to server.
func (r *Relay) ListenerPort(server netip.AddrPort) (uint16, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.servers[unmap(server)]
	if !ok {
		return 0, false
	}
	return l.port, true
}

// Run serves until ctx is done or the control socket fails.
func (r *Relay) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.serve(ctx) })
	g.Go(func() error { return r.maintain(ctx) })
	return g.Wait()
}

func (r *Relay) serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.udp.Ready():
		}
		for {
			d, ok := r.udp.TryReceive()
			if !ok {
				break
			}
			r.handle(d)
		}
		if err := r.udp.Err(); err != nil {
			return errors.Wrap(err, "relay socket")
		}
	}
}

func (r *Relay) maintain(ctx context.Context) error {
	t := time.NewTicker(budgetWindow)
	defer t.Stop()
	controlTick := limiter.NewCadence(controlReset)
	cleanupTick := limiter.NewCadence(clientCleanup)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		r.resetTransfer()
		if controlTick.Tick(budgetWindow) {
			r.control.Reset()
			r.expire()
		}
		if cleanupTick.Tick(budgetWindow) {
			r.cleanupClients()
		}
	}
}

func (r *Relay) handle(d transport.Datagram) {
	from := unmap(d.Addr)
	if !from.Addr().Is4() {
		return
	}
	switch {
	case len(d.Data) == 1:
		if !r.control.TryIncrease(from) {
			glog.V(2).Infof("control flood from %s", from)
			return
		}
		r.handleControl(from, d.Data[0])
	case len(d.Data) >= transport.EnvelopeSize:
		r.fromServer(from, d.Data)
	}
}

func (r *Relay) handleControl(from netip.AddrPort, op byte) {
	switch op {
	case transport.RelayStart:
		port, ok := r.add(from)
		if !ok {
			return
		}
		reply := make([]byte, 2)
		binary.BigEndian.PutUint16(reply, port)
		r.udp.Send(from, reply)
	case transport.RelayKeepAlive:
		if _, ok := r.add(from); ok {
			r.udp.Send(from, []byte{})
		}
	case transport.RelayStop:
		time.AfterFunc(RemoveDelay, func() { r.remove(from) })
	}
}

// add registers server, or refreshes it if it is registered already.
func (r *Relay) add(server netip.AddrPort) (uint16, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, false
	}
	now := r.Now()
	if l, ok := r.servers[server]; ok {
		l.alive = now
		return l.port, true
	}

	if !r.counts.TryIncrease(server.Addr()) {
		glog.Warningf("refusing server %s: too many servers", server)
		return 0, false
	}
	port, ok := r.slots.take(server.Addr())
	if !ok {
		r.counts.Decrease(server.Addr())
		glog.Warningf("refusing server %s: no free listener port", server)
		return 0, false
	}
	udp, err := transport.ListenUDP(transport.UDPConfig{
		Port:       int(port),
		Loopback:   r.cfg.Loopback,
		Listener:   true,
		RecvBuffer: r.cfg.RecvBuffer,
	})
	if err != nil {
		r.slots.release(port)
		r.counts.Decrease(server.Addr())
		glog.Warningf("refusing server %s: %s", server, err)
		return 0, false
	}
	l := &listener{
		server:  server,
		port:    port,
		udp:     udp,
		clients: newExpiringSet[netip.AddrPort](ClientTTL),
		alive:   now,
		done:    make(chan struct{}),
	}
	r.servers[server] = l
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		l.run(r)
	}()
	glog.Infof("server %s registered on port %d (%d servers)", server, port, len(r.servers))
	return port, true
}

func (r *Relay) remove(server netip.AddrPort) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(server)
}

func (r *Relay) removeLocked(server netip.AddrPort) {
	l, ok := r.servers[server]
	if !ok {
		return
	}
	delete(r.servers, server)
	delete(r.transfer, server)
	r.slots.release(l.port)
	r.counts.Decrease(server.Addr())
	close(l.done)
	glog.Infof("server %s on port %d removed", server, l.port)
}

func (r *Relay) expire() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.Now()
	for server, l := range r.servers {
		if now.Sub(l.alive) > r.cfg.ServerLifetime {
			glog.V(1).Infof("server %s timed out", server)
			r.removeLocked(server)
		}
	}
}

func (r *Relay) cleanupClients() {
	r.mu.Lock()
	ls := make([]*listener, 0, len(r.servers))
	for _, l := range r.servers {
		ls = append(ls, l)
	}
	r.mu.Unlock()
	now := r.Now()
	for _, l := range ls {
		l.clients.Cleanup(now)
	}
}

func (r *Relay) resetTransfer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.transfer)
}

// allow charges n bytes to server's share of the budget window.
func (r *Relay) allow(server netip.AddrPort, n int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := len(r.servers)
	if total == 0 {
		return false
	}
	budget := r.cfg.MaxTransferPerSecond / int(time.Second/budgetWindow) / total
	if r.transfer[server]+n > budget {
		return false
	}
	r.transfer[server] += n
	return true
}

// fromServer forwards an enveloped reply to a client that has recently
// talked to server.
func (r *Relay) fromServer(server netip.AddrPort, b []byte) {
	r.mu.Lock()
	l, ok := r.servers[server]
	r.mu.Unlock()
	if !ok {
		return
	}
	peer, data, _ := transport.Unwrap(b)
	if len(data) > r.cfg.MaxMessageLength {
		return
	}
	if !l.clients.Contains(peer, r.Now()) {
		return
	}
	if !r.allow(server, len(b)) {
		return
	}
	l.udp.Send(peer, data)
}

// Close removes every server and closes the control socket.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.closed = true
	for server := range r.servers {
		r.removeLocked(server)
	}
	r.mu.Unlock()
	r.wg.Wait()
	return r.udp.Close()
}

func unmap(a netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(a.Addr().Unmap(), a.Port())
}
