// Package transport moves datagrams for the session layer: a bounded-queue
// UDP client, the dual-stack socket multiplexing IPv4, IPv6 and an optional
// relay tunnel, and the tunnel itself.
package transport

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sync/errgroup"
)

const (
	// PacketBudget is the assumed size of one queued datagram when sizing
	// queues from a buffer budget.
	PacketBudget = 1024

	maxDatagram = 64 * 1024

	// lowDelayTOS is DSCP EF (46) shifted into the TOS byte.
	lowDelayTOS = 46 << 2
)

var ErrClosed = errors.New("transport: closed")

// Datagram is one received or queued packet.
type Datagram struct {
	Addr netip.AddrPort
	Data []byte
}

// UDPConfig configures a UDPClient.
type UDPConfig struct {
	Port     int
	IPv6     bool
	Loopback bool

	// Listener clients accept datagrams from anyone. Others only accept
	// datagrams from Destination.
	Listener    bool
	Destination netip.AddrPort

	// RecvBuffer is the receive budget in bytes. It sizes the kernel buffers
	// and both queues.
	RecvBuffer int
}

// UDPClient owns one socket and runs its send and receive loops in the
// background. Both queues are bounded; when full, the oldest datagram is
// dropped so that fresh game state wins over stale state.
type UDPClient struct {
	cfg      UDPConfig
	conn     *net.UDPConn
	port     int
	maxQueue int

	mu    sync.Mutex
	sendQ []Datagram
	recvQ []Datagram
	err   error
	ready chan struct{}

	stop     context.CancelFunc
	g        *errgroup.Group
	sendDone chan struct{}
	closed   sync.Once
}

// ListenUDP opens the socket. Bind failures are returned here and are not
// retried.
func ListenUDP(cfg UDPConfig) (*UDPClient, error) {
	if cfg.RecvBuffer <= 0 {
		cfg.RecvBuffer = 256 * 1024
	}
	network, host := "udp4", "0.0.0.0"
	if cfg.IPv6 {
		network, host = "udp6", "::"
	}
	if cfg.Loopback {
		host = "127.0.0.1"
		if cfg.IPv6 {
			host = "::1"
		}
	}

	lc := net.ListenConfig{Control: socketControl(cfg.RecvBuffer, cfg.IPv6)}
	pc, err := lc.ListenPacket(context.Background(), network, net.JoinHostPort(host, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %s port %d", network, cfg.Port)
	}
	conn := pc.(*net.UDPConn)
	markLowDelay(conn, cfg.IPv6)

	ctx, stop := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	c := &UDPClient{
		cfg:      cfg,
		conn:     conn,
		port:     conn.LocalAddr().(*net.UDPAddr).Port,
		maxQueue: cfg.RecvBuffer/PacketBudget + 1,
		stop:     stop,
		g:        g,
		sendDone: make(chan struct{}),
		ready:    make(chan struct{}, 1),
	}
	g.Go(func() error { return c.sendLoop(ctx) })
	g.Go(func() error { return c.recvLoop() })
	glog.V(2).Infof("udp %s listening on port %d", network, c.port)
	return c, nil
}

func markLowDelay(conn *net.UDPConn, v6 bool) {
	var err error
	if v6 {
		err = ipv6.NewConn(conn).SetTrafficClass(lowDelayTOS)
	} else {
		err = ipv4.NewConn(conn).SetTOS(lowDelayTOS)
	}
	if err != nil {
		glog.V(2).Infof("could not mark socket low delay: %s", err)
	}
}

// Port returns the bound local port.
func (c *UDPClient) Port() int {
	return c.port
}

// Ready is signalled when datagrams arrive. One signal may stand for many
// datagrams, so receivers drain TryReceive after each.
func (c *UDPClient) Ready() <-chan struct{} {
	return c.ready
}

// Send queues b for addr. It never blocks.
func (c *UDPClient) Send(addr netip.AddrPort, b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendQ = pushBounded(c.sendQ, Datagram{Addr: addr, Data: b}, c.maxQueue)
}

// TryReceive pops the oldest received datagram.
func (c *UDPClient) TryReceive() (Datagram, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.recvQ) == 0 {
		return Datagram{}, false
	}
	d := c.recvQ[0]
	c.recvQ[0] = Datagram{}
	c.recvQ = c.recvQ[1:]
	return d, true
}

// Err returns the error which stopped a loop, if any.
func (c *UDPClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *UDPClient) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	glog.Errorf("udp port %d: %s", c.port, err)
}

func pushBounded(q []Datagram, d Datagram, max int) []Datagram {
	q = append(q, d)
	if len(q) > max {
		q[0] = Datagram{}
		q = q[1:]
	}
	return q
}

func (c *UDPClient) drain() []Datagram {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.sendQ
	c.sendQ = nil
	return q
}

// flush writes everything queued. It returns false once the socket is
// unusable.
func (c *UDPClient) flush() bool {
	for _, d := range c.drain() {
		if _, err := c.conn.WriteToUDP(d.Data, net.UDPAddrFromAddrPort(d.Addr)); err != nil {
			if stop, report := classify(err); stop {
				if report {
					c.fail(errors.Wrap(err, "send"))
				}
				return false
			}
		}
	}
	return true
}

func (c *UDPClient) sendLoop(ctx context.Context) error {
	defer close(c.sendDone)
	t := time.NewTicker(time.Millisecond)
	defer t.Stop()
	for {
		if !c.flush() {
			return nil
		}
		select {
		case <-ctx.Done():
			c.flush()
			return nil
		case <-t.C:
		}
	}
}

func (c *UDPClient) recvLoop() error {
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := c.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if stop, report := classify(err); stop {
				if report {
					c.fail(errors.Wrap(err, "receive"))
				}
				return nil
			}
			continue
		}
		addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
		if !c.cfg.Listener && c.cfg.Destination.IsValid() && addr != c.cfg.Destination {
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		c.mu.Lock()
		c.recvQ = pushBounded(c.recvQ, Datagram{Addr: addr, Data: pkt}, c.maxQueue)
		c.mu.Unlock()
		select {
		case c.ready <- struct{}{}:
		default:
		}
	}
}

// classify decides whether a socket error ends a loop. A closed socket ends
// it quietly; a peer reset does not end it; anything else ends it and is
// reported.
func classify(err error) (stop, report bool) {
	switch {
	case errors.Is(err, net.ErrClosed):
		return true, false
	case isReset(err):
		return false, false
	}
	return true, true
}

// Close flushes what is queued, closes the socket and waits for both loops.
func (c *UDPClient) Close() error {
	var err error
	c.closed.Do(func() {
		c.stop()
		<-c.sendDone
		err = c.conn.Close()
		c.g.Wait()
	})
	return err
}
