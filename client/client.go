package client

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/golang/glog"

	"badc0de.net/pkg/go-larnix/commands"
	"badc0de.net/pkg/go-larnix/control"
	tnet "badc0de.net/pkg/go-larnix/net"
	"badc0de.net/pkg/go-larnix/secrets"
	"badc0de.net/pkg/go-larnix/session"
	"badc0de.net/pkg/go-larnix/transport"
)

// Handler receives one message from the server.
type Handler func(m *tnet.Message)

// Client is a connection to a game server. Tick must be called regularly
// from one goroutine.
type Client struct {
	udp  *transport.UDPClient
	conn *session.Conn
	peer netip.AddrPort

	mu       sync.Mutex
	handlers map[commands.ID]Handler
}

type udpSender struct {
	udp *transport.UDPClient
}

func (s udpSender) Send(addr netip.AddrPort, b []byte) error {
	s.udp.Send(addr, b)
	return s.udp.Err()
}

// Dial fetches the entry ticket of the server at address, checks it against
// code and opens a connection logged in as nickname. An unknown nickname is
// registered if the server allows it.
func Dial(ctx context.Context, address, code, nickname, password string) (*Client, error) {
	t, err := FetchTicket(ctx, address, code, nickname)
	if err != nil {
		return nil, err
	}
	return DialTicket(ctx, address, t, nickname, password)
}

// DialTicket is Dial with a ticket fetched earlier.
func DialTicket(ctx context.Context, address string, t *Ticket, nickname, password string) (*Client, error) {
	peer, err := transport.Resolve(ctx, address, transport.PreferredPort)
	if err != nil {
		return nil, err
	}
	key, err := secrets.GenerateSessionKey()
	if err != nil {
		return nil, err
	}
	allow := &control.AllowConnection{
		Nickname:     nickname,
		Password:     password,
		ServerSecret: t.Secret,
		ChallengeID:  t.Info.ChallengeID,
		Timestamp:    t.ServerTimestamp(time.Now()),
		RunID:        t.Info.RunID,
	}
	copy(allow.SessionKey[:], key.Bytes())
	syn, err := tnet.NewMessage(allow)
	if err != nil {
		return nil, err
	}

	udp, err := transport.ListenUDP(transport.UDPConfig{
		IPv6:        peer.Addr().Is6(),
		Loopback:    peer.Addr().IsLoopback(),
		Destination: peer,
		RecvBuffer:  256 * 1024,
	})
	if err != nil {
		return nil, err
	}
	conn, err := session.NewClient(udpSender{udp}, peer, key, syn, t.ServerKey)
	if err != nil {
		udp.Close()
		return nil, err
	}
	glog.V(2).Infof("connecting to %s as %s", peer, nickname)
	return &Client{
		udp:      udp,
		conn:     conn,
		peer:     peer,
		handlers: make(map[commands.ID]Handler),
	}, nil
}

// Subscribe routes messages of type id to h.
func (c *Client) Subscribe(id commands.ID, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[id] = h
}

// Tick feeds received datagrams to the connection, advances it by dt and
// runs handlers for delivered messages.
func (c *Client) Tick(dt time.Duration) {
	for {
		d, ok := c.udp.TryReceive()
		if !ok {
			break
		}
		if err := c.conn.Push(d.Data); err != nil {
			glog.V(3).Infof("frame from %s: %s", c.peer, err)
		}
	}
	c.conn.Tick(dt)
	for _, m := range c.conn.Receive() {
		c.mu.Lock()
		h, ok := c.handlers[m.ID]
		c.mu.Unlock()
		if ok {
			h(m)
		}
	}
}

func (c *Client) Send(m *tnet.Message, reliable bool) error {
	return c.conn.Send(m, reliable)
}

// Established reports whether the server acknowledged the login.
func (c *Client) Established() bool {
	return c.conn.State() == session.Established
}

func (c *Client) Dead() bool {
	return c.conn.Dead()
}

// Err explains why the connection died, if it did not close normally.
func (c *Client) Err() error {
	return c.conn.Err()
}

func (c *Client) Ping() time.Duration {
	return c.conn.AverageRTT()
}

func (c *Client) Peer() netip.AddrPort {
	return c.peer
}

// Close sends FIN and closes the socket once it is flushed.
func (c *Client) Close() error {
	c.conn.Close()
	return c.udp.Close()
}
