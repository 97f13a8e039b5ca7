// Package server accepts game clients: it answers connectionless prompts,
// admits connections after a login check, dispatches received messages to
// subscribed handlers and enforces per-type traffic policies.
//
// The owner drives the server by calling Tick from a single goroutine.
package server

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/net/trace"

	"badc0de.net/pkg/go-larnix/authcode"
	"badc0de.net/pkg/go-larnix/commands"
	"badc0de.net/pkg/go-larnix/control"
	"badc0de.net/pkg/go-larnix/limiter"
	"badc0de.net/pkg/go-larnix/login"
	tnet "badc0de.net/pkg/go-larnix/net"
	"badc0de.net/pkg/go-larnix/secrets"
	"badc0de.net/pkg/go-larnix/session"
	"badc0de.net/pkg/go-larnix/transport"
)

// RelayKeepAlive is the interval of relay reservation refreshes.
const RelayKeepAlive = 5 * time.Second

var ErrNoClient = errors.New("server: no such client")

// Handler receives one message from the named client. A Stop message is
// delivered when the client's connection ends.
type Handler func(nick string, m *tnet.Message)

type loginResult struct {
	addr netip.AddrPort
	seq  int32
	mode login.Mode
	nick string
	err  error
}

type client struct {
	nick string
	conn *session.Conn
}

type dispatch struct {
	nick string
	m    *tnet.Message
}

// Server is a game transport server.
type Server struct {
	cfg      Config
	sock     *transport.Socket
	key      *secrets.RSAKey
	secret   int64
	authcode string
	runID    int64

	auth    *login.Authority
	heavy   *limiter.Heavy
	traffic *limiter.Traffic

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	results chan loginResult

	mu        sync.Mutex
	handlers  map[commands.ID]Handler
	clients   map[string]*client
	byAddr    map[netip.AddrPort]*client
	preLogins map[netip.AddrPort]*preLogin
	relayTick limiter.Cadence

	events trace.EventLog

	// Now is the clock used for timestamps.
	Now func() time.Time
}

// New opens the socket and loads or creates the key material in
// cfg.DataDir.
func New(cfg Config) (*Server, error) {
	key, err := secrets.LoadOrGenerateRSAKey(filepath.Join(cfg.DataDir, secrets.PrivateKeyFile))
	if err != nil {
		return nil, err
	}
	secret, err := authcode.ObtainSecret(filepath.Join(cfg.DataDir, authcode.SecretFile))
	if err != nil {
		return nil, err
	}
	pub := key.ExportPublicKey()
	code, err := authcode.Produce(pub[:], secret)
	if err != nil {
		return nil, err
	}
	runID, err := authcode.RandomInt64()
	if err != nil {
		return nil, err
	}

	sock, err := transport.NewSocket(transport.Config{
		Port:       cfg.Port,
		Loopback:   cfg.Loopback,
		RecvBuffer: cfg.RecvBuffer,
		IPv4Only:   cfg.IPv4Only,

		TranslateRelay: cfg.TranslateRelay,
	})
	if err != nil {
		return nil, err
	}
	cfg.Port = sock.Port()
	if cfg.Users == nil {
		cfg.Users = login.NewMemoryStore()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		sock:     sock,
		key:      key,
		secret:   secret,
		authcode: code,
		runID:    runID,
		auth: login.NewAuthority(login.Config{
			ServerSecret:      secret,
			RunID:             runID,
			AllowRegistration: cfg.AllowRegistration,
			MaskIPv4:          cfg.MaskIPv4,
			MaskIPv6:          cfg.MaskIPv6,
		}, cfg.Users, cfg.Hasher),
		heavy:     limiter.NewHeavy(limiter.HeavyLocalLimit, limiter.HeavyGlobalLimit),
		traffic:   limiter.NewTraffic(cfg.Policies),
		ctx:       ctx,
		cancel:    cancel,
		results:   make(chan loginResult, 256),
		handlers:  make(map[commands.ID]Handler),
		clients:   make(map[string]*client),
		byAddr:    make(map[netip.AddrPort]*client),
		preLogins: make(map[netip.AddrPort]*preLogin),
		relayTick: limiter.NewCadence(RelayKeepAlive),
		events:    trace.NewEventLog("larnix.Server", fmt.Sprintf("port %d", cfg.Port)),
		Now:       time.Now,
	}
	glog.Infof("server listening on port %d, authcode %s", cfg.Port, code)
	s.events.Printf("listening on port %d", cfg.Port)
	return s, nil
}

func (s *Server) Port() int        { return s.cfg.Port }
func (s *Server) Authcode() string { return s.authcode }
func (s *Server) RunID() int64     { return s.runID }

// PublicKey is the key clients verify against the authcode.
func (s *Server) PublicKey() *secrets.RSAKey { return s.key.PublicOnly() }

// Authority exposes the login checks, for administrative password changes.
func (s *Server) Authority() *login.Authority { return s.auth }

// ConfigureRelay reserves a public port on the relay at address and
// returns it. Config.TranslateRelay applies to the tunnel.
func (s *Server) ConfigureRelay(ctx context.Context, address string) (uint16, error) {
	if err := s.sock.StartRelay(ctx, address); err != nil {
		return 0, err
	}
	port := s.sock.Relay().Port()
	s.events.Printf("relay %s assigned port %d", address, port)
	return port, nil
}

// Subscribe routes messages of type id to h, replacing any earlier handler.
func (s *Server) Subscribe(id commands.ID, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[id] = h
}

// Tick processes everything received since the last call and advances all
// connections by dt. Handlers run after the server state is updated, on the
// calling goroutine.
func (s *Server) Tick(dt time.Duration) {
	s.auth.Tick(dt)
	s.heavy.Tick(dt)
	s.traffic.Tick(dt)

	s.mu.Lock()
	if s.relayTick.Tick(dt) {
		s.sock.KeepAlive()
	}
	s.collectLogins()
	for {
		d, ok := s.sock.TryReceive()
		if !ok {
			break
		}
		s.interpret(d.Addr, d.Data)
	}

	for _, c := range s.clients {
		c.conn.Tick(dt)
	}

	nicks := make([]string, 0, len(s.clients))
	for n := range s.clients {
		nicks = append(nicks, n)
	}
	rand.Shuffle(len(nicks), func(i, j int) { nicks[i], nicks[j] = nicks[j], nicks[i] })

	var queue []dispatch
	for _, n := range nicks {
		c := s.clients[n]
		for _, m := range c.conn.Receive() {
			switch s.traffic.Allow(n, m.ID) {
			case limiter.Drop:
				glog.V(3).Infof("dropping message %d from %s over its rate", m.ID, n)
				continue
			case limiter.Kick:
				glog.Warningf("%s exceeded the hard rate of message %d", n, m.ID)
				s.events.Printf("kicked %s: rate of message %d", n, m.ID)
				c.conn.Close()
			}
			if c.conn.Dead() {
				break
			}
			queue = append(queue, dispatch{nick: n, m: m})
		}
	}

	stop := tnet.MustMessage(&control.Stop{})
	for _, n := range nicks {
		c := s.clients[n]
		if !c.conn.Dead() {
			continue
		}
		queue = append(queue, dispatch{nick: n, m: stop})
		s.forget(c)
		reason := "closed"
		if err := c.conn.Err(); err != nil {
			reason = err.Error()
		}
		s.events.Printf("%s disconnected: %s", n, reason)
		glog.Infof("%s disconnected: %s", n, reason)
	}

	handlers := make(map[commands.ID]Handler, len(s.handlers))
	for id, h := range s.handlers {
		handlers[id] = h
	}
	s.mu.Unlock()

	for _, d := range queue {
		if h, ok := handlers[d.m.ID]; ok {
			h(d.nick, d.m)
		}
	}
}

func (s *Server) forget(c *client) {
	delete(s.clients, c.nick)
	delete(s.byAddr, c.conn.Peer())
}

// interpret routes one datagram. Anything malformed is dropped silently.
func (s *Server) interpret(addr netip.AddrPort, b []byte) {
	h, err := tnet.DecodeHeader(b)
	if err != nil {
		glog.V(3).Infof("dropping datagram from %s: %s", addr, err)
		return
	}

	if h.Has(tnet.FlagSYN) || h.Has(tnet.FlagAsymmetric) || h.Has(tnet.FlagNoSession) {
		if !s.heavy.Allow(limiter.NewInternetID(addr.Addr(), s.cfg.MaskIPv4, s.cfg.MaskIPv6)) {
			glog.V(2).Infof("heavy frame budget of %s exhausted", addr)
			return
		}
	}

	if h.Has(tnet.FlagAsymmetric) {
		f, err := tnet.DecodeFrame(b, s.key)
		if err != nil {
			glog.V(2).Infof("bad asymmetric frame from %s: %s", addr, err)
			return
		}
		if b, err = f.Encode(secrets.Empty); err != nil {
			return
		}
	}

	switch {
	case h.Has(tnet.FlagNoSession):
		f, err := tnet.DecodeFrame(b, secrets.Empty)
		if err != nil {
			return
		}
		s.prompt(addr, f)

	case h.Has(tnet.FlagSYN):
		s.syn(addr, b)

	default:
		if p, ok := s.preLogins[addr]; ok {
			p.push(b)
		} else if c, ok := s.byAddr[addr]; ok {
			if err := c.conn.Push(b); err != nil {
				glog.V(3).Infof("frame from %s: %s", c.nick, err)
			}
		}
	}
}

func (s *Server) canAccept(addr netip.AddrPort, nick string) bool {
	if len(s.clients) >= s.cfg.MaxClients {
		return false
	}
	if _, ok := s.clients[nick]; ok {
		return false
	}
	_, ok := s.byAddr[addr]
	return !ok
}

func (s *Server) syn(addr netip.AddrPort, b []byte) {
	if _, ok := s.preLogins[addr]; ok {
		return
	}
	f, err := tnet.DecodeFrame(b, secrets.Empty)
	if err != nil {
		return
	}
	m, err := f.Message()
	if err != nil {
		return
	}
	allow := &control.AllowConnection{}
	if err := m.Decode(allow); err != nil {
		glog.V(2).Infof("SYN from %s without AllowConnection: %s", addr, err)
		return
	}
	if !s.canAccept(addr, allow.Nickname) {
		return
	}
	s.preLogins[addr] = &preLogin{syn: b, allow: allow}
	s.startLogin(addr, 0, allow.LoginTry(), login.Establishment)
}

// startLogin runs the password check in the background. Its result is
// picked up by a later Tick.
func (s *Server) startLogin(addr netip.AddrPort, seq int32, try *control.LoginTryPrompt, mode login.Mode) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		tr := trace.New("larnix.Login", try.Nickname)
		defer tr.Finish()
		tr.LazyPrintf("from %s mode %d", addr, mode)

		err := s.auth.Login(s.ctx, addr.Addr(), try, mode)
		if err != nil {
			tr.LazyPrintf("%s", login.Reason(err))
			tr.SetError()
		}
		select {
		case s.results <- loginResult{addr: addr, seq: seq, mode: mode, nick: try.Nickname, err: err}:
		case <-s.ctx.Done():
		}
	}()
}

func (s *Server) collectLogins() {
	for {
		select {
		case r := <-s.results:
			if r.mode == login.Establishment {
				if r.err != nil {
					s.deny(r)
				} else {
					s.accept(r)
				}
				continue
			}
			s.sendPrompt(r.addr, r.seq, login.Answer(r.err))
		default:
			return
		}
	}
}

func (s *Server) deny(r loginResult) {
	delete(s.preLogins, r.addr)
	glog.Infof("login of %s from %s refused: %s", r.nick, r.addr, login.Reason(r.err))
	s.events.Printf("refused %s from %s: %s", r.nick, r.addr, login.Reason(r.err))
}

func (s *Server) accept(r loginResult) {
	p, ok := s.preLogins[r.addr]
	if !ok {
		return
	}
	delete(s.preLogins, r.addr)
	if !s.canAccept(r.addr, p.allow.Nickname) {
		s.events.Printf("refused %s from %s: no room", r.nick, r.addr)
		return
	}
	key, err := secrets.NewSessionKey(p.allow.SessionKey[:])
	if err != nil {
		glog.Errorf("session key of %s: %s", r.nick, err)
		return
	}
	c := &client{nick: p.allow.Nickname, conn: session.NewServer(s.sock, r.addr, key)}
	s.clients[c.nick] = c
	s.byAddr[r.addr] = c
	for _, b := range p.replay() {
		if err := c.conn.Push(b); err != nil {
			glog.V(3).Infof("replaying frame of %s: %s", c.nick, err)
		}
	}
	via := "direct"
	if s.sock.ViaRelay(r.addr) {
		via = "relay"
	}
	glog.Infof("%s connected from %s (%s)", c.nick, r.addr, via)
	s.events.Printf("accepted %s from %s (%s)", c.nick, r.addr, via)
}

// Send queues m to the named client.
func (s *Server) Send(nick string, m *tnet.Message, reliable bool) error {
	s.mu.Lock()
	c, ok := s.clients[nick]
	s.mu.Unlock()
	if !ok {
		return errors.Wrap(ErrNoClient, nick)
	}
	return c.conn.Send(m, reliable)
}

// Broadcast queues m to every client.
func (s *Server) Broadcast(m *tnet.Message, reliable bool) {
	s.mu.Lock()
	conns := make([]*session.Conn, 0, len(s.clients))
	for _, c := range s.clients {
		conns = append(conns, c.conn)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Send(m, reliable)
	}
}

// Kick ends the client's connection. Its Stop is delivered on the next
// Tick.
func (s *Server) Kick(nick string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[nick]; ok {
		c.conn.Close()
		s.events.Printf("kicked %s", nick)
	}
}

// Players returns the sorted nicknames of connected clients.
func (s *Server) Players() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := make([]string, 0, len(s.clients))
	for k := range s.clients {
		n = append(n, k)
	}
	sort.Strings(n)
	return n
}

// Ping returns the round-trip estimate of the named client.
func (s *Server) Ping(nick string) (time.Duration, error) {
	s.mu.Lock()
	c, ok := s.clients[nick]
	s.mu.Unlock()
	if !ok {
		return 0, errors.Wrap(ErrNoClient, nick)
	}
	return c.conn.AverageRTT(), nil
}

// Peer returns the address of the named client.
func (s *Server) Peer(nick string) (netip.AddrPort, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[nick]
	if !ok {
		return netip.AddrPort{}, false
	}
	return c.conn.Peer(), true
}

// SessionInfo describes one connection for the debug pages.
type SessionInfo struct {
	Nick     string        `json:"nick"`
	Peer     string        `json:"peer"`
	State    string        `json:"state"`
	RTT      time.Duration `json:"rtt_ns"`
	ViaRelay bool          `json:"via_relay"`
}

func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SessionInfo
	for _, c := range s.clients {
		out = append(out, SessionInfo{
			Nick:     c.nick,
			Peer:     c.conn.Peer().String(),
			State:    c.conn.State().String(),
			RTT:      c.conn.AverageRTT(),
			ViaRelay: s.sock.ViaRelay(c.conn.Peer()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nick < out[j].Nick })
	return out
}

// Close disconnects every client, waits for running logins and closes the
// socket.
func (s *Server) Close() error {
	s.cancel()
	s.mu.Lock()
	for _, c := range s.clients {
		c.conn.Close()
		s.forget(c)
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.events.Printf("closed")
	s.events.Finish()
	return s.sock.Close()
}
