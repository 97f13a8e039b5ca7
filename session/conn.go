// Package session implements the connection state machine on top of the
// frame codec: sequence and acknowledgement numbers, in-order delivery of
// reliable frames, retransmission paced by the measured round-trip time,
// and the SYN/FIN lifecycle.
//
// A Conn does no I/O of its own. The owner feeds received datagrams to Push,
// calls Tick regularly and collects messages with Receive; outgoing frames
// are handed to a Sender.
package session

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/bradfitz/iter"
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"badc0de.net/pkg/go-larnix/control"
	tnet "badc0de.net/pkg/go-larnix/net"
	"badc0de.net/pkg/go-larnix/retransmit"
	"badc0de.net/pkg/go-larnix/secrets"
)

const (
	// MaxSeqTolerance is how far ahead of or behind the delivery point a
	// frame may be before it is dropped.
	MaxSeqTolerance = 128

	// MaxStaying bounds both the reorder buffer and the queue of messages
	// waiting for Receive.
	MaxStaying = 128

	// MaxTransmissions counts the first send and every retry.
	MaxTransmissions = 8

	AckCycle  = 100 * time.Millisecond
	KeepAlive = 500 * time.Millisecond

	finCount = 3
)

var (
	ErrDead      = errors.New("session: connection is dead")
	ErrBacklog   = errors.New("session: receive backlog full")
	ErrOutOfSeq  = errors.New("session: sequence out of window")
	ErrDuplicate = errors.New("session: duplicate frame")
	ErrNotSYN    = errors.New("session: first frame is not a SYN")
	ErrTimeout   = errors.New("session: peer stopped acknowledging")
)

// State of a Conn.
type State int

const (
	Handshaking State = iota
	AwaitingAccept
	Established
	Closing
	Dead
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case AwaitingAccept:
		return "awaiting-accept"
	case Established:
		return "established"
	case Closing:
		return "closing"
	case Dead:
		return "dead"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Sender delivers encoded frames to a peer. transport.Socket implements it.
type Sender interface {
	Send(addr netip.AddrPort, b []byte) error
}

// Conn is one side of a connection. It is safe for concurrent use.
type Conn struct {
	mu sync.Mutex

	send      Sender
	peer      netip.AddrPort
	key       *secrets.SessionKey
	serverKey *secrets.RSAKey
	client    bool

	state State
	err   error

	seqNum int32 // last sent reliable sequence
	ackNum int32 // highest sequence the peer acknowledged
	getNum int32 // last sequence delivered in order
	synSeq int32

	inflight []*tnet.Frame
	rt       *retransmit.Retransmitter
	rtt      *retransmit.RTTTracker

	buffered map[int32]*tnet.Frame
	ready    []*tnet.Message

	ackCycle  time.Duration
	keepAlive time.Duration
}

func newConn(send Sender, peer netip.AddrPort, key *secrets.SessionKey) *Conn {
	return &Conn{
		send:     send,
		peer:     peer,
		key:      key,
		rt:       retransmit.NewRetransmitter(MaxTransmissions - 1),
		rtt:      retransmit.NewRTTTracker(retransmit.DefaultFallback, retransmit.DefaultOffset),
		buffered: make(map[int32]*tnet.Frame),
	}
}

// NewClient opens a connection by sending syn, which must be an
// AllowConnection message carrying key. With a server key the SYN is
// encrypted asymmetrically; without one it travels in plaintext.
func NewClient(send Sender, peer netip.AddrPort, key *secrets.SessionKey, syn *tnet.Message, serverKey *secrets.RSAKey) (*Conn, error) {
	if key == nil {
		return nil, errors.New("session: nil session key")
	}
	if syn == nil || syn.ID != control.AllowConnectionID {
		return nil, errors.New("session: SYN must carry AllowConnection")
	}
	c := newConn(send, peer, key)
	c.client = true
	c.serverKey = serverKey
	c.state = Handshaking

	flags := tnet.FlagSYN
	if serverKey != nil {
		flags |= tnet.FlagAsymmetric
	}
	c.seqNum++
	c.synSeq = c.seqNum
	f := tnet.NewFrame(c.seqNum, c.getNum, flags, syn)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendReliable(f); err != nil {
		return nil, err
	}
	return c, nil
}

// NewServer accepts a connection whose SYN will be the first frame pushed.
// That frame is expected in plaintext, already unwrapped from any
// asymmetric encryption.
func NewServer(send Sender, peer netip.AddrPort, key *secrets.SessionKey) *Conn {
	c := newConn(send, peer, key)
	c.state = AwaitingAccept
	return c
}

// SetClock replaces the clock used for retries and round-trip samples.
func (c *Conn) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rt.Now = now
	c.rtt.Now = now
}

func (c *Conn) Peer() netip.AddrPort {
	return c.peer
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Dead reports whether the connection is closing or closed. A dead
// connection ignores every call.
func (c *Conn) Dead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dead()
}

func (c *Conn) dead() bool {
	return c.state == Closing || c.state == Dead
}

// Err explains why the connection died, if it was not closed normally.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// AverageRTT is the median round-trip time of recent reliable frames.
func (c *Conn) AverageRTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rtt.Average()
}

// Send queues m to the peer. Reliable messages take the next sequence
// number and are retransmitted until acknowledged; others reuse the current
// one and are sent once.
func (c *Conn) Send(m *tnet.Message, reliable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead() {
		return ErrDead
	}
	if reliable {
		c.seqNum++
		return c.sendReliable(tnet.NewFrame(c.seqNum, c.getNum, 0, m))
	}
	return c.transmit(tnet.NewFrame(c.seqNum, c.getNum, tnet.FlagFast, m))
}

func (c *Conn) sendReliable(f *tnet.Frame) error {
	c.rt.Add(f, c.rtt.WaitingTime())
	c.rtt.Ping(f.Seq)
	c.inflight = append(c.inflight, f)
	return c.transmit(f)
}

func (c *Conn) frameKey(f *tnet.Frame) secrets.Key {
	if !f.Has(tnet.FlagSYN) {
		return c.key
	}
	if f.Has(tnet.FlagAsymmetric) {
		glog.V(2).Infof("transmitting RSA-encrypted SYN to %s", c.peer)
		return c.serverKey
	}
	if c.peer.Addr().IsLoopback() {
		glog.Warningf("transmitting unencrypted SYN to loopback %s", c.peer)
	} else {
		glog.Warningf("transmitting unencrypted SYN to %s", c.peer)
	}
	return secrets.Empty
}

func (c *Conn) transmit(f *tnet.Frame) error {
	b, err := f.Encode(c.frameKey(f))
	if err != nil {
		return errors.Wrapf(err, "encoding frame %d", f.Seq)
	}
	if err := c.send.Send(c.peer, b); err != nil {
		glog.V(2).Infof("send to %s: %s", c.peer, err)
		return err
	}
	return nil
}

// Push feeds one received datagram. Rejected datagrams return an error
// which callers are free to ignore.
func (c *Conn) Push(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead() {
		return ErrDead
	}
	if len(c.buffered) >= MaxStaying || len(c.ready) >= MaxStaying {
		return ErrBacklog
	}

	var key secrets.Key = c.key
	if c.state == AwaitingAccept {
		key = secrets.Empty
	}
	f, err := tnet.DecodeFrame(b, key)
	if err != nil {
		return err
	}
	if c.state == AwaitingAccept && !f.Has(tnet.FlagSYN) {
		return ErrNotSYN
	}
	if f.Has(tnet.FlagSYN) && c.state != AwaitingAccept {
		return errors.Wrap(ErrDuplicate, "SYN on open connection")
	}

	// The frame is authentic; its ack counts even if the frame itself is
	// a duplicate or outside the window.
	if f.Ack-c.ackNum > 0 {
		c.acknowledge(f.Ack)
	}

	diff := f.Seq - c.getNum
	if !f.Has(tnet.FlagFast) {
		if diff <= 0 || diff > MaxSeqTolerance {
			return errors.Wrapf(ErrOutOfSeq, "reliable seq %d, delivered %d", f.Seq, c.getNum)
		}
		if _, ok := c.buffered[f.Seq]; ok {
			return ErrDuplicate
		}
		c.buffered[f.Seq] = f
	} else {
		if diff < -MaxSeqTolerance || diff > MaxSeqTolerance {
			return errors.Wrapf(ErrOutOfSeq, "fast seq %d, delivered %d", f.Seq, c.getNum)
		}
		c.enqueue(f)
	}

	if c.state == AwaitingAccept {
		c.state = Established
	}
	if f.Has(tnet.FlagFIN) {
		glog.V(2).Infof("%s finished the connection", c.peer)
		c.state = Dead
	}
	return nil
}

func (c *Conn) acknowledge(ack int32) {
	c.ackNum = ack
	c.rtt.Pong(ack)
	kept := c.inflight[:0]
	for _, f := range c.inflight {
		if f.Seq-ack <= 0 {
			c.rt.Discard(f)
			continue
		}
		kept = append(kept, f)
	}
	for i := len(kept); i < len(c.inflight); i++ {
		c.inflight[i] = nil
	}
	c.inflight = kept
	if c.state == Handshaking && ack-c.synSeq >= 0 {
		glog.V(2).Infof("connection to %s established", c.peer)
		c.state = Established
	}
}

// enqueue makes the message of f available to Receive unless its type may
// not arrive over the network.
func (c *Conn) enqueue(f *tnet.Frame) {
	m, err := f.Message()
	if err != nil {
		return
	}
	switch m.ID {
	case control.NoneID, control.StopID:
		return
	case control.AllowConnectionID:
		if !f.Has(tnet.FlagSYN) {
			return
		}
	}
	c.ready = append(c.ready, m)
}

// Receive returns the messages delivered since the last call.
func (c *Conn) Receive() []*tnet.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead() {
		return nil
	}
	r := c.ready
	c.ready = nil
	return r
}

// Tick advances the connection by dt: it delivers buffered frames in order,
// retransmits what is due and sends acknowledgements and keepalives.
func (c *Conn) Tick(dt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closing {
		c.state = Dead
	}
	if c.dead() {
		return
	}

	for {
		f, ok := c.buffered[c.getNum+1]
		if !ok {
			break
		}
		c.enqueue(f)
		c.getNum++
	}
	for seq := range c.buffered {
		if seq-c.getNum <= 0 {
			delete(c.buffered, seq)
		}
	}

	var retransmitted []int32
	wait := c.rtt.WaitingTime()
	kept := c.inflight[:0]
	for _, f := range c.inflight {
		if f.Seq-c.ackNum <= 0 {
			c.rt.Discard(f)
			continue
		}
		kept = append(kept, f)
		retry, giveUp := c.rt.AllowRetry(f, wait)
		if giveUp {
			glog.Infof("%s did not acknowledge seq %d after %d transmissions", c.peer, f.Seq, MaxTransmissions)
			c.inflight = kept
			c.err = ErrTimeout
			c.finish()
			return
		}
		if retry {
			f.Ack = c.getNum
			c.transmit(f)
			retransmitted = append(retransmitted, f.Seq)
		}
	}
	c.inflight = kept
	c.rtt.Forget(retransmitted...)

	if c.ackCycle += dt; c.ackCycle >= AckCycle {
		c.ackCycle %= AckCycle
		c.transmit(tnet.NewFrame(c.seqNum, c.getNum, tnet.FlagFast, noneMessage()))
	}
	if c.keepAlive += dt; c.keepAlive > KeepAlive {
		c.keepAlive = 0
		c.seqNum++
		c.sendReliable(tnet.NewFrame(c.seqNum, c.getNum, 0, noneMessage()))
	}
}

// noneMessage is built on first use, once every message type has been
// registered.
var noneMessage = sync.OnceValue(func() *tnet.Message {
	return tnet.MustMessage(&control.None{})
})

// Close sends FIN to the peer. The connection reports Dead immediately and
// stops all activity.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finish()
}

// finish sends FIN three times; if none arrives the peer times out anyway.
func (c *Conn) finish() {
	if c.dead() {
		return
	}
	f := tnet.NewFrame(c.seqNum, c.getNum, tnet.FlagFast|tnet.FlagFIN, noneMessage())
	for range iter.N(finCount) {
		c.transmit(f)
	}
	c.state = Closing
}

func (c *Conn) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("conn{%s %s seq:%d ack:%d get:%d inflight:%d}", c.peer, c.state, c.seqNum, c.ackNum, c.getNum, len(c.inflight))
}
