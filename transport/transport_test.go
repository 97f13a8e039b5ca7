package transport

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/pkg/errors"

	"badc0de.net/pkg/go-larnix/ttesting"
)

// receive waits for one datagram on c.
func receive(t *testing.T, c *UDPClient) Datagram {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if d, ok := c.TryReceive(); ok {
			return d
		}
		select {
		case <-c.Ready():
		case <-deadline:
			t.Fatal("no datagram within 2s")
		}
	}
}

func loopbackClient(t *testing.T) *UDPClient {
	t.Helper()
	c, err := ListenUDP(UDPConfig{Loopback: true, Listener: true})
	if err != nil {
		t.Fatalf("ListenUDP: %s", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func local(port int) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(port))
}

func TestEnvelope(t *testing.T) {
	peer := netip.MustParseAddrPort("203.0.113.7:50001")
	b, err := Wrap(peer, []byte("data"))
	if err != nil {
		t.Fatal(err)
	}
	ttesting.AssertEqualBytes(t, "layout", b, []byte{203, 0, 113, 7, 0xC3, 0x51, 'd', 'a', 't', 'a'})

	got, data, ok := Unwrap(b)
	ttesting.AssertTrue(t, "ok", ok)
	ttesting.AssertTrue(t, "peer", got == peer)
	ttesting.AssertEqualString(t, "data", string(data), "data")

	_, _, ok = Unwrap(b[:EnvelopeSize-1])
	ttesting.AssertTrue(t, "short", !ok)

	mapped := netip.MustParseAddrPort("[::ffff:203.0.113.7]:50001")
	if _, err := Wrap(mapped, nil); err != nil {
		t.Errorf("mapped v4: %s", err)
	}
	_, err = Wrap(netip.MustParseAddrPort("[2001:db8::1]:1"), nil)
	ttesting.AssertErrorIs(t, "v6", err, ErrNotIPv4)
}

func TestTranslated(t *testing.T) {
	got := Translated(netip.MustParseAddrPort("10.1.2.3:4000"))
	ttesting.AssertEqualString(t, "class E", got.String(), "250.1.2.3:4000")
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		in   string
		want string
	}{
		{"127.0.0.1", "127.0.0.1:27681"},
		{"127.0.0.1:9", "127.0.0.1:9"},
		{"[::1]:9", "[::1]:9"},
	} {
		got, err := Resolve(ctx, tc.in, RelayPort)
		if err != nil {
			t.Fatalf("%s: %s", tc.in, err)
		}
		ttesting.AssertEqualString(t, tc.in, got.String(), tc.want)
	}
	if _, err := Resolve(ctx, "127.0.0.1:99999", RelayPort); err == nil {
		t.Error("port out of range accepted")
	}
}

func TestUDPClientLoopback(t *testing.T) {
	a := loopbackClient(t)
	b := loopbackClient(t)

	a.Send(local(b.Port()), []byte("ping"))
	d := receive(t, b)
	ttesting.AssertEqualString(t, "data", string(d.Data), "ping")
	ttesting.AssertEqualInt(t, "from", int(d.Addr.Port()), a.Port())

	b.Send(d.Addr, []byte("pong"))
	d = receive(t, a)
	ttesting.AssertEqualString(t, "reply", string(d.Data), "pong")
}

func TestUDPClientDestinationFilter(t *testing.T) {
	a := loopbackClient(t)
	stranger := loopbackClient(t)
	c, err := ListenUDP(UDPConfig{Loopback: true, Destination: local(a.Port())})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	stranger.Send(local(c.Port()), []byte("ignored"))
	a.Send(local(c.Port()), []byte("wanted"))
	d := receive(t, c)
	ttesting.AssertEqualString(t, "only destination", string(d.Data), "wanted")
}

func TestUDPClientClose(t *testing.T) {
	c, err := ListenUDP(UDPConfig{Loopback: true, Listener: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close: %s", err)
	}
	ttesting.AssertErrorIs(t, "no error after clean close", c.Err(), nil)
	c.Close()
}

func TestPushBounded(t *testing.T) {
	var q []Datagram
	for i := 0; i < 5; i++ {
		q = pushBounded(q, Datagram{Data: []byte{byte(i)}}, 3)
	}
	ttesting.AssertEqualInt(t, "len", len(q), 3)
	ttesting.AssertEqualInt(t, "oldest dropped", int(q[0].Data[0]), 2)
}

func TestSocketLoopback(t *testing.T) {
	cfg := Config{Loopback: true, IPv4Only: true}
	a, err := NewSocket(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := NewSocket(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if a.Port() == b.Port() {
		t.Fatalf("both sockets on port %d", a.Port())
	}

	if err := a.Send(local(b.Port()), []byte("hi")); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if d, ok := b.TryReceive(); ok {
			ttesting.AssertEqualString(t, "data", string(d.Data), "hi")
			ttesting.AssertTrue(t, "direct", !b.ViaRelay(d.Addr))
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("nothing received")
		}
		time.Sleep(5 * time.Millisecond)
	}

	err = a.Send(netip.MustParseAddrPort("[2001:db8::1]:5"), []byte("x"))
	ttesting.AssertTrue(t, "no v6 socket", err != nil)
}

func TestSocketPortInUse(t *testing.T) {
	a, err := NewSocket(Config{Loopback: true, IPv4Only: true})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	_, err = NewSocket(Config{Port: a.Port(), Loopback: true, IPv4Only: true})
	if !errors.Is(err, ErrNoPort) {
		t.Errorf("got %v; want ErrNoPort", err)
	}
}

func TestRelayTranslation(t *testing.T) {
	stub := loopbackClient(t)
	udp, err := ListenUDP(UDPConfig{Loopback: true, Destination: local(stub.Port())})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Unix(1000, 0)
	tun := &RelayTunnel{
		udp:       udp,
		server:    local(stub.Port()),
		Translate: true,
		bindings:  make(map[netip.AddrPort]binding),
		Now:       func() time.Time { return now },
	}
	defer tun.Close()

	real := netip.MustParseAddrPort("203.0.113.7:50001")
	fake := Translated(real)

	b, err := Wrap(real, []byte("hi"))
	if err != nil {
		t.Fatal(err)
	}
	stub.Send(local(udp.Port()), b)
	deadline := time.Now().Add(2 * time.Second)
	var d Datagram
	for {
		var ok bool
		if d, ok = tun.TryReceive(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("nothing relayed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	ttesting.AssertEqualString(t, "reported peer", d.Addr.String(), fake.String())
	ttesting.AssertEqualString(t, "data", string(d.Data), "hi")

	t.Run("reply", func(t *testing.T) {
		ttesting.AssertErrorIs(t, "Send", tun.Send(fake, []byte("ho")), nil)
		got, data, ok := Unwrap(receive(t, stub).Data)
		ttesting.AssertTrue(t, "envelope", ok)
		ttesting.AssertEqualString(t, "real peer", got.String(), real.String())
		ttesting.AssertEqualString(t, "data", string(data), "ho")
	})

	t.Run("kept within window", func(t *testing.T) {
		now = now.Add(BindingWindow - time.Second)
		tun.KeepAlive()
		ttesting.AssertEqualBytes(t, "keepalive", receive(t, stub).Data, []byte{RelayKeepAlive})
		ttesting.AssertErrorIs(t, "Send", tun.Send(fake, []byte("still")), nil)
		receive(t, stub)
	})

	t.Run("evicted", func(t *testing.T) {
		now = now.Add(2 * time.Second)
		tun.KeepAlive()
		ttesting.AssertEqualBytes(t, "keepalive", receive(t, stub).Data, []byte{RelayKeepAlive})
		ttesting.AssertErrorIs(t, "Send", tun.Send(fake, []byte("gone")), ErrUnbound)
	})

	t.Run("untranslated address", func(t *testing.T) {
		ttesting.AssertErrorIs(t, "Send", tun.Send(real, []byte("x")), ErrUnbound)
	})
}
