package relay

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"badc0de.net/pkg/go-larnix/transport"
	"badc0de.net/pkg/go-larnix/ttesting"
)

func TestSlots(t *testing.T) {
	s := newSlots(30000, 30009)
	a := netip.MustParseAddr("198.51.100.1")
	b := netip.MustParseAddr("198.51.100.200")

	pa := s.preferred(a)
	ttesting.AssertTrue(t, "same /24 same port", pa == s.preferred(b))
	ttesting.AssertTrue(t, "in range", pa >= 30000 && pa <= 30009)

	got, ok := s.take(a)
	ttesting.AssertTrue(t, "first take", ok && got == pa)
	second, ok := s.take(b)
	ttesting.AssertTrue(t, "second take", ok && second != pa)

	for i := 2; i < 10; i++ {
		if _, ok := s.take(a); !ok {
			t.Fatalf("take %d failed with free ports", i)
		}
	}
	_, ok = s.take(a)
	ttesting.AssertTrue(t, "full", !ok)

	s.release(pa)
	got, ok = s.take(b)
	ttesting.AssertTrue(t, "preferred again after release", ok && got == pa)
}

func TestExpiringSet(t *testing.T) {
	now := time.Unix(1700000000, 0)
	e := newExpiringSet[string](15 * time.Second)
	e.Add("a", now)
	e.Add("b", now.Add(10*time.Second))

	ttesting.AssertTrue(t, "fresh", e.Contains("a", now.Add(14*time.Second)))
	ttesting.AssertTrue(t, "expired", !e.Contains("a", now.Add(15*time.Second)))
	ttesting.AssertTrue(t, "unknown", !e.Contains("c", now))
	ttesting.AssertEqualInt(t, "cleanup", e.Cleanup(now.Add(16*time.Second)), 1)

	e.Add("a", now.Add(20*time.Second))
	ttesting.AssertTrue(t, "refreshed", e.Contains("a", now.Add(30*time.Second)))
}

func TestAllowSharesBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTransferPerSecond = 2000
	r := &Relay{
		cfg:      cfg,
		servers:  make(map[netip.AddrPort]*listener),
		transfer: make(map[netip.AddrPort]int),
	}
	a := netip.MustParseAddrPort("192.0.2.1:1000")
	b := netip.MustParseAddrPort("192.0.2.2:1000")

	ttesting.AssertTrue(t, "no servers", !r.allow(a, 1))

	r.servers[a] = &listener{}
	ttesting.AssertTrue(t, "whole window", r.allow(a, 200))
	ttesting.AssertTrue(t, "window spent", !r.allow(a, 1))

	r.resetTransfer()
	r.servers[b] = &listener{}
	ttesting.AssertTrue(t, "half each", r.allow(a, 100))
	ttesting.AssertTrue(t, "no more than half", !r.allow(a, 1))
	ttesting.AssertTrue(t, "b has its own half", r.allow(b, 100))
}

func newTestRelay(t *testing.T, base uint16, tweak func(*Config)) *Relay {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Port = 0
	cfg.Loopback = true
	cfg.MinPort = base
	cfg.MaxPort = base + 19
	cfg.RecvBuffer = 256 * 1024
	if tweak != nil {
		tweak(&cfg)
	}
	r, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := r.Run(ctx); err != nil {
			t.Errorf("Run: %s", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		r.Close()
	})
	return r
}

func within(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRelayForwards(t *testing.T) {
	r := newTestRelay(t, 41200, nil)
	loop := netip.MustParseAddr("127.0.0.1")

	tunnel, err := transport.DialRelay(context.Background(), netip.AddrPortFrom(loop, uint16(r.Port())).String())
	if err != nil {
		t.Fatalf("DialRelay: %s", err)
	}
	port := tunnel.Port()
	ttesting.AssertTrue(t, "port in range", port >= 41200 && port <= 41219)
	ttesting.AssertEqualInt(t, "one server", r.Servers(), 1)

	client, err := transport.ListenUDP(transport.UDPConfig{Loopback: true, Listener: true})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	public := netip.AddrPortFrom(loop, port)

	client.Send(public, []byte("hello"))
	var got transport.Datagram
	within(t, "relayed datagram", func() bool {
		var ok bool
		got, ok = tunnel.TryReceive()
		return ok
	})
	ttesting.AssertEqualString(t, "to server", string(got.Data), "hello")
	ttesting.AssertEqualInt(t, "client port", int(got.Addr.Port()), client.Port())

	if err := tunnel.Send(got.Addr, []byte("world")); err != nil {
		t.Fatal(err)
	}
	var back transport.Datagram
	within(t, "reply", func() bool {
		var ok bool
		back, ok = client.TryReceive()
		return ok
	})
	ttesting.AssertEqualString(t, "to client", string(back.Data), "world")
	ttesting.AssertTrue(t, "from public port", back.Addr == public)

	tunnel.Close()
	within(t, "server removal", func() bool { return r.Servers() == 0 })
}

func TestRelayDropsUnknownClients(t *testing.T) {
	r := newTestRelay(t, 41230, nil)
	loop := netip.MustParseAddr("127.0.0.1")
	tunnel, err := transport.DialRelay(context.Background(), netip.AddrPortFrom(loop, uint16(r.Port())).String())
	if err != nil {
		t.Fatal(err)
	}
	defer tunnel.Close()

	stranger, err := transport.ListenUDP(transport.UDPConfig{Loopback: true, Listener: true})
	if err != nil {
		t.Fatal(err)
	}
	defer stranger.Close()

	if err := tunnel.Send(netip.AddrPortFrom(loop, uint16(stranger.Port())), []byte("unsolicited")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if d, ok := stranger.TryReceive(); ok {
		t.Errorf("stranger received %q", d.Data)
	}
}

func TestRelayServerLimit(t *testing.T) {
	r := newTestRelay(t, 41260, func(cfg *Config) { cfg.MaxServersPerIP = 1 })

	addr := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(r.Port())).String()
	first, err := transport.DialRelay(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	if second, err := transport.DialRelay(context.Background(), addr); err == nil {
		second.Close()
		t.Error("second server from the same address was admitted")
	}
}

// startSocket binds a loopback socket that registers with r.
func startSocket(t *testing.T, r *Relay, translate bool) (*transport.Socket, netip.AddrPort) {
	t.Helper()
	s, err := transport.NewSocket(transport.Config{Loopback: true, IPv4Only: true, TranslateRelay: translate})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	loop := netip.MustParseAddr("127.0.0.1")
	if err := s.StartRelay(context.Background(), netip.AddrPortFrom(loop, uint16(r.Port())).String()); err != nil {
		t.Fatalf("StartRelay: %s", err)
	}
	return s, netip.AddrPortFrom(loop, s.Relay().Port())
}

func TestSocketRelayFailover(t *testing.T) {
	r := newTestRelay(t, 41290, nil)
	sock, public := startSocket(t, r, false)
	direct := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(sock.Port()))

	client, err := transport.ListenUDP(transport.UDPConfig{Loopback: true, Listener: true})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	exchange := func(t *testing.T, to netip.AddrPort, msg string) (viaRelay bool, replyFrom netip.AddrPort) {
		t.Helper()
		client.Send(to, []byte(msg))
		var got transport.Datagram
		within(t, "arrival", func() bool {
			var ok bool
			got, ok = sock.TryReceive()
			return ok
		})
		ttesting.AssertEqualString(t, "data", string(got.Data), msg)
		ttesting.AssertEqualInt(t, "client port", int(got.Addr.Port()), client.Port())
		viaRelay = sock.ViaRelay(got.Addr)
		if err := sock.Send(got.Addr, []byte("re:"+msg)); err != nil {
			t.Fatalf("Send: %s", err)
		}
		var back transport.Datagram
		within(t, "reply", func() bool {
			var ok bool
			back, ok = client.TryReceive()
			return ok
		})
		ttesting.AssertEqualString(t, "reply", string(back.Data), "re:"+msg)
		return viaRelay, back.Addr
	}

	t.Run("through relay", func(t *testing.T) {
		via, from := exchange(t, public, "one")
		ttesting.AssertTrue(t, "via relay", via)
		ttesting.AssertEqualString(t, "reply from", from.String(), public.String())
	})
	t.Run("then direct", func(t *testing.T) {
		via, from := exchange(t, direct, "two")
		ttesting.AssertTrue(t, "direct", !via)
		ttesting.AssertEqualString(t, "reply from", from.String(), direct.String())
	})
	t.Run("relay again", func(t *testing.T) {
		via, from := exchange(t, public, "three")
		ttesting.AssertTrue(t, "via relay", via)
		ttesting.AssertEqualString(t, "reply from", from.String(), public.String())
	})
}

func TestSocketRelayTranslated(t *testing.T) {
	r := newTestRelay(t, 41320, nil)
	sock, public := startSocket(t, r, true)

	client, err := transport.ListenUDP(transport.UDPConfig{Loopback: true, Listener: true})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	client.Send(public, []byte("hi"))
	var got transport.Datagram
	within(t, "arrival", func() bool {
		var ok bool
		got, ok = sock.TryReceive()
		return ok
	})
	real := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(client.Port()))
	ttesting.AssertEqualString(t, "stand-in", got.Addr.String(), transport.Translated(real).String())
	ttesting.AssertTrue(t, "via relay", sock.ViaRelay(got.Addr))

	if err := sock.Send(got.Addr, []byte("ho")); err != nil {
		t.Fatalf("Send: %s", err)
	}
	var back transport.Datagram
	within(t, "reply", func() bool {
		var ok bool
		back, ok = client.TryReceive()
		return ok
	})
	ttesting.AssertEqualString(t, "reply", string(back.Data), "ho")
	ttesting.AssertEqualString(t, "from public port", back.Addr.String(), public.String())
}
