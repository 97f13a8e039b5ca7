package net_test

import (
	"testing"

	"github.com/pkg/errors"

	"badc0de.net/pkg/go-larnix/control"
	tnet "badc0de.net/pkg/go-larnix/net"
	"badc0de.net/pkg/go-larnix/secrets"
	"badc0de.net/pkg/go-larnix/ttesting"
)

func debugMessage(t *testing.T, text string) *tnet.Message {
	t.Helper()
	m, err := tnet.NewMessage(&control.DebugMessage{Text: text})
	if err != nil {
		t.Fatalf("NewMessage: %s", err)
	}
	return m
}

func TestFrameRoundTrip(t *testing.T) {
	session, err := secrets.GenerateSessionKey()
	if err != nil {
		t.Fatal(err)
	}
	rsaKey, err := secrets.GenerateRSAKey()
	if err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct {
		name string
		enc  secrets.Key
		dec  secrets.Key
	}{
		{"empty", secrets.Empty, secrets.Empty},
		{"session", session, session},
		{"rsa", rsaKey.PublicOnly(), rsaKey},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := tnet.NewFrame(42, 41, tnet.FlagFast, debugMessage(t, "hello "+tc.name))
			b, err := f.Encode(tc.enc)
			if err != nil {
				t.Fatalf("Encode: %s", err)
			}
			got, err := tnet.DecodeFrame(b, tc.dec)
			if err != nil {
				t.Fatalf("DecodeFrame: %s", err)
			}
			ttesting.AssertEqualInt(t, "seq", int(got.Seq), 42)
			ttesting.AssertEqualInt(t, "ack", int(got.Ack), 41)
			ttesting.AssertTrue(t, "fast", got.Has(tnet.FlagFast))

			m, err := got.Message()
			if err != nil {
				t.Fatalf("Message: %s", err)
			}
			var d control.DebugMessage
			if err := m.Decode(&d); err != nil {
				t.Fatalf("Decode: %s", err)
			}
			ttesting.AssertEqualString(t, "text", d.Text, "hello "+tc.name)
		})
	}
}

func TestFrameHeaderOnly(t *testing.T) {
	session, err := secrets.GenerateSessionKey()
	if err != nil {
		t.Fatal(err)
	}
	b, err := tnet.NewFrame(7, 3, tnet.FlagSYN|tnet.FlagAsymmetric, debugMessage(t, "x")).Encode(session)
	if err != nil {
		t.Fatal(err)
	}
	f, err := tnet.DecodeHeader(b)
	if err != nil {
		t.Fatalf("DecodeHeader: %s", err)
	}
	ttesting.AssertEqualInt(t, "seq", int(f.Seq), 7)
	ttesting.AssertTrue(t, "syn", f.Has(tnet.FlagSYN))
	ttesting.AssertTrue(t, "asymmetric", f.Has(tnet.FlagAsymmetric))
	ttesting.AssertTrue(t, "no body", f.Body == nil)
	if _, err := f.Message(); !errors.Is(err, tnet.ErrMalformed) {
		t.Errorf("Message on header-only frame: got %v; want ErrMalformed", err)
	}
}

func TestFrameRejects(t *testing.T) {
	session, err := secrets.GenerateSessionKey()
	if err != nil {
		t.Fatal(err)
	}
	other, err := secrets.GenerateSessionKey()
	if err != nil {
		t.Fatal(err)
	}
	good, err := tnet.NewFrame(5, 4, 0, debugMessage(t, "payload")).Encode(session)
	if err != nil {
		t.Fatal(err)
	}

	flip := func(i int) []byte {
		b := append([]byte(nil), good...)
		b[i] ^= 0x01
		return b
	}
	wrongVersion := append([]byte(nil), good...)
	wrongVersion[2] = 3
	sum := tnet.Checksum(wrongVersion[2:])
	wrongVersion[0], wrongVersion[1] = byte(sum), byte(sum>>8)

	// A header whose seq disagrees with the signature inside the body.
	resigned := append([]byte(nil), good...)
	resigned[4]++
	sum = tnet.Checksum(resigned[2:])
	resigned[0], resigned[1] = byte(sum), byte(sum>>8)

	for _, tc := range []struct {
		name string
		b    []byte
		key  secrets.Key
		want error
	}{
		{"short", good[:tnet.HeaderSize-1], session, tnet.ErrMalformed},
		{"checksum", flip(0), session, tnet.ErrMalformed},
		{"header bit", flip(9), session, tnet.ErrMalformed},
		{"body bit", flip(tnet.HeaderSize + 1), session, tnet.ErrMalformed},
		{"version", wrongVersion, session, tnet.ErrMalformed},
		{"wrong key", good, other, tnet.ErrMalformed},
		{"signature", resigned, session, tnet.ErrTampered},
	} {
		_, err := tnet.DecodeFrame(tc.b, tc.key)
		ttesting.AssertErrorIs(t, tc.name, err, tc.want)
	}
}

func TestChecksumWraps(t *testing.T) {
	b := make([]byte, 300)
	for i := range b {
		b[i] = 0xFF
	}
	ttesting.AssertEqualInt(t, "sum", int(tnet.Checksum(b)), (300*0xFF)&0xFFFF)
}
