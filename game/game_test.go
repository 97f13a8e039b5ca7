package game

import (
	"math"
	"testing"

	"badc0de.net/pkg/go-larnix/commands"
	tnet "badc0de.net/pkg/go-larnix/net"
	"badc0de.net/pkg/go-larnix/ttesting"
)

func TestPlayerUpdate(t *testing.T) {
	m, err := tnet.NewMessage(&PlayerUpdate{X: 1.5, Y: -2, Rotation: 0.25, FixedFrame: 9})
	if err != nil {
		t.Fatalf("NewMessage: %s", err)
	}
	got := &PlayerUpdate{}
	if err := m.Decode(got); err != nil {
		t.Fatalf("Decode: %s", err)
	}
	ttesting.AssertTrue(t, "fields", *got == PlayerUpdate{X: 1.5, Y: -2, Rotation: 0.25, FixedFrame: 9})

	nan := float32(math.NaN())
	if _, err := (&PlayerUpdate{X: nan}).MarshalBinary(); err == nil {
		t.Errorf("marshalled a NaN coordinate")
	}
	body, err := write(&PlayerUpdate{Y: float32(math.Inf(1))})
	if err != nil {
		t.Fatalf("write: %s", err)
	}
	if err := (&PlayerUpdate{}).UnmarshalBinary(body); err == nil {
		t.Errorf("accepted an infinite coordinate")
	}
}

func TestBlockChangeFront(t *testing.T) {
	if _, err := (&BlockChange{Front: 2}).MarshalBinary(); err == nil {
		t.Errorf("marshalled front 2")
	}
	b, err := (&BlockChange{X: 1, Front: 1}).MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %s", err)
	}
	ttesting.AssertEqualInt(t, "size", len(b), 4+4+5+8+1)
	if err := (&BlockChange{}).UnmarshalBinary(b[:len(b)-1]); err == nil {
		t.Errorf("accepted a short body")
	}
}

func TestCodeInfo(t *testing.T) {
	m, err := tnet.NewMessage(&CodeInfo{Info: RespawnMe})
	if err != nil {
		t.Fatalf("NewMessage: %s", err)
	}
	ttesting.AssertEqualInt(t, "code", int(m.Code), int(RespawnMe))
	got := &CodeInfo{}
	if err := m.Decode(got); err != nil {
		t.Fatalf("Decode: %s", err)
	}
	ttesting.AssertEqualInt(t, "info", int(got.Info), int(RespawnMe))
}

func TestPolicies(t *testing.T) {
	p, err := Policies()
	if err != nil {
		t.Fatalf("Policies: %s", err)
	}
	ttesting.AssertEqualInt(t, "count", len(p), 3)
	id, err := commands.Default.IDOf(&BlockChange{})
	if err != nil {
		t.Fatalf("IDOf: %s", err)
	}
	ttesting.AssertEqualInt(t, "block change max", p[id].Max, 500)
	ttesting.AssertTrue(t, "block change hard", p[id].Hard)
}
