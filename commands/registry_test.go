package commands

import (
	"testing"

	"github.com/pkg/errors"

	"badc0de.net/pkg/go-larnix/ttesting"
)

type testPayload struct{ name string }

func (*testPayload) Code() byte                       { return 0 }
func (*testPayload) MarshalBinary() ([]byte, error)   { return nil, nil }
func (*testPayload) UnmarshalBinary(data []byte) error { return nil }

type (
	pNone    struct{ testPayload }
	pStop    struct{ testPayload }
	pAllow   struct{ testPayload }
	pZebra   struct{ testPayload }
	pApple   struct{ testPayload }
	pExtra   struct{ testPayload }
	pUnknown struct{ testPayload }
)

func testRegistry() *Registry {
	r := NewRegistry()
	// Registration order must not matter.
	r.Register("zoo", "Zebra", func() Payload { return &pZebra{} })
	r.Register(CoreModule, "Stop", func() Payload { return &pStop{} })
	r.Register("alpha", "Apple", func() Payload { return &pApple{} })
	r.Register(CoreModule, "Extra", func() Payload { return &pExtra{} })
	r.Register(CoreModule, "AllowConnection", func() Payload { return &pAllow{} })
	r.Register(CoreModule, "None", func() Payload { return &pNone{} })
	return r
}

func TestRegistryIDs(t *testing.T) {
	r := testRegistry()
	for _, tc := range []struct {
		name string
		p    Payload
		want ID
	}{
		{"None pinned", &pNone{}, 0},
		{"AllowConnection pinned", &pAllow{}, 1},
		{"Stop pinned", &pStop{}, 2},
		{"unpinned core first", &pExtra{}, ID(len(Pinned))},
		{"then modules by name", &pApple{}, ID(len(Pinned) + 1)},
		{"last module", &pZebra{}, ID(len(Pinned) + 2)},
	} {
		id, err := r.IDOf(tc.p)
		if err != nil {
			t.Fatalf("%s: %s", tc.name, err)
		}
		ttesting.AssertEqualInt(t, tc.name, int(id), int(tc.want))
	}

	if _, err := r.IDOf(&pUnknown{}); !errors.Is(err, ErrUnknownType) {
		t.Errorf("IDOf(unknown): got %v; want ErrUnknownType", err)
	}
	if _, err := r.New(999); !errors.Is(err, ErrUnknownID) {
		t.Errorf("New(999): got %v; want ErrUnknownID", err)
	}
	p, err := r.New(ID(len(Pinned) + 1))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(*pApple); !ok {
		t.Errorf("New: got %T; want *pApple", p)
	}
	ttesting.AssertEqualString(t, "name", r.Name(2), "core.Stop")
	ttesting.AssertEqualInt(t, "entries", len(r.Entries()), 6)
}

func TestRegistryStable(t *testing.T) {
	a, b := testRegistry(), testRegistry()
	for _, e := range a.Entries() {
		id, err := b.IDOf(e.factory())
		if err != nil {
			t.Fatal(err)
		}
		ttesting.AssertEqualInt(t, e.Module+"."+e.Name, int(id), int(e.ID))
	}
}

func TestRegisterAfterFreezePanics(t *testing.T) {
	r := testRegistry()
	r.Entries()
	defer func() {
		if recover() == nil {
			t.Error("Register after lookup did not panic")
		}
	}()
	r.Register("late", "Late", func() Payload { return &pUnknown{} })
}

func TestRegisterTwicePanics(t *testing.T) {
	r := NewRegistry()
	r.Register("m", "A", func() Payload { return &pApple{} })
	defer func() {
		if recover() == nil {
			t.Error("duplicate Register did not panic")
		}
	}()
	r.Register("m", "B", func() Payload { return &pApple{} })
}
