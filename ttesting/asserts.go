// Package ttesting holds assertion helpers shared by the tests.
package ttesting

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
)

func AssertEqualInt(t *testing.T, name string, got, want int) {
	t.Run(name, func(t *testing.T) {
		if got != want {
			t.Errorf("got %d; want %d", got, want)
		}
	})
}

func AssertEqualUint32(t *testing.T, name string, got, want uint32) {
	t.Run(name, func(t *testing.T) {
		if got != want {
			t.Errorf("got %d; want %d", got, want)
		}
	})
}

func AssertInRangeUint32(t *testing.T, name string, got, wantMin, wantMax uint32) {
	t.Run(name, func(t *testing.T) {
		if got < wantMin || got > wantMax {
			t.Errorf("got %d; want [%d,%d]", got, wantMin, wantMax)
		}
	})
}


func AssertEqualBytes(t *testing.T, name string, got, want []byte) {
	t.Run(name, func(t *testing.T) {
		if !bytes.Equal(got, want) {
			t.Errorf("got %x; want %x", got, want)
		}
	})
}

func AssertEqualString(t *testing.T, name string, got, want string) {
	t.Run(name, func(t *testing.T) {
		if got != want {
			t.Errorf("got %q; want %q", got, want)
		}
	})
}

func AssertTrue(t *testing.T, name string, got bool) {
	t.Run(name, func(t *testing.T) {
		if !got {
			t.Errorf("got false; want true")
		}
	})
}

// AssertErrorIs checks errors.Is(got, want); a nil want expects no error.
func AssertErrorIs(t *testing.T, name string, got, want error) {
	t.Run(name, func(t *testing.T) {
		if want == nil {
			if got != nil {
				t.Errorf("got error %v; want none", got)
			}
			return
		}
		if !errors.Is(got, want) {
			t.Errorf("got %v; want %v", got, want)
		}
	})
}
