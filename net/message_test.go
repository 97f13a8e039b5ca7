package net

import (
	"testing"

	"badc0de.net/pkg/go-larnix/commands"
	"badc0de.net/pkg/go-larnix/ttesting"
)

type blob struct {
	data []byte
}

func (b *blob) Code() byte { return 0 }

func (b *blob) MarshalBinary() ([]byte, error) { return b.data, nil }

func (b *blob) UnmarshalBinary(data []byte) error {
	b.data = append([]byte(nil), data...)
	return nil
}

type quietBlob struct {
	blob
}

func (q *quietBlob) SuppressSizeWarning() bool { return true }

func TestOversize(t *testing.T) {
	r := commands.NewRegistry()
	r.Register("test", "Blob", func() commands.Payload { return &blob{} })
	r.Register("test", "QuietBlob", func() commands.Payload { return &quietBlob{} })

	for _, tc := range []struct {
		name string
		p    commands.Payload
		want bool
	}{
		{"small", &blob{data: make([]byte, 100)}, false},
		{"at limit", &blob{data: make([]byte, SoftBodySize)}, false},
		{"large", &blob{data: make([]byte, 2000)}, true},
		{"large with suppressed warning", &quietBlob{blob{data: make([]byte, 2000)}}, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, err := NewMessageFrom(r, tc.p)
			if err != nil {
				t.Fatalf("NewMessageFrom: %s", err)
			}
			ttesting.AssertTrue(t, "oversize", m.Oversize() == tc.want)
		})
	}

	_, err := NewMessageFrom(r, &blob{data: make([]byte, MaxBodySize+1)})
	ttesting.AssertErrorIs(t, "over the hard limit", err, ErrTooLarge)
}
