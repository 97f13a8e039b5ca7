package secrets

import (
	"bytes"
	"io/ioutil"
	"path/filepath"
	"testing"

	"badc0de.net/pkg/go-larnix/ttesting"
)

func TestSessionKey(t *testing.T) {
	k, err := GenerateSessionKey()
	if err != nil {
		t.Fatal(err)
	}
	plain := []byte("seven hundred and one")
	a, err := k.Encrypt(plain)
	if err != nil {
		t.Fatal(err)
	}
	b, err := k.Encrypt(plain)
	if err != nil {
		t.Fatal(err)
	}
	ttesting.AssertTrue(t, "fresh nonce", !bytes.Equal(a, b))
	ttesting.AssertEqualBytes(t, "decrypt", k.Decrypt(a), plain)

	a[len(a)-1] ^= 1
	ttesting.AssertEqualInt(t, "forged", len(k.Decrypt(a)), 0)
	ttesting.AssertEqualInt(t, "short", len(k.Decrypt([]byte{1, 2, 3})), 0)

	again, err := NewSessionKey(k.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	ttesting.AssertEqualBytes(t, "rebuilt key decrypts", again.Decrypt(b), plain)

	if _, err := NewSessionKey(make([]byte, 5)); err == nil {
		t.Error("short key accepted")
	}
}

func TestEmptyKey(t *testing.T) {
	in := []byte{1, 2, 3}
	out, err := Empty.Encrypt(in)
	if err != nil {
		t.Fatal(err)
	}
	out[0] = 9
	ttesting.AssertEqualInt(t, "input untouched", int(in[0]), 1)
	ttesting.AssertEqualBytes(t, "decrypt", Empty.Decrypt(in), in)
}

func TestRSAKey(t *testing.T) {
	k, err := GenerateRSAKey()
	if err != nil {
		t.Fatal(err)
	}
	exported := k.ExportPublicKey()
	pub, err := ImportPublicKey(exported)
	if err != nil {
		t.Fatal(err)
	}
	ttesting.AssertTrue(t, "public only", !pub.HasPrivate())
	ttesting.AssertTrue(t, "export stable", pub.ExportPublicKey() == exported)

	for _, n := range []int{0, 1, oaepChunk, oaepChunk + 1, 3*oaepChunk + 7} {
		plain := bytes.Repeat([]byte{0xA5}, n)
		enc, err := pub.Encrypt(plain)
		if err != nil {
			t.Fatal(err)
		}
		got := k.Decrypt(enc)
		ttesting.AssertEqualInt(t, "length", len(got), n)
		ttesting.AssertTrue(t, "content", bytes.Equal(got, plain))
	}
	ttesting.AssertEqualInt(t, "misaligned", len(k.Decrypt(make([]byte, modulusSize+1))), 0)

	defer func() {
		if recover() == nil {
			t.Error("Decrypt with public key did not panic")
		}
	}()
	pub.Decrypt(make([]byte, modulusSize))
}

func TestLoadOrGenerateRSAKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", PrivateKeyFile)
	a, err := LoadOrGenerateRSAKey(path)
	if err != nil {
		t.Fatal(err)
	}
	b, err := LoadOrGenerateRSAKey(path)
	if err != nil {
		t.Fatal(err)
	}
	ttesting.AssertTrue(t, "same key after reload", a.ExportPublicKey() == b.ExportPublicKey())

	if err := ioutil.WriteFile(path, []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := LoadOrGenerateRSAKey(path)
	if err != nil {
		t.Fatal(err)
	}
	ttesting.AssertTrue(t, "garbage replaced", c.ExportPublicKey() != a.ExportPublicKey())
}
