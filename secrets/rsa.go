package secrets

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"io/ioutil"
	"math/big"
	"os"
	"path/filepath"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

const (
	// RSABits is the size of the server key pair.
	RSABits = 2048

	// PublicKeySize is the wire size of an exported public key: the modulus
	// followed by the exponent zero-padded to 8 bytes.
	PublicKeySize = RSABits/8 + 8

	modulusSize = RSABits / 8

	// oaepChunk is the largest plaintext a single OAEP-SHA1 block carries.
	oaepChunk = modulusSize - 2*sha1.Size - 2
)

// RSAKey is the asymmetric bootstrap key. A client holds the public part,
// obtained out of band, and uses it once to carry the session key to the
// server.
type RSAKey struct {
	pub  *rsa.PublicKey
	priv *rsa.PrivateKey
}

func GenerateRSAKey() (*RSAKey, error) {
	pk, err := rsa.GenerateKey(rand.Reader, RSABits)
	if err != nil {
		return nil, errors.Wrap(err, "generating rsa key")
	}
	return &RSAKey{pub: &pk.PublicKey, priv: pk}, nil
}

// NewRSAKey wraps an existing private key.
func NewRSAKey(pk *rsa.PrivateKey) (*RSAKey, error) {
	if pk.N.BitLen() != RSABits {
		return nil, errors.Errorf("rsa key is %d bits; want %d", pk.N.BitLen(), RSABits)
	}
	return &RSAKey{pub: &pk.PublicKey, priv: pk}, nil
}

// ImportPublicKey builds a public-only key from its exported form.
func ImportPublicKey(b [PublicKeySize]byte) (*RSAKey, error) {
	n := new(big.Int).SetBytes(b[:modulusSize])
	e := new(big.Int).SetBytes(b[modulusSize:])
	if n.BitLen() != RSABits {
		return nil, errors.Errorf("imported modulus is %d bits; want %d", n.BitLen(), RSABits)
	}
	if !e.IsInt64() || e.Int64() < 3 || e.Int64() > 1<<31-1 {
		return nil, errors.Errorf("imported exponent %s out of range", e)
	}
	return &RSAKey{pub: &rsa.PublicKey{N: n, E: int(e.Int64())}}, nil
}

// ExportPublicKey returns the fixed-size encoding of the public key.
func (k *RSAKey) ExportPublicKey() [PublicKeySize]byte {
	var out [PublicKeySize]byte
	k.pub.N.FillBytes(out[:modulusSize])
	big.NewInt(int64(k.pub.E)).FillBytes(out[modulusSize:])
	return out
}

func (k *RSAKey) HasPrivate() bool {
	return k.priv != nil
}

// PublicOnly returns a copy of the key without its private part.
func (k *RSAKey) PublicOnly() *RSAKey {
	return &RSAKey{pub: k.pub}
}

// Encrypt seals plaintext in OAEP-SHA1 blocks.
func (k *RSAKey) Encrypt(plaintext []byte) ([]byte, error) {
	out := make([]byte, 0, (len(plaintext)/oaepChunk+1)*modulusSize)
	for len(plaintext) > 0 || len(out) == 0 {
		n := len(plaintext)
		if n > oaepChunk {
			n = oaepChunk
		}
		block, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, k.pub, plaintext[:n], nil)
		if err != nil {
			return nil, errors.Wrap(err, "rsa encrypt")
		}
		out = append(out, block...)
		plaintext = plaintext[n:]
	}
	return out, nil
}

// Decrypt opens OAEP-SHA1 blocks. It panics with ErrPublicOnly when called
// on a key without its private part, since that is a programming error and
// not bad input.
func (k *RSAKey) Decrypt(ciphertext []byte) []byte {
	if k.priv == nil {
		panic(ErrPublicOnly)
	}
	if len(ciphertext) == 0 || len(ciphertext)%modulusSize != 0 {
		return []byte{}
	}
	var out []byte
	for i := 0; i < len(ciphertext); i += modulusSize {
		plain, err := rsa.DecryptOAEP(sha1.New(), nil, k.priv, ciphertext[i:i+modulusSize], nil)
		if err != nil {
			return []byte{}
		}
		out = append(out, plain...)
	}
	return out
}

// PrivateKeyFile is the file name under the server data directory holding
// the server key.
const PrivateKeyFile = "private_key.pem"

// LoadOrGenerateRSAKey reads a PKCS#1 PEM private key from path. If the file
// does not exist or does not hold a usable key, a new key is generated and
// written there.
func LoadOrGenerateRSAKey(path string) (*RSAKey, error) {
	if data, err := ioutil.ReadFile(path); err == nil {
		if k, err := parsePEM(data); err == nil {
			glog.V(2).Infof("loaded rsa key from %s", path)
			return k, nil
		} else {
			glog.Warningf("ignoring unusable rsa key %s: %s", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "reading %s", path)
	}

	k, err := GenerateRSAKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrapf(err, "creating directory for %s", path)
	}
	data := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(k.priv),
	})
	if err := ioutil.WriteFile(path, data, 0o600); err != nil {
		return nil, errors.Wrapf(err, "writing %s", path)
	}
	glog.Infof("generated new rsa key at %s", path)
	return k, nil
}

func parsePEM(data []byte) (*RSAKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no pem block")
	}
	pk, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parsing pkcs1 key")
	}
	return NewRSAKey(pk)
}
