package authcode

import (
	"crypto/rand"
	"encoding/binary"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

// SecretFile is the file name under the server data directory holding the
// decimal server secret.
const SecretFile = "server_secret.txt"

// RandomInt64 returns a cryptographically random int64.
func RandomInt64() (int64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, errors.Wrap(err, "reading random bytes")
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

// ObtainSecret reads the server secret from path, creating it if the file is
// missing or unparsable.
func ObtainSecret(path string) (int64, error) {
	if data, err := ioutil.ReadFile(path); err == nil {
		if s, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); err == nil {
			return s, nil
		}
		glog.Warningf("replacing unparsable server secret in %s", path)
	} else if !os.IsNotExist(err) {
		return 0, errors.Wrapf(err, "reading %s", path)
	}

	s, err := RandomInt64()
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return 0, errors.Wrapf(err, "creating directory for %s", path)
	}
	if err := ioutil.WriteFile(path, []byte(strconv.FormatInt(s, 10)), 0o600); err != nil {
		return 0, errors.Wrapf(err, "writing %s", path)
	}
	return s, nil
}
