// Package paths locates the directory holding a server's persistent state:
// its private key, its secret and the user database.
package paths

import (
	"os"
	"path/filepath"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

// EnvDataDir overrides the default data directory.
const EnvDataDir = "LARNIX_DATA"

// possibleDirs lists the places searched for existing state, most specific
// first.
func possibleDirs() []string {
	var dirs []string
	if d := os.Getenv(EnvDataDir); d != "" {
		dirs = append(dirs, d)
	}
	if d, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(d, "larnix"))
	}
	return append(dirs, ".")
}

// Find returns the first directory among the usual places which already
// contains fileName, or "" when none does.
func Find(fileName string) string {
	for _, dir := range possibleDirs() {
		if _, err := os.Stat(filepath.Join(dir, fileName)); err == nil {
			glog.V(2).Infof("paths.Find(%q)=%s", fileName, dir)
			return dir
		}
	}
	return ""
}

// DefaultDataDir is where a server keeps its state when not told otherwise:
// wherever a private key already exists, else the first usual place.
func DefaultDataDir(keyFile string) string {
	if d := Find(keyFile); d != "" {
		return d
	}
	return possibleDirs()[0]
}

// Ensure creates dir if needed and returns it cleaned.
func Ensure(dir string) (string, error) {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errors.Wrapf(err, "creating data directory %q", dir)
	}
	return dir, nil
}
