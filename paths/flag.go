package paths

import (
	"flag"
)

// SetupDataDirFlag creates a new string flag with the passed name, defaulting
// to the directory that already holds keyFile if there is one.
func SetupDataDirFlag(keyFile, flagName string, flagPtr *string) {
	flag.StringVar(flagPtr, flagName, DefaultDataDir(keyFile), "Directory holding "+keyFile+" and other server state")
}
