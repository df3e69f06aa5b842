package state

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths is the canonical durable layout under the client data dir.
type Paths struct {
	Store string // pebble database (queue + cached conversations)
	Tmp   string // scratch space for atomic writes
}

// PathsVar holds the resolved layout for the running process. It is set by
// EnsureStateDirs during startup.
var PathsVar Paths

// EnsureStateDirs ensures the runtime folder layout exists under the client
// data dir. It rejects symlinks and permissive modes, and verifies the
// process can write to each directory.
func EnsureStateDirs(dataDir string) error {
	storePath := filepath.Join(dataDir, "store")
	tmpPath := filepath.Join(dataDir, "state", "tmp")

	for _, p := range []string{storePath, tmpPath} {
		// ensure parent exists
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return fmt.Errorf("cannot create parent for %s: %w", p, err)
		}

		// if path exists, reject symlinks and non-directories
		if fi, err := os.Lstat(p); err == nil {
			if fi.Mode()&os.ModeSymlink != 0 {
				return fmt.Errorf("path is a symlink: %s", p)
			}
			if !fi.IsDir() {
				return fmt.Errorf("path exists and is not a directory: %s", p)
			}
			if fi.Mode().Perm()&0o022 != 0 {
				return fmt.Errorf("path has permissive mode (group/other write): %s", p)
			}
		}

		if err := os.MkdirAll(p, 0o700); err != nil {
			return fmt.Errorf("cannot create path %s: %w", p, err)
		}

		// writability check: create and remove a temp file
		tmp, err := os.CreateTemp(p, ".validate-*")
		if err != nil {
			return fmt.Errorf("path not writable: %s: %w", p, err)
		}
		tmp.Close()
		_ = os.Remove(tmp.Name())
	}

	PathsVar = Paths{Store: storePath, Tmp: tmpPath}
	return nil
}
