// Package atomicfile implements the broker's file-replacement contract:
// write to a sibling temp file, then swap it into place via rename,
// preserving a .bak copy of the prior contents until the swap succeeds.
package atomicfile

import (
	"os"
	"path/filepath"
)

const (
	tmpSuffix = ".tmp"
	bakSuffix = ".bak"
)

// Replace atomically writes data to path. If failAfterBackup is true and a
// prior file exists, the final rename is forced to fail immediately after
// the backup is created — used only to exercise the rollback branch in
// tests, never set in production.
//
// rolledBack is only meaningful when err != nil: it reports whether a
// prior version of the file was successfully restored to its canonical
// name after a failed swap.
func Replace(path string, data []byte, failAfterBackup bool) (rolledBack bool, err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return false, err
	}

	tmpPath := path + tmpSuffix
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return false, err
	}

	_, statErr := os.Stat(path)
	if os.IsNotExist(statErr) {
		if err := os.Rename(tmpPath, path); err != nil {
			_ = os.Remove(tmpPath)
			return false, err
		}
		return false, nil
	}

	bakPath := path + bakSuffix
	if err := os.Rename(path, bakPath); err != nil {
		_ = os.Remove(tmpPath)
		return false, err
	}

	if failAfterBackup {
		_ = os.Remove(tmpPath)
		restored := os.Rename(bakPath, path) == nil
		return restored, &swapError{}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		restored := os.Rename(bakPath, path) == nil
		return restored, err
	}

	_ = os.Remove(bakPath)
	return false, nil
}

type swapError struct{}

func (*swapError) Error() string { return "atomicfile: forced swap failure (fault injection)" }
