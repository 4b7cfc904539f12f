package boot

import (
	"fmt"
	"os"
	"path/filepath"
)

// probeWriteAccess verifies the process can create and remove a file
// under dataDir, exercising step 2's filesystem-access check distinctly
// from step 1's Stat-only config validation.
func probeWriteAccess(dataDir string) error {
	probe := filepath.Join(dataDir, ".boot-probe")
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("boot: data directory %q is not writable: %w", dataDir, err)
	}
	_ = f.Close()
	_ = os.Remove(probe)
	return nil
}

// storeSubdir returns the path of a namespaced subdirectory of dataDir; it
// does not create it.
func storeSubdir(dataDir, name string) string {
	return filepath.Join(dataDir, name)
}
