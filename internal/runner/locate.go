package runner

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// workerBinary is the Worker CLI executable name.
const workerBinary = "opencode"

// Locate finds the Worker CLI: PATH first, then the usual install
// locations. Returns the first hit.
func Locate() (string, error) {
	if path, err := exec.LookPath(workerBinary); err == nil {
		return path, nil
	}

	var candidates []string
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".opencode", "bin", workerBinary),
			filepath.Join(home, ".local", "bin", workerBinary),
		)
	}
	candidates = append(candidates,
		filepath.Join("/usr", "local", "bin", workerBinary),
		filepath.Join("/opt", "homebrew", "bin", workerBinary),
	)

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		return candidate, nil
	}
	return "", fmt.Errorf("%s binary not found in PATH or known install locations", workerBinary)
}
