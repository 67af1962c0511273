package runner

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/zjrosen/ocmcp/internal/log"
)

// versionProbeTimeout bounds the health check's version invocation.
const versionProbeTimeout = 5 * time.Second

// CLIHealth reports whether the Worker CLI is runnable.
type CLIHealth struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

// CheckCLI probes the Worker CLI with its version flag.
func (r *Runner) CheckCLI(ctx context.Context) CLIHealth {
	bin, err := r.resolveBin()
	if err != nil {
		return CLIHealth{Available: false, Error: err.Error()}
	}

	probeCtx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()

	// #nosec G204 -- bin comes from Locate or operator config, fixed flag
	out, err := exec.CommandContext(probeCtx, bin, versionFlag).Output()
	if err != nil {
		log.Debug(log.CatRunner, "Version probe failed", "bin", bin, "error", err)
		return CLIHealth{Available: false, Error: err.Error()}
	}
	return CLIHealth{Available: true, Version: strings.TrimSpace(string(out))}
}
