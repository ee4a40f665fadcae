package config

import (
	"os"
	"path/filepath"
	"time"
)

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultTarget is the package offered when no target was ever used.
	DefaultTarget = "com.mojang.minecraftpe"

	// DefaultSelfPackage is this tool's own package; it is never offered
	// as a target.
	DefaultSelfPackage = "dev.mitmctl"

	// DefaultGrantMode asks on the terminal.
	DefaultGrantMode = GrantPrompt

	// DefaultEngine runs the in-process simulation.
	DefaultEngine = EngineSim

	// DefaultSimDelay is how long the simulated interface takes to come up.
	DefaultSimDelay = 500 * time.Millisecond

	// DefaultEngineCommand is the engine binary on a remote device.
	DefaultEngineCommand = "mitm-engine"

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultConnTimeout is the SSH connection timeout.
	DefaultConnTimeout = 30 * time.Second

	// DefaultKeepAlive is how often a remote device link is pinged.
	DefaultKeepAlive = 15 * time.Second

	// DefaultListenAddr is where --serve exposes the control API.
	DefaultListenAddr = "127.0.0.1:8642"

	// DefaultShutdownTimeout bounds graceful HTTP shutdown.
	DefaultShutdownTimeout = 5 * time.Second

	// DefaultVerbose is normal output.
	DefaultVerbose = 1
)

// DefaultDir is the per-user state directory, ~/.mitmctl.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "mitmctl")
	}
	return filepath.Join(home, ".mitmctl")
}
