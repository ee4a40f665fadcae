// Package cmd wires up the CLI flags and dispatches to the session
// controller.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"mitmctl/config"
)

// version is overridable at link time:
//
//	go build -ldflags "-X mitmctl/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// streams are the process's standard streams; tests substitute them.
type streams struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	// assumeTTY treats in as a terminal for the prompt gate.
	assumeTTY bool
}

// Execute parses args and runs mitmctl.
func Execute(ctx context.Context, args []string) error {
	return execute(ctx, args, streams{in: os.Stdin, out: os.Stdout, errOut: os.Stderr})
}

func execute(ctx context.Context, args []string, std streams) error {
	// ── defaults → file → env ────────────────────────────────────
	cfg := config.Defaults()
	path := preScanConfig(args)
	if path == "" {
		path = config.ConfigFileFromEnv()
	}
	if path != "" {
		if err := config.LoadFile(path, cfg); err != nil {
			return err
		}
	}
	config.LoadFromEnv(cfg)

	// ── flags ────────────────────────────────────────────────────
	fs := flag.NewFlagSet("mitmctl", flag.ContinueOnError)
	fs.SetOutput(std.errOut)

	var configPath string
	fs.StringVarP(&configPath, "config", "c", path, "YAML config file (env MITM_CONFIG)")

	// ── session ──────────────────────────────────────────────────
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "Directory for apps, grants, state and journal")
	fs.StringVar(&cfg.AppsFile, "apps", cfg.AppsFile, "App inventory file (default <state-dir>/apps.yaml)")
	fs.BoolVarP(&cfg.ListApps, "list-apps", "L", false, "List choosable apps and exit")

	// ── privileges ───────────────────────────────────────────────
	fs.StringVarP(&cfg.GrantMode, "grants", "g", cfg.GrantMode, "How grants are answered: prompt, file, auto")
	fs.StringVar(&cfg.GrantsFile, "grants-file", cfg.GrantsFile, "Grants file for --grants=file (default <state-dir>/grants.yaml)")
	fs.DurationVar(&cfg.GrantTimeout, "grant-timeout", cfg.GrantTimeout, "Give up on an unanswered grant after this long (0 = wait forever)")

	// ── tunnel ───────────────────────────────────────────────────
	fs.StringVar(&cfg.Address, "address", cfg.Address, "Interface address (CIDR)")
	fs.StringSliceVar(&cfg.Routes, "route", cfg.Routes, "Route captured by the interface (repeatable)")
	fs.IntVar(&cfg.MTU, "mtu", cfg.MTU, "Interface MTU")
	fs.StringVar(&cfg.Label, "label", cfg.Label, "Session label shown by the host")

	// ── engine ───────────────────────────────────────────────────
	fs.StringVarP(&cfg.Engine, "engine", "E", cfg.Engine, "Tunnel engine: sim, ssh")
	fs.DurationVar(&cfg.SimDelay, "sim-delay", cfg.SimDelay, "Start/stop latency of the sim engine")
	fs.StringVarP(&cfg.Device, "device", "d", cfg.Device, "Device running the engine, [user@]host[:port]")
	fs.StringVar(&cfg.EngineCommand, "engine-command", cfg.EngineCommand, "Engine binary on the device")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHosts, "known-hosts", cfg.KnownHosts, "Custom known_hosts path")
	fs.DurationVarP(&cfg.ConnTimeout, "timeout", "w", cfg.ConnTimeout, "SSH connect timeout")
	fs.DurationVar(&cfg.KeepAlive, "keepalive", cfg.KeepAlive, "Ping the device link this often (0 = off)")

	// ── daemon ───────────────────────────────────────────────────
	fs.BoolVar(&cfg.Serve, "serve", cfg.Serve, "Run the HTTP control API instead of a single toggle")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "API listen address")
	fs.StringVar(&cfg.JournalFile, "journal", cfg.JournalFile, "Transition journal (default <state-dir>/journal.db)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "How long to wait for the engine and API to stop")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	var quiet bool
	fs.BoolVarP(&quiet, "quiet", "q", false, "Only print errors")

	var showVersion, showHelp, dryRun bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")
	fs.BoolVar(&dryRun, "dry-run", false, "Validate and print the resolved configuration")

	fs.Usage = func() { printUsage(std.errOut, fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}
	if showHelp {
		printUsage(std.errOut, fs)
		return nil
	}
	if showVersion {
		fmt.Fprintf(std.out, "mitmctl %s\n", version)
		return nil
	}
	if quiet {
		cfg.Verbose = 0
	}

	switch rest := fs.Args(); len(rest) {
	case 0:
	case 1:
		cfg.Target = strings.TrimSpace(rest[0])
	default:
		return fmt.Errorf("expected at most one package, got %d (use --help for usage)", len(rest))
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}
	if dryRun {
		return printConfig(std.out, cfg)
	}

	return run(ctx, cfg, std)
}

// preScanConfig finds --config / -c before the full parse so the file
// can sit beneath environment and flags.
func preScanConfig(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--":
			return ""
		case a == "--config" || a == "-c":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		case strings.HasPrefix(a, "-c") && len(a) > 2 && !strings.HasPrefix(a, "--"):
			return strings.TrimPrefix(strings.TrimPrefix(a, "-c"), "=")
		}
	}
	return ""
}

func printConfig(w io.Writer, cfg *config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, `mitmctl – per-app interception session controller v%s

Toggles an interception session for one installed app.  The session
needs two privileges (display over other apps, tunnel consent) before
the tunnel engine is started.

Usage:
  mitmctl [options] [package]          Toggle interception for package
  mitmctl --list-apps                  List choosable apps
  mitmctl --serve [options]            Run the HTTP control API

Options:
`, version)
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintf(w, `
Examples:
  mitmctl com.mojang.minecraftpe                   Intercept until Ctrl-C
  mitmctl --grants=file                            Answer grants in grants.yaml
  mitmctl -E ssh -d shell@192.168.1.20:8022 PKG    Drive the engine on a device
  mitmctl --serve --grants=auto --listen :8642     Control plane on :8642
`)
}
