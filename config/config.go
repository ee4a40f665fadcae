// Package config defines the runtime configuration for mitmctl and
// provides helpers for parsing device specifications.
package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	ncerr "mitmctl/internal/errors"
	"mitmctl/internal/tunnelcfg"
	"mitmctl/util"
)

// Grant modes.
const (
	GrantPrompt = "prompt" // ask on the terminal
	GrantFile   = "file"   // grants.yaml answered out-of-band
	GrantAuto   = "auto"   // everything granted up front
)

// Engines.
const (
	EngineSim = "sim"
	EngineSSH = "ssh"
)

// Config holds every tuneable for a mitmctl process.
type Config struct {
	// ── Session ──────────────────────────────────────────────────────
	Target      string `yaml:"target"` // package to toggle; empty → last used
	SelfPackage string `yaml:"self_package"`
	StateDir    string `yaml:"state_dir" validate:"required"`
	AppsFile    string `yaml:"apps_file"`  // app inventory; default <state_dir>/apps.yaml
	StateFile   string `yaml:"state_file"` // last-used target; default <state_dir>/state.yaml

	// ── Privileges ───────────────────────────────────────────────────
	GrantMode    string        `yaml:"grant_mode" validate:"oneof=prompt file auto"`
	GrantsFile   string        `yaml:"grants_file"` // default <state_dir>/grants.yaml
	GrantTimeout time.Duration `yaml:"grant_timeout" validate:"gte=0"`

	// ── Tunnel ───────────────────────────────────────────────────────
	Address string   `yaml:"address" validate:"required"`
	Routes  []string `yaml:"routes" validate:"min=1"`
	MTU     int      `yaml:"mtu" validate:"gt=0,lte=65535"`
	Label   string   `yaml:"label" validate:"required"`

	// ── Engine ───────────────────────────────────────────────────────
	Engine        string        `yaml:"engine" validate:"oneof=sim ssh"`
	SimDelay      time.Duration `yaml:"sim_delay" validate:"gte=0"`
	Device        string        `yaml:"device"` // raw [user@]host[:port]
	DeviceUser    string        `yaml:"-"`
	DeviceHost    string        `yaml:"-"`
	DevicePort    int           `yaml:"-"`
	EngineCommand string        `yaml:"engine_command"`
	SSHKeyPath    string        `yaml:"ssh_key"`
	SSHPassword   bool          `yaml:"ssh_password"`
	UseSSHAgent   bool          `yaml:"ssh_agent"`
	StrictHostKey bool          `yaml:"strict_hostkey"`
	KnownHosts    string        `yaml:"known_hosts"`
	ConnTimeout   time.Duration `yaml:"conn_timeout" validate:"gt=0"`
	KeepAlive     time.Duration `yaml:"keepalive" validate:"gte=0"` // 0 disables keepalives

	// ── Daemon ───────────────────────────────────────────────────────
	Serve           bool          `yaml:"serve"`
	ListenAddr      string        `yaml:"listen" validate:"omitempty,hostname_port"`
	JournalFile     string        `yaml:"journal_file"` // default <state_dir>/journal.db
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`

	// ── Output ───────────────────────────────────────────────────────
	Verbose  int  `yaml:"verbose" validate:"gte=0,lte=3"`
	ListApps bool `yaml:"-"`
}

// Defaults returns a Config with every default applied.
func Defaults() *Config {
	return &Config{
		SelfPackage:     DefaultSelfPackage,
		StateDir:        DefaultDir(),
		GrantMode:       DefaultGrantMode,
		Address:         tunnelcfg.DefaultAddress,
		Routes:          []string{tunnelcfg.DefaultRoute},
		MTU:             tunnelcfg.DefaultMTU,
		Label:           tunnelcfg.DefaultLabel,
		Engine:          DefaultEngine,
		SimDelay:        DefaultSimDelay,
		EngineCommand:   DefaultEngineCommand,
		ConnTimeout:     DefaultConnTimeout,
		KeepAlive:       DefaultKeepAlive,
		ListenAddr:      DefaultListenAddr,
		ShutdownTimeout: DefaultShutdownTimeout,
		Verbose:         DefaultVerbose,
	}
}

// ── Derived paths ────────────────────────────────────────────────────

func (c *Config) inState(explicit, name string) string {
	if explicit != "" {
		return explicit
	}
	return filepath.Join(c.StateDir, name)
}

// AppsPath is the app inventory location.
func (c *Config) AppsPath() string { return c.inState(c.AppsFile, "apps.yaml") }

// StatePath is the last-target store location.
func (c *Config) StatePath() string { return c.inState(c.StateFile, "state.yaml") }

// GrantsPath is the grants file location.
func (c *Config) GrantsPath() string { return c.inState(c.GrantsFile, "grants.yaml") }

// JournalPath is the transition journal location.
func (c *Config) JournalPath() string { return c.inState(c.JournalFile, "journal.db") }

// SessionDefaults converts the tunnel settings for the controller.
// Call Validate first.
func (c *Config) SessionDefaults() (tunnelcfg.Defaults, error) {
	addr, err := util.ParsePrefix(c.Address)
	if err != nil {
		return tunnelcfg.Defaults{}, err
	}
	routes, err := util.ParsePrefixes(c.Routes)
	if err != nil {
		return tunnelcfg.Defaults{}, err
	}
	return tunnelcfg.Defaults{Address: addr, Routes: routes, MTU: c.MTU, Label: c.Label}, nil
}

// ── Device-spec parser ───────────────────────────────────────────────

// deviceRe matches [user@]host[:port].
var deviceRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:@]+)(?::(\d+))?$`)

// ParseDeviceSpec extracts user, host, and port from a string such as
// "shell@192.168.1.20:8022".  Port defaults to 22.
func ParseDeviceSpec(spec string) (user, host string, port int, err error) {
	m := deviceRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid device spec %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid device port %q", m[3])
		}
	}
	return user, host, port, nil
}

// ── Validation ───────────────────────────────────────────────────────

// validate is shared; building a validator is expensive.
var validate = validator.New()

// flagNames maps struct fields to the CLI flags users know them by.
var flagNames = map[string]string{
	"StateDir":        "state-dir",
	"GrantMode":       "grants",
	"GrantTimeout":    "grant-timeout",
	"Address":         "address",
	"Routes":          "route",
	"MTU":             "mtu",
	"Label":           "label",
	"Engine":          "engine",
	"SimDelay":        "sim-delay",
	"ConnTimeout":     "timeout",
	"KeepAlive":       "keepalive",
	"ListenAddr":      "listen",
	"ShutdownTimeout": "shutdown-timeout",
	"Verbose":         "verbose",
}

var hints = map[string]string{
	"GrantMode":  "use one of: prompt, file, auto",
	"Engine":     "use one of: sim, ssh",
	"MTU":        "the engine default is 4096",
	"ListenAddr": "use host:port, e.g. 127.0.0.1:8642",
	"Verbose":    "0 = quiet, 3 = debug",
}

// Validate checks that the configuration is internally consistent and
// fills the derived device fields.  Failures are *errors.ConfigError.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if ncerr.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ncerr.ConfigError{
				Field:   flagName(fe.StructField()),
				Value:   fe.Value(),
				Message: fmt.Sprintf("failed %q check", fe.Tag()),
				Hint:    hints[fe.StructField()],
			}
		}
		return err
	}

	if _, err := util.ParsePrefix(c.Address); err != nil {
		return &ncerr.ConfigError{Field: "address", Value: c.Address, Message: err.Error(),
			Hint: "use CIDR notation, e.g. 10.1.10.1/32"}
	}
	for _, r := range c.Routes {
		if _, err := util.ParsePrefix(r); err != nil {
			return &ncerr.ConfigError{Field: "route", Value: r, Message: err.Error()}
		}
	}

	if c.Engine == EngineSSH {
		if c.Device == "" {
			return &ncerr.ConfigError{Field: "device", Message: "the ssh engine needs a device",
				Hint: "pass --device [user@]host[:port]"}
		}
		user, host, port, err := ParseDeviceSpec(c.Device)
		if err != nil {
			return &ncerr.ConfigError{Field: "device", Value: c.Device, Message: err.Error()}
		}
		c.DeviceUser, c.DeviceHost, c.DevicePort = user, host, port
		if c.EngineCommand == "" {
			return &ncerr.ConfigError{Field: "engine-command", Message: "must not be empty"}
		}
	}

	if c.Serve && c.ListenAddr == "" {
		return &ncerr.ConfigError{Field: "listen", Message: "the daemon needs an address", Hint: hints["ListenAddr"]}
	}
	if c.Serve && c.ListApps {
		return &ncerr.ConfigError{Field: "list-apps", Message: "cannot be combined with --serve"}
	}
	if c.Serve && c.GrantMode == GrantPrompt {
		return &ncerr.ConfigError{Field: "grants", Value: c.GrantMode,
			Message: "the daemon has no terminal to prompt on",
			Hint:    "use --grants=file or --grants=auto with --serve"}
	}
	return nil
}

func flagName(field string) string {
	if n, ok := flagNames[field]; ok {
		return n
	}
	return strings.ToLower(field)
}
