// Package tunnelcfg builds the immutable configuration handed to the
// tunnel engine for one start attempt.
package tunnelcfg

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"mitmctl/internal/apps"
)

// validate is a package-level singleton; building a validator is
// expensive and it is safe for concurrent use.
var validate = validator.New()

// Default values mirror what the interception engine expects when the
// user has not configured anything.
const (
	DefaultMTU     = 4096
	DefaultLabel   = "mitmctl"
	DefaultAddress = "10.1.10.1/32"
	DefaultRoute   = "0.0.0.0/0"
)

// Defaults is the user-tunable part of every session configuration.
type Defaults struct {
	Address netip.Prefix   `validate:"-"`
	Routes  []netip.Prefix `validate:"min=1"`
	MTU     int            `validate:"gt=0,lte=65535"`
	Label   string         `validate:"required"`
}

// DefaultDefaults returns the stock engine settings.
func DefaultDefaults() Defaults {
	return Defaults{
		Address: netip.MustParsePrefix(DefaultAddress),
		Routes:  []netip.Prefix{netip.MustParsePrefix(DefaultRoute)},
		MTU:     DefaultMTU,
		Label:   DefaultLabel,
	}
}

// Validate checks d before it is used to build configurations.
func (d Defaults) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("session defaults: %w", err)
	}
	if !d.Address.IsValid() {
		return fmt.Errorf("session defaults: virtual address is not set")
	}
	for _, r := range d.Routes {
		if !r.IsValid() {
			return fmt.Errorf("session defaults: invalid route %v", r)
		}
	}
	return nil
}

// Config is the value given to the engine.  Fields are unexported so a
// built Config cannot be altered; accessors return copies.
type Config struct {
	address netip.Prefix
	routes  []netip.Prefix
	mtu     int
	label   string
	allowed []string
}

// Build produces the configuration for target.  The target must already
// have been validated against the app inventory.
func Build(target apps.Target, d Defaults) Config {
	return Config{
		address: d.Address,
		routes:  append([]netip.Prefix(nil), d.Routes...),
		mtu:     d.MTU,
		label:   d.Label,
		allowed: []string{target.Package},
	}
}

func (c Config) Address() netip.Prefix { return c.address }
func (c Config) MTU() int              { return c.mtu }
func (c Config) Label() string         { return c.label }

// Routes returns a copy of the routed prefixes.
func (c Config) Routes() []netip.Prefix {
	return append([]netip.Prefix(nil), c.routes...)
}

// AllowedApps returns a copy of the packages whose traffic is captured.
func (c Config) AllowedApps() []string {
	return append([]string(nil), c.allowed...)
}

// Target returns the single allowed package.
func (c Config) Target() apps.Target {
	if len(c.allowed) == 0 {
		return apps.Target{}
	}
	return apps.Target{Package: c.allowed[0]}
}

// Check reports why an engine should refuse c.  A zero Config is
// malformed.
func (c Config) Check() error {
	switch {
	case !c.address.IsValid():
		return fmt.Errorf("missing virtual address")
	case c.mtu <= 0:
		return fmt.Errorf("mtu %d must be positive", c.mtu)
	case len(c.routes) == 0:
		return fmt.Errorf("no routes")
	case len(c.allowed) != 1 || c.allowed[0] == "":
		return fmt.Errorf("exactly one allowed application is required, got %d", len(c.allowed))
	}
	return nil
}

// Args encodes c as command-line flags for an external engine binary.
func (c Config) Args() []string {
	args := []string{
		"--address", c.address.String(),
		"--mtu", strconv.Itoa(c.mtu),
		"--session", c.label,
	}
	for _, r := range c.routes {
		args = append(args, "--route", r.String())
	}
	for _, pkg := range c.allowed {
		args = append(args, "--allow", pkg)
	}
	return args
}

// View is a serialisable copy of a Config.
type View struct {
	Address     string   `json:"address"`
	Routes      []string `json:"routes"`
	MTU         int      `json:"mtu"`
	Label       string   `json:"label"`
	AllowedApps []string `json:"allowed_apps"`
}

// View returns c in a form suitable for JSON output.
func (c Config) View() View {
	routes := make([]string, 0, len(c.routes))
	for _, r := range c.routes {
		routes = append(routes, r.String())
	}
	return View{
		Address:     c.address.String(),
		Routes:      routes,
		MTU:         c.mtu,
		Label:       c.label,
		AllowedApps: c.AllowedApps(),
	}
}

func (c Config) String() string {
	return fmt.Sprintf("%s mtu=%d routes=[%s] session=%q allow=%s",
		c.address, c.mtu, strings.Join(c.View().Routes, ","), c.label,
		strings.Join(c.allowed, ","))
}
