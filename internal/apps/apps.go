// Package apps models the installed-application inventory that session
// targets are chosen from.
//
// The inventory itself belongs to the host (a package manager, a device
// agent); mitmctl only needs to look a package up, decide whether it
// may be intercepted, and list candidates for a chooser.
package apps

import (
	"sort"
	"strings"
	"sync"

	ncerr "mitmctl/internal/errors"
)

// App is one installed application as reported by the host.
type App struct {
	Package string `yaml:"package" json:"package"`
	Label   string `yaml:"label" json:"label"`
	// Network is true when the app holds the capability to open
	// network connections.  Apps without it cannot be intercepted.
	Network bool `yaml:"network" json:"network"`
	System  bool `yaml:"system" json:"system"`
}

// ChoiceLabel renders the app the way choosers list it:
// "Label - package".
func (a App) ChoiceLabel() string {
	label := a.Label
	if label == "" {
		label = a.Package
	}
	return label + " - " + a.Package
}

// Target identifies the single application a session intercepts.
type Target struct {
	Package string `json:"package"`
}

// NewTarget trims pkg and wraps it.
func NewTarget(pkg string) Target {
	return Target{Package: strings.TrimSpace(pkg)}
}

func (t Target) String() string { return t.Package }

// IsZero reports whether no package is set.
func (t Target) IsZero() bool { return t.Package == "" }

// Catalog answers inventory queries.
type Catalog interface {
	// Lookup returns the installed app for pkg.
	Lookup(pkg string) (App, bool)
	// List returns every installed app in unspecified order.
	List() []App
}

// Validate checks that t names an installed, network-capable app.
// Failures are *errors.TargetError values matching ErrInvalidTarget.
func Validate(c Catalog, t Target) error {
	if t.IsZero() {
		return ncerr.InvalidTarget("", "package identifier is empty")
	}
	app, ok := c.Lookup(t.Package)
	if !ok {
		return ncerr.InvalidTarget(t.Package, "not installed")
	}
	if !app.Network {
		return ncerr.InvalidTarget(t.Package, "lacks network permission")
	}
	return nil
}

// Choosable returns the apps a user may pick as a target: installed,
// network-capable, not a system app and not self.  The result is
// sorted by ChoiceLabel.
func Choosable(c Catalog, self string) []App {
	var out []App
	for _, a := range c.List() {
		if !a.Network || a.System || a.Package == self {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ChoiceLabel() < out[j].ChoiceLabel()
	})
	return out
}

// ── Static catalog ───────────────────────────────────────────────────

// Static is an in-memory Catalog.  It is safe for concurrent use and
// can be swapped wholesale with Replace.
type Static struct {
	mu   sync.RWMutex
	apps map[string]App
}

// NewStatic builds a catalog from apps.  Later duplicates win.
func NewStatic(apps ...App) *Static {
	s := &Static{}
	s.Replace(apps)
	return s
}

// Lookup implements [Catalog].
func (s *Static) Lookup(pkg string) (App, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.apps[pkg]
	return a, ok
}

// List implements [Catalog].
func (s *Static) List() []App {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]App, 0, len(s.apps))
	for _, a := range s.apps {
		out = append(out, a)
	}
	return out
}

// Replace swaps the inventory.
func (s *Static) Replace(apps []App) {
	m := make(map[string]App, len(apps))
	for _, a := range apps {
		m[a.Package] = a
	}
	s.mu.Lock()
	s.apps = m
	s.mu.Unlock()
}
