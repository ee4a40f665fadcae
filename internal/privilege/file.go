package privilege

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	ncerr "mitmctl/internal/errors"
	"mitmctl/util"
)

// entry is one privilege in the grants file.
type entry struct {
	State       string     `yaml:"state"`
	RequestedAt *time.Time `yaml:"requested_at,omitempty"`
	ResolvedAt  *time.Time `yaml:"resolved_at,omitempty"`
}

// grantsFile is the on-disk shape:
//
//	grants:
//	  overlay:
//	    state: granted
//	  consent:
//	    state: pending
//	    requested_at: 2026-01-02T15:04:05Z
type grantsFile struct {
	Grants map[string]entry `yaml:"grants"`
}

type fileGateConfig struct {
	path     string
	dirPerm  os.FileMode
	filePerm os.FileMode
	logger   *util.Logger
	now      func() time.Time
}

func defaultFileGateConfig() fileGateConfig {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return fileGateConfig{
		path:     filepath.Join(home, ".mitmctl", "grants.yaml"),
		dirPerm:  0o755,
		filePerm: 0o600,
		now:      time.Now,
	}
}

// FileGateOption configures a FileGate.
type FileGateOption func(*fileGateConfig)

// WithPath sets the grants file location.
func WithPath(path string) FileGateOption {
	return func(c *fileGateConfig) { c.path = path }
}

// WithFilePermissions sets the mode the grants file is written with.
// Default is 0o600.
func WithFilePermissions(perm os.FileMode) FileGateOption {
	return func(c *fileGateConfig) { c.filePerm = perm }
}

// WithDirPermissions sets the mode of a created parent directory.
func WithDirPermissions(perm os.FileMode) FileGateOption {
	return func(c *fileGateConfig) { c.dirPerm = perm }
}

// WithLogger routes read failures to logger.
func WithLogger(logger *util.Logger) FileGateOption {
	return func(c *fileGateConfig) { c.logger = logger }
}

// WithClock overrides the time source for requested/resolved stamps.
func WithClock(now func() time.Time) FileGateOption {
	return func(c *fileGateConfig) { c.now = now }
}

// FileGate keeps grant state in a YAML file that a person or a host
// agent edits out-of-band.  RequestGrant records a pending entry; the
// answer is a later edit setting the entry to granted or denied, which
// a [Watcher] turns into a resolver call.
type FileGate struct {
	config fileGateConfig

	mu          sync.Mutex
	outstanding map[Kind]bool
}

// NewFileGate creates a gate over the grants file.  The file is created
// lazily on the first write.
func NewFileGate(opts ...FileGateOption) *FileGate {
	cfg := defaultFileGateConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = util.Discard()
	}
	return &FileGate{config: cfg, outstanding: make(map[Kind]bool)}
}

// Path returns the grants file location.
func (g *FileGate) Path() string { return g.config.path }

// IsGranted implements [Gate].  An unreadable file grants nothing.
func (g *FileGate) IsGranted(kind Kind) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, err := g.read()
	if err != nil {
		g.config.logger.Warn("grants: %v", err)
		return false
	}
	return ParseState(f.Grants[kind.String()].State) == Granted
}

// RequestGrant implements [Gate].  An existing pending entry keeps its
// original request time.
func (g *FileGate) RequestGrant(kind Kind) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, err := g.read()
	if err != nil {
		return err
	}
	e := f.Grants[kind.String()]
	if ParseState(e.State) != PendingExternalGrant || e.RequestedAt == nil {
		now := g.config.now().UTC()
		e = entry{State: PendingExternalGrant.String(), RequestedAt: &now}
	}
	f.Grants[kind.String()] = e
	if err := g.write(f); err != nil {
		return err
	}
	g.outstanding[kind] = true
	g.config.logger.Info("grant requested: %s (answer in %s)", kind, g.config.path)
	return nil
}

// Resolve writes the answer to the outstanding request for kind and
// settles it, so a Watcher will not report it a second time.  With no
// request outstanding the file is left alone and Resolve fails with
// errors.ErrStateMismatch.
func (g *FileGate) Resolve(kind Kind, granted bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.outstanding[kind] {
		return fmt.Errorf("%w: no outstanding %s request", ncerr.ErrStateMismatch, kind)
	}

	f, err := g.read()
	if err != nil {
		return err
	}
	e := f.Grants[kind.String()]
	now := g.config.now().UTC()
	e.ResolvedAt = &now
	if granted {
		e.State = Granted.String()
	} else {
		e.State = NotGranted.String()
	}
	f.Grants[kind.String()] = e
	if err := g.write(f); err != nil {
		return err
	}
	delete(g.outstanding, kind)
	return nil
}

// Load returns the state of every known privilege.
func (g *FileGate) Load() (map[Kind]State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, err := g.read()
	if err != nil {
		return nil, err
	}
	out := make(map[Kind]State, len(f.Grants))
	for name, e := range f.Grants {
		k, err := ParseKind(name)
		if err != nil {
			continue
		}
		out[k] = ParseState(e.State)
	}
	return out, nil
}

// Outstanding lists kinds requested through this gate that have not
// been answered yet, in acquisition order.
func (g *FileGate) Outstanding() []Kind {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Kind
	for k := range g.outstanding {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// settle re-reads the file and returns the answers that arrived for
// outstanding requests.  A pending entry is still unanswered; a missing
// entry counts as denied.
func (g *FileGate) settle() (map[Kind]bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.outstanding) == 0 {
		return nil, nil
	}
	f, err := g.read()
	if err != nil {
		return nil, err
	}
	answers := make(map[Kind]bool)
	for k := range g.outstanding {
		e, ok := f.Grants[k.String()]
		if ok && ParseState(e.State) == PendingExternalGrant {
			continue
		}
		answers[k] = ok && ParseState(e.State) == Granted
		delete(g.outstanding, k)
	}
	return answers, nil
}

func (g *FileGate) read() (*grantsFile, error) {
	f := &grantsFile{}
	data, err := os.ReadFile(g.config.path)
	if os.IsNotExist(err) {
		f.Grants = make(map[string]entry)
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading grants file: %w", err)
	}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parsing grants file %s: %w", g.config.path, err)
	}
	if f.Grants == nil {
		f.Grants = make(map[string]entry)
	}
	return f, nil
}

// write replaces the file atomically so a watcher never sees a torn
// document.
func (g *FileGate) write(f *grantsFile) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding grants: %w", err)
	}
	dir := filepath.Dir(g.config.path)
	if err := os.MkdirAll(dir, g.config.dirPerm); err != nil {
		return fmt.Errorf("creating grants directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".grants-*.tmp")
	if err != nil {
		return fmt.Errorf("writing grants file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing grants file: %w", err)
	}
	if err := tmp.Chmod(g.config.filePerm); err != nil {
		tmp.Close()
		return fmt.Errorf("writing grants file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing grants file: %w", err)
	}
	if err := os.Rename(tmp.Name(), g.config.path); err != nil {
		return fmt.Errorf("writing grants file: %w", err)
	}
	return nil
}
