// Package prefs persists the small amount of user state mitmctl keeps
// between runs: the last target package.
package prefs

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// document is the on-disk shape of the state file.
type document struct {
	LastTarget string    `yaml:"last_target,omitempty"`
	UpdatedAt  time.Time `yaml:"updated_at,omitempty"`
}

// Store reads and writes the state file.  A missing file is an empty
// store.
type Store struct {
	path     string
	fallback string

	mu sync.Mutex
}

// New returns a store at path that reports fallback until a target
// has been saved.
func New(path, fallback string) *Store {
	return &Store{path: path, fallback: fallback}
}

// Path returns the state file location.
func (s *Store) Path() string { return s.path }

// LastTarget returns the saved target, or the fallback.
func (s *Store) LastTarget() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return s.fallback, err
	}
	if doc.LastTarget == "" {
		return s.fallback, nil
	}
	return doc.LastTarget, nil
}

// SaveTarget records pkg as the last target.
func (s *Store) SaveTarget(pkg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		// A corrupt file is replaced rather than blocking the save.
		doc = &document{}
	}
	doc.LastTarget = pkg
	doc.UpdatedAt = time.Now().UTC()

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}

func (s *Store) load() (*document, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing state file %s: %w", s.path, err)
	}
	return &doc, nil
}
